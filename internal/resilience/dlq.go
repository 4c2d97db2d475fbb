package resilience

import (
	"time"

	"github.com/sells-group/strain-refinery/internal/model"
)

// DLQEntry is a Bronze record whose processing failed, kept for a later
// retry pass or manual review. There is at most one entry per record.
type DLQEntry struct {
	ID             string             `json:"id"`
	SourceRecordID string             `json:"source_record_id"`
	RunID          string             `json:"run_id"`
	Error          string             `json:"error"`
	ErrorType      model.FailureClass `json:"error_type"`
	Attempts       int                `json:"attempts"`
	RetryCount     int                `json:"retry_count"`
	MaxRetries     int                `json:"max_retries"`
	NextRetryAt    time.Time          `json:"next_retry_at"`
	CreatedAt      time.Time          `json:"created_at"`
	LastFailedAt   time.Time          `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType model.FailureClass `json:"error_type,omitempty"` // "" for all
	DueOnly   bool               `json:"due_only,omitempty"`   // only entries whose next_retry_at has passed and that can retry
	Limit     int                `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// NewDLQEntry builds the dead-letter entry for a failed record. The next
// retry is scheduled with the policy's backoff for the first retry.
func NewDLQEntry(f model.RecordFailure, maxRetries int, p Policy) DLQEntry {
	next := f.FailedAt.Add(p.Backoff(1))
	if !f.Class.Retryable() {
		// Manual review only; a forced retry pass can still pick it up.
		next = f.FailedAt
	}
	return DLQEntry{
		SourceRecordID: f.SourceRecordID,
		RunID:          f.RunID,
		Error:          f.Error,
		ErrorType:      f.Class,
		Attempts:       f.Attempts,
		MaxRetries:     maxRetries,
		NextRetryAt:    next,
		CreatedAt:      f.FailedAt,
		LastFailedAt:   f.FailedAt,
	}
}

// NextRetry returns when the entry should be retried after another failure.
func (e *DLQEntry) NextRetry(now time.Time, p Policy) time.Time {
	return now.Add(p.Backoff(e.RetryCount + 1))
}
