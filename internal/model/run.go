package model

import "time"

// RunStatus represents the current state of a refinement run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunMode says whether a run processed fresh input or a retry pass.
type RunMode string

const (
	RunModeIngest RunMode = "ingest"
	RunModeRetry  RunMode = "retry"
)

// Run is one invocation of the pipeline over a set of Bronze records.
type Run struct {
	ID        string      `json:"id"`
	Mode      RunMode     `json:"mode"`
	Input     string      `json:"input"`
	Status    RunStatus   `json:"status"`
	Summary   *RunSummary `json:"summary,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// RunSummary holds the final tallies of a run.
type RunSummary struct {
	Records         int                  `json:"records"`
	Skipped         int                  `json:"skipped"`
	Succeeded       int                  `json:"succeeded"`
	Failed          int                  `json:"failed"`
	FailuresByClass map[FailureClass]int `json:"failures_by_class,omitempty"`
	MeanConfidence  float64              `json:"mean_confidence"`
	InputTokens     int64                `json:"input_tokens"`
	OutputTokens    int64                `json:"output_tokens"`
	CacheHits       int                  `json:"cache_hits"`
	CostUSD         float64              `json:"cost_usd"`
	DurationMs      int64                `json:"duration_ms"`
	Error           string               `json:"error,omitempty"`
}

// FailureClass categorizes why a record produced no Gold output.
type FailureClass string

const (
	FailureTransient          FailureClass = "transient_service_error"
	FailureMalformedResponse  FailureClass = "malformed_response"
	FailurePermanentRejection FailureClass = "permanent_rejection"
	FailureRecordIncomplete   FailureClass = "record_incomplete"
	FailureUntraceable        FailureClass = "audit_untraceable"
)

// Retryable reports whether a later pass could plausibly succeed without
// changes to the input.
func (c FailureClass) Retryable() bool {
	return c == FailureTransient
}

// RecordFailure is one line of the failure side channel.
type RecordFailure struct {
	SourceRecordID string       `json:"source_record_id"`
	RunID          string       `json:"run_id"`
	Class          FailureClass `json:"failure_class"`
	Error          string       `json:"error"`
	Attempts       int          `json:"attempts,omitempty"`
	FailedAt       time.Time    `json:"failed_at"`
}
