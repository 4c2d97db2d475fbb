package store

import (
	"context"
	"time"

	"github.com/sells-group/strain-refinery/internal/model"
	"github.com/sells-group/strain-refinery/internal/resilience"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Mode   model.RunMode   `json:"mode,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// GoldFilter specifies criteria for listing Gold records.
type GoldFilter struct {
	MaxConfidence int `json:"max_confidence,omitempty"` // 0 for all
	Limit         int `json:"limit,omitempty"`
	Offset        int `json:"offset,omitempty"`
}

// Store defines the persistence interface for the refinery.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, mode model.RunMode, input string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	UpdateRunSummary(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Bronze records are write-once: saving an existing ID is a no-op.
	SaveBronze(ctx context.Context, records []model.BronzeRecord) (int, error)
	GetBronze(ctx context.Context, ids []string) ([]model.BronzeRecord, error)

	// Gold records are keyed by their Bronze record ID.
	UpsertGold(ctx context.Context, runID string, gold *model.GoldRecord) error
	GetGold(ctx context.Context, recordID string) (*model.GoldRecord, error)
	GoldExists(ctx context.Context, ids []string) (map[string]bool, error)
	ListGold(ctx context.Context, filter GoldFilter) ([]model.GoldRecord, error)

	// Extraction cache
	GetExtraction(ctx context.Context, key string) ([]byte, error)
	SetExtraction(ctx context.Context, key string, data []byte, ttl time.Duration) error
	DeleteExpiredExtractions(ctx context.Context) (int, error)

	// Dead letters, one per source record.
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, sourceRecordID string, class model.FailureClass, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, sourceRecordID string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
