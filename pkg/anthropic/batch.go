package anthropic

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	defaultBatchPollInitial = 2 * time.Second
	defaultBatchPollCap     = 15 * time.Second
	defaultBatchPollTimeout = 30 * time.Minute
)

// PollOption configures batch polling behavior.
type PollOption func(*pollConfig)

type pollConfig struct {
	initial time.Duration
	cap     time.Duration
	timeout time.Duration
}

// WithPollInterval overrides the initial poll interval.
func WithPollInterval(d time.Duration) PollOption {
	return func(c *pollConfig) { c.initial = d }
}

// WithPollCap overrides the maximum poll interval.
func WithPollCap(d time.Duration) PollOption {
	return func(c *pollConfig) { c.cap = d }
}

// WithPollTimeout overrides the default poll timeout. It only applies when
// ctx carries no deadline of its own.
func WithPollTimeout(d time.Duration) PollOption {
	return func(c *pollConfig) { c.timeout = d }
}

// ErrBatchAborted is returned when a batch expires or is canceled before it
// ends. Every record in it should be treated as a transient failure.
var ErrBatchAborted = eris.New("anthropic: batch aborted")

// PollBatch polls GetBatch until the batch ends or the context expires.
// The interval doubles up to the cap, with ±20% jitter.
func PollBatch(ctx context.Context, client Client, batchID string, opts ...PollOption) (*BatchResponse, error) {
	cfg := pollConfig{
		initial: defaultBatchPollInitial,
		cap:     defaultBatchPollCap,
		timeout: defaultBatchPollTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	log := zap.L().With(zap.String("batch_id", batchID))
	interval := cfg.initial
	for polls := 1; ; polls++ {
		batch, err := client.GetBatch(ctx, batchID)
		if err != nil {
			return nil, eris.Wrap(err, fmt.Sprintf("anthropic: poll batch %s", batchID))
		}

		switch batch.ProcessingStatus {
		case "ended":
			log.Debug("anthropic: batch ended",
				zap.Int("polls", polls),
				zap.Int64("succeeded", batch.RequestCounts.Succeeded),
				zap.Int64("errored", batch.RequestCounts.Errored),
			)
			return batch, nil
		case "expired", "canceled", "canceling":
			return batch, eris.Wrapf(ErrBatchAborted, "batch %s %s", batchID, batch.ProcessingStatus)
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), fmt.Sprintf("anthropic: poll batch %s timed out", batchID))
		case <-time.After(interval):
		}

		interval = nextPollInterval(interval, cfg.cap)
	}
}

func nextPollInterval(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit {
		next = limit
	}
	if fifth := int64(next) / 5; fifth > 0 {
		jitter := time.Duration(rand.Int64N(fifth))
		if rand.IntN(2) == 0 {
			next += jitter
		} else {
			next -= jitter
		}
	}
	return next
}

// BatchFailure records a single failed batch item.
type BatchFailure struct {
	CustomID string
	Type     string // "errored", "canceled", "expired"
}

// Err describes the failure as an error.
func (f BatchFailure) Err() error {
	return eris.Errorf("anthropic: batch item %s %s", f.CustomID, f.Type)
}

// BatchCollectResult holds both succeeded and failed items from a batch.
type BatchCollectResult struct {
	Succeeded map[string]*MessageResponse
	Failures  []BatchFailure
}

// Missing returns the custom IDs in want that appear neither as a success
// nor as a failure.
func (r *BatchCollectResult) Missing(want []string) []string {
	seen := make(map[string]bool, len(r.Succeeded)+len(r.Failures))
	for id := range r.Succeeded {
		seen[id] = true
	}
	for _, f := range r.Failures {
		seen[f.CustomID] = true
	}
	var out []string
	for _, id := range want {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// CollectBatchResultsDetailed drains a BatchResultIterator and returns both
// succeeded results and a list of failed items.
func CollectBatchResultsDetailed(iter BatchResultIterator) (*BatchCollectResult, error) {
	defer iter.Close() //nolint:errcheck

	result := &BatchCollectResult{Succeeded: make(map[string]*MessageResponse)}
	for iter.Next() {
		item := iter.Item()
		if item.Type == "succeeded" && item.Message != nil {
			result.Succeeded[item.CustomID] = item.Message
			continue
		}
		result.Failures = append(result.Failures, BatchFailure{CustomID: item.CustomID, Type: item.Type})
		zap.L().Warn("anthropic: batch item failed",
			zap.String("custom_id", item.CustomID),
			zap.String("type", item.Type),
		)
	}
	if err := iter.Err(); err != nil {
		return nil, eris.Wrap(err, "anthropic: collect batch results")
	}
	return result, nil
}
