package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/strain-refinery/internal/cost"
	"github.com/sells-group/strain-refinery/internal/model"
)

// RunContext is the state of one pipeline run: its identity, output sinks,
// cost ledger and counters. It is created when a run starts and discarded
// when it ends; nothing about a run lives in package state.
type RunContext struct {
	ID   string
	Mode model.RunMode

	gold     Sink
	failures Sink
	ledger   *cost.Ledger
	now      func() time.Time
	started  time.Time

	records       atomic.Int64
	skipped       atomic.Int64
	succeeded     atomic.Int64
	failed        atomic.Int64
	cacheHits     atomic.Int64
	confidenceSum atomic.Int64

	mu      sync.Mutex
	byClass map[model.FailureClass]int
}

// NewRunContext creates the context for run id. ledger may be nil.
func NewRunContext(id string, mode model.RunMode, gold, failures Sink, ledger *cost.Ledger) *RunContext {
	if gold == nil {
		gold = &MemorySink{}
	}
	if failures == nil {
		failures = &MemorySink{}
	}
	return &RunContext{
		ID:       id,
		Mode:     mode,
		gold:     gold,
		failures: failures,
		ledger:   ledger,
		now:      time.Now,
		started:  time.Now(),
		byClass:  make(map[model.FailureClass]int),
	}
}

// WithClock replaces the clock used for timestamps. Tests pin it to get
// byte-stable output.
func (rc *RunContext) WithClock(now func() time.Time) *RunContext {
	rc.now = now
	rc.started = now()
	return rc
}

// Now returns the run's current time.
func (rc *RunContext) Now() time.Time { return rc.now() }

// Ledger returns the run's cost ledger, possibly nil.
func (rc *RunContext) Ledger() *cost.Ledger { return rc.ledger }

func (rc *RunContext) addRecords(n int) { rc.records.Add(int64(n)) }
func (rc *RunContext) skip()            { rc.skipped.Add(1) }
func (rc *RunContext) cacheHit()        { rc.cacheHits.Add(1) }

// emitGold writes g to the Gold sink and counts it.
func (rc *RunContext) emitGold(g *model.GoldRecord) error {
	if err := rc.gold.Write(g); err != nil {
		return eris.Wrapf(err, "run %s: write gold %s", rc.ID, g.BronzeRecordID)
	}
	rc.succeeded.Add(1)
	rc.confidenceSum.Add(int64(g.Metadata.ConfidenceScore))
	return nil
}

// emitFailure writes f to the failure side channel and counts it.
func (rc *RunContext) emitFailure(f model.RecordFailure) error {
	if err := rc.failures.Write(f); err != nil {
		return eris.Wrapf(err, "run %s: write failure %s", rc.ID, f.SourceRecordID)
	}
	rc.failed.Add(1)
	rc.mu.Lock()
	rc.byClass[f.Class]++
	rc.mu.Unlock()
	return nil
}

// Summary snapshots the run's tallies.
func (rc *RunContext) Summary() *model.RunSummary {
	s := &model.RunSummary{
		Records:    int(rc.records.Load()),
		Skipped:    int(rc.skipped.Load()),
		Succeeded:  int(rc.succeeded.Load()),
		Failed:     int(rc.failed.Load()),
		CacheHits:  int(rc.cacheHits.Load()),
		DurationMs: rc.now().Sub(rc.started).Milliseconds(),
	}
	if s.Succeeded > 0 {
		s.MeanConfidence = roundCanonical(float64(rc.confidenceSum.Load()) / float64(s.Succeeded))
	}

	rc.mu.Lock()
	if len(rc.byClass) > 0 {
		s.FailuresByClass = make(map[model.FailureClass]int, len(rc.byClass))
		for k, v := range rc.byClass {
			s.FailuresByClass[k] = v
		}
	}
	rc.mu.Unlock()

	if rc.ledger != nil {
		usage, usd, _ := rc.ledger.Totals()
		s.InputTokens = usage.InputTokens
		s.OutputTokens = usage.OutputTokens
		s.CostUSD = usd
	}
	return s
}
