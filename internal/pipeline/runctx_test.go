package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/strain-refinery/internal/cost"
	"github.com/sells-group/strain-refinery/internal/model"
	"github.com/sells-group/strain-refinery/pkg/anthropic"
)

func TestRunContext_Summary(t *testing.T) {
	ledger := cost.NewLedger(cost.NewCalculator(cost.DefaultRates()))
	gold, failures := &MemorySink{}, &MemorySink{}

	now := fixedNow
	rc := NewRunContext("run-1", model.RunModeIngest, gold, failures, ledger).
		WithClock(func() time.Time { return now })

	rc.addRecords(4)
	rc.skip()
	rc.cacheHit()
	for _, conf := range []int{5, 4} {
		g := &model.GoldRecord{BronzeRecordID: "b", Metadata: model.GoldMetadata{ConfidenceScore: conf}}
		require.NoError(t, rc.emitGold(g))
	}
	require.NoError(t, rc.emitFailure(model.RecordFailure{SourceRecordID: "b9", Class: model.FailureTransient}))
	ledger.Record("claude-haiku-4-5-20251001", false, anthropic.TokenUsage{InputTokens: 500, OutputTokens: 50})

	now = fixedNow.Add(1500 * time.Millisecond)
	s := rc.Summary()

	assert.Equal(t, 4, s.Records)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.CacheHits)
	assert.InDelta(t, 4.5, s.MeanConfidence, 0.001)
	assert.Equal(t, map[model.FailureClass]int{model.FailureTransient: 1}, s.FailuresByClass)
	assert.Equal(t, int64(500), s.InputTokens)
	assert.Equal(t, int64(50), s.OutputTokens)
	assert.Greater(t, s.CostUSD, 0.0)
	assert.Equal(t, int64(1500), s.DurationMs)

	assert.Len(t, gold.Lines(), 2)
	assert.Len(t, failures.Lines(), 1)
}

func TestRunContext_EmptySummary(t *testing.T) {
	rc := NewRunContext("run-1", model.RunModeRetry, nil, nil, nil).WithClock(fixedClock)

	s := rc.Summary()
	assert.Zero(t, s.Succeeded)
	assert.Zero(t, s.MeanConfidence)
	assert.Nil(t, s.FailuresByClass)
	assert.Zero(t, s.CostUSD)
	assert.Nil(t, rc.Ledger())
	assert.Equal(t, fixedNow, rc.Now())
}
