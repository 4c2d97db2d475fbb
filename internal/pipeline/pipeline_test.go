package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/strain-refinery/internal/cost"
	"github.com/sells-group/strain-refinery/internal/model"
	"github.com/sells-group/strain-refinery/internal/resilience"
	"github.com/sells-group/strain-refinery/internal/store"
	"github.com/sells-group/strain-refinery/pkg/anthropic"
)

func newTestRun(id string, mode model.RunMode) (*RunContext, *MemorySink, *MemorySink) {
	gold, failures := &MemorySink{}, &MemorySink{}
	ledger := cost.NewLedger(cost.NewCalculator(cost.DefaultRates()))
	rc := NewRunContext(id, mode, gold, failures, ledger).WithClock(fixedClock)
	return rc, gold, failures
}

func completeBronze(id string) model.BronzeRecord {
	return bronzeRecord(id, map[string]string{
		"height_raw":         "83-117 cm",
		"flowering_time_raw": "8-9 weeks",
		"thc_content_raw":    "THC 18-22%",
		"genetics_raw":       "70% Indica / 30% Sativa",
		"effects_raw":        "Relaxing, happy",
	}, map[string]string{
		"height_raw":      "spec_table",
		"thc_content_raw": "spec_table",
	})
}

func decodeLine(t *testing.T, line []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(line, &out))
	return out
}

func TestRun_BronzeOnly(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := New(testConfig(), st, nil, testTable(t))

	rc, gold, failures := newTestRun("run-1", model.RunModeIngest)
	require.NoError(t, p.Run(ctx, rc, []model.BronzeRecord{completeBronze("b1"), completeBronze("b2")}, RunOptions{}))

	assert.Len(t, gold.Lines(), 2)
	assert.Empty(t, failures.Lines())

	g, err := st.GetGold(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, "Strain b1", g.StrainName)
	assert.InDelta(t, 22, g.BotanicalProfile.StandardizedMetrics["thc_percentage_max"], 0.001)
	assert.Equal(t, fixedNow, g.Metadata.LastUpdated.UTC())

	s := rc.Summary()
	assert.Equal(t, 2, s.Records)
	assert.Equal(t, 2, s.Succeeded)
	assert.Zero(t, s.Failed)
	assert.Greater(t, s.MeanConfidence, 0.0)
}

func TestRun_SkipsExistingGoldUnlessForced(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := New(testConfig(), st, nil, testTable(t))
	records := []model.BronzeRecord{completeBronze("b1")}

	rc, _, _ := newTestRun("run-1", model.RunModeIngest)
	require.NoError(t, p.Run(ctx, rc, records, RunOptions{}))

	rc2, gold2, _ := newTestRun("run-2", model.RunModeIngest)
	require.NoError(t, p.Run(ctx, rc2, records, RunOptions{}))
	assert.Empty(t, gold2.Lines())
	assert.Equal(t, 1, rc2.Summary().Skipped)

	rc3, gold3, _ := newTestRun("run-3", model.RunModeIngest)
	require.NoError(t, p.Run(ctx, rc3, records, RunOptions{Force: true}))
	assert.Len(t, gold3.Lines(), 1)
	assert.Zero(t, rc3.Summary().Skipped)
}

func TestRun_OutputIsDeterministic(t *testing.T) {
	ctx := context.Background()
	table := testTable(t)
	records := []model.BronzeRecord{completeBronze("b1")}

	var lines [][]byte
	for _, id := range []string{"run-a", "run-b"} {
		p := New(testConfig(), newTestStore(t), nil, table)
		rc, gold, _ := newTestRun(id, model.RunModeIngest)
		require.NoError(t, p.Run(ctx, rc, records, RunOptions{}))
		require.Len(t, gold.Lines(), 1)
		lines = append(lines, gold.Lines()[0])
	}
	assert.Equal(t, string(lines[0]), string(lines[1]))
}

func TestRun_DuplicateRecordsProcessedOnce(t *testing.T) {
	st := newTestStore(t)
	p := New(testConfig(), st, nil, testTable(t))

	rc, gold, _ := newTestRun("run-1", model.RunModeIngest)
	require.NoError(t, p.Run(context.Background(), rc, []model.BronzeRecord{completeBronze("b1"), completeBronze("b1")}, RunOptions{}))

	assert.Len(t, gold.Lines(), 1)
	assert.Equal(t, 1, rc.Summary().Records)
}

func TestRun_IncompleteGoesToDeadLetters(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := New(testConfig(), st, nil, testTable(t))

	sparse := bronzeRecord("b9", map[string]string{"height_raw": "80-120 cm"}, nil)
	rc, gold, failures := newTestRun("run-1", model.RunModeIngest)
	require.NoError(t, p.Run(ctx, rc, []model.BronzeRecord{sparse, completeBronze("b1")}, RunOptions{}))

	assert.Len(t, gold.Lines(), 1, "one failing record does not stop the others")
	require.Len(t, failures.Lines(), 1)
	f := decodeLine(t, failures.Lines()[0])
	assert.Equal(t, "b9", f["source_record_id"])
	assert.Equal(t, string(model.FailureRecordIncomplete), f["failure_class"])
	assert.Equal(t, "run-1", f["run_id"])

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b9", entries[0].SourceRecordID)
	assert.Equal(t, model.FailureRecordIncomplete, entries[0].ErrorType)
	assert.NotEmpty(t, entries[0].ID)

	g, err := st.GetGold(ctx, "b9")
	require.NoError(t, err)
	assert.Nil(t, g)

	s := rc.Summary()
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.FailuresByClass[model.FailureRecordIncomplete])
}

const listingHTML = `<html><body>
<nav>Home / Seeds</nav>
<main>
<h1>Blue Haze Auto</h1>
<p>Height: 80-120 cm</p>
<p>THC 18-22%</p>
</main>
<footer>Newsletter</footer>
</body></html>`

func TestRun_WithListingExtraction(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	body := `{"status":"ok","attributes":[` +
		`{"attribute_name":"height","raw_text":"80-120 cm","source_kind":"spec_table","value_min":80,"value_max":120,"unit":"cm","labels":[]},` +
		`{"attribute_name":"thc_content","raw_text":"THC 18-22%","source_kind":"spec_table","value_min":18,"value_max":22,"unit":"%","labels":[]},` +
		`{"attribute_name":"yield","raw_text":"500 g/m2","source_kind":"marketing_text","value_min":500,"value_max":500,"unit":"g/m2","labels":[]}]}`
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		text := req.Messages[0].Content
		return req.Messages[0].Role == "user" &&
			strings.Contains(text, "Height: 80-120 cm") &&
			!strings.Contains(text, "Home / Seeds") &&
			!strings.Contains(text, "Newsletter") &&
			!strings.Contains(text, "<p>")
	})).Return(textResponse(body), nil).Once()

	b := bronzeRecord("b3", map[string]string{"genetics_raw": "70% Indica"}, nil)
	b.RawHTML = listingHTML

	p := New(testConfig(), st, client, testTable(t))
	rc, gold, failures := newTestRun("run-1", model.RunModeIngest)
	require.NoError(t, p.Run(ctx, rc, []model.BronzeRecord{b}, RunOptions{}))

	require.Empty(t, failures.Lines())
	require.Len(t, gold.Lines(), 1)

	g, err := st.GetGold(ctx, "b3")
	require.NoError(t, err)
	require.NotNil(t, g)
	m := g.BotanicalProfile.StandardizedMetrics
	assert.InDelta(t, 120, m["height_cm_max"], 0.001)
	assert.InDelta(t, 22, m["thc_percentage_max"], 0.001)
	assert.InDelta(t, 70, m["indica_percentage"], 0.001)
	assert.NotContains(t, m, "yield_g_m2_min", "untraceable candidates are dropped")
	assert.Equal(t, "THC 18-22%", g.Metadata.BronzeRawString["thc_content"])

	s := rc.Summary()
	assert.Equal(t, int64(1000), s.InputTokens)
	assert.Greater(t, s.CostUSD, 0.0)
	client.AssertExpectations(t)

	// A forced rerun reads the extraction cache instead of the service.
	rc2, gold2, _ := newTestRun("run-2", model.RunModeIngest)
	require.NoError(t, p.Run(ctx, rc2, []model.BronzeRecord{b}, RunOptions{Force: true}))
	assert.Len(t, gold2.Lines(), 1)
	assert.Equal(t, 1, rc2.Summary().CacheHits)
	client.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestRun_ListingWithoutClientIsIgnored(t *testing.T) {
	b := completeBronze("b1")
	b.RawHTML = listingHTML

	p := New(testConfig(), newTestStore(t), nil, testTable(t))
	rc, gold, failures := newTestRun("run-1", model.RunModeIngest)
	require.NoError(t, p.Run(context.Background(), rc, []model.BronzeRecord{b}, RunOptions{}))

	assert.Len(t, gold.Lines(), 1)
	assert.Empty(t, failures.Lines())
}

func TestRun_ExtractionFailureIsClassified(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(`not json at all`), nil).Once()

	b := completeBronze("b1")
	b.RawHTML = listingHTML

	p := New(testConfig(), st, client, testTable(t))
	rc, gold, failures := newTestRun("run-1", model.RunModeIngest)
	require.NoError(t, p.Run(ctx, rc, []model.BronzeRecord{b}, RunOptions{}))

	assert.Empty(t, gold.Lines())
	require.Len(t, failures.Lines(), 1)
	assert.Equal(t, string(model.FailureMalformedResponse), decodeLine(t, failures.Lines()[0])["failure_class"])

	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRetryDeadLetters(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	table := testTable(t)

	down := &mockAnthropicClient{}
	down.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529))

	flaky := completeBronze("b1")
	flaky.RawHTML = listingHTML
	sparse := bronzeRecord("b9", map[string]string{"height_raw": "80-120 cm"}, nil)

	rc, _, failures := newTestRun("run-1", model.RunModeIngest)
	require.NoError(t, New(testConfig(), st, down, table).Run(ctx, rc, []model.BronzeRecord{flaky, sparse}, RunOptions{}))
	require.Len(t, failures.Lines(), 2)
	down.AssertNumberOfCalls(t, "CreateMessage", 3)

	up := &mockAnthropicClient{}
	up.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"status":"ok","attributes":[{"attribute_name":"height","raw_text":"80-120 cm","source_kind":"spec_table","value_min":80,"value_max":120,"unit":"cm","labels":[]}]}`), nil)

	// Only the transient failure is due by default.
	retry := New(testConfig(), st, up, table)
	rc2, gold2, failures2 := newTestRun("run-2", model.RunModeRetry)
	n, err := retry.RetryDeadLetters(ctx, rc2, false, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, gold2.Lines(), 1)
	assert.Empty(t, failures2.Lines())

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b9", entries[0].SourceRecordID)

	// all picks the incomplete record; it fails again and its retry count
	// is bumped instead of a new entry.
	rc3, _, failures3 := newTestRun("run-3", model.RunModeRetry)
	n, err = retry.RetryDeadLetters(ctx, rc3, true, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, failures3.Lines(), 1)

	entries, err = st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
}

func TestRetryDeadLetters_ReclassifiesEntry(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	table := testTable(t)

	b := completeBronze("b1")
	b.RawHTML = listingHTML

	down := &mockAnthropicClient{}
	down.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529))
	rc, _, _ := newTestRun("run-1", model.RunModeIngest)
	require.NoError(t, New(testConfig(), st, down, table).Run(ctx, rc, []model.BronzeRecord{b}, RunOptions{}))

	garbled := &mockAnthropicClient{}
	garbled.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"status":"ok","attributes":[{"attribute_name":"height"`), nil).Once()
	rc2, _, failures := newTestRun("run-2", model.RunModeRetry)
	n, err := New(testConfig(), st, garbled, table).RetryDeadLetters(ctx, rc2, false, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, failures.Lines(), 1)

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.FailureMalformedResponse, entries[0].ErrorType)
	assert.Equal(t, 1, entries[0].RetryCount)
}

func TestRetryDeadLetters_Empty(t *testing.T) {
	p := New(testConfig(), newTestStore(t), nil, testTable(t))
	rc, _, _ := newTestRun("run-1", model.RunModeRetry)

	n, err := p.RetryDeadLetters(context.Background(), rc, false, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// failingStore fails Bronze writes to exercise infrastructure errors.
type failingStore struct {
	store.Store
}

func (failingStore) SaveBronze(context.Context, []model.BronzeRecord) (int, error) {
	return 0, errors.New("disk full")
}

func TestRun_StoreErrorAbortsRun(t *testing.T) {
	p := New(testConfig(), failingStore{}, nil, testTable(t))
	rc, _, _ := newTestRun("run-1", model.RunModeIngest)

	err := p.Run(context.Background(), rc, []model.BronzeRecord{completeBronze("b1")}, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save bronze")
}

// lockedStore reports a locked database for the first few Gold writes.
type lockedStore struct {
	*store.SQLiteStore
	failures int
	calls    int
}

func (s *lockedStore) UpsertGold(ctx context.Context, runID string, g *model.GoldRecord) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("sqlite: upsert gold: database is locked")
	}
	return s.SQLiteStore.UpsertGold(ctx, runID, g)
}

func TestRun_TransientStoreWriteIsRetried(t *testing.T) {
	ctx := context.Background()
	st := &lockedStore{SQLiteStore: newTestStore(t), failures: 1}
	p := New(testConfig(), st, nil, testTable(t))

	rc, gold, failures := newTestRun("run-1", model.RunModeIngest)
	require.NoError(t, p.Run(ctx, rc, []model.BronzeRecord{completeBronze("b1")}, RunOptions{}))

	assert.Equal(t, 2, st.calls)
	assert.Len(t, gold.Lines(), 1)
	assert.Empty(t, failures.Lines())

	g, err := st.GetGold(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, g)
}

func TestRun_PersistentStoreWriteFailureAbortsRun(t *testing.T) {
	st := &lockedStore{SQLiteStore: newTestStore(t), failures: 10}
	p := New(testConfig(), st, nil, testTable(t))

	rc, _, _ := newTestRun("run-1", model.RunModeIngest)
	err := p.Run(context.Background(), rc, []model.BronzeRecord{completeBronze("b1")}, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save gold")
	assert.Equal(t, 3, st.calls)
}

func TestDedupe_AssignsIDs(t *testing.T) {
	a := completeBronze("")
	b := completeBronze("")
	out := dedupe([]model.BronzeRecord{a, b})

	require.Len(t, out, 1, "identical content gets the same derived id")
	assert.NotEmpty(t, out[0].ID)
}
