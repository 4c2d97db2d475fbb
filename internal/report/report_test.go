package report

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/strain-refinery/internal/model"
	"github.com/sells-group/strain-refinery/internal/registry"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func testTable(t *testing.T) *model.AttributeTable {
	t.Helper()
	table, err := registry.LoadDefault()
	require.NoError(t, err)
	return table
}

func gold(id string, confidence int, heightLo, heightHi float64, notes ...string) model.GoldRecord {
	return model.GoldRecord{
		BronzeRecordID: id,
		StrainName:     "Strain " + id,
		BotanicalProfile: model.BotanicalProfile{
			StandardizedMetrics: map[string]float64{"height_cm_min": heightLo, "height_cm_max": heightHi},
			Traits:              map[string][]string{"effects": {"Relaxed", "Happy"}},
		},
		Attributes: map[string]*model.StandardizedAttribute{
			"height":  {Name: "height", Kind: model.KindRange, ValueMin: &heightLo, ValueMax: &heightHi, Unit: "cm"},
			"effects": {Name: "effects", Kind: model.KindCategorical, Labels: []string{"Relaxed", "Happy"}},
		},
		Validation: map[string]model.ValidationVerdict{
			"height":  {Status: model.VerdictOK},
			"effects": {Status: model.VerdictOK},
		},
		AnomalyNotes: notes,
		Metadata: model.GoldMetadata{
			ConfidenceScore:   confidence,
			Completeness:      0.22,
			BronzeAuditSource: "https://breeder.example/strains/" + id,
		},
	}
}

func statsFor(t *testing.T, r *Report, name string) AttributeStats {
	t.Helper()
	for _, s := range r.Attributes {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no stats for %s", name)
	return AttributeStats{}
}

func TestBuild(t *testing.T) {
	table := testTable(t)

	rejected := gold("b3", 2, 83, 117, "thc_content rejected: 60% outside absolute bounds [0, 45]")
	rejected.Validation["thc_content"] = model.ValidationVerdict{Status: model.VerdictRejected, Reason: "60% outside absolute bounds [0, 45]"}

	golds := []model.GoldRecord{
		gold("b1", 5, 80, 120),
		gold("b2", 1, 100, 150, "Round-number pattern"),
		rejected,
	}
	r := Build(golds, table, Options{
		MinValues:       4,
		FailuresByClass: map[model.FailureClass]int{model.FailureRecordIncomplete: 2},
		Now:             func() time.Time { return fixedNow },
	})

	assert.Equal(t, 3, r.Records)
	assert.Equal(t, fixedNow, r.GeneratedAt)
	assert.InDelta(t, 2.67, r.MeanConfidence, 0.001)
	assert.InDelta(t, 0.22, r.MeanCompleteness, 0.001)
	assert.Equal(t, map[int]int{5: 1, 1: 1, 2: 1}, r.ConfidenceCounts)
	require.Len(t, r.Attributes, table.Len())
	assert.Equal(t, "height", r.Attributes[0].Name, "declaration order")

	h := statsFor(t, r, "height")
	assert.Equal(t, 3, h.Present)
	assert.Equal(t, 6, h.Values)
	assert.Equal(t, 4, h.Round)
	assert.InDelta(t, 0.667, h.RoundFraction, 0.001)
	assert.False(t, h.Overrepresented)
	assert.InDelta(t, 0.6, h.Baseline, 0.001)

	thc := statsFor(t, r, "thc_content")
	assert.Equal(t, 1, thc.Rejected)
	assert.Zero(t, thc.Present)

	effects := statsFor(t, r, "effects")
	assert.Equal(t, 3, effects.Present)
	assert.Zero(t, effects.Values)

	require.Len(t, r.LowConfidence, 2)
	assert.Equal(t, "b2", r.LowConfidence[0].RecordID)
	assert.Equal(t, "b3", r.LowConfidence[1].RecordID)
	assert.Equal(t, 2, r.FailuresByClass[model.FailureRecordIncomplete])

	assert.Equal(t, 1, r.OutlierRecords)
	assert.InDelta(t, 66.7, r.DataQualityScore, 0.001)
	assert.Zero(t, r.Duplicates, "height is not a duplicate key")
	assert.False(t, r.HighDuplicateRate)
}

func withKeys(g model.GoldRecord, thc, cbd, days float64) model.GoldRecord {
	g.BotanicalProfile.StandardizedMetrics["thc_percentage_max"] = thc
	g.BotanicalProfile.StandardizedMetrics["cbd_percentage_max"] = cbd
	g.BotanicalProfile.StandardizedMetrics["flower_days_max"] = days
	return g
}

func TestBuild_HighDuplicateRate(t *testing.T) {
	table := testTable(t)
	var golds []model.GoldRecord
	for i := 0; i < 120; i++ {
		golds = append(golds, withKeys(gold(fmt.Sprintf("b%03d", i), 4, 80, 120), 15+float64(i)/10, 0.5, 56+float64(i)))
	}
	for i := 0; i < 12; i++ {
		golds[i] = withKeys(golds[i], 20, 1, 63)
	}

	r := Build(golds, table, Options{})
	assert.Equal(t, 12, r.Duplicates)
	assert.InDelta(t, 0.1, r.DuplicateRate, 0.001)
	assert.False(t, r.HighDuplicateRate, "exactly 10% is not above the cut")

	golds[12] = withKeys(golds[12], 20, 1, 63)
	r = Build(golds, table, Options{})
	assert.Equal(t, 13, r.Duplicates)
	assert.True(t, r.HighDuplicateRate)
	assert.Contains(t, Format(r), "(!) high duplicate rate")
}

func TestBuild_DuplicatesIgnoredOnSmallDatasets(t *testing.T) {
	table := testTable(t)
	golds := []model.GoldRecord{
		withKeys(gold("b1", 4, 80, 120), 20, 1, 63),
		withKeys(gold("b2", 4, 80, 120), 20, 1, 63),
		gold("b3", 4, 80, 120),
		gold("b4", 4, 80, 120),
	}

	r := Build(golds, table, Options{})
	assert.Equal(t, 2, r.Duplicates, "records without the keys are not compared")
	assert.InDelta(t, 0.5, r.DuplicateRate, 0.001)
	assert.False(t, r.HighDuplicateRate)
}

func TestBuild_DataQualityScore(t *testing.T) {
	table := testTable(t)
	flagged := gold("b2", 3, 80, 120)
	flagged.Validation["height"] = model.ValidationVerdict{Status: model.VerdictFlagged, Reason: "outside typical range"}
	both := gold("b3", 2, 80, 120)
	both.Validation["height"] = model.ValidationVerdict{Status: model.VerdictFlagged}
	both.Validation["thc_content"] = model.ValidationVerdict{Status: model.VerdictRejected}

	r := Build([]model.GoldRecord{gold("b1", 5, 80, 120), flagged, both, gold("b4", 5, 80, 120)}, table, Options{})
	assert.Equal(t, 2, r.OutlierRecords, "a record counts once")
	assert.InDelta(t, 50, r.DataQualityScore, 0.001)
	assert.Contains(t, Format(r), "- Data quality score: 50.0/100 (2 outlier records)")
}

func TestBuild_Overrepresented(t *testing.T) {
	table := testTable(t)
	golds := []model.GoldRecord{
		gold("b1", 4, 80, 120),
		gold("b2", 4, 60, 100),
		gold("b3", 4, 90, 150),
	}

	r := Build(golds, table, Options{MinValues: 6})
	assert.True(t, statsFor(t, r, "height").Overrepresented)

	r = Build(golds, table, Options{MinValues: 7})
	assert.False(t, statsFor(t, r, "height").Overrepresented, "too few values to judge")
}

func TestBuild_Empty(t *testing.T) {
	r := Build(nil, testTable(t), Options{})
	assert.Zero(t, r.Records)
	assert.Zero(t, r.MeanConfidence)
	assert.Empty(t, r.LowConfidence)
	assert.Zero(t, r.DataQualityScore)
	assert.False(t, r.HighDuplicateRate)
}

func TestEndpoints(t *testing.T) {
	assert.Equal(t, []float64{80, 120}, endpoints(80, 120))
	assert.Equal(t, []float64{65}, endpoints(65, 65))
	assert.Equal(t, []float64{1}, endpoints(0, 1))
	assert.Empty(t, endpoints(0, 0))
}

func TestFormat(t *testing.T) {
	golds := []model.GoldRecord{gold("b1", 5, 80, 120), gold("b2", 1, 100, 153, "Round-number pattern")}
	r := Build(golds, testTable(t), Options{
		FailuresByClass: map[model.FailureClass]int{model.FailureTransient: 1},
		Now:             func() time.Time { return fixedNow },
	})

	out := Format(r)
	assert.Contains(t, out, "# Strain Refinery Report")
	assert.Contains(t, out, "Generated: 2026-03-14T09:26:53Z")
	assert.Contains(t, out, "- Gold records: 2")
	assert.Contains(t, out, "- Data quality score: 100.0/100 (0 outlier records)")
	assert.Contains(t, out, "- Duplicate key values: 0 (0.0%)\n")
	assert.Contains(t, out, "- transient_service_error: 1")
	assert.Contains(t, out, "| height | 2 | 0 | 0 | 75% of 4 | 60% |")
	assert.Contains(t, out, "| effects | 2 | 0 | 0 | - | - |")
	assert.Contains(t, out, "- **Strain b2** (b2): 1")
	assert.Contains(t, out, "  - Round-number pattern")
}

func TestFormat_NoLowConfidence(t *testing.T) {
	r := Build([]model.GoldRecord{gold("b1", 5, 83, 117)}, testTable(t), Options{})
	assert.Contains(t, Format(r), "## Low Confidence\nNone.\n")
}

func TestWriteXLSX(t *testing.T) {
	table := testTable(t)
	golds := []model.GoldRecord{gold("b1", 5, 80, 120, "note one"), gold("b2", 3, 83, 117)}
	r := Build(golds, table, Options{Now: func() time.Time { return fixedNow }})

	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, WriteXLSX(path, r, golds, table))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	for _, name := range []string{SheetSummary, SheetAttributes, SheetGold, SheetAnomalies} {
		require.Contains(t, f.Sheet, name)
	}

	goldSheet := f.Sheet[SheetGold]
	require.Len(t, goldSheet.Rows, 3)
	header := goldSheet.Rows[0].Cells
	assert.Equal(t, "Record ID", header[0].String())
	assert.Equal(t, "height_cm_min", header[4].String())
	assert.Equal(t, "height_cm_max", header[5].String())

	row := goldSheet.Rows[1].Cells
	assert.Equal(t, "b1", row[0].String())
	assert.Equal(t, "80", row[4].String())
	assert.Equal(t, "120", row[5].String())

	effectsCol := -1
	for i, c := range header {
		if c.String() == "effects" {
			effectsCol = i
		}
	}
	require.NotEqual(t, -1, effectsCol)
	assert.Equal(t, "Relaxed, Happy", row[effectsCol].String())

	anomalies := f.Sheet[SheetAnomalies]
	require.Len(t, anomalies.Rows, 2)
	assert.Equal(t, "note one", anomalies.Rows[1].Cells[2].String())

	attrs := f.Sheet[SheetAttributes]
	assert.Len(t, attrs.Rows, table.Len()+1)

	summary := map[string]string{}
	for _, row := range f.Sheet[SheetSummary].Rows {
		if len(row.Cells) >= 2 {
			summary[row.Cells[0].String()] = row.Cells[1].String()
		}
	}
	assert.Equal(t, "100", summary["Data quality score"])
	assert.Equal(t, "0", summary["Duplicate records"])
	assert.Equal(t, "false", summary["High duplicate rate"])
}

func TestWriteXLSX_BadPath(t *testing.T) {
	table := testTable(t)
	r := Build(nil, table, Options{})
	err := WriteXLSX(filepath.Join(t.TempDir(), "missing", "dir", "r.xlsx"), r, nil, table)
	assert.Error(t, err)
}
