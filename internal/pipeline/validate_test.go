package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/strain-refinery/internal/model"
)

// isolated disables the record-level heuristics so a test sees only the
// per-attribute verdicts.
func isolated() ValidatorConfig {
	return ValidatorConfig{CompletenessThreshold: 0, RoundNumberMargin: 1, RoundNumberMinValues: 100}
}

func TestValidate_AbsoluteBoundsReject(t *testing.T) {
	v := NewValidator(testTable(t), isolated())

	res := v.Validate(map[string]*model.StandardizedAttribute{
		"thc_content": rangeAttr("thc_content", 60, 60),
	})

	verdict := res.Verdicts["thc_content"]
	assert.Equal(t, model.VerdictRejected, verdict.Status)
	assert.Equal(t, "60% outside absolute bounds [0, 45]", verdict.Reason)
	assert.Equal(t, 3, res.Confidence)
	assert.Contains(t, res.Notes, "thc_content rejected: 60% outside absolute bounds [0, 45]")
	assert.Zero(t, res.Usable)
}

func TestValidate_BoundsAreInclusive(t *testing.T) {
	v := NewValidator(testTable(t), isolated())

	tests := []struct {
		name   string
		attr   *model.StandardizedAttribute
		status model.VerdictStatus
	}{
		{"typical max", rangeAttr("thc_content", 30, 35), model.VerdictOK},
		{"absolute max is flagged not rejected", rangeAttr("thc_content", 40, 45), model.VerdictFlagged},
		{"above absolute max", rangeAttr("thc_content", 40, 45.5), model.VerdictRejected},
		{"absolute min", rangeAttr("height", 30, 100), model.VerdictFlagged},
		{"typical range", rangeAttr("height", 60, 200), model.VerdictOK},
		{"absolute height max", rangeAttr("height", 250, 300), model.VerdictFlagged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(map[string]*model.StandardizedAttribute{tt.attr.Name: tt.attr})
			assert.Equal(t, tt.status, res.Verdicts[tt.attr.Name].Status, res.Verdicts[tt.attr.Name].Reason)
		})
	}
}

func TestValidate_MinAboveMax(t *testing.T) {
	v := NewValidator(testTable(t), isolated())

	res := v.Validate(map[string]*model.StandardizedAttribute{
		"height": rangeAttr("height", 120, 80),
	})

	assert.Equal(t, model.VerdictRejected, res.Verdicts["height"].Status)
	assert.Equal(t, "minimum 120 exceeds maximum 80", res.Verdicts["height"].Reason)
}

func TestValidate_FlaggedCostsOnePoint(t *testing.T) {
	v := NewValidator(testTable(t), isolated())

	res := v.Validate(map[string]*model.StandardizedAttribute{
		"flowering_time": rangeAttr("flowering_time", 90, 100),
		"height":         rangeAttr("height", 80, 120),
	})

	assert.Equal(t, model.VerdictFlagged, res.Verdicts["flowering_time"].Status)
	assert.Equal(t, model.VerdictOK, res.Verdicts["height"].Status)
	assert.Equal(t, 4, res.Confidence)
	assert.Equal(t, 2, res.Usable)
}

func TestValidate_CompletenessAndMissing(t *testing.T) {
	table := testTable(t)
	v := NewValidator(table, DefaultValidatorConfig())

	res := v.Validate(map[string]*model.StandardizedAttribute{
		"height": rangeAttr("height", 83, 117),
	})

	assert.InDelta(t, 0.11, res.Completeness, 0.001)
	assert.Equal(t, 4, res.Confidence, "completeness under threshold costs one point")
	require.Len(t, res.Missing, table.Len()-1)
	assert.Equal(t, "flowering_time", res.Missing[0])
	assert.NotContains(t, res.Verdicts, "flowering_time", "absent attributes get no verdict")
}

func TestValidate_ConfidenceFloor(t *testing.T) {
	v := NewValidator(testTable(t), DefaultValidatorConfig())

	res := v.Validate(map[string]*model.StandardizedAttribute{
		"height":      rangeAttr("height", 400, 500),
		"thc_content": rangeAttr("thc_content", 60, 70),
		"cbd_content": rangeAttr("cbd_content", 40, 50),
	})

	assert.Equal(t, 1, res.Confidence)
}

func TestValidate_RoundNumberPattern(t *testing.T) {
	cfg := DefaultValidatorConfig()
	cfg.CompletenessThreshold = 0
	v := NewValidator(testTable(t), cfg)

	res := v.Validate(map[string]*model.StandardizedAttribute{
		"height":         rangeAttr("height", 80, 120),
		"flowering_time": rangeAttr("flowering_time", 60, 70),
		"thc_content":    rangeAttr("thc_content", 20, 25),
		"cbd_content":    rangeAttr("cbd_content", 5, 5),
	})

	assert.Equal(t, 4, res.Confidence)
	require.NotEmpty(t, res.Notes)
	assert.Contains(t, res.Notes[len(res.Notes)-1], "Round-number pattern: 7 of 7 values are multiples of 5")

	precise := v.Validate(map[string]*model.StandardizedAttribute{
		"height":         rangeAttr("height", 83, 117),
		"flowering_time": rangeAttr("flowering_time", 56, 63),
		"thc_content":    rangeAttr("thc_content", 18, 22),
		"cbd_content":    rangeAttr("cbd_content", 1, 1),
	})
	assert.Equal(t, 5, precise.Confidence)
	assert.Empty(t, precise.Notes)
}

func TestValidate_RoundNumberNeedsEnoughValues(t *testing.T) {
	cfg := DefaultValidatorConfig()
	cfg.CompletenessThreshold = 0
	v := NewValidator(testTable(t), cfg)

	res := v.Validate(map[string]*model.StandardizedAttribute{
		"height": rangeAttr("height", 80, 120),
	})
	assert.Equal(t, 5, res.Confidence)
}

func TestValidate_CrossAttributeNotesAreAdvisory(t *testing.T) {
	v := NewValidator(testTable(t), isolated())

	res := v.Validate(map[string]*model.StandardizedAttribute{
		"sativa_percentage": pointAttr("sativa_percentage", 60),
		"indica_percentage": pointAttr("indica_percentage", 30),
		"thc_content":       rangeAttr("thc_content", 22, 24),
		"cbd_content":       rangeAttr("cbd_content", 16, 18),
	})

	assert.Equal(t, 5, res.Confidence)
	assert.Contains(t, res.Notes, "Genetics inconsistent: sativa 60% + indica 30% = 90%, expected 100%.")
	assert.Contains(t, res.Notes, "Unusual cannabinoid profile: THC up to 24% with CBD up to 18%.")
	for _, verdict := range res.Verdicts {
		assert.Equal(t, model.VerdictOK, verdict.Status)
	}
}

func TestValidate_CategoricalAlwaysOK(t *testing.T) {
	v := NewValidator(testTable(t), isolated())

	res := v.Validate(map[string]*model.StandardizedAttribute{
		"effects": {Name: "effects", Kind: model.KindCategorical, Labels: []string{"Relaxed"}},
	})
	assert.Equal(t, model.VerdictOK, res.Verdicts["effects"].Status)
	assert.Equal(t, 5, res.Confidence)
}
