package pipeline

import (
	"fmt"
	"math"

	"github.com/sells-group/strain-refinery/internal/model"
)

// ValidatorConfig tunes the record-level heuristics of the Validator.
type ValidatorConfig struct {
	// CompletenessThreshold costs one confidence point when the fraction of
	// declared attributes with a value falls under it.
	CompletenessThreshold float64
	// RoundNumberMargin is how far the share of round endpoints may exceed
	// the attributes' baseline before confidence drops.
	RoundNumberMargin float64
	// RoundNumberMinValues is the fewest endpoints the heuristic judges.
	RoundNumberMinValues int
}

// DefaultValidatorConfig returns the defaults used by the CLI.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		CompletenessThreshold: 0.5,
		RoundNumberMargin:     0.35,
		RoundNumberMinValues:  4,
	}
}

// Validation is the Validator's result for one record.
type Validation struct {
	Verdicts     map[string]model.ValidationVerdict
	Notes        []string
	Confidence   int
	Completeness float64
	Missing      []string
	Usable       int
}

// Validator applies the table-driven plausibility rules and scores
// confidence.
type Validator struct {
	table *model.AttributeTable
	cfg   ValidatorConfig
}

// NewValidator creates a Validator over table.
func NewValidator(table *model.AttributeTable, cfg ValidatorConfig) *Validator {
	return &Validator{table: table, cfg: cfg}
}

// Validate judges every present attribute in declaration order. Absent
// attributes get no verdict and are listed in Missing.
func (v *Validator) Validate(std map[string]*model.StandardizedAttribute) Validation {
	res := Validation{
		Verdicts:   make(map[string]model.ValidationVerdict, len(std)),
		Confidence: 5,
	}

	present := 0
	for _, d := range v.table.Attributes() {
		attr := std[d.Name]
		if attr == nil {
			res.Missing = append(res.Missing, d.Name)
			continue
		}
		present++

		verdict := judge(&d, attr)
		res.Verdicts[d.Name] = verdict
		switch verdict.Status {
		case model.VerdictFlagged:
			res.Confidence--
			res.Notes = append(res.Notes, fmt.Sprintf("%s flagged: %s", d.Name, verdict.Reason))
			res.Usable++
		case model.VerdictRejected:
			res.Confidence -= 2
			res.Notes = append(res.Notes, fmt.Sprintf("%s rejected: %s", d.Name, verdict.Reason))
		default:
			res.Usable++
		}
	}

	if n := v.table.Len(); n > 0 {
		res.Completeness = roundCanonical(float64(present) / float64(n))
	}
	if res.Completeness < v.cfg.CompletenessThreshold {
		res.Confidence--
	}

	if note, suspicious := v.roundNumberCheck(std, res.Verdicts); suspicious {
		res.Confidence--
		res.Notes = append(res.Notes, note)
	}

	res.Notes = append(res.Notes, crossAttributeNotes(std, res.Verdicts)...)

	if res.Confidence < 1 {
		res.Confidence = 1
	}
	if res.Confidence > 5 {
		res.Confidence = 5
	}
	return res
}

// judge checks min<=max first, then absolute bounds, then typical bounds.
// Both bounds are inclusive and apply to each endpoint.
func judge(d *model.AttributeDescriptor, attr *model.StandardizedAttribute) model.ValidationVerdict {
	if !d.Numeric() || d.Bounds == nil {
		return model.ValidationVerdict{Status: model.VerdictOK}
	}
	lo, hi, ok := attr.Bounds()
	if !ok {
		return model.ValidationVerdict{Status: model.VerdictRejected, Reason: "no numeric value"}
	}
	b := d.Bounds
	shown := withUnit(formatValue(&model.ParsedValue{Min: lo, Max: hi}), d.Unit)
	switch {
	case lo > hi:
		return model.ValidationVerdict{
			Status: model.VerdictRejected,
			Reason: fmt.Sprintf("minimum %s exceeds maximum %s", formatNumber(lo), formatNumber(hi)),
		}
	case lo < b.AbsoluteMin || hi > b.AbsoluteMax:
		return model.ValidationVerdict{
			Status: model.VerdictRejected,
			Reason: fmt.Sprintf("%s outside absolute bounds [%s, %s]",
				shown, formatNumber(b.AbsoluteMin), formatNumber(b.AbsoluteMax)),
		}
	case lo < b.TypicalMin || hi > b.TypicalMax:
		return model.ValidationVerdict{
			Status: model.VerdictFlagged,
			Reason: fmt.Sprintf("%s outside typical range [%s, %s]",
				shown, formatNumber(b.TypicalMin), formatNumber(b.TypicalMax)),
		}
	}
	return model.ValidationVerdict{Status: model.VerdictOK}
}

// roundNumberCheck compares the share of non-zero endpoints that are
// multiples of 5 with the mean baseline of the attributes they come from.
// Rejected attributes are left out.
func (v *Validator) roundNumberCheck(std map[string]*model.StandardizedAttribute, verdicts map[string]model.ValidationVerdict) (string, bool) {
	var values, round int
	var baseline float64
	for _, d := range v.table.Attributes() {
		attr := std[d.Name]
		if attr == nil || !d.Numeric() || verdicts[d.Name].Status == model.VerdictRejected {
			continue
		}
		lo, hi, ok := attr.Bounds()
		if !ok {
			continue
		}
		ends := []float64{lo}
		if hi != lo {
			ends = append(ends, hi)
		}
		for _, e := range ends {
			if e == 0 {
				continue
			}
			values++
			baseline += d.RoundBaseline
			if math.Mod(e, 5) == 0 {
				round++
			}
		}
	}
	minValues := v.cfg.RoundNumberMinValues
	if minValues < 1 {
		minValues = 1
	}
	if values < minValues {
		return "", false
	}
	share := float64(round) / float64(values)
	expected := baseline / float64(values)
	if share-expected <= v.cfg.RoundNumberMargin {
		return "", false
	}
	return fmt.Sprintf("Round-number pattern: %d of %d values are multiples of 5 (expected about %.0f%%); values may be estimates.",
		round, values, expected*100), true
}

// crossAttributeNotes are advisory and never change a verdict.
func crossAttributeNotes(std map[string]*model.StandardizedAttribute, verdicts map[string]model.ValidationVerdict) []string {
	usable := func(name string) (float64, float64, bool) {
		attr := std[name]
		if attr == nil || verdicts[name].Status == model.VerdictRejected {
			return 0, 0, false
		}
		return attr.Bounds()
	}

	var notes []string
	if sativa, _, ok := usable("sativa_percentage"); ok {
		if indica, _, ok := usable("indica_percentage"); ok {
			if sum := sativa + indica; math.Abs(sum-100) > 1 {
				notes = append(notes, fmt.Sprintf("Genetics inconsistent: sativa %s%% + indica %s%% = %s%%, expected 100%%.",
					formatNumber(sativa), formatNumber(indica), formatNumber(sum)))
			}
		}
	}
	if _, thc, ok := usable("thc_content"); ok && thc > 20 {
		if _, cbd, ok := usable("cbd_content"); ok && cbd > 15 {
			notes = append(notes, fmt.Sprintf("Unusual cannabinoid profile: THC up to %s%% with CBD up to %s%%.",
				formatNumber(thc), formatNumber(cbd)))
		}
	}
	return notes
}

func withUnit(value, unit string) string {
	switch unit {
	case "":
		return value
	case "%":
		return value + "%"
	}
	return value + " " + unit
}
