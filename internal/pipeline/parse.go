package pipeline

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/strain-refinery/internal/model"
)

const number = `(\d+(?:\.\d+)?)`

// rangeSep joins the two ends of a range: "80-120", "80 – 120", "8 to 9".
const rangeSep = `\s*(?:-|–|—|to)\s*`

// upperOnly introduces a value that only bounds from above: "<1%", "under 1%".
const upperOnly = `(<|less than|under|up to|below)?\s*`

var geneticsPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)` + number + `\s*%\s*(sativa|indica)`),
	regexp.MustCompile(`(?i)(sativa|indica)\s*:?\s*` + number + `\s*%`),
}

// ValueParser turns verbatim attribute text into canonical parsed values
// using the unit, descriptor and vocabulary tables of an AttributeTable.
// It is safe for concurrent use.
type ValueParser struct {
	table       *model.AttributeTable
	withUnit    map[string]*regexp.Regexp
	bare        *regexp.Regexp
	descriptors map[string][]descriptorPattern
	vocabulary  map[string][]vocabularyPattern
}

type descriptorPattern struct {
	word  string
	value float64
	re    *regexp.Regexp
}

type vocabularyPattern struct {
	label string
	re    *regexp.Regexp
}

// NewValueParser compiles the patterns for every attribute in table.
func NewValueParser(table *model.AttributeTable) *ValueParser {
	p := &ValueParser{
		table:       table,
		withUnit:    make(map[string]*regexp.Regexp),
		bare:        regexp.MustCompile(`(?i)` + upperOnly + number + `(?:` + rangeSep + number + `)?`),
		descriptors: make(map[string][]descriptorPattern),
		vocabulary:  make(map[string][]vocabularyPattern),
	}

	for _, d := range table.Attributes() {
		if d.Dimension != "" {
			if _, ok := p.withUnit[d.Dimension]; !ok {
				p.withUnit[d.Dimension] = unitPattern(table.UnitAliases(d.Dimension))
			}
		}

		words := make([]string, 0, len(d.Descriptors))
		for w := range d.Descriptors {
			words = append(words, w)
		}
		sort.Strings(words)
		for _, w := range words {
			p.descriptors[d.Name] = append(p.descriptors[d.Name], descriptorPattern{
				word:  w,
				value: d.Descriptors[w],
				re:    wordPattern(w),
			})
		}

		for _, v := range d.Vocabulary {
			alts := make([]string, len(v.Keywords))
			for i, k := range v.Keywords {
				alts[i] = regexp.QuoteMeta(strings.ToLower(k))
			}
			p.vocabulary[d.Name] = append(p.vocabulary[d.Name], vocabularyPattern{
				label: v.Label,
				re:    regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`),
			})
		}
	}
	return p
}

// unitPattern matches a number or range followed by one of aliases. The
// first number may carry its own unit ("1.5m - 2m"). Aliases arrive longest
// first so "kg/m2" wins over "m".
func unitPattern(aliases []string) *regexp.Regexp {
	quoted := make([]string, len(aliases))
	for i, a := range aliases {
		quoted[i] = regexp.QuoteMeta(a)
	}
	units := `(` + strings.Join(quoted, "|") + `)`
	return regexp.MustCompile(`(?i)` + upperOnly + number +
		`(?:\s*` + units + `?` + rangeSep + number + `)?` +
		`\s*` + units + `(?:[^a-zA-Z]|$)`)
}

func wordPattern(w string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`)
}

// Parse returns the canonical value of raw for attribute d, or nil when raw
// carries no usable value.
func (p *ValueParser) Parse(d *model.AttributeDescriptor, raw string) *model.ParsedValue {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	switch d.Parser {
	case model.ParserMeasure:
		return p.parseMeasure(d, raw)
	case model.ParserGeneticsSativa:
		return p.parseGenetics(d, raw, "sativa")
	case model.ParserGeneticsIndica:
		return p.parseGenetics(d, raw, "indica")
	case model.ParserVocabulary:
		return p.parseVocabulary(d, raw)
	}
	return nil
}

func (p *ValueParser) parseMeasure(d *model.AttributeDescriptor, raw string) *model.ParsedValue {
	if re := p.withUnit[d.Dimension]; re != nil {
		if m := re.FindStringSubmatch(raw); m != nil {
			// m: 1 upper-only, 2 first, 3 first unit, 4 second, 5 unit
			if v := p.measure(d, m[1], m[2], m[3], m[4], m[5]); v != nil {
				return v
			}
		}
	}
	if d.DefaultUnit != "" {
		if m := p.bare.FindStringSubmatch(raw); m != nil {
			if v := p.measure(d, m[1], m[2], "", m[3], d.DefaultUnit); v != nil {
				return v
			}
		}
	}
	return p.parseDescriptor(d, raw)
}

// measure converts first and second into the canonical unit. firstUnit,
// when set, applies to first only ("100cm - 1.5m"); unit applies to the rest.
func (p *ValueParser) measure(d *model.AttributeDescriptor, upper, first, firstUnit, second, unit string) *model.ParsedValue {
	factor, ok := p.table.Factor(d.Dimension, unit)
	if !ok {
		return nil
	}
	loFactor := factor
	if firstUnit != "" {
		if loFactor, ok = p.table.Factor(d.Dimension, firstUnit); !ok {
			return nil
		}
	}
	lo, err := strconv.ParseFloat(first, 64)
	if err != nil {
		return nil
	}
	hi := lo
	if second != "" {
		if hi, err = strconv.ParseFloat(second, 64); err != nil {
			return nil
		}
	}
	if upper != "" && second == "" {
		lo = 0
	}
	return &model.ParsedValue{
		Min:  roundCanonical(lo * loFactor),
		Max:  roundCanonical(hi * factor),
		Unit: d.Unit,
	}
}

// parseDescriptor maps a qualitative word to its fixed value. Only used
// when the text carries no number. The earliest word in the text wins.
func (p *ValueParser) parseDescriptor(d *model.AttributeDescriptor, raw string) *model.ParsedValue {
	if strings.ContainsAny(raw, "0123456789") {
		return nil
	}
	best := -1
	var value float64
	for _, dp := range p.descriptors[d.Name] {
		loc := dp.re.FindStringIndex(raw)
		if loc == nil {
			continue
		}
		if best < 0 || loc[0] < best {
			best = loc[0]
			value = dp.value
		}
	}
	if best < 0 {
		return nil
	}
	return &model.ParsedValue{Min: value, Max: value, Unit: d.Unit}
}

// parseGenetics reads "60% sativa / 40% indica". When only the other side
// is stated, the value is its complement to 100.
func (p *ValueParser) parseGenetics(d *model.AttributeDescriptor, raw, side string) *model.ParsedValue {
	shares := map[string]float64{}
	for _, re := range geneticsPatterns {
		for _, m := range re.FindAllStringSubmatch(raw, -1) {
			numIdx, sideIdx := 1, 2
			if _, err := strconv.ParseFloat(m[1], 64); err != nil {
				numIdx, sideIdx = 2, 1
			}
			v, err := strconv.ParseFloat(m[numIdx], 64)
			if err != nil {
				continue
			}
			key := strings.ToLower(m[sideIdx])
			if _, seen := shares[key]; !seen {
				shares[key] = v
			}
		}
	}

	v, ok := shares[side]
	if !ok {
		other := "indica"
		if side == "indica" {
			other = "sativa"
		}
		o, ok := shares[other]
		if !ok {
			return nil
		}
		v = 100 - o
	}
	return &model.ParsedValue{Min: v, Max: v, Unit: d.Unit}
}

func (p *ValueParser) parseVocabulary(d *model.AttributeDescriptor, raw string) *model.ParsedValue {
	var labels []string
	for _, vp := range p.vocabulary[d.Name] {
		if vp.re.MatchString(raw) {
			labels = append(labels, vp.label)
		}
	}
	if len(labels) == 0 {
		return nil
	}
	return &model.ParsedValue{Labels: labels}
}

// Canonicalize converts a value reported in unit into the canonical unit of
// d. An empty unit means the attribute's default unit. It reports false
// when the unit is unknown for the attribute's dimension.
func (p *ValueParser) Canonicalize(d *model.AttributeDescriptor, lo, hi float64, unit string) (*model.ParsedValue, bool) {
	if unit == "" {
		unit = d.DefaultUnit
	}
	if unit == "" {
		return nil, false
	}
	factor, ok := p.table.Factor(d.Dimension, unit)
	if !ok {
		return nil, false
	}
	return &model.ParsedValue{
		Min:  roundCanonical(lo * factor),
		Max:  roundCanonical(hi * factor),
		Unit: d.Unit,
	}, true
}

// KnownLabels keeps the labels that belong to d's vocabulary, in
// vocabulary order.
func KnownLabels(d *model.AttributeDescriptor, labels []string) []string {
	want := make(map[string]bool, len(labels))
	for _, l := range labels {
		want[strings.ToLower(strings.TrimSpace(l))] = true
	}
	var out []string
	for _, v := range d.Vocabulary {
		if want[strings.ToLower(v.Label)] {
			out = append(out, v.Label)
		}
	}
	return out
}

func roundCanonical(v float64) float64 {
	return math.Round(v*100) / 100
}

// formatValue renders a parsed value the way resolution notes show it:
// "80-120" for a range, "70" for a point, labels joined by commas.
func formatValue(v *model.ParsedValue) string {
	if v == nil {
		return "unparsed"
	}
	if len(v.Labels) > 0 {
		return strings.Join(v.Labels, ", ")
	}
	if v.Min == v.Max {
		return formatNumber(v.Min)
	}
	return formatNumber(v.Min) + "-" + formatNumber(v.Max)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
