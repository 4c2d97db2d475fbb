package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sells-group/strain-refinery/internal/model"
)

// Standardizer reconciles the candidates of one attribute into a single
// canonical value using the Precision Priority Hierarchy.
type Standardizer struct {
	parser *ValueParser
}

// NewStandardizer creates a Standardizer that parses unparsed candidates
// with parser.
func NewStandardizer(parser *ValueParser) *Standardizer {
	return &Standardizer{parser: parser}
}

// Standardize selects the canonical value of attribute d from candidates.
// Candidates for other attributes are ignored. It returns nil when no
// candidate yields a parsable value; absence is never reported as zero.
//
// Selection: the highest-priority source kind with a parsed candidate wins;
// inside that kind the narrowest range wins and ties go to the earliest
// candidate. Lower-priority candidates that differ by more than the
// attribute tolerance are recorded as conflicts in the resolution note.
// Candidates are never averaged.
func (s *Standardizer) Standardize(candidates []*model.RawFieldCandidate, d *model.AttributeDescriptor) *model.StandardizedAttribute {
	var ordered []*model.RawFieldCandidate
	for _, c := range candidates {
		if c == nil || c.AttributeName != d.Name {
			continue
		}
		cp := *c
		if cp.ParsedValue == nil {
			cp.ParsedValue = s.parser.Parse(d, cp.RawText())
		}
		ordered = append(ordered, &cp)
	}
	if len(ordered) == 0 {
		return nil
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SourceKind.Priority() < ordered[j].SourceKind.Priority()
	})

	winner := -1
	for i, c := range ordered {
		if c.ParsedValue == nil {
			continue
		}
		if winner < 0 {
			winner = i
			continue
		}
		w := ordered[winner]
		if c.SourceKind != w.SourceKind {
			break
		}
		if c.ParsedValue.Width() < w.ParsedValue.Width() {
			winner = i
		}
	}
	if winner < 0 {
		return nil
	}

	w := ordered[winner]
	attr := &model.StandardizedAttribute{
		Name:                   d.Name,
		Kind:                   d.Kind,
		Unit:                   d.Unit,
		ContributingCandidates: ordered,
		Selected:               winner,
	}

	notes := []string{fmt.Sprintf("Selected %s (%s).", w.SourceKind, formatValue(w.ParsedValue))}
	notes = append(notes, sameKindNote(ordered, winner)...)
	notes = append(notes, conflictNotes(ordered, winner, d.Tolerance)...)

	v := w.ParsedValue
	switch d.Kind {
	case model.KindRange:
		lo, hi := v.Min, v.Max
		attr.ValueMin, attr.ValueMax = &lo, &hi
	case model.KindPoint:
		point := v.Min
		if v.Min != v.Max {
			point = roundCanonical((v.Min + v.Max) / 2)
			notes = append(notes, fmt.Sprintf("Reported as range %s; using midpoint %s.", formatValue(v), formatNumber(point)))
		}
		attr.CanonicalValue = &point
	case model.KindCategorical:
		attr.Labels = append([]string(nil), v.Labels...)
		attr.Unit = ""
	}
	attr.ResolutionNote = strings.Join(notes, " ")
	return attr
}

// sameKindNote lists the alternatives discarded inside the winning kind.
func sameKindNote(ordered []*model.RawFieldCandidate, winner int) []string {
	w := ordered[winner]
	var discarded []string
	seen := map[string]bool{formatValue(w.ParsedValue): true}
	for i, c := range ordered {
		if i == winner || c.ParsedValue == nil || c.SourceKind != w.SourceKind {
			continue
		}
		val := formatValue(c.ParsedValue)
		if seen[val] {
			continue
		}
		seen[val] = true
		discarded = append(discarded, val)
	}
	if len(discarded) == 0 {
		return nil
	}
	return []string{fmt.Sprintf("Multiple %s values; kept narrowest %s, discarded %s.",
		w.SourceKind, formatValue(w.ParsedValue), strings.Join(discarded, ", "))}
}

// conflictNotes reports lower-priority candidates that materially disagree
// with the winner.
func conflictNotes(ordered []*model.RawFieldCandidate, winner int, tolerance float64) []string {
	w := ordered[winner]
	var notes []string
	seen := map[string]bool{}
	for _, c := range ordered {
		if c.ParsedValue == nil || c.SourceKind.Priority() <= w.SourceKind.Priority() {
			continue
		}
		if !conflicts(c.ParsedValue, w.ParsedValue, tolerance) {
			continue
		}
		note := fmt.Sprintf("Conflict: %s (%s) vs %s (%s). Prioritized %s.",
			c.SourceKind, formatValue(c.ParsedValue), w.SourceKind, formatValue(w.ParsedValue), w.SourceKind)
		if !seen[note] {
			seen[note] = true
			notes = append(notes, note)
		}
	}
	return notes
}

func conflicts(a, b *model.ParsedValue, tolerance float64) bool {
	if len(a.Labels) > 0 || len(b.Labels) > 0 {
		return strings.Join(a.Labels, ",") != strings.Join(b.Labels, ",")
	}
	return math.Abs(a.Min-b.Min) > tolerance || math.Abs(a.Max-b.Max) > tolerance
}
