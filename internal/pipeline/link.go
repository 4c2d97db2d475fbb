package pipeline

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/strain-refinery/internal/model"
	"github.com/sells-group/strain-refinery/internal/resilience"
)

// CandidatesFromBronze turns every *_raw field of b into one candidate per
// attribute that reads it. The *_source label, when present, decides the
// source kind.
func CandidatesFromBronze(b *model.BronzeRecord, table *model.AttributeTable) []*model.RawFieldCandidate {
	var out []*model.RawFieldCandidate
	for _, key := range b.RawKeys() {
		kind := model.SourceOther
		if label, ok := b.RawSources[key]; ok {
			kind = model.ParseSourceKind(label)
		}
		for _, d := range table.ByRawField(key) {
			out = append(out, model.NewRawFieldCandidate(
				fmt.Sprintf("%s/%s", b.ID, d.Name),
				d.Name,
				b.RawFields[key],
				kind,
				b.ID,
				model.OriginBronzeField,
			))
		}
	}
	return out
}

// TraceIndex answers whether a piece of text occurs verbatim in a Bronze
// record, modulo Unicode normalization and whitespace.
type TraceIndex struct {
	haystack string
}

// NewTraceIndex indexes the raw fields of b and the sanitized listing text.
func NewTraceIndex(b *model.BronzeRecord, listing string) *TraceIndex {
	parts := make([]string, 0, len(b.RawFields)+1)
	for _, key := range b.RawKeys() {
		parts = append(parts, foldText(b.RawFields[key]))
	}
	if listing != "" {
		parts = append(parts, foldText(listing))
	}
	// NUL never survives folding inside a part, so matches cannot span parts.
	return &TraceIndex{haystack: strings.Join(parts, "\x00")}
}

// Contains reports whether raw is non-empty and occurs in the record.
func (t *TraceIndex) Contains(raw string) bool {
	f := foldText(raw)
	return f != "" && strings.Contains(t.haystack, f)
}

func foldText(s string) string {
	s = norm.NFKC.String(s)
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == 0
	}), " ")
}

// Linker binds standardized attributes back to their Bronze text and
// assembles the final Gold record.
type Linker struct {
	table *model.AttributeTable
	now   func() time.Time
}

// NewLinker creates a Linker stamping records with now. A nil now means
// time.Now.
func NewLinker(table *model.AttributeTable, now func() time.Time) *Linker {
	if now == nil {
		now = time.Now
	}
	return &Linker{table: table, now: now}
}

// Link builds the Gold record for b. Rejected attributes keep their verdict
// but are excluded from the profile. Every attribute that stays must trace
// to verbatim Bronze text, otherwise the record fails with
// resilience.ErrUntraceable. b is never modified.
func (l *Linker) Link(std map[string]*model.StandardizedAttribute, val Validation, b *model.BronzeRecord, trace *TraceIndex) (*model.GoldRecord, error) {
	gold := &model.GoldRecord{
		BronzeRecordID: b.ID,
		StrainName:     b.StrainName,
		BotanicalProfile: model.BotanicalProfile{
			StandardizedMetrics: make(map[string]float64),
		},
		Attributes:   make(map[string]*model.StandardizedAttribute),
		Validation:   val.Verdicts,
		AnomalyNotes: append([]string{}, val.Notes...),
		Metadata: model.GoldMetadata{
			ConfidenceScore:   val.Confidence,
			Completeness:      val.Completeness,
			MissingAttributes: val.Missing,
			BronzeAuditSource: b.SourceURL,
			BronzeRawString:   make(map[string]string),
			LastUpdated:       l.now().UTC(),
		},
	}

	for _, d := range l.table.Attributes() {
		attr := std[d.Name]
		if attr == nil || val.Verdicts[d.Name].Status == model.VerdictRejected {
			continue
		}
		sel := attr.SelectedCandidate()
		if sel == nil || !trace.Contains(sel.RawText()) {
			return nil, eris.Wrapf(resilience.ErrUntraceable, "link: record %s attribute %s", b.ID, d.Name)
		}

		gold.Attributes[d.Name] = attr
		gold.Metadata.BronzeRawString[d.Name] = sel.RawText()

		switch d.Kind {
		case model.KindRange:
			gold.BotanicalProfile.StandardizedMetrics[d.OutputKey+"_min"] = *attr.ValueMin
			gold.BotanicalProfile.StandardizedMetrics[d.OutputKey+"_max"] = *attr.ValueMax
		case model.KindPoint:
			gold.BotanicalProfile.StandardizedMetrics[d.OutputKey] = *attr.CanonicalValue
		case model.KindCategorical:
			if gold.BotanicalProfile.Traits == nil {
				gold.BotanicalProfile.Traits = make(map[string][]string)
			}
			gold.BotanicalProfile.Traits[d.OutputKey] = attr.Labels
		}
	}
	return gold, nil
}
