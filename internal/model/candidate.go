package model

import (
	"encoding/json"
	"strings"
)

// SourceKind identifies where inside a listing a value was reported.
type SourceKind string

const (
	SourceSpecTable      SourceKind = "spec_table"
	SourceVisualEstimate SourceKind = "visual_estimate"
	SourceMarketingText  SourceKind = "marketing_text"
	SourceOther          SourceKind = "other"
)

// SourceKindsByPriority lists source kinds from most to least trusted.
var SourceKindsByPriority = []SourceKind{
	SourceSpecTable,
	SourceVisualEstimate,
	SourceMarketingText,
	SourceOther,
}

// Priority returns the rank of k in the precision hierarchy. Lower ranks win.
// Unknown kinds rank with SourceOther.
func (k SourceKind) Priority() int {
	for i, kind := range SourceKindsByPriority {
		if kind == k {
			return i
		}
	}
	return len(SourceKindsByPriority) - 1
}

// Valid reports whether k is one of the declared source kinds.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceSpecTable, SourceVisualEstimate, SourceMarketingText, SourceOther:
		return true
	}
	return false
}

// ParseSourceKind maps a free-form source label, as written by upstream
// extractors ("Table 1", "Visual indicator", "Product descriptions"), onto a
// SourceKind.
func ParseSourceKind(label string) SourceKind {
	l := strings.ToLower(strings.TrimSpace(label))
	if k := SourceKind(l); k.Valid() {
		return k
	}
	switch {
	case strings.HasPrefix(l, "table"), strings.Contains(l, "spec"):
		return SourceSpecTable
	case strings.HasPrefix(l, "visual"), strings.HasPrefix(l, "image"), strings.Contains(l, "photo"):
		return SourceVisualEstimate
	case strings.Contains(l, "description"), strings.HasPrefix(l, "pattern"),
		strings.Contains(l, "marketing"), strings.Contains(l, "blurb"):
		return SourceMarketingText
	default:
		return SourceOther
	}
}

// CandidateOrigin records which pipeline path produced a candidate.
type CandidateOrigin string

const (
	OriginBronzeField CandidateOrigin = "bronze_field"
	OriginExtraction  CandidateOrigin = "extraction"
)

// ParsedValue is a numeric interval (Min == Max for point values) in the
// unit it was reported in, or a set of vocabulary labels for categorical
// attributes.
type ParsedValue struct {
	Min    float64  `json:"min"`
	Max    float64  `json:"max"`
	Unit   string   `json:"unit,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// Width is the span of the interval.
func (v ParsedValue) Width() float64 {
	return v.Max - v.Min
}

// RawFieldCandidate is one reported value for one attribute from one place
// in a Bronze record. Its raw text is fixed at construction.
type RawFieldCandidate struct {
	ID             string
	AttributeName  string
	ParsedValue    *ParsedValue
	SourceKind     SourceKind
	SourceRecordID string
	Origin         CandidateOrigin

	rawText string
}

// NewRawFieldCandidate creates a candidate anchored to rawText.
func NewRawFieldCandidate(id, attribute, rawText string, kind SourceKind, recordID string, origin CandidateOrigin) *RawFieldCandidate {
	if !kind.Valid() {
		kind = SourceOther
	}
	return &RawFieldCandidate{
		ID:             id,
		AttributeName:  attribute,
		SourceKind:     kind,
		SourceRecordID: recordID,
		Origin:         origin,
		rawText:        rawText,
	}
}

// RawText returns the verbatim text the candidate was read from.
func (c *RawFieldCandidate) RawText() string {
	return c.rawText
}

type candidateJSON struct {
	ID             string          `json:"id"`
	AttributeName  string          `json:"attribute_name"`
	RawText        string          `json:"raw_text"`
	ParsedValue    *ParsedValue    `json:"parsed_value"`
	SourceKind     SourceKind      `json:"source_kind"`
	SourceRecordID string          `json:"source_record_id"`
	Origin         CandidateOrigin `json:"origin,omitempty"`
}

func (c *RawFieldCandidate) MarshalJSON() ([]byte, error) {
	return json.Marshal(candidateJSON{
		ID:             c.ID,
		AttributeName:  c.AttributeName,
		RawText:        c.rawText,
		ParsedValue:    c.ParsedValue,
		SourceKind:     c.SourceKind,
		SourceRecordID: c.SourceRecordID,
		Origin:         c.Origin,
	})
}

func (c *RawFieldCandidate) UnmarshalJSON(data []byte) error {
	var cj candidateJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return err
	}
	*c = RawFieldCandidate{
		ID:             cj.ID,
		AttributeName:  cj.AttributeName,
		ParsedValue:    cj.ParsedValue,
		SourceKind:     cj.SourceKind,
		SourceRecordID: cj.SourceRecordID,
		Origin:         cj.Origin,
		rawText:        cj.RawText,
	}
	return nil
}
