package model

import (
	"encoding/json"
	"time"
)

// StandardizedAttribute is the single canonical value chosen for one
// attribute of one record. Ranged attributes set ValueMin/ValueMax, point
// attributes set CanonicalValue, categorical attributes set Labels.
type StandardizedAttribute struct {
	Name           string   `json:"name"`
	Kind           Kind     `json:"kind"`
	CanonicalValue *float64 `json:"canonical_value,omitempty"`
	ValueMin       *float64 `json:"value_min,omitempty"`
	ValueMax       *float64 `json:"value_max,omitempty"`
	Labels         []string `json:"labels,omitempty"`
	Unit           string   `json:"unit,omitempty"`
	ResolutionNote string   `json:"resolution_note"`

	// ContributingCandidates is every candidate considered, in the order
	// they were considered. Selected indexes the winner.
	ContributingCandidates []*RawFieldCandidate `json:"contributing_candidates"`
	Selected               int                  `json:"selected"`
}

// SelectedCandidate returns the candidate the value was taken from, or nil.
func (a *StandardizedAttribute) SelectedCandidate() *RawFieldCandidate {
	if a == nil || a.Selected < 0 || a.Selected >= len(a.ContributingCandidates) {
		return nil
	}
	return a.ContributingCandidates[a.Selected]
}

// Bounds returns the numeric interval of the attribute. ok is false for
// categorical attributes.
func (a *StandardizedAttribute) Bounds() (lo, hi float64, ok bool) {
	switch {
	case a.ValueMin != nil && a.ValueMax != nil:
		return *a.ValueMin, *a.ValueMax, true
	case a.CanonicalValue != nil:
		return *a.CanonicalValue, *a.CanonicalValue, true
	}
	return 0, 0, false
}

// VerdictStatus is the outcome of validating one attribute.
type VerdictStatus string

const (
	VerdictOK       VerdictStatus = "ok"
	VerdictFlagged  VerdictStatus = "flagged"
	VerdictRejected VerdictStatus = "rejected"
)

// ValidationVerdict is the per-attribute validation result. Reason is empty
// when Status is ok.
type ValidationVerdict struct {
	Status VerdictStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// BotanicalProfile carries the canonical numbers plus categorical traits
// (effects, flavors) keyed by their output key.
type BotanicalProfile struct {
	StandardizedMetrics map[string]float64
	Traits              map[string][]string
}

func (p BotanicalProfile) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Traits)+1)
	for k, v := range p.Traits {
		out[k] = v
	}
	metrics := p.StandardizedMetrics
	if metrics == nil {
		metrics = map[string]float64{}
	}
	out["standardized_metrics"] = metrics
	return json.Marshal(out)
}

func (p *BotanicalProfile) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = BotanicalProfile{}
	for k, v := range raw {
		if k == "standardized_metrics" {
			if err := json.Unmarshal(v, &p.StandardizedMetrics); err != nil {
				return err
			}
			continue
		}
		var labels []string
		if err := json.Unmarshal(v, &labels); err != nil {
			return err
		}
		if p.Traits == nil {
			p.Traits = make(map[string][]string)
		}
		p.Traits[k] = labels
	}
	return nil
}

// GoldMetadata is the provenance block of a Gold record.
type GoldMetadata struct {
	ConfidenceScore   int               `json:"confidence_score"`
	Completeness      float64           `json:"completeness"`
	MissingAttributes []string          `json:"missing_attributes,omitempty"`
	BronzeAuditSource string            `json:"bronze_audit_source"`
	BronzeRawString   map[string]string `json:"bronze_raw_string"`
	LastUpdated       time.Time         `json:"last_updated"`
}

// GoldRecord is the standardized, validated output for one Bronze record.
type GoldRecord struct {
	BronzeRecordID   string                            `json:"bronze_record_id"`
	StrainName       string                            `json:"strain_name"`
	BotanicalProfile BotanicalProfile                  `json:"botanical_profile"`
	Attributes       map[string]*StandardizedAttribute `json:"attributes"`
	Validation       map[string]ValidationVerdict      `json:"validation"`
	AnomalyNotes     []string                          `json:"anomaly_notes"`
	Metadata         GoldMetadata                      `json:"metadata"`
}
