// Package report summarizes refined Gold records across a dataset: how
// often each attribute is present, rejected or flagged, and how far its
// share of round numbers drifts from the declared baseline.
package report

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/strain-refinery/internal/model"
)

// RoundOverrepresented is the share of multiples of 5 above which an
// attribute's values look estimated rather than measured.
const RoundOverrepresented = 0.8

// Duplicate check: above DuplicateMinRecords Gold records, a share of exact
// repeats on DuplicateKeys over DuplicateRateMax reads as copied or invented
// values.
const (
	DuplicateMinRecords = 100
	DuplicateRateMax    = 0.1
)

// DuplicateKeys are the standardized metrics compared by the duplicate check.
var DuplicateKeys = []string{"thc_percentage_max", "cbd_percentage_max", "flower_days_max"}

// DefaultLowConfidenceMax is the highest confidence score listed as low.
const DefaultLowConfidenceMax = 2

// Options tune Build.
type Options struct {
	// LowConfidenceMax lists records scoring at or below it.
	LowConfidenceMax int
	// MinValues is the fewest numeric endpoints an attribute needs before
	// its round share is judged.
	MinValues int
	// FailuresByClass is copied into the report as is.
	FailuresByClass map[model.FailureClass]int
	Now             func() time.Time
}

// AttributeStats are the dataset-level tallies for one attribute.
type AttributeStats struct {
	Name     string
	Kind     model.Kind
	Present  int
	Rejected int
	Flagged  int

	// Values counts non-zero numeric endpoints; Round those that are
	// multiples of 5.
	Values          int
	Round           int
	RoundFraction   float64
	Baseline        float64
	Overrepresented bool
}

// LowConfidence is one record at or under the low-confidence cut.
type LowConfidence struct {
	RecordID   string
	StrainName string
	Confidence int
	Notes      []string
}

// Report is the outcome of Build.
type Report struct {
	GeneratedAt      time.Time
	Records          int
	MeanConfidence   float64
	MeanCompleteness float64
	// ConfidenceCounts maps a score (1-5) to its number of records.
	ConfidenceCounts map[int]int
	Attributes       []AttributeStats
	LowConfidence    []LowConfidence
	FailuresByClass  map[model.FailureClass]int

	// OutlierRecords have at least one rejected or flagged attribute.
	OutlierRecords int
	// DataQualityScore is 100 less the percentage of outlier records.
	DataQualityScore float64
	// Duplicates counts records whose DuplicateKeys tuple is shared with
	// another record; DuplicateRate is their share of all records.
	Duplicates        int
	DuplicateRate     float64
	HighDuplicateRate bool
}

// Build tallies golds against the attribute table. Attributes appear in
// declaration order and low-confidence records by score, then record ID.
func Build(golds []model.GoldRecord, table *model.AttributeTable, opts Options) *Report {
	if opts.LowConfidenceMax <= 0 {
		opts.LowConfidenceMax = DefaultLowConfidenceMax
	}
	if opts.MinValues <= 0 {
		opts.MinValues = 10
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	r := &Report{
		GeneratedAt:      now().UTC(),
		Records:          len(golds),
		ConfidenceCounts: make(map[int]int),
		FailuresByClass:  opts.FailuresByClass,
	}

	descs := table.Attributes()
	stats := make([]AttributeStats, len(descs))
	for i, d := range descs {
		stats[i] = AttributeStats{Name: d.Name, Kind: d.Kind, Baseline: d.RoundBaseline}
	}

	var confSum int
	var compSum float64
	for _, g := range golds {
		conf := g.Metadata.ConfidenceScore
		confSum += conf
		compSum += g.Metadata.Completeness
		r.ConfidenceCounts[conf]++
		if conf <= opts.LowConfidenceMax {
			r.LowConfidence = append(r.LowConfidence, LowConfidence{
				RecordID:   g.BronzeRecordID,
				StrainName: g.StrainName,
				Confidence: conf,
				Notes:      g.AnomalyNotes,
			})
		}

		outlier := false
		for i, d := range descs {
			s := &stats[i]
			switch g.Validation[d.Name].Status {
			case model.VerdictRejected:
				s.Rejected++
				outlier = true
			case model.VerdictFlagged:
				s.Flagged++
				outlier = true
			}
			attr := g.Attributes[d.Name]
			if attr == nil {
				continue
			}
			s.Present++
			lo, hi, ok := attr.Bounds()
			if !ok {
				continue
			}
			for _, e := range endpoints(lo, hi) {
				s.Values++
				if math.Mod(e, 5) == 0 {
					s.Round++
				}
			}
		}
		if outlier {
			r.OutlierRecords++
		}
	}

	for i := range stats {
		s := &stats[i]
		if s.Values > 0 {
			s.RoundFraction = roundTo(float64(s.Round)/float64(s.Values), 3)
		}
		s.Overrepresented = s.Values >= opts.MinValues && s.RoundFraction > RoundOverrepresented
	}
	r.Attributes = stats

	if len(golds) > 0 {
		r.MeanConfidence = roundTo(float64(confSum)/float64(len(golds)), 2)
		r.MeanCompleteness = roundTo(compSum/float64(len(golds)), 2)
		r.DataQualityScore = roundTo(math.Max(0, 100-100*float64(r.OutlierRecords)/float64(len(golds))), 1)
		r.Duplicates = countDuplicates(golds)
		r.DuplicateRate = roundTo(float64(r.Duplicates)/float64(len(golds)), 3)
	}
	r.HighDuplicateRate = len(golds) > DuplicateMinRecords && float64(r.Duplicates) > DuplicateRateMax*float64(len(golds))
	sort.SliceStable(r.LowConfidence, func(i, j int) bool {
		a, b := r.LowConfidence[i], r.LowConfidence[j]
		if a.Confidence != b.Confidence {
			return a.Confidence < b.Confidence
		}
		return a.RecordID < b.RecordID
	})
	return r
}

// countDuplicates counts records sharing their DuplicateKeys tuple with at
// least one other record. Records carrying fewer than two of the keys are
// not compared.
func countDuplicates(golds []model.GoldRecord) int {
	groups := make(map[string]int)
	keys := make([]string, len(golds))
	for i, g := range golds {
		parts := make([]string, len(DuplicateKeys))
		present := 0
		for j, k := range DuplicateKeys {
			v, ok := g.BotanicalProfile.StandardizedMetrics[k]
			if !ok {
				parts[j] = "-"
				continue
			}
			present++
			parts[j] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if present < 2 {
			continue
		}
		keys[i] = strings.Join(parts, "|")
		groups[keys[i]]++
	}
	n := 0
	for _, k := range keys {
		if k != "" && groups[k] > 1 {
			n++
		}
	}
	return n
}

// endpoints are the distinct non-zero ends of an interval.
func endpoints(lo, hi float64) []float64 {
	var out []float64
	if lo != 0 {
		out = append(out, lo)
	}
	if hi != lo && hi != 0 {
		out = append(out, hi)
	}
	return out
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Format renders the report as markdown.
func Format(r *Report) string {
	var b strings.Builder

	b.WriteString("# Strain Refinery Report\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339))

	b.WriteString("## Summary\n")
	fmt.Fprintf(&b, "- Gold records: %d\n", r.Records)
	fmt.Fprintf(&b, "- Mean confidence: %.2f\n", r.MeanConfidence)
	fmt.Fprintf(&b, "- Mean completeness: %.2f\n", r.MeanCompleteness)
	fmt.Fprintf(&b, "- Data quality score: %.1f/100 (%d outlier records)\n", r.DataQualityScore, r.OutlierRecords)
	fmt.Fprintf(&b, "- Duplicate key values: %d (%.1f%%)", r.Duplicates, r.DuplicateRate*100)
	if r.HighDuplicateRate {
		b.WriteString(" (!) high duplicate rate")
	}
	b.WriteString("\n")
	for score := 5; score >= 1; score-- {
		if n := r.ConfidenceCounts[score]; n > 0 {
			fmt.Fprintf(&b, "- Confidence %d: %d\n", score, n)
		}
	}
	b.WriteString("\n")

	if len(r.FailuresByClass) > 0 {
		b.WriteString("## Failures\n")
		classes := make([]string, 0, len(r.FailuresByClass))
		for c := range r.FailuresByClass {
			classes = append(classes, string(c))
		}
		sort.Strings(classes)
		for _, c := range classes {
			fmt.Fprintf(&b, "- %s: %d\n", c, r.FailuresByClass[model.FailureClass(c)])
		}
		b.WriteString("\n")
	}

	b.WriteString("## Attributes\n")
	b.WriteString("| Attribute | Present | Rejected | Flagged | Round share | Baseline |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, s := range r.Attributes {
		share := "-"
		if s.Values > 0 {
			share = fmt.Sprintf("%.0f%% of %d", s.RoundFraction*100, s.Values)
			if s.Overrepresented {
				share += " (!)"
			}
		}
		baseline := "-"
		if s.Kind != model.KindCategorical {
			baseline = fmt.Sprintf("%.0f%%", s.Baseline*100)
		}
		fmt.Fprintf(&b, "| %s | %d | %d | %d | %s | %s |\n", s.Name, s.Present, s.Rejected, s.Flagged, share, baseline)
	}
	b.WriteString("\n")

	b.WriteString("## Low Confidence\n")
	if len(r.LowConfidence) == 0 {
		b.WriteString("None.\n")
		return b.String()
	}
	for _, lc := range r.LowConfidence {
		fmt.Fprintf(&b, "- **%s** (%s): %d\n", lc.StrainName, lc.RecordID, lc.Confidence)
		for _, n := range lc.Notes {
			fmt.Fprintf(&b, "  - %s\n", n)
		}
	}
	return b.String()
}
