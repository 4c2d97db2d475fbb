package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/strain-refinery/internal/model"
)

// Sheet names written by WriteXLSX.
const (
	SheetSummary    = "Summary"
	SheetAttributes = "Attributes"
	SheetGold       = "Gold"
	SheetAnomalies  = "Anomalies"
)

// WriteXLSX saves the report and one row per Gold record to path.
func WriteXLSX(path string, r *Report, golds []model.GoldRecord, table *model.AttributeTable) error {
	f := xlsx.NewFile()

	if err := writeSummary(f, r); err != nil {
		return err
	}
	if err := writeAttributes(f, r); err != nil {
		return err
	}
	if err := writeGold(f, golds, table); err != nil {
		return err
	}
	if err := writeAnomalies(f, golds); err != nil {
		return err
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "xlsx: save %s", path)
	}
	return nil
}

func addSheet(f *xlsx.File, name string, header ...string) (*xlsx.Sheet, error) {
	sheet, err := f.AddSheet(name)
	if err != nil {
		return nil, eris.Wrapf(err, "xlsx: add sheet %s", name)
	}
	addStrings(sheet, header...)
	return sheet, nil
}

func addStrings(sheet *xlsx.Sheet, values ...string) *xlsx.Row {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
	return row
}

func writeSummary(f *xlsx.File, r *Report) error {
	sheet, err := addSheet(f, SheetSummary, "Metric", "Value")
	if err != nil {
		return err
	}
	addStrings(sheet, "Generated", r.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"))

	num := func(label string, v float64) {
		row := addStrings(sheet, label)
		row.AddCell().SetFloat(v)
	}
	num("Gold records", float64(r.Records))
	num("Mean confidence", r.MeanConfidence)
	num("Mean completeness", r.MeanCompleteness)
	num("Data quality score", r.DataQualityScore)
	num("Outlier records", float64(r.OutlierRecords))
	num("Duplicate records", float64(r.Duplicates))
	num("Duplicate rate", r.DuplicateRate)
	addStrings(sheet, "High duplicate rate", fmt.Sprint(r.HighDuplicateRate))
	for score := 5; score >= 1; score-- {
		num(fmt.Sprintf("Confidence %d", score), float64(r.ConfidenceCounts[score]))
	}
	classes := make([]string, 0, len(r.FailuresByClass))
	for c := range r.FailuresByClass {
		classes = append(classes, string(c))
	}
	sort.Strings(classes)
	for _, c := range classes {
		num("Failed: "+c, float64(r.FailuresByClass[model.FailureClass(c)]))
	}
	return nil
}

func writeAttributes(f *xlsx.File, r *Report) error {
	sheet, err := addSheet(f, SheetAttributes,
		"Attribute", "Kind", "Present", "Rejected", "Flagged", "Values", "Round", "Round share", "Baseline", "Overrepresented")
	if err != nil {
		return err
	}
	for _, s := range r.Attributes {
		row := addStrings(sheet, s.Name, string(s.Kind))
		for _, n := range []int{s.Present, s.Rejected, s.Flagged, s.Values, s.Round} {
			row.AddCell().SetInt(n)
		}
		row.AddCell().SetFloat(s.RoundFraction)
		row.AddCell().SetFloat(s.Baseline)
		row.AddCell().SetBool(s.Overrepresented)
	}
	return nil
}

// metricColumns lists the output keys of the table in declaration order,
// with _min and _max for ranges.
func metricColumns(table *model.AttributeTable) []string {
	var cols []string
	for _, d := range table.Attributes() {
		switch d.Kind {
		case model.KindRange:
			cols = append(cols, d.OutputKey+"_min", d.OutputKey+"_max")
		default:
			cols = append(cols, d.OutputKey)
		}
	}
	return cols
}

func writeGold(f *xlsx.File, golds []model.GoldRecord, table *model.AttributeTable) error {
	cols := metricColumns(table)
	header := append([]string{"Record ID", "Strain", "Confidence", "Completeness"}, cols...)
	header = append(header, "Source")
	sheet, err := addSheet(f, SheetGold, header...)
	if err != nil {
		return err
	}

	for _, g := range golds {
		row := addStrings(sheet, g.BronzeRecordID, g.StrainName)
		row.AddCell().SetInt(g.Metadata.ConfidenceScore)
		row.AddCell().SetFloat(g.Metadata.Completeness)
		for _, col := range cols {
			cell := row.AddCell()
			if v, ok := g.BotanicalProfile.StandardizedMetrics[col]; ok {
				cell.SetFloat(v)
			} else if labels, ok := g.BotanicalProfile.Traits[col]; ok {
				cell.SetString(strings.Join(labels, ", "))
			}
		}
		row.AddCell().SetString(g.Metadata.BronzeAuditSource)
	}
	return nil
}

func writeAnomalies(f *xlsx.File, golds []model.GoldRecord) error {
	sheet, err := addSheet(f, SheetAnomalies, "Record ID", "Strain", "Note")
	if err != nil {
		return err
	}
	for _, g := range golds {
		for _, n := range g.AnomalyNotes {
			addStrings(sheet, g.BronzeRecordID, g.StrainName, n)
		}
	}
	return nil
}
