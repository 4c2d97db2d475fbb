package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/strain-refinery/internal/registry"
	"github.com/sells-group/strain-refinery/internal/report"
	"github.com/sells-group/strain-refinery/internal/store"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize stored Gold records and flag suspicious attributes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("report"); err != nil {
			return err
		}

		xlsxPath, _ := cmd.Flags().GetString("xlsx")
		lowMax, _ := cmd.Flags().GetInt("low-confidence")
		minValues, _ := cmd.Flags().GetInt("min-values")

		table, err := registry.Load(cfg.Pipeline.AttributesPath)
		if err != nil {
			return eris.Wrap(err, "load attribute table")
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		golds, err := st.ListGold(ctx, store.GoldFilter{})
		if err != nil {
			return eris.Wrap(err, "report: list gold")
		}
		counts, err := failureCounts(ctx, st)
		if err != nil {
			return err
		}

		r := report.Build(golds, table, report.Options{
			LowConfidenceMax: lowMax,
			MinValues:        minValues,
			FailuresByClass:  counts,
		})
		fmt.Fprint(os.Stdout, report.Format(r))

		if xlsxPath != "" {
			if err := report.WriteXLSX(xlsxPath, r, golds, table); err != nil {
				return err
			}
			zap.L().Info("report workbook written", zap.String("path", xlsxPath), zap.Int("records", len(golds)))
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().String("xlsx", "", "also write the report and Gold metrics to this workbook")
	reportCmd.Flags().Int("low-confidence", report.DefaultLowConfidenceMax, "list records with confidence at or below this score")
	reportCmd.Flags().Int("min-values", 10, "fewest numeric values before an attribute's round share is judged")
	rootCmd.AddCommand(reportCmd)
}
