package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/strain-refinery/internal/model"
	"github.com/sells-group/strain-refinery/internal/resilience"
	"github.com/sells-group/strain-refinery/internal/store"
)

// dlqScanLimit caps how many dead letters are read for tallies.
const dlqScanLimit = 100000

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List dead-lettered records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		class, _ := cmd.Flags().GetString("class")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{
			ErrorType: model.FailureClass(class),
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "failures list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No failures found.")
			return nil
		}

		formatFailures(os.Stdout, entries)
		return nil
	},
}

func init() {
	failuresCmd.Flags().String("class", "", "filter by failure class (transient_service_error, malformed_response, ...)")
	failuresCmd.Flags().Int("limit", 50, "max number of entries to display")
	rootCmd.AddCommand(failuresCmd)
}

// formatFailures writes a tabular list of dead letters to w.
func formatFailures(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RECORD\tCLASS\tRUN\tATTEMPTS\tRETRIES\tNEXT_RETRY\tERROR")
	_, _ = fmt.Fprintln(w, "------\t-----\t---\t--------\t-------\t----------\t-----")

	for _, e := range entries {
		msg := e.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		next := "-"
		if e.CanRetry() {
			next = e.NextRetryAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			e.SourceRecordID,
			e.ErrorType,
			truncateID(e.RunID),
			e.Attempts,
			e.RetryCount, e.MaxRetries,
			next,
			msg,
		)
	}
	_ = w.Flush()
}

// failureCounts tallies the dead letter queue by class.
func failureCounts(ctx context.Context, st store.Store) (map[model.FailureClass]int, error) {
	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{Limit: dlqScanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "count failures")
	}
	counts := make(map[model.FailureClass]int)
	for _, e := range entries {
		counts[e.ErrorType]++
	}
	return counts, nil
}
