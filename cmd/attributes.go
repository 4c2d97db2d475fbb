package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/strain-refinery/internal/model"
	"github.com/sells-group/strain-refinery/internal/registry"
)

var attributesCmd = &cobra.Command{
	Use:   "attributes",
	Short: "Show the attribute table in effect",
	RunE: func(cmd *cobra.Command, _ []string) error {
		table, err := registry.Load(cfg.Pipeline.AttributesPath)
		if err != nil {
			return eris.Wrap(err, "load attribute table")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(os.Stdout, table.Attributes())
		}
		formatAttributes(os.Stdout, table)
		return nil
	},
}

func init() {
	attributesCmd.Flags().Bool("json", false, "print the full descriptors as JSON")
	rootCmd.AddCommand(attributesCmd)
}

// formatAttributes writes one line per declared attribute.
func formatAttributes(out io.Writer, table *model.AttributeTable) {
	_, _ = fmt.Fprintf(out, "Attribute table v%d (%d attributes)\n\n", table.Version(), table.Len())

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tKIND\tOUTPUT\tRAW FIELD\tUNIT\tABSOLUTE\tTYPICAL\tTOLERANCE")
	for _, d := range table.Attributes() {
		abs, typ := "-", "-"
		if d.Bounds != nil {
			abs = fmt.Sprintf("%g..%g", d.Bounds.AbsoluteMin, d.Bounds.AbsoluteMax)
			typ = fmt.Sprintf("%g..%g", d.Bounds.TypicalMin, d.Bounds.TypicalMax)
		}
		unit := d.Unit
		if unit == "" {
			unit = fmt.Sprintf("%d labels", len(d.Vocabulary))
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%g\n",
			d.Name, d.Kind, d.OutputKey, d.RawField, unit, abs, typ, d.Tolerance)
	}
	_ = w.Flush()
}
