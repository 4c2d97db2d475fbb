package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/strain-refinery/internal/config"
	"github.com/sells-group/strain-refinery/internal/cost"
	"github.com/sells-group/strain-refinery/internal/model"
	"github.com/sells-group/strain-refinery/internal/pipeline"
	"github.com/sells-group/strain-refinery/internal/registry"
	"github.com/sells-group/strain-refinery/internal/store"
	anthropicpkg "github.com/sells-group/strain-refinery/pkg/anthropic"
)

// maxBronzeLine bounds one JSON line; listings with embedded markup are large.
const maxBronzeLine = 16 << 20

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Refine a JSON Lines file of Bronze records into Gold records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		input, _ := cmd.Flags().GetString("input")
		force, _ := cmd.Flags().GetBool("force")
		applyOutputFlags(cmd, cfg)

		records, err := readBronzeFile(input)
		if err != nil {
			return err
		}
		if err := cfg.Validate("run", anyListing(records)); err != nil {
			return err
		}

		env, err := initRefinery(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		return env.execute(ctx, model.RunModeIngest, input, func(ctx context.Context, rc *pipeline.RunContext) error {
			return env.Pipeline.Run(ctx, rc, records, pipeline.RunOptions{Force: force})
		})
	},
}

func init() {
	runCmd.Flags().StringP("input", "i", "", "Bronze JSON Lines file (- for stdin)")
	runCmd.Flags().Bool("force", false, "reprocess records that already have a Gold record")
	addOutputFlags(runCmd)
	_ = runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("gold", "", "override output.gold_path")
	cmd.Flags().String("failures", "", "override output.failures_path")
	cmd.Flags().Bool("no-batch", false, "send every extraction request directly")
}

func applyOutputFlags(cmd *cobra.Command, c *config.Config) {
	if v, _ := cmd.Flags().GetString("gold"); v != "" {
		c.Output.GoldPath = v
	}
	if v, _ := cmd.Flags().GetString("failures"); v != "" {
		c.Output.FailuresPath = v
	}
	if v, _ := cmd.Flags().GetBool("no-batch"); v {
		c.Anthropic.NoBatch = true
	}
}

func readBronzeFile(path string) ([]model.BronzeRecord, error) {
	if path == "-" {
		return readBronze(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open input %s", path)
	}
	defer f.Close() //nolint:errcheck
	return readBronze(f)
}

// readBronze decodes one Bronze record per non-blank line.
func readBronze(r io.Reader) ([]model.BronzeRecord, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxBronzeLine)

	var records []model.BronzeRecord
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var b model.BronzeRecord
		if err := json.Unmarshal([]byte(text), &b); err != nil {
			return nil, eris.Wrapf(err, "input line %d", line)
		}
		records = append(records, b)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "read input after line %d", line)
	}
	return records, nil
}

func anyListing(records []model.BronzeRecord) bool {
	for i := range records {
		if records[i].HasListing() {
			return true
		}
	}
	return false
}

// refinery bundles the dependencies shared by run and retry.
type refinery struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Pricing  *cost.Calculator
	cfg      *config.Config
}

func (r *refinery) Close() {
	if r.Store != nil {
		_ = r.Store.Close()
	}
}

func initRefinery(ctx context.Context, c *config.Config) (*refinery, error) {
	table, err := registry.Load(c.Pipeline.AttributesPath)
	if err != nil {
		return nil, eris.Wrap(err, "load attribute table")
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}

	var ai anthropicpkg.Client
	if c.Anthropic.Key != "" {
		ai = anthropicpkg.NewClient(c.Anthropic.Key,
			anthropicpkg.WithBaseURL(c.Anthropic.BaseURL),
			anthropicpkg.WithRequestTimeout(time.Duration(c.Anthropic.RequestTimeoutSecs)*time.Second),
			anthropicpkg.WithSDKRetries(0),
		)
	}

	zap.L().Info("attribute table loaded",
		zap.Int("version", table.Version()),
		zap.Int("attributes", table.Len()),
		zap.Bool("extraction", ai != nil),
	)

	return &refinery{
		Store:    st,
		Pipeline: pipeline.New(c, st, ai, table),
		Pricing:  cost.NewCalculator(pricingRates(c.Pricing)),
		cfg:      c,
	}, nil
}

// pricingRates overlays configured model prices on the defaults.
func pricingRates(p config.PricingConfig) cost.Rates {
	rates := cost.DefaultRates()
	for name, m := range p.Anthropic {
		rates.Anthropic[name] = cost.ModelRate{
			Input:         m.Input,
			Output:        m.Output,
			BatchDiscount: m.BatchDiscount,
			CacheWriteMul: m.CacheWriteMul,
			CacheReadMul:  m.CacheReadMul,
		}
	}
	return rates
}

// execute records a run row around fn, writes the JSONL outputs and prints
// the final summary.
func (r *refinery) execute(ctx context.Context, mode model.RunMode, input string, fn func(context.Context, *pipeline.RunContext) error) error {
	run, err := r.Store.CreateRun(ctx, mode, input)
	if err != nil {
		return eris.Wrap(err, "create run")
	}
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("mode", string(mode)))

	gold, err := pipeline.OpenJSONLSink(r.cfg.Output.GoldPath)
	if err != nil {
		return r.abort(ctx, run.ID, err)
	}
	defer gold.Close() //nolint:errcheck
	failures, err := pipeline.OpenJSONLSink(r.cfg.Output.FailuresPath)
	if err != nil {
		return r.abort(ctx, run.ID, err)
	}
	defer failures.Close() //nolint:errcheck

	if err := r.Store.UpdateRunStatus(ctx, run.ID, model.RunStatusRunning); err != nil {
		return eris.Wrap(err, "mark run running")
	}

	rc := pipeline.NewRunContext(run.ID, mode, gold, failures, cost.NewLedger(r.Pricing))
	runErr := fn(ctx, rc)

	summary := rc.Summary()
	status := model.RunStatusComplete
	if runErr != nil {
		status = model.RunStatusFailed
		summary.Error = runErr.Error()
		log.Error("run failed", zap.Error(runErr))
	}
	// The run row is finalized even when ctx was cancelled.
	if err := r.Store.UpdateRunSummary(context.WithoutCancel(ctx), run.ID, status, summary); err != nil {
		log.Error("persist run summary", zap.Error(err))
	}

	if err := printJSON(os.Stdout, struct {
		RunID  string          `json:"run_id"`
		Status model.RunStatus `json:"status"`
		*model.RunSummary
	}{run.ID, status, summary}); err != nil {
		return err
	}
	return runErr
}

func (r *refinery) abort(ctx context.Context, runID string, cause error) error {
	_ = r.Store.UpdateRunSummary(context.WithoutCancel(ctx), runID, model.RunStatusFailed, &model.RunSummary{Error: cause.Error()})
	return cause
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}
