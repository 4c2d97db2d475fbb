// Package pipeline turns Bronze listings into standardized, validated and
// audit-linked Gold records.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/strain-refinery/internal/config"
	"github.com/sells-group/strain-refinery/internal/model"
	"github.com/sells-group/strain-refinery/internal/resilience"
	"github.com/sells-group/strain-refinery/internal/store"
	"github.com/sells-group/strain-refinery/pkg/anthropic"
)

// Pipeline runs the sanitize, extract, standardize, validate and link
// stages over a set of Bronze records.
type Pipeline struct {
	cfg          *config.Config
	store        store.Store
	anthropic    anthropic.Client
	table        *model.AttributeTable
	parser       *ValueParser
	standardizer *Standardizer
	validator    *Validator
	policy       resilience.Policy
	pollOpts     []anthropic.PollOption
}

// New creates a Pipeline. aiClient may be nil when no record carries
// listing markup.
func New(cfg *config.Config, st store.Store, aiClient anthropic.Client, table *model.AttributeTable) *Pipeline {
	parser := NewValueParser(table)
	vcfg := ValidatorConfig{
		CompletenessThreshold: cfg.Pipeline.CompletenessThreshold,
		RoundNumberMargin:     cfg.Pipeline.RoundNumberMargin,
		RoundNumberMinValues:  cfg.Pipeline.RoundNumberMinValues,
	}
	r := cfg.Retry
	return &Pipeline{
		cfg:          cfg,
		store:        st,
		anthropic:    aiClient,
		table:        table,
		parser:       parser,
		standardizer: NewStandardizer(parser),
		validator:    NewValidator(table, vcfg),
		policy:       resilience.FromRetryConfig(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction),
	}
}

// WithPollOptions sets the batch polling options used in batch mode.
func (p *Pipeline) WithPollOptions(opts ...anthropic.PollOption) *Pipeline {
	p.pollOpts = opts
	return p
}

// RunOptions tune a single Run.
type RunOptions struct {
	// Force reprocesses records that already have a Gold record.
	Force bool
}

// Run processes records. Records are saved as Bronze first; records that
// already have Gold output are skipped unless opts.Force is set. Record
// failures go to the failure sink and the dead letter queue and never stop
// the run; the returned error reports infrastructure problems only.
func (p *Pipeline) Run(ctx context.Context, rc *RunContext, records []model.BronzeRecord, opts RunOptions) error {
	log := zap.L().With(zap.String("run_id", rc.ID))

	records = dedupe(records)
	rc.addRecords(len(records))

	inserted, err := p.store.SaveBronze(ctx, records)
	if err != nil {
		return eris.Wrap(err, "pipeline: save bronze")
	}
	log.Info("pipeline: bronze saved", zap.Int("records", len(records)), zap.Int("new", inserted))

	pending := records
	if !opts.Force {
		ids := make([]string, len(records))
		for i := range records {
			ids[i] = records[i].ID
		}
		done, err := p.store.GoldExists(ctx, ids)
		if err != nil {
			return eris.Wrap(err, "pipeline: check gold")
		}
		pending = pending[:0:0]
		for _, b := range records {
			if done[b.ID] {
				rc.skip()
				continue
			}
			pending = append(pending, b)
		}
	}

	if err := p.process(ctx, rc, pending, nil); err != nil {
		return err
	}
	logSummary(log, rc)
	return nil
}

// RetryDeadLetters reprocesses records from the dead letter queue. By
// default only transient failures whose retry time has come are picked;
// all picks every entry regardless of class or schedule. It returns the
// number of records reprocessed.
func (p *Pipeline) RetryDeadLetters(ctx context.Context, rc *RunContext, all bool, limit int) (int, error) {
	log := zap.L().With(zap.String("run_id", rc.ID))

	filter := resilience.DLQFilter{DueOnly: !all, Limit: limit}
	if !all {
		filter.ErrorType = model.FailureTransient
	}
	entries, err := p.store.DequeueDLQ(ctx, filter)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: dequeue dead letters")
	}
	if len(entries) == 0 {
		log.Info("pipeline: no dead letters to retry")
		return 0, nil
	}

	retrying := make(map[string]resilience.DLQEntry, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		retrying[e.SourceRecordID] = e
		ids = append(ids, e.SourceRecordID)
	}

	records, err := p.store.GetBronze(ctx, ids)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: load bronze for retry")
	}
	if len(records) < len(ids) {
		log.Warn("pipeline: dead letters without bronze record",
			zap.Int("entries", len(ids)),
			zap.Int("found", len(records)),
		)
	}

	rc.addRecords(len(records))
	if err := p.process(ctx, rc, records, retrying); err != nil {
		return len(records), err
	}
	logSummary(log, rc)
	return len(records), nil
}

func (p *Pipeline) process(ctx context.Context, rc *RunContext, records []model.BronzeRecord, retrying map[string]resilience.DLQEntry) error {
	if len(records) == 0 {
		return nil
	}
	log := zap.L().With(zap.String("run_id", rc.ID))

	listings := make(map[string]string)
	var reqs []ExtractRequest
	for i := range records {
		b := &records[i]
		if !b.HasListing() {
			continue
		}
		if p.anthropic == nil {
			log.Warn("pipeline: listing ignored, no extraction client", zap.String("record_id", b.ID))
			continue
		}
		res := Sanitize(b.RawHTML, p.cfg.Pipeline.SanitizeMaxChars)
		listings[b.ID] = res.Text
		reqs = append(reqs, ExtractRequest{RecordID: b.ID, Text: res.Text})
	}

	extracted := map[string]*ExtractResult{}
	if len(reqs) > 0 {
		ex := NewExtractor(p.anthropic, p.table, p.parser, p.extractConfig(), p.store, rc.Ledger())
		res, err := ex.ExtractAll(ctx, reqs)
		if err != nil {
			return eris.Wrap(err, "pipeline: extract")
		}
		extracted = res
		log.Info("pipeline: extraction complete", zap.Int("requests", len(reqs)))
	}

	linker := NewLinker(p.table, rc.Now)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.Pipeline.Workers, 1))
	for i := range records {
		b := &records[i]
		g.Go(func() error {
			return p.finish(gCtx, rc, linker, b, listings[b.ID], extracted[b.ID], retrying)
		})
	}
	return g.Wait()
}

// finish runs the CPU-bound stages for one record and writes its outcome.
func (p *Pipeline) finish(ctx context.Context, rc *RunContext, linker *Linker, b *model.BronzeRecord, listing string, ex *ExtractResult, retrying map[string]resilience.DLQEntry) error {
	var extracted []*model.RawFieldCandidate
	attempts := 0
	if ex != nil {
		attempts = ex.Attempts
		if ex.CacheHit {
			rc.cacheHit()
		}
		if ex.Err != nil {
			return p.fail(ctx, rc, b.ID, ex.Err, attempts, retrying)
		}
		extracted = ex.Candidates
	}

	gold, err := p.refine(linker, b, listing, extracted)
	if err != nil {
		return p.fail(ctx, rc, b.ID, err, attempts, retrying)
	}

	if err := p.persist(ctx, "upsert_gold", func(ctx context.Context) error {
		return p.store.UpsertGold(ctx, rc.ID, gold)
	}); err != nil {
		return eris.Wrapf(err, "pipeline: save gold %s", b.ID)
	}
	if err := rc.emitGold(gold); err != nil {
		return err
	}
	if err := p.store.RemoveDLQ(ctx, b.ID); err != nil {
		zap.L().Warn("pipeline: clear dead letter", zap.String("record_id", b.ID), zap.Error(err))
	}
	zap.L().Debug("pipeline: record refined",
		zap.String("run_id", rc.ID),
		zap.String("record_id", b.ID),
		zap.Int("confidence", gold.Metadata.ConfidenceScore),
	)
	return nil
}

// refine standardizes, validates and links one record. It is pure apart
// from the linker clock: the same inputs always give the same record.
func (p *Pipeline) refine(linker *Linker, b *model.BronzeRecord, listing string, extracted []*model.RawFieldCandidate) (*model.GoldRecord, error) {
	trace := NewTraceIndex(b, listing)

	candidates := CandidatesFromBronze(b, p.table)
	for _, c := range extracted {
		if !trace.Contains(c.RawText()) {
			zap.L().Warn("pipeline: dropping untraceable candidate",
				zap.String("record_id", b.ID),
				zap.String("attribute", c.AttributeName),
				zap.String("raw_text", c.RawText()),
			)
			continue
		}
		candidates = append(candidates, c)
	}

	std := make(map[string]*model.StandardizedAttribute)
	for _, d := range p.table.Attributes() {
		if attr := p.standardizer.Standardize(candidates, &d); attr != nil {
			std[d.Name] = attr
		}
	}

	val := p.validator.Validate(std)
	if n := p.table.Len(); n > 0 && float64(val.Usable)/float64(n) < p.cfg.Pipeline.IncompleteThreshold {
		return nil, eris.Wrapf(resilience.ErrRecordIncomplete, "pipeline: record %s has %d of %d usable attributes", b.ID, val.Usable, n)
	}
	return linker.Link(std, val, b, trace)
}

// fail sends a record to the failure side channel and the dead letter
// queue. A record that came from the queue has its retry count bumped
// instead of a new entry.
func (p *Pipeline) fail(ctx context.Context, rc *RunContext, id string, cause error, attempts int, retrying map[string]resilience.DLQEntry) error {
	f := model.RecordFailure{
		SourceRecordID: id,
		RunID:          rc.ID,
		Class:          resilience.Classify(cause),
		Error:          cause.Error(),
		Attempts:       attempts,
		FailedAt:       rc.Now().UTC(),
	}
	zap.L().Error("pipeline: record failed",
		zap.String("run_id", rc.ID),
		zap.String("record_id", id),
		zap.String("failure_class", string(f.Class)),
		zap.Error(cause),
	)
	if err := rc.emitFailure(f); err != nil {
		return err
	}

	if entry, ok := retrying[id]; ok {
		next := entry.NextRetry(f.FailedAt, p.policy)
		err := p.persist(ctx, "increment_dlq_retry", func(ctx context.Context) error {
			return p.store.IncrementDLQRetry(ctx, id, f.Class, next, f.Error)
		})
		return eris.Wrapf(err, "pipeline: bump dead letter %s", id)
	}
	entry := resilience.NewDLQEntry(f, p.cfg.DLQ.MaxRetries, p.policy)
	entry.ID = uuid.New().String()
	err := p.persist(ctx, "enqueue_dlq", func(ctx context.Context) error {
		return p.store.EnqueueDLQ(ctx, entry)
	})
	return eris.Wrapf(err, "pipeline: enqueue dead letter %s", id)
}

// persist runs a store write under the retry policy. Only transient store
// errors such as a locked database or a dropped connection are retried.
func (p *Pipeline) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	policy := p.policy
	policy.OnRetry = resilience.RetryLogger("store", op)
	return resilience.Do(ctx, policy, fn)
}

func (p *Pipeline) extractConfig() ExtractConfig {
	a := p.cfg.Anthropic
	return ExtractConfig{
		Model:               a.Model,
		MaxTokens:           a.MaxTokens,
		MaxBatchSize:        a.MaxBatchSize,
		SmallBatchThreshold: a.SmallBatchThreshold,
		NoBatch:             a.NoBatch,
		Concurrency:         p.cfg.Pipeline.Workers,
		RequestsPerSecond:   a.RequestsPerSecond,
		CacheTTL:            time.Duration(p.cfg.Cache.ExtractionTTLHours) * time.Hour,
		Policy:              p.policy,
		PollOptions:         p.pollOpts,
	}
}

// dedupe assigns missing IDs and keeps the first record of each ID.
func dedupe(records []model.BronzeRecord) []model.BronzeRecord {
	seen := make(map[string]bool, len(records))
	out := make([]model.BronzeRecord, 0, len(records))
	for _, b := range records {
		b.EnsureID()
		if seen[b.ID] {
			zap.L().Warn("pipeline: duplicate bronze record ignored", zap.String("record_id", b.ID))
			continue
		}
		seen[b.ID] = true
		out = append(out, b)
	}
	return out
}

func logSummary(log *zap.Logger, rc *RunContext) {
	s := rc.Summary()
	fields := []zap.Field{
		zap.Int("records", s.Records),
		zap.Int("skipped", s.Skipped),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Float64("mean_confidence", s.MeanConfidence),
		zap.Int("cache_hits", s.CacheHits),
		zap.Float64("cost_usd", s.CostUSD),
	}
	for class, n := range s.FailuresByClass {
		fields = append(fields, zap.Int("failed_"+string(class), n))
	}
	log.Info("pipeline: run summary", fields...)
}
