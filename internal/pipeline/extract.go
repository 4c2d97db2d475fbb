package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/strain-refinery/internal/cost"
	"github.com/sells-group/strain-refinery/internal/model"
	"github.com/sells-group/strain-refinery/internal/resilience"
	"github.com/sells-group/strain-refinery/pkg/anthropic"
)

// promptVersion is bumped whenever the extraction prompt changes in a way
// that invalidates cached responses.
const promptVersion = 1

// ExtractConfig controls how listings are sent to the extraction service.
type ExtractConfig struct {
	Model     string
	MaxTokens int64

	// MaxBatchSize caps the items in one Message Batches submission.
	MaxBatchSize int
	// SmallBatchThreshold sends groups at or under this size as direct
	// messages instead of a batch.
	SmallBatchThreshold int
	NoBatch             bool

	// Concurrency bounds in-flight direct requests.
	Concurrency       int
	RequestsPerSecond float64

	CacheTTL    time.Duration
	Policy      resilience.Policy
	PollOptions []anthropic.PollOption
}

func (c ExtractConfig) withDefaults() ExtractConfig {
	if c.Model == "" {
		c.Model = "claude-haiku-4-5-20251001"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2048
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.SmallBatchThreshold < 0 {
		c.SmallBatchThreshold = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	c.Policy = c.Policy.WithDefaults()
	return c
}

// ExtractionCache stores raw extraction responses keyed by a content hash.
// Get returns nil, nil on a miss.
type ExtractionCache interface {
	GetExtraction(ctx context.Context, key string) ([]byte, error)
	SetExtraction(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// ExtractRequest is one sanitized listing to extract.
type ExtractRequest struct {
	RecordID string
	Text     string
}

// ExtractResult is the outcome for one record. Err is nil on success and
// otherwise classifiable with resilience.Classify.
type ExtractResult struct {
	RecordID   string
	Candidates []*model.RawFieldCandidate
	Err        error
	Attempts   int
	CacheHit   bool
}

// Extractor is the client adapter between sanitized listings and the
// extraction service.
type Extractor struct {
	client  anthropic.Client
	table   *model.AttributeTable
	parser  *ValueParser
	cfg     ExtractConfig
	cache   ExtractionCache
	ledger  *cost.Ledger
	limiter *rate.Limiter
	system  []anthropic.SystemBlock
}

// NewExtractor creates an Extractor. cache and ledger may be nil.
func NewExtractor(client anthropic.Client, table *model.AttributeTable, parser *ValueParser, cfg ExtractConfig, cache ExtractionCache, ledger *cost.Ledger) *Extractor {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	burst := cfg.Concurrency
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Extractor{
		client:  client,
		table:   table,
		parser:  parser,
		cfg:     cfg,
		cache:   cache,
		ledger:  ledger,
		limiter: rate.NewLimiter(limit, burst),
		system:  anthropic.BuildCachedSystemBlocks(buildExtractionPrompt(table), ""),
	}
}

// CacheKey is the cache identity of one listing: the model, the attribute
// table version, the prompt version and the sanitized text.
func (e *Extractor) CacheKey(text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|", e.cfg.Model, e.table.Version(), promptVersion)
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// ExtractAll extracts every request and returns one result per distinct
// record ID. Each record is driven through the resilience.Tracker state
// machine, so it is in flight at most once and transient failures are
// retried with backoff up to the policy's attempt ceiling. A failing record
// never affects another. The returned error is non-nil only when ctx ends.
func (e *Extractor) ExtractAll(ctx context.Context, reqs []ExtractRequest) (map[string]*ExtractResult, error) {
	results := make(map[string]*ExtractResult, len(reqs))
	texts := make(map[string]string, len(reqs))

	policy := e.cfg.Policy
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.RetryLogger("anthropic", "extract")
	}
	tracker := resilience.NewTracker(policy)

	for _, r := range reqs {
		if _, dup := texts[r.RecordID]; dup {
			zap.L().Warn("extract: duplicate record skipped", zap.String("record_id", r.RecordID))
			continue
		}
		texts[r.RecordID] = r.Text

		if cands, ok := e.fromCache(ctx, r.RecordID, r.Text); ok {
			results[r.RecordID] = &ExtractResult{RecordID: r.RecordID, Candidates: cands, CacheHit: true}
			continue
		}
		if err := tracker.Add(r.RecordID); err != nil {
			return nil, eris.Wrap(err, "extract: track record")
		}
	}

	var mu sync.Mutex
	settle := func(id string, cands []*model.RawFieldCandidate) {
		mu.Lock()
		results[id] = &ExtractResult{RecordID: id, Candidates: cands}
		mu.Unlock()
	}

	for !tracker.Done() {
		if ctx.Err() != nil {
			break
		}
		ready := tracker.Ready()
		if len(ready) == 0 {
			wait, ok := tracker.NextWake()
			if !ok {
				break
			}
			if err := resilience.Sleep(ctx, wait); err != nil {
				break
			}
			continue
		}

		if e.cfg.NoBatch || len(ready) <= e.cfg.SmallBatchThreshold {
			e.runDirect(ctx, tracker, ready, texts, settle)
			continue
		}
		for start := 0; start < len(ready); start += e.cfg.MaxBatchSize {
			end := min(start+e.cfg.MaxBatchSize, len(ready))
			e.runBatch(ctx, tracker, ready[start:end], texts, settle)
		}
	}

	ctxErr := ctx.Err()
	for id := range texts {
		if _, ok := results[id]; ok {
			continue
		}
		st, _ := tracker.Status(id)
		if !st.State.Terminal() {
			cause := ctxErr
			if cause == nil {
				cause = eris.New("extract: abandoned")
			}
			_ = tracker.Abandon(id, cause)
			st, _ = tracker.Status(id)
		}
		results[id] = &ExtractResult{RecordID: id, Err: st.LastErr, Attempts: st.Attempts}
	}
	for id, r := range results {
		if st, ok := tracker.Status(id); ok {
			r.Attempts = st.Attempts
		}
	}
	counts := tracker.Counts()
	tracked := 0
	for _, n := range counts {
		tracked += n
	}
	zap.L().Info("extract: complete",
		zap.Int("records", len(texts)),
		zap.Int("cache_hits", len(texts)-tracked),
		zap.Int("succeeded", counts[resilience.StateSucceeded]),
		zap.Int("failed", counts[resilience.StateFailed]),
	)
	if ctxErr != nil {
		return results, eris.Wrap(ctxErr, "extract: canceled")
	}
	return results, nil
}

func (e *Extractor) runDirect(ctx context.Context, tracker *resilience.Tracker, ids []string, texts map[string]string, settle func(string, []*model.RawFieldCandidate)) {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for _, id := range ids {
		if err := tracker.Begin(id); err != nil {
			zap.L().Error("extract: begin", zap.String("record_id", id), zap.Error(err))
			continue
		}
		g.Go(func() error {
			if err := e.limiter.Wait(gCtx); err != nil {
				e.fail(tracker, id, err)
				return nil
			}
			resp, err := e.client.CreateMessage(gCtx, e.request(texts[id]))
			e.complete(gCtx, tracker, id, texts[id], resp, err, false, settle)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Extractor) runBatch(ctx context.Context, tracker *resilience.Tracker, ids []string, texts map[string]string, settle func(string, []*model.RawFieldCandidate)) {
	for _, id := range ids {
		if err := tracker.Begin(id); err != nil {
			zap.L().Error("extract: begin", zap.String("record_id", id), zap.Error(err))
		}
	}
	failAll := func(err error) {
		for _, id := range ids {
			e.fail(tracker, id, err)
		}
	}

	// The first item doubles as the primer that writes the prompt cache, so
	// batch items read the shared system prefix.
	first, rest := ids[0], ids[1:]
	resp, err := anthropic.PrimerRequest(ctx, e.client, e.request(texts[first]))
	e.complete(ctx, tracker, first, texts[first], resp, err, false, settle)
	if len(rest) == 0 {
		return
	}
	ids = rest

	items := make([]anthropic.BatchRequestItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, anthropic.BatchRequestItem{CustomID: id, Params: e.request(texts[id])})
	}

	batch, err := e.client.CreateBatch(ctx, anthropic.BatchRequest{Requests: items})
	if err != nil {
		failAll(eris.Wrap(err, "extract: create batch"))
		return
	}
	zap.L().Info("extract: batch submitted", zap.String("batch_id", batch.ID), zap.Int("items", len(items)))

	batch, err = anthropic.PollBatch(ctx, e.client, batch.ID, e.cfg.PollOptions...)
	if err != nil {
		if errors.Is(err, anthropic.ErrBatchAborted) {
			err = resilience.NewTransientError(err, 0)
		}
		failAll(eris.Wrap(err, "extract: poll batch"))
		return
	}

	iter, err := e.client.GetBatchResults(ctx, batch.ID)
	if err != nil {
		failAll(eris.Wrap(err, "extract: batch results"))
		return
	}
	collected, err := anthropic.CollectBatchResultsDetailed(iter)
	if err != nil {
		failAll(eris.Wrap(err, "extract: collect batch results"))
		return
	}

	for id, msg := range collected.Succeeded {
		if _, ok := texts[id]; !ok {
			continue
		}
		e.complete(ctx, tracker, id, texts[id], msg, nil, true, settle)
	}
	for _, f := range collected.Failures {
		if _, ok := texts[f.CustomID]; !ok {
			continue
		}
		e.fail(tracker, f.CustomID, resilience.NewTransientError(f.Err(), 0))
	}
	for _, id := range collected.Missing(ids) {
		e.fail(tracker, id, resilience.NewTransientError(eris.Errorf("extract: batch item %s missing from results", id), 0))
	}
}

// complete settles one attempt: a call error or an undecodable response
// goes back to the tracker; a decoded response is cached and priced.
func (e *Extractor) complete(ctx context.Context, tracker *resilience.Tracker, id, text string, resp *anthropic.MessageResponse, callErr error, isBatch bool, settle func(string, []*model.RawFieldCandidate)) {
	if callErr != nil {
		e.fail(tracker, id, classifyCall(callErr))
		return
	}
	if e.ledger != nil {
		e.ledger.Record(e.cfg.Model, isBatch, resp.Usage)
	}

	cands, err := e.decode(id, resp)
	if err != nil {
		e.fail(tracker, id, err)
		return
	}
	if err := tracker.Succeed(id); err != nil {
		zap.L().Error("extract: succeed", zap.String("record_id", id), zap.Error(err))
		return
	}
	settle(id, cands)

	if e.cache != nil {
		if err := e.cache.SetExtraction(ctx, e.CacheKey(text), []byte(resp.Text()), e.cfg.CacheTTL); err != nil {
			zap.L().Warn("extract: cache write failed", zap.String("record_id", id), zap.Error(err))
		}
	}
}

func (e *Extractor) fail(tracker *resilience.Tracker, id string, err error) {
	state, delay, terr := tracker.Fail(id, err)
	if terr != nil {
		zap.L().Error("extract: fail transition", zap.String("record_id", id), zap.Error(terr))
		return
	}
	if state == resilience.StateFailed {
		zap.L().Error("extract: record failed",
			zap.String("record_id", id),
			zap.String("failure_class", string(resilience.Classify(err))),
			zap.Error(err),
		)
		return
	}
	zap.L().Debug("extract: record scheduled for retry",
		zap.String("record_id", id),
		zap.Duration("backoff", delay),
	)
}

func (e *Extractor) fromCache(ctx context.Context, id, text string) ([]*model.RawFieldCandidate, bool) {
	if e.cache == nil {
		return nil, false
	}
	data, err := e.cache.GetExtraction(ctx, e.CacheKey(text))
	if err != nil {
		zap.L().Warn("extract: cache read failed", zap.String("record_id", id), zap.Error(err))
		return nil, false
	}
	if data == nil {
		return nil, false
	}
	cands, err := e.decode(id, &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: string(data)}}})
	if err != nil {
		zap.L().Warn("extract: cached response unusable", zap.String("record_id", id), zap.Error(err))
		return nil, false
	}
	return cands, true
}

func (e *Extractor) request(text string) anthropic.MessageRequest {
	temp := 0.0
	return anthropic.MessageRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		System:      e.system,
		Messages:    []anthropic.Message{{Role: "user", Content: text}},
		Temperature: &temp,
	}
}

// classifyCall tags a service call error with the failure class its HTTP
// status implies. Errors without a status keep the network heuristics.
func classifyCall(err error) error {
	if code, ok := anthropic.StatusCode(err); ok {
		return resilience.FromStatus(eris.Wrap(err, "extract: call"), code)
	}
	return eris.Wrap(err, "extract: call")
}

type extractionResponse struct {
	Status     string               `json:"status"`
	Reason     string               `json:"reason,omitempty"`
	Attributes []extractedAttribute `json:"attributes"`
}

type extractedAttribute struct {
	AttributeName string   `json:"attribute_name"`
	RawText       string   `json:"raw_text"`
	SourceKind    string   `json:"source_kind"`
	ValueMin      *float64 `json:"value_min"`
	ValueMax      *float64 `json:"value_max"`
	Unit          string   `json:"unit"`
	Labels        []string `json:"labels"`
}

// decode turns a service response into candidates. Stray commas are
// repaired; any other syntax error, or anything that does not then match the
// response schema exactly, is a MalformedResponseError. No value is guessed.
func (e *Extractor) decode(recordID string, resp *anthropic.MessageResponse) ([]*model.RawFieldCandidate, error) {
	body := resp.Text()
	malformed := func(format string, args ...any) error {
		return resilience.NewMalformedResponseError(eris.Errorf(format, args...), body)
	}
	if resp.Truncated() {
		return nil, malformed("response truncated at max_tokens")
	}

	text := cleanJSON(body)
	if text == "" {
		return nil, malformed("empty response")
	}
	if !json.Valid([]byte(text)) {
		repaired, err := jsonrepair.JSONRepair(text)
		if err != nil {
			return nil, malformed("unrepairable JSON: %v", err)
		}
		if !onlyCommasDropped(text, repaired) {
			return nil, malformed("invalid JSON: repair would change the document")
		}
		text = repaired
	}

	var out extractionResponse
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, malformed("decode: %v", err)
	}

	switch out.Status {
	case "ok":
	case "refused":
		return nil, resilience.NewPermanentRejectionError(eris.Errorf("extraction refused: %s", out.Reason), 0)
	default:
		return nil, malformed("unexpected status %q", out.Status)
	}

	cands := make([]*model.RawFieldCandidate, 0, len(out.Attributes))
	for i, a := range out.Attributes {
		d := e.table.ByName(a.AttributeName)
		if d == nil {
			return nil, malformed("unknown attribute %q", a.AttributeName)
		}
		kind := model.SourceKind(a.SourceKind)
		if !kind.Valid() {
			return nil, malformed("attribute %s has invalid source_kind %q", a.AttributeName, a.SourceKind)
		}
		raw := strings.TrimSpace(a.RawText)
		if raw == "" {
			return nil, malformed("attribute %s has no raw_text", a.AttributeName)
		}

		c := model.NewRawFieldCandidate(fmt.Sprintf("%s/x%d", recordID, i), d.Name, raw, kind, recordID, model.OriginExtraction)
		c.ParsedValue = e.parsedFromService(d, a)
		cands = append(cands, c)
	}
	return cands, nil
}

// parsedFromService converts the service's structured value to canonical
// units. It returns nil when the value is missing or its unit is unknown,
// leaving the candidate to local parsing of its raw text.
func (e *Extractor) parsedFromService(d *model.AttributeDescriptor, a extractedAttribute) *model.ParsedValue {
	if d.Kind == model.KindCategorical {
		labels := KnownLabels(d, a.Labels)
		if len(labels) == 0 {
			return nil
		}
		return &model.ParsedValue{Labels: labels}
	}
	lo, hi := a.ValueMin, a.ValueMax
	switch {
	case lo == nil && hi == nil:
		return nil
	case lo == nil:
		lo = hi
	case hi == nil:
		hi = lo
	}
	pv, ok := e.parser.Canonicalize(d, *lo, *hi, a.Unit)
	if !ok {
		return nil
	}
	return pv
}

// onlyCommasDropped reports whether repaired is orig with some commas
// removed, ignoring whitespace. Repairs that add quotes, brackets or values
// are refused.
func onlyCommasDropped(orig, repaired string) bool {
	i, j := 0, 0
	for {
		for i < len(orig) && isJSONSpace(orig[i]) {
			i++
		}
		for j < len(repaired) && isJSONSpace(repaired[j]) {
			j++
		}
		switch {
		case j == len(repaired):
			for ; i < len(orig); i++ {
				if orig[i] != ',' && !isJSONSpace(orig[i]) {
					return false
				}
			}
			return true
		case i == len(orig):
			return false
		case orig[i] == repaired[j]:
			i++
			j++
		case orig[i] == ',':
			i++
		default:
			return false
		}
	}
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// cleanJSON strips markdown fences and any prose around the outermost
// JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// buildExtractionPrompt renders the fixed target schema from the attribute
// table. The output is deterministic for a given table.
func buildExtractionPrompt(table *model.AttributeTable) string {
	var b strings.Builder
	b.WriteString("You extract botanical attributes from a cannabis seed breeder's product listing.\n")
	b.WriteString("Report only values that are written in the listing. Never estimate or infer a value that is not there.\n\n")
	b.WriteString("Attributes:\n")
	for _, d := range table.Attributes() {
		fmt.Fprintf(&b, "- %s (%s", d.Name, d.Kind)
		if d.Unit != "" {
			fmt.Fprintf(&b, ", canonical unit %s", d.Unit)
		}
		b.WriteString(")")
		if d.Description != "" {
			b.WriteString(": " + d.Description)
		}
		if len(d.Vocabulary) > 0 {
			labels := make([]string, 0, len(d.Vocabulary))
			for _, v := range d.Vocabulary {
				labels = append(labels, v.Label)
			}
			b.WriteString(". Labels: " + strings.Join(labels, ", "))
		}
		b.WriteString("\n")
	}

	kinds := make([]string, 0, len(model.SourceKindsByPriority))
	for _, k := range model.SourceKindsByPriority {
		kinds = append(kinds, string(k))
	}
	fmt.Fprintf(&b, "\nsource_kind is one of: %s.\n", strings.Join(kinds, ", "))
	b.WriteString("spec_table: a specification table or labelled spec list. visual_estimate: a value read from an image or chart caption. ")
	b.WriteString("marketing_text: descriptive or promotional prose. other: anything else.\n\n")
	b.WriteString(`Respond with a single JSON object and nothing else:
{"status":"ok","attributes":[{"attribute_name":"height","raw_text":"<verbatim text from the listing>","source_kind":"spec_table","value_min":80,"value_max":120,"unit":"cm","labels":[]}]}
raw_text must be copied verbatim from the listing. Emit one entry per place a value appears.
If you must decline the request, respond {"status":"refused","reason":"<why>","attributes":[]}.`)
	return b.String()
}
