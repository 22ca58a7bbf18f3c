// Package ledger records every gateway call, hit or miss, together with its
// response, usage and tags.
//
// A miss is recorded as one transaction: the call row (without a response
// reference), the response row pointing back at the call, then the link from
// the call to the response. A hit adds a single call row referencing the
// response of an earlier call. Tags are written after either commits and
// never roll the call back.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nulpointcorp/llm-ledger/internal/cache"
	"github.com/nulpointcorp/llm-ledger/internal/fingerprint"
	"github.com/nulpointcorp/llm-ledger/internal/logger"
	"github.com/nulpointcorp/llm-ledger/internal/metrics"
	"github.com/nulpointcorp/llm-ledger/internal/request"
	"github.com/nulpointcorp/llm-ledger/internal/storage"
	"github.com/nulpointcorp/llm-ledger/internal/telemetry"
	"github.com/nulpointcorp/llm-ledger/internal/usage"
)

// ErrLedgerWrite is returned when the call could not be recorded. Nothing of
// the call is visible in the store when it is returned.
var ErrLedgerWrite = errors.New("ledger: write failed")

// TagWriteError reports that the call was recorded but its tags were not.
type TagWriteError struct {
	CallID string
	Err    error
}

func (e *TagWriteError) Error() string {
	return fmt.Sprintf("ledger: tags of call %s not written: %v", e.CallID, e.Err)
}

func (e *TagWriteError) Unwrap() error { return e.Err }

// SanitizeTagName replaces every character outside [A-Za-z0-9_$.] with '_'.
// Characters are counted in UTF-16 code units, so a rune outside the Basic
// Multilingual Plane becomes "__", matching what UTF-16 clients compute.
func SanitizeTagName(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '$', r == '.':
			sb.WriteRune(r)
		case r > 0xFFFF:
			sb.WriteString("__")
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

type (
	// CheckCacheInput is the body of a check-cache call.
	CheckCacheInput struct {
		RequestedAt time.Time
		ReqPayload  json.RawMessage
		Tags        map[string]string
	}

	// CheckCacheResult carries the stored response on a hit. On a miss Hit is
	// false and nothing was written.
	CheckCacheResult struct {
		Hit         bool
		CallID      string
		ResponseID  string
		RespPayload json.RawMessage
	}

	// ReportInput is the body of a report call.
	ReportInput struct {
		RequestedAt  time.Time
		ReceivedAt   time.Time
		ReqPayload   json.RawMessage
		RespPayload  json.RawMessage
		StatusCode   *int
		ErrorMessage *string
		Tags         map[string]string
	}

	// ReportResult describes the recorded call.
	ReportResult struct {
		CallID     string
		ResponseID string
		CacheKey   *string
		Usage      *usage.Usage
	}
)

// Config wires a Ledger. Store and Accountant are required.
type Config struct {
	Store      storage.Store
	Cache      cache.Store
	Accountant *usage.Accountant
	Exclusions *cache.ExclusionList
	Metrics    *metrics.Registry
	Events     *logger.Exporter
	Logger     *slog.Logger

	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

// Ledger implements the check-cache and report operations.
type Ledger struct {
	store      storage.Store
	cache      cache.Store
	accountant *usage.Accountant
	exclusions *cache.ExclusionList
	metrics    *metrics.Registry
	events     *logger.Exporter
	log        *slog.Logger
	now        func() time.Time
	newID      func() string
}

func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, errors.New("ledger: store is required")
	}
	if cfg.Accountant == nil {
		return nil, errors.New("ledger: accountant is required")
	}
	l := &Ledger{
		store:      cfg.Store,
		cache:      cfg.Cache,
		accountant: cfg.Accountant,
		exclusions: cfg.Exclusions,
		metrics:    cfg.Metrics,
		events:     cfg.Events,
		log:        cfg.Logger,
		now:        cfg.Now,
		newID:      cfg.NewID,
	}
	if l.cache == nil {
		l.cache = cache.NewLedgerStore(cfg.Store, 0)
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.newID == nil {
		l.newID = uuid.NewString
	}
	return l, nil
}

// CheckCache answers with the newest stored response for the request's
// fingerprint. A hit is recorded as a new call referencing that response;
// a miss writes nothing. Invalid and excluded requests are misses.
//
// On a hit whose tags could not be written the result is returned together
// with a *TagWriteError.
func (l *Ledger) CheckCache(ctx context.Context, tenant string, in CheckCacheInput) (*CheckCacheResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ledger.check_cache")
	defer span.End()
	span.SetAttributes(attribute.String("ledger.project_id", tenant))

	req := request.ParseRequest(in.ReqPayload)
	if !req.OK() {
		l.countLookup("invalid")
		span.SetAttributes(attribute.String("ledger.lookup", "invalid"))
		return &CheckCacheResult{}, nil
	}
	if l.exclusions.Matches(req.Request.Model) {
		l.countLookup("bypass")
		span.SetAttributes(attribute.String("ledger.lookup", "bypass"))
		return &CheckCacheResult{}, nil
	}

	key := fingerprint.Key(tenant, req.Request)
	resp, err := l.cache.Lookup(ctx, key)
	if err != nil {
		// A failed read is served as a miss; the client reports the call it
		// makes upstream.
		l.countLookup("error")
		l.log.WarnContext(ctx, "cache_lookup_failed",
			slog.String("project_id", tenant),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		return &CheckCacheResult{}, nil
	}
	if resp == nil {
		l.countLookup("miss")
		span.SetAttributes(attribute.String("ledger.lookup", "miss"))
		return &CheckCacheResult{}, nil
	}

	model := req.Request.Model
	call := storage.LoggedCall{
		ID:              l.newID(),
		ProjectID:       tenant,
		RequestedAt:     in.RequestedAt,
		CacheHit:        true,
		Model:           &model,
		ModelResponseID: &resp.ID,
		CreatedAt:       l.now(),
	}

	start := time.Now()
	err = l.store.RecordHit(ctx, call)
	l.observeWrite("hit", err, time.Since(start))
	if err != nil {
		l.log.ErrorContext(ctx, "ledger_write_failed",
			slog.String("kind", "hit"),
			slog.String("project_id", tenant),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger write failed")
		return nil, fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}

	l.countLookup("hit")
	span.SetAttributes(
		attribute.String("ledger.lookup", "hit"),
		attribute.String("ledger.call_id", call.ID),
	)
	l.log.DebugContext(ctx, "cache_hit",
		slog.String("project_id", tenant),
		slog.String("call_id", call.ID),
		slog.String("response_id", resp.ID),
	)

	l.emit(call, resp, len(in.Tags))

	result := &CheckCacheResult{
		Hit:         true,
		CallID:      call.ID,
		ResponseID:  resp.ID,
		RespPayload: resp.RespPayload,
	}
	if err := l.createTags(ctx, tenant, call.ID, in.Tags); err != nil {
		span.RecordError(err)
		return result, err
	}
	return result, nil
}

// Report records a call made by the client, valid or not. The call and its
// response are written atomically; a failure returns ErrLedgerWrite and
// leaves nothing behind. A tag failure after commit returns the result with
// a *TagWriteError.
func (l *Ledger) Report(ctx context.Context, tenant string, in ReportInput) (*ReportResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ledger.report")
	defer span.End()
	span.SetAttributes(attribute.String("ledger.project_id", tenant))

	req := request.ParseRequest(in.ReqPayload)
	resp := request.ParseResponse(in.RespPayload)

	var (
		model    *string
		cacheKey *string
		use      *usage.Usage
	)
	if req.OK() {
		m := req.Request.Model
		model = &m
		span.SetAttributes(attribute.String("ledger.model", m))

		meta, err := l.modelMeta(ctx, tenant, m)
		if err != nil {
			// Usage stays empty; the call itself must still be recorded.
			l.log.WarnContext(ctx, "fine_tune_lookup_failed",
				slog.String("project_id", tenant),
				slog.String("model", m),
				slog.String("error", err.Error()),
			)
		} else if meta != nil {
			use = l.accountant.Compute(req, resp, *meta)
		}

		if resp.OK() {
			k := fingerprint.Key(tenant, req.Request)
			cacheKey = &k
		}
	}

	now := l.now()
	call := storage.LoggedCall{
		ID:          l.newID(),
		ProjectID:   tenant,
		RequestedAt: in.RequestedAt,
		Model:       model,
		CreatedAt:   now,
	}
	row := storage.ModelResponse{
		ID:                   l.newID(),
		OriginalLoggedCallID: call.ID,
		RequestedAt:          in.RequestedAt,
		ReceivedAt:           in.ReceivedAt,
		DurationMs:           in.ReceivedAt.Sub(in.RequestedAt).Milliseconds(),
		ReqPayload:           in.ReqPayload,
		RespPayload:          in.RespPayload,
		StatusCode:           in.StatusCode,
		ErrorMessage:         in.ErrorMessage,
		CacheKey:             cacheKey,
		CreatedAt:            now,
	}
	if use != nil {
		n := use.InputTokens
		row.InputTokens = &n
		row.OutputTokens = use.OutputTokens
		row.Cost = use.Cost
	}
	if len(row.ReqPayload) == 0 {
		row.ReqPayload = json.RawMessage("null")
	}

	start := time.Now()
	err := l.store.RecordMiss(ctx, call, row)
	l.observeWrite("miss", err, time.Since(start))
	if err != nil {
		l.log.ErrorContext(ctx, "ledger_write_failed",
			slog.String("kind", "miss"),
			slog.String("project_id", tenant),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger write failed")
		return nil, fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	span.SetAttributes(
		attribute.String("ledger.call_id", call.ID),
		attribute.Bool("ledger.cacheable", cacheKey != nil),
	)

	l.emit(call, &row, len(in.Tags))

	result := &ReportResult{
		CallID:     call.ID,
		ResponseID: row.ID,
		CacheKey:   cacheKey,
		Usage:      use,
	}
	if err := l.createTags(ctx, tenant, call.ID, in.Tags); err != nil {
		span.RecordError(err)
		return result, err
	}
	return result, nil
}

// LatestCall returns the newest call of tenant, or storage.ErrNotFound.
func (l *Ledger) LatestCall(ctx context.Context, tenant string) (*storage.CallDetail, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ledger.latest_call")
	defer span.End()
	return l.store.LatestCall(ctx, tenant)
}

// modelMeta returns the accounting metadata of model, or nil when the model
// is a fine-tune this tenant cannot be billed for.
func (l *Ledger) modelMeta(ctx context.Context, tenant, model string) (*usage.ModelMeta, error) {
	slug, ok := request.FineTuneSlug(model)
	if !ok {
		return &usage.ModelMeta{Kind: usage.ThirdParty}, nil
	}
	ft, err := l.store.FineTuneBySlug(ctx, slug)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ft.ProjectID != tenant {
		return nil, nil
	}
	return &usage.ModelMeta{
		Kind:         usage.SelfHosted,
		BaseModel:    ft.BaseModel,
		PruningRules: ft.PruningRules,
	}, nil
}

func (l *Ledger) createTags(ctx context.Context, tenant, callID string, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}

	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]storage.Tag, 0, len(names))
	for _, name := range names {
		rows = append(rows, storage.Tag{
			ID:           l.newID(),
			ProjectID:    tenant,
			LoggedCallID: callID,
			Name:         SanitizeTagName(name),
			Value:        tags[name],
		})
	}

	err := l.store.CreateTags(ctx, rows)
	if l.metrics != nil {
		l.metrics.RecordTagWrite(err)
	}
	if err != nil {
		l.log.ErrorContext(ctx, "tag_write_failed",
			slog.String("project_id", tenant),
			slog.String("call_id", callID),
			slog.Int("tags", len(rows)),
			slog.String("error", err.Error()),
		)
		return &TagWriteError{CallID: callID, Err: err}
	}
	return nil
}

func (l *Ledger) emit(call storage.LoggedCall, resp *storage.ModelResponse, tags int) {
	ev := logger.CallEvent{
		CallID:      call.ID,
		ResponseID:  resp.ID,
		ProjectID:   call.ProjectID,
		CacheHit:    call.CacheHit,
		DurationMs:  resp.DurationMs,
		Tags:        tags,
		RequestedAt: call.RequestedAt,
	}
	if call.Model != nil {
		ev.Model = *call.Model
	}
	if resp.StatusCode != nil {
		ev.StatusCode = *resp.StatusCode
	}
	if resp.InputTokens != nil {
		ev.InputTokens = *resp.InputTokens
	}
	if resp.OutputTokens != nil {
		ev.OutputTokens = *resp.OutputTokens
	}
	if resp.Cost != nil {
		ev.Cost = *resp.Cost
	}

	// Hits replay an earlier response; only misses add spend.
	if l.metrics != nil && !call.CacheHit {
		l.metrics.AddUsage(ev.Model, ev.InputTokens, ev.OutputTokens, ev.Cost)
	}
	if l.events != nil {
		l.events.Export(ev)
	}
}

func (l *Ledger) countLookup(result string) {
	if l.metrics != nil {
		l.metrics.RecordCacheLookup(result)
	}
}

func (l *Ledger) observeWrite(kind string, err error, dur time.Duration) {
	if l.metrics != nil {
		l.metrics.ObserveLedgerWrite(kind, err, dur)
	}
}
