// Package proxy serves the gateway API: cache lookups and call reports that
// go to the call ledger, and chat completions forwarded to an upstream model.
//
// Every /api/v1 route is authenticated with a project API key; the project
// resolved from the key is the tenant all ledger reads and writes are scoped
// to.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-ledger/internal/auth"
	"github.com/nulpointcorp/llm-ledger/internal/ledger"
	"github.com/nulpointcorp/llm-ledger/internal/metrics"
	"github.com/nulpointcorp/llm-ledger/internal/providers"
	"github.com/nulpointcorp/llm-ledger/internal/providers/finetune"
	"github.com/nulpointcorp/llm-ledger/internal/ratelimit"
	"github.com/nulpointcorp/llm-ledger/internal/storage"
	"github.com/nulpointcorp/llm-ledger/pkg/apierr"
)

// EnvProduction disables the diagnostic endpoint.
const EnvProduction = "production"

// Options holds optional dependencies and tuning of a Gateway.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection when non-nil.
	Metrics *metrics.Registry

	// Environment is the deployment environment, e.g. "production".
	Environment string

	// CBConfig configures the per-upstream circuit breaker thresholds.
	CBConfig CBConfig

	// CORSOrigins lists allowed origins; empty or ["*"] allows any.
	CORSOrigins []string

	// RPMLimiter enables per-project rate limiting when non-nil.
	RPMLimiter *ratelimit.RPMLimiter

	// FineTunes serves self-hosted fine-tunes. Defaults to a pool without
	// an API key.
	FineTunes *finetune.Pool

	// Health adds dependency probes to /health and /readiness.
	Health HealthDeps

	// Version is reported by /health.
	Version string
}

// Gateway wires the HTTP API to the ledger and upstream providers.
type Gateway struct {
	ledger    *ledger.Ledger
	store     storage.Store
	auth      *auth.Authenticator
	providers map[string]providers.Provider
	fineTunes *finetune.Pool

	cb      *CircuitBreaker
	health  *HealthChecker
	log     *slog.Logger
	metrics *metrics.Registry

	rpmLimiter  *ratelimit.RPMLimiter
	environment string
	corsOrigins []string
	version     string
}

// New creates a Gateway. baseCtx bounds the background health probes.
func New(
	baseCtx context.Context,
	l *ledger.Ledger,
	store storage.Store,
	provs map[string]providers.Provider,
	opts Options,
) (*Gateway, error) {
	if baseCtx == nil {
		return nil, errors.New("gateway: context must not be nil")
	}
	if l == nil || store == nil {
		return nil, errors.New("gateway: ledger and store are required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	pool := opts.FineTunes
	if pool == nil {
		pool = finetune.NewPool("", 0)
	}
	if provs == nil {
		provs = map[string]providers.Provider{}
	}

	g := &Gateway{
		ledger:      l,
		store:       store,
		auth:        auth.NewAuthenticator(store),
		providers:   provs,
		fineTunes:   pool,
		cb:          NewCircuitBreakerWithConfig(opts.CBConfig),
		log:         log,
		metrics:     opts.Metrics,
		rpmLimiter:  opts.RPMLimiter,
		environment: opts.Environment,
		corsOrigins: opts.CORSOrigins,
		version:     opts.Version,
	}

	if g.metrics != nil {
		g.cb.onChange = func(upstream string, state cbState) {
			g.metrics.SetCircuitBreaker(upstream, int64(state))
		}
		for name := range provs {
			g.metrics.SetCircuitBreaker(name, int64(cbClosed))
		}
	}

	health := opts.Health
	if health.Database == nil {
		health.Database = store.Ping
	}
	g.health = NewHealthChecker(baseCtx, provs, health, g.metrics)

	return g, nil
}

// Close stops background probes.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// ── Wire types ────────────────────────────────────────────────────────────────

type (
	checkCacheBody struct {
		RequestedAt *float64          `json:"requestedAt"`
		ReqPayload  json.RawMessage   `json:"reqPayload"`
		Tags        map[string]string `json:"tags"`
	}

	checkCacheResponse struct {
		RespPayload json.RawMessage `json:"respPayload"`
		Error       *apierr.Error   `json:"error,omitempty"`
	}

	reportBody struct {
		RequestedAt  *float64          `json:"requestedAt"`
		ReceivedAt   *float64          `json:"receivedAt"`
		ReqPayload   json.RawMessage   `json:"reqPayload"`
		RespPayload  json.RawMessage   `json:"respPayload"`
		StatusCode   *int              `json:"statusCode"`
		ErrorMessage *string           `json:"errorMessage"`
		Tags         map[string]string `json:"tags"`
	}

	statusResponse struct {
		Status string        `json:"status"`
		Error  *apierr.Error `json:"error,omitempty"`
	}

	latestCallResponse struct {
		ID            string                 `json:"id"`
		CreatedAt     time.Time              `json:"createdAt"`
		CacheHit      bool                   `json:"cacheHit"`
		Tags          map[string]string      `json:"tags"`
		ModelResponse *latestResponsePayload `json:"modelResponse"`
	}

	latestResponsePayload struct {
		ID           string          `json:"id"`
		StatusCode   *int            `json:"statusCode"`
		ErrorMessage *string         `json:"errorMessage"`
		ReqPayload   json.RawMessage `json:"reqPayload"`
		RespPayload  json.RawMessage `json:"respPayload"`
	}
)

// ── check-cache ───────────────────────────────────────────────────────────────

func (g *Gateway) handleCheckCache(ctx *fasthttp.RequestCtx) {
	var body checkCacheBody
	if e := decodeBody(ctx.PostBody(), &body); e != nil {
		apierr.Write(ctx, e)
		return
	}
	if body.RequestedAt == nil {
		apierr.Write(ctx, invalidInput("requestedAt: Required"))
		return
	}

	requestedAt, e := epochMillis("requestedAt", *body.RequestedAt)
	if e != nil {
		apierr.Write(ctx, e)
		return
	}

	tenant := projectID(ctx)
	res, err := g.ledger.CheckCache(ctx, tenant, ledger.CheckCacheInput{
		RequestedAt: requestedAt,
		ReqPayload:  body.ReqPayload,
		Tags:        body.Tags,
	})

	var tagErr *ledger.TagWriteError
	switch {
	case errors.As(err, &tagErr):
		ctx.Response.Header.Set("X-Cache", "HIT")
		writeJSON(ctx, checkCacheResponse{
			RespPayload: res.RespPayload,
			Error:       apierr.New(apierr.CodeInternal, apierr.KindTagWrite, "the call was recorded but its tags were not"),
		})
	case errors.Is(err, ledger.ErrLedgerWrite):
		apierr.Write(ctx, apierr.New(apierr.CodeInternal, apierr.KindLedgerWrite, "failed to record the call"))
	case err != nil:
		g.log.ErrorContext(ctx, "check_cache_failed",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("error", err.Error()),
		)
		apierr.WriteErr(ctx, err)
	default:
		var payload json.RawMessage
		if res.Hit {
			payload = res.RespPayload
			ctx.Response.Header.Set("X-Cache", "HIT")
		} else {
			ctx.Response.Header.Set("X-Cache", "MISS")
		}
		writeJSON(ctx, checkCacheResponse{RespPayload: payload})
	}
}

// ── report ────────────────────────────────────────────────────────────────────

func (g *Gateway) handleReport(ctx *fasthttp.RequestCtx) {
	var body reportBody
	if e := decodeBody(ctx.PostBody(), &body); e != nil {
		apierr.Write(ctx, e)
		return
	}
	if body.RequestedAt == nil {
		apierr.Write(ctx, invalidInput("requestedAt: Required"))
		return
	}
	if body.ReceivedAt == nil {
		apierr.Write(ctx, invalidInput("receivedAt: Required"))
		return
	}

	requestedAt, e := epochMillis("requestedAt", *body.RequestedAt)
	if e != nil {
		apierr.Write(ctx, e)
		return
	}
	receivedAt, e := epochMillis("receivedAt", *body.ReceivedAt)
	if e != nil {
		apierr.Write(ctx, e)
		return
	}

	tenant := projectID(ctx)
	res, err := g.ledger.Report(ctx, tenant, ledger.ReportInput{
		RequestedAt:  requestedAt,
		ReceivedAt:   receivedAt,
		ReqPayload:   body.ReqPayload,
		RespPayload:  body.RespPayload,
		StatusCode:   body.StatusCode,
		ErrorMessage: body.ErrorMessage,
		Tags:         body.Tags,
	})

	var tagErr *ledger.TagWriteError
	switch {
	case errors.As(err, &tagErr):
		writeJSON(ctx, statusResponse{
			Status: "error",
			Error:  apierr.New(apierr.CodeInternal, apierr.KindTagWrite, "the call was recorded but its tags were not"),
		})
	case err != nil:
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		writeJSON(ctx, statusResponse{
			Status: "error",
			Error:  apierr.New(apierr.CodeInternal, apierr.KindLedgerWrite, "failed to record the call"),
		})
	default:
		g.log.DebugContext(ctx, "call_reported",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("project_id", tenant),
			slog.String("call_id", res.CallID),
			slog.Bool("cacheable", res.CacheKey != nil),
		)
		writeJSON(ctx, statusResponse{Status: "ok"})
	}
}

// ── local-testing-only-get-latest-logged-call ─────────────────────────────────

func (g *Gateway) handleLatestCall(ctx *fasthttp.RequestCtx) {
	if g.environment == EnvProduction {
		apierr.Write(ctx, apierr.New(apierr.CodeForbidden, apierr.KindProduction,
			"This operation is not allowed in production environment"))
		return
	}

	detail, err := g.ledger.LatestCall(ctx, projectID(ctx))
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(ctx, nil)
		return
	}
	if err != nil {
		g.log.ErrorContext(ctx, "latest_call_failed",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("error", err.Error()),
		)
		apierr.WriteErr(ctx, err)
		return
	}

	out := latestCallResponse{
		ID:        detail.Call.ID,
		CreatedAt: detail.Call.CreatedAt,
		CacheHit:  detail.Call.CacheHit,
		Tags:      make(map[string]string, len(detail.Tags)),
	}
	for _, t := range detail.Tags {
		out.Tags[t.Name] = t.Value
	}
	if r := detail.Response; r != nil {
		out.ModelResponse = &latestResponsePayload{
			ID:           r.ID,
			StatusCode:   r.StatusCode,
			ErrorMessage: r.ErrorMessage,
			ReqPayload:   r.ReqPayload,
			RespPayload:  r.RespPayload,
		}
	}
	writeJSON(ctx, out)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func decodeBody(raw []byte, v any) *apierr.Error {
	if len(raw) == 0 {
		return invalidInput("request body is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidInput(fmt.Sprintf("invalid request body: %s", err.Error()))
	}
	return nil
}

func invalidInput(msg string) *apierr.Error {
	return apierr.New(apierr.CodeBadRequest, apierr.KindInvalidPayload, msg)
}

// Timestamps outside years 0001..9999 are rejected; they cannot be encoded
// back as JSON times.
const (
	minEpochMillis = -62135596800000 // 0001-01-01T00:00:00Z
	maxEpochMillis = 253402300799999 // 9999-12-31T23:59:59.999Z
)

// epochMillis converts field, a Unix timestamp in milliseconds, possibly
// fractional.
func epochMillis(field string, ms float64) (time.Time, *apierr.Error) {
	if !(ms >= minEpochMillis && ms <= maxEpochMillis) {
		return time.Time{}, invalidInput(field + ": timestamp out of range")
	}
	return time.UnixMicro(int64(ms * 1000)), nil
}

func projectID(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(projectIDKey).(string)
	return id
}

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(requestIDKey).(string)
	return id
}
