package proxy

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-ledger/internal/auth"
	"github.com/nulpointcorp/llm-ledger/pkg/apierr"
)

// Request user-value keys.
const (
	requestIDKey = "request_id"
	projectIDKey = "project_id"
)

type middleware = func(fasthttp.RequestHandler) fasthttp.RequestHandler

// maxRequestIDLen bounds a client-supplied X-Request-ID; longer or
// non-printable values are replaced.
const maxRequestIDLen = 128

// recoverPanics turns a handler panic into a 500 response.
func (g *Gateway) recoverPanics(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			g.log.Error("handler_panic",
				slog.Any("panic", p),
				slog.String("method", string(ctx.Method())),
				slog.String("path", string(ctx.Path())),
				slog.String("request_id", requestIDOf(ctx)),
			)
			ctx.ResetBody()
			apierr.Write(ctx, apierr.New(apierr.CodeInternal, apierr.KindInternal, "internal server error"))
		}()
		next(ctx)
	}
}

// requestID propagates X-Request-ID, minting a UUID when the client sent none
// or sent one that is unsafe to echo and log.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		ctx.SetUserValue(requestIDKey, id)
		ctx.Response.Header.Set("X-Request-ID", id)
		next(ctx)
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// timing reports handler time in X-Response-Time.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders marks every response as a non-renderable API response.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
	}
}

// corsHandler allows browser clients from origins. An empty list or a "*"
// entry allows any origin; otherwise the request Origin is echoed only when
// listed. Preflights stop here with 204.
func corsHandler(origins []string) middleware {
	anyOrigin := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o == "*" {
			anyOrigin = true
		}
		allowed[o] = struct{}{}
	}

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			origin := string(ctx.Request.Header.Peek("Origin"))
			switch {
			case anyOrigin:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "":
				h.Add("Vary", "Origin")
				if _, ok := allowed[origin]; ok {
					h.Set("Access-Control-Allow-Origin", origin)
				}
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			h.Set("Access-Control-Expose-Headers", "X-Cache, X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After")

			if ctx.IsOptions() {
				h.Set("Access-Control-Max-Age", "600")
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h so that mws[0] runs first.
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// instrument records in-flight and per-route HTTP metrics.
func (g *Gateway) instrument(route string) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if g.metrics == nil {
				next(ctx)
				return
			}
			start := time.Now()
			g.metrics.IncInFlight()
			defer func() {
				g.metrics.DecInFlight()
				g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), len(ctx.PostBody()))
			}()
			next(ctx)
		}
	}
}

// authenticate resolves the bearer key to a project and stores its ID for
// downstream handlers.
func (g *Gateway) authenticate(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		project, err := g.auth.Authenticate(ctx, string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)))
		switch {
		case errors.Is(err, auth.ErrMissingKey):
			apierr.Write(ctx, apierr.New(apierr.CodeUnauthorized, apierr.KindInvalidAPIKey, "Missing API key"))
			return
		case errors.Is(err, auth.ErrInvalidKey):
			apierr.Write(ctx, apierr.New(apierr.CodeUnauthorized, apierr.KindInvalidAPIKey, "Invalid API key"))
			return
		case err != nil:
			g.log.ErrorContext(ctx, "auth_lookup_failed",
				slog.String("request_id", requestIDOf(ctx)),
				slog.String("error", err.Error()),
			)
			apierr.WriteErr(ctx, err)
			return
		}
		ctx.SetUserValue(projectIDKey, project)
		next(ctx)
	}
}

// rateLimit enforces the per-project RPM budget. Limiter errors let the
// request through.
func (g *Gateway) rateLimit(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if g.rpmLimiter == nil {
			next(ctx)
			return
		}

		d, err := g.rpmLimiter.Allow(ctx, projectID(ctx))
		result := "allowed"
		switch {
		case err != nil:
			result = "error"
			g.log.WarnContext(ctx, "rate_limit_check_failed",
				slog.String("request_id", requestIDOf(ctx)),
				slog.String("error", err.Error()),
			)
		case !d.Allowed:
			result = "blocked"
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit(result)
		}

		ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if result == "blocked" {
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", requestIDOf(ctx)),
				slog.String("project_id", projectID(ctx)),
				slog.Duration("retry_after", d.RetryAfter),
			)
			apierr.WriteRateLimit(ctx, d.RetryAfter)
			return
		}
		next(ctx)
	}
}
