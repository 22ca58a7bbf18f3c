package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// APIPrefix is the mount point of the authenticated API.
const APIPrefix = "/api/v1"

// Route labels used for metrics.
const (
	routeCheckCache  = "check_cache"
	routeCompletions = "chat_completions"
	routeReport      = "report"
	routeLatestCall  = "latest_call"
)

// Handler builds the full HTTP handler: API routes, probes, and /metrics when
// metrics are enabled.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	api := r.Group(APIPrefix)
	api.POST("/check-cache", g.apiRoute(routeCheckCache, g.handleCheckCache))
	api.POST("/chat/completions", g.apiRoute(routeCompletions, g.handleChatCompletions))
	api.POST("/report", g.apiRoute(routeReport, g.handleReport))
	api.GET("/local-testing-only-get-latest-logged-call", g.apiRoute(routeLatestCall, g.handleLatestCall))

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		requestID,
		g.recoverPanics,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// apiRoute wraps an API handler with instrumentation, authentication and
// rate limiting, in that order.
func (g *Gateway) apiRoute(name string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return applyMiddleware(h,
		g.instrument(name),
		g.authenticate,
		g.rateLimit,
	)
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Start(ctx context.Context, addr string) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 130 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.ShutdownWithContext(shutdownCtx)
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := g.health.Snapshot()
	snap.Version = g.version
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
