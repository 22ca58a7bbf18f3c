// Package metrics exposes the ledger's Prometheus series.
//
// Series are registered on a private registry rather than the global default
// so an embedding process keeps its own namespace clean.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const namespace = "llm_ledger"

// latencyBuckets span a local SQLite write (sub-ms) up to a slow upstream
// completion.
var latencyBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Registry owns every series the ledger reports. A nil *Registry is not
// valid; callers that run without metrics keep a nil pointer and skip calls.
type Registry struct {
	reg     *prometheus.Registry
	handler fasthttp.RequestHandler

	inFlight    prometheus.Gauge
	httpTotal   *prometheus.CounterVec   // route, code
	httpLatency *prometheus.HistogramVec // route
	httpBody    *prometheus.HistogramVec // route

	upstreamTotal   *prometheus.CounterVec   // provider, outcome
	upstreamLatency *prometheus.HistogramVec // provider, outcome

	lookups      *prometheus.CounterVec   // result
	writes       *prometheus.CounterVec   // kind, result
	writeLatency *prometheus.HistogramVec // kind
	tagBatches   *prometheus.CounterVec   // result
	tokens       *prometheus.CounterVec   // model, direction
	spend        *prometheus.CounterVec   // model

	rateLimited *prometheus.CounterVec // result

	breakerState       *prometheus.GaugeVec   // upstream
	breakerTransitions *prometheus.CounterVec // upstream, to
	breakerRejections  *prometheus.CounterVec // upstream, state

	dependencyUp *prometheus.GaugeVec // dependency
	buildInfo    *prometheus.GaugeVec // version

	mu           sync.Mutex
	breakerSeen  map[string]int64
	exporterOnce sync.Once
}

// New creates a Registry with Go runtime and process collectors attached.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	r := &Registry{
		reg:         reg,
		breakerSeen: make(map[string]int64),

		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "in_flight_requests",
			Help: "API requests currently being served.",
		}),
		httpTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "API requests by route and response code.",
		}, []string{"route", "code"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help: "API request latency.", Buckets: latencyBuckets,
		}, []string{"route"}),
		httpBody: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_body_bytes",
			Help: "API request body size.", Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"route"}),

		upstreamTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "completions_total",
			Help: "Completions forwarded to a provider or fine-tune endpoint.",
		}, []string{"provider", "outcome"}),
		upstreamLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "completion_duration_seconds",
			Help: "Upstream completion latency.", Buckets: latencyBuckets,
		}, []string{"provider", "outcome"}),

		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "lookups_total",
			Help: "check-cache results: hit, miss, bypass, invalid or error.",
		}, []string{"result"}),
		writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "writes_total",
			Help: "Ledger transactions by kind (hit, miss) and result.",
		}, []string{"kind", "result"}),
		writeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "write_duration_seconds",
			Help: "Ledger transaction latency.", Buckets: latencyBuckets,
		}, []string{"kind"}),
		tagBatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "tag_batches_total",
			Help: "Tag batch writes by result.",
		}, []string{"result"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "tokens_total",
			Help: "Tokens accounted on recorded misses.",
		}, []string{"model", "direction"}),
		spend: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "cost_usd_total",
			Help: "Cost accounted on recorded misses.",
		}, []string{"model"}),

		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "decisions_total",
			Help: "Per-project rate limit decisions.",
		}, []string{"result"}),

		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "state",
			Help: "Breaker state per upstream: 0 closed, 1 open, 2 half-open.",
		}, []string{"upstream"}),
		breakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "transitions_total",
			Help: "Breaker state changes by target state.",
		}, []string{"upstream", "to"}),
		breakerRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "rejections_total",
			Help: "Completions refused without contacting the upstream.",
		}, []string{"upstream", "state"}),

		dependencyUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dependency_up",
			Help: "1 when the last probe of a dependency succeeded.",
		}, []string{"dependency"}),
		buildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "build_info",
			Help: "Always 1, labelled with the running version.",
		}, []string{"version"}),
	}

	r.handler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one served API request. A negative bodyBytes skips the
// size histogram.
func (r *Registry) ObserveHTTP(route string, code int, dur time.Duration, bodyBytes int) {
	r.httpTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	r.httpLatency.WithLabelValues(route).Observe(dur.Seconds())
	if bodyBytes >= 0 {
		r.httpBody.WithLabelValues(route).Observe(float64(bodyBytes))
	}
}

func (r *Registry) ObserveUpstream(provider, outcome string, dur time.Duration) {
	r.upstreamTotal.WithLabelValues(provider, outcome).Inc()
	r.upstreamLatency.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordCacheLookup(result string) {
	r.lookups.WithLabelValues(result).Inc()
}

// ObserveLedgerWrite records one hit or miss transaction.
func (r *Registry) ObserveLedgerWrite(kind string, err error, dur time.Duration) {
	r.writes.WithLabelValues(kind, result(err)).Inc()
	r.writeLatency.WithLabelValues(kind).Observe(dur.Seconds())
}

func (r *Registry) RecordTagWrite(err error) {
	r.tagBatches.WithLabelValues(result(err)).Inc()
}

// AddUsage adds the accounted usage of one miss. Zero values leave the
// series untouched.
func (r *Registry) AddUsage(model string, inputTokens, outputTokens int, cost decimal.Decimal) {
	if inputTokens > 0 {
		r.tokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
	if cost.IsPositive() {
		r.spend.WithLabelValues(model).Add(cost.InexactFloat64())
	}
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimited.WithLabelValues(result).Inc()
}

func (r *Registry) SetDependencyHealth(dependency string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	r.dependencyUp.WithLabelValues(dependency).Set(v)
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker publishes the state of upstream's breaker. A transition
// is counted only when the state differs from the last one published.
func (r *Registry) SetCircuitBreaker(upstream string, state int64) {
	r.breakerState.WithLabelValues(upstream).Set(float64(state))

	r.mu.Lock()
	prev, seen := r.breakerSeen[upstream]
	r.breakerSeen[upstream] = state
	r.mu.Unlock()

	if !seen || prev != state {
		r.breakerTransitions.WithLabelValues(upstream, strconv.FormatInt(state, 10)).Inc()
	}
}

func (r *Registry) RecordCircuitBreakerRejection(upstream, state string) {
	r.breakerRejections.WithLabelValues(upstream, state).Inc()
}

// WatchExporter publishes the call-event exporter's loss counters. Only the
// first call registers; later calls are ignored.
func (r *Registry) WatchExporter(dropped, failed func() int64) {
	r.exporterOnce.Do(func() {
		f := promauto.With(r.reg)
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "dropped_total",
			Help: "Call events discarded because the export buffer was full.",
		}, func() float64 { return float64(dropped()) })
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "failed_total",
			Help: "Call events lost to analytics sink errors.",
		}, func() float64 { return float64(failed()) })
	})
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() fasthttp.RequestHandler { return r.handler }

// Gatherer exposes the registry for tests and embedding.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
