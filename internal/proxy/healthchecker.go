package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-ledger/internal/metrics"
	"github.com/nulpointcorp/llm-ledger/internal/providers"
)

const (
	defaultProbeInterval = 30 * time.Second
	probeTimeout         = 5 * time.Second
)

// Status is the last observed state of one dependency.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
	StatusDisabled Status = "disabled"
)

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// HealthDeps are the non-provider dependencies probed in the background.
// Only the ledger database gates readiness; a nil probe reports "disabled".
type HealthDeps struct {
	Database  Probe
	Redis     Probe
	Analytics Probe

	// Interval between probe rounds. Zero means 30s.
	Interval time.Duration
}

// check is one probed dependency and its latest result.
type check struct {
	name     string
	probe    Probe
	required bool

	mu     sync.RWMutex
	status Status
}

func (c *check) set(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *check) get() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status == "" {
		return StatusUnknown
	}
	return c.status
}

// run probes once. A failing required dependency is down, anything else is
// only degraded.
func (c *check) run(ctx context.Context) (ok, probed bool) {
	if c.probe == nil {
		c.set(StatusDisabled)
		return false, false
	}
	if err := c.probe(ctx); err != nil {
		if c.required {
			c.set(StatusDown)
		} else {
			c.set(StatusDegraded)
		}
		return false, true
	}
	c.set(StatusOK)
	return true, true
}

// HealthChecker probes the ledger's dependencies on an interval and serves
// the latest results to /health and /ready.
type HealthChecker struct {
	baseCtx context.Context
	metrics *metrics.Registry

	database  *check
	redis     *check
	analytics *check
	upstreams map[string]*check

	startedAt time.Time
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker runs one probe round synchronously, then keeps probing in
// the background until Close.
func NewHealthChecker(
	ctx context.Context,
	provs map[string]providers.Provider,
	deps HealthDeps,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("proxy: health checker needs a context")
	}

	hc := &HealthChecker{
		baseCtx:   ctx,
		metrics:   met,
		database:  &check{name: "database", probe: deps.Database, required: true},
		redis:     &check{name: "redis", probe: deps.Redis},
		analytics: &check{name: "analytics", probe: deps.Analytics},
		upstreams: make(map[string]*check, len(provs)),
		startedAt: time.Now(),
		stop:      make(chan struct{}),
	}
	for name, p := range provs {
		hc.upstreams[name] = &check{name: "provider:" + name, probe: p.HealthCheck}
	}

	interval := deps.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}

	hc.probeAll()

	hc.wg.Add(1)
	go hc.loop(interval)

	return hc
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status        Status            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Database      Status            `json:"database"`
	Redis         Status            `json:"redis"`
	Analytics     Status            `json:"analytics"`
	Providers     map[string]Status `json:"providers"`
	Version       string            `json:"version,omitempty"`
}

// Snapshot reports the latest results. The overall status is ok only when
// every configured dependency is ok.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	snap := HealthSnapshot{
		Status:        StatusOK,
		UptimeSeconds: int64(time.Since(hc.startedAt).Seconds()),
		Database:      hc.database.get(),
		Redis:         hc.redis.get(),
		Analytics:     hc.analytics.get(),
		Providers:     make(map[string]Status, len(hc.upstreams)),
	}
	for name, c := range hc.upstreams {
		snap.Providers[name] = c.get()
	}

	all := []Status{snap.Database, snap.Redis, snap.Analytics}
	for _, s := range snap.Providers {
		all = append(all, s)
	}
	for _, s := range all {
		if s != StatusOK && s != StatusDisabled {
			snap.Status = StatusDegraded
			break
		}
	}
	return snap
}

// ReadinessOK reports whether calls can be recorded, i.e. the ledger
// database answered its last probe.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.database.get() == StatusOK
}

// Close stops background probing and waits for the loop to exit.
func (hc *HealthChecker) Close() {
	close(hc.stop)
	hc.wg.Wait()
}

func (hc *HealthChecker) loop(interval time.Duration) {
	defer hc.wg.Done()

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-hc.stop:
			return
		case <-t.C:
			hc.probeAll()
		}
	}
}

// probeAll runs every check concurrently under one shared deadline.
func (hc *HealthChecker) probeAll() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, probeTimeout)
	defer cancel()

	checks := []*check{hc.database, hc.redis, hc.analytics}
	for _, c := range hc.upstreams {
		checks = append(checks, c)
	}

	var wg sync.WaitGroup
	for _, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, probed := c.run(ctx)
			if probed && hc.metrics != nil {
				hc.metrics.SetDependencyHealth(c.name, ok)
			}
		}()
	}
	wg.Wait()
}
