package proxy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-ledger/internal/providers"
)

// cbState is the state of one upstream's breaker.
//
//	cbClosed    calls pass
//	cbOpen      calls fail fast until the half-open timeout elapses
//	cbHalfOpen  a single probe call is in flight
type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

func (s cbState) String() string {
	switch s {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// maxIdleBreakers bounds how many closed breakers are kept. Fine-tune
// endpoints are discovered per request, so the set of upstreams is open.
const maxIdleBreakers = 1024

// CBConfig tunes the breakers. Zero fields use the providers defaults.
type CBConfig struct {
	// ErrorThreshold failures within TimeWindow open the breaker.
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

func (c CBConfig) withDefaults() CBConfig {
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = providers.CBErrorThreshold
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = providers.CBTimeWindow
	}
	if c.HalfOpenTimeout <= 0 {
		c.HalfOpenTimeout = providers.CBHalfOpenTimeout
	}
	return c
}

type breaker struct {
	state       cbState
	failures    int
	windowStart time.Time
	openedAt    time.Time
	probing     bool
	lastUsed    time.Time
}

// CircuitBreaker keeps one breaker per upstream name: a provider name or a
// fine-tune inference endpoint. Safe for concurrent use.
type CircuitBreaker struct {
	cfg CBConfig
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker

	// onChange runs after every transition, outside the lock.
	onChange func(upstream string, state cbState)
}

func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		breakers: make(map[string]*breaker),
	}
}

// Allow reports whether the next call may go to upstream. An open breaker
// whose timeout has elapsed turns half-open and admits one probe.
func (cb *CircuitBreaker) Allow(upstream string) bool {
	cb.mu.Lock()
	b := cb.breaker(upstream)
	now := cb.now()
	b.lastUsed = now

	allowed, changed := true, false
	switch b.state {
	case cbOpen:
		if now.Sub(b.openedAt) < cb.cfg.HalfOpenTimeout {
			allowed = false
			break
		}
		b.state, b.probing, changed = cbHalfOpen, true, true
	case cbHalfOpen:
		if b.probing {
			allowed = false
		} else {
			b.probing = true
		}
	}
	state := b.state
	cb.mu.Unlock()

	if changed {
		cb.notify(upstream, state)
	}
	return allowed
}

// Record feeds the outcome of a call to upstream into its breaker. Errors
// the caller caused, such as a rejected payload, show the upstream is up and
// count as successes. A cancelled call only frees the probe slot.
func (cb *CircuitBreaker) Record(upstream string, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		cb.mu.Lock()
		cb.breaker(upstream).probing = false
		cb.mu.Unlock()
	case isUpstreamFault(err):
		cb.failure(upstream)
	default:
		cb.success(upstream)
	}
}

func (cb *CircuitBreaker) success(upstream string) {
	cb.mu.Lock()
	b := cb.breaker(upstream)
	changed := b.state != cbClosed
	b.state = cbClosed
	b.failures = 0
	b.probing = false
	b.windowStart = cb.now()
	cb.mu.Unlock()

	if changed {
		cb.notify(upstream, cbClosed)
	}
}

// failure counts one failure. The breaker opens at ErrorThreshold failures
// within TimeWindow, or at once when a half-open probe fails.
func (cb *CircuitBreaker) failure(upstream string) {
	cb.mu.Lock()
	b := cb.breaker(upstream)
	now := cb.now()
	prev := b.state

	if now.Sub(b.windowStart) > cb.cfg.TimeWindow {
		b.failures = 0
		b.windowStart = now
	}
	b.failures++
	b.probing = false

	if prev == cbHalfOpen || b.failures >= cb.cfg.ErrorThreshold {
		b.state = cbOpen
		b.openedAt = now
	}
	state := b.state
	cb.mu.Unlock()

	if state != prev {
		cb.notify(upstream, state)
	}
}

func (cb *CircuitBreaker) State(upstream string) cbState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if b, ok := cb.breakers[upstream]; ok {
		return b.state
	}
	return cbClosed
}

func (cb *CircuitBreaker) StateLabel(upstream string) string {
	return cb.State(upstream).String()
}

// breaker returns the breaker of upstream, creating it. cb.mu must be held.
func (cb *CircuitBreaker) breaker(upstream string) *breaker {
	if b, ok := cb.breakers[upstream]; ok {
		return b
	}
	if len(cb.breakers) >= maxIdleBreakers {
		cb.evictIdle()
	}
	now := cb.now()
	b := &breaker{windowStart: now, lastUsed: now}
	cb.breakers[upstream] = b
	return b
}

// evictIdle drops closed breakers without failures, oldest first, until the
// map is below its bound. cb.mu must be held.
func (cb *CircuitBreaker) evictIdle() {
	for len(cb.breakers) >= maxIdleBreakers {
		var (
			victim string
			oldest time.Time
		)
		for name, b := range cb.breakers {
			if b.state != cbClosed || b.failures > 0 {
				continue
			}
			if victim == "" || b.lastUsed.Before(oldest) {
				victim, oldest = name, b.lastUsed
			}
		}
		if victim == "" {
			return
		}
		delete(cb.breakers, victim)
	}
}

func (cb *CircuitBreaker) notify(upstream string, state cbState) {
	if cb.onChange != nil {
		cb.onChange(upstream, state)
	}
}

// isUpstreamFault reports whether err means the upstream is unhealthy:
// transport failures, timeouts, throttling and 5xx answers.
func isUpstreamFault(err error) bool {
	if err == nil {
		return false
	}
	var sc providers.StatusCoder
	if !errors.As(err, &sc) || sc.HTTPStatus() == 0 {
		return true
	}
	switch code := sc.HTTPStatus(); {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}
