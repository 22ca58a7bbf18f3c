// Package logger exports one analytics event per recorded call.
//
// Events are written to a buffered channel and flushed in batches by a
// background goroutine, so recording a call never waits on the analytics
// backend. When the channel is full (> 10 000 events) new events are dropped
// and counted in Dropped.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	drainTimeout  = 5 * time.Second
)

// CallEvent summarises one ledger entry.
type CallEvent struct {
	CallID       string
	ResponseID   string
	ProjectID    string
	Model        string
	CacheHit     bool
	StatusCode   int
	InputTokens  int
	OutputTokens int
	Cost         decimal.Decimal
	DurationMs   int64
	Tags         int
	RequestedAt  time.Time
}

// Sink receives flushed batches.
type Sink interface {
	Write(ctx context.Context, events []CallEvent) error
	Close() error
}

// Exporter batches CallEvents into a Sink.
type Exporter struct {
	ch        chan CallEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64
	failed  atomic.Int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

// New starts an exporter flushing into sink. A nil sink logs events with
// slogger.
func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Exporter, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.Default()
	}
	if sink == nil {
		sink = NewSlogSink(slogger)
	}

	e := &Exporter{
		ch:      make(chan CallEvent, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     slogger,
	}

	e.wg.Add(1)
	go e.run()

	return e, nil
}

// Export queues ev without blocking.
func (e *Exporter) Export(ev CallEvent) {
	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (e *Exporter) Dropped() int64 { return e.dropped.Load() }

// Failed returns the number of events lost to sink errors.
func (e *Exporter) Failed() int64 { return e.failed.Load() }

// Close drains the buffer, flushes it and closes the sink.
func (e *Exporter) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
	return e.sink.Close()
}

func (e *Exporter) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]CallEvent, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Once the base context is cancelled (shutdown signal) the remaining
		// batches go out under a detached, bounded context.
		ctx := e.baseCtx
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			defer cancel()
		}
		if err := e.sink.Write(ctx, batch); err != nil {
			e.failed.Add(int64(len(batch)))
			e.log.WarnContext(ctx, "call_events_flush_failed",
				slog.Int("events", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-e.ch:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-e.done:
			for {
				select {
				case ev := <-e.ch:
					batch = append(batch, ev)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
