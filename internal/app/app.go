// Package app builds the ledger service from configuration and runs it.
//
// Subsystems start in dependency order: storage and optional Redis and
// tracing, then upstream clients, then the ledger with its metrics and
// analytics, then the HTTP gateway. Each step registers the cleanup of what
// it opened; Close runs those in reverse.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-ledger/internal/config"
	"github.com/nulpointcorp/llm-ledger/internal/ledger"
	"github.com/nulpointcorp/llm-ledger/internal/logger"
	"github.com/nulpointcorp/llm-ledger/internal/metrics"
	"github.com/nulpointcorp/llm-ledger/internal/providers"
	"github.com/nulpointcorp/llm-ledger/internal/providers/finetune"
	"github.com/nulpointcorp/llm-ledger/internal/proxy"
	"github.com/nulpointcorp/llm-ledger/internal/storage/sqldb"
)

const closeTimeout = 5 * time.Second

type closer struct {
	name string
	fn   func(context.Context) error
}

type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	store *sqldb.Store
	rdb   *redis.Client // nil unless rate limiting is on

	events    *logger.Exporter
	analytics *logger.ClickHouseSink // nil unless a ClickHouse DSN is set
	prom      *metrics.Registry
	ledger    *ledger.Ledger

	provs     map[string]providers.Provider
	fineTunes *finetune.Pool
	gw        *proxy.Gateway

	closers []closer
}

// New starts every subsystem. On failure whatever was already opened is
// released before returning.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, errors.New("app: context must not be nil")
	}
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	for _, step := range []struct {
		name string
		run  func(context.Context) error
	}{
		{"storage", a.initInfra},
		{"providers", a.initProviders},
		{"ledger", a.initServices},
		{"gateway", a.initGateway},
	} {
		if err := step.run(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", step.name, err)
		}
	}
	return a, nil
}

// onClose registers fn to run when the app shuts down.
func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Run serves the API until ctx is cancelled or the server fails, then
// releases every resource.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("ledger_starting",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("environment", a.cfg.Environment),
		slog.String("db_driver", a.cfg.Database.Driver),
		slog.Int("providers", len(a.provs)),
		slog.Bool("rate_limit", a.rdb != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.gw.Start(gctx, addr) })
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("ledger_stopping")
		return nil
	})

	// Start returns only once open connections have drained.
	err := g.Wait()
	a.Close()
	return err
}

// Close runs the registered cleanups newest first. Calling it again is a
// no-op.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.log.Error("close_failed", slog.String("component", c.name), slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return rdb, nil
}

func redisProbe(rdb *redis.Client) proxy.Probe {
	return func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
}
