package app

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/nulpointcorp/llm-ledger/internal/cache"
	"github.com/nulpointcorp/llm-ledger/internal/config"
	"github.com/nulpointcorp/llm-ledger/internal/ledger"
	"github.com/nulpointcorp/llm-ledger/internal/logger"
	"github.com/nulpointcorp/llm-ledger/internal/metrics"
	"github.com/nulpointcorp/llm-ledger/internal/providers"
	anthropicprov "github.com/nulpointcorp/llm-ledger/internal/providers/anthropic"
	"github.com/nulpointcorp/llm-ledger/internal/providers/finetune"
	geminiprov "github.com/nulpointcorp/llm-ledger/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/llm-ledger/internal/providers/openai"
	"github.com/nulpointcorp/llm-ledger/internal/proxy"
	"github.com/nulpointcorp/llm-ledger/internal/ratelimit"
	"github.com/nulpointcorp/llm-ledger/internal/storage/sqldb"
	"github.com/nulpointcorp/llm-ledger/internal/telemetry"
	"github.com/nulpointcorp/llm-ledger/internal/tokens"
	"github.com/nulpointcorp/llm-ledger/internal/usage"
)

const serviceName = "llm-ledger"

// initInfra opens the ledger database, Redis when RPM_LIMIT is set and the
// tracer when tracing is enabled.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("database_opening",
		slog.String("driver", a.cfg.Database.Driver),
		slog.String("dsn", redactURL(a.cfg.Database.DSN)),
	)
	store, err := sqldb.New(sqldb.Config{Driver: a.cfg.Database.Driver, DSN: a.cfg.Database.DSN})
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	a.store = store
	a.onClose("database", func(context.Context) error { return store.Close() })

	if a.cfg.RateLimit.RPMLimit > 0 {
		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.onClose("redis", func(context.Context) error { return rdb.Close() })
		a.log.Info("redis_connected", slog.String("url", redactURL(a.cfg.Redis.URL)))
	}

	if a.cfg.TracingEnabled {
		shutdown, err := telemetry.InitTracer(serviceName, a.version, nil, a.log)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		a.onClose("tracer", shutdown)
	}
	return nil
}

// initProviders builds the third-party clients that have a key and the
// fine-tune pool. None is required: the ledger endpoints work without any.
func (a *App) initProviders(_ context.Context) error {
	provs, err := buildProviders(a.baseCtx, a.cfg)
	if err != nil {
		return err
	}
	a.provs = provs
	a.fineTunes = finetune.NewPool(a.cfg.FineTuneAPIKey, a.cfg.ProviderTimeout)

	a.log.Info("providers_loaded", slog.Any("providers", slices.Sorted(maps.Keys(provs))))
	return nil
}

func buildProviders(ctx context.Context, cfg *config.Config) (map[string]providers.Provider, error) {
	provs := make(map[string]providers.Provider, 3)

	if c := cfg.OpenAI; c.APIKey != "" {
		provs["openai"] = openaiprov.New(c.APIKey,
			openaiprov.WithTimeout(cfg.ProviderTimeout),
			openaiprov.WithBaseURL(c.BaseURL),
			openaiprov.WithOrganization(c.Organization),
			openaiprov.WithProject(c.Project),
		)
	}
	if c := cfg.Anthropic; c.APIKey != "" {
		opts := []anthropicprov.Option{anthropicprov.WithTimeout(cfg.ProviderTimeout)}
		if c.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(c.BaseURL))
		}
		provs["anthropic"] = anthropicprov.New(c.APIKey, opts...)
	}
	if c := cfg.Gemini; c.APIKey != "" {
		opts := []geminiprov.Option{geminiprov.WithTimeout(cfg.ProviderTimeout)}
		if c.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(c.BaseURL))
		}
		p, err := geminiprov.New(ctx, c.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		provs["gemini"] = p
	}
	return provs, nil
}

// initServices builds the ledger together with its metrics registry and
// call-event exporter.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var sink logger.Sink
	if dsn := a.cfg.Analytics.ClickHouseDSN; dsn != "" {
		ch, err := logger.NewClickHouseSink(ctx, dsn)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = ch
		a.analytics = ch
		a.log.Info("analytics_sink", slog.String("sink", "clickhouse"), slog.String("dsn", redactURL(dsn)))
	}
	events, err := logger.New(a.baseCtx, sink, a.log)
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		return fmt.Errorf("event exporter: %w", err)
	}
	a.events = events
	a.prom.WatchExporter(events.Dropped, events.Failed)
	a.onClose("event_exporter", func(context.Context) error { return events.Close() })

	exclusions, err := cache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
	if err != nil {
		return err
	}
	if n := exclusions.Len(); n > 0 {
		a.log.Info("cache_exclusions_loaded", slog.Int("rules", n))
	}

	thirdParty, selfHosted := pricingTables(a.cfg.Pricing)
	a.ledger, err = ledger.New(ledger.Config{
		Store:      a.store,
		Accountant: usage.NewAccountant(tokens.NewCounter(), thirdParty, selfHosted),
		Exclusions: exclusions,
		Metrics:    a.prom,
		Events:     events,
		Logger:     a.log,
	})
	return err
}

func (a *App) initGateway(_ context.Context) error {
	opts := proxy.Options{
		Logger:      a.log,
		Metrics:     a.prom,
		Environment: a.cfg.Environment,
		CORSOrigins: a.cfg.CORSOrigins,
		FineTunes:   a.fineTunes,
		Version:     a.version,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
		Health: proxy.HealthDeps{
			Database: a.store.Ping,
			Interval: a.cfg.HealthInterval,
		},
	}
	if a.rdb != nil {
		opts.RPMLimiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		opts.Health.Redis = redisProbe(a.rdb)
		a.log.Info("rate_limit_enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}
	if a.analytics != nil {
		opts.Health.Analytics = a.analytics.Ping
	}

	gw, err := proxy.New(a.baseCtx, a.ledger, a.store, a.provs, opts)
	if err != nil {
		return err
	}
	a.gw = gw
	a.onClose("gateway", func(context.Context) error { gw.Close(); return nil })
	return nil
}

// pricingTables lays configured rates over the built-in ones.
func pricingTables(cfg config.PricingConfig) (thirdParty, selfHosted usage.Pricing) {
	convert := func(in map[string]config.Price) usage.Pricing {
		out := make(usage.Pricing, len(in))
		for model, p := range in {
			out[model] = usage.NewRate(p.Prompt, p.Completion)
		}
		return out
	}
	return usage.DefaultThirdPartyPricing().Merge(convert(cfg.ThirdParty)),
		usage.DefaultSelfHostedPricing().Merge(convert(cfg.SelfHosted))
}

// redactURL hides the credentials of a DSN before it is logged.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return strings.Replace(u.String(), "://", "://***@", 1)
}
