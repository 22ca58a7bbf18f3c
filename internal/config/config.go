// Package config loads the ledger's runtime configuration.
//
// Values come from the environment, from a .env file and from an optional
// config.yaml in the working directory, in that order of precedence. Keys are
// UPPER_SNAKE_CASE in the environment and lower_snake_case in YAML.
//
// Rate overrides live in YAML only, in USD per 1K tokens:
//
//	pricing:
//	  third_party:
//	    gpt-4o: {prompt: "0.0025", completion: "0.01"}
//	  self_hosted:
//	    llama-3-8b: {prompt: "0.0002", completion: "0.0002"}
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

const productionEnv = "production"

type Config struct {
	Port        int
	LogLevel    string // debug, info, warn or error
	Environment string // "production" hides the latest-call endpoint

	Database  DatabaseConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Analytics AnalyticsConfig

	TracingEnabled bool

	// ProviderTimeout bounds one upstream completion.
	ProviderTimeout time.Duration
	// HealthInterval is the pause between dependency probe rounds.
	HealthInterval time.Duration

	CircuitBreaker CircuitBreakerConfig
	Cache          CacheConfig
	CORSOrigins    []string

	// A provider with no API key is not registered.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// FineTuneAPIKey is sent as a bearer token to fine-tune endpoints.
	FineTuneAPIKey string

	Pricing PricingConfig
}

type DatabaseConfig struct {
	Driver string // sqlite or pgx
	DSN    string
}

type RedisConfig struct {
	URL string // redis:// or rediss://
}

type RateLimitConfig struct {
	// RPMLimit caps requests per minute per project; 0 turns limiting off.
	RPMLimit int
}

type AnalyticsConfig struct {
	// ClickHouseDSN enables the ClickHouse event sink. Without it, call
	// events are logged.
	ClickHouseDSN string
}

type CircuitBreakerConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

// CacheConfig lists models whose calls never hit the cache. Patterns are
// whitespace separated in the environment because a regexp may hold commas.
type CacheConfig struct {
	ExcludeExact    []string
	ExcludePatterns []string
}

type ProviderConfig struct {
	APIKey  string
	BaseURL string

	// OpenAI only.
	Organization string
	Project      string
}

// Price is a prompt/completion rate pair per 1K tokens, kept as decimal
// strings until the pricing tables are built.
type Price struct {
	Prompt     string `mapstructure:"prompt"`
	Completion string `mapstructure:"completion"`
}

type PricingConfig struct {
	ThirdParty map[string]Price `mapstructure:"third_party"`
	SelfHosted map[string]Price `mapstructure:"self_hosted"`
}

var defaults = map[string]any{
	"PORT":                  8080,
	"LOG_LEVEL":             "info",
	"ENVIRONMENT":           "development",
	"DB_DRIVER":             "sqlite",
	"DB_DSN":                "file:ledger.db",
	"RPM_LIMIT":             0,
	"TRACING_ENABLED":       false,
	"PROVIDER_TIMEOUT":      "120s",
	"HEALTH_PROBE_INTERVAL": "30s",
	"CB_ERROR_THRESHOLD":    5,
	"CB_TIME_WINDOW":        "60s",
	"CB_HALF_OPEN_TIMEOUT":  "30s",
	"CORS_ORIGINS":          []string{"*"},
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	// "::" instead of "." so dotted model names stay single pricing keys.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config.yaml: %w", err)
		}
	}
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	cfg := &Config{
		Port:           v.GetInt("PORT"),
		LogLevel:       strings.ToLower(v.GetString("LOG_LEVEL")),
		Environment:    strings.ToLower(v.GetString("ENVIRONMENT")),
		TracingEnabled: v.GetBool("TRACING_ENABLED"),

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		HealthInterval:  v.GetDuration("HEALTH_PROBE_INTERVAL"),

		FineTuneAPIKey: v.GetString("FINETUNE_API_KEY"),
		CORSOrigins:    splitList(v.GetStringSlice("CORS_ORIGINS")),
	}
	loadStorage(v, cfg)
	loadUpstreams(v, cfg)

	if err := v.UnmarshalKey("pricing", &cfg.Pricing); err != nil {
		return nil, fmt.Errorf("config: pricing: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadStorage(v *viper.Viper, cfg *Config) {
	cfg.Database = DatabaseConfig{
		Driver: strings.ToLower(v.GetString("DB_DRIVER")),
		DSN:    v.GetString("DB_DSN"),
	}
	cfg.Redis.URL = v.GetString("REDIS_URL")
	cfg.RateLimit.RPMLimit = v.GetInt("RPM_LIMIT")
	cfg.Analytics.ClickHouseDSN = v.GetString("CLICKHOUSE_DSN")
	cfg.Cache = CacheConfig{
		ExcludeExact:    splitList(v.GetStringSlice("CACHE_EXCLUDE_EXACT")),
		ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
	}
}

func loadUpstreams(v *viper.Viper, cfg *Config) {
	cfg.OpenAI = ProviderConfig{
		APIKey:       v.GetString("OPENAI_API_KEY"),
		BaseURL:      v.GetString("OPENAI_BASE_URL"),
		Organization: v.GetString("OPENAI_ORGANIZATION"),
		Project:      v.GetString("OPENAI_PROJECT"),
	}
	cfg.Anthropic = ProviderConfig{
		APIKey:  v.GetString("ANTHROPIC_API_KEY"),
		BaseURL: v.GetString("ANTHROPIC_BASE_URL"),
	}
	cfg.Gemini = ProviderConfig{
		APIKey:  v.GetString("GOOGLE_API_KEY"),
		BaseURL: v.GetString("GEMINI_BASE_URL"),
	}
	cfg.CircuitBreaker = CircuitBreakerConfig{
		ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
		TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
		HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
	}
}

// validate reports every semantic problem at once.
func (c *Config) validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		fail("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if c.Port < 1 || c.Port > 65535 {
		fail("PORT %d is outside 1..65535", c.Port)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "pgx" {
		fail("DB_DRIVER %q is not one of sqlite, pgx", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		fail("DB_DSN is empty")
	}

	switch {
	case c.RateLimit.RPMLimit < 0:
		fail("RPM_LIMIT %d is negative", c.RateLimit.RPMLimit)
	case c.RateLimit.RPMLimit > 0 && c.Redis.URL == "":
		fail("RPM_LIMIT needs REDIS_URL")
	}

	positive := map[string]time.Duration{
		"PROVIDER_TIMEOUT":      c.ProviderTimeout,
		"HEALTH_PROBE_INTERVAL": c.HealthInterval,
		"CB_TIME_WINDOW":        c.CircuitBreaker.TimeWindow,
		"CB_HALF_OPEN_TIMEOUT":  c.CircuitBreaker.HalfOpenTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			fail("%s must be a positive duration, got %s", key, d)
		}
	}
	if c.CircuitBreaker.ErrorThreshold < 1 {
		fail("CB_ERROR_THRESHOLD %d must be at least 1", c.CircuitBreaker.ErrorThreshold)
	}

	for table, prices := range map[string]map[string]Price{
		"third_party": c.Pricing.ThirdParty,
		"self_hosted": c.Pricing.SelfHosted,
	} {
		for model, p := range prices {
			for _, s := range []string{p.Prompt, p.Completion} {
				if d, err := decimal.NewFromString(s); err != nil || d.IsNegative() {
					fail("pricing.%s.%s: %q is not a non-negative decimal", table, model, s)
				}
			}
		}
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool { return c.Environment == productionEnv }

// splitList flattens YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// loadDotEnv exports the variables of path when the file exists. Variables
// already set in the environment win.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("config: stat %s: %w", path, err)
	case info.IsDir():
		return fmt.Errorf("config: %s is a directory", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}
