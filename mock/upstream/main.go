// Command upstream runs mock model servers so the ledger gateway can be
// exercised end to end without provider credentials.
//
//	OpenAI and fine-tune inference  :19001
//	Anthropic                       :19002
//	Gemini                          :19003
//
// Ports are overridden with PORT_OPENAI, PORT_ANTHROPIC and PORT_GEMINI.
//
// MOCK_LATENCY_MS adds latency to every completion, MOCK_ERROR_RATE is the
// fraction [0,1] of completions answered with HTTP 500 and MOCK_WORDS is the
// length of the generated reply.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config holds the behaviour shared by all mock servers.
type Config struct {
	Latency   time.Duration
	ErrorRate float64
	Words     int
}

func loadConfig() Config {
	c := Config{Words: 10}

	if n, err := strconv.Atoi(os.Getenv("MOCK_LATENCY_MS")); err == nil && n > 0 {
		c.Latency = time.Duration(n) * time.Millisecond
	}
	if f, err := strconv.ParseFloat(os.Getenv("MOCK_ERROR_RATE"), 64); err == nil && f >= 0 && f <= 1 {
		c.ErrorRate = f
	}
	if n, err := strconv.Atoi(os.Getenv("MOCK_WORDS")); err == nil && n > 0 {
		c.Words = n
	}
	return c
}

func addr(key string, port int) string {
	if v := os.Getenv(key); v != "" {
		return ":" + v
	}
	return ":" + strconv.Itoa(port)
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers := map[string]*http.Server{
		"openai":    newServer(addr("PORT_OPENAI", 19001), newOpenAIHandler(cfg)),
		"anthropic": newServer(addr("PORT_ANTHROPIC", 19002), newAnthropicHandler(cfg)),
		"gemini":    newServer(addr("PORT_GEMINI", 19003), newGeminiHandler(cfg)),
	}

	log.Info("mock_upstream_starting",
		slog.Duration("latency", cfg.Latency),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("words", cfg.Words),
	)

	g, gctx := errgroup.WithContext(ctx)
	for name, srv := range servers {
		g.Go(func() error {
			log.Info("mock_upstream_listening", slog.String("provider", name), slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("mock_upstream_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("mock_upstream_stopped")
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
