// Command gateway serves the LLM call ledger: check-cache, report, the
// chat-completions pass-through and the ops endpoints.
//
// Configuration comes from the environment, an optional .env file and an
// optional config.yaml in the working directory. With no configuration at
// all it keeps its ledger in ./ledger.db and needs no Redis:
//
//	./gateway
//
// Project keys are issued with cmd/keygen.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nulpointcorp/llm-ledger/internal/app"
	"github.com/nulpointcorp/llm-ledger/internal/config"
)

// version is set at build time with -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, version)
	if err != nil {
		log.Error("startup_failed", slog.String("error", err.Error()))
		return err
	}
	if err := a.Run(ctx); err != nil {
		log.Error("ledger_stopped", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// newLogger returns the JSON logger shared by every subsystem. An unknown
// level means info; debug adds source locations.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l <= slog.LevelDebug,
	}))
}
