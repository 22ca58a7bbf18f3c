package logger

import (
	"context"
	"log/slog"
)

// SlogSink writes each event as one structured log line.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = slog.Default()
	}
	return &SlogSink{log: l}
}

func (s *SlogSink) Write(ctx context.Context, events []CallEvent) error {
	for _, ev := range events {
		s.log.InfoContext(ctx, "call_recorded",
			slog.String("call_id", ev.CallID),
			slog.String("response_id", ev.ResponseID),
			slog.String("project_id", ev.ProjectID),
			slog.String("model", ev.Model),
			slog.Bool("cache_hit", ev.CacheHit),
			slog.Int("status", ev.StatusCode),
			slog.Int("input_tokens", ev.InputTokens),
			slog.Int("output_tokens", ev.OutputTokens),
			slog.String("cost", ev.Cost.String()),
			slog.Int64("duration_ms", ev.DurationMs),
			slog.Int("tags", ev.Tags),
			slog.Time("requested_at", normalizeTime(ev.RequestedAt)),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }
