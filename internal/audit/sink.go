// Package audit delivers structured engine events to external sinks.
// The engine emits; storage and rotation belong to the sink's owner.
package audit

import (
	"context"
	"log/slog"

	"github.com/kilupskalvis/rewind/internal/models"
)

// Sink receives one event per engine operation. Emit must not block for
// long and must not fail the operation it reports on.
type Sink interface {
	Emit(ctx context.Context, event models.Event)
}

// Discard drops every event.
type Discard struct{}

// Emit implements Sink.
func (Discard) Emit(context.Context, models.Event) {}

// SlogSink writes events as structured log lines.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink logging through logger, or slog.Default if nil.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Emit implements Sink.
func (s *SlogSink) Emit(ctx context.Context, e models.Event) {
	level := slog.LevelInfo
	if e.Outcome == models.OutcomeFailure {
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("event", string(e.Type)),
		slog.String("outcome", e.Outcome),
		slog.String("root", e.Root),
	}
	if e.CheckpointID != "" {
		attrs = append(attrs, slog.String("checkpoint", e.CheckpointID))
	}
	if e.RunID != "" {
		attrs = append(attrs, slog.String("run", e.RunID))
	}
	if e.FileCount > 0 {
		attrs = append(attrs, slog.Int("files", e.FileCount))
	}
	if e.Restored > 0 || e.Deleted > 0 || e.Conflicts > 0 {
		attrs = append(attrs,
			slog.Int("restored", e.Restored),
			slog.Int("deleted", e.Deleted),
			slog.Int("conflicts", e.Conflicts),
		)
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	s.logger.LogAttrs(ctx, level, "audit", attrs...)
}

// Multi fans an event out to several sinks.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, e models.Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}
