package alert

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"ransomwatch/internal/logging"
)

// Sink consumes alerts. Emit must be safe for concurrent use because both
// polling loops share the sink chain.
type Sink interface {
	Emit(ctx context.Context, r Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Record) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, r Record) error {
	return f(ctx, r)
}

// Multi fans an alert out to every sink. All sinks are attempted; their
// errors are joined.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes alerts as structured log lines: info for NEW_NORMAL, warn
// for everything else.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger.WithComponent("alert")}
}

// Emit implements Sink.
func (s *LogSink) Emit(ctx context.Context, r Record) error {
	level := r.Level()
	s.logger.LogAttrs(ctx, level, r.Message(), r.Attrs()...)
	for _, ev := range r.Events {
		s.logger.LogAttrs(ctx, level, "recent change",
			slog.String("alert_id", r.ID),
			slog.String("at", ev.Time.Format("15:04:05")),
			slog.String("event", string(ev.Kind)),
			slog.String("path", ev.Path),
		)
	}
	return nil
}

// Recorder keeps every alert in memory.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

// Emit implements Sink.
func (r *Recorder) Emit(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

// Records returns a copy of everything emitted so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Count returns how many alerts of class c were emitted.
func (r *Recorder) Count(c Classification) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Classification == c {
			n++
		}
	}
	return n
}
