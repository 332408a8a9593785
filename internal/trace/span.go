// Package trace records per-message latency spans and emits them through
// slog.
package trace

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Span measures one inbound message from receipt to reply. Attributes can be
// attached from any goroutine until End is called.
type Span struct {
	name  string
	start time.Time
	log   *slog.Logger

	mu    sync.Mutex
	attrs []slog.Attr
	ended bool
}

// Start opens a span named after the method being handled.
func Start(log *slog.Logger, name string) *Span {
	if log == nil {
		log = slog.Default()
	}
	return &Span{name: name, start: time.Now(), log: log}
}

// Attach records an attribute on the span. Attachments after End are dropped.
func (s *Span) Attach(key string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.attrs = append(s.attrs, slog.Any(key, value))
}

// End closes the span and emits it at debug level. It returns the span's
// duration; only the first call emits.
func (s *Span) End(ctx context.Context) time.Duration {
	if s == nil {
		return 0
	}
	dur := time.Since(s.start)
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return dur
	}
	s.ended = true
	attrs := append([]slog.Attr{
		slog.String("name", s.name),
		slog.Duration("dur", dur),
	}, s.attrs...)
	s.mu.Unlock()

	s.log.LogAttrs(ctx, slog.LevelDebug, "trace.span", attrs...)
	return dur
}
