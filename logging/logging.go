// Package logging builds the structured logger shared by every KiteDB
// component. It never holds package-level mutable state — callers build a
// logger with New and pass it down through constructors.
package logging

import (
	"context"
	"log/slog"
	"os"
	"time"

	slogseq "github.com/sokkalf/slog-seq"
)

// multiHandler fans a record out to several slog.Handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// Config selects the optional remote sink.
type Config struct {
	SeqEndpoint string // empty disables the slog-seq sink
	Level       slog.Level
}

// New builds a logger writing text to stderr and, if SeqEndpoint is set,
// fanning out to a slog-seq handler too. Returns a no-op close func when
// the seq handler could not be established.
func New(cfg Config) (*slog.Logger, func()) {
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Level,
	})

	if cfg.SeqEndpoint == "" {
		return slog.New(textHandler), func() {}
	}

	_, seqHandler := slogseq.NewLogger(
		cfg.SeqEndpoint,
		slogseq.WithBatchSize(20),
		slogseq.WithFlushInterval(500*time.Millisecond),
		slogseq.WithHandlerOptions(&slog.HandlerOptions{Level: cfg.Level}),
	)
	if seqHandler == nil {
		return slog.New(textHandler), func() {}
	}

	logger := slog.New(&multiHandler{handlers: []slog.Handler{textHandler, seqHandler}})
	return logger, func() { seqHandler.Close() }
}

// Noop returns a logger that discards everything, for tests and embedding
// contexts that don't want engine-internal logs.
func Noop() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
