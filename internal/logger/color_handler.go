package logger

import (
	"context"
	"io"
	"log/slog"
)

const ansiReset = "\033[0m"

// colorHandler prefixes each message with its level painted for a terminal.
// Attribute and group scoping is forwarded so loggers derived with With keep
// their color.
type colorHandler struct {
	next slog.Handler
}

func newColorHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	return colorHandler{next: slog.NewTextHandler(w, opts)}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m"
	case l >= slog.LevelWarn:
		return "\033[33m"
	case l >= slog.LevelInfo:
		return "\033[32m"
	default:
		return "\033[36m"
	}
}

func (h colorHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h colorHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Message = levelColor(r.Level) + r.Level.String() + ansiReset + "  " + r.Message
	return h.next.Handle(ctx, r)
}

func (h colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return colorHandler{next: h.next.WithAttrs(attrs)}
}

func (h colorHandler) WithGroup(name string) slog.Handler {
	return colorHandler{next: h.next.WithGroup(name)}
}
