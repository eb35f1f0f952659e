// Package telemetry wires the engine's observability: a trace-aware slog
// handler, OTLP/gRPC trace export, and an OpenTelemetry metric recorder
// for orchestrator metrics.
//
//	shutdown, err := telemetry.SetupTracing(ctx, cfg.Tracing)
//	if err != nil { ... }
//	defer shutdown(context.Background())
//	logger := telemetry.NewLogger(os.Stderr, cfg.Log)
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// ContextHandler adds trace_id and span_id from the active span to every
// record before passing it to the wrapped handler.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler wraps h.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

// Handle implements slog.Handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		r.AddAttrs(slog.String("trace_id", sc.TraceID().String()))
	}
	if sc.HasSpanID() {
		r.AddAttrs(slog.String("span_id", sc.SpanID().String()))
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs implements slog.Handler, keeping the trace decoration.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler, keeping the trace decoration.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info" yaml:"level" json:"level"`
	Format string `env:"FORMAT" envDefault:"json" yaml:"format" json:"format"`
}

// NewLogger builds a trace-aware logger writing to w. Format "text" selects
// the text handler; anything else logs JSON.
func NewLogger(w io.Writer, cfg LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(NewContextHandler(h))
}

// ParseLevel maps debug, info, warn and error to slog levels. Unknown
// values log at info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
