package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	formKey ctxKey = iota
	submissionIDKey
	actionKey
)

// WithForm returns a context with the form name set.
func WithForm(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, formKey, name)
}

// WithSubmissionID returns a context with the submission ID set.
func WithSubmissionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, submissionIDKey, id)
}

// WithAction returns a context with the form action name set.
func WithAction(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, actionKey, name)
}

// Form extracts the form name from the context, or "" if absent.
func Form(ctx context.Context) string {
	v, _ := ctx.Value(formKey).(string)
	return v
}

// SubmissionID extracts the submission ID from the context, or "" if absent.
func SubmissionID(ctx context.Context) string {
	v, _ := ctx.Value(submissionIDKey).(string)
	return v
}

// Action extracts the form action name from the context, or "" if absent.
func Action(ctx context.Context) string {
	v, _ := ctx.Value(actionKey).(string)
	return v
}

// WithIDs sets the form name and submission ID on the context at once.
func WithIDs(ctx context.Context, form, submissionID string) context.Context {
	ctx = WithForm(ctx, form)
	ctx = WithSubmissionID(ctx, submissionID)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if v := Form(ctx); v != "" {
		logger = logger.With(slog.String("form", v))
	}
	if v := SubmissionID(ctx); v != "" {
		logger = logger.With(slog.String("submission_id", v))
	}
	if v := Action(ctx); v != "" {
		logger = logger.With(slog.String("action", v))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := Form(ctx); v != "" {
		r.AddAttrs(slog.String("form", v))
	}
	if v := SubmissionID(ctx); v != "" {
		r.AddAttrs(slog.String("submission_id", v))
	}
	if v := Action(ctx); v != "" {
		r.AddAttrs(slog.String("action", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config string to an slog level. Unknown values yield info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
