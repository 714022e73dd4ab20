// Package logger provides the structured logging setup shared by every
// engine component. It wraps log/slog with a filtering handler that keeps
// third-party noise out of non-debug logs, and a couple of helpers for
// attaching run-scoped fields (run id, task, step number) to a logger.
package logger

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

const modulePackagePrefix = "github.com/bugninja-ai/bugninja"

// ParseLevel converts a string log level ("debug", "info", "warn", "error")
// into a slog.Level, defaulting to Warn for anything unrecognized.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// New builds a *slog.Logger writing JSON records to w at the given level.
// Unless level is debug or lower, log records whose caller is outside this
// module are dropped — this keeps third-party library chatter (browser controller
// plugins, LLM provider clients) out of normal operation logs while still
// surfacing it when debugging.
func New(w *os.File, level slog.Level) *slog.Logger {
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug})
	return slog.New(&filteringHandler{handler: base, minLevel: level})
}

// filteringHandler wraps a slog.Handler and filters out logs whose caller
// is not part of this module, unless the minimum level is Debug or below.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel && h.handler.Enabled(ctx, level)
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug || callerInModule(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

// callerInModule reports whether pc (a log record's caller) resolves to a
// function compiled from this module, as opposed to a third-party
// dependency (browser plugin RPC stack, LLM client library, etc). A zero
// or unresolvable PC is treated as foreign, erring toward filtering it out.
func callerInModule(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	return fn != nil && strings.HasPrefix(fn.Name(), modulePackagePrefix)
}

// ForRun returns a logger with run_id and task fields attached, for use
// throughout a single navigation or replay run.
func ForRun(base *slog.Logger, runID, task string) *slog.Logger {
	return base.With(slog.String("run_id", runID), slog.String("task", task))
}

// ForStep further scopes a run logger to a single step.
func ForStep(runLogger *slog.Logger, step int) *slog.Logger {
	return runLogger.With(slog.Int("step", step))
}
