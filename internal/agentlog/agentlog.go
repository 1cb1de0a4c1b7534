// Package agentlog provides the agent's one logging sink: a leveled
// log/slog.Logger writing text-formatted records to standard error, with
// a five-level severity scale (trace, debug, info, warn, error) rather
// than slog's default three, so a single verbosity flag can select as
// fine-grained a level as per-APDU tracing.
package agentlog

import (
	"io"
	"log/slog"
)

// LevelTrace sits below slog's Debug so "trace" can be distinguished
// from "debug" in filtering without a wire-incompatible custom Level type.
const LevelTrace = slog.Level(-8)

// levelFromName maps the five RUST_LOG-style names this agent recognizes
// onto slog levels.
func levelFromName(name string) slog.Level {
	switch name {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a text-handler logger at the given level, writing to w
// (normally os.Stderr). An unrecognized level name is treated as "info".
func New(w io.Writer, level string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelFromName(level)})
	return slog.New(handler)
}
