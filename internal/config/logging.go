package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits one step below debug. The MCP correlator logs every
// JSON-RPC envelope it sends and receives at this level, so it is only
// worth enabling while chasing a misbehaving server.
const LevelTrace = slog.Level(-8)

// ParseLogLevel maps the log_level config key (or --log-level flag) to
// a handler level. Matching ignores case and surrounding whitespace;
// an empty value means info and "warning" is an alias of "warn".
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames renders [LevelTrace] as "TRACE" instead of
// slog's default "DEBUG-4". [NewLogger] installs it as ReplaceAttr.
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// NewLogger builds the process logger: a text handler writing to w at
// the level named by levelName, with TRACE rendered by name.
func NewLogger(w io.Writer, levelName string) (*slog.Logger, error) {
	level, err := ParseLogLevel(levelName)
	if err != nil {
		return nil, err
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: ReplaceLogLevelNames,
	})
	return slog.New(handler), nil
}
