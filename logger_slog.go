package mqttbridge

import (
	"context"
	"io"
	"log/slog"
	"sort"
)

// SlogLogger adapts a *slog.Logger to Logger.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps l. A nil l uses slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{logger: l}
}

// NewSlogHandlerLogger builds a text or json slog handler on w at the given level.
func NewSlogHandlerLogger(w io.Writer, format string, level LogLevel) *SlogLogger {
	opts := &slog.HandlerOptions{Level: slogLevel(level)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &SlogLogger{logger: slog.New(handler)}
}

func (s *SlogLogger) Debug(msg string, fields LogFields) { s.log(slog.LevelDebug, msg, fields) }
func (s *SlogLogger) Info(msg string, fields LogFields)  { s.log(slog.LevelInfo, msg, fields) }
func (s *SlogLogger) Warn(msg string, fields LogFields)  { s.log(slog.LevelWarn, msg, fields) }
func (s *SlogLogger) Error(msg string, fields LogFields) { s.log(slog.LevelError, msg, fields) }

// WithFields returns a new logger with the given fields added.
func (s *SlogLogger) WithFields(fields LogFields) Logger {
	return &SlogLogger{logger: s.logger.With(attrs(fields)...)}
}

func (s *SlogLogger) log(level slog.Level, msg string, fields LogFields) {
	s.logger.Log(context.Background(), level, msg, attrs(fields)...)
}

// attrs returns fields as slog arguments in key order.
func attrs(fields LogFields) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, slog.Any(k, fields[k]))
	}
	return out
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	case LogLevelNone:
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}
