package logger

import (
	"context"
	"io"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/angelmondragon/creditledger-backend/pkg/env"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"

	fieldService  = "service"
	fieldRequest  = "request_id"
	fieldUser     = "user_id"
	fieldActor    = "actor"
	fieldStack    = "stack"
	fieldSeverity = "severity"
)

// Options configures the structured logger. Format defaults to the
// LOG_FORMAT environment variable, then json.
type Options struct {
	ServiceName string
	Level       zerolog.Level
	Format      string
	WarnStack   bool
	Output      io.Writer
}

// Logger writes zerolog entries enriched with fields carried on the context.
type Logger struct {
	root      zerolog.Logger
	warnStack bool
}

type ctxKey struct{}

func New(opts Options) *Logger {
	level := opts.Level
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	root := zerolog.New(writerFor(opts)).
		Level(level).
		With().
		Timestamp().
		Str(fieldService, opts.ServiceName).
		Logger()
	return &Logger{root: root, warnStack: opts.WarnStack}
}

func writerFor(opts Options) io.Writer {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = env.Get("LOG_FORMAT", FormatJSON)
	}
	if format != FormatConsole {
		return out
	}
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.TimeOnly,
		NoColor:    env.Bool("NO_COLOR", false),
	}
}

// ParseLevel maps a configured level name to zerolog, defaulting to info.
func ParseLevel(value string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(value)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func (l *Logger) from(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if scoped, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
			return scoped
		}
	}
	return l.root
}

func (l *Logger) with(ctx context.Context, build func(zerolog.Context) zerolog.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	scoped := build(l.from(ctx).With()).Logger()
	return context.WithValue(ctx, ctxKey{}, scoped)
}

// WithField returns a context whose entries carry key=value.
func (l *Logger) WithField(ctx context.Context, key string, value any) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Interface(key, value)
	})
}

// WithFields adds several fields at once in key order.
func (l *Logger) WithFields(ctx context.Context, fields map[string]any) context.Context {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return l.with(ctx, func(c zerolog.Context) zerolog.Context {
		for _, key := range keys {
			c = c.Interface(key, fields[key])
		}
		return c
	})
}

func (l *Logger) WithRequestID(ctx context.Context, requestID string) context.Context {
	return l.WithField(ctx, fieldRequest, requestID)
}

func (l *Logger) WithUserID(ctx context.Context, userID string) context.Context {
	return l.WithField(ctx, fieldUser, userID)
}

func (l *Logger) WithActor(ctx context.Context, actor string) context.Context {
	return l.WithField(ctx, fieldActor, actor)
}

func (l *Logger) Debug(ctx context.Context, msg string) {
	scoped := l.from(ctx)
	scoped.Debug().Msg(msg)
}

func (l *Logger) Info(ctx context.Context, msg string) {
	scoped := l.from(ctx)
	scoped.Info().Msg(msg)
}

// Warn logs a recoverable condition. The stack is attached only when
// WarnStack is enabled.
func (l *Logger) Warn(ctx context.Context, msg string) {
	scoped := l.from(ctx)
	event := scoped.Warn()
	if l.warnStack {
		event.Str(fieldStack, stack())
	}
	event.Msg(msg)
}

func (l *Logger) Error(ctx context.Context, msg string, err error) {
	scoped := l.from(ctx)
	scoped.Error().Err(err).Str(fieldStack, stack()).Msg(msg)
}

// Critical logs an operator-alerting anomaly such as an overflow or a
// ledger/balance divergence.
func (l *Logger) Critical(ctx context.Context, msg string, err error) {
	scoped := l.from(ctx)
	scoped.Error().
		Str(fieldSeverity, "critical").
		Bool("alert", true).
		Err(err).
		Str(fieldStack, stack()).
		Msg(msg)
}

func stack() string {
	return strings.TrimSpace(string(debug.Stack()))
}
