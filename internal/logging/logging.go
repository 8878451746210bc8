// Package logging configures the structured logger shared by every indexer
// component.
package logging

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup configures the standard library logger to emit structured JSON and
// returns the underlying slog.Logger for richer logging within the service.
// All log lines include the service name, environment, and component when
// provided.
func Setup(service, env, level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: false,
		Level:     parseLevel(level),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Component returns a child logger tagged with the pipeline component name
// (chain, decoder, store, handlers, loop, pushbus, api, audit).
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", name))
}

// WithBlock attaches the block height under processing to the logger.
func WithBlock(logger *slog.Logger, height uint64) *slog.Logger {
	return logger.With(slog.Uint64("block_height", height))
}

// WithTx attaches the transaction hash and log index to the logger.
func WithTx(logger *slog.Logger, txHash string, logIndex int) *slog.Logger {
	return logger.With(slog.String("tx_hash", txHash), slog.Int("log_index", logIndex))
}

// ContextWithAttempt returns a context carrying a per-attempt correlation ID,
// used to tie together retries of the same block across log lines.
func ContextWithAttempt(ctx context.Context, attemptID string) context.Context {
	return context.WithValue(ctx, attemptIDKey{}, attemptID)
}

type attemptIDKey struct{}

// AttemptID extracts the correlation ID stashed by ContextWithAttempt, if any.
func AttemptID(ctx context.Context) string {
	v, _ := ctx.Value(attemptIDKey{}).(string)
	return v
}
