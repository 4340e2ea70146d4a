package observability

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type messageIDKey struct{}

// NewLogger builds the production JSON logger at level (default info).
func NewLogger(level string) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}

	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return parsed, nil
}

// WithMessageID attaches the messageId of the event being handled to ctx.
func WithMessageID(ctx context.Context, messageID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, messageIDKey{}, messageID)
}

func MessageIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	messageID, ok := ctx.Value(messageIDKey{}).(string)
	if !ok || messageID == "" {
		return "", false
	}

	return messageID, true
}

// WithContextLogger returns logger annotated with the messageId carried by ctx.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	messageID, ok := MessageIDFromContext(ctx)
	if !ok {
		return logger
	}

	return logger.With(zap.String("messageId", messageID))
}

// EventFields returns the structured fields identifying an event in logs.
func EventFields(event domain.NotificationEvent) []zap.Field {
	return []zap.Field{
		zap.String("messageId", event.MessageID),
		zap.String("type", event.Type.String()),
		zap.String("receiverId", event.ReceiverID),
		zap.Int("retryCount", event.RetryCount),
	}
}
