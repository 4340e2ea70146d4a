package provider

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var _ Provider = (*LogProvider)(nil)

// LogProvider records deliveries in the log instead of calling an endpoint.
type LogProvider struct {
	logger *zap.Logger
}

func NewLogProvider(logger *zap.Logger) *LogProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Send(_ context.Context, message Message) (*ProviderResponse, error) {
	if err := message.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	p.logger.Info("notification delivered",
		zap.String("messageId", message.MessageID),
		zap.String("type", message.Type.String()),
		zap.String("channel", strings.ToLower(message.Channel.String())),
		zap.String("receiverId", message.Recipient),
		zap.String("content", message.Content),
	)

	return &ProviderResponse{StatusCode: 200, MessageID: message.MessageID}, nil
}
