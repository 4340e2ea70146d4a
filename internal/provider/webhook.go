package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	breakerMaxFailures    = 5
	breakerOpenTimeout    = 30 * time.Second
	breakerInterval       = 60 * time.Second
)

type webhookRequest struct {
	MessageID string         `json:"messageId"`
	Type      string         `json:"type"`
	To        string         `json:"to"`
	Channel   string         `json:"channel"`
	Content   string         `json:"content"`
	Options   map[string]any `json:"options,omitempty"`
}

var _ Provider = (*WebhookProvider)(nil)

// WebhookProvider posts deliveries to a webhook.site-compatible endpoint behind
// a circuit breaker that trips on transient failures only.
type WebhookProvider struct {
	client   *resty.Client
	endpoint string
	breaker  *gobreaker.CircuitBreaker[*resty.Response]
}

func NewWebhookProvider(endpoint string) (*WebhookProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)

	return NewWebhookProviderWithClient(endpoint, client, nil)
}

// NewWebhookProviderWithClient builds a provider around client. A nil breaker
// gets the default settings.
func NewWebhookProviderWithClient(endpoint string, client *resty.Client, breaker *gobreaker.CircuitBreaker[*resty.Response]) (*WebhookProvider, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	if breaker == nil {
		breaker = NewBreaker("webhook", breakerMaxFailures)
	}

	return &WebhookProvider{
		client:   client,
		endpoint: trimmedEndpoint,
		breaker:  breaker,
	}, nil
}

// NewBreaker returns a breaker that opens after more than maxFailures
// consecutive transient failures.
func NewBreaker(name string, maxFailures uint32) *gobreaker.CircuitBreaker[*resty.Response] {
	return gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
	})
}

func (p *WebhookProvider) Send(ctx context.Context, message Message) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if err := message.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	reqBody := webhookRequest{
		MessageID: message.MessageID,
		Type:      message.Type.String(),
		To:        message.Recipient,
		Channel:   strings.ToLower(message.Channel.String()),
		Content:   message.Content,
		Options:   message.Options,
	}

	response, err := p.breaker.Execute(func() (*resty.Response, error) {
		return p.post(ctx, message.MessageID, reqBody)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &ProviderError{
				Channel:   message.Channel,
				Transient: true,
				Cause:     fmt.Errorf("%w: %w", ErrCircuitOpen, err),
			}
		}

		var providerErr *ProviderError
		if errors.As(err, &providerErr) && providerErr.Channel == "" {
			providerErr.Channel = message.Channel
		}
		return nil, err
	}

	return &ProviderResponse{
		StatusCode: response.StatusCode(),
		Body:       strings.TrimSpace(response.String()),
		MessageID:  providerMessageID(response),
	}, nil
}

func (p *WebhookProvider) post(ctx context.Context, messageID string, body webhookRequest) (*resty.Response, error) {
	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", messageID+":"+body.Channel).
		SetBody(body).
		Post(p.endpoint)
	if err != nil {
		return nil, &ProviderError{
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return response, nil
	}

	return nil, &ProviderError{
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, strings.TrimSpace(response.String())),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Request-ID", "X-Request-Id", "X-Correlation-ID", "X-Correlation-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
