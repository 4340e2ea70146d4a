package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/kursadbilgin/notification-pipeline/internal/idempotency"
	"github.com/kursadbilgin/notification-pipeline/internal/provider"
)

type fakeProvider struct {
	mu     sync.Mutex
	sendFn func(message provider.Message) error
	sent   []provider.Message
}

func (f *fakeProvider) Send(_ context.Context, message provider.Message) (*provider.ProviderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendFn != nil {
		if err := f.sendFn(message); err != nil {
			return nil, err
		}
	}
	f.sent = append(f.sent, message)
	return &provider.ProviderResponse{StatusCode: 200}, nil
}

func (f *fakeProvider) countFor(messageID string) map[domain.Channel]int {
	f.mu.Lock()
	defer f.mu.Unlock()

	counts := make(map[domain.Channel]int)
	for _, m := range f.sent {
		if m.MessageID == messageID {
			counts[m.Channel]++
		}
	}
	return counts
}

func TestDefaultTemplatesCoverEveryType(t *testing.T) {
	t.Parallel()

	want := map[domain.NotificationType][]domain.Channel{
		domain.TypeOrderPlaced:    {domain.ChannelEmail, domain.ChannelPush},
		domain.TypePaymentSuccess: {domain.ChannelEmail},
		domain.TypePaymentFailed:  {domain.ChannelEmail, domain.ChannelPush, domain.ChannelSMS},
		domain.TypeShipmentUpdate: {domain.ChannelPush},
	}

	for _, nt := range domain.NotificationTypes() {
		tmpl, ok := DefaultTemplate(nt)
		if !ok {
			t.Fatalf("DefaultTemplate(%s) missing", nt)
		}
		if len(tmpl.Channels) != len(want[nt]) {
			t.Fatalf("%s channels = %v, want %v", nt, tmpl.Channels, want[nt])
		}
		for i := range tmpl.Channels {
			if tmpl.Channels[i] != want[nt][i] {
				t.Fatalf("%s channels = %v, want %v", nt, tmpl.Channels, want[nt])
			}
		}
	}
}

func TestDeliveryActionSendsEveryChannel(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	actions, err := DefaultActions(Dependencies{Provider: p})
	if err != nil {
		t.Fatalf("DefaultActions() error = %v", err)
	}

	event := domain.NotificationEvent{
		MessageID:  "m-1",
		Type:       domain.TypePaymentFailed,
		ReceiverID: "42",
		Options:    map[string]any{"message": "Card declined"},
	}
	if err := actions[domain.TypePaymentFailed].Handle(context.Background(), event); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(p.sent) != 3 {
		t.Fatalf("sent = %d, want 3", len(p.sent))
	}
	for _, m := range p.sent {
		if m.Recipient != "42" || m.Content != "Card declined" {
			t.Fatalf("message = %+v", m)
		}
	}
}

// Redelivering the same messageId must not repeat a completed side effect.
func TestDeliveryActionIsIdempotentByMessageID(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	store := idempotency.NewMemoryStore(0)
	actions, err := DefaultActions(Dependencies{Provider: p, Store: store})
	if err != nil {
		t.Fatalf("DefaultActions() error = %v", err)
	}
	r, err := NewRouter(actions, nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	event := domain.NotificationEvent{MessageID: "dup-1", Type: domain.TypeOrderPlaced, ReceiverID: "7"}
	for i := 0; i < 3; i++ {
		if err := r.Handle(context.Background(), event); err != nil {
			t.Fatalf("Handle() #%d error = %v", i+1, err)
		}
	}

	for channel, count := range p.countFor("dup-1") {
		if count > 1 {
			t.Fatalf("channel %s delivered %d times, want at most 1", channel, count)
		}
	}
	if got := len(p.countFor("dup-1")); got != 2 {
		t.Fatalf("delivered channels = %d, want 2", got)
	}
}

func TestDeliveryActionRetriesOnlyFailedChannels(t *testing.T) {
	t.Parallel()

	failPush := true
	p := &fakeProvider{
		sendFn: func(message provider.Message) error {
			if message.Channel == domain.ChannelPush && failPush {
				return &provider.ProviderError{StatusCode: 503, Transient: true}
			}
			return nil
		},
	}
	actions, err := DefaultActions(Dependencies{Provider: p})
	if err != nil {
		t.Fatalf("DefaultActions() error = %v", err)
	}
	action := actions[domain.TypeOrderPlaced]
	event := domain.NotificationEvent{MessageID: "m-2", Type: domain.TypeOrderPlaced, ReceiverID: "7"}

	err = action.Handle(context.Background(), event)
	var providerErr *provider.ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("Handle() error = %v, want ProviderError", err)
	}

	failPush = false
	if err := action.Handle(context.Background(), event); err != nil {
		t.Fatalf("second Handle() error = %v", err)
	}

	counts := p.countFor("m-2")
	if counts[domain.ChannelEmail] != 1 || counts[domain.ChannelPush] != 1 {
		t.Fatalf("counts = %v, want one email and one push", counts)
	}
}

func TestNewDeliveryActionValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template Template
		deps     Dependencies
	}{
		{name: "no channels", template: Template{}, deps: Dependencies{Provider: &fakeProvider{}}},
		{name: "invalid channel", template: Template{Channels: []domain.Channel{"FAX"}}, deps: Dependencies{Provider: &fakeProvider{}}},
		{name: "no provider", template: Template{Channels: []domain.Channel{domain.ChannelSMS}}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := NewDeliveryAction(tt.template, tt.deps); err == nil {
				t.Fatal("NewDeliveryAction() error = nil, want error")
			}
		})
	}
}
