package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/kursadbilgin/notification-pipeline/internal/queue"
	"github.com/kursadbilgin/notification-pipeline/internal/repository"
)

func newTestArchiver(t *testing.T, publisher *fakePublisher, repo *fakeDeadLetterRepo) *DeadLetterArchiver {
	t.Helper()

	archiver, err := NewDeadLetterArchiver(&fakeConsumer{}, publisher, repo, ConsumerConfig{
		Topic: "notification-dlq-topic",
		Group: "notification-dlq-archive-group",
	}, "notification-topic", nil)
	if err != nil {
		t.Fatalf("NewDeadLetterArchiver() error = %v", err)
	}
	return archiver
}

func deadEvent() domain.NotificationEvent {
	event := failedEvent(DefaultMaxAttempts)
	deadAt := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	event.DeadAt = &deadAt
	event.FinalError = "provider down"
	event.ErrorStack = "goroutine 1"
	event.LastError = "provider down"
	return event
}

func TestNewDeadLetterArchiverValidation(t *testing.T) {
	t.Parallel()

	cfg := ConsumerConfig{Topic: "notification-dlq-topic", Group: "notification-dlq-archive-group"}

	if _, err := NewDeadLetterArchiver(nil, &fakePublisher{}, &fakeDeadLetterRepo{}, cfg, "notification-topic", nil); err == nil {
		t.Fatal("NewDeadLetterArchiver(nil consumer) error = nil, want error")
	}
	if _, err := NewDeadLetterArchiver(&fakeConsumer{}, nil, &fakeDeadLetterRepo{}, cfg, "notification-topic", nil); err == nil {
		t.Fatal("NewDeadLetterArchiver(nil publisher) error = nil, want error")
	}
	if _, err := NewDeadLetterArchiver(&fakeConsumer{}, &fakePublisher{}, nil, cfg, "notification-topic", nil); err == nil {
		t.Fatal("NewDeadLetterArchiver(nil repo) error = nil, want error")
	}
	if _, err := NewDeadLetterArchiver(&fakeConsumer{}, &fakePublisher{}, &fakeDeadLetterRepo{}, cfg, "", nil); err == nil {
		t.Fatal("NewDeadLetterArchiver(blank replay topic) error = nil, want error")
	}
}

func TestDeadLetterArchiverHandleStoresEntry(t *testing.T) {
	t.Parallel()

	var saved *domain.DeadLetter
	repo := &fakeDeadLetterRepo{
		saveFn: func(ctx context.Context, d *domain.DeadLetter) (bool, error) {
			saved = d
			return true, nil
		},
	}
	archiver := newTestArchiver(t, &fakePublisher{}, repo)

	if err := archiver.handle(context.Background(), &queue.Delivery{Event: deadEvent()}); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if saved == nil {
		t.Fatal("dead letter was not saved")
	}
	if saved.MessageID != "msg-42" || saved.ReceiverID != "42" {
		t.Fatalf("saved identity = %s/%s, want msg-42/42", saved.MessageID, saved.ReceiverID)
	}
	if saved.RetryCount != DefaultMaxAttempts || saved.FinalError != "provider down" {
		t.Fatalf("saved retryCount/finalError = %d/%q", saved.RetryCount, saved.FinalError)
	}
}

func TestDeadLetterArchiverHandleSaveError(t *testing.T) {
	t.Parallel()

	saveErr := errors.New("db down")
	archiver := newTestArchiver(t, &fakePublisher{}, &fakeDeadLetterRepo{
		saveFn: func(context.Context, *domain.DeadLetter) (bool, error) { return false, saveErr },
	})

	err := archiver.handle(context.Background(), &queue.Delivery{Event: deadEvent()})
	if !errors.Is(err, saveErr) {
		t.Fatalf("handle() error = %v, want %v", err, saveErr)
	}
}

func TestDeadLetterArchiverReplay(t *testing.T) {
	t.Parallel()

	replayedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var markedID string
	entry := domain.NewDeadLetter(deadEvent(), replayedAt.Add(-time.Hour))

	repo := &fakeDeadLetterRepo{
		getFn: func(ctx context.Context, messageID string) (*domain.DeadLetter, error) {
			if messageID != "msg-42" {
				return nil, domain.ErrNotFound
			}
			return &entry, nil
		},
		markReplayedFn: func(ctx context.Context, messageID string, at time.Time) error {
			markedID = messageID
			if !at.Equal(replayedAt) {
				t.Fatalf("replayed at = %v, want %v", at, replayedAt)
			}
			return nil
		},
	}
	publisher := &fakePublisher{}
	archiver := newTestArchiver(t, publisher, repo)
	archiver.now = func() time.Time { return replayedAt }

	event, err := archiver.Replay(context.Background(), " msg-42 ")
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if event.RetryCount != DefaultMaxAttempts || event.RetriesSpent() != 0 || event.IsDead() || event.FinalError != "" {
		t.Fatalf("replayed event = %+v, want retryCount kept and a fresh retry budget", event)
	}
	if event.LastError != "provider down" {
		t.Fatalf("lastError = %q, want history kept", event.LastError)
	}
	if markedID != "msg-42" {
		t.Fatalf("marked id = %q, want msg-42", markedID)
	}

	calls := publisher.published()
	if len(calls) != 1 || calls[0].topic != "notification-topic" || calls[0].event.MessageID != "msg-42" {
		t.Fatalf("published = %+v, want msg-42 on notification-topic", calls)
	}
}

func TestDeadLetterArchiverReplayErrors(t *testing.T) {
	t.Parallel()

	publisher := &fakePublisher{}
	archiver := newTestArchiver(t, publisher, &fakeDeadLetterRepo{})

	if _, err := archiver.Replay(context.Background(), " "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Replay(blank) error = %v, want %v", err, domain.ErrValidation)
	}
	if _, err := archiver.Replay(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Replay(missing) error = %v, want %v", err, domain.ErrNotFound)
	}
	if n := len(publisher.published()); n != 0 {
		t.Fatalf("publish calls = %d, want 0", n)
	}
}

type fakeDeadLetterRepo struct {
	saveFn         func(ctx context.Context, d *domain.DeadLetter) (bool, error)
	getFn          func(ctx context.Context, messageID string) (*domain.DeadLetter, error)
	listFn         func(ctx context.Context, filter repository.DeadLetterFilter) ([]domain.DeadLetter, error)
	markReplayedFn func(ctx context.Context, messageID string, at time.Time) error
}

func (f *fakeDeadLetterRepo) Save(ctx context.Context, d *domain.DeadLetter) (bool, error) {
	if f.saveFn != nil {
		return f.saveFn(ctx, d)
	}
	return true, nil
}

func (f *fakeDeadLetterRepo) GetByMessageID(ctx context.Context, messageID string) (*domain.DeadLetter, error) {
	if f.getFn != nil {
		return f.getFn(ctx, messageID)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeDeadLetterRepo) List(ctx context.Context, filter repository.DeadLetterFilter) ([]domain.DeadLetter, error) {
	if f.listFn != nil {
		return f.listFn(ctx, filter)
	}
	return nil, nil
}

func (f *fakeDeadLetterRepo) MarkReplayed(ctx context.Context, messageID string, at time.Time) error {
	if f.markReplayedFn != nil {
		return f.markReplayedFn(ctx, messageID, at)
	}
	return nil
}
