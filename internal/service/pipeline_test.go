package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/kursadbilgin/notification-pipeline/internal/queue"
	"github.com/kursadbilgin/notification-pipeline/internal/router"
	"golang.org/x/sync/errgroup"
)

// fakeClock is shared by the retry policy and the retry consumer so that
// blocking-mode waits advance time instead of sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

type recordingActions struct {
	mu      sync.Mutex
	handled []domain.NotificationEvent
	failFn  func(event domain.NotificationEvent, call int) error
}

func (r *recordingActions) actions() map[domain.NotificationType]router.Action {
	out := make(map[domain.NotificationType]router.Action)
	for _, t := range domain.NotificationTypes() {
		out[t] = router.ActionFunc(r.handle)
	}
	return out
}

func (r *recordingActions) handle(_ context.Context, event domain.NotificationEvent) error {
	r.mu.Lock()
	r.handled = append(r.handled, event)
	call := 0
	for _, e := range r.handled {
		if e.MessageID == event.MessageID {
			call++
		}
	}
	failFn := r.failFn
	r.mu.Unlock()

	if failFn != nil {
		return failFn(event, call)
	}
	return nil
}

func (r *recordingActions) events() []domain.NotificationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.NotificationEvent, len(r.handled))
	copy(out, r.handled)
	return out
}

type testPipeline struct {
	client   *queue.MemoryClient
	producer *Producer
	policy   *RetryPolicy
	topics   queue.Topics
	groups   queue.Groups
	cancel   context.CancelFunc
	done     chan error
}

type pipelineOptions struct {
	mode   RetryMode
	clock  *fakeClock
	delays []time.Duration
}

func startPipeline(t *testing.T, actions *recordingActions, opts pipelineOptions) *testPipeline {
	t.Helper()

	client := queue.NewMemoryClient(1)
	topics := queue.DefaultTopics()
	groups := queue.DefaultGroups()

	publisher, err := queue.NewEventPublisher(client)
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	consumer, err := queue.NewSubscriptionConsumer(client, nil)
	if err != nil {
		t.Fatalf("NewSubscriptionConsumer() error = %v", err)
	}
	r, err := router.NewRouter(actions.actions(), nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	producer, err := NewProducer(publisher, topics.Notification, nil)
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}
	policy, err := NewRetryPolicy(publisher, RetryPolicyConfig{
		Delays:          opts.delays,
		RetryTopic:      topics.Retry,
		DeadLetterTopic: topics.DeadLetter,
	}, nil)
	if err != nil {
		t.Fatalf("NewRetryPolicy() error = %v", err)
	}

	primary, err := NewPrimaryConsumer(consumer, r, policy, ConsumerConfig{
		Topic: topics.Notification,
		Group: groups.Notification,
	}, nil)
	if err != nil {
		t.Fatalf("NewPrimaryConsumer() error = %v", err)
	}

	var scheduler *RequeueScheduler
	if opts.mode == RetryModeScheduled {
		scheduler, err = NewRequeueScheduler(publisher, topics.Ready, nil)
		if err != nil {
			t.Fatalf("NewRequeueScheduler() error = %v", err)
		}
	}
	retry, err := NewRetryConsumer(consumer, r, policy, ConsumerConfig{
		Topic: topics.Retry,
		Group: groups.Retry,
	}, opts.mode, scheduler, nil)
	if err != nil {
		t.Fatalf("NewRetryConsumer() error = %v", err)
	}

	if opts.clock != nil {
		policy.now = opts.clock.Now
		retry.now = opts.clock.Now
		retry.sleep = opts.clock.Sleep
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		g, groupCtx := errgroup.WithContext(ctx)
		g.Go(func() error { return primary.Start(groupCtx) })
		g.Go(func() error { return retry.Start(groupCtx) })
		done <- g.Wait()
	}()

	p := &testPipeline{
		client:   client,
		producer: producer,
		policy:   policy,
		topics:   topics,
		groups:   groups,
		cancel:   cancel,
		done:     done,
	}
	t.Cleanup(p.stop)
	return p
}

func (p *testPipeline) stop() {
	p.cancel()
	<-p.done
	_ = p.client.Close()
}

func (p *testPipeline) decoded(t *testing.T, topic string) []domain.NotificationEvent {
	t.Helper()

	records := p.client.Records(topic)
	out := make([]domain.NotificationEvent, 0, len(records))
	for _, record := range records {
		event, err := queue.DecodeEvent(record.Value)
		if err != nil {
			t.Fatalf("DecodeEvent() error = %v", err)
		}
		out = append(out, event)
	}
	return out
}

func TestPipelineSuccessfulEventIsHandledOnce(t *testing.T) {
	t.Parallel()

	actions := &recordingActions{}
	p := startPipeline(t, actions, pipelineOptions{mode: RetryModeBlocking, clock: &fakeClock{now: time.Now()}})

	messageID, err := p.producer.Publish(context.Background(), "ORDER_PLACED", "shop", "7", map[string]any{"orderId": "o-1"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	partition := p.client.PartitionFor("7")
	eventually(t, 2*time.Second, func() bool {
		return p.client.Committed(p.topics.Notification, p.groups.Notification, partition) == 1
	})

	handled := actions.events()
	if len(handled) != 1 || handled[0].MessageID != messageID {
		t.Fatalf("handled = %+v, want one call for %s", handled, messageID)
	}
	if n := len(p.client.Records(p.topics.Retry)); n != 0 {
		t.Fatalf("retry records = %d, want 0", n)
	}
	if n := len(p.client.Records(p.topics.DeadLetter)); n != 0 {
		t.Fatalf("dead-letter records = %d, want 0", n)
	}
}

func TestPipelineExhaustsRetriesIntoDeadLetter(t *testing.T) {
	t.Parallel()

	actions := &recordingActions{
		failFn: func(domain.NotificationEvent, int) error { return errors.New("provider down") },
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	p := startPipeline(t, actions, pipelineOptions{mode: RetryModeBlocking, clock: clock})

	messageID, err := p.producer.Publish(context.Background(), "PAYMENT_FAILED", "billing", "42", nil)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	eventually(t, 5*time.Second, func() bool { return len(p.client.Records(p.topics.DeadLetter)) == 1 })

	retries := p.decoded(t, p.topics.Retry)
	if len(retries) != DefaultMaxAttempts {
		t.Fatalf("retry records = %d, want %d", len(retries), DefaultMaxAttempts)
	}
	for i, event := range retries {
		if event.MessageID != messageID {
			t.Fatalf("retry %d messageId = %q, want %q", i+1, event.MessageID, messageID)
		}
		if event.RetryCount != i+1 {
			t.Fatalf("retry %d retryCount = %d, want %d", i+1, event.RetryCount, i+1)
		}
		if event.ProcessAfter == nil || event.LastFailedAt == nil {
			t.Fatalf("retry %d missing processAfter/lastFailedAt", i+1)
		}
		if got := event.ProcessAfter.Sub(*event.LastFailedAt); got != DefaultRetryDelays[i] {
			t.Fatalf("retry %d delay = %s, want %s", i+1, got, DefaultRetryDelays[i])
		}
		if event.LastError != "provider down" {
			t.Fatalf("retry %d lastError = %q, want provider down", i+1, event.LastError)
		}
	}

	dead := p.decoded(t, p.topics.DeadLetter)[0]
	if dead.MessageID != messageID || dead.ReceiverID != "42" {
		t.Fatalf("dead letter identity = %s/%s", dead.MessageID, dead.ReceiverID)
	}
	if dead.RetryCount != DefaultMaxAttempts {
		t.Fatalf("dead letter retryCount = %d, want %d", dead.RetryCount, DefaultMaxAttempts)
	}
	if dead.FinalError != "provider down" || dead.DeadAt == nil || dead.ErrorStack == "" {
		t.Fatalf("dead letter fields = %q/%v/%d bytes of stack", dead.FinalError, dead.DeadAt, len(dead.ErrorStack))
	}
	if len(dead.Attempts) != DefaultMaxAttempts+1 {
		t.Fatalf("attempts = %d, want %d", len(dead.Attempts), DefaultMaxAttempts+1)
	}

	if got := len(actions.events()); got != DefaultMaxAttempts+1 {
		t.Fatalf("handler calls = %d, want %d", got, DefaultMaxAttempts+1)
	}
}

func TestPipelineRecoversOnRetry(t *testing.T) {
	t.Parallel()

	actions := &recordingActions{
		failFn: func(_ domain.NotificationEvent, call int) error {
			if call == 1 {
				return errors.New("timeout")
			}
			return nil
		},
	}
	p := startPipeline(t, actions, pipelineOptions{mode: RetryModeBlocking, clock: &fakeClock{now: time.Now()}})

	if _, err := p.producer.Publish(context.Background(), "SHIPMENT_UPDATE", "carrier", "9", nil); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	partition := p.client.PartitionFor("9")
	eventually(t, 2*time.Second, func() bool {
		return p.client.Committed(p.topics.Retry, p.groups.Retry, partition) == 1
	})

	handled := actions.events()
	if len(handled) != 2 {
		t.Fatalf("handler calls = %d, want 2", len(handled))
	}
	if handled[1].RetryCount != 1 {
		t.Fatalf("second attempt retryCount = %d, want 1", handled[1].RetryCount)
	}
	if n := len(p.client.Records(p.topics.DeadLetter)); n != 0 {
		t.Fatalf("dead-letter records = %d, want 0", n)
	}
}

func TestPipelinePaymentFailedSucceedsOnSecondRetry(t *testing.T) {
	t.Parallel()

	actions := &recordingActions{
		failFn: func(_ domain.NotificationEvent, call int) error {
			if call <= 2 {
				return errors.New("provider down")
			}
			return nil
		},
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	p := startPipeline(t, actions, pipelineOptions{mode: RetryModeBlocking, clock: clock})

	messageID, err := p.producer.Publish(context.Background(), "PAYMENT_FAILED", "billing", "42", nil)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	partition := p.client.PartitionFor("42")
	eventually(t, 2*time.Second, func() bool {
		return len(actions.events()) == 3 &&
			p.client.Committed(p.topics.Retry, p.groups.Retry, partition) == 2
	})

	retries := p.decoded(t, p.topics.Retry)
	if len(retries) != 2 {
		t.Fatalf("retry records = %d, want 2", len(retries))
	}
	wantDelays := []time.Duration{10 * time.Second, 30 * time.Second}
	for i, event := range retries {
		if event.MessageID != messageID || event.ReceiverID != "42" {
			t.Fatalf("retry %d identity = %s/%s, want %s/42", i+1, event.MessageID, event.ReceiverID, messageID)
		}
		if event.RetryCount != i+1 {
			t.Fatalf("retry %d retryCount = %d, want %d", i+1, event.RetryCount, i+1)
		}
		if event.ProcessAfter == nil || event.LastFailedAt == nil {
			t.Fatalf("retry %d missing processAfter/lastFailedAt", i+1)
		}
		if got := event.ProcessAfter.Sub(*event.LastFailedAt); got != wantDelays[i] {
			t.Fatalf("retry %d delay = %s, want %s", i+1, got, wantDelays[i])
		}
	}

	handled := actions.events()
	if last := handled[len(handled)-1]; last.RetryCount != 2 || last.Type != domain.TypePaymentFailed {
		t.Fatalf("final attempt = %s retryCount %d, want PAYMENT_FAILED with 2", last.Type, last.RetryCount)
	}
	if n := len(p.client.Records(p.topics.DeadLetter)); n != 0 {
		t.Fatalf("dead-letter records = %d, want 0", n)
	}
}

func TestPipelineKeepsReceiverOrder(t *testing.T) {
	t.Parallel()

	actions := &recordingActions{}
	p := startPipeline(t, actions, pipelineOptions{mode: RetryModeBlocking, clock: &fakeClock{now: time.Now()}})

	var ids []string
	for _, typ := range []string{"ORDER_PLACED", "PAYMENT_SUCCESS", "SHIPMENT_UPDATE"} {
		id, err := p.producer.Publish(context.Background(), typ, "shop", "7", nil)
		if err != nil {
			t.Fatalf("Publish(%s) error = %v", typ, err)
		}
		ids = append(ids, id)
	}

	eventually(t, 2*time.Second, func() bool { return len(actions.events()) == len(ids) })

	for i, event := range actions.events() {
		if event.MessageID != ids[i] {
			t.Fatalf("handled[%d] = %s, want %s", i, event.MessageID, ids[i])
		}
	}
}

func TestPipelineRejectsUnknownTypeBeforePublishing(t *testing.T) {
	t.Parallel()

	p := startPipeline(t, &recordingActions{}, pipelineOptions{mode: RetryModeBlocking, clock: &fakeClock{now: time.Now()}})

	_, err := p.producer.Publish(context.Background(), "BOGUS", "shop", "7", nil)
	if !errors.Is(err, domain.ErrInvalidType) {
		t.Fatalf("Publish() error = %v, want %v", err, domain.ErrInvalidType)
	}
	if n := len(p.client.Records(p.topics.Notification)); n != 0 {
		t.Fatalf("notification records = %d, want 0", n)
	}
}

func TestPipelineScheduledRetryRequeuesToNotificationTopic(t *testing.T) {
	t.Parallel()

	actions := &recordingActions{
		failFn: func(_ domain.NotificationEvent, call int) error {
			if call <= 2 {
				return errors.New("timeout")
			}
			return nil
		},
	}
	p := startPipeline(t, actions, pipelineOptions{
		mode:   RetryModeScheduled,
		delays: []time.Duration{150 * time.Millisecond, 150 * time.Millisecond},
	})

	messageID, err := p.producer.Publish(context.Background(), "PAYMENT_SUCCESS", "billing", "42", nil)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	partition := p.client.PartitionFor("42")
	eventually(t, 3*time.Second, func() bool {
		return len(actions.events()) == 3 &&
			p.client.Committed(p.topics.Retry, p.groups.Retry, partition) == 2
	})

	handled := actions.events()
	for i, event := range handled {
		if event.MessageID != messageID {
			t.Fatalf("handled[%d] = %s, want %s", i, event.MessageID, messageID)
		}
		if event.RetryCount != i {
			t.Fatalf("handled[%d] retryCount = %d, want %d", i, event.RetryCount, i)
		}
	}
	if n := len(p.client.Records(p.topics.DeadLetter)); n != 0 {
		t.Fatalf("dead-letter records = %d, want 0", n)
	}
}
