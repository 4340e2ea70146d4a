package service

import (
	"container/heap"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/observability"
	"github.com/kursadbilgin/notification-pipeline/internal/queue"
	"go.uber.org/zap"
)

const (
	requeueRetryBackoff    = time.Second
	requeueMaxRetryBackoff = 30 * time.Second
)

// RequeueScheduler holds retry-topic deliveries until they are eligible, then
// republishes their events to the ready topic and completes the delivery so
// the retry-topic offset can advance.
type RequeueScheduler struct {
	publisher queue.Publisher
	topic     string
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu    sync.Mutex
	items requeueHeap
	held  map[requeueKey]*requeueItem
	seq   uint64
	wake  chan struct{}
}

// requeueKey identifies a retry record by its position in the log, which
// stays the same when a rebalance redelivers it.
type requeueKey struct {
	topic     string
	partition int
	offset    int64
}

type requeueItem struct {
	key      requeueKey
	delivery *queue.Delivery
	dueAt    time.Time
	failures int
	seq      uint64
}

func keyOf(d *queue.Delivery) requeueKey {
	return requeueKey{
		topic:     d.Record.Topic,
		partition: d.Record.Partition,
		offset:    d.Record.Offset,
	}
}

func NewRequeueScheduler(publisher queue.Publisher, readyTopic string, logger *zap.Logger) (*RequeueScheduler, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if strings.TrimSpace(readyTopic) == "" {
		return nil, fmt.Errorf("ready topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RequeueScheduler{
		publisher: publisher,
		topic:     readyTopic,
		logger:    logger,
		now:       time.Now,
		held:      make(map[requeueKey]*requeueItem),
		wake:      make(chan struct{}, 1),
	}, nil
}

func (s *RequeueScheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Schedule takes ownership of d until its event is republished. A record that
// is already held is adopted instead of being scheduled twice.
func (s *RequeueScheduler) Schedule(d *queue.Delivery) {
	dueAt := s.now()
	if d.Event.ProcessAfter != nil {
		dueAt = *d.Event.ProcessAfter
	}

	s.mu.Lock()
	if item, ok := s.held[keyOf(d)]; ok {
		item.delivery = d
		s.mu.Unlock()
		return
	}
	s.seq++
	item := &requeueItem{key: keyOf(d), delivery: d, dueAt: dueAt, seq: s.seq}
	s.held[item.key] = item
	heap.Push(&s.items, item)
	pending := s.items.Len()
	s.mu.Unlock()

	s.metrics.SetRequeuePending(pending)
	s.signal()
}

// Adopt reports whether the record of d is already held. If so, d replaces
// the held delivery, so the commit goes through the current subscription and
// the record is republished only once.
func (s *RequeueScheduler) Adopt(d *queue.Delivery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.held[keyOf(d)]
	if !ok {
		return false
	}
	item.delivery = d
	return true
}

// Pending returns the number of held deliveries.
func (s *RequeueScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}

// Start republishes due events until ctx is canceled. Held deliveries are
// left uncommitted on shutdown and will be consumed again.
func (s *RequeueScheduler) Start(ctx context.Context) error {
	for {
		wait, ok := s.nextWait()
		if ok && wait <= 0 {
			s.flushDue(ctx)
			continue
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if ok {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			if pending := s.Pending(); pending > 0 {
				s.logger.Info("requeue scheduler stopped with pending events", zap.Int("pending", pending))
			}
			return nil
		case <-s.wake:
		case <-timerC:
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *RequeueScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *RequeueScheduler) nextWait() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.items.Len() == 0 {
		return 0, false
	}
	return s.items[0].dueAt.Sub(s.now()), true
}

func (s *RequeueScheduler) popDue() []*requeueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*requeueItem
	for s.items.Len() > 0 && !s.items[0].dueAt.After(now) {
		due = append(due, heap.Pop(&s.items).(*requeueItem))
	}
	return due
}

func (s *RequeueScheduler) flushDue(ctx context.Context) {
	for _, item := range s.popDue() {
		s.republish(ctx, item)
	}
	s.metrics.SetRequeuePending(s.Pending())
}

func (s *RequeueScheduler) republish(ctx context.Context, item *requeueItem) {
	s.mu.Lock()
	event := item.delivery.Event.Clone()
	s.mu.Unlock()
	event.ProcessAfter = nil

	logger := s.logger.With(observability.EventFields(event)...)

	if err := s.publisher.Publish(context.WithoutCancel(ctx), s.topic, event); err != nil {
		item.failures++
		backoff := requeueBackoff(item.failures)
		item.dueAt = s.now().Add(backoff)

		s.mu.Lock()
		heap.Push(&s.items, item)
		s.mu.Unlock()

		logger.Error("failed to requeue notification, will retry",
			zap.String("topic", s.topic),
			zap.Int("failures", item.failures),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		return
	}
	s.metrics.IncEventPublished(s.topic)

	s.mu.Lock()
	delete(s.held, item.key)
	delivery := item.delivery
	s.mu.Unlock()

	if err := delivery.Complete(); err != nil {
		logger.Warn("requeued notification but failed to commit retry record, it may be requeued again",
			zap.Error(err),
		)
	}

	logger.Info("notification requeued", zap.String("topic", s.topic))
}

func requeueBackoff(failures int) time.Duration {
	backoff := requeueRetryBackoff
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff >= requeueMaxRetryBackoff {
			return requeueMaxRetryBackoff
		}
	}
	return backoff
}

// requeueHeap orders items by due time, then by arrival.
type requeueHeap []*requeueItem

func (h requeueHeap) Len() int { return len(h) }

func (h requeueHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].dueAt.Before(h[j].dueAt)
}

func (h requeueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requeueHeap) Push(x any) { *h = append(*h, x.(*requeueItem)) }

func (h *requeueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
