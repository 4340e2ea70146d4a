package queue

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
)

var (
	// ErrClosed is returned by clients and subscriptions used after Close.
	ErrClosed = errors.New("queue client is closed")

	// ErrDeferred is returned by a MessageHandler that keeps ownership of a
	// delivery and will call Delivery.Complete later.
	ErrDeferred = errors.New("delivery deferred")
)

// Record is a single entry read from a partitioned topic.
type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// Client is the broker capability set used by the pipeline. One instance is
// shared by every producer and consumer of a process.
type Client interface {
	// Connect establishes the outbound publish session. Repeated calls reuse it.
	Connect(ctx context.Context) error
	// Publish returns once the broker acknowledged the record.
	Publish(ctx context.Context, topic string, key string, payload []byte) error
	// Subscribe joins groupID on topic. Subscriptions sharing a group split partitions.
	Subscribe(topic string, groupID string) (Subscription, error)
	// Close releases every session. It is safe to call more than once.
	Close() error
}

// Subscription yields records of one topic for one consumer group member.
type Subscription interface {
	Fetch(ctx context.Context) (Record, error)
	Commit(ctx context.Context, record Record) error
	Close() error
}

// Publisher publishes notification events to a topic keyed by receiver.
type Publisher interface {
	Publish(ctx context.Context, topic string, event domain.NotificationEvent) error
}

// MessageHandler handles a consumed delivery.
type MessageHandler func(ctx context.Context, d *Delivery) error

// Consumer runs a handler over every record of a topic for a consumer group.
type Consumer interface {
	Consume(ctx context.Context, topic string, groupID string, handler MessageHandler) error
}

// Topics names the logical channels of the pipeline.
type Topics struct {
	Notification string
	Retry        string
	DeadLetter   string
	// Ready receives events republished by the requeue scheduler.
	Ready string
}

// Groups names the consumer group of each consumer role.
type Groups struct {
	Notification      string
	Retry             string
	DeadLetterArchive string
}

func DefaultTopics() Topics {
	return Topics{
		Notification: "notification-topic",
		Retry:        "notification-retry-topic",
		DeadLetter:   "notification-dlq-topic",
		Ready:        "notification-topic",
	}
}

func DefaultGroups() Groups {
	return Groups{
		Notification:      "notification-group",
		Retry:             "notification-retry-group",
		DeadLetterArchive: "notification-dlq-archive-group",
	}
}
