package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultBatchTimeout = 10 * time.Millisecond
	readerMaxBytes      = 10e6
	readerMaxWait       = 500 * time.Millisecond
)

// KafkaConfig configures the Kafka client.
type KafkaConfig struct {
	Brokers       []string
	ClientID      string
	FromBeginning bool
	DialTimeout   time.Duration
}

var _ Client = (*KafkaClient)(nil)

// KafkaClient owns one synchronous writer for every topic and one reader per
// subscription.
type KafkaClient struct {
	cfg    KafkaConfig
	dialer *kafka.Dialer
	logger *zap.Logger

	mu      sync.Mutex
	writer  *kafka.Writer
	readers map[*kafkaSubscription]struct{}
	closed  bool
}

func NewKafkaClient(cfg KafkaConfig, logger *zap.Logger) (*KafkaClient, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker address is required")
	}
	cfg.Brokers = brokers
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &KafkaClient{
		cfg: cfg,
		dialer: &kafka.Dialer{
			ClientID:  cfg.ClientID,
			Timeout:   cfg.DialTimeout,
			DualStack: true,
		},
		logger:  logger,
		readers: make(map[*kafkaSubscription]struct{}),
	}, nil
}

// Connect verifies that a broker is reachable and creates the shared writer.
func (k *KafkaClient) Connect(ctx context.Context) error {
	_, err := k.ensureWriter(ctx)
	return err
}

func (k *KafkaClient) ensureWriter(ctx context.Context) (*kafka.Writer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil, ErrClosed
	}
	if k.writer != nil {
		return k.writer, nil
	}

	if err := k.dialAny(ctx); err != nil {
		return nil, &TransportError{Op: "connect", Cause: err}
	}

	k.writer = &kafka.Writer{
		Addr:                   kafka.TCP(k.cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           defaultBatchTimeout,
		Async:                  false,
		AllowAutoTopicCreation: true,
		Transport: &kafka.Transport{
			ClientID:    k.cfg.ClientID,
			DialTimeout: k.cfg.DialTimeout,
		},
	}

	k.logger.Info("kafka producer connected",
		zap.Strings("brokers", k.cfg.Brokers),
		zap.String("clientId", k.cfg.ClientID),
	)
	return k.writer, nil
}

func (k *KafkaClient) dialAny(ctx context.Context) error {
	var errs []error
	for _, broker := range k.cfg.Brokers {
		conn, err := k.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("dial %s: %w", broker, err))
			continue
		}
		_ = conn.Close()
		return nil
	}
	return errors.Join(errs...)
}

func (k *KafkaClient) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	writer, err := k.ensureWriter(ctx)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now().UTC(),
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		return &TransportError{Op: "publish", Topic: topic, Cause: err}
	}
	return nil
}

func (k *KafkaClient) Subscribe(topic string, groupID string) (Subscription, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("topic name is required")
	}
	if strings.TrimSpace(groupID) == "" {
		return nil, fmt.Errorf("consumer group is required")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil, ErrClosed
	}

	startOffset := kafka.LastOffset
	if k.cfg.FromBeginning {
		startOffset = kafka.FirstOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.cfg.Brokers,
		GroupID:        groupID,
		Topic:          topic,
		Dialer:         k.dialer,
		MinBytes:       1,
		MaxBytes:       readerMaxBytes,
		MaxWait:        readerMaxWait,
		StartOffset:    startOffset,
		CommitInterval: 0,
	})

	sub := &kafkaSubscription{
		client: k,
		reader: reader,
		topic:  topic,
	}
	k.readers[sub] = struct{}{}

	k.logger.Info("kafka consumer subscribed",
		zap.String("topic", topic),
		zap.String("group", groupID),
	)
	return sub, nil
}

func (k *KafkaClient) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true

	readers := make([]*kafkaSubscription, 0, len(k.readers))
	for sub := range k.readers {
		readers = append(readers, sub)
	}
	k.readers = make(map[*kafkaSubscription]struct{})
	writer := k.writer
	k.writer = nil
	k.mu.Unlock()

	var errs []error
	for _, sub := range readers {
		if err := sub.closeReader(); err != nil {
			errs = append(errs, err)
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka writer: %w", err))
		}
	}

	k.logger.Info("kafka client disconnected")
	return errors.Join(errs...)
}

func (k *KafkaClient) forget(sub *kafkaSubscription) {
	k.mu.Lock()
	delete(k.readers, sub)
	k.mu.Unlock()
}

type kafkaSubscription struct {
	client *KafkaClient
	reader *kafka.Reader
	topic  string

	closeOnce sync.Once
	closeErr  error
}

func (s *kafkaSubscription) Fetch(ctx context.Context) (Record, error) {
	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Record{}, ctx.Err()
		}
		return Record{}, &TransportError{Op: "fetch", Topic: s.topic, Cause: err}
	}

	return Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Time:      msg.Time,
	}, nil
}

func (s *kafkaSubscription) Commit(ctx context.Context, record Record) error {
	return s.reader.CommitMessages(ctx, kafka.Message{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
	})
}

func (s *kafkaSubscription) Close() error {
	s.client.forget(s)
	return s.closeReader()
}

func (s *kafkaSubscription) closeReader() error {
	s.closeOnce.Do(func() {
		if err := s.reader.Close(); err != nil {
			s.closeErr = fmt.Errorf("close kafka reader for %s: %w", s.topic, err)
		}
	})
	return s.closeErr
}
