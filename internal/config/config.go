package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/notification-pipeline/internal/queue"
)

// defaultRetryDelaysMS is applied in code because go-env splits tag values on commas.
var defaultRetryDelaysMS = []int{10000, 30000, 60000, 300000, 900000}

type Config struct {
	QueueTransport     string `env:"QUEUE_TRANSPORT,default=kafka"`
	KafkaBrokers       string `env:"KAFKA_BROKERS,default=localhost:9092"`
	KafkaClientID      string `env:"KAFKA_CLIENT_ID,default=ecommerce-system"`
	KafkaFromBeginning bool   `env:"KAFKA_FROM_BEGINNING,default=false"`
	MemoryPartitions   int    `env:"MEMORY_PARTITIONS,default=4"`

	NotificationTopic      string `env:"NOTIFICATION_TOPIC,default=notification-topic"`
	NotificationRetryTopic string `env:"NOTIFICATION_RETRY_TOPIC,default=notification-retry-topic"`
	NotificationDLQTopic   string `env:"NOTIFICATION_DLQ_TOPIC,default=notification-dlq-topic"`
	NotificationReadyTopic string `env:"NOTIFICATION_READY_TOPIC"`

	NotificationGroup      string `env:"NOTIFICATION_GROUP,default=notification-group"`
	NotificationRetryGroup string `env:"NOTIFICATION_RETRY_GROUP,default=notification-retry-group"`
	DLQArchiveGroup        string `env:"NOTIFICATION_DLQ_ARCHIVE_GROUP,default=notification-dlq-archive-group"`

	MaxAttempts       int    `env:"MAX_ATTEMPTS,default=5"`
	RetryDelaysMS     string `env:"RETRY_DELAYS_MS"`
	RetryMode         string `env:"RETRY_MODE,default=scheduled"`
	StrictTypes       bool   `env:"STRICT_TYPES,default=false"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY,default=1"`

	RedisURL            string `env:"REDIS_URL"`
	DatabaseDSN         string `env:"DATABASE_DSN"`
	DatabaseMaxConns    int    `env:"DATABASE_MAX_CONNS,default=10"`
	WebhookURL          string `env:"WEBHOOK_URL"`
	RateLimitPerSec     int    `env:"RATE_LIMIT_PER_SEC,default=100"`
	RateLimitChannels   string `env:"RATE_LIMIT_CHANNELS"`
	IdempotencyTTLHours int    `env:"IDEMPOTENCY_TTL_HOURS,default=72"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.QueueTransport)) {
	case queue.TransportKafka:
		if len(c.Brokers()) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS must name at least one broker"))
		}
	case queue.TransportMemory:
	default:
		errs = append(errs, fmt.Errorf("QUEUE_TRANSPORT must be %s or %s (got %q)", queue.TransportKafka, queue.TransportMemory, c.QueueTransport))
	}

	switch strings.ToLower(strings.TrimSpace(c.RetryMode)) {
	case "scheduled", "blocking":
	default:
		errs = append(errs, fmt.Errorf("RETRY_MODE must be scheduled or blocking (got %q)", c.RetryMode))
	}

	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be >= 1 (got %d)", c.MaxAttempts))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be >= 1 (got %d)", c.WorkerConcurrency))
	}
	if c.RateLimitPerSec < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_SEC must be >= 1 (got %d)", c.RateLimitPerSec))
	}
	if c.DatabaseMaxConns < 1 {
		errs = append(errs, fmt.Errorf("DATABASE_MAX_CONNS must be >= 1 (got %d)", c.DatabaseMaxConns))
	}
	if c.IdempotencyTTLHours < 1 {
		errs = append(errs, fmt.Errorf("IDEMPOTENCY_TTL_HOURS must be >= 1 (got %d)", c.IdempotencyTTLHours))
	}
	if _, err := c.RetryDelays(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ChannelLimits(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Transport returns the normalized QUEUE_TRANSPORT value.
func (c *Config) Transport() string {
	return strings.ToLower(strings.TrimSpace(c.QueueTransport))
}

func (c *Config) QueueClientOptions() queue.ClientOptions {
	return queue.ClientOptions{
		Transport: c.Transport(),
		Kafka: queue.KafkaConfig{
			Brokers:       c.Brokers(),
			ClientID:      c.KafkaClientID,
			FromBeginning: c.KafkaFromBeginning,
		},
		MemoryPartitions: c.MemoryPartitions,
	}
}

func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// RetryDelays parses RETRY_DELAYS_MS, falling back to the default backoff table.
func (c *Config) RetryDelays() ([]time.Duration, error) {
	raw := splitList(c.RetryDelaysMS)
	if len(raw) == 0 {
		delays := make([]time.Duration, 0, len(defaultRetryDelaysMS))
		for _, ms := range defaultRetryDelaysMS {
			delays = append(delays, time.Duration(ms)*time.Millisecond)
		}
		return delays, nil
	}

	delays := make([]time.Duration, 0, len(raw))
	for _, item := range raw {
		ms, err := strconv.Atoi(item)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("RETRY_DELAYS_MS entries must be non-negative integers (got %q)", item)
		}
		delays = append(delays, time.Duration(ms)*time.Millisecond)
	}
	return delays, nil
}

// ChannelLimits parses RATE_LIMIT_CHANNELS, e.g. "SMS=10,EMAIL=50".
func (c *Config) ChannelLimits() (map[string]int, error) {
	raw := splitList(c.RateLimitChannels)
	if len(raw) == 0 {
		return nil, nil
	}

	limits := make(map[string]int, len(raw))
	for _, item := range raw {
		channel, value, ok := strings.Cut(item, "=")
		channel = strings.ToUpper(strings.TrimSpace(channel))
		limit, err := strconv.Atoi(strings.TrimSpace(value))
		if !ok || channel == "" || err != nil || limit < 1 {
			return nil, fmt.Errorf("RATE_LIMIT_CHANNELS entries must look like CHANNEL=limit (got %q)", item)
		}
		limits[channel] = limit
	}
	return limits, nil
}

func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

func (c *Config) Topics() queue.Topics {
	topics := queue.Topics{
		Notification: c.NotificationTopic,
		Retry:        c.NotificationRetryTopic,
		DeadLetter:   c.NotificationDLQTopic,
		Ready:        strings.TrimSpace(c.NotificationReadyTopic),
	}
	if topics.Ready == "" {
		topics.Ready = topics.Notification
	}
	return topics
}

func (c *Config) Groups() queue.Groups {
	return queue.Groups{
		Notification:      c.NotificationGroup,
		Retry:             c.NotificationRetryGroup,
		DeadLetterArchive: c.DLQArchiveGroup,
	}
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
