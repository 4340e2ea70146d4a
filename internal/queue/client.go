package queue

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	TransportKafka  = "kafka"
	TransportMemory = "memory"
)

// ClientOptions selects the Client implementation of a process.
type ClientOptions struct {
	Transport        string
	Kafka            KafkaConfig
	MemoryPartitions int
}

func NewClient(opts ClientOptions, logger *zap.Logger) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Transport)) {
	case "", TransportKafka:
		return NewKafkaClient(opts.Kafka, logger)
	case TransportMemory:
		return NewMemoryClient(opts.MemoryPartitions), nil
	default:
		return nil, fmt.Errorf("unsupported queue transport %q", opts.Transport)
	}
}
