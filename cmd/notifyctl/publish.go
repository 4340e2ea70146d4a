package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/config"
	"github.com/kursadbilgin/notification-pipeline/internal/observability"
	"github.com/kursadbilgin/notification-pipeline/internal/queue"
	"github.com/kursadbilgin/notification-pipeline/internal/service"
	"github.com/spf13/cobra"
)

const publishTimeout = 30 * time.Second

type publishOptions struct {
	notificationType string
	senderID         string
	receiverID       string
	options          []string
	brokers          []string
	topic            string
}

func newPublishCmd() *cobra.Command {
	opts := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one notification event",
		Example: `  notifyctl publish --type ORDER_PLACED --sender shop --receiver 7 --option orderId=o-1
  notifyctl publish --type PAYMENT_FAILED --receiver 42 --brokers kafka-1:9092,kafka-2:9092`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.notificationType, "type", "", "Notification type (ORDER_PLACED, PAYMENT_SUCCESS, PAYMENT_FAILED, SHIPMENT_UPDATE)")
	flags.StringVar(&opts.senderID, "sender", "", "Sender id")
	flags.StringVar(&opts.receiverID, "receiver", "", "Receiver id, also the partition key")
	flags.StringArrayVar(&opts.options, "option", nil, "Event option as key=value, repeatable")
	flags.StringSliceVar(&opts.brokers, "brokers", nil, "Kafka brokers, overrides KAFKA_BROKERS")
	flags.StringVar(&opts.topic, "topic", "", "Notification topic, overrides NOTIFICATION_TOPIC")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("receiver")

	return cmd
}

func runPublish(cmd *cobra.Command, opts *publishOptions) error {
	eventOptions, err := parseOptions(opts.options)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	clientOpts, err := publishClientOptions(cfg, opts.brokers)
	if err != nil {
		return err
	}
	topic := cfg.Topics().Notification
	if strings.TrimSpace(opts.topic) != "" {
		topic = opts.topic
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	client, err := queue.NewClient(clientOpts, logger)
	if err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck

	publisher, err := queue.NewEventPublisher(client)
	if err != nil {
		return err
	}
	producer, err := service.NewProducer(publisher, topic, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), publishTimeout)
	defer cancel()

	messageID, err := producer.Publish(ctx, opts.notificationType, opts.senderID, opts.receiverID, eventOptions)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), messageID)
	return nil
}

// publishClientOptions resolves the broker the event is sent to. The memory
// transport lives inside this process, so no worker could ever read from it.
func publishClientOptions(cfg *config.Config, brokers []string) (queue.ClientOptions, error) {
	if cfg.Transport() == queue.TransportMemory {
		return queue.ClientOptions{}, fmt.Errorf("publish requires QUEUE_TRANSPORT=%s, %s events never leave this process", queue.TransportKafka, queue.TransportMemory)
	}
	if len(brokers) > 0 {
		cfg.KafkaBrokers = strings.Join(brokers, ",")
	}
	return cfg.QueueClientOptions(), nil
}

func parseOptions(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --option %q, want key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}
