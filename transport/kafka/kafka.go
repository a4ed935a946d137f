// Package kafka provides a Kafka broker for event handlers.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/callflow/internal/runtime/cloudevents"
	"github.com/drblury/callflow/transport"
)

const (
	TransportName = "kafka"

	// DefaultConsumerGroup is used when the configuration names none.
	DefaultConsumerGroup = "callflow"

	// ClientID identifies callflow connections in broker logs and quotas.
	ClientID = "callflow"
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// Register adds the Kafka broker to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a Kafka publisher and a consumer-group subscriber. Events
// sharing a subject land on one partition and are consumed in order.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("kafka: at least one broker address is required")
	}
	subConfig, err := subscriberConfig(cfg)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(publisherConfig(brokers), logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("kafka publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(subConfig, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("kafka subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

func publisherConfig(brokers []string) kafka.PublisherConfig {
	saramaConfig := kafka.DefaultSaramaSyncPublisherConfig()
	saramaConfig.ClientID = ClientID
	return kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             kafka.NewWithPartitioningMarshaler(PartitionKey),
		OverwriteSaramaConfig: saramaConfig,
	}
}

func subscriberConfig(cfg transport.Config) (kafka.SubscriberConfig, error) {
	offset, err := initialOffset(cfg.GetKafkaInitialOffset())
	if err != nil {
		return kafka.SubscriberConfig{}, err
	}
	group := cfg.GetKafkaConsumerGroup()
	if group == "" {
		group = DefaultConsumerGroup
	}

	saramaConfig := kafka.DefaultSaramaSubscriberConfig()
	saramaConfig.ClientID = ClientID
	saramaConfig.Consumer.Offsets.Initial = offset

	return kafka.SubscriberConfig{
		Brokers:               cfg.GetKafkaBrokers(),
		Unmarshaler:           kafka.DefaultMarshaler{},
		ConsumerGroup:         group,
		OverwriteSaramaConfig: saramaConfig,
	}, nil
}

func initialOffset(name string) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "newest":
		return sarama.OffsetNewest, nil
	case "oldest":
		return sarama.OffsetOldest, nil
	default:
		return 0, fmt.Errorf("kafka: initial offset %q is neither newest nor oldest", name)
	}
}

// PartitionKey keys a message by its CloudEvent subject, then its event id,
// then the message UUID.
func PartitionKey(_ string, msg *message.Message) (string, error) {
	if subject := msg.Metadata.Get(cloudevents.MetaSubject); subject != "" {
		return subject, nil
	}
	if id := msg.Metadata.Get(cloudevents.MetaID); id != "" {
		return id, nil
	}
	return msg.UUID, nil
}

func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
