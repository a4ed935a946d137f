// Package rabbitmq provides a RabbitMQ (AMQP 0.9.1) broker for event handlers.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/callflow/transport"
)

const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// CloseConnection allows overriding how the shared connection is closed for
// testing.
var CloseConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// Register adds the RabbitMQ broker to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a durable pub/sub pair sharing one reconnecting connection.
// Every topic is a fanout exchange. Consumers bind a queue named after the
// topic, suffixed with the consumer group when one is set, so instances of
// one group share the events and separate groups each receive them all.
// Closing the subscriber closes the connection.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	connConfig, err := connectionConfig(cfg.GetRabbitMQURL())
	if err != nil {
		return transport.Transport{}, err
	}
	amqpConfig := amqp.NewDurablePubSubConfig(connConfig.AmqpURI, queueNamer(cfg.GetRabbitMQConsumerGroup()))
	amqpConfig.Connection = connConfig

	conn, err := ConnectionFactory(connConfig, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq connection: %w", err)
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = CloseConnection(conn)
		return transport.Transport{}, fmt.Errorf("rabbitmq publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = CloseConnection(conn)
		return transport.Transport{}, fmt.Errorf("rabbitmq subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &connSubscriber{Subscriber: subscriber, conn: conn},
	}, nil
}

func connectionConfig(rawURL string) (amqp.ConnectionConfig, error) {
	if rawURL == "" {
		return amqp.ConnectionConfig{}, errors.New("rabbitmq: url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return amqp.ConnectionConfig{}, fmt.Errorf("rabbitmq: invalid url: %w", err)
	}

	conf := amqp.ConnectionConfig{
		AmqpURI:   rawURL,
		Reconnect: amqp.DefaultReconnectConfig(),
	}
	switch parsed.Scheme {
	case "amqp":
	case "amqps":
		conf.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: parsed.Hostname()}
	default:
		return amqp.ConnectionConfig{}, fmt.Errorf("rabbitmq: url scheme %q is not amqp or amqps", parsed.Scheme)
	}
	return conf, nil
}

func queueNamer(group string) amqp.QueueNameGenerator {
	if group == "" {
		return amqp.GenerateQueueNameTopicName
	}
	return amqp.GenerateQueueNameTopicNameWithSuffix(group)
}

// connSubscriber closes the shared connection after the subscriber.
type connSubscriber struct {
	message.Subscriber
	conn *amqp.ConnectionWrapper
}

func (s *connSubscriber) Close() error {
	return errors.Join(s.Subscriber.Close(), CloseConnection(s.conn))
}

func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
