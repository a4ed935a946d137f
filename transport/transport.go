// Package transport connects event handlers to message brokers. Each broker
// lives in its own sub-package and registers a Builder under its name; a
// function server picks one by name from its configuration.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the publisher and the subscriber. A value serving both roles
// is closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if t.Subscriber != nil && !sameValue(t.Publisher, t.Subscriber) {
		if err := t.Subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}
	return errors.Join(errs...)
}

func sameValue(pub message.Publisher, sub message.Subscriber) (same bool) {
	if pub == nil {
		return false
	}
	defer func() {
		// Non-comparable dynamic types panic on ==.
		if recover() != nil {
			same = false
		}
	}()
	other, ok := sub.(message.Publisher)
	return ok && other == pub
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values brokers need without depending on the server
// configuration.
type Config interface {
	// GetBroker returns the registered transport name.
	GetBroker() string

	// Channel
	GetChannelBufferSize() int64

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string
	GetKafkaInitialOffset() string

	// RabbitMQ
	GetRabbitMQURL() string
	GetRabbitMQConsumerGroup() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// Settings is a Config backed by plain fields. The mapstructure tags let it be
// filled from viper.
type Settings struct {
	Broker string `mapstructure:"broker"`

	// ChannelBufferSize is the per-subscriber buffer of the in-memory broker.
	ChannelBufferSize int64 `mapstructure:"channel_buffer_size"`

	KafkaBrokers       []string `mapstructure:"kafka_brokers"`
	KafkaConsumerGroup string   `mapstructure:"kafka_consumer_group"`
	// KafkaInitialOffset is "newest" (default) or "oldest" and applies to
	// consumer groups without committed offsets.
	KafkaInitialOffset string `mapstructure:"kafka_initial_offset"`

	RabbitMQURL string `mapstructure:"rabbitmq_url"`
	// RabbitMQConsumerGroup suffixes queue names so that instances sharing a
	// group compete for events while other groups each get a copy.
	RabbitMQConsumerGroup string `mapstructure:"rabbitmq_consumer_group"`

	NATSURL string `mapstructure:"nats_url"`

	// HTTPServerAddress is where the HTTP subscriber listens for pushed
	// messages. It must differ from the function server address.
	HTTPServerAddress string `mapstructure:"http_server_address"`
	// HTTPPublisherURL is the base URL messages are POSTed to; the topic is
	// appended.
	HTTPPublisherURL string `mapstructure:"http_publisher_url"`

	AWSRegion          string `mapstructure:"aws_region"`
	AWSAccountID       string `mapstructure:"aws_account_id"`
	AWSAccessKeyID     string `mapstructure:"aws_access_key_id"`
	AWSSecretAccessKey string `mapstructure:"aws_secret_access_key"`
	// AWSEndpoint points at LocalStack or another compatible endpoint.
	AWSEndpoint string `mapstructure:"aws_endpoint"`
}

func (s *Settings) GetBroker() string                { return s.Broker }
func (s *Settings) GetChannelBufferSize() int64      { return s.ChannelBufferSize }
func (s *Settings) GetKafkaBrokers() []string        { return s.KafkaBrokers }
func (s *Settings) GetKafkaConsumerGroup() string    { return s.KafkaConsumerGroup }
func (s *Settings) GetKafkaInitialOffset() string    { return s.KafkaInitialOffset }
func (s *Settings) GetRabbitMQURL() string           { return s.RabbitMQURL }
func (s *Settings) GetRabbitMQConsumerGroup() string { return s.RabbitMQConsumerGroup }
func (s *Settings) GetNATSURL() string               { return s.NATSURL }
func (s *Settings) GetHTTPServerAddress() string     { return s.HTTPServerAddress }
func (s *Settings) GetHTTPPublisherURL() string      { return s.HTTPPublisherURL }
func (s *Settings) GetAWSRegion() string             { return s.AWSRegion }
func (s *Settings) GetAWSAccountID() string          { return s.AWSAccountID }
func (s *Settings) GetAWSAccessKeyID() string        { return s.AWSAccessKeyID }
func (s *Settings) GetAWSSecretAccessKey() string    { return s.AWSSecretAccessKey }
func (s *Settings) GetAWSEndpoint() string           { return s.AWSEndpoint }

// String masks credentials.
func (s Settings) String() string {
	c := s
	c.RabbitMQURL = redactURLCredentials(c.RabbitMQURL)
	c.NATSURL = redactURLCredentials(c.NATSURL)
	if c.AWSSecretAccessKey != "" {
		c.AWSSecretAccessKey = "***REDACTED***"
	}
	type settingsAlias Settings
	return fmt.Sprintf("%+v", settingsAlias(c))
}

func redactURLCredentials(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "***REDACTED_URL***"
	}
	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "***REDACTED***")
		}
	}
	return parsed.String()
}
