// Package http provides a broker that POSTs messages to an HTTP endpoint and
// receives them on a separate listener.
package http

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/callflow/transport"
)

const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

// Register adds the HTTP broker to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates the HTTP broker. Messages for topic T are POSTed to
// HTTPPublisherURL + "/" + T. When HTTPServerAddress is empty the transport
// only publishes.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	publisherURL := strings.TrimSuffix(cfg.GetHTTPPublisherURL(), "/")
	if serverAddr == "" && publisherURL == "" {
		return transport.Transport{}, errors.New("http: a publisher url or a server address is required")
	}

	var tr transport.Transport
	if publisherURL != "" {
		publisher, err := PublisherFactory(
			http.PublisherConfig{
				MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
					return http.DefaultMarshalMessageFunc(publisherURL+"/"+topic, msg)
				},
			},
			logger,
		)
		if err != nil {
			return transport.Transport{}, fmt.Errorf("http publisher: %w", err)
		}
		tr.Publisher = publisher
	}

	if serverAddr != "" {
		subscriber, err := SubscriberFactory(
			serverAddr,
			http.SubscriberConfig{
				UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
			},
			logger,
		)
		if err != nil {
			_ = tr.Close()
			return transport.Transport{}, fmt.Errorf("http subscriber: %w", err)
		}
		tr.Subscriber = subscriber

		if s, ok := subscriber.(*http.Subscriber); ok {
			go func() {
				if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
					logger.Error("HTTP subscriber server stopped", err, watermill.LogFields{"addr": serverAddr})
				}
			}()
		}
	}

	return tr, nil
}

func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
