// Package channel provides an in-memory broker backed by Go channels, for
// tests and local development. Events never leave the process.
package channel

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/callflow/transport"
)

const TransportName = "channel"

// DefaultBufferSize is the per-subscriber buffer when none is configured.
const DefaultBufferSize = 64

// Register adds the channel broker to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates one GoChannel serving as both publisher and subscriber, so
// events published by a function reach consumers in the same process.
// Messages published before any consumer subscribes are dropped.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	conf, err := pubSubConfig(cfg)
	if err != nil {
		return transport.Transport{}, err
	}
	pubSub := gochannel.NewGoChannel(conf, logger)
	return transport.Transport{
		Publisher:  pubSub,
		Subscriber: pubSub,
	}, nil
}

func pubSubConfig(cfg transport.Config) (gochannel.Config, error) {
	size := cfg.GetChannelBufferSize()
	if size < 0 {
		return gochannel.Config{}, fmt.Errorf("channel: buffer size %d is negative", size)
	}
	if size == 0 {
		size = DefaultBufferSize
	}
	return gochannel.Config{OutputChannelBuffer: size}, nil
}

func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
