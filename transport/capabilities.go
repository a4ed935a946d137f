package transport

// Capabilities describes what a broker offers to event handlers.
type Capabilities struct {
	Name string

	// SupportsDelay indicates native delayed delivery. Without it a retry
	// delay is waited out by the consuming handler before the nack.
	SupportsDelay bool

	// SupportsOrdering indicates ordered delivery within a partition or queue.
	SupportsOrdering bool

	// SupportsTracing indicates message metadata survives the broker, so the
	// traceparent extension reaches the consumer.
	SupportsTracing bool

	SupportsAck bool

	// SupportsNack indicates a nacked message is redelivered. Event handlers
	// returning ErrRetry rely on it.
	SupportsNack bool

	// MaxMessageSize is the largest payload in bytes, 0 when unknown.
	MaxMessageSize int64
}

// RequiresDelayEmulation reports whether retry delays must be waited out by
// the consumer.
func (c Capabilities) RequiresDelayEmulation() bool {
	return !c.SupportsDelay
}

// SupportsReliableDelivery reports at-least-once delivery (ack and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Capabilities of the built-in brokers.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		MaxMessageSize:   1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsDelay:    true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsDelay:    true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   262144,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities looks a broker up in the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
