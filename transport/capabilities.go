package transport

// Capabilities describes what a backend guarantees for notification traffic.
type Capabilities struct {
	Name string

	// Durable backends keep notifications across dispatcher restarts.
	Durable bool
	// Ordered backends deliver notifications for one topic in publish order.
	Ordered bool
	// Acks reports whether Ack/Nack reach the broker. Without them the poison
	// queue is the only redelivery path.
	Acks bool

	// MaxMessageSize in bytes. Zero means unknown or unlimited.
	MaxMessageSize int
}

// Fits reports whether a payload of size bytes can be published.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize <= 0 || size <= c.MaxMessageSize
}

// Built-in capability sets.
var (
	ChannelCapabilities = Capabilities{
		Name:    "channel",
		Ordered: true,
		Acks:    true,
	}

	KafkaCapabilities = Capabilities{
		Name:           "kafka",
		Durable:        true,
		Ordered:        true,
		Acks:           true,
		MaxMessageSize: 1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:    "rabbitmq",
		Durable: true,
		Ordered: true,
		Acks:    true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1 << 20,
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}

	IOCapabilities = Capabilities{
		Name:    "io",
		Durable: true,
		Ordered: true,
	}

	AWSCapabilities = Capabilities{
		Name:           "aws",
		Durable:        true,
		Acks:           true,
		MaxMessageSize: 256 << 10,
	}
)

// GetCapabilities looks name up in the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.Capabilities(name)
}
