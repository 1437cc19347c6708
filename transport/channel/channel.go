// Package channel registers the in-memory gochannel backend, the default for
// local runs and tests.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/transitflow/transport"
)

// TransportName is the pubsubSystem value selecting this backend.
const TransportName = "channel"

// OutputBuffer is the per-subscriber buffer of the shared GoChannel.
const OutputBuffer = 64

func init() {
	transport.Register(TransportName, Build, transport.ChannelCapabilities)
}

// Build returns one GoChannel serving as both publisher and subscriber, so a
// dispatcher in the same process consumes what it publishes.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: OutputBuffer}, logger)
	return transport.Transport{
		Publisher:    pubSub,
		Subscriber:   pubSub,
		Capabilities: transport.ChannelCapabilities,
	}, nil
}
