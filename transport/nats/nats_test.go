package nats

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/transitflow/internal/runtime/config"
	"github.com/drblury/transitflow/transport"
)

type nopPubSub struct{}

func (nopPubSub) Publish(string, ...*message.Message) error { return nil }
func (nopPubSub) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return nil, nil
}
func (nopPubSub) Close() error { return nil }

func TestBuildDisablesJetStream(t *testing.T) {
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })

	var pubCfg nats.PublisherConfig
	var subCfg nats.SubscriberConfig
	PublisherFactory = func(cfg nats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		return nopPubSub{}, nil
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		subCfg = cfg
		return nopPubSub{}, nil
	}

	cfg := config.TransportConfig{PubSubSystem: TransportName, NATSURL: "nats://localhost:4222"}
	tr, err := Build(context.Background(), &cfg, watermill.NopLogger{})
	require.NoError(t, err)

	assert.Equal(t, transport.NATSCapabilities, tr.Capabilities)
	assert.Equal(t, "nats://localhost:4222", pubCfg.URL)
	assert.True(t, pubCfg.JetStream.Disabled)
	assert.True(t, subCfg.JetStream.Disabled)
	assert.Equal(t, queueGroupPrefix, subCfg.QueueGroupPrefix)
	assert.Len(t, pubCfg.NatsOptions, len(ConnectOptions()))
}

func TestConnectOptions(t *testing.T) {
	opts := natsgo.GetDefaultOptions()
	for _, apply := range ConnectOptions() {
		require.NoError(t, apply(&opts))
	}
	assert.Equal(t, clientName, opts.Name)
	assert.Equal(t, -1, opts.MaxReconnect)
	assert.Equal(t, reconnectWait, opts.ReconnectWait)
	assert.True(t, opts.RetryOnFailedConnect)
}

func TestBuildRequiresURL(t *testing.T) {
	cfg := config.TransportConfig{}
	_, err := Build(context.Background(), &cfg, watermill.NopLogger{})
	require.Error(t, err)
}

// Requires a running server, e.g. TRANSITFLOW_TEST_NATS_URL=nats://localhost:4222.
func TestRoundTripAgainstServer(t *testing.T) {
	url := os.Getenv("TRANSITFLOW_TEST_NATS_URL")
	if url == "" {
		t.Skip("TRANSITFLOW_TEST_NATS_URL not set")
	}
	cfg := config.TransportConfig{NATSURL: url}
	tr, err := Build(context.Background(), &cfg, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := tr.Subscriber.Subscribe(ctx, "transitflow.test")
	require.NoError(t, err)
	require.NoError(t, tr.Publisher.Publish("transitflow.test", message.NewMessage("n-1", []byte("{}"))))

	select {
	case msg := <-msgs:
		assert.Equal(t, "n-1", msg.UUID)
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}
