package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"

	"github.com/drblury/transitflow/internal/runtime/config"
	"github.com/drblury/transitflow/transport"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Notifications.RetryMaxRetries = 2
	cfg.Notifications.RetryInitialInterval = time.Millisecond
	cfg.Notifications.RetryMaxInterval = 5 * time.Millisecond
	cfg.Metrics.Enabled = false
	return cfg
}

func channelTransport(t *testing.T) (*transport.Transport, *gochannel.GoChannel) {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return &transport.Transport{Publisher: ps, Subscriber: ps, Capabilities: transport.ChannelCapabilities}, ps
}

// recordingRenderer collects rendered notifications and can be told to fail.
type recordingRenderer struct {
	mu       sync.Mutex
	rendered []DemoNotification
	attempts int
	err      error
	panicMsg string
}

func (r *recordingRenderer) Render(_ context.Context, n DemoNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.panicMsg != "" {
		panic(r.panicMsg)
	}
	if r.err != nil {
		return r.err
	}
	r.rendered = append(r.rendered, n)
	return nil
}

func (r *recordingRenderer) snapshot() ([]DemoNotification, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DemoNotification(nil), r.rendered...), r.attempts
}

// runDispatcher starts d and waits until it consumes.
func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, d.Close())
		<-done
	})

	select {
	case <-d.Running():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not start")
	}
}

func subscribe(t *testing.T, ps *gochannel.GoChannel, topic string) <-chan *message.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, err := ps.Subscribe(ctx, topic)
	require.NoError(t, err)
	return ch
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

// NopPublisher accepts and discards messages.
type NopPublisher struct{}

func (NopPublisher) Publish(string, ...*message.Message) error { return nil }
func (NopPublisher) Close() error                              { return nil }

func mustChannel(t *testing.T) *transport.Transport {
	tr, _ := channelTransport(t)
	return tr
}
