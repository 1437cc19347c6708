package io

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/transitflow/internal/runtime/config"
	"github.com/drblury/transitflow/transport"
)

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestRoundTripFiltersByTopic(t *testing.T) {
	cfg := config.TransportConfig{PubSubSystem: TransportName, IOFile: filepath.Join(t.TempDir(), "n.jsonl")}
	tr, err := transport.Build(context.Background(), &cfg, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, transport.IOCapabilities, tr.Capabilities)

	first := message.NewMessage("n-1", []byte(`{"title":"arrival"}`))
	first.Metadata.Set("bus_id", "bus-1")
	require.NoError(t, tr.Publisher.Publish("riders", first))
	require.NoError(t, tr.Publisher.Publish("other", message.NewMessage("x", []byte("{}"))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := tr.Subscriber.Subscribe(ctx, "riders")
	require.NoError(t, err)

	got := receive(t, msgs)
	assert.Equal(t, "n-1", got.UUID)
	assert.Equal(t, `{"title":"arrival"}`, string(got.Payload))
	assert.Equal(t, "bus-1", got.Metadata.Get("bus_id"))
	got.Ack()

	// Written after the subscriber reached EOF.
	require.NoError(t, tr.Publisher.Publish("riders", message.NewMessage("n-2", []byte("{}"))))
	got = receive(t, msgs)
	assert.Equal(t, "n-2", got.UUID)
	got.Ack()
}

func TestPublishAfterClose(t *testing.T) {
	p := NewPublisher(filepath.Join(t.TempDir(), "n.jsonl"))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Publish("t", message.NewMessage("n", nil)), errClosed)
}

func TestSubscriberCloseEndsTail(t *testing.T) {
	s := NewSubscriber(filepath.Join(t.TempDir(), "n.jsonl"), nil)
	msgs, err := s.Subscribe(context.Background(), "riders")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, open := <-msgs
	assert.False(t, open)

	_, err = s.Subscribe(context.Background(), "riders")
	assert.ErrorIs(t, err, errClosed)
}
