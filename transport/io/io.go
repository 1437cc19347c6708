// Package io registers a file backend that appends notifications as JSON
// lines and tails the same file for subscribers. Useful for inspecting what
// a simulation run sent.
package io

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/transitflow/internal/runtime/jsoncodec"
	"github.com/drblury/transitflow/transport"
)

// TransportName is the pubsubSystem value selecting this backend.
const TransportName = "io"

// DefaultFile is used when ioFile is empty.
const DefaultFile = "notifications.jsonl"

// PollInterval is how often a subscriber at the end of the file checks for
// new lines.
var PollInterval = 50 * time.Millisecond

var errClosed = errors.New("io transport closed")

func init() {
	transport.Register(TransportName, Build, transport.IOCapabilities)
}

// Build returns a publisher and subscriber sharing one file.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	path := cfg.GetIOFile()
	if path == "" {
		path = DefaultFile
	}
	return transport.Transport{
		Publisher:    NewPublisher(path),
		Subscriber:   NewSubscriber(path, logger),
		Capabilities: transport.IOCapabilities,
	}, nil
}

// record is one line of the file.
type record struct {
	Topic    string            `json:"topic"`
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
	Written  time.Time         `json:"written"`
}

// Publisher appends records. The file is opened on first publish.
type Publisher struct {
	path string

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewPublisher appends to path.
func NewPublisher(path string) *Publisher {
	return &Publisher{path: path}
}

func (p *Publisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errClosed
	}
	if p.file == nil {
		f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		p.file = f
	}

	var buf bytes.Buffer
	for _, msg := range msgs {
		line, err := jsoncodec.Marshal(record{
			Topic:    topic,
			UUID:     msg.UUID,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
			Written:  time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	_, err := p.file.Write(buf.Bytes())
	return err
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.file == nil {
		return nil
	}
	return p.file.Close()
}

// Subscriber tails the file from the start, emitting records for the
// requested topic and waiting for each one to be acked or nacked.
type Subscriber struct {
	path   string
	logger watermill.LoggerAdapter

	once   sync.Once
	closed chan struct{}
	wg     sync.WaitGroup
}

// NewSubscriber tails path.
func NewSubscriber(path string, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{path: path, logger: logger, closed: make(chan struct{})}
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closed:
		return nil, errClosed
	default:
	}
	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer f.Close()
		s.tail(ctx, f, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) tail(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	var partial []byte
	for {
		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)
		switch {
		case err == nil:
			line := partial
			partial = nil
			if !s.emit(ctx, line, topic, out) {
				return
			}
			continue
		case !errors.Is(err, io.EOF):
			s.logger.Error("Failed to read notification file", err, watermill.LogFields{"path": s.path})
			return
		}
		// At EOF: keep any partial line and wait for the writer.
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-time.After(PollInterval):
		}
	}
}

func (s *Subscriber) emit(ctx context.Context, line []byte, topic string, out chan<- *message.Message) bool {
	var rec record
	if err := jsoncodec.Unmarshal(line, &rec); err != nil {
		s.logger.Error("Skipping malformed notification line", err, watermill.LogFields{"path": s.path})
		return true
	}
	if rec.Topic != topic {
		return true
	}

	msg := message.NewMessage(rec.UUID, rec.Payload)
	for k, v := range rec.Metadata {
		msg.Metadata.Set(k, v)
	}
	msg.SetContext(ctx)

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	}
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		s.logger.Debug("Notification nacked, not redelivered", watermill.LogFields{"uuid": msg.UUID})
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	}
	return true
}

// Close stops every tail and waits for them.
func (s *Subscriber) Close() error {
	s.once.Do(func() { close(s.closed) })
	s.wg.Wait()
	return nil
}
