package bus

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Message is a single payload handed to or received from the broker.
type Message struct {
	Subject string
	// ID is sent as the JetStream dedup id (Nats-Msg-Id).
	ID     string
	Header map[string][]string
	Data   []byte
}

// Ack is the broker's confirmation that a message was stored.
type Ack struct {
	Stream    string
	Sequence  uint64
	Duplicate bool
}

// StreamConfig describes the JetStream stream that backs published subjects.
type StreamConfig struct {
	Name       string
	Subjects   []string
	MaxAge     time.Duration
	Duplicates time.Duration
	MaxMsgSize int32
	Replicas   int
}

// Bus wraps a NATS JetStream connection for publishing and consuming events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// EnsureStream creates the stream described by cfg when it does not exist yet.
// Existing streams are left untouched.
func (b *Bus) EnsureStream(ctx context.Context, cfg StreamConfig) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if cfg.Name == "" {
		return errors.New("stream name is required")
	}

	_, err := b.js.StreamInfo(cfg.Name, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		Storage:    nats.FileStorage,
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.Duplicates,
		MaxMsgSize: cfg.MaxMsgSize,
		Replicas:   cfg.Replicas,
	}, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil
	}
	return err
}

// PublishMsg publishes m to JetStream and waits for the stream acknowledgement.
func (b *Bus) PublishMsg(ctx context.Context, m Message) (Ack, error) {
	if b == nil {
		return Ack{}, errors.New("nil bus")
	}

	msg := nats.NewMsg(m.Subject)
	msg.Data = m.Data
	for key, values := range m.Header {
		for _, v := range values {
			msg.Header.Add(key, v)
		}
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if m.ID != "" {
		opts = append(opts, nats.MsgId(m.ID))
	}

	pa, err := b.js.PublishMsg(msg, opts...)
	if err != nil {
		return Ack{}, err
	}
	return Ack{Stream: pa.Stream, Sequence: pa.Sequence, Duplicate: pa.Duplicate}, nil
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Subscribe creates a durable consumer on the given subject and invokes fn for each message.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, m Message) error) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		m := Message{Subject: msg.Subject, Data: msg.Data}
		if msg.Header != nil {
			m.ID = msg.Header.Get(nats.MsgIdHdr)
			m.Header = msg.Header
		}
		if err := fn(handlerCtx, m); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}

	sub, err := b.js.Subscribe(subj, handler, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}
