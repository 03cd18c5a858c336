// Package brokertest provides an in-memory broker for exercising the
// connection manager and publisher without a NATS server.
package brokertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"ingestd/pkg/bus"
	"ingestd/services/ingest/broker"
)

var (
	// ErrDown is returned by Dial while the broker is down.
	ErrDown = errors.New("brokertest: broker down")
	// ErrClosed is returned by Publish on a closed connection.
	ErrClosed = errors.New("brokertest: connection closed")
)

// Broker is a fake broker. It implements broker.Dialer.
type Broker struct {
	mu         sync.Mutex
	down       bool
	hold       chan struct{}
	publishErr error
	delay      time.Duration
	dropDial   bool
	dials      int
	attempts   int
	messages   []bus.Message
	live       *Conn
}

// New returns a reachable broker.
func New() *Broker {
	return &Broker{}
}

// Dial implements broker.Dialer.
func (b *Broker) Dial(ctx context.Context, lost func(error)) (broker.Conn, error) {
	b.mu.Lock()
	b.dials++
	hold := b.hold
	b.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return nil, ErrDown
	}
	c := &Conn{broker: b, lost: lost}
	if b.dropDial {
		b.dropDial = false
		b.mu.Unlock()
		c.closed = true
		lost(ErrClosed)
		return c, nil
	}
	b.live = c
	b.mu.Unlock()
	return c, nil
}

// DropDuringDial makes the next successful dial lose its connection before
// Dial returns, as when the server hangs up right after the handshake.
func (b *Broker) DropDuringDial() {
	b.mu.Lock()
	b.dropDial = true
	b.mu.Unlock()
}

// SetDown makes subsequent dials fail (true) or succeed (false).
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// Hold makes dials block until Release is called.
func (b *Broker) Hold() {
	b.mu.Lock()
	if b.hold == nil {
		b.hold = make(chan struct{})
	}
	b.mu.Unlock()
}

// Release unblocks dials held by Hold.
func (b *Broker) Release() {
	b.mu.Lock()
	if b.hold != nil {
		close(b.hold)
		b.hold = nil
	}
	b.mu.Unlock()
}

// Drop severs the live connection and notifies its owner.
func (b *Broker) Drop(err error) {
	b.mu.Lock()
	c := b.live
	b.live = nil
	b.mu.Unlock()

	if c == nil {
		return
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if err == nil {
		err = ErrClosed
	}
	c.lost(err)
}

// SetPublishError makes every publish return err. Pass nil to clear.
func (b *Broker) SetPublishError(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// SetPublishDelay makes every publish take at least d.
func (b *Broker) SetPublishDelay(d time.Duration) {
	b.mu.Lock()
	b.delay = d
	b.mu.Unlock()
}

// Messages returns the messages stored so far.
func (b *Broker) Messages() []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bus.Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Attempts returns the number of publish calls received, stored or not.
func (b *Broker) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Dials returns the number of Dial calls.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Conn is a connection handed out by Broker.
type Conn struct {
	broker *Broker
	lost   func(error)

	mu     sync.Mutex
	closed bool
}

// PublishMsg implements broker.Conn. The publish delay is not interrupted by
// ctx, mirroring a write that is already on the wire. A message whose ID was
// already stored is acknowledged as a duplicate and dropped.
func (c *Conn) PublishMsg(ctx context.Context, msg bus.Message) (bus.Ack, error) {
	b := c.broker

	b.mu.Lock()
	b.attempts++
	delay := b.delay
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return bus.Ack{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return bus.Ack{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return bus.Ack{}, b.publishErr
	}
	if msg.ID != "" {
		for i, stored := range b.messages {
			if stored.ID == msg.ID {
				return bus.Ack{Stream: "FAKE", Sequence: uint64(i + 1), Duplicate: true}, nil
			}
		}
	}
	b.messages = append(b.messages, msg)
	return bus.Ack{Stream: "FAKE", Sequence: uint64(len(b.messages))}, nil
}

// Close implements broker.Conn.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
