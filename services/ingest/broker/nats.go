package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"ingestd/pkg/bus"
)

// NATSDialer dials NATS JetStream and makes sure the target stream exists.
// Client-side reconnects are disabled: a dropped connection is reported
// through lost and the Manager decides when to dial again.
type NATSDialer struct {
	URL  string
	Name string
	// Stream is provisioned on every successful dial when Stream.Name is set.
	Stream bus.StreamConfig
}

// Dial implements Dialer.
func (d NATSDialer) Dial(ctx context.Context, lost func(error)) (Conn, error) {
	if d.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if lost == nil {
		lost = func(error) {}
	}

	opts := []nats.Option{
		nats.Name(d.Name),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = nats.ErrDisconnected
			}
			lost(err)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			lost(nats.ErrConnectionClosed)
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		if timeout := time.Until(deadline); timeout > 0 {
			opts = append(opts, nats.Timeout(timeout))
		}
	}

	b, err := bus.New(d.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", d.URL, err)
	}

	if d.Stream.Name != "" {
		if err := b.EnsureStream(ctx, d.Stream); err != nil {
			b.Close()
			return nil, fmt.Errorf("ensure stream %s: %w", d.Stream.Name, err)
		}
	}

	return b, nil
}
