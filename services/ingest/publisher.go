package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"ingestd/pkg/bus"
	"ingestd/services/ingest/broker"
)

const (
	// DefaultSubject is the broker subject reports are published to.
	DefaultSubject        = "system_info"
	defaultPublishTimeout = 5 * time.Second
)

var (
	// ErrTimeout marks a publish attempt that exceeded its deadline.
	ErrTimeout = errors.New("publish timed out")
	// ErrEncode marks a report that could not be serialized.
	ErrEncode = errors.New("encode report")
)

// OutcomeKind is the terminal classification of a publish attempt.
type OutcomeKind int

const (
	Delivered OutcomeKind = iota + 1
	Rejected
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of one publish attempt.
type Outcome struct {
	Kind OutcomeKind
	ID   string
	// Reason describes a rejection for operators. Never sent to agents.
	Reason    string
	Err       error
	Stream    string
	Sequence  uint64
	Duplicate bool
	Duration  time.Duration
}

// Connections hands out broker connections. *broker.Manager implements it.
type Connections interface {
	Acquire(ctx context.Context) (broker.Handle, error)
	Fail(h broker.Handle, err error)
}

// PublisherConfig controls publishing.
type PublisherConfig struct {
	Subject string
	// Timeout bounds one attempt, including waiting for a connection.
	Timeout time.Duration
}

// Publisher delivers validated reports to the broker, one attempt per call.
type Publisher struct {
	conns    Connections
	subject  string
	timeout  time.Duration
	observer Observer
	tracer   trace.Tracer
}

// NewPublisher creates a Publisher. A nil observer discards events.
func NewPublisher(conns Connections, cfg PublisherConfig, observer Observer) (*Publisher, error) {
	if conns == nil {
		return nil, errors.New("connections are required")
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPublishTimeout
	}
	if observer == nil {
		observer = nopObserver{}
	}

	return &Publisher{
		conns:    conns,
		subject:  cfg.Subject,
		timeout:  cfg.Timeout,
		observer: observer,
		tracer:   otel.Tracer("ingestd/publisher"),
	}, nil
}

// Start launches a publish attempt and returns a channel that receives its
// single Outcome. The attempt is detached from ctx cancellation: once started
// it runs to completion, bounded only by the publish timeout. ctx still
// carries trace context.
func (p *Publisher) Start(ctx context.Context, r Report) <-chan Outcome {
	out := make(chan Outcome, 1)

	// Serialize before returning so later changes to r cannot leak into the message.
	data, err := r.Encode()
	if err != nil {
		out <- Outcome{Kind: Failed, ID: r.ID, Err: fmt.Errorf("%w: %w", ErrEncode, err)}
		return out
	}

	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	go func() {
		defer cancel()
		out <- p.attempt(attemptCtx, r.ID, data)
	}()
	return out
}

// Publish runs one attempt and waits for its Outcome. If ctx ends first the
// attempt keeps running in the background and its Outcome is discarded.
func (p *Publisher) Publish(ctx context.Context, r Report) Outcome {
	select {
	case o := <-p.Start(ctx, r):
		return o
	case <-ctx.Done():
		return Outcome{Kind: Failed, ID: r.ID, Err: ctx.Err()}
	}
}

func (p *Publisher) attempt(ctx context.Context, id string, data []byte) Outcome {
	ctx, span := p.tracer.Start(ctx, "publish "+p.subject,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", p.subject),
			attribute.String("messaging.message.id", id),
			attribute.Int("messaging.message.body.size", len(data)),
		),
	)
	defer span.End()

	start := time.Now()
	o := p.deliver(ctx, id, data)
	o.Duration = time.Since(start)

	span.SetAttributes(attribute.String("ingestd.outcome", o.Kind.String()))
	if o.Kind != Delivered {
		span.RecordError(o.Err)
		span.SetStatus(codes.Error, o.Kind.String())
	}

	p.observer.PublishCompleted(PublishEvent{
		ReportID: id,
		Subject:  p.subject,
		Outcome:  o.Kind,
		Reason:   o.Reason,
		Err:      o.Err,
		Duration: o.Duration,
	})
	return o
}

func (p *Publisher) deliver(ctx context.Context, id string, data []byte) Outcome {
	h, err := p.conns.Acquire(ctx)
	if err != nil {
		return failed(id, err)
	}

	header := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))

	ack, err := h.PublishMsg(ctx, bus.Message{
		Subject: p.subject,
		ID:      id,
		Header:  header,
		Data:    data,
	})
	if err != nil {
		switch {
		case bus.IsRejection(err):
			return Outcome{Kind: Rejected, ID: id, Reason: bus.RejectionReason(err), Err: err}
		case ctx.Err() != nil:
			// The attempt's own budget ran out, possibly mostly spent in
			// Acquire. That says nothing about the connection; a dead one is
			// reported by the dialer's lost callback.
		case bus.IsUnavailable(err):
			// The broker answered; only the stream cannot take messages.
		default:
			p.conns.Fail(h, err)
		}
		return failed(id, err)
	}

	return Outcome{
		Kind:      Delivered,
		ID:        id,
		Stream:    ack.Stream,
		Sequence:  ack.Sequence,
		Duplicate: ack.Duplicate,
	}
}

func failed(id string, err error) Outcome {
	if bus.IsTimeout(err) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return Outcome{Kind: Failed, ID: id, Err: err}
}
