package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runJetStream(t *testing.T, maxPayload int32) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	if maxPayload > 0 {
		opts.MaxPayload = maxPayload
	}

	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not become ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func newTestBus(t *testing.T, srv *natsserver.Server) *Bus {
	t.Helper()
	b, err := New(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.EnsureStream(ctx, StreamConfig{
		Name:       "SYSTEM_INFO",
		Subjects:   []string{"system_info"},
		Duplicates: time.Minute,
	}))
	return b
}

func TestEnsureStreamIsIdempotent(t *testing.T) {
	srv := runJetStream(t, 0)
	b := newTestBus(t, srv)

	ctx := context.Background()
	err := b.EnsureStream(ctx, StreamConfig{Name: "SYSTEM_INFO", Subjects: []string{"system_info"}})
	assert.NoError(t, err)

	err = b.EnsureStream(ctx, StreamConfig{})
	assert.Error(t, err)
}

func TestPublishMsgAcknowledgesAndDeduplicates(t *testing.T) {
	srv := runJetStream(t, 0)
	b := newTestBus(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := Message{
		Subject: "system_info",
		ID:      "report-1",
		Header:  map[string][]string{"Traceparent": {"00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"}},
		Data:    []byte(`{"info":"host1"}`),
	}

	ack, err := b.PublishMsg(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "SYSTEM_INFO", ack.Stream)
	assert.Equal(t, uint64(1), ack.Sequence)
	assert.False(t, ack.Duplicate)

	ack, err = b.PublishMsg(ctx, msg)
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)
	assert.Equal(t, uint64(1), ack.Sequence)
}

func TestPublishMsgWithoutStreamIsUnavailable(t *testing.T) {
	srv := runJetStream(t, 0)
	b := newTestBus(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := b.PublishMsg(ctx, Message{Subject: "no.stream.here", Data: []byte("{}")})
	require.Error(t, err)
	assert.False(t, IsRejection(err), "got %v", err)
	assert.True(t, IsUnavailable(err), "got %v", err)
}

func TestPublishMsgOversizedIsRejection(t *testing.T) {
	srv := runJetStream(t, 1024)
	b := newTestBus(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := b.PublishMsg(ctx, Message{
		Subject: "system_info",
		Data:    []byte(strings.Repeat("x", 4096)),
	})
	require.Error(t, err)
	assert.True(t, IsRejection(err), "got %v", err)
	assert.Equal(t, "message too large", RejectionReason(err))
}

func TestSubscribeDeliversMessageID(t *testing.T) {
	srv := runJetStream(t, 0)
	b := newTestBus(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan Message, 1)
	sub, err := b.Subscribe(ctx, "system_info", "test-tail", func(_ context.Context, m Message) error {
		got <- m
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = b.PublishMsg(ctx, Message{Subject: "system_info", ID: "abc", Data: []byte(`{"info":"host1"}`)})
	require.NoError(t, err)

	select {
	case m := <-got:
		assert.Equal(t, "abc", m.ID)
		assert.JSONEq(t, `{"info":"host1"}`, string(m.Data))
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	_, err := b.PublishMsg(context.Background(), Message{})
	assert.Error(t, err)
	_, err = b.Subscribe(context.Background(), "x", "y", func(context.Context, Message) error { return nil })
	assert.Error(t, err)
	b.Close()
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		rejection   bool
		unavailable bool
		timeout     bool
	}{
		{name: "nil", err: nil},
		{name: "max payload", err: nats.ErrMaxPayload, rejection: true},
		{name: "wrapped bad subject", err: fmt.Errorf("publish: %w", nats.ErrBadSubject), rejection: true},
		{name: "message exceeds stream maximum", err: &nats.APIError{Code: 400, ErrorCode: 10054, Description: "message size exceeds maximum allowed"}, rejection: true},
		{name: "stream not found", err: nats.ErrStreamNotFound, rejection: true},
		{name: "insufficient resources", err: &nats.APIError{Code: 503, ErrorCode: nats.JSErrCodeInsufficientResourcesErr, Description: "insufficient resources"}, unavailable: true},
		{name: "jetstream disabled", err: fmt.Errorf("publish: %w", nats.ErrJetStreamNotEnabled), unavailable: true},
		{name: "no stream response", err: nats.ErrNoStreamResponse, unavailable: true},
		{name: "no responders", err: nats.ErrNoResponders, unavailable: true},
		{name: "connection closed", err: nats.ErrConnectionClosed},
		{name: "nats timeout", err: nats.ErrTimeout, timeout: true},
		{name: "deadline", err: fmt.Errorf("ack: %w", context.DeadlineExceeded), timeout: true},
		{name: "other", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.rejection, IsRejection(tt.err))
			assert.Equal(t, tt.unavailable, IsUnavailable(tt.err))
			assert.Equal(t, tt.timeout, IsTimeout(tt.err))
		})
	}
}

func TestRejectionReason(t *testing.T) {
	assert.Equal(t, "message too large", RejectionReason(nats.ErrMaxPayload))
	assert.Equal(t, "no stream for subject", RejectionReason(nats.ErrStreamNotFound))
	assert.Equal(t, "jetstream error 10054: message size exceeds maximum allowed",
		RejectionReason(&nats.APIError{Code: 400, ErrorCode: 10054, Description: "message size exceeds maximum allowed"}))
}
