package observe

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingestd/services/ingest"
	"ingestd/services/ingest/broker"
)

func newObserver(t *testing.T) (*Observer, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	o, err := New(zerolog.New(&buf), prometheus.NewRegistry())
	require.NoError(t, err)
	return o, &buf
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(zerolog.Nop(), reg)
	require.NoError(t, err)

	_, err = New(zerolog.Nop(), reg)
	assert.Error(t, err)
}

func TestBrokerTransition(t *testing.T) {
	o, logs := newObserver(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(o.state.WithLabelValues("disconnected")))

	o.BrokerTransition(broker.Transition{From: broker.Disconnected, To: broker.Connecting})
	o.BrokerTransition(broker.Transition{From: broker.Connecting, To: broker.Ready})

	assert.Equal(t, 1.0, testutil.ToFloat64(o.state.WithLabelValues("ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(o.state.WithLabelValues("disconnected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(o.state.WithLabelValues("connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.transitions.WithLabelValues("ready")))
	assert.Contains(t, logs.String(), "broker connection ready")

	o.BrokerTransition(broker.Transition{From: broker.Ready, To: broker.Degraded, Err: errors.New("eof")})
	assert.Equal(t, 1.0, testutil.ToFloat64(o.state.WithLabelValues("degraded")))
	assert.Contains(t, logs.String(), `"level":"warn"`)
}

func TestPublishCompleted(t *testing.T) {
	o, logs := newObserver(t)

	o.PublishCompleted(ingest.PublishEvent{ReportID: "a", Outcome: ingest.Delivered, Duration: 3 * time.Millisecond})
	o.PublishCompleted(ingest.PublishEvent{ReportID: "b", Outcome: ingest.Failed, Err: errors.New("down")})
	o.PublishCompleted(ingest.PublishEvent{
		ReportID: "c",
		Subject:  "system_info",
		Outcome:  ingest.Rejected,
		Reason:   "message too large",
		Err:      nats.ErrMaxPayload,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(o.published.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.published.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.published.WithLabelValues("rejected")))
	assert.Equal(t, 3, testutil.CollectAndCount(o.duration))

	assert.Contains(t, logs.String(), `"level":"error"`)
	assert.Contains(t, logs.String(), "message too large")
}

func TestReportInvalidLabels(t *testing.T) {
	o, _ := newObserver(t)

	o.ReportInvalid(ingest.ValidationEvent{Field: "processes[3]", Violation: ingest.WrongType})
	o.ReportInvalid(ingest.ValidationEvent{Field: "processes[40]", Violation: ingest.WrongType})
	o.ReportInvalid(ingest.ValidationEvent{Violation: ingest.Malformed})

	assert.Equal(t, 2.0, testutil.ToFloat64(o.invalid.WithLabelValues("processes", "wrong_type")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.invalid.WithLabelValues("body", "malformed")))
}

func TestFieldLabel(t *testing.T) {
	tests := map[string]string{
		"":                "body",
		"info":            "info",
		"connections[0]":  "connections",
		"processes[1234]": "processes",
	}
	for in, want := range tests {
		assert.Equal(t, want, fieldLabel(in), in)
	}
}
