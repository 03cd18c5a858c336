package ingest_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingestd/services/ingest"
	"ingestd/services/ingest/broker"
	"ingestd/services/ingest/broker/brokertest"
)

func fastPolicy() broker.Policy {
	return broker.Policy{
		DialTimeout:     time.Second,
		RetryBase:       5 * time.Millisecond,
		RetryMax:        10 * time.Millisecond,
		WindowRetries:   2,
		CooldownInitial: 20 * time.Millisecond,
		CooldownMax:     50 * time.Millisecond,
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []broker.State
}

func (l *stateLog) BrokerTransition(t broker.Transition) {
	l.mu.Lock()
	l.states = append(l.states, t.To)
	l.mu.Unlock()
}

func (l *stateLog) saw(s broker.State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.states {
		if got == s {
			return true
		}
	}
	return false
}

type eventLog struct {
	mu        sync.Mutex
	published []ingest.PublishEvent
	invalid   []ingest.ValidationEvent
}

func (l *eventLog) PublishCompleted(e ingest.PublishEvent) {
	l.mu.Lock()
	l.published = append(l.published, e)
	l.mu.Unlock()
}

func (l *eventLog) ReportInvalid(e ingest.ValidationEvent) {
	l.mu.Lock()
	l.invalid = append(l.invalid, e)
	l.mu.Unlock()
}

func (l *eventLog) publishes() []ingest.PublishEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ingest.PublishEvent(nil), l.published...)
}

func (l *eventLog) invalids() []ingest.ValidationEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ingest.ValidationEvent(nil), l.invalid...)
}

func runManager(t *testing.T, fake *brokertest.Broker, obs broker.Observer) *broker.Manager {
	t.Helper()

	m, err := broker.New(fake, fastPolicy(), obs)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("manager did not stop")
		}
	})
	return m
}

func waitReady(t *testing.T, m *broker.Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State().State == broker.Ready
	}, 2*time.Second, 5*time.Millisecond, "broker never became ready (now %s)", m.State().State)
}

func mustValidate(t *testing.T, raw string) ingest.Report {
	t.Helper()
	r, err := ingest.Validate([]byte(raw))
	require.NoError(t, err)
	r.ID = "3f0c8c1e-7a53-4d38-9d1e-0b7c2e6a9a10"
	return r
}
