package broker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingestd/pkg/bus"
	"ingestd/services/ingest/broker"
	"ingestd/services/ingest/broker/brokertest"
)

type recorder struct {
	mu          sync.Mutex
	transitions []broker.Transition
}

func (r *recorder) BrokerTransition(t broker.Transition) {
	r.mu.Lock()
	r.transitions = append(r.transitions, t)
	r.mu.Unlock()
}

func (r *recorder) states() []broker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]broker.State, 0, len(r.transitions))
	for _, t := range r.transitions {
		out = append(out, t.To)
	}
	return out
}

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

func startManager(t *testing.T, fake *brokertest.Broker, obs broker.Observer) *broker.Manager {
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

func waitState(t *testing.T, m *broker.Manager, want broker.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State().State == want
	}, 2*time.Second, 5*time.Millisecond, "state never became %s (now %s)", want, m.State().State)
}

func TestNewRequiresDialer(t *testing.T) {
	_, err := broker.New(nil, broker.DefaultPolicy(), nil)
	assert.Error(t, err)
}

func TestManagerStartsDisconnected(t *testing.T) {
	m, err := broker.New(brokertest.New(), fastPolicy(), nil)
	require.NoError(t, err)

	assert.Equal(t, broker.Disconnected, m.State().State)
	assert.ErrorIs(t, m.EnsureReady(), broker.ErrNotReady)

	_, err = m.Acquire(context.Background())
	assert.ErrorIs(t, err, broker.ErrUnavailable)
}

func TestManagerBecomesReady(t *testing.T) {
	fake := brokertest.New()
	rec := &recorder{}
	m := startManager(t, fake, rec)

	waitState(t, m, broker.Ready)
	assert.NoError(t, m.EnsureReady())
	assert.Equal(t, []broker.State{broker.Connecting, broker.Ready}, rec.states())

	h, err := m.Acquire(context.Background())
	require.NoError(t, err)

	ack, err := h.PublishMsg(context.Background(), bus.Message{Subject: "system_info", Data: []byte("{}")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ack.Sequence)
	assert.Len(t, fake.Messages(), 1)
}

func TestManagerRunTwice(t *testing.T) {
	m := startManager(t, brokertest.New(), nil)
	waitState(t, m, broker.Ready)

	err := m.Run(context.Background())
	assert.Error(t, err)
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	fake := brokertest.New()
	rec := &recorder{}
	m := startManager(t, fake, rec)
	waitState(t, m, broker.Ready)
	firstGen := m.State().Generation

	fake.Drop(errors.New("link reset"))

	waitState(t, m, broker.Ready)
	require.Eventually(t, func() bool { return m.State().Generation != firstGen }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, fake.Dials())
	assert.Contains(t, rec.states(), broker.Degraded)
}

func TestConnectionLostDuringDialIsNotInstalled(t *testing.T) {
	fake := brokertest.New()
	fake.DropDuringDial()
	rec := &recorder{}
	m := startManager(t, fake, rec)

	waitState(t, m, broker.Ready)
	assert.Equal(t, 2, fake.Dials())
	assert.NotContains(t, rec.states(), broker.Degraded)

	h, err := m.Acquire(context.Background())
	require.NoError(t, err)
	_, err = h.PublishMsg(context.Background(), bus.Message{Subject: "system_info", Data: []byte("{}")})
	assert.NoError(t, err)
}

func TestFailMovesToDegradedAndReconnects(t *testing.T) {
	fake := brokertest.New()
	m := startManager(t, fake, nil)
	waitState(t, m, broker.Ready)

	h, err := m.Acquire(context.Background())
	require.NoError(t, err)

	m.Fail(h, errors.New("write: broken pipe"))

	waitState(t, m, broker.Ready)
	assert.Equal(t, 2, fake.Dials())

	// The old handle is stale now; reporting on it again changes nothing.
	m.Fail(h, errors.New("late failure"))
	assert.Equal(t, broker.Ready, m.State().State)
}

func TestDegradedAcquireFailsFast(t *testing.T) {
	fake := brokertest.New()
	m := startManager(t, fake, nil)
	waitState(t, m, broker.Ready)

	fake.Hold()
	defer fake.Release()
	fake.SetDown(true)

	h, err := m.Acquire(context.Background())
	require.NoError(t, err)
	m.Fail(h, errors.New("gone"))

	// Either Degraded or already Connecting behind the hold: both are not Ready.
	require.Eventually(t, func() bool { return m.State().State != broker.Ready }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = m.Acquire(ctx)
	assert.ErrorIs(t, err, broker.ErrUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquireWaitsWhileConnecting(t *testing.T) {
	fake := brokertest.New()
	fake.Hold()
	m := startManager(t, fake, nil)
	waitState(t, m, broker.Connecting)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx)
	assert.ErrorIs(t, err, broker.ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background())
		got <- err
	}()

	fake.Release()
	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not return after the connection became ready")
	}
}

func TestManagerNeverGivesUp(t *testing.T) {
	fake := brokertest.New()
	fake.SetDown(true)
	rec := &recorder{}
	m := startManager(t, fake, rec)

	require.Eventually(t, func() bool {
		status := m.State()
		return status.State == broker.Disconnected && status.LastError != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.State().LastError, brokertest.ErrDown)
	assert.Contains(t, rec.states(), broker.Disconnected)

	// Two windows of 1+WindowRetries dials each.
	require.Eventually(t, func() bool { return fake.Dials() >= 6 }, 2*time.Second, 5*time.Millisecond)

	fake.SetDown(false)
	waitState(t, m, broker.Ready)
	assert.Zero(t, m.State().Retries)
	assert.Nil(t, m.State().LastError)
}

func TestShutdownClosesConnection(t *testing.T) {
	fake := brokertest.New()
	m, err := broker.New(fake, fastPolicy(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	waitState(t, m, broker.Ready)

	h, err := m.Acquire(context.Background())
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, broker.Disconnected, m.State().State)

	_, err = h.PublishMsg(context.Background(), bus.Message{Subject: "system_info"})
	assert.ErrorIs(t, err, brokertest.ErrClosed)
}

func TestStateString(t *testing.T) {
	tests := map[broker.State]string{
		broker.Disconnected: "disconnected",
		broker.Connecting:   "connecting",
		broker.Ready:        "ready",
		broker.Degraded:     "degraded",
		broker.State(42):    "state(42)",
	}
	for state, want := range tests {
		assert.Equal(t, want, state.String())
	}
}
