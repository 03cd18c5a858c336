package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sethvargo/go-retry"

	"ingestd/pkg/bus"
)

// Conn is a live broker connection able to publish messages.
type Conn interface {
	PublishMsg(ctx context.Context, msg bus.Message) (bus.Ack, error)
	Close()
}

// Dialer opens broker connections. lost must be invoked when the connection
// drops after Dial has returned; it may be called more than once.
type Dialer interface {
	Dial(ctx context.Context, lost func(error)) (Conn, error)
}

// Handle is a connection lent out by Acquire. Report failures seen on it
// through Manager.Fail so stale handles can be told apart from the current one.
type Handle struct {
	Conn
	gen uint64
}

// Policy controls dialing and reconnection.
type Policy struct {
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	// RetryBase and RetryMax shape the exponential delay between attempts
	// inside one window.
	RetryBase time.Duration
	RetryMax  time.Duration
	// WindowRetries is the number of retries in a window before the manager
	// falls back to Disconnected and waits for the cooldown.
	WindowRetries uint64
	// CooldownInitial and CooldownMax bound the wait between windows. The
	// cooldown grows exponentially and never stops.
	CooldownInitial time.Duration
	CooldownMax     time.Duration
}

// DefaultPolicy returns the reconnection policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		DialTimeout:     2 * time.Second,
		RetryBase:       250 * time.Millisecond,
		RetryMax:        5 * time.Second,
		WindowRetries:   5,
		CooldownInitial: time.Second,
		CooldownMax:     time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.DialTimeout <= 0 {
		p.DialTimeout = def.DialTimeout
	}
	if p.RetryBase <= 0 {
		p.RetryBase = def.RetryBase
	}
	if p.RetryMax <= 0 {
		p.RetryMax = def.RetryMax
	}
	if p.CooldownInitial <= 0 {
		p.CooldownInitial = def.CooldownInitial
	}
	if p.CooldownMax <= 0 {
		p.CooldownMax = def.CooldownMax
	}
	return p
}

// Manager owns the single broker connection shared by all publishers.
// Run is the only goroutine that dials or closes connections; every other
// method only reads or flags state.
type Manager struct {
	dialer   Dialer
	policy   Policy
	observer Observer

	running atomic.Bool
	gens    atomic.Uint64

	mu      sync.Mutex
	status  Status
	conn    Conn
	changed chan struct{}
	// early records a loss reported for a generation that is dialed but not
	// yet installed.
	early struct {
		gen uint64
		err error
	}

	lost chan struct{}
}

// New creates a Manager in the Disconnected state. Call Run to start connecting.
func New(dialer Dialer, policy Policy, observer Observer) (*Manager, error) {
	if dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if observer == nil {
		observer = nopObserver{}
	}

	return &Manager{
		dialer:   dialer,
		policy:   policy.withDefaults(),
		observer: observer,
		status:   Status{State: Disconnected, Since: time.Now()},
		changed:  make(chan struct{}),
		lost:     make(chan struct{}, 1),
	}, nil
}

// Run connects to the broker and keeps the connection alive until ctx is
// cancelled. It closes the connection before returning.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return errors.New("nil manager")
	}
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("broker: manager already running")
	}
	defer m.shutdown()

	cooldown := backoff.NewExponentialBackOff()
	cooldown.InitialInterval = m.policy.CooldownInitial
	cooldown.MaxInterval = m.policy.CooldownMax
	cooldown.Reset()

	for {
		m.transition(Connecting, nil)

		conn, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.transition(Disconnected, err)

			timer := time.NewTimer(cooldown.NextBackOff())
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}
		cooldown.Reset()

		select {
		case <-ctx.Done():
			return nil
		case <-m.lost:
		}
		m.retire(conn)
	}
}

// connect runs one retry window. It returns once a connection is Ready, the
// window's retry budget is spent, or ctx is done.
func (m *Manager) connect(ctx context.Context) (Conn, error) {
	b := retry.NewExponential(m.policy.RetryBase)
	b = retry.WithCappedDuration(m.policy.RetryMax, b)
	b = retry.WithMaxRetries(m.policy.WindowRetries, b)

	var conn Conn
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		gen := m.gens.Add(1)

		dialCtx, cancel := context.WithTimeout(ctx, m.policy.DialTimeout)
		defer cancel()

		c, err := m.dialer.Dial(dialCtx, func(err error) {
			m.markDegraded(gen, err)
		})
		if err != nil {
			m.mu.Lock()
			m.status.Retries++
			m.status.LastError = err
			m.mu.Unlock()
			return retry.RetryableError(err)
		}

		if err := m.install(c, gen); err != nil {
			c.Close()
			m.mu.Lock()
			m.status.Retries++
			m.status.LastError = err
			m.mu.Unlock()
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// install makes conn the current connection unless it was lost while the
// dial was still completing.
func (m *Manager) install(conn Conn, gen uint64) error {
	m.mu.Lock()
	if m.early.gen == gen {
		err := m.early.err
		m.early.gen, m.early.err = 0, nil
		m.mu.Unlock()
		return fmt.Errorf("connection lost before ready: %w", err)
	}
	m.conn = conn
	m.status.Generation = gen
	m.status.Retries = 0
	m.status.LastError = nil
	t, ok := m.setStateLocked(Ready, nil)
	m.mu.Unlock()

	if ok {
		m.observer.BrokerTransition(t)
	}
	return nil
}

// retire closes a connection that has been marked Degraded.
func (m *Manager) retire(conn Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	t, ok := m.setStateLocked(Disconnected, nil)
	m.mu.Unlock()

	select {
	case <-m.lost:
	default:
	}

	if conn != nil {
		conn.Close()
	}
	if ok {
		m.observer.BrokerTransition(t)
	}
	m.running.Store(false)
}

// markDegraded flags the connection of generation gen as unusable. A loss for
// a generation that is not installed yet is remembered so install refuses it.
// Calls for older generations, or when the connection is not Ready, are
// ignored.
func (m *Manager) markDegraded(gen uint64, err error) {
	if err == nil {
		err = ErrUnavailable
	}

	m.mu.Lock()
	if gen > m.status.Generation {
		m.early.gen, m.early.err = gen, err
		m.mu.Unlock()
		return
	}
	if m.status.State != Ready || m.status.Generation != gen {
		m.mu.Unlock()
		return
	}
	t, ok := m.setStateLocked(Degraded, err)
	m.mu.Unlock()

	if ok {
		m.observer.BrokerTransition(t)
	}

	select {
	case m.lost <- struct{}{}:
	default:
	}
}

func (m *Manager) transition(to State, err error) {
	m.mu.Lock()
	t, ok := m.setStateLocked(to, err)
	m.mu.Unlock()

	if ok {
		m.observer.BrokerTransition(t)
	}
}

// setStateLocked must be called with m.mu held.
func (m *Manager) setStateLocked(to State, err error) (Transition, bool) {
	from := m.status.State
	if from == to {
		return Transition{}, false
	}

	now := time.Now()
	m.status.State = to
	m.status.Since = now
	if err != nil {
		m.status.LastError = err
	}

	close(m.changed)
	m.changed = make(chan struct{})

	return Transition{From: from, To: to, Err: err, Retries: m.status.Retries, At: now}, true
}

// EnsureReady reports whether a connection is usable right now. It never
// blocks and never starts a connection attempt.
func (m *Manager) EnsureReady() error {
	m.mu.Lock()
	state := m.status.State
	m.mu.Unlock()

	if state != Ready {
		return fmt.Errorf("%w: broker %s", ErrNotReady, state)
	}
	return nil
}

// Acquire returns the current connection. While a connection attempt is in
// progress it waits for the outcome or for ctx to end; in any other non-Ready
// state it fails immediately with ErrUnavailable.
func (m *Manager) Acquire(ctx context.Context) (Handle, error) {
	for {
		m.mu.Lock()
		state := m.status.State
		conn := m.conn
		gen := m.status.Generation
		changed := m.changed
		m.mu.Unlock()

		switch state {
		case Ready:
			return Handle{Conn: conn, gen: gen}, nil
		case Connecting:
			select {
			case <-changed:
			case <-ctx.Done():
				return Handle{}, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
			}
		default:
			return Handle{}, fmt.Errorf("%w: broker %s", ErrUnavailable, state)
		}
	}
}

// Fail reports a transport failure observed while using h.
func (m *Manager) Fail(h Handle, err error) {
	m.markDegraded(h.gen, err)
}

// State returns a snapshot of the connection status.
func (m *Manager) State() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
