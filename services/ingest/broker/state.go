package broker

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle phase of the broker connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Ready
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNotReady is returned by EnsureReady when no usable connection exists.
	ErrNotReady = errors.New("broker: not ready")
	// ErrUnavailable is returned by Acquire when a connection cannot be handed out.
	ErrUnavailable = errors.New("broker: unavailable")
)

// Status is a point-in-time snapshot of the connection.
type Status struct {
	State     State
	LastError error
	// Retries counts consecutive failed dial attempts since the last Ready.
	Retries    int
	Generation uint64
	Since      time.Time
}

// Transition is emitted every time the connection changes state.
type Transition struct {
	From    State
	To      State
	Err     error
	Retries int
	At      time.Time
}

// Observer receives connection state transitions. Implementations must not block.
type Observer interface {
	BrokerTransition(Transition)
}

type nopObserver struct{}

func (nopObserver) BrokerTransition(Transition) {}
