package feed

import (
	"context"

	"optionflow/models"
)

// EventKind discriminates the events a feed session can emit.
type EventKind int

const (
	// EventConnected signals the session finished its handshake and is ready
	// for subscriptions.
	EventConnected EventKind = iota
	// EventTicks carries one batch of decoded ticks.
	EventTicks
	// EventError carries a non-terminal session error.
	EventError
	// EventClosed signals the session ended; no further events follow.
	EventClosed
)

// Event is one notification from a feed session. Only the fields relevant to
// its Kind are populated.
type Event struct {
	Kind   EventKind
	Ticks  []models.Tick
	Err    error
	Code   int
	Reason string
}

// Conn is one live feed session. Implementations deliver already-decoded
// ticks; wire framing stays behind this interface.
type Conn interface {
	// SubscribeFull registers the tokens for full-depth updates. Subscription
	// state does not survive the session; callers re-subscribe after every
	// EventConnected.
	SubscribeFull(tokens []uint32) error
	// Events returns the session's event stream.
	Events() <-chan Event
	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Dialer opens feed sessions. Every call is an independent connection
// attempt; retry policy belongs to the caller.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// State is the lifecycle position of one shard connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateExhausted:
		return "exhausted"
	}
	return "unknown"
}
