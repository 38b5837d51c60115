package wsclient

import (
	"errors"
	"fmt"
	"time"
)

// Subscription is a registered stream: Key is derived from Payload by the
// protocol and identifies the stream on the wire and in the registry.
type Subscription[P any] struct {
	Key     string
	Payload P
}

// Dispatch routes one parsed inbound message to the handlers of Key.
type Dispatch[M any] struct {
	Key     string
	Message M
}

// Protocol adapts the generic client to one upstream wire format.
type Protocol[P, M any] interface {
	// SubscriptionKey derives the registry key of a subscribe payload.
	SubscriptionKey(payload P) string
	// DispatchKey derives the registry key an inbound message belongs to.
	DispatchKey(msg M) string
	SubscribeMessage(sub Subscription[P]) any
	UnsubscribeMessage(sub Subscription[P]) any
	// ParseIncoming turns one frame into zero or more dispatches. Returning a
	// *ProtocolError reports a remote fault; any other error is a decode fault.
	ParseIncoming(frame []byte) ([]Dispatch[M], error)
}

// Handler receives the messages of one subscription key.
type Handler[M any] func(M) error

// ProtocolError is an error reported by the remote end over the stream.
type ProtocolError struct {
	Channel string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %q: %s", e.Channel, e.Message)
}

var (
	ErrClosed           = errors.New("wsclient: client closed")
	ErrAlreadyStarted   = errors.New("wsclient: client already started")
	ErrRetriesExhausted = errors.New("wsclient: reconnect attempts exhausted")
)

// State is the connection state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// EventType names a lifecycle event.
type EventType string

const (
	EventOpen    EventType = "open"
	EventClose   EventType = "close"
	EventError   EventType = "error"
	EventMessage EventType = "message"
	EventHealth  EventType = "health"
)

// Event is delivered to listeners registered with On.
type Event struct {
	Type EventType
	// Err is set for EventError and, when the transport failed, EventClose.
	Err error
	// Raw is the JSON-decoded frame for EventMessage, or the frame as a
	// string when it was not valid JSON.
	Raw any
	// Idle is the time since the last inbound frame for EventHealth.
	Idle time.Duration
}

// Listener observes lifecycle events.
type Listener func(Event)
