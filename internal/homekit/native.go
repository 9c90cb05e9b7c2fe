package homekit

import "context"

// Native is the boundary to the platform accessory framework.
//
// Read, Write and Identify only dispatch: they return an error when the
// request could not be sent, and otherwise report the outcome later through
// Sink.HandleCompletion with the same token. FetchGraph, Observe and
// Unobserve are synchronous from the bridge's point of view.
//
// Implementations must not call Sink methods while holding locks that the
// dispatch methods also take; the bridge may call back into Native from
// inside a Sink call.
type Native interface {
	// Available reports whether the framework can be used at all. It is
	// consulted once, when the bridge is constructed.
	Available() bool

	// Start registers the sink for completions and notifications.
	Start(sink Sink) error

	FetchGraph(ctx context.Context) (*Graph, error)
	Read(ctx context.Context, token string, ref CharacteristicRef) error
	Write(ctx context.Context, token string, ref CharacteristicRef, value any, writeType WriteType) error
	Identify(ctx context.Context, token string, accessoryID string) error
	Observe(ctx context.Context, ref CharacteristicRef) error
	Unobserve(ctx context.Context, ref CharacteristicRef) error
}

// Sink receives asynchronous reports from a Native implementation.
// Every method may be called from any goroutine and returns promptly.
type Sink interface {
	HandleCompletion(c Completion)
	HandleNotification(n Notification)
	HandleReachability(accessoryID string, reachable bool)
	HandleReconnect()
	HandleFatal(err error)
}

// Completion reports the outcome of a Read, Write or Identify.
// Value is the read value, or the confirmed value of a write if the
// accessory returned one. Err is nil on success.
type Completion struct {
	Token string
	Value any
	Err   error
}

// Notification reports a characteristic value change observed natively.
type Notification struct {
	Ref   CharacteristicRef
	Value any
}
