package mqttnative

import "errors"

// Sentinel errors for the MQTT native layer.
var (
	// ErrNotStarted is returned when a request is made before Start.
	ErrNotStarted = errors.New("mqttnative: not started")

	// ErrHostOffline is returned when the native host is not online.
	ErrHostOffline = errors.New("mqttnative: native host offline")

	// ErrInvalidMessage is returned when a payload cannot be decoded.
	ErrInvalidMessage = errors.New("mqttnative: invalid message")
)
