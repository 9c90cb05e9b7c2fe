package mqttnative

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/homekit"
)

// MQTT message types exchanged with the native host process.
// All payloads are JSON; numbers are decoded as json.Number so large
// unsigned values survive the round trip.

// Request operations.
const (
	OpFetchGraph = "fetch_graph"
	OpRead       = "read"
	OpWrite      = "write"
	OpIdentify   = "identify"
	OpObserve    = "observe"
	OpUnobserve  = "unobserve"
)

// RequestMessage is sent from the bridge to the native host.
// Topic: accessorybridge/native/{host}/request/{token}
type RequestMessage struct {
	// Token correlates the response. It is also the last topic segment.
	Token string `json:"token"`

	// Op is one of the Op* constants.
	Op string `json:"op"`

	// Timestamp is when the request was issued (UTC).
	Timestamp time.Time `json:"timestamp"`

	AccessoryID      string `json:"accessory_id,omitempty"`
	ServiceID        string `json:"service_id,omitempty"`
	CharacteristicID string `json:"characteristic_id,omitempty"`

	// Value is the value to write. Data and TLV8 values travel as base64.
	Value any `json:"value,omitempty"`

	// WriteType is "default" or "with_response".
	WriteType string `json:"write_type,omitempty"`
}

// ResponseMessage is sent from the native host to answer a request.
// Topic: accessorybridge/native/{host}/response/{token}
type ResponseMessage struct {
	Token   string `json:"token"`
	Success bool   `json:"success"`

	// Value is the read value, or the confirmed value of a write.
	Value any `json:"value,omitempty"`

	// Graph is set on fetch_graph responses.
	Graph *homekit.Graph `json:"graph,omitempty"`

	// Error is set when Success is false.
	Error *ErrorPayload `json:"error,omitempty"`
}

// ErrorPayload describes a failed request.
type ErrorPayload struct {
	// Code is one of the homekit.Code* values.
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CharacteristicEventMessage reports an observed value change.
// Topic: accessorybridge/native/{host}/event/characteristic
type CharacteristicEventMessage struct {
	AccessoryID      string    `json:"accessory_id"`
	ServiceID        string    `json:"service_id"`
	CharacteristicID string    `json:"characteristic_id"`
	Value            any       `json:"value"`
	Timestamp        time.Time `json:"timestamp"`
}

// ReachabilityEventMessage reports an accessory going on- or offline.
// Topic: accessorybridge/native/{host}/event/reachability
type ReachabilityEventMessage struct {
	AccessoryID string    `json:"accessory_id"`
	Reachable   bool      `json:"reachable"`
	Timestamp   time.Time `json:"timestamp"`
}

// err converts a failed response into a *homekit.NativeError.
func (r ResponseMessage) err(op string) error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return &homekit.NativeError{Op: op, Code: homekit.CodeInternal, Message: "request failed without detail"}
	}
	return &homekit.NativeError{Op: op, Code: r.Error.Code, Message: r.Error.Message}
}

func (m CharacteristicEventMessage) ref() homekit.CharacteristicRef {
	return homekit.CharacteristicRef{
		AccessoryID:      m.AccessoryID,
		ServiceID:        m.ServiceID,
		CharacteristicID: m.CharacteristicID,
	}
}

// decode unmarshals payload into v, keeping numbers as json.Number.
func decode(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return nil
}
