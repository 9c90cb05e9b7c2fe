package homekit

import "time"

// EventKind names an event on the bridge event stream.
type EventKind string

// Event kinds.
const (
	EventCharacteristicChanged EventKind = "characteristic.changed"
	EventReadinessChanged      EventKind = "readiness.changed"
	EventHomeAdded             EventKind = "home.added"
	EventHomeRemoved           EventKind = "home.removed"
	EventHomeChanged           EventKind = "home.changed"
	EventAccessoryAdded        EventKind = "accessory.added"
	EventAccessoryRemoved      EventKind = "accessory.removed"
	EventAccessoryChanged      EventKind = "accessory.changed"
	EventReachabilityChanged   EventKind = "accessory.reachability"
)

// ChangeSource records which path changed a characteristic value.
type ChangeSource string

// Change sources.
const (
	SourceNotification ChangeSource = "notification"
	SourceRead         ChangeSource = "read"
	SourceWrite        ChangeSource = "write"
	SourceRefresh      ChangeSource = "refresh"
)

// Event is delivered to listeners and observers.
//
// Which fields are set depends on Kind: characteristic events carry the
// full reference, Value and Source; structural events carry the home or
// accessory id; readiness events carry State.
type Event struct {
	Kind             EventKind    `json:"kind"`
	Time             time.Time    `json:"time"`
	HomeID           string       `json:"home_id,omitempty"`
	AccessoryID      string       `json:"accessory_id,omitempty"`
	ServiceID        string       `json:"service_id,omitempty"`
	CharacteristicID string       `json:"characteristic_id,omitempty"`
	Value            any          `json:"value,omitempty"`
	Source           ChangeSource `json:"source,omitempty"`
	Reachable        *bool        `json:"reachable,omitempty"`
	State            Lifecycle    `json:"state,omitempty"`
}

// Ref returns the characteristic reference of a characteristic event.
func (e Event) Ref() CharacteristicRef {
	return CharacteristicRef{AccessoryID: e.AccessoryID, ServiceID: e.ServiceID, CharacteristicID: e.CharacteristicID}
}

// Listener receives events. Each listener runs on its own goroutine and
// sees its events in order. It should return quickly: one that blocks past
// the stall timeout stops holding up other listeners. A panic is recovered
// and logged.
type Listener func(Event)

func characteristicEvent(ref CharacteristicRef, value any, source ChangeSource, at time.Time) Event {
	return Event{
		Kind:             EventCharacteristicChanged,
		Time:             at,
		AccessoryID:      ref.AccessoryID,
		ServiceID:        ref.ServiceID,
		CharacteristicID: ref.CharacteristicID,
		Value:            value,
		Source:           source,
	}
}

func readinessEvent(state Lifecycle, at time.Time) Event {
	return Event{Kind: EventReadinessChanged, Time: at, State: state}
}
