package homekit

import (
	"fmt"
	"slices"

	"github.com/brutella/hap/characteristic"
)

// Format is the declared value type of a characteristic. Names follow HAP.
type Format string

// Characteristic formats.
const (
	FormatBool   Format = characteristic.FormatBool
	FormatUInt8  Format = characteristic.FormatUInt8
	FormatUInt16 Format = characteristic.FormatUInt16
	FormatUInt32 Format = characteristic.FormatUInt32
	FormatUInt64 Format = characteristic.FormatUInt64
	FormatInt    Format = characteristic.FormatInt32
	FormatFloat  Format = characteristic.FormatFloat
	FormatString Format = characteristic.FormatString
	FormatData   Format = characteristic.FormatData
	FormatTLV8   Format = characteristic.FormatTLV8
)

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	switch f {
	case FormatBool, FormatUInt8, FormatUInt16, FormatUInt32, FormatUInt64,
		FormatInt, FormatFloat, FormatString, FormatData, FormatTLV8:
		return true
	}
	return false
}

// Home is a top-level container of accessories.
type Home struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Primary      bool     `json:"primary"`
	AccessoryIDs []string `json:"accessory_ids"`
}

// Accessory is a physical or bridged device.
type Accessory struct {
	ID         string   `json:"id"`
	HomeID     string   `json:"home_id"`
	Name       string   `json:"name"`
	Category   string   `json:"category,omitempty"`
	Reachable  bool     `json:"reachable"`
	ServiceIDs []string `json:"service_ids"`
}

// Service is a functional grouping of characteristics on an accessory.
// Service ids are unique within their accessory.
type Service struct {
	ID                string   `json:"id"`
	AccessoryID       string   `json:"accessory_id"`
	Type              string   `json:"type"`
	Name              string   `json:"name,omitempty"`
	CharacteristicIDs []string `json:"characteristic_ids"`
}

// Characteristic is a single typed, readable and/or writable property.
// Characteristic ids are unique within their service.
//
// Permissions use HAP codes (characteristic.PermissionRead and friends).
type Characteristic struct {
	ID          string   `json:"id"`
	AccessoryID string   `json:"accessory_id"`
	ServiceID   string   `json:"service_id"`
	Type        string   `json:"type"`
	Format      Format   `json:"format"`
	Value       any      `json:"value"`
	Permissions []string `json:"permissions"`
	Unit        string   `json:"unit,omitempty"`
	MinValue    *float64 `json:"min_value,omitempty"`
	MaxValue    *float64 `json:"max_value,omitempty"`
}

// Ref returns the address of c.
func (c Characteristic) Ref() CharacteristicRef {
	return CharacteristicRef{AccessoryID: c.AccessoryID, ServiceID: c.ServiceID, CharacteristicID: c.ID}
}

// Readable reports whether the characteristic supports reads.
func (c Characteristic) Readable() bool {
	return slices.Contains(c.Permissions, characteristic.PermissionRead)
}

// Writable reports whether the characteristic supports writes.
func (c Characteristic) Writable() bool {
	return slices.Contains(c.Permissions, characteristic.PermissionWrite)
}

// Notifies reports whether the characteristic emits change notifications.
func (c Characteristic) Notifies() bool {
	return slices.Contains(c.Permissions, characteristic.PermissionEvents)
}

// CharacteristicRef addresses a characteristic by its owner chain.
type CharacteristicRef struct {
	AccessoryID      string `json:"accessory_id"`
	ServiceID        string `json:"service_id"`
	CharacteristicID string `json:"characteristic_id"`
}

func (r CharacteristicRef) String() string {
	if r.ServiceID == "" && r.CharacteristicID == "" {
		return r.AccessoryID
	}
	return fmt.Sprintf("%s/%s/%s", r.AccessoryID, r.ServiceID, r.CharacteristicID)
}

type serviceKey struct {
	accessoryID string
	serviceID   string
}

// AccessoryView is an accessory together with its services and
// characteristics, all resolved from one snapshot.
type AccessoryView struct {
	Accessory
	Services []ServiceView `json:"services"`
}

// ServiceView is a service with its characteristics in declared order.
type ServiceView struct {
	Service
	Characteristics []Characteristic `json:"characteristics"`
}

// Characteristic finds a characteristic in the view by service and id.
func (v AccessoryView) Characteristic(serviceID, characteristicID string) (Characteristic, bool) {
	for _, s := range v.Services {
		if s.ID != serviceID {
			continue
		}
		for _, c := range s.Characteristics {
			if c.ID == characteristicID {
				return c, true
			}
		}
	}
	return Characteristic{}, false
}

// WriteType controls how a write is acknowledged by the accessory.
type WriteType int

const (
	// WriteTypeDefault completes once the accessory accepts the value.
	WriteTypeDefault WriteType = iota
	// WriteTypeWithResponse asks the accessory to return a confirmed value.
	WriteTypeWithResponse
)

func (w WriteType) String() string {
	if w == WriteTypeWithResponse {
		return "with_response"
	}
	return "default"
}

// ParseWriteType converts the wire name of a write type.
// Unknown names map to WriteTypeDefault.
func ParseWriteType(s string) WriteType {
	if s == "with_response" {
		return WriteTypeWithResponse
	}
	return WriteTypeDefault
}

// RequestKind identifies a correlated native request.
type RequestKind string

// Request kinds.
const (
	RequestRead     RequestKind = "read"
	RequestWrite    RequestKind = "write"
	RequestIdentify RequestKind = "identify"
)

// Lifecycle is the readiness state of a bridge.
type Lifecycle string

// Lifecycle states.
const (
	StateUninitialized Lifecycle = "uninitialized"
	StateInitializing  Lifecycle = "initializing"
	StateReady         Lifecycle = "ready"
	StateFailed        Lifecycle = "failed"
)

// Stats summarises the current snapshot.
type Stats struct {
	Version         uint64 `json:"version"`
	Homes           int    `json:"homes"`
	Accessories     int    `json:"accessories"`
	Services        int    `json:"services"`
	Characteristics int    `json:"characteristics"`
	Unreachable     int    `json:"unreachable"`
}
