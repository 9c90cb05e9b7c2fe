package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementCharacteristic is the measurement every sample is written to.
const MeasurementCharacteristic = "characteristic"

// CharacteristicSample is one observed characteristic value.
type CharacteristicSample struct {
	AccessoryID      string
	ServiceID        string
	CharacteristicID string

	// Type is the HAP characteristic type, written as a tag when set.
	Type string

	// Value is a normalized characteristic value (bool, int64, uint64, float64).
	Value any

	// Source is what caused the change: notification, read, write or refresh.
	Source string

	Time time.Time
}

// WriteCharacteristicValue queues s for writing. It reports false when the
// value is not numeric or the client is closed; nothing is written then.
func (c *Client) WriteCharacteristicValue(s CharacteristicSample) bool {
	if !c.IsConnected() {
		return false
	}
	p, ok := CharacteristicPoint(s)
	if !ok {
		return false
	}
	c.writeAPI.WritePoint(p)
	return true
}

// CharacteristicPoint converts s into a line-protocol point.
func CharacteristicPoint(s CharacteristicSample) (*write.Point, bool) {
	v, ok := NumericValue(s.Value)
	if !ok {
		return nil, false
	}

	tags := map[string]string{
		"accessory_id":      s.AccessoryID,
		"service_id":        s.ServiceID,
		"characteristic_id": s.CharacteristicID,
	}
	if s.Type != "" {
		tags["type"] = s.Type
	}
	if s.Source != "" {
		tags["source"] = s.Source
	}

	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(MeasurementCharacteristic, tags, map[string]any{"value": v}, ts), true
}

// NumericValue maps a characteristic value onto a float64 field value.
func NumericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
