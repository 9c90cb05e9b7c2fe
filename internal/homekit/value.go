package homekit

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// Normalized value representations per format:
//
//	bool                          -> bool
//	uint8, uint16, uint32, uint64 -> uint64
//	int                           -> int64
//	float                         -> float64
//	string                        -> string
//	data, tlv8                    -> []byte
//
// Values arrive from JSON (float64, json.Number), YAML (int, float64) and
// Go callers (any numeric kind), so everything is funnelled through
// NormalizeValue before it reaches the cache or the native layer.

// NormalizeValue converts v to the canonical representation for format f.
// A nil value stays nil. A value that cannot be represented fails with
// ErrUnsupported.
func NormalizeValue(f Format, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch f {
	case FormatBool:
		return toBool(v)
	case FormatUInt8:
		return toUnsigned(v, math.MaxUint8)
	case FormatUInt16:
		return toUnsigned(v, math.MaxUint16)
	case FormatUInt32:
		return toUnsigned(v, math.MaxUint32)
	case FormatUInt64:
		return toUnsigned(v, math.MaxUint64)
	case FormatInt:
		return toSigned(v, math.MinInt32, math.MaxInt32)
	case FormatFloat:
		n, ok := toFloat(v)
		if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, unsupportedValue(f, v)
		}
		return n, nil
	case FormatString:
		s, ok := v.(string)
		if !ok {
			return nil, unsupportedValue(f, v)
		}
		return s, nil
	case FormatData, FormatTLV8:
		switch b := v.(type) {
		case []byte:
			return bytes.Clone(b), nil
		case string:
			decoded, err := base64.StdEncoding.DecodeString(b)
			if err != nil {
				return nil, fmt.Errorf("%w: %s value is not base64: %w", ErrUnsupported, f, err)
			}
			return decoded, nil
		}
		return nil, unsupportedValue(f, v)
	}

	return nil, fmt.Errorf("%w: unknown format %q", ErrUnsupported, f)
}

// ValidateWrite checks v against the characteristic's format and bounds and
// returns the normalized value to send.
func ValidateWrite(c Characteristic, v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: %s requires a value", ErrUnsupported, c.Ref())
	}
	n, err := NormalizeValue(c.Format, v)
	if err != nil {
		return nil, err
	}
	if f, ok := toFloat(n); ok {
		if c.MinValue != nil && f < *c.MinValue {
			return nil, fmt.Errorf("%w: %v below minimum %v", ErrUnsupported, f, *c.MinValue)
		}
		if c.MaxValue != nil && f > *c.MaxValue {
			return nil, fmt.Errorf("%w: %v above maximum %v", ErrUnsupported, f, *c.MaxValue)
		}
	}
	return n, nil
}

// ValuesEqual compares two normalized values.
func ValuesEqual(a, b any) bool {
	ab, aok := a.([]byte)
	bb, bok := b.([]byte)
	if aok || bok {
		return aok && bok && bytes.Equal(ab, bb)
	}
	return reflect.DeepEqual(a, b)
}

func unsupportedValue(f Format, v any) error {
	return fmt.Errorf("%w: %T value %v does not fit format %s", ErrUnsupported, v, v, f)
}

func toBool(v any) (any, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	// HAP clients commonly send 0/1 for bool characteristics.
	if n, ok := toFloat(v); ok {
		switch n {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	}
	return nil, unsupportedValue(FormatBool, v)
}

func toUnsigned(v any, maxValue uint64) (any, error) {
	switch n := v.(type) {
	case uint64:
		if n > maxValue {
			return nil, fmt.Errorf("%w: %d exceeds %d", ErrUnsupported, n, maxValue)
		}
		return n, nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return toUnsigned(i, maxValue)
		}
	}
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) || f < 0 || f > float64(maxValue) {
		return nil, fmt.Errorf("%w: %v is not an integer in [0, %d]", ErrUnsupported, v, maxValue)
	}
	return uint64(f), nil
}

func toSigned(v any, minValue, maxValue int64) (any, error) {
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) || f < float64(minValue) || f > float64(maxValue) {
		return nil, fmt.Errorf("%w: %v is not an integer in [%d, %d]", ErrUnsupported, v, minValue, maxValue)
	}
	return int64(f), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
