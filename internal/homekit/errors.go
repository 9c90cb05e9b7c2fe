package homekit

import (
	"errors"
	"fmt"
)

// Sentinel errors for bridge operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrPlatformUnavailable is returned by every fallible operation of the
	// UnavailableBridge. The message is fixed and safe to show to users.
	ErrPlatformUnavailable = errors.New("homekit: native accessory framework is not available on this platform")

	// ErrNotFound is returned when a home, accessory, service or
	// characteristic id does not resolve in the current snapshot.
	ErrNotFound = errors.New("homekit: not found")

	// ErrUnreachable is returned when the target accessory is known to be
	// unreachable. Nothing is sent to the native layer.
	ErrUnreachable = errors.New("homekit: accessory unreachable")

	// ErrUnsupported is returned when a characteristic lacks the required
	// capability or a value does not fit its format.
	ErrUnsupported = errors.New("homekit: operation not supported")

	// ErrBusy is returned when a characteristic's write queue is full.
	ErrBusy = errors.New("homekit: characteristic busy")

	// ErrTimeout is returned when the native layer does not complete in time.
	ErrTimeout = errors.New("homekit: request timed out")

	// ErrNativeError is returned when the native layer reports a failure.
	// The concrete error is a *NativeError carrying the origin detail.
	ErrNativeError = errors.New("homekit: native error")

	// ErrNotReady is returned by accessory operations before the cache has
	// been populated by Initialize or Refresh.
	ErrNotReady = errors.New("homekit: bridge not ready")

	// ErrShutdown is returned once the bridge has been shut down.
	ErrShutdown = errors.New("homekit: bridge shut down")

	// ErrInvalidGraph is returned when a fetched graph violates ownership rules.
	ErrInvalidGraph = errors.New("homekit: invalid accessory graph")
)

// Native error codes. A native layer may set one of these so that callers
// can match the more specific sentinel in addition to ErrNativeError.
const (
	CodeNotFound    = "not_found"
	CodeUnreachable = "unreachable"
	CodeUnsupported = "unsupported"
	CodeBusy        = "busy"
	CodeTimeout     = "timeout"
	CodeInternal    = "internal"
)

// NativeError describes a failure reported by the native layer.
type NativeError struct {
	Op      string // read, write, identify, observe, unobserve, fetch_graph
	Code    string
	Message string
}

func (e *NativeError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("homekit: native %s failed: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("homekit: native %s failed: %s: %s", e.Op, e.Code, e.Message)
}

// Unwrap exposes ErrNativeError and, when the code is known, the matching
// sentinel, so errors.Is(err, ErrUnreachable) works for native reports too.
func (e *NativeError) Unwrap() []error {
	errs := []error{ErrNativeError}
	switch e.Code {
	case CodeNotFound:
		errs = append(errs, ErrNotFound)
	case CodeUnreachable:
		errs = append(errs, ErrUnreachable)
	case CodeUnsupported:
		errs = append(errs, ErrUnsupported)
	case CodeBusy:
		errs = append(errs, ErrBusy)
	case CodeTimeout:
		errs = append(errs, ErrTimeout)
	}
	return errs
}

// asNativeError wraps err as a *NativeError for op unless it already is one
// or is one of the bridge's own sentinels.
func asNativeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ne *NativeError
	if errors.As(err, &ne) {
		return err
	}
	for _, sentinel := range []error{ErrTimeout, ErrNotFound, ErrUnreachable, ErrUnsupported, ErrBusy, ErrShutdown, ErrNativeError} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return &NativeError{Op: op, Code: CodeInternal, Message: err.Error()}
}
