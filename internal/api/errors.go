package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/homekit"
)

// Error is the JSON body of every error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest          = "bad_request"
	ErrCodeNotFound            = "not_found"
	ErrCodeUnauthorized        = "unauthorised"
	ErrCodeInternal            = "internal_error"
	ErrCodeMethodNotAllow      = "method_not_allowed"
	ErrCodeUnsupported         = "unsupported"
	ErrCodeUnreachable         = "unreachable"
	ErrCodeBusy                = "busy"
	ErrCodeTimeout             = "timeout"
	ErrCodeNativeError         = "native_error"
	ErrCodePlatformUnavailable = "platform_unavailable"
	ErrCodeNotReady            = "not_ready"
	ErrCodeShutdown            = "shutdown"
	ErrCodeHistoryDisabled     = "history_disabled"
)

// bridgeErrors is checked in order; the first match wins. Specific causes
// come before ErrNativeError because native errors also unwrap to them.
var bridgeErrors = []struct {
	err    error
	status int
	code   string
}{
	{homekit.ErrPlatformUnavailable, http.StatusServiceUnavailable, ErrCodePlatformUnavailable},
	{homekit.ErrNotReady, http.StatusServiceUnavailable, ErrCodeNotReady},
	{homekit.ErrShutdown, http.StatusServiceUnavailable, ErrCodeShutdown},
	{homekit.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{homekit.ErrUnsupported, http.StatusBadRequest, ErrCodeUnsupported},
	{homekit.ErrInvalidGraph, http.StatusBadGateway, ErrCodeNativeError},
	{homekit.ErrUnreachable, http.StatusConflict, ErrCodeUnreachable},
	{homekit.ErrBusy, http.StatusTooManyRequests, ErrCodeBusy},
	{homekit.ErrTimeout, http.StatusGatewayTimeout, ErrCodeTimeout},
	{homekit.ErrNativeError, http.StatusBadGateway, ErrCodeNativeError},
}

// statusForError maps a bridge error onto an HTTP status and error code.
func statusForError(err error) (int, string) {
	for _, m := range bridgeErrors {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, ErrCodeInternal
}

// writeBridgeError writes the response for an error returned by the bridge.
func writeBridgeError(w http.ResponseWriter, err error) {
	status, code := statusForError(err)
	writeError(w, status, code, err.Error())
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // best-effort write; the client may be gone
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="accessorybridge"`)
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
