package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/homekit"
)

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"platform unavailable", homekit.ErrPlatformUnavailable, http.StatusServiceUnavailable, ErrCodePlatformUnavailable},
		{"not ready", homekit.ErrNotReady, http.StatusServiceUnavailable, ErrCodeNotReady},
		{"shutdown", homekit.ErrShutdown, http.StatusServiceUnavailable, ErrCodeShutdown},
		{"wrapped not found", fmt.Errorf("accessory x: %w", homekit.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"unsupported", homekit.ErrUnsupported, http.StatusBadRequest, ErrCodeUnsupported},
		{"busy", homekit.ErrBusy, http.StatusTooManyRequests, ErrCodeBusy},
		{"timeout", homekit.ErrTimeout, http.StatusGatewayTimeout, ErrCodeTimeout},
		{"invalid graph", homekit.ErrInvalidGraph, http.StatusBadGateway, ErrCodeNativeError},
		{
			"native unreachable",
			&homekit.NativeError{Op: "read", Code: homekit.CodeUnreachable, Message: "no route"},
			http.StatusConflict, ErrCodeUnreachable,
		},
		{
			"native internal",
			&homekit.NativeError{Op: "write", Code: homekit.CodeInternal, Message: "boom"},
			http.StatusBadGateway, ErrCodeNativeError,
		},
		{"unknown", errors.New("something else"), http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := statusForError(tt.err)
			if status != tt.wantStatus || code != tt.wantCode {
				t.Errorf("statusForError() = (%d, %q), want (%d, %q)", status, code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}

func TestWriteBridgeError(t *testing.T) {
	w := httptest.NewRecorder()
	writeBridgeError(w, fmt.Errorf("lamp: %w", homekit.ErrBusy))

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	body := decodeBody[Error](t, w)
	if body.Code != ErrCodeBusy || body.Status != http.StatusTooManyRequests {
		t.Errorf("body = %+v", body)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestWriteUnauthorized(t *testing.T) {
	w := httptest.NewRecorder()
	writeUnauthorized(w, "missing token")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("WWW-Authenticate header not set")
	}
}
