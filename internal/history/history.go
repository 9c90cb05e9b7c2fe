package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/homekit"
)

// Query limits for History.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalidRef is returned when a change or query lacks a full
// characteristic reference.
var ErrInvalidRef = errors.New("history: accessory, service and characteristic id are required")

// Change is a value to append to the journal.
type Change struct {
	Ref    homekit.CharacteristicRef
	Value  any
	Source homekit.ChangeSource
	At     time.Time
}

// Entry is a journal row.
type Entry struct {
	ID               int64                `json:"id"`
	AccessoryID      string               `json:"accessory_id"`
	ServiceID        string               `json:"service_id"`
	CharacteristicID string               `json:"characteristic_id"`
	Value            json.RawMessage      `json:"value"`
	Source           homekit.ChangeSource `json:"source"`
	CreatedAt        time.Time            `json:"created_at"`
}

// Repository stores and retrieves characteristic changes.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Record appends a change.
	Record(ctx context.Context, c Change) error

	// History returns up to limit entries for ref, newest first.
	// limit <= 0 means DefaultLimit; values above MaxLimit are clamped.
	History(ctx context.Context, ref homekit.CharacteristicRef, limit int) ([]Entry, error)

	// Prune deletes entries older than olderThan and returns how many went.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

func validRef(ref homekit.CharacteristicRef) bool {
	return ref.AccessoryID != "" && ref.ServiceID != "" && ref.CharacteristicID != ""
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
