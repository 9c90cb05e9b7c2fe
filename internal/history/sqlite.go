package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/homekit"
)

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteRepository implements Repository on the characteristic_history table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a repository on an open, migrated database.
//
// Parameters:
//   - db: Open SQLite connection
//
// Returns:
//   - *SQLiteRepository: Repository ready for use
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// Record inserts c. A zero c.At is stamped with the current time.
func (r *SQLiteRepository) Record(ctx context.Context, c Change) error {
	if !validRef(c.Ref) {
		return ErrInvalidRef
	}
	if c.Source == "" {
		c.Source = homekit.SourceNotification
	}
	at := c.At
	if at.IsZero() {
		at = r.now()
	}

	value, err := json.Marshal(c.Value)
	if err != nil {
		return fmt.Errorf("marshalling value: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO characteristic_history
		 (accessory_id, service_id, characteristic_id, value, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.Ref.AccessoryID, c.Ref.ServiceID, c.Ref.CharacteristicID,
		string(value), string(c.Source), at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting characteristic history: %w", err)
	}
	return nil
}

// History returns the newest entries for ref.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - ref: Characteristic to query
//   - limit: Maximum entries (default 50, max 200)
//
// Returns:
//   - []Entry: Entries ordered newest first
//   - error: ErrInvalidRef or the underlying query error
func (r *SQLiteRepository) History(ctx context.Context, ref homekit.CharacteristicRef, limit int) ([]Entry, error) {
	if !validRef(ref) {
		return nil, ErrInvalidRef
	}
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, accessory_id, service_id, characteristic_id, value, source, created_at
		 FROM characteristic_history
		 WHERE accessory_id = ? AND service_id = ? AND characteristic_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		ref.AccessoryID, ref.ServiceID, ref.CharacteristicID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying characteristic history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e         Entry
			value     string
			source    string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.AccessoryID, &e.ServiceID, &e.CharacteristicID, &value, &source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning characteristic history: %w", err)
		}
		e.Value = json.RawMessage(value)
		e.Source = homekit.ChangeSource(source)
		if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating characteristic history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries created before now-olderThan.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("history: olderThan must be positive")
	}

	cutoff := r.now().UTC().Add(-olderThan).Format(timeLayout)
	res, err := r.db.ExecContext(ctx, "DELETE FROM characteristic_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting characteristic history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
