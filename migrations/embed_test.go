package migrations

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/database"
)

func TestEmbeddedMigrationsApply(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "m.db"), WALMode: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // test cleanup

	all, err := database.LoadMigrations(FS)
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(all) == 0 {
		t.Fatal("no embedded migrations found")
	}
	for _, m := range all {
		if m.DownSQL == "" {
			t.Errorf("migration %s has no down script", m.Version)
		}
	}

	if err := db.Migrate(ctx, FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO characteristic_history (accessory_id, service_id, characteristic_id, value, source, created_at)
		 VALUES ('A1', 'S1', 'C1', 'true', 'write', '2026-01-01T00:00:00Z')`,
	); err != nil {
		t.Fatalf("insert into characteristic_history: %v", err)
	}

	for range all {
		if err := db.MigrateDown(ctx, FS); err != nil {
			t.Fatalf("MigrateDown() error = %v", err)
		}
	}
	_, pending, err := db.MigrationStatus(ctx, FS)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(pending) != len(all) {
		t.Errorf("pending = %d after full rollback, want %d", len(pending), len(all))
	}
}
