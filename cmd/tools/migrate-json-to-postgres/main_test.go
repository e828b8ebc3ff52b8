package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"relaycast/internal/observability/logging"
	"relaycast/internal/storage"
)

func TestCountChecksCoverEveryTable(t *testing.T) {
	checks := countChecks(storage.SnapshotCounts{Jobs: 3, Sessions: 2, Pages: 1, Videos: 4, Profiles: 5, Settings: 6})
	want := map[string]int{"jobs": 3, "sessions": 2, "pages": 1, "videos": 4, "profiles": 5, "settings": 6}
	if len(checks) != len(want) {
		t.Fatalf("expected %d checks, got %d", len(want), len(checks))
	}
	for _, check := range checks {
		if want[check.table] != check.expected {
			t.Fatalf("table %s: expected %d, got %d", check.table, want[check.table], check.expected)
		}
	}
}

func TestMigrateFailsOnMissingSnapshot(t *testing.T) {
	err := migrate(context.Background(), logging.Discard(), filepath.Join(t.TempDir(), "missing.json"), "postgres://unused")
	if err == nil {
		t.Fatal("expected error for missing snapshot")
	}
}

func TestMigrateAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("RELAYCAST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAYCAST_TEST_POSTGRES_DSN not set")
	}
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := storage.NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	ctx := context.Background()
	if err := store.SetSetting(ctx, "migrate.marker", "1"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := migrate(ctx, logging.Discard(), path, dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}
