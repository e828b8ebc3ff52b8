// Command migrate-json-to-postgres copies a JSON job store into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"relaycast/internal/observability/logging"
	"relaycast/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/relaycast.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := logging.New(logging.Config{Level: "info", Format: "text"})

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("RELAYCAST_STORAGE_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, RELAYCAST_STORAGE_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	if err := migrate(context.Background(), logger, *jsonPath, dsn); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func migrate(ctx context.Context, logger *slog.Logger, jsonPath, dsn string) error {
	snapshot, err := storage.LoadSnapshot(jsonPath)
	if err != nil {
		return fmt.Errorf("load JSON snapshot: %w", err)
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", jsonPath, "jobs", counts.Jobs, "sessions", counts.Sessions, "pages", counts.Pages)

	if err := storage.ImportSnapshotToPostgres(ctx, dsn, snapshot, storage.WithPostgresApplicationName("relaycast-migrate")); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	if err := verifyCounts(ctx, dsn, counts); err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	logger.Info("migration completed",
		"jobs", counts.Jobs,
		"sessions", counts.Sessions,
		"pages", counts.Pages,
		"videos", counts.Videos,
		"profiles", counts.Profiles,
		"settings", counts.Settings)
	return nil
}

type countCheck struct {
	table    string
	expected int
}

func countChecks(counts storage.SnapshotCounts) []countCheck {
	return []countCheck{
		{"jobs", counts.Jobs},
		{"sessions", counts.Sessions},
		{"pages", counts.Pages},
		{"videos", counts.Videos},
		{"profiles", counts.Profiles},
		{"settings", counts.Settings},
	}
}

func verifyCounts(ctx context.Context, dsn string, counts storage.SnapshotCounts) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	for _, check := range countChecks(counts) {
		var actual int
		if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+check.table).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.table, err)
		}
		if actual < check.expected {
			return fmt.Errorf("mismatch for %s: expected at least %d, got %d", check.table, check.expected, actual)
		}
	}
	return nil
}
