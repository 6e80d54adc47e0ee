package database

import (
	"context"

	"github.com/caravel-ai/caravel/pkg/observability"
)

// OpenTest opens an in-memory SQLite database with all migrations applied.
// Intended for tests; the single-writer pool keeps the memory database
// alive for the lifetime of the handle.
func OpenTest(ctx context.Context) (*DB, error) {
	db, err := New(ctx, Config{
		Driver:    "sqlite",
		DSN:       ":memory:",
		GuardMode: GuardModeError,
	}, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
