// Package atstore is the Postgres-backed Persistence implementation for
// internal/repo, the SeqStore for internal/firehose, and the Backend for
// internal/blob — the durable half of a node that otherwise runs entirely
// against in-memory structures.
package atstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open connects to databaseURL and verifies connectivity, mirroring the
// teacher's store.Open connection-pool tuning.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("atstore: open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("atstore: ping db: %w", err)
	}
	return db, nil
}
