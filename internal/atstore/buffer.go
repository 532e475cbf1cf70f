package atstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/atweave/pds/internal/firehose"
)

// PostgresBuffer implements firehose.Buffer against firehose_queue, the
// durable alternative to firehose.MemoryBuffer/RedisBuffer for
// single-database deployments that would rather not run Redis. The ring's
// capacity is enforced by deleting rows below the retained high-water
// mark after each append, mirroring RedisBuffer's trim-after-append shape.
type PostgresBuffer struct {
	db       *sql.DB
	capacity int
}

// NewPostgresBuffer builds a ring holding at most capacity events.
func NewPostgresBuffer(db *sql.DB, capacity int) *PostgresBuffer {
	if capacity <= 0 {
		capacity = firehose.DefaultRingSize
	}
	return &PostgresBuffer{db: db, capacity: capacity}
}

// Append implements firehose.Buffer.
func (b *PostgresBuffer) Append(ctx context.Context, evt firehose.Event) error {
	if _, err := b.db.ExecContext(ctx, `
		INSERT INTO firehose_queue(seq, data) VALUES ($1, $2)
		ON CONFLICT (seq) DO NOTHING
	`, evt.Seq, evt.Raw); err != nil {
		return fmt.Errorf("atstore: append firehose_queue: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, `
		DELETE FROM firehose_queue
		WHERE seq <= (SELECT COALESCE(MAX(seq), 0) FROM firehose_queue) - $1
	`, b.capacity); err != nil {
		return fmt.Errorf("atstore: trim firehose_queue: %w", err)
	}
	return nil
}

// Since implements firehose.Buffer.
func (b *PostgresBuffer) Since(ctx context.Context, cursor int64) ([]firehose.Event, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT seq, data FROM firehose_queue WHERE seq > $1 ORDER BY seq ASC
	`, cursor)
	if err != nil {
		return nil, fmt.Errorf("atstore: query firehose_queue: %w", err)
	}
	defer rows.Close()

	var out []firehose.Event
	for rows.Next() {
		var evt firehose.Event
		if err := rows.Scan(&evt.Seq, &evt.Raw); err != nil {
			return nil, fmt.Errorf("atstore: scan firehose_queue row: %w", err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("atstore: iterate firehose_queue: %w", err)
	}
	return out, nil
}
