package atstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/atweave/pds/internal/blob"
	"github.com/atweave/pds/internal/cid"
)

// PostgresBlobBackend implements blob.Backend by storing bytes directly
// in blob_index.data, the default backend spec.md §4.8 names before an
// S3-compatible bucket is configured.
type PostgresBlobBackend struct {
	db *sql.DB
}

// NewPostgresBlobBackend wraps an already-migrated database.
func NewPostgresBlobBackend(db *sql.DB) *PostgresBlobBackend {
	return &PostgresBlobBackend{db: db}
}

// Put implements blob.Backend.
func (b *PostgresBlobBackend) Put(ctx context.Context, c cid.CID, mime string, data []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO blob_index(cid, mime_type, size, location, data)
		VALUES ($1, $2, $3, 'postgres', $4)
		ON CONFLICT (cid) DO NOTHING
	`, c.String(), mime, int64(len(data)), data)
	if err != nil {
		return fmt.Errorf("atstore: insert blob_index: %w", err)
	}
	return nil
}

// Get implements blob.Backend.
func (b *PostgresBlobBackend) Get(ctx context.Context, c cid.CID) ([]byte, string, bool, error) {
	var data []byte
	var mime string
	err := b.db.QueryRowContext(ctx, `SELECT data, mime_type FROM blob_index WHERE cid=$1 AND location='postgres'`, c.String()).Scan(&data, &mime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("atstore: select blob_index: %w", err)
	}
	return data, mime, true, nil
}

// Delete implements blob.Backend.
func (b *PostgresBlobBackend) Delete(ctx context.Context, c cid.CID) (bool, error) {
	result, err := b.db.ExecContext(ctx, `DELETE FROM blob_index WHERE cid=$1`, c.String())
	if err != nil {
		return false, fmt.Errorf("atstore: delete blob_index: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("atstore: rows affected: %w", err)
	}
	return n > 0, nil
}

// List implements blob.Backend.
func (b *PostgresBlobBackend) List(ctx context.Context) ([]blob.Metadata, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT cid, mime_type, size FROM blob_index WHERE location='postgres'`)
	if err != nil {
		return nil, fmt.Errorf("atstore: list blob_index: %w", err)
	}
	defer rows.Close()

	var out []blob.Metadata
	for rows.Next() {
		var cidStr, mime string
		var size int64
		if err := rows.Scan(&cidStr, &mime, &size); err != nil {
			return nil, fmt.Errorf("atstore: scan blob_index row: %w", err)
		}
		c, err := cid.Parse(cidStr)
		if err != nil {
			return nil, fmt.Errorf("atstore: parse blob cid: %w", err)
		}
		out = append(out, blob.Metadata{CID: c, MimeType: mime, Size: size})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("atstore: iterate blob_index: %w", err)
	}
	return out, nil
}
