package atstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/atweave/pds/internal/cid"
	"github.com/atweave/pds/internal/repo"
	"github.com/atweave/pds/internal/tid"
)

// PostgresStore is the default-backend implementation of
// repo.Persistence and firehose.SeqStore over database/sql, per the
// teacher's single dataStore pattern. The Postgres firehose.Buffer and
// blob.Backend are the separate PostgresBuffer and PostgresBlobBackend
// types.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-open, already-migrated database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Load implements repo.Persistence.
func (s *PostgresStore) Load(ctx context.Context, did string) (*repo.State, error) {
	var revStr, commitCIDStr string
	var rootStr sql.NullString
	var commitBytes []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT rev, root_cid, commit_cid, commit_bytes FROM repo_state WHERE did=$1`, did,
	).Scan(&revStr, &rootStr, &commitCIDStr, &commitBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("atstore: load repo_state: %w", err)
	}

	rev, err := tid.Parse(revStr)
	if err != nil {
		return nil, fmt.Errorf("atstore: parse rev: %w", err)
	}
	commitCID, err := cid.Parse(commitCIDStr)
	if err != nil {
		return nil, fmt.Errorf("atstore: parse commit_cid: %w", err)
	}
	var root *cid.CID
	if rootStr.Valid {
		c, err := cid.Parse(rootStr.String)
		if err != nil {
			return nil, fmt.Errorf("atstore: parse root_cid: %w", err)
		}
		root = &c
	}

	mstBlocks, err := s.loadMSTBlocks(ctx, did)
	if err != nil {
		return nil, err
	}
	records, err := s.loadRecords(ctx, did)
	if err != nil {
		return nil, err
	}

	return &repo.State{
		DID:         did,
		Rev:         rev,
		Root:        root,
		CommitCID:   commitCID,
		CommitBytes: commitBytes,
		MSTBlocks:   mstBlocks,
		Records:     records,
	}, nil
}

func (s *PostgresStore) loadMSTBlocks(ctx context.Context, did string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cid, data FROM mst_nodes WHERE did=$1`, did)
	if err != nil {
		return nil, fmt.Errorf("atstore: load mst_nodes: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var c string
		var data []byte
		if err := rows.Scan(&c, &data); err != nil {
			return nil, fmt.Errorf("atstore: scan mst_nodes row: %w", err)
		}
		out[c] = data
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("atstore: iterate mst_nodes: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) loadRecords(ctx context.Context, did string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_key, data FROM records WHERE did=$1`, did)
	if err != nil {
		return nil, fmt.Errorf("atstore: load records: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("atstore: scan records row: %w", err)
		}
		out[key] = data
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("atstore: iterate records: %w", err)
	}
	return out, nil
}

// Save implements repo.Persistence. It replaces repo_state, appends to
// the commit history, upserts every MST block (content-addressed, so an
// existing row with the same cid is already identical), and replaces the
// record set wholesale — simpler than diffing against what's already on
// disk, at the cost of rewriting every live record row on every
// mutation; see DESIGN.md for why that tradeoff was accepted here.
func (s *PostgresStore) Save(ctx context.Context, state repo.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("atstore: begin save tx: %w", err)
	}
	defer tx.Rollback()

	var rootStr any
	if state.Root != nil {
		rootStr = state.Root.String()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO repo_state(did, rev, root_cid, commit_cid, commit_bytes, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (did) DO UPDATE SET
			rev=EXCLUDED.rev, root_cid=EXCLUDED.root_cid,
			commit_cid=EXCLUDED.commit_cid, commit_bytes=EXCLUDED.commit_bytes,
			updated_at=NOW()
	`, state.DID, state.Rev.String(), rootStr, state.CommitCID.String(), state.CommitBytes); err != nil {
		return fmt.Errorf("atstore: upsert repo_state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO commits(commit_cid, did, rev, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (commit_cid) DO NOTHING
	`, state.CommitCID.String(), state.DID, state.Rev.String(), state.CommitBytes); err != nil {
		return fmt.Errorf("atstore: insert commit: %w", err)
	}

	for cidStr, data := range state.MSTBlocks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mst_nodes(did, cid, data) VALUES ($1, $2, $3)
			ON CONFLICT (did, cid) DO NOTHING
		`, state.DID, cidStr, data); err != nil {
			return fmt.Errorf("atstore: upsert mst_nodes: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE did=$1`, state.DID); err != nil {
		return fmt.Errorf("atstore: clear records: %w", err)
	}
	for key, data := range state.Records {
		recordCID := cid.FromCanonical(data)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records(did, record_key, cid, data) VALUES ($1, $2, $3, $4)
		`, state.DID, key, recordCID.String(), data); err != nil {
			return fmt.Errorf("atstore: insert record %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("atstore: commit save tx: %w", err)
	}
	return nil
}

// LoadSeq implements firehose.SeqStore.
func (s *PostgresStore) LoadSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM firehose_seq WHERE id=1`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("atstore: load seq: %w", err)
	}
	return seq, nil
}

// SaveSeq implements firehose.SeqStore.
func (s *PostgresStore) SaveSeq(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO firehose_seq(id, seq) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET seq=EXCLUDED.seq
	`, seq)
	if err != nil {
		return fmt.Errorf("atstore: save seq: %w", err)
	}
	return nil
}
