// Package blob implements the CID-keyed byte store for uploaded media:
// put/get/exists/delete/list over content addressed by the raw codec,
// with a configurable size ceiling.
package blob

import (
	"context"
	"fmt"
	"sort"

	"github.com/atweave/pds/internal/apperr"
	"github.com/atweave/pds/internal/cid"
)

// DefaultMaxBlobSize is spec.md §4.8's default payload ceiling.
const DefaultMaxBlobSize = 1_000_000

// Metadata describes a stored blob without its bytes.
type Metadata struct {
	CID      cid.CID
	MimeType string
	Size     int64
}

// Blob is a stored blob's full content.
type Blob struct {
	Metadata
	Bytes []byte
}

// Backend is the storage seam a Store delegates to, letting the bytes
// live in Postgres (default) or an S3-compatible bucket (when
// configured), mirroring the teacher's boot-time optional-backend choice
// between the Postgres and Redis session stores.
type Backend interface {
	Put(ctx context.Context, c cid.CID, mime string, data []byte) error
	Get(ctx context.Context, c cid.CID) (data []byte, mime string, ok bool, err error)
	Delete(ctx context.Context, c cid.CID) (bool, error)
	List(ctx context.Context) ([]Metadata, error)
}

// Store is the BlobStore facade spec.md §4.8 describes: content-address,
// size-enforce, and delegate the bytes to Backend.
type Store struct {
	backend     Backend
	maxBlobSize int64
}

// New builds a Store over backend, enforcing maxBlobSize (0 uses
// DefaultMaxBlobSize).
func New(backend Backend, maxBlobSize int64) *Store {
	if maxBlobSize <= 0 {
		maxBlobSize = DefaultMaxBlobSize
	}
	return &Store{backend: backend, maxBlobSize: maxBlobSize}
}

// Put content-addresses data under the raw codec, rejecting anything
// over the configured size ceiling before it ever reaches the backend.
func (s *Store) Put(ctx context.Context, data []byte, mime string) (Metadata, error) {
	if int64(len(data)) > s.maxBlobSize {
		return Metadata{}, apperr.Newf(apperr.BlobTooLarge, "blob of %d bytes exceeds the %d byte limit", len(data), s.maxBlobSize)
	}
	c := cid.FromBytes(data, cid.CodecRaw)
	if err := s.backend.Put(ctx, c, mime, data); err != nil {
		return Metadata{}, apperr.Newf(apperr.UploadFailed, "store blob: %v", err)
	}
	return Metadata{CID: c, MimeType: mime, Size: int64(len(data))}, nil
}

// Get retrieves a blob's full content by CID.
func (s *Store) Get(ctx context.Context, c cid.CID) (Blob, error) {
	data, mime, ok, err := s.backend.Get(ctx, c)
	if err != nil {
		return Blob{}, fmt.Errorf("blob: get %s: %w", c, err)
	}
	if !ok {
		return Blob{}, apperr.New(apperr.BlobNotFound, fmt.Sprintf("blob not found: %s", c))
	}
	return Blob{Metadata: Metadata{CID: c, MimeType: mime, Size: int64(len(data))}, Bytes: data}, nil
}

// Exists reports whether c is stored.
func (s *Store) Exists(ctx context.Context, c cid.CID) (bool, error) {
	_, _, ok, err := s.backend.Get(ctx, c)
	if err != nil {
		return false, fmt.Errorf("blob: exists %s: %w", c, err)
	}
	return ok, nil
}

// Delete removes a blob by CID, reporting whether it was present.
func (s *Store) Delete(ctx context.Context, c cid.CID) (bool, error) {
	ok, err := s.backend.Delete(ctx, c)
	if err != nil {
		return false, fmt.Errorf("blob: delete %s: %w", c, err)
	}
	return ok, nil
}

// ListResult is the return shape of List.
type ListResult struct {
	Blobs  []Metadata
	Cursor string
}

// List returns blob metadata sorted by CID, paginated by cursor.
func (s *Store) List(ctx context.Context, limit int, cursor string) (ListResult, error) {
	all, err := s.backend.List(ctx)
	if err != nil {
		return ListResult{}, fmt.Errorf("blob: list: %w", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CID.String() < all[j].CID.String() })

	filtered := all[:0]
	for _, m := range all {
		if cursor == "" || m.CID.String() > cursor {
			filtered = append(filtered, m)
		}
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	result := ListResult{Blobs: filtered}
	if len(filtered) > 0 {
		result.Cursor = filtered[len(filtered)-1].CID.String()
	}
	return result, nil
}
