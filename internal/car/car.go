// Package car implements the content-addressable archive format used to
// serve whole-repository sync: a root-listing header followed by an
// ordered, varint-framed list of (cid, bytes) blocks.
package car

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/atweave/pds/internal/atcodec"
	"github.com/atweave/pds/internal/cid"
	"github.com/atweave/pds/internal/varint"
)

// ErrMalformed marks a CAR byte stream that doesn't parse.
var ErrMalformed = errors.New("car: malformed archive")

// Block is one entry in the archive body.
type Block struct {
	CID  cid.CID
	Data []byte
}

type header struct {
	Version int64          `cbor:"version"`
	Roots   []atcodec.Link `cbor:"roots"`
}

// Write serializes root and blocks in the given order: spec.md §4.9
// requires commit first, then MST nodes, then record blocks, then any
// referenced blobs — callers are responsible for passing blocks already
// in that order.
func Write(root cid.CID, blocks []Block) ([]byte, error) {
	headerBytes, err := atcodec.Encode(header{Version: 1, Roots: []atcodec.Link{{CIDBytes: root.Bytes()}}})
	if err != nil {
		return nil, fmt.Errorf("car: encode header: %w", err)
	}

	var buf bytes.Buffer
	varint.Put(&buf, uint64(len(headerBytes)))
	buf.Write(headerBytes)

	for _, b := range blocks {
		cidBytes := b.CID.Bytes()
		varint.Put(&buf, uint64(len(cidBytes)+len(b.Data)))
		buf.Write(cidBytes)
		buf.Write(b.Data)
	}
	return buf.Bytes(), nil
}

// Parse reconstructs the root set and the cid->bytes block map from raw
// CAR bytes, verifying that every block's declared CID matches the hash
// of its bytes.
func Parse(raw []byte) (roots []cid.CID, blocks map[string][]byte, err error) {
	r := bytes.NewReader(raw)

	headerLen, err := varint.Read(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: header length: %v", ErrMalformed, err)
	}
	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	var h header
	if err := atcodec.Decode(headerBuf, &h); err != nil {
		return nil, nil, fmt.Errorf("%w: decode header: %v", ErrMalformed, err)
	}
	for _, link := range h.Roots {
		c, err := cid.FromMultihashBytes(link.CIDBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: root link: %v", ErrMalformed, err)
		}
		roots = append(roots, c)
	}

	blocks = make(map[string][]byte)
	for r.Len() > 0 {
		blockLen, err := varint.Read(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: block length: %v", ErrMalformed, err)
		}
		blockBuf := make([]byte, blockLen)
		if _, err := io.ReadFull(r, blockBuf); err != nil {
			return nil, nil, fmt.Errorf("%w: block body: %v", ErrMalformed, err)
		}
		blockReader := bytes.NewReader(blockBuf)
		c, err := cid.ReadMultihash(blockReader)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: block cid: %v", ErrMalformed, err)
		}
		data := blockBuf[len(blockBuf)-blockReader.Len():]
		if !cid.Verify(c, data) {
			return nil, nil, fmt.Errorf("%w: block %s fails hash verification", ErrMalformed, c)
		}
		blocks[c.String()] = data
	}
	return roots, blocks, nil
}
