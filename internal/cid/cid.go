// Package cid implements the content-identifier scheme used to address
// every block in the repository: a version-1 CID built from a codec tag, a
// sha256 multihash, rendered as "b" + lowercase base32 (no padding).
//
// Wire layout: varint(1) || varint(codec) || varint(0x12) || varint(32) ||
// sha256(bytes). Codec 0x71 marks canonical-encoded structures (records,
// commits, MST nodes); codec 0x55 marks raw bytes (blobs).
package cid

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"io"

	"github.com/atweave/pds/internal/varint"
)

const (
	CodecCanonical = 0x71
	CodecRaw       = 0x55

	hashAlgoSHA256 = 0x12
	hashSize       = 32
)

// ErrInvalidCID is returned for any string that isn't a well-formed CID.
var ErrInvalidCID = errors.New("cid: invalid")

// base32 lower, no padding, per spec.md's CID rendering rule. Modeled on
// dolthub-dolt's go/hash/base32.go pattern of wrapping stdlib base32 with a
// fixed custom alphabet rather than a multibase dependency.
var b32 = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// CID is an immutable content identifier.
type CID struct {
	Version  uint64
	Codec    uint64
	HashAlgo uint64
	Hash     []byte // the 32-byte sha256 digest
}

// FromBytes computes the CID of data under the given codec.
func FromBytes(data []byte, codec uint64) CID {
	sum := sha256.Sum256(data)
	return CID{Version: 1, Codec: codec, HashAlgo: hashAlgoSHA256, Hash: sum[:]}
}

// Bytes renders the binary multihash-wrapped form described above.
func (c CID) Bytes() []byte {
	var buf bytes.Buffer
	varint.Put(&buf, c.Version)
	varint.Put(&buf, c.Codec)
	varint.Put(&buf, c.HashAlgo)
	varint.Put(&buf, uint64(len(c.Hash)))
	buf.Write(c.Hash)
	return buf.Bytes()
}

// String renders the "b"+base32 text form.
func (c CID) String() string {
	return "b" + b32.EncodeToString(c.Bytes())
}

// Pretty is an alias for String, for debug logging call sites.
func (c CID) Pretty() string { return c.String() }

// Equal reports whether two CIDs address the same block.
func (c CID) Equal(other CID) bool {
	return c.Version == other.Version && c.Codec == other.Codec &&
		c.HashAlgo == other.HashAlgo && bytes.Equal(c.Hash, other.Hash)
}

// IsZero reports whether c is the unset CID value.
func (c CID) IsZero() bool { return len(c.Hash) == 0 }

// Parse decodes a CID's text form, rejecting anything not starting with
// "b" or whose body isn't valid lowercase base32 in the stated alphabet.
func Parse(s string) (CID, error) {
	if len(s) < 2 || s[0] != 'b' {
		return CID{}, fmt.Errorf("%w: %q: missing multibase prefix \"b\"", ErrInvalidCID, s)
	}
	raw, err := b32.DecodeString(s[1:])
	if err != nil {
		return CID{}, fmt.Errorf("%w: %q: %v", ErrInvalidCID, s, err)
	}
	return FromMultihashBytes(raw)
}

// MustParse parses s or panics. Test helper only.
func MustParse(s string) CID {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// FromMultihashBytes decodes the binary wire form produced by Bytes,
// rejecting any trailing bytes after the hash.
func FromMultihashBytes(raw []byte) (CID, error) {
	r := bytes.NewReader(raw)
	c, err := ReadMultihash(r)
	if err != nil {
		return CID{}, err
	}
	if r.Len() != 0 {
		return CID{}, fmt.Errorf("%w: trailing bytes", ErrInvalidCID)
	}
	return c, nil
}

// ReadMultihash reads one CID's wire form from r and leaves the reader
// positioned just past it, for callers (e.g. the CAR parser) that pack
// more data after the CID in the same buffer.
func ReadMultihash(r *bytes.Reader) (CID, error) {
	version, err := varint.Read(r)
	if err != nil {
		return CID{}, fmt.Errorf("%w: version: %v", ErrInvalidCID, err)
	}
	codec, err := varint.Read(r)
	if err != nil {
		return CID{}, fmt.Errorf("%w: codec: %v", ErrInvalidCID, err)
	}
	hashAlgo, err := varint.Read(r)
	if err != nil {
		return CID{}, fmt.Errorf("%w: hash algo: %v", ErrInvalidCID, err)
	}
	size, err := varint.Read(r)
	if err != nil {
		return CID{}, fmt.Errorf("%w: hash size: %v", ErrInvalidCID, err)
	}
	if size != hashSize {
		return CID{}, fmt.Errorf("%w: unexpected hash size %d", ErrInvalidCID, size)
	}
	hash := make([]byte, size)
	if _, err := io.ReadFull(r, hash); err != nil {
		return CID{}, fmt.Errorf("%w: truncated hash: %v", ErrInvalidCID, err)
	}
	return CID{Version: version, Codec: codec, HashAlgo: hashAlgo, Hash: hash}, nil
}

// FromCanonical computes the CID of a value's canonical encoding. The
// caller is responsible for encoding v with internal/atcodec first; this
// function exists at the cid package boundary to keep cid codec-agnostic
// (it only hashes bytes), so it takes already-encoded bytes.
func FromCanonical(encoded []byte) CID {
	return FromBytes(encoded, CodecCanonical)
}

// Verify reports whether cid is the correct CID of data, rehashing under
// cid's own declared codec.
func Verify(c CID, data []byte) bool {
	return c.Equal(FromBytes(data, c.Codec))
}

