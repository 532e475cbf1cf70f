// Package commit builds and verifies the signed commit objects that tie a
// repository's current MST root to its append-only history. A commit is
// immutable once created: advancing a repository always produces a new
// commit object pointing back at the previous one via prev.
package commit

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/atweave/pds/internal/atcodec"
	"github.com/atweave/pds/internal/cid"
	"github.com/atweave/pds/internal/signing"
	"github.com/atweave/pds/internal/tid"
)

// Version is the only commit format this engine produces or accepts.
const Version = 3

// ErrVerificationFailed covers both a bad signature and a malformed commit
// body encountered while verifying one.
var ErrVerificationFailed = errors.New("commit: verification failed")

// Commit is the decoded form of a repository's signed state pointer.
type Commit struct {
	DID     string
	Version int64
	Data    cid.CID // MST root
	Rev     tid.TID
	Prev    *cid.CID
	Sig     []byte
}

// wire is the canonical on-disk shape; Sig is omitted while signing and
// present otherwise, matching spec.md §3's
// "sig equals sign(canonical_encode(commit_without_sig))" invariant.
type wire struct {
	DID     string        `cbor:"did"`
	Version int64         `cbor:"version"`
	Data    atcodec.Link  `cbor:"data"`
	Rev     string        `cbor:"rev"`
	Prev    *atcodec.Link `cbor:"prev"`
	Sig     []byte        `cbor:"sig,omitempty"`
}

func (c Commit) toWire(includeSig bool) wire {
	w := wire{
		DID:     c.DID,
		Version: c.Version,
		Data:    atcodec.Link{CIDBytes: c.Data.Bytes()},
		Rev:     c.Rev.String(),
	}
	if c.Prev != nil {
		l := atcodec.Link{CIDBytes: c.Prev.Bytes()}
		w.Prev = &l
	}
	if includeSig {
		w.Sig = c.Sig
	}
	return w
}

// Build constructs, signs, and CIDs a new commit over mstRoot, chained
// after prevCommit (nil for the genesis commit).
func Build(signer *signing.Signer, did string, mstRoot cid.CID, rev tid.TID, prevCommit *cid.CID) (cid.CID, []byte, Commit, error) {
	c := Commit{DID: did, Version: Version, Data: mstRoot, Rev: rev, Prev: prevCommit}

	unsigned, err := atcodec.Encode(c.toWire(false))
	if err != nil {
		return cid.CID{}, nil, Commit{}, fmt.Errorf("commit: encode unsigned body: %w", err)
	}
	sig, err := signer.Sign(unsigned)
	if err != nil {
		return cid.CID{}, nil, Commit{}, fmt.Errorf("commit: sign: %w", err)
	}
	c.Sig = sig

	signed, err := atcodec.Encode(c.toWire(true))
	if err != nil {
		return cid.CID{}, nil, Commit{}, fmt.Errorf("commit: encode signed body: %w", err)
	}
	return cid.FromCanonical(signed), signed, c, nil
}

// Decode parses a commit's canonical bytes.
func Decode(b []byte) (Commit, error) {
	var w wire
	if err := atcodec.Decode(b, &w); err != nil {
		return Commit{}, fmt.Errorf("commit: decode: %w", err)
	}
	data, err := cid.FromMultihashBytes(w.Data.CIDBytes)
	if err != nil {
		return Commit{}, fmt.Errorf("commit: decode data link: %w", err)
	}
	rev, err := tid.Parse(w.Rev)
	if err != nil {
		return Commit{}, fmt.Errorf("commit: decode rev: %w", err)
	}
	c := Commit{DID: w.DID, Version: w.Version, Data: data, Rev: rev, Sig: w.Sig}
	if w.Prev != nil {
		prev, err := cid.FromMultihashBytes(w.Prev.CIDBytes)
		if err != nil {
			return Commit{}, fmt.Errorf("commit: decode prev link: %w", err)
		}
		c.Prev = &prev
	}
	return c, nil
}

// Verify checks that signed's signature was produced by pub over the
// commit's unsigned form, by reconstructing that form and rerunning the
// signature check against it.
func Verify(signedBytes []byte, pub *ecdsa.PublicKey) bool {
	c, err := Decode(signedBytes)
	if err != nil {
		return false
	}
	unsigned, err := atcodec.Encode(c.toWire(false))
	if err != nil {
		return false
	}
	return signing.Verify(pub, unsigned, c.Sig)
}
