// Package varint provides the unsigned LEB128 varint used to frame CID
// multihash headers, CAR blocks, and firehose frames. It is a thin wrapper
// over encoding/binary's Uvarint/PutUvarint, which implement the same
// algorithm multiformats and protobuf varints use — no corpus example
// carries a dedicated varint dependency, and the stdlib pair is exactly
// this algorithm, so it is used directly rather than reimplemented.
package varint

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Put appends the varint encoding of v to buf.
func Put(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// Read consumes a varint from r, returning an error on truncated input.
func Read(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, fmt.Errorf("varint: %w", err)
	}
	return v, nil
}

// Bytes returns the varint encoding of v as a standalone slice.
func Bytes(v uint64) []byte {
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, v)
	return tmp[:n]
}
