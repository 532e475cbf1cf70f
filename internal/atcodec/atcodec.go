// Package atcodec implements the canonical binary codec used to serialize
// records, commits, and MST nodes. It is a deterministic subset of CBOR:
// map keys are strings sorted by byte length then byte-lexicographic order,
// there are no floats and no indefinite-length items, and CID links are
// carried as tag-42 byte strings ("00" || cid bytes).
package atcodec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformedEncoding is returned for truncated input, unknown tags,
// non-string map keys, and duplicate map keys. Decoding failure is always
// reported, never silently normalized.
var ErrMalformedEncoding = errors.New("atcodec: malformed encoding")

const linkTag = 42

var (
	encMode       cbor.EncMode
	decMode       cbor.DecMode
	decModeStrict cbor.DecMode
)

func init() {
	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical, // length-first, then bytewise-lexicographic
		IndefLength: cbor.IndefLengthForbidden,
	}
	var err error
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic("atcodec: encoder init failed: " + err.Error())
	}

	decOpts := cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyEnforcedAPF,
		IndefLength:    cbor.IndefLengthForbidden,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic("atcodec: decoder init failed: " + err.Error())
	}
	decModeStrict = decMode
}

// Link wraps a CID so it round-trips through the codec as tag 42.
type Link struct {
	CIDBytes []byte
}

// MarshalCBOR implements cbor.Marshaler by emitting tag 42 over 0x00||cid.
func (l Link) MarshalCBOR() ([]byte, error) {
	body := make([]byte, 0, len(l.CIDBytes)+1)
	body = append(body, 0x00)
	body = append(body, l.CIDBytes...)
	return cbor.Marshal(cbor.Tag{Number: linkTag, Content: body})
}

// UnmarshalCBOR implements cbor.Unmarshaler, validating the tag and prefix.
func (l *Link) UnmarshalCBOR(data []byte) error {
	var tag cbor.Tag
	if err := cbor.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("%w: link: %v", ErrMalformedEncoding, err)
	}
	if tag.Number != linkTag {
		return fmt.Errorf("%w: link: unexpected tag %d", ErrMalformedEncoding, tag.Number)
	}
	body, ok := tag.Content.([]byte)
	if !ok || len(body) == 0 || body[0] != 0x00 {
		return fmt.Errorf("%w: link: malformed body", ErrMalformedEncoding)
	}
	l.CIDBytes = append([]byte{}, body[1:]...)
	return nil
}

// Encode deterministically serializes v. Encoding is total: any value built
// from maps, strings, byte strings, integers, and Link is representable.
func Encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("atcodec: encode: %w", err)
	}
	return b, nil
}

// Decode parses b into out. Truncated input, unknown tags, non-string
// keys, and duplicate keys all surface as ErrMalformedEncoding.
func Decode(b []byte, out any) error {
	if err := decMode.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	return nil
}

// DecodeStrict behaves like Decode but additionally validates that b is
// itself in canonical form: re-encoding the decoded value must byte-equal
// b. Catches incoming bytes with out-of-order map keys or other
// non-canonical structure that Decode alone would silently accept.
func DecodeStrict(b []byte, out any) error {
	if err := decModeStrict.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	reencoded, err := encMode.Marshal(out)
	if err != nil {
		return fmt.Errorf("%w: re-encode: %v", ErrMalformedEncoding, err)
	}
	if !bytesEqual(reencoded, b) {
		return fmt.Errorf("%w: non-canonical encoding", ErrMalformedEncoding)
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DecodeMap decodes b into a generic map[string]any, the shape used for
// records, MST nodes, and commits throughout this module. Rejects any
// floating-point value found anywhere in the structure, since the
// canonical encoding admits integers only.
func DecodeMap(b []byte) (map[string]any, error) {
	var out map[string]any
	if err := Decode(b, &out); err != nil {
		return nil, err
	}
	if err := rejectFloats(out); err != nil {
		return nil, err
	}
	return out, nil
}

func rejectFloats(v any) error {
	switch val := v.(type) {
	case float32, float64:
		return fmt.Errorf("%w: floating point value not permitted", ErrMalformedEncoding)
	case map[string]any:
		for _, item := range val {
			if err := rejectFloats(item); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range val {
			if err := rejectFloats(item); err != nil {
				return err
			}
		}
	}
	return nil
}
