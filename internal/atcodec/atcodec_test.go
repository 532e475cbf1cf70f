package atcodec

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestRoundTripMap(t *testing.T) {
	in := map[string]any{"b": "two", "aa": "one", "a": "zero"}
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeMap(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["a"] != "zero" || out["aa"] != "one" || out["b"] != "two" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestEncodeIsCanonicalByKeyOrder(t *testing.T) {
	a, err := Encode(map[string]any{"zz": 1, "a": 2})
	if err != nil {
		t.Fatalf("encode a: %v", err)
	}
	b, err := Encode(map[string]any{"a": 2, "zz": 1})
	if err != nil {
		t.Fatalf("encode b: %v", err)
	}
	if !bytesEqual(a, b) {
		t.Fatalf("encoding of the same map in different insertion order should be identical: %x != %x", a, b)
	}
}

func TestLinkRoundTrip(t *testing.T) {
	link := Link{CIDBytes: []byte{0x01, 0x71, 0x12, 0x20, 0xaa, 0xbb}}
	b, err := Encode(link)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out Link
	if err := Decode(b, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytesEqual(out.CIDBytes, link.CIDBytes) {
		t.Fatalf("link round trip mismatch: %x != %x", out.CIDBytes, link.CIDBytes)
	}
}

func TestDecodeMapRejectsFloats(t *testing.T) {
	// Encode/DecodeMap never produce a float themselves; build one with
	// the underlying library directly to simulate an adversarial peer.
	b, err := cbor.Marshal(map[string]any{"x": 1.5})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeMap(b); err == nil {
		t.Fatal("expected a floating-point value to be rejected")
	}
}

func TestDecodeMapAcceptsPlainValues(t *testing.T) {
	b, err := Encode(map[string]any{"x": "ok", "n": int64(3)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeMap(b)
	if err != nil {
		t.Fatalf("expected plain string/int map to decode cleanly: %v", err)
	}
	if out["x"] != "ok" {
		t.Fatalf("unexpected value: %+v", out)
	}
}

func TestDecodeStrictRejectsNonCanonicalEncoding(t *testing.T) {
	canonical, err := Encode(map[string]any{"a": 1, "zz": 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out map[string]any
	if err := DecodeStrict(canonical, &out); err != nil {
		t.Fatalf("expected canonical bytes to pass strict decode: %v", err)
	}

	// Same map with its keys out of canonical order ("zz" before "a").
	nonCanonical := []byte{0xa2, 0x62, 'z', 'z', 0x02, 0x61, 'a', 0x01}
	var out2 map[string]any
	if err := DecodeStrict(nonCanonical, &out2); err == nil {
		t.Fatal("expected out-of-order map keys to be rejected by strict decode")
	}
}

func TestDecodeMapRejectsTruncatedInput(t *testing.T) {
	b, err := Encode(map[string]any{"a": "b"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeMap(b[:len(b)-1]); err == nil {
		t.Fatal("expected truncated input to fail to decode")
	}
}

