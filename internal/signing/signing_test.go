package signing

import (
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	signer := NewSigner(priv)
	msg := []byte("commit bytes to sign")
	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("expected 64-byte raw signature, got %d", len(sig))
	}
	if !Verify(signer.PublicKey(), msg, sig) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(signer.PublicKey(), []byte("different message"), sig) {
		t.Fatalf("expected signature over a different message to fail")
	}
}

func TestPublicMultibaseRoundTrip(t *testing.T) {
	priv, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	mb := PublicMultibase(&priv.PublicKey)
	if mb[0] != 'z' {
		t.Fatalf("expected multibase prefix z, got %q", mb)
	}
	pub, err := ParsePublicMultibase(mb)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pub.X.Cmp(priv.PublicKey.X) != 0 || pub.Y.Cmp(priv.PublicKey.Y) != 0 {
		t.Fatalf("round-tripped public key does not match")
	}
}

func TestPEMRoundTrip(t *testing.T) {
	priv, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pemBytes, err := EncodePrivatePEM(priv)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodePrivatePEM(pemBytes)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.X.Cmp(priv.X) != 0 {
		t.Fatalf("round-tripped private key does not match")
	}
}

