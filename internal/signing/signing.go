// Package signing holds the node's P-256 keypair and produces/validates
// raw r||s commit signatures. It also exports the public key in the
// multibase form the DID document requires.
package signing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	base58 "github.com/jbenet/go-base58"
)

// ErrSignatureFailed marks a failure to produce or verify a signature — for
// commit signing this is always fatal for the mutation in flight.
var ErrSignatureFailed = errors.New("signing: signature operation failed")

// multicodecP256Prefix is the 2-byte multicodec varint prefix (0x1200,
// "p256-pub") prepended to a compressed public key point before base58btc
// multibase encoding.
var multicodecP256Prefix = []byte{0x80, 0x24}

// Signer signs and verifies messages with a single P-256 keypair.
type Signer struct {
	priv *ecdsa.PrivateKey
}

// NewSigner builds a Signer from a loaded private key.
func NewSigner(priv *ecdsa.PrivateKey) *Signer {
	return &Signer{priv: priv}
}

// GenerateKeypair creates a fresh P-256 keypair, used at first boot.
func GenerateKeypair() (*ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate: %v", ErrSignatureFailed, err)
	}
	return priv, nil
}

// Sign produces a raw 64-byte r||s signature over sha256(msg). Keys are
// fixed-width (32 bytes each for P-256) so the raw form never needs a
// DER/raw conversion step on the way out.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	if s == nil || s.priv == nil {
		return nil, fmt.Errorf("%w: no key loaded", ErrSignatureFailed)
	}
	digest := sha256.Sum256(msg)
	r, sVal, err := ecdsa.Sign(rand.Reader, s.priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrSignatureFailed, err)
	}
	return rawSignature(r, sVal), nil
}

// Verify checks a raw r||s signature against a public key.
func Verify(pub *ecdsa.PublicKey, msg, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	sVal := new(big.Int).SetBytes(sig[32:])
	digest := sha256.Sum256(msg)
	return ecdsa.Verify(pub, digest[:], r, sVal)
}

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() *ecdsa.PublicKey {
	return &s.priv.PublicKey
}

func rawSignature(r, s *big.Int) []byte {
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out
}

// PublicMultibase renders pub as "z" + base58btc(multicodec-prefix ||
// compressed-point), the form carried in the DID document's
// publicKeyMultibase field.
func PublicMultibase(pub *ecdsa.PublicKey) string {
	compressed := elliptic.MarshalCompressed(elliptic.P256(), pub.X, pub.Y)
	body := append(append([]byte{}, multicodecP256Prefix...), compressed...)
	return "z" + base58.Encode(body)
}

// ParsePublicMultibase reverses PublicMultibase.
func ParsePublicMultibase(s string) (*ecdsa.PublicKey, error) {
	if len(s) < 1 || s[0] != 'z' {
		return nil, fmt.Errorf("%w: missing \"z\" multibase prefix", ErrSignatureFailed)
	}
	body := base58.Decode(s[1:])
	if len(body) < len(multicodecP256Prefix) {
		return nil, fmt.Errorf("%w: multibase body too short", ErrSignatureFailed)
	}
	if body[0] != multicodecP256Prefix[0] || body[1] != multicodecP256Prefix[1] {
		return nil, fmt.Errorf("%w: unexpected multicodec prefix", ErrSignatureFailed)
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), body[len(multicodecP256Prefix):])
	if x == nil {
		return nil, fmt.Errorf("%w: invalid compressed point", ErrSignatureFailed)
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// EncodePrivatePEM serializes priv as a PKCS8 PEM block for persistence.
func EncodePrivatePEM(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal private key: %v", ErrSignatureFailed, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// DecodePrivatePEM parses the output of EncodePrivatePEM.
func DecodePrivatePEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrSignatureFailed)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrSignatureFailed, err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ECDSA key", ErrSignatureFailed)
	}
	return ecKey, nil
}
