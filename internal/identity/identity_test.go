package identity

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/atweave/pds/internal/apperr"
	"github.com/atweave/pds/internal/signing"
)

type fakeResolver struct {
	records map[string][]string
}

func (f fakeResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	recs, ok := f.records[name]
	if !ok {
		return nil, fmt.Errorf("no records for %s", name)
	}
	return recs, nil
}

func testIdentity(t *testing.T, resolver Resolver) *Identity {
	priv, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return New(Config{
		DID:       "did:web:pds.example.com",
		Handle:    "alice.example.com",
		Origin:    "https://pds.example.com",
		PublicKey: &priv.PublicKey,
		Resolver:  resolver,
	})
}

func TestDIDDocumentShape(t *testing.T) {
	id := testIdentity(t, fakeResolver{})
	doc, err := id.DIDDocument()
	if err != nil {
		t.Fatalf("DIDDocument: %v", err)
	}
	if doc["id"] != "did:web:pds.example.com" {
		t.Fatalf("id = %v", doc["id"])
	}
	akas, ok := doc["alsoKnownAs"].([]string)
	if !ok || len(akas) != 1 || akas[0] != "at://alice.example.com" {
		t.Fatalf("alsoKnownAs = %v", doc["alsoKnownAs"])
	}
	methods, ok := doc["verificationMethod"].([]map[string]any)
	if !ok || len(methods) != 1 {
		t.Fatalf("verificationMethod = %v", doc["verificationMethod"])
	}
	mb, _ := methods[0]["publicKeyMultibase"].(string)
	if !strings.HasPrefix(mb, "z") {
		t.Fatalf("publicKeyMultibase = %q, want z-prefixed", mb)
	}
}

func TestHandleIsCorrectViaDNS(t *testing.T) {
	id := testIdentity(t, fakeResolver{records: map[string][]string{
		"_atproto.alice.example.com": {"did=did:web:pds.example.com"},
	}})
	if !id.HandleIsCorrect(context.Background()) {
		t.Fatal("expected handle to resolve correctly via DNS")
	}
}

func TestHandleIsCorrectMismatch(t *testing.T) {
	id := testIdentity(t, fakeResolver{records: map[string][]string{
		"_atproto.alice.example.com": {"did=did:web:someone-else.example.com"},
	}})
	if id.HandleIsCorrect(context.Background()) {
		t.Fatal("expected mismatch to report false")
	}
}

func TestResolveHandleNotFound(t *testing.T) {
	id := testIdentity(t, fakeResolver{})
	_, err := id.ResolveHandle(context.Background(), "nobody.example.com")
	if err == nil {
		t.Fatal("expected error for unresolvable handle")
	}
	de, ok := err.(*apperr.DomainError)
	if !ok || de.Code != apperr.HandleNotFound {
		t.Fatalf("err = %v, want HandleNotFound", err)
	}
}
