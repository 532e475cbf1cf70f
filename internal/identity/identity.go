// Package identity builds the node's did:web document and resolves
// handles to DIDs, both directions of spec.md §6's "Handle" definition:
// the DID document's alsoKnownAs points at the handle, and the handle
// must point back at the DID via a DNS TXT record or well-known file.
package identity

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/atweave/pds/internal/apperr"
	"github.com/atweave/pds/internal/signing"
)

// DefaultOutboundTimeout is spec.md §5's default outbound HTTP deadline.
const DefaultOutboundTimeout = 30 * time.Second

// Identity is the did:web identity for a single-actor node: one DID
// derived from the server's own host, one handle, one P-256 keypair.
type Identity struct {
	did      string
	handle   string
	origin   string
	pub      *ecdsa.PublicKey
	client   *http.Client
	resolver Resolver
}

// Resolver abstracts DNS TXT lookups so HandleIsCorrect is testable
// without a real resolver.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

type netResolver struct{}

func (netResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return net.DefaultResolver.LookupTXT(ctx, name)
}

// Config configures a new Identity.
type Config struct {
	DID      string
	Handle   string
	Origin   string // e.g. "https://pds.example.com"
	PublicKey *ecdsa.PublicKey
	Resolver Resolver // nil uses the system DNS resolver
}

// New builds an Identity. DID is expected to already be in did:web form
// (DIDFromHost builds one from a host).
func New(cfg Config) *Identity {
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = netResolver{}
	}
	return &Identity{
		did:      cfg.DID,
		handle:   cfg.Handle,
		origin:   cfg.Origin,
		pub:      cfg.PublicKey,
		client:   &http.Client{Timeout: DefaultOutboundTimeout},
		resolver: resolver,
	}
}

// DIDFromHost builds a did:web identifier from a host[:port], percent-
// encoding the colon before a port per the did:web spec.
func DIDFromHost(host string) string {
	return "did:web:" + strings.ReplaceAll(host, ":", "%3A")
}

// Handle returns the node's handle.
func (id *Identity) Handle() string { return id.handle }

// DID returns the node's DID.
func (id *Identity) DID() string { return id.did }

// DIDDocument builds the JSON document served at /.well-known/did.json.
func (id *Identity) DIDDocument() (map[string]any, error) {
	multibase := signing.PublicMultibase(id.pub)
	return map[string]any{
		"@context": []string{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/multikey/v1",
		},
		"id":          id.did,
		"alsoKnownAs": []string{"at://" + id.handle},
		"verificationMethod": []map[string]any{
			{
				"id":                 id.did + "#atproto",
				"type":               "Multikey",
				"controller":         id.did,
				"publicKeyMultibase": multibase,
			},
		},
		"service": []map[string]any{
			{
				"id":              "#atproto_pds",
				"type":            "AtprotoPersonalDataServer",
				"serviceEndpoint": id.origin,
			},
		},
	}, nil
}

// HandleIsCorrect reports whether id.handle's bidirectional resolution
// points back at id.did, trying the DNS TXT method first and falling
// back to the well-known HTTPS file, mirroring the two methods spec.md
// §6's glossary names for handle resolution.
func (id *Identity) HandleIsCorrect(ctx context.Context) bool {
	if did, err := id.resolveViaDNS(ctx, id.handle); err == nil && did == id.did {
		return true
	}
	if did, err := id.resolveViaWellKnown(ctx, id.handle); err == nil && did == id.did {
		return true
	}
	return false
}

// ResolveHandle implements com.atproto.identity.resolveHandle: DNS TXT
// first, well-known file second, HandleNotFound if neither resolves.
func (id *Identity) ResolveHandle(ctx context.Context, handle string) (string, error) {
	if did, err := id.resolveViaDNS(ctx, handle); err == nil {
		return did, nil
	}
	if did, err := id.resolveViaWellKnown(ctx, handle); err == nil {
		return did, nil
	}
	return "", apperr.New(apperr.HandleNotFound, fmt.Sprintf("handle not found: %s", handle))
}

func (id *Identity) resolveViaDNS(ctx context.Context, handle string) (string, error) {
	records, err := id.resolver.LookupTXT(ctx, "_atproto."+handle)
	if err != nil {
		return "", fmt.Errorf("identity: lookup txt: %w", err)
	}
	for _, rec := range records {
		if did, ok := strings.CutPrefix(rec, "did="); ok {
			return did, nil
		}
	}
	return "", fmt.Errorf("identity: no did= txt record for %s", handle)
}

func (id *Identity) resolveViaWellKnown(ctx context.Context, handle string) (string, error) {
	u := url.URL{Scheme: "https", Host: handle, Path: "/.well-known/atproto-did"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("identity: build request: %w", err)
	}
	resp, err := id.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity: fetch well-known: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity: well-known status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if err != nil {
		return "", fmt.Errorf("identity: read well-known: %w", err)
	}
	did := strings.TrimSpace(string(body))
	if did == "" {
		return "", fmt.Errorf("identity: empty well-known body")
	}
	return did, nil
}
