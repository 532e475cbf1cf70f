// Package poller implements the outbound Relay Poller: a periodic task
// that walks the Subscriptions set, lists the records in a fixed set of
// collections on each subscribed DID's own PDS, and hands every one of
// them to the Dispatcher as if it had arrived over the firehose. Each
// tick re-lists and re-dispatches all records; the listing is not
// narrowed to records newer than the previous sync. Total concurrent outbound requests are
// bounded by a worker pool, the same shape the teacher's gitrepo.Service
// gives its per-document lock map, generalized here into a counting
// semaphore over DIDs rather than a map of mutexes.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/atweave/pds/internal/contentsource"
)

// DefaultPeriod is spec.md §4.13's default poll interval.
const DefaultPeriod = time.Hour

// DefaultWorkerPoolSize is spec.md §4.13's default bound on concurrent
// outbound requests.
const DefaultWorkerPoolSize = 4

// DefaultCollections is the fixed set of collections polled on each
// subscribed DID.
var DefaultCollections = []string{
	"app.bsky.feed.post",
	"app.bsky.feed.like",
	"app.bsky.feed.repost",
	"app.bsky.graph.follow",
}

// Subscription is one entry in the Subscriptions set: a DID this node
// follows for incoming records, plus the time of its last successful
// sync. LastSync is written after each successful sync; it is not used
// to select which records are fetched.
type Subscription struct {
	DID      string
	LastSync string
}

// SubscriptionStore is the persistence seam for the Subscriptions set.
type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	UpdateLastSync(ctx context.Context, did, lastSync string) error
}

// Dispatcher is the narrow slice of dispatch.Dispatcher the Poller needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, record map[string]any, author contentsource.Author, undo bool) error
}

// Config configures a new Poller.
type Config struct {
	Store          SubscriptionStore
	Dispatcher     Dispatcher
	Period         time.Duration // 0 uses DefaultPeriod
	WorkerPoolSize int64         // 0 uses DefaultWorkerPoolSize
	Collections    []string      // nil uses DefaultCollections
	Client         *http.Client  // nil builds one with a 30s timeout
}

// Poller periodically re-syncs every subscribed DID.
type Poller struct {
	store       SubscriptionStore
	dispatcher  Dispatcher
	period      time.Duration
	collections []string
	client      *http.Client
	sem         *semaphore.Weighted
}

// New builds a Poller from cfg, applying defaults for zero-valued fields.
func New(cfg Config) *Poller {
	period := cfg.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = DefaultWorkerPoolSize
	}
	collections := cfg.Collections
	if collections == nil {
		collections = DefaultCollections
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Poller{
		store:       cfg.Store,
		dispatcher:  cfg.Dispatcher,
		period:      period,
		collections: collections,
		client:      client,
		sem:         semaphore.NewWeighted(poolSize),
	}
}

// Run blocks, ticking every p.period until ctx is cancelled. Each tick
// is independent: a DID that fails this round is simply retried next
// round, and does not block or fail any other DID's sync.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one full pass over the Subscriptions set. Exported so tests
// and an operator-triggered manual sync can drive it directly.
func (p *Poller) Tick(ctx context.Context) {
	subs, err := p.store.ListSubscriptions(ctx)
	if err != nil {
		log.Printf("poller: list subscriptions: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(sub Subscription) {
			defer wg.Done()
			defer p.sem.Release(1)
			p.syncOne(ctx, sub)
		}(sub)
	}
	wg.Wait()
}

func (p *Poller) syncOne(ctx context.Context, sub Subscription) {
	endpoint, err := p.resolveEndpoint(ctx, sub.DID)
	if err != nil {
		log.Printf("poller: resolve %s: %v", sub.DID, err)
		return
	}

	for _, collection := range p.collections {
		if err := p.syncCollection(ctx, endpoint, sub.DID, collection); err != nil {
			log.Printf("poller: sync %s %s: %v", sub.DID, collection, err)
			return
		}
	}

	if err := p.store.UpdateLastSync(ctx, sub.DID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		log.Printf("poller: update last_sync for %s: %v", sub.DID, err)
	}
}

func (p *Poller) syncCollection(ctx context.Context, endpoint, did, collection string) error {
	cursor := ""
	for {
		records, next, err := p.listRecords(ctx, endpoint, did, collection, cursor)
		if err != nil {
			return err
		}
		for _, rec := range records {
			var value map[string]any
			if err := json.Unmarshal(rec.Value, &value); err != nil {
				continue
			}
			author := contentsource.Author{DID: did}
			if err := p.dispatcher.Dispatch(ctx, value, author, false); err != nil {
				log.Printf("poller: dispatch %s: %v", rec.URI, err)
			}
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

type remoteRecord struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

type listRecordsResponse struct {
	Records []remoteRecord `json:"records"`
	Cursor  string         `json:"cursor"`
}

func (p *Poller) listRecords(ctx context.Context, endpoint, did, collection, cursor string) ([]remoteRecord, string, error) {
	q := url.Values{}
	q.Set("repo", did)
	q.Set("collection", collection)
	q.Set("limit", "100")
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u := strings.TrimRight(endpoint, "/") + "/xrpc/com.atproto.repo.listRecords?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", fmt.Errorf("poller: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("poller: listRecords %s: %w", did, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("poller: listRecords %s: status %d", did, resp.StatusCode)
	}

	var body listRecordsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, "", fmt.Errorf("poller: decode listRecords response: %w", err)
	}
	return body.Records, body.Cursor, nil
}

// didDocument is the slice of a did:web document the endpoint resolver
// needs, mirroring identity.Identity.DIDDocument's "service" shape.
type didDocument struct {
	Service []struct {
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// resolveEndpoint maps a did:web identifier to its PDS's origin, by
// fetching that host's own did.json, the same document Identity.DIDDocument
// builds for this node's own DID.
func (p *Poller) resolveEndpoint(ctx context.Context, did string) (string, error) {
	host, err := hostFromDID(did)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "https", Host: host, Path: "/.well-known/did.json"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("poller: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("poller: fetch did document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("poller: did document status %d", resp.StatusCode)
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("poller: decode did document: %w", err)
	}
	for _, svc := range doc.Service {
		if svc.Type == "AtprotoPersonalDataServer" && svc.ServiceEndpoint != "" {
			return svc.ServiceEndpoint, nil
		}
	}
	return "", fmt.Errorf("poller: no AtprotoPersonalDataServer service in %s's did document", did)
}

func hostFromDID(did string) (string, error) {
	rest, ok := strings.CutPrefix(did, "did:web:")
	if !ok {
		return "", fmt.Errorf("poller: only did:web identifiers are supported: %s", did)
	}
	host := rest
	if idx := strings.Index(rest, ":"); idx >= 0 {
		host = rest[:idx]
	}
	return strings.ReplaceAll(host, "%3A", ":"), nil
}
