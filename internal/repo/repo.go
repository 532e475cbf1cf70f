// Package repo implements the Repository facade: the single-writer engine
// that turns create/put/delete calls into MST mutations, signs the
// resulting commit, persists the new state, and emits a firehose event —
// or leaves the repository entirely unchanged if any step before the
// state write fails.
package repo

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atweave/pds/internal/apperr"
	"github.com/atweave/pds/internal/atcodec"
	"github.com/atweave/pds/internal/car"
	"github.com/atweave/pds/internal/cid"
	"github.com/atweave/pds/internal/commit"
	"github.com/atweave/pds/internal/firehose"
	"github.com/atweave/pds/internal/mst"
	"github.com/atweave/pds/internal/signing"
	"github.com/atweave/pds/internal/tid"
)

// nsidPattern accepts a reverse-domain namespaced identifier with at least
// three dot-separated segments, e.g. "app.bsky.feed.post".
var nsidPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+(\.[a-zA-Z0-9-]+){2,}$`)

// ValidNSID reports whether collection is a well-formed NSID.
func ValidNSID(collection string) bool {
	return nsidPattern.MatchString(collection)
}

// ValidRkey reports whether rkey is a TID or the singleton key "self".
func ValidRkey(rkey string) bool {
	return rkey == "self" || tid.IsWellFormed(rkey)
}

// RecordEntry is one stored record: its canonical bytes and the CID of
// those bytes.
type RecordEntry struct {
	Raw []byte
	CID cid.CID
}

// State is the full durable snapshot a Persistence implementation loads
// and saves — everything needed to resume a repository without replaying
// its commit history.
type State struct {
	DID         string
	Rev         tid.TID
	Root        *cid.CID
	CommitCID   cid.CID
	CommitBytes []byte
	MSTBlocks   map[string][]byte  // cid string -> encoded mst.Node
	Records     map[string][]byte  // "collection/rkey" -> canonical record bytes
}

// Persistence is the narrow seam the Repository depends on to survive
// restarts, modeled on the teacher's dataStore injection: the engine holds
// an interface, never a concrete store type.
type Persistence interface {
	// Load returns the last saved State for did, or nil if the repository
	// has never been written to (the genesis case).
	Load(ctx context.Context, did string) (*State, error)
	// Save atomically replaces the persisted State for did.
	Save(ctx context.Context, state State) error
}

// Publisher is the narrow firehose seam: the Repository only ever needs
// to emit commit events, never to subscribe.
type Publisher interface {
	PublishCommit(ctx context.Context, body firehose.CommitBody) (int64, error)
}

// Identity supplies the fields describe() reports beyond the repository's
// own state. A nil Identity leaves handle empty, didDoc nil and
// handleIsCorrect false.
type Identity interface {
	Handle() string
	DIDDocument() (map[string]any, error)
	HandleIsCorrect(ctx context.Context) bool
}

// Config configures a new Repository.
type Config struct {
	DID         string
	Signer      *signing.Signer
	Persistence Persistence
	Publisher   Publisher
	Identity    Identity
	Clock       tid.Clock // nil uses the system clock
}

// Repository is the single-writer engine for one DID's repository. All
// mutating operations hold repoMu for their full duration — swap-check
// through event emission — per the single-write-lock policy; read
// operations take the shared read lock instead.
type Repository struct {
	did         string
	signer      *signing.Signer
	persistence Persistence
	publisher   Publisher
	identity    Identity
	generator   *tid.Generator

	repoMu  sync.RWMutex
	store   *mst.MemStore
	root    *cid.CID
	records map[string]RecordEntry
	rev     tid.TID
	commitCID   cid.CID
	commitBytes []byte
}

// New constructs a Repository, warming its in-memory MST from whatever
// Persistence has on file, or starting empty (the genesis case).
func New(ctx context.Context, cfg Config) (*Repository, error) {
	var generator *tid.Generator
	if cfg.Clock != nil {
		generator = tid.NewGeneratorWithClock(cfg.Clock)
	} else {
		generator = tid.NewGenerator()
	}

	r := &Repository{
		did:         cfg.DID,
		signer:      cfg.Signer,
		persistence: cfg.Persistence,
		publisher:   cfg.Publisher,
		identity:    cfg.Identity,
		generator:   generator,
		store:       mst.NewMemStore(),
		records:     make(map[string]RecordEntry),
	}

	state, err := cfg.Persistence.Load(ctx, cfg.DID)
	if err != nil {
		return nil, fmt.Errorf("repo: load state: %w", err)
	}
	if state == nil {
		return r, nil
	}
	for key, raw := range state.MSTBlocks {
		c, err := cid.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("repo: seed mst block %q: %w", key, err)
		}
		if err := r.store.Seed(c, raw); err != nil {
			return nil, fmt.Errorf("repo: seed mst block %q: %w", key, err)
		}
	}
	for key, raw := range state.Records {
		r.records[key] = RecordEntry{Raw: raw, CID: cid.FromCanonical(raw)}
	}
	r.root = state.Root
	r.rev = state.Rev
	r.commitCID = state.CommitCID
	r.commitBytes = state.CommitBytes
	return r, nil
}

// DID returns the repository's own DID.
func (r *Repository) DID() string {
	return r.did
}

// AtURI renders the at:// URI for a key held by repository did.
func AtURI(did, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
}

func recordKey(collection, rkey string) string {
	return collection + "/" + rkey
}

func splitRecordKey(key string) (collection, rkey string) {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return key, ""
	}
	return key[:idx], key[idx+1:]
}

func (r *Repository) checkLocal(did string) error {
	if did != "" && did != r.did {
		return apperr.New(apperr.RepoNotFound, fmt.Sprintf("no such local repository: %s", did))
	}
	return nil
}

// CreateResult is the return shape of CreateRecord and PutRecord.
type CreateResult struct {
	URI string
	CID cid.CID
}

// CreateRecord implements create_record: collection/record with an
// optional caller-supplied rkey (else a fresh TID) and optional
// swap_commit precondition. swap_record has no meaning here — supplying
// one is a request error, not a concurrency one, since there is by
// definition no prior record to match against.
func (r *Repository) CreateRecord(ctx context.Context, did, collection string, record map[string]any, rkey string, swapRecord, swapCommit *cid.CID) (CreateResult, error) {
	if err := r.checkLocal(did); err != nil {
		return CreateResult{}, err
	}
	if !ValidNSID(collection) {
		return CreateResult{}, apperr.New(apperr.InvalidRequest, fmt.Sprintf("invalid collection NSID: %q", collection))
	}
	if swapRecord != nil {
		return CreateResult{}, apperr.New(apperr.InvalidRequest, "swap_record is not meaningful on create_record")
	}

	r.repoMu.Lock()
	defer r.repoMu.Unlock()

	if rkey == "" {
		rkey = r.generator.Generate().String()
	} else if !ValidRkey(rkey) {
		return CreateResult{}, apperr.New(apperr.InvalidRequest, fmt.Sprintf("invalid rkey: %q", rkey))
	}
	key := recordKey(collection, rkey)

	if err := r.checkSwapCommit(swapCommit); err != nil {
		return CreateResult{}, err
	}
	if _, exists := r.records[key]; exists {
		return CreateResult{}, apperr.New(apperr.RecordAlreadyExists, fmt.Sprintf("record already exists: %s", key))
	}

	entry, err := encodeRecord(record)
	if err != nil {
		return CreateResult{}, err
	}

	if err := r.commitMutation(ctx, map[string]*RecordEntry{key: &entry}); err != nil {
		return CreateResult{}, err
	}
	return CreateResult{URI: AtURI(r.did, collection, rkey), CID: entry.CID}, nil
}

// PutRecord implements put_record: an idempotent upsert of a named
// record, gated by optional swap_record/swap_commit preconditions. A
// put that reproduces the record's current value still advances rev and
// emits an "update" firehose event rather than being suppressed.
func (r *Repository) PutRecord(ctx context.Context, did, collection, rkey string, record map[string]any, swapRecord, swapCommit *cid.CID) (CreateResult, error) {
	if err := r.checkLocal(did); err != nil {
		return CreateResult{}, err
	}
	if !ValidNSID(collection) {
		return CreateResult{}, apperr.New(apperr.InvalidRequest, fmt.Sprintf("invalid collection NSID: %q", collection))
	}
	if !ValidRkey(rkey) {
		return CreateResult{}, apperr.New(apperr.InvalidRequest, fmt.Sprintf("invalid rkey: %q", rkey))
	}
	key := recordKey(collection, rkey)

	r.repoMu.Lock()
	defer r.repoMu.Unlock()

	if err := r.checkSwapCommit(swapCommit); err != nil {
		return CreateResult{}, err
	}
	if err := r.checkSwapRecord(key, swapRecord); err != nil {
		return CreateResult{}, err
	}

	entry, err := encodeRecord(record)
	if err != nil {
		return CreateResult{}, err
	}

	if err := r.commitMutation(ctx, map[string]*RecordEntry{key: &entry}); err != nil {
		return CreateResult{}, err
	}
	return CreateResult{URI: AtURI(r.did, collection, rkey), CID: entry.CID}, nil
}

// DeleteResult is the return shape of DeleteRecord.
type DeleteResult struct {
	CommitCID cid.CID
}

// DeleteRecord implements delete_record.
func (r *Repository) DeleteRecord(ctx context.Context, did, collection, rkey string, swapRecord, swapCommit *cid.CID) (DeleteResult, error) {
	if err := r.checkLocal(did); err != nil {
		return DeleteResult{}, err
	}
	key := recordKey(collection, rkey)

	r.repoMu.Lock()
	defer r.repoMu.Unlock()

	if _, exists := r.records[key]; !exists {
		return DeleteResult{}, apperr.New(apperr.RecordNotFound, fmt.Sprintf("record not found: %s", key))
	}
	if err := r.checkSwapCommit(swapCommit); err != nil {
		return DeleteResult{}, err
	}
	if err := r.checkSwapRecord(key, swapRecord); err != nil {
		return DeleteResult{}, err
	}

	if err := r.commitMutation(ctx, map[string]*RecordEntry{key: nil}); err != nil {
		return DeleteResult{}, err
	}
	return DeleteResult{CommitCID: r.commitCID}, nil
}

// GetResult is the return shape of GetRecord.
type GetResult struct {
	URI   string
	CID   cid.CID
	Value map[string]any
}

// GetRecord implements get_record, including the "expected_cid mismatch
// is RecordNotFound rather than a distinct error" rule.
func (r *Repository) GetRecord(ctx context.Context, did, collection, rkey string, expectedCID *cid.CID) (GetResult, error) {
	if err := r.checkLocal(did); err != nil {
		return GetResult{}, err
	}
	key := recordKey(collection, rkey)

	r.repoMu.RLock()
	defer r.repoMu.RUnlock()

	entry, exists := r.records[key]
	if !exists {
		return GetResult{}, apperr.New(apperr.RecordNotFound, fmt.Sprintf("record not found: %s", key))
	}
	if expectedCID != nil && !expectedCID.Equal(entry.CID) {
		return GetResult{}, apperr.New(apperr.RecordNotFound, fmt.Sprintf("record %s does not match expected cid", key))
	}
	value, err := decodeRecord(entry.Raw)
	if err != nil {
		return GetResult{}, err
	}
	return GetResult{URI: AtURI(r.did, collection, rkey), CID: entry.CID, Value: value}, nil
}

// ListResult is the return shape of ListRecords.
type ListResult struct {
	Records []GetResult
	Cursor  string
}

// ListRecords implements list_records, capped at limit (at most 100).
func (r *Repository) ListRecords(ctx context.Context, did, collection string, limit int, cursor string, reverse bool) (ListResult, error) {
	if err := r.checkLocal(did); err != nil {
		return ListResult{}, err
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	r.repoMu.RLock()
	defer r.repoMu.RUnlock()

	prefix := collection + "/"
	fullCursor := ""
	if cursor != "" {
		fullCursor = prefix + cursor
	}
	entries := mst.List(r.store, r.root, prefix, limit, fullCursor, reverse)

	out := ListResult{Records: make([]GetResult, 0, len(entries))}
	for _, e := range entries {
		coll, rkey := splitRecordKey(e.Key)
		raw, ok := r.records[e.Key]
		if !ok {
			continue
		}
		value, err := decodeRecord(raw.Raw)
		if err != nil {
			return ListResult{}, err
		}
		out.Records = append(out.Records, GetResult{URI: AtURI(r.did, coll, rkey), CID: raw.CID, Value: value})
	}
	if len(entries) > 0 {
		_, lastRkey := splitRecordKey(entries[len(entries)-1].Key)
		out.Cursor = lastRkey
	}
	return out, nil
}

// DescribeResult is the return shape of Describe.
type DescribeResult struct {
	DID            string
	Handle         string
	Collections    []string
	DIDDoc         map[string]any
	HandleIsCorrect bool
}

// Describe implements describe().
func (r *Repository) Describe(ctx context.Context) (DescribeResult, error) {
	r.repoMu.RLock()
	defer r.repoMu.RUnlock()

	seen := make(map[string]struct{})
	for key := range r.records {
		coll, _ := splitRecordKey(key)
		seen[coll] = struct{}{}
	}
	collections := make([]string, 0, len(seen))
	for coll := range seen {
		collections = append(collections, coll)
	}
	sort.Strings(collections)

	result := DescribeResult{DID: r.did, Collections: collections}
	if r.identity != nil {
		result.Handle = r.identity.Handle()
		result.HandleIsCorrect = r.identity.HandleIsCorrect(ctx)
		doc, err := r.identity.DIDDocument()
		if err != nil {
			return DescribeResult{}, fmt.Errorf("repo: build did document: %w", err)
		}
		result.DIDDoc = doc
	}
	return result, nil
}

// Blocks returns every MST block and record blob reachable from the
// current root, rooted at the current commit — the raw material the CAR
// exporter and sync.getRepo assemble into an archive.
func (r *Repository) Blocks(ctx context.Context) (commitCID cid.CID, commitBytes []byte, blocks map[string][]byte, err error) {
	r.repoMu.RLock()
	defer r.repoMu.RUnlock()

	blocks = mst.Blocks(r.store, r.root)
	for key, entry := range r.records {
		blocks[entry.CID.String()] = r.recordBytesLocked(key)
	}
	return r.commitCID, r.commitBytes, blocks, nil
}

func (r *Repository) recordBytesLocked(key string) []byte {
	return r.records[key].Raw
}

// ExportCAR implements export_car: commit block first, then every MST
// node reachable from the current root, then every record block, in the
// order spec.md §4.9 requires. since is accepted for interface parity
// with the XRPC method but not yet used to narrow the block set — every
// export is a full snapshot; see DESIGN.md.
func (r *Repository) ExportCAR(ctx context.Context, did string, since *string) ([]byte, error) {
	if err := r.checkLocal(did); err != nil {
		return nil, err
	}

	r.repoMu.RLock()
	defer r.repoMu.RUnlock()

	if r.commitCID.IsZero() {
		return nil, apperr.New(apperr.RecordNotFound, "repository has no commits yet")
	}

	blocks := []car.Block{{CID: r.commitCID, Data: r.commitBytes}}

	nodeBlocks := mst.Blocks(r.store, r.root)
	nodeKeys := make([]string, 0, len(nodeBlocks))
	for k := range nodeBlocks {
		nodeKeys = append(nodeKeys, k)
	}
	sort.Strings(nodeKeys)
	for _, k := range nodeKeys {
		c, err := cid.Parse(k)
		if err != nil {
			return nil, fmt.Errorf("repo: parse mst block cid: %w", err)
		}
		blocks = append(blocks, car.Block{CID: c, Data: nodeBlocks[k]})
	}

	recordKeys := make([]string, 0, len(r.records))
	for k := range r.records {
		recordKeys = append(recordKeys, k)
	}
	sort.Strings(recordKeys)
	for _, k := range recordKeys {
		entry := r.records[k]
		blocks = append(blocks, car.Block{CID: entry.CID, Data: entry.Raw})
	}

	archive, err := car.Write(r.commitCID, blocks)
	if err != nil {
		return nil, fmt.Errorf("repo: write car: %w", err)
	}
	return archive, nil
}

func (r *Repository) checkSwapCommit(expected *cid.CID) error {
	if expected == nil {
		return nil
	}
	if r.commitCID.IsZero() || !expected.Equal(r.commitCID) {
		return apperr.New(apperr.InvalidSwap, "swap_commit does not match current commit")
	}
	return nil
}

func (r *Repository) checkSwapRecord(key string, expected *cid.CID) error {
	if expected == nil {
		return nil
	}
	entry, exists := r.records[key]
	if !exists || !expected.Equal(entry.CID) {
		return apperr.New(apperr.InvalidSwap, fmt.Sprintf("swap_record does not match current value of %s", key))
	}
	return nil
}

func encodeRecord(record map[string]any) (RecordEntry, error) {
	raw, err := atcodec.Encode(record)
	if err != nil {
		return RecordEntry{}, apperr.New(apperr.MalformedEncoding, err.Error())
	}
	return RecordEntry{Raw: raw, CID: cid.FromCanonical(raw)}, nil
}

func decodeRecord(raw []byte) (map[string]any, error) {
	value, err := atcodec.DecodeMap(raw)
	if err != nil {
		return nil, apperr.New(apperr.MalformedEncoding, err.Error())
	}
	return value, nil
}

// commitMutation applies the mapping of record key -> new entry (nil
// entry means delete) to the MST and record set, builds and signs the
// next commit, persists the result, and emits the firehose event — the
// Validated -> MST-advanced -> Commit-signed -> State-committed ->
// Event-emitted chain. Any failure before the persistence write leaves r
// entirely unchanged; a failure to publish the firehose event is logged
// but does not unwind an already-persisted mutation.
func (r *Repository) commitMutation(ctx context.Context, changes map[string]*RecordEntry) error {
	newRoot := r.root
	keys := make([]string, 0, len(changes))
	for key := range changes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ops := make([]firehose.Op, 0, len(keys))
	for _, key := range keys {
		entry := changes[key]
		_, existed := r.records[key]
		if entry == nil {
			newRoot = mst.Delete(r.store, newRoot, key)
			ops = append(ops, firehose.Op{Action: "delete", Path: key})
			continue
		}
		newRoot = mst.Insert(r.store, newRoot, key, entry.CID)
		action := "create"
		if existed {
			action = "update"
		}
		ops = append(ops, firehose.Op{Action: action, Path: key, CID: firehose.CommitLink(entry.CID)})
	}
	if newRoot == nil {
		return apperr.New(apperr.WriteFailed, "mutation produced an empty tree root unexpectedly")
	}

	rev := r.generator.Generate()
	var prev *cid.CID
	if !r.commitCID.IsZero() {
		c := r.commitCID
		prev = &c
	}
	newCommitCID, newCommitBytes, _, err := commit.Build(r.signer, r.did, *newRoot, rev, prev)
	if err != nil {
		return apperr.New(apperr.CreateFailed, fmt.Sprintf("sign commit: %v", err))
	}

	snapshot := State{
		DID:         r.did,
		Rev:         rev,
		Root:        newRoot,
		CommitCID:   newCommitCID,
		CommitBytes: newCommitBytes,
		MSTBlocks:   r.store.RawBlocks(),
		Records:     mergeRecordBytes(r.records, changes),
	}
	if err := r.persistence.Save(ctx, snapshot); err != nil {
		return apperr.New(apperr.WriteFailed, fmt.Sprintf("persist state: %v", err))
	}

	for key, entry := range changes {
		if entry == nil {
			delete(r.records, key)
		} else {
			r.records[key] = *entry
		}
	}
	r.root = newRoot
	r.rev = rev
	r.commitCID = newCommitCID
	r.commitBytes = newCommitBytes

	r.emitCommitEvent(ctx, ops)
	return nil
}

func mergeRecordBytes(current map[string]RecordEntry, changes map[string]*RecordEntry) map[string][]byte {
	out := make(map[string][]byte, len(current))
	for key, entry := range current {
		out[key] = entry.Raw
	}
	for key, entry := range changes {
		if entry == nil {
			delete(out, key)
		} else {
			out[key] = entry.Raw
		}
	}
	return out
}

func (r *Repository) emitCommitEvent(ctx context.Context, ops []firehose.Op) {
	if r.publisher == nil {
		return
	}

	body := firehose.CommitBody{
		Rev:    r.rev.String(),
		Repo:   r.did,
		Ops:    ops,
		Blobs:  []string{},
		Time:   time.Now().UTC().Format(time.RFC3339),
		Commit: firehose.CommitLink(r.commitCID),
	}
	if _, err := r.publisher.PublishCommit(ctx, body); err != nil {
		log.Printf("repo: publish commit event for %s rev=%s: %v", r.did, r.rev, err)
	}
}

