package repo

import (
	"context"
	"sync"
	"testing"

	"github.com/atweave/pds/internal/apperr"
	"github.com/atweave/pds/internal/car"
	"github.com/atweave/pds/internal/firehose"
	"github.com/atweave/pds/internal/signing"
)

type memPersistence struct {
	mu    sync.Mutex
	saved map[string]State
}

func newMemPersistence() *memPersistence {
	return &memPersistence{saved: make(map[string]State)}
}

func (m *memPersistence) Load(ctx context.Context, did string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.saved[did]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memPersistence) Save(ctx context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[state.DID] = state
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []firehose.CommitBody
}

func (p *recordingPublisher) PublishCommit(ctx context.Context, body firehose.CommitBody) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	body.Seq = int64(len(p.events) + 1)
	p.events = append(p.events, body)
	return body.Seq, nil
}

func (p *recordingPublisher) last() firehose.CommitBody {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func testRepository(t *testing.T) (*Repository, *recordingPublisher) {
	priv, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	pub := &recordingPublisher{}
	r, err := New(context.Background(), Config{
		DID:         "did:web:pds.example.com",
		Signer:      signing.NewSigner(priv),
		Persistence: newMemPersistence(),
		Publisher:   pub,
	})
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return r, pub
}

func post(text string) map[string]any {
	return map[string]any{"$type": "app.bsky.feed.post", "text": text}
}

func domainCode(t *testing.T, err error) apperr.Code {
	t.Helper()
	de, ok := err.(*apperr.DomainError)
	if !ok {
		t.Fatalf("expected *apperr.DomainError, got %T: %v", err, err)
	}
	return de.Code
}

// S1 — genesis write.
func TestGenesisWrite(t *testing.T) {
	ctx := context.Background()
	r, pub := testRepository(t)

	result, err := r.CreateRecord(ctx, "", "app.bsky.feed.post", post("hi"), "3jzfcijpj2z2a", nil, nil)
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if result.URI == "" || result.CID.IsZero() {
		t.Fatalf("expected populated uri/cid, got %+v", result)
	}
	if want := AtURI("did:web:pds.example.com", "app.bsky.feed.post", "3jzfcijpj2z2a"); result.URI != want {
		t.Fatalf("expected uri %q, got %q", want, result.URI)
	}

	got, err := r.GetRecord(ctx, "", "app.bsky.feed.post", "3jzfcijpj2z2a", nil)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !got.CID.Equal(result.CID) {
		t.Fatalf("get record cid mismatch: got %v, want %v", got.CID, result.CID)
	}

	if pub.count() != 1 {
		t.Fatalf("expected one firehose event, got %d", pub.count())
	}
	evt := pub.last()
	if evt.Seq != 1 {
		t.Fatalf("expected seq=1, got %d", evt.Seq)
	}
	if len(evt.Ops) != 1 || evt.Ops[0].Action != "create" {
		t.Fatalf("expected one create op, got %+v", evt.Ops)
	}
}

// S2 — idempotent put: the second put succeeds, the record CID is
// unchanged, and a second "update" firehose event is emitted.
func TestIdempotentPutEmitsUpdate(t *testing.T) {
	ctx := context.Background()
	r, pub := testRepository(t)

	v1 := post("same value")
	res1, err := r.PutRecord(ctx, "", "app.bsky.feed.post", "3jzfcijpj2z2a", v1, nil, nil)
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	res2, err := r.PutRecord(ctx, "", "app.bsky.feed.post", "3jzfcijpj2z2a", v1, nil, nil)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if !res1.CID.Equal(res2.CID) {
		t.Fatalf("expected unchanged cid across idempotent puts, got %v and %v", res1.CID, res2.CID)
	}
	if pub.count() != 2 {
		t.Fatalf("expected two firehose events, got %d", pub.count())
	}
	second := pub.last()
	if len(second.Ops) != 1 || second.Ops[0].Action != "update" {
		t.Fatalf("expected the repeat put to emit an update op, got %+v", second.Ops)
	}
}

// S3 — swap conflict: of two competing put_records against the same
// stale swap_record precondition, exactly one succeeds.
func TestSwapConflict(t *testing.T) {
	ctx := context.Background()
	r, _ := testRepository(t)

	created, err := r.CreateRecord(ctx, "", "app.bsky.feed.post", post("v1"), "3jzfcijpj2z2a", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	c1 := created.CID

	_, errA := r.PutRecord(ctx, "", "app.bsky.feed.post", "3jzfcijpj2z2a", post("from A"), &c1, nil)
	_, errB := r.PutRecord(ctx, "", "app.bsky.feed.post", "3jzfcijpj2z2a", post("from B"), &c1, nil)

	succeeded, failed := errA, errB
	if errA != nil {
		succeeded, failed = errB, errA
	}
	if succeeded != nil {
		t.Fatalf("expected exactly one of the two puts to succeed, got errA=%v errB=%v", errA, errB)
	}
	if failed == nil {
		t.Fatalf("expected the stale put to fail with InvalidSwap")
	}
	if domainCode(t, failed) != apperr.InvalidSwap {
		t.Fatalf("expected InvalidSwap, got %v", failed)
	}
}

// S4 — delete then list: after deleting a record, it no longer appears
// in list_records and re-fetching it returns RecordNotFound.
func TestDeleteThenList(t *testing.T) {
	ctx := context.Background()
	r, _ := testRepository(t)

	keepRes, err := r.CreateRecord(ctx, "", "app.bsky.feed.post", post("keep"), "3jzfcijpj2z2a", nil, nil)
	if err != nil {
		t.Fatalf("create keep: %v", err)
	}
	_, err = r.CreateRecord(ctx, "", "app.bsky.feed.post", post("drop"), "3jzfcijpj2z2b", nil, nil)
	if err != nil {
		t.Fatalf("create drop: %v", err)
	}

	if _, err := r.DeleteRecord(ctx, "", "app.bsky.feed.post", "3jzfcijpj2z2b", nil, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := r.GetRecord(ctx, "", "app.bsky.feed.post", "3jzfcijpj2z2b", nil); err == nil {
		t.Fatalf("expected RecordNotFound after delete")
	} else if domainCode(t, err) != apperr.RecordNotFound {
		t.Fatalf("expected RecordNotFound, got %v", err)
	}

	list, err := r.ListRecords(ctx, "", "app.bsky.feed.post", 10, "", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Records) != 1 || !list.Records[0].CID.Equal(keepRes.CID) {
		t.Fatalf("expected exactly the kept record, got %+v", list.Records)
	}
}

func TestCreateRecordRejectsInvalidNSID(t *testing.T) {
	ctx := context.Background()
	r, _ := testRepository(t)
	_, err := r.CreateRecord(ctx, "", "not-an-nsid", post("x"), "", nil, nil)
	if err == nil || domainCode(t, err) != apperr.InvalidRequest {
		t.Fatalf("expected InvalidRequest for malformed NSID, got %v", err)
	}
}

func TestCreateRecordRejectsDuplicateRkey(t *testing.T) {
	ctx := context.Background()
	r, _ := testRepository(t)
	if _, err := r.CreateRecord(ctx, "", "app.bsky.feed.post", post("x"), "3jzfcijpj2z2a", nil, nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := r.CreateRecord(ctx, "", "app.bsky.feed.post", post("y"), "3jzfcijpj2z2a", nil, nil)
	if err == nil || domainCode(t, err) != apperr.RecordAlreadyExists {
		t.Fatalf("expected RecordAlreadyExists, got %v", err)
	}
}

func TestWritesAgainstNonLocalRepoAreRepoNotFound(t *testing.T) {
	ctx := context.Background()
	r, _ := testRepository(t)
	_, err := r.CreateRecord(ctx, "did:web:someone-else.example.com", "app.bsky.feed.post", post("x"), "", nil, nil)
	if err == nil || domainCode(t, err) != apperr.RepoNotFound {
		t.Fatalf("expected RepoNotFound, got %v", err)
	}
}

func TestDescribeListsCollections(t *testing.T) {
	ctx := context.Background()
	r, _ := testRepository(t)
	if _, err := r.CreateRecord(ctx, "", "app.bsky.feed.post", post("x"), "", nil, nil); err != nil {
		t.Fatalf("create post: %v", err)
	}
	if _, err := r.CreateRecord(ctx, "", "app.bsky.feed.like", map[string]any{"$type": "app.bsky.feed.like"}, "", nil, nil); err != nil {
		t.Fatalf("create like: %v", err)
	}
	desc, err := r.Describe(ctx)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if len(desc.Collections) != 2 || desc.Collections[0] != "app.bsky.feed.like" || desc.Collections[1] != "app.bsky.feed.post" {
		t.Fatalf("expected sorted [like, post], got %v", desc.Collections)
	}
}

// S5 — CAR export/import: the exported archive's declared root is the
// current commit, and parsing it back recovers the commit and both live
// records' blocks.
func TestExportCARRecoversCurrentState(t *testing.T) {
	ctx := context.Background()
	r, _ := testRepository(t)

	r1, err := r.CreateRecord(ctx, "", "app.bsky.feed.post", post("one"), "3jzfcijpj2z2a", nil, nil)
	if err != nil {
		t.Fatalf("create r1: %v", err)
	}
	r3, err := r.CreateRecord(ctx, "", "app.bsky.feed.post", post("three"), "3jzfcijpj2z2c", nil, nil)
	if err != nil {
		t.Fatalf("create r3: %v", err)
	}

	archive, err := r.ExportCAR(ctx, "", nil)
	if err != nil {
		t.Fatalf("export car: %v", err)
	}

	roots, blocks, err := car.Parse(archive)
	if err != nil {
		t.Fatalf("parse car: %v", err)
	}
	if len(roots) != 1 || !roots[0].Equal(r.commitCID) {
		t.Fatalf("expected declared root to equal current commit, got %v want %v", roots, r.commitCID)
	}
	if _, ok := blocks[r.commitCID.String()]; !ok {
		t.Fatalf("expected commit block in archive")
	}
	if _, ok := blocks[r1.CID.String()]; !ok {
		t.Fatalf("expected r1's record block in archive")
	}
	if _, ok := blocks[r3.CID.String()]; !ok {
		t.Fatalf("expected r3's record block in archive")
	}
}

func TestExportCARBeforeAnyCommitIsRecordNotFound(t *testing.T) {
	ctx := context.Background()
	r, _ := testRepository(t)
	_, err := r.ExportCAR(ctx, "", nil)
	if err == nil || domainCode(t, err) != apperr.RecordNotFound {
		t.Fatalf("expected RecordNotFound for an empty repository, got %v", err)
	}
}

func TestRepositoryStateSurvivesReload(t *testing.T) {
	ctx := context.Background()
	priv, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	persistence := newMemPersistence()
	cfg := Config{
		DID:         "did:web:pds.example.com",
		Signer:      signing.NewSigner(priv),
		Persistence: persistence,
		Publisher:   &recordingPublisher{},
	}
	r1, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	created, err := r1.CreateRecord(ctx, "", "app.bsky.feed.post", post("persisted"), "3jzfcijpj2z2a", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	r2, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("reload repository: %v", err)
	}
	got, err := r2.GetRecord(ctx, "", "app.bsky.feed.post", "3jzfcijpj2z2a", nil)
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if !got.CID.Equal(created.CID) {
		t.Fatalf("expected reloaded record to match, got %v want %v", got.CID, created.CID)
	}
}
