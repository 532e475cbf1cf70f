package mst

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"math/rand"
	"sort"
	"testing"

	"github.com/atweave/pds/internal/cid"
)

func leafCID(key string) cid.CID {
	return cid.FromBytes([]byte("value-of-"+key), cid.CodecRaw)
}

func buildFromPairs(t *testing.T, store Store, keys []string) *cid.CID {
	t.Helper()
	var root *cid.CID
	for _, k := range keys {
		root = Insert(store, root, k, leafCID(k))
	}
	return root
}

func TestInsertGetRoundTrip(t *testing.T) {
	store := NewMemStore()
	keys := []string{"app.bsky.feed.post/a", "app.bsky.feed.post/b", "app.bsky.feed.post/c"}
	root := buildFromPairs(t, store, keys)
	for _, k := range keys {
		got, ok := Get(store, root, k)
		if !ok {
			t.Fatalf("expected key %q to be present", k)
		}
		if !got.Equal(leafCID(k)) {
			t.Fatalf("value mismatch for %q", k)
		}
	}
	if _, ok := Get(store, root, "missing/key"); ok {
		t.Fatalf("expected missing key to be absent")
	}
}

func TestListOrderedAndPrefixed(t *testing.T) {
	store := NewMemStore()
	keys := []string{
		"app.bsky.feed.post/3", "app.bsky.feed.post/1", "app.bsky.feed.post/2",
		"app.bsky.feed.like/1",
	}
	root := buildFromPairs(t, store, keys)

	all := List(store, root, "", 0, "", false)
	if len(all) != len(keys) {
		t.Fatalf("expected %d entries, got %d", len(keys), len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Key >= all[i].Key {
			t.Fatalf("entries not in ascending key order: %q >= %q", all[i-1].Key, all[i].Key)
		}
	}

	posts := List(store, root, "app.bsky.feed.post/", 0, "", false)
	if len(posts) != 3 {
		t.Fatalf("expected 3 posts, got %d", len(posts))
	}

	reversed := List(store, root, "", 0, "", true)
	if reversed[0].Key != all[len(all)-1].Key {
		t.Fatalf("expected reverse listing to start at the lexicographically last key")
	}
}

func TestListCursorPagination(t *testing.T) {
	store := NewMemStore()
	var keys []string
	for i := 0; i < 20; i++ {
		keys = append(keys, fmt.Sprintf("app.bsky.feed.post/%02d", i))
	}
	root := buildFromPairs(t, store, keys)

	page1 := List(store, root, "", 5, "", false)
	if len(page1) != 5 {
		t.Fatalf("expected page of 5, got %d", len(page1))
	}
	page2 := List(store, root, "", 5, page1[len(page1)-1].Key, false)
	if len(page2) != 5 {
		t.Fatalf("expected second page of 5, got %d", len(page2))
	}
	if page2[0].Key <= page1[len(page1)-1].Key {
		t.Fatalf("expected second page to continue strictly after cursor")
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	store := NewMemStore()
	keys := []string{"a/1", "a/2", "a/3", "a/4", "a/5"}
	root := buildFromPairs(t, store, keys)

	newRoot := Delete(store, root, "a/3")
	if _, ok := Get(store, newRoot, "a/3"); ok {
		t.Fatalf("expected a/3 to be gone")
	}
	for _, k := range []string{"a/1", "a/2", "a/4", "a/5"} {
		if _, ok := Get(store, newRoot, k); !ok {
			t.Fatalf("expected %q to survive deletion of a sibling", k)
		}
	}
}

func TestDeleteOfAbsentKeyIsNoop(t *testing.T) {
	store := NewMemStore()
	keys := []string{"a/1", "a/2", "a/3"}
	root := buildFromPairs(t, store, keys)

	newRoot := Delete(store, root, "a/does-not-exist")
	if (root == nil) != (newRoot == nil) {
		t.Fatalf("expected no-op delete to preserve root nil-ness")
	}
	if root != nil && newRoot != nil && !root.Equal(*newRoot) {
		t.Fatalf("expected no-op delete to return the same root CID")
	}
}

func TestReinsertReplacesValue(t *testing.T) {
	store := NewMemStore()
	root := Insert(store, nil, "a/1", leafCID("a/1"))
	updated := Insert(store, root, "a/1", leafCID("a/1-v2"))

	got, ok := Get(store, updated, "a/1")
	if !ok {
		t.Fatalf("expected key to survive reinsert")
	}
	if !got.Equal(leafCID("a/1-v2")) {
		t.Fatalf("expected reinsert to overwrite the value")
	}

	fresh := Insert(NewMemStore(), nil, "a/1", leafCID("a/1-v2"))
	if !updated.Equal(*fresh) {
		t.Fatalf("expected reinsert to produce the same tree as a fresh insert of the final value")
	}
}

// TestShapeDeterminism is the headline property: the same key set produces
// the same root CID no matter what order the keys arrived in.
func TestShapeDeterminism(t *testing.T) {
	keys := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		keys = append(keys, fmt.Sprintf("app.bsky.feed.post/%04d", i))
	}

	baseline := buildFromPairs(t, NewMemStore(), append([]string{}, keys...))

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 5; trial++ {
		shuffled := append([]string{}, keys...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		root := buildFromPairs(t, NewMemStore(), shuffled)
		if !baseline.Equal(*root) {
			t.Fatalf("trial %d: insertion order changed the resulting root CID", trial)
		}
	}

	// Deletion interleaved with insertion should converge to the same shape
	// as directly building the surviving key set.
	store := NewMemStore()
	root := buildFromPairs(t, store, keys)
	root = Insert(store, root, "zzz/temp", leafCID("zzz/temp"))
	root = Delete(store, root, "zzz/temp")
	if !baseline.Equal(*root) {
		t.Fatalf("expected insert-then-delete to converge back to the baseline shape")
	}
}

func TestDiffReportsCreatesUpdatesDeletes(t *testing.T) {
	store := NewMemStore()
	oldRoot := buildFromPairs(t, store, []string{"a/1", "a/2", "a/3"})
	newRoot := Delete(store, oldRoot, "a/2")
	newRoot = Insert(store, newRoot, "a/3", leafCID("a/3-v2"))
	newRoot = Insert(store, newRoot, "a/4", leafCID("a/4"))

	d := Diff(store, oldRoot, newRoot)
	sort.Strings(d.Creates)
	sort.Strings(d.Updates)
	sort.Strings(d.Deletes)

	if len(d.Creates) != 1 || d.Creates[0] != "a/4" {
		t.Fatalf("expected create of a/4, got %v", d.Creates)
	}
	if len(d.Updates) != 1 || d.Updates[0] != "a/3" {
		t.Fatalf("expected update of a/3, got %v", d.Updates)
	}
	if len(d.Deletes) != 1 || d.Deletes[0] != "a/2" {
		t.Fatalf("expected delete of a/2, got %v", d.Deletes)
	}
}

func TestBlocksEnumeratesReachableSet(t *testing.T) {
	store := NewMemStore()
	root := buildFromPairs(t, store, []string{"a/1", "a/2", "a/3", "a/4", "a/5", "a/6", "a/7", "a/8"})

	blocks := Blocks(store, root)
	if len(blocks) == 0 {
		t.Fatalf("expected at least one block")
	}
	for c, raw := range blocks {
		parsed, err := cid.Parse(c)
		if err != nil {
			t.Fatalf("block key %q is not a valid CID: %v", c, err)
		}
		if !cid.Verify(parsed, raw) {
			t.Fatalf("block %q does not hash to its own CID", c)
		}
	}
}

// A run of keys sharing one height longer than MaxFanout must split
// across linked nodes instead of panicking.
func TestFanoutOverflowSplitsAcrossNodes(t *testing.T) {
	var sameHeight []string
	for i := 0; len(sameHeight) <= MaxFanout && i < 10000; i++ {
		k := fmt.Sprintf("app.bsky.feed.post/%d", i)
		if Height(k) == 0 {
			sameHeight = append(sameHeight, k)
		}
	}
	if len(sameHeight) <= MaxFanout {
		t.Fatalf("could not find enough height-0 keys to exercise the overflow path")
	}

	store := NewMemStore()
	root := buildFromPairs(t, store, sameHeight)
	for _, k := range sameHeight {
		if _, ok := Get(store, root, k); !ok {
			t.Fatalf("expected key %q to survive a fanout split", k)
		}
	}

	blocks := Blocks(store, root)
	if len(blocks) < 2 {
		t.Fatalf("expected the overflow to produce more than one node, got %d", len(blocks))
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	left := cid.FromBytes([]byte("left-subtree"), cid.CodecCanonical)
	right := cid.FromBytes([]byte("right-subtree"), cid.CodecCanonical)
	n := Node{
		Left: &left,
		Entries: []Entry{
			{Key: "a/1", Value: leafCID("a/1"), Tree: &right},
			{Key: "a/2", Value: leafCID("a/2")},
		},
	}
	encoded, err := n.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Entries) != 2 || decoded.Entries[0].Key != "a/1" || decoded.Entries[1].Key != "a/2" {
		t.Fatalf("unexpected decoded entries: %+v", decoded.Entries)
	}
	if decoded.Left == nil || !decoded.Left.Equal(left) {
		t.Fatalf("left link did not round-trip")
	}
	if decoded.Entries[0].Tree == nil || !decoded.Entries[0].Tree.Equal(right) {
		t.Fatalf("subtree link did not round-trip")
	}
	if decoded.Entries[1].Tree != nil {
		t.Fatalf("expected no subtree link on a/2")
	}
}

func TestHeightIsLeadingZeroBitCount(t *testing.T) {
	// A key hashing to a digest starting with 0xFF has height 0; for a
	// spread of real-looking keys, the height must equal 256 minus the bit
	// length of the sha256 digest read as a big-endian integer.
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("app.bsky.feed.post/%d", i)
		h := Height(k)
		if h < 0 || h > 256 {
			t.Fatalf("height out of bounds: %d", h)
		}
		sum := sha256.Sum256([]byte(k))
		want := 256 - new(big.Int).SetBytes(sum[:]).BitLen()
		if h != want {
			t.Fatalf("Height(%q) = %d, want %d leading zero bits", k, h, want)
		}
	}
}
