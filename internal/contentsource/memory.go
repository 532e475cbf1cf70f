package contentsource

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Source backed by plain maps, used in tests and
// single-process deployments that have no real host content store to
// wire in yet.
type Memory struct {
	mu sync.Mutex

	items  map[string]Item
	status map[string]string

	likes    map[string]map[string]Author
	reposts  map[string]map[string]Author
	follows  map[string]Author
	replies  []storedReply
}

type storedReply struct {
	RootKey   string
	ParentKey string
	Author    Author
	Text      string
	CreatedAt string
}

// NewMemory builds an empty Memory source.
func NewMemory() *Memory {
	return &Memory{
		items:   make(map[string]Item),
		status:  make(map[string]string),
		likes:   make(map[string]map[string]Author),
		reposts: make(map[string]map[string]Author),
		follows: make(map[string]Author),
	}
}

// Seed registers an item as existing locally, as if it had been authored
// through the host application directly.
func (m *Memory) Seed(item Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.Key] = item
}

func (m *Memory) List(_ context.Context, limit int, cursor string) ([]Item, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if cursor != "" {
		for i, k := range keys {
			if k > cursor {
				start = i
				break
			}
			start = i + 1
		}
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	end := start + limit
	if end > len(keys) {
		end = len(keys)
	}

	var out []Item
	for _, k := range keys[start:end] {
		out = append(out, m.items[k])
	}
	var next string
	if end < len(keys) {
		next = keys[end-1]
	}
	return out, next, nil
}

func (m *Memory) GetByKey(_ context.Context, key string) (Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	return item, ok, nil
}

func (m *Memory) OnStatusChange(_ context.Context, key string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[key] = status
	return nil
}

// Status reports the last status recorded for key, for test assertions.
func (m *Memory) Status(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[key]
}

func (m *Memory) Like(_ context.Context, targetKey string, author Author) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.likes[targetKey]
	if set == nil {
		set = make(map[string]Author)
		m.likes[targetKey] = set
	}
	set[author.DID] = author
	return nil
}

func (m *Memory) Unlike(_ context.Context, targetKey string, author Author) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.likes[targetKey], author.DID)
	return nil
}

func (m *Memory) Repost(_ context.Context, targetKey string, author Author) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.reposts[targetKey]
	if set == nil {
		set = make(map[string]Author)
		m.reposts[targetKey] = set
	}
	set[author.DID] = author
	return nil
}

func (m *Memory) Unrepost(_ context.Context, targetKey string, author Author) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reposts[targetKey], author.DID)
	return nil
}

// LikeCount reports how many distinct authors currently like targetKey,
// for test assertions.
func (m *Memory) LikeCount(targetKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.likes[targetKey])
}

func (m *Memory) Add(_ context.Context, author Author) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.follows[author.DID] = author
	return nil
}

func (m *Memory) Remove(_ context.Context, author Author) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.follows, author.DID)
	return nil
}

// IsFollower reports whether did is currently recorded as a follower,
// for test assertions.
func (m *Memory) IsFollower(did string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.follows[did]
	return ok
}

func (m *Memory) Store(_ context.Context, rootKey, parentKey string, author Author, text, createdAt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, storedReply{RootKey: rootKey, ParentKey: parentKey, Author: author, Text: text, CreatedAt: createdAt})
	return nil
}

// ReplyCount reports how many replies have been stored against rootKey,
// for test assertions.
func (m *Memory) ReplyCount(rootKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.replies {
		if r.RootKey == rootKey {
			n++
		}
	}
	return n
}
