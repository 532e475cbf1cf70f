package firehose

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultRingSize is the default bounded-ring capacity spec.md §4.10 names.
const DefaultRingSize = 1000

// MemSeqStore is an in-memory SeqStore, used in tests and single-process
// deployments without a database.
type MemSeqStore struct {
	mu  sync.Mutex
	seq int64
}

func (m *MemSeqStore) LoadSeq(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq, nil
}

func (m *MemSeqStore) SaveSeq(_ context.Context, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq = seq
	return nil
}

// MemoryBuffer is a bounded in-process ring of the most recent events.
type MemoryBuffer struct {
	mu       sync.Mutex
	capacity int
	events   []Event
}

// NewMemoryBuffer builds a ring holding at most capacity events.
func NewMemoryBuffer(capacity int) *MemoryBuffer {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &MemoryBuffer{capacity: capacity}
}

func (b *MemoryBuffer) Append(_ context.Context, evt Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
	if len(b.events) > b.capacity {
		b.events = b.events[len(b.events)-b.capacity:]
	}
	return nil
}

func (b *MemoryBuffer) Since(_ context.Context, cursor int64) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, 0, len(b.events))
	for _, evt := range b.events {
		if evt.Seq > cursor {
			out = append(out, evt)
		}
	}
	return out, nil
}

// RedisBuffer backs the ring with a Redis sorted set keyed by seq, so
// multiple PDS processes behind a load balancer can share one firehose
// buffer. Modeled on the teacher's session/redis_store.go dual-backend
// pattern (ParseURL + client construction, TTL-free here since the ring's
// own trim keeps it bounded).
type RedisBuffer struct {
	client   *redis.Client
	key      string
	capacity int
}

// NewRedisBuffer builds a Redis-backed ring under the given key.
func NewRedisBuffer(client *redis.Client, key string, capacity int) *RedisBuffer {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &RedisBuffer{client: client, key: key, capacity: capacity}
}

// NewRedisBufferFromURL parses redisURL and connects, mirroring
// session.NewRedisStore's constructor shape.
func NewRedisBufferFromURL(ctx context.Context, redisURL, key string, capacity int) (*RedisBuffer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("firehose: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("firehose: connect to redis: %w", err)
	}
	return NewRedisBuffer(client, key, capacity), nil
}

func (b *RedisBuffer) Append(ctx context.Context, evt Event) error {
	member := redis.Z{Score: float64(evt.Seq), Member: evt.Raw}
	if err := b.client.ZAdd(ctx, b.key, member).Err(); err != nil {
		return fmt.Errorf("firehose: zadd: %w", err)
	}
	count, err := b.client.ZCard(ctx, b.key).Result()
	if err != nil {
		return fmt.Errorf("firehose: zcard: %w", err)
	}
	if overflow := count - int64(b.capacity); overflow > 0 {
		if err := b.client.ZRemRangeByRank(ctx, b.key, 0, overflow-1).Err(); err != nil {
			return fmt.Errorf("firehose: trim ring: %w", err)
		}
	}
	return nil
}

func (b *RedisBuffer) Since(ctx context.Context, cursor int64) ([]Event, error) {
	members, err := b.client.ZRangeByScore(ctx, b.key, &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", cursor),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("firehose: zrangebyscore: %w", err)
	}
	out := make([]Event, 0, len(members))
	for _, raw := range members {
		seq, err := seqFromFrame([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, Event{Seq: seq, Raw: []byte(raw)})
	}
	return out, nil
}

// seqFromFrame re-derives an event's seq by decoding its header+body; kept
// deliberately simple since RedisBuffer only needs Seq for ordering
// assertions in callers, not for re-framing.
func seqFromFrame(raw []byte) (int64, error) {
	_, body, err := splitFrame(raw)
	if err != nil {
		return 0, err
	}
	var withSeq struct {
		Seq int64 `cbor:"seq"`
	}
	if err := decodeBody(body, &withSeq); err != nil {
		return 0, err
	}
	return withSeq.Seq, nil
}
