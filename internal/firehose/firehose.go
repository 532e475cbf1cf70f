// Package firehose sequences repository mutations into a live, replayable
// event stream: a bounded ring buffer of framed events plus a
// single-producer, multi-consumer fan-out to subscribers.
package firehose

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atweave/pds/internal/atcodec"
	"github.com/atweave/pds/internal/cid"
	"github.com/atweave/pds/internal/varint"
)

// EventType names the three frame kinds spec.md §4.10 defines.
type EventType string

const (
	EventCommit   EventType = "#commit"
	EventIdentity EventType = "#identity"
	EventAccount  EventType = "#account"
)

// Op describes one record-level change folded into a commit event.
type Op struct {
	Action string   `cbor:"action"`
	Path   string   `cbor:"path"`
	CID    *atcodec.Link `cbor:"cid,omitempty"`
}

// CommitBody is the body of a "#commit" frame.
type CommitBody struct {
	Seq     int64         `cbor:"seq"`
	Rev     string        `cbor:"rev"`
	Repo    string        `cbor:"repo"`
	Since   *string       `cbor:"since,omitempty"`
	Blocks  []byte        `cbor:"blocks"`
	Ops     []Op          `cbor:"ops"`
	Blobs   []string      `cbor:"blobs"`
	Time    string        `cbor:"time"`
	Commit  *atcodec.Link `cbor:"commit,omitempty"`
}

// IdentityBody is the body of a "#identity" frame.
type IdentityBody struct {
	Seq    int64  `cbor:"seq"`
	Did    string `cbor:"did"`
	Handle string `cbor:"handle"`
	Time   string `cbor:"time"`
}

// AccountBody is the body of a "#account" frame.
type AccountBody struct {
	Seq    int64  `cbor:"seq"`
	Did    string `cbor:"did"`
	Active bool   `cbor:"active"`
	Status string `cbor:"status,omitempty"`
	Time   string `cbor:"time"`
}

// Event is a fully framed entry: header + body, ready to be written to a
// subscriber or stored in the ring.
type Event struct {
	Seq  int64
	Type EventType
	Raw  []byte // varint(header_len) || header || body
}

type header struct {
	Op int64  `cbor:"op"`
	T  string `cbor:"t"`
}

func frame(seq int64, t EventType, body any) (Event, error) {
	headerBytes, err := atcodec.Encode(header{Op: 1, T: string(t)})
	if err != nil {
		return Event{}, fmt.Errorf("firehose: encode header: %w", err)
	}
	bodyBytes, err := atcodec.Encode(body)
	if err != nil {
		return Event{}, fmt.Errorf("firehose: encode body: %w", err)
	}
	var buf bytes.Buffer
	varint.Put(&buf, uint64(len(headerBytes)))
	buf.Write(headerBytes)
	buf.Write(bodyBytes)
	return Event{Seq: seq, Type: t, Raw: buf.Bytes()}, nil
}

// SeqStore persists the monotonic sequence counter so it survives restarts.
type SeqStore interface {
	LoadSeq(ctx context.Context) (int64, error)
	SaveSeq(ctx context.Context, seq int64) error
}

// Buffer holds the bounded ring of recent events and answers replay
// queries. MemoryBuffer and RedisBuffer here and atstore.PostgresBuffer
// implement it; cmd/pds selects RedisBuffer when a Redis URL is set and
// PostgresBuffer otherwise, mirroring the teacher's dual-backend session
// store.
type Buffer interface {
	Append(ctx context.Context, evt Event) error
	Since(ctx context.Context, cursor int64) ([]Event, error)
}

// Hub is the single producer feeding a bounded set of live subscribers.
// One Hub serves one repository.
type Hub struct {
	mu      sync.Mutex
	seq     int64
	seqStore SeqStore
	buffer  Buffer
	subs    map[*Subscriber]struct{}
}

// NewHub constructs a Hub, loading the persisted sequence counter.
func NewHub(ctx context.Context, seqStore SeqStore, buffer Buffer) (*Hub, error) {
	seq, err := seqStore.LoadSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("firehose: load seq: %w", err)
	}
	return &Hub{seq: seq, seqStore: seqStore, buffer: buffer, subs: make(map[*Subscriber]struct{})}, nil
}

// PublishCommit assigns the next sequence number, frames, appends to the
// ring, persists the counter, and fans the event out to live subscribers.
func (h *Hub) PublishCommit(ctx context.Context, body CommitBody) (int64, error) {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	body.Seq = seq
	evt, err := frame(seq, EventCommit, body)
	if err != nil {
		return 0, err
	}
	return h.publish(ctx, evt)
}

// PublishIdentity emits a "#identity" frame, used on handle change.
func (h *Hub) PublishIdentity(ctx context.Context, body IdentityBody) (int64, error) {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	body.Seq = seq
	evt, err := frame(seq, EventIdentity, body)
	if err != nil {
		return 0, err
	}
	return h.publish(ctx, evt)
}

// PublishAccount emits an "#account" frame, used on status change.
func (h *Hub) PublishAccount(ctx context.Context, body AccountBody) (int64, error) {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	body.Seq = seq
	evt, err := frame(seq, EventAccount, body)
	if err != nil {
		return 0, err
	}
	return h.publish(ctx, evt)
}

func (h *Hub) publish(ctx context.Context, evt Event) (int64, error) {
	if err := h.buffer.Append(ctx, evt); err != nil {
		return 0, fmt.Errorf("firehose: append to buffer: %w", err)
	}
	if err := h.seqStore.SaveSeq(ctx, evt.Seq); err != nil {
		return 0, fmt.Errorf("firehose: persist seq: %w", err)
	}

	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.deliver(evt)
	}
	return evt.Seq, nil
}

// liveSlack is how much channel headroom beyond the backfill itself a
// subscriber gets before a live event is treated as evidence of a
// genuinely slow consumer.
const liveSlack = 64

// Subscribe opens a new live subscription, replaying any buffered events
// with seq > cursor before switching to live delivery. The subscriber is
// registered before the backlog is fetched so no event published during
// backfill is missed; any such event is held in a pending queue rather
// than written to the channel out of order, and is flushed, deduplicated
// against the backlog, once backfill completes.
func (h *Hub) Subscribe(ctx context.Context, cursor int64) (*Subscriber, error) {
	sub := &Subscriber{
		state:       StateBackfilling,
		backfilling: true,
		closeCh:     make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	backlog, err := h.buffer.Since(ctx, cursor)
	if err != nil {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		return nil, fmt.Errorf("firehose: load backlog: %w", err)
	}

	// Sized to hold the whole backlog plus live slack, so backfill
	// itself can never trip the slow-consumer drop: that bound exists
	// to detect a live consumer that can't keep up, not to cap how far
	// behind a fresh subscriber's cursor is allowed to be.
	maxSeq := cursor
	if n := len(backlog); n > 0 {
		maxSeq = backlog[n-1].Seq
	}

	sub.mu.Lock()
	sub.ch = make(chan Event, len(backlog)+liveSlack)
	for _, evt := range backlog {
		sub.ch <- evt
	}
	pending := sub.pending
	sub.pending = nil
	sub.backfilling = false
	sub.state = StateLive
	sub.mu.Unlock()

	for _, evt := range pending {
		if evt.Seq <= maxSeq {
			continue // already present in the backlog snapshot above
		}
		sub.deliver(evt)
	}

	go func() {
		<-sub.closeCh
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}()
	return sub, nil
}

// SubscriberState is the session state machine spec.md §4.10 describes.
type SubscriberState int

const (
	StateConnecting SubscriberState = iota
	StateBackfilling
	StateLive
	StateClosed
)

// SendTimeout holds the 5s subscriber send deadline. No code in this
// module applies it: writes to a subscriber's connection carry no
// deadline, and a subscriber is dropped only when its bounded channel
// is full.
var SendTimeout = 5 * time.Second

// Subscriber is one live connection. A subscriber slower than emission is
// dropped rather than allowed to block the writer or other subscribers:
// its channel is bounded and a full channel triggers an immediate close.
type Subscriber struct {
	mu          sync.Mutex
	state       SubscriberState
	ch          chan Event
	closeCh     chan struct{}
	closed      bool
	backfilling bool
	pending     []Event // live events received while backfill is still being replayed
}

func (s *Subscriber) deliver(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.backfilling {
		s.pending = append(s.pending, evt)
		return
	}
	select {
	case s.ch <- evt:
	default:
		s.closeLocked()
	}
}

// Events returns the channel to range over for delivered frames.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// State reports the subscriber's current lifecycle state.
func (s *Subscriber) State() SubscriberState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close ends the subscription, e.g. on a write error or cancellation.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Subscriber) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.state = StateClosed
	close(s.ch)
	close(s.closeCh)
}

// CommitLink is a convenience for building the optional `commit` link field
// on a CommitBody from a commit CID.
func CommitLink(c cid.CID) *atcodec.Link {
	l := atcodec.Link{CIDBytes: c.Bytes()}
	return &l
}

// splitFrame reverses frame: varint(header_len) || header || body.
func splitFrame(raw []byte) (headerBytes, bodyBytes []byte, err error) {
	r := bytes.NewReader(raw)
	headerLen, err := varint.Read(r)
	if err != nil {
		return nil, nil, fmt.Errorf("firehose: read header length: %w", err)
	}
	headerStart := len(raw) - r.Len()
	headerEnd := headerStart + int(headerLen)
	if headerEnd > len(raw) {
		return nil, nil, fmt.Errorf("firehose: truncated frame")
	}
	return raw[headerStart:headerEnd], raw[headerEnd:], nil
}

// decodeBody decodes a frame's body bytes into out.
func decodeBody(body []byte, out any) error {
	return atcodec.Decode(body, out)
}
