package firehose

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestPublishAndBackfill(t *testing.T) {
	ctx := context.Background()
	hub, err := NewHub(ctx, &MemSeqStore{}, NewMemoryBuffer(10))
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := hub.PublishCommit(ctx, CommitBody{Rev: "rev", Repo: "did:web:pds.example.com", Ops: nil, Blobs: []string{}, Time: time.Now().UTC().Format(time.RFC3339)}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	sub, err := hub.Subscribe(ctx, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var seqs []int64
	for i := 0; i < 2; i++ {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				t.Fatalf("channel closed early")
			}
			seqs = append(seqs, evt.Seq)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for backfill event %d", i)
		}
	}
	if len(seqs) != 2 || seqs[0] != 2 || seqs[1] != 3 {
		t.Fatalf("expected backfill [2 3], got %v", seqs)
	}
}

// A subscriber whose cursor is far behind must receive the whole
// backlog even when it exceeds the live send-buffer bound, as long as it
// drains the channel at a normal pace.
func TestLargeBacklogIsNotDroppedBySendBuffer(t *testing.T) {
	ctx := context.Background()
	const total = 200
	hub, err := NewHub(ctx, &MemSeqStore{}, NewMemoryBuffer(total))
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}

	for i := 0; i < total; i++ {
		if _, err := hub.PublishCommit(ctx, CommitBody{Rev: "rev", Repo: "did:web:pds.example.com", Blobs: []string{}, Time: "now"}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	sub, err := hub.Subscribe(ctx, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.State() != StateLive {
		t.Fatalf("expected subscriber to reach live state once backfill is queued")
	}

	var seqs []int64
	for i := 0; i < total; i++ {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				t.Fatalf("channel closed early after %d of %d events", len(seqs), total)
			}
			seqs = append(seqs, evt.Seq)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d of %d events", len(seqs), total)
		}
	}
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("expected contiguous seq %d at position %d, got %d", i+1, i, seq)
		}
	}
}

func TestLiveDeliveryAfterBackfill(t *testing.T) {
	ctx := context.Background()
	hub, err := NewHub(ctx, &MemSeqStore{}, NewMemoryBuffer(10))
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}

	sub, err := hub.Subscribe(ctx, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	seq, err := hub.PublishCommit(ctx, CommitBody{Rev: "rev", Repo: "did:web:pds.example.com", Blobs: []string{}, Time: "now"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case evt := <-sub.Events():
		if evt.Seq != seq {
			t.Fatalf("expected seq %d, got %d", seq, evt.Seq)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for live event")
	}
	if sub.State() != StateLive {
		t.Fatalf("expected subscriber to be live")
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	ctx := context.Background()
	hub, err := NewHub(ctx, &MemSeqStore{}, NewMemoryBuffer(10))
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	sub, err := hub.Subscribe(ctx, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Flood past the subscriber's bounded channel without draining it.
	for i := 0; i < 100; i++ {
		if _, err := hub.PublishCommit(ctx, CommitBody{Rev: "rev", Repo: "did", Blobs: []string{}, Time: "now"}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if sub.State() != StateClosed {
		t.Fatalf("expected a slow subscriber to be dropped, got state %v", sub.State())
	}
}

func TestMemoryBufferRingEviction(t *testing.T) {
	ctx := context.Background()
	buf := NewMemoryBuffer(3)
	for i := int64(1); i <= 5; i++ {
		if err := buf.Append(ctx, Event{Seq: i, Raw: []byte("x")}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	all, err := buf.Since(ctx, 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(all) != 3 || all[0].Seq != 3 {
		t.Fatalf("expected ring to hold the last 3 entries starting at seq 3, got %+v", all)
	}
}

func TestRedisBufferAppendAndSince(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()
	hub, err := NewHub(ctx, &MemSeqStore{}, NewRedisBuffer(client, "firehose:test", 10))
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := hub.PublishCommit(ctx, CommitBody{Rev: "rev", Repo: "did", Blobs: []string{}, Time: "now"}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	buf := NewRedisBuffer(client, "firehose:test", 10)
	events, err := buf.Since(ctx, 1)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after cursor 1, got %d", len(events))
	}
}
