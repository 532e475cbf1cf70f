package tid

import "testing"

type fakeClock struct{ micros int64 }

func (f *fakeClock) NowMicro() int64 { return f.micros }

func TestMonotonic(t *testing.T) {
	g := NewGenerator()
	prev := g.Generate()
	for i := 0; i < 1000; i++ {
		next := g.Generate()
		if next.String() <= prev.String() {
			t.Fatalf("not strictly increasing lexicographically: %s <= %s", next, prev)
		}
		if uint64(next) <= uint64(prev) {
			t.Fatalf("not strictly increasing numerically: %d <= %d", next, prev)
		}
		prev = next
	}
}

func TestClockRegression(t *testing.T) {
	clock := &fakeClock{micros: 1_000_000}
	g := NewGeneratorWithClock(clock)
	first := g.Generate()
	clock.micros = 500_000 // wall clock regresses
	second := g.Generate()
	if uint64(second) <= uint64(first) {
		t.Fatalf("expected monotonic increase despite clock regression")
	}
}

func TestRoundTrip(t *testing.T) {
	g := NewGenerator()
	v := g.Generate()
	s := v.String()
	if len(s) != 13 {
		t.Fatalf("expected 13 chars, got %d", len(s))
	}
	parsed, err := Parse(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != v {
		t.Fatalf("round trip mismatch: %d != %d", parsed, v)
	}
}

func TestToTimestamp(t *testing.T) {
	clock := &fakeClock{micros: 1_700_000_000_000_000}
	g := NewGeneratorWithClock(clock)
	v := g.Generate()
	if ToTimestamp(v) != clock.micros {
		t.Fatalf("expected timestamp %d, got %d", clock.micros, ToTimestamp(v))
	}
}

func TestIsWellFormed(t *testing.T) {
	if IsWellFormed("not-a-tid") {
		t.Fatalf("expected malformed TID to be rejected")
	}
	g := NewGenerator()
	if !IsWellFormed(g.Generate().String()) {
		t.Fatalf("expected generated TID to be well formed")
	}
}
