package pool

import (
	"fmt"
	"testing"
	"time"
)

func TestPoolAddReleaseGetRemoveStats(t *testing.T) {
	p := New[string](Config{MaxConnections: 10, TTL: time.Minute, MaxAge: time.Hour, EnableReuse: true})

	p.Add("peer-1", "conn-1")
	p.Add("peer-2", "conn-2")

	if got := p.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	if got := p.InUseCount(); got != 2 {
		t.Fatalf("InUseCount() = %d, want 2", got)
	}

	p.Release("peer-1")
	p.Release("peer-2")
	if got := p.InUseCount(); got != 0 {
		t.Fatalf("InUseCount() after release = %d, want 0", got)
	}
	if got := p.Len(); got != 2 {
		t.Fatalf("Len() after release = %d, want 2", got)
	}

	conn, ok := p.Get("peer-1")
	if !ok || conn != "conn-1" {
		t.Fatalf("Get(peer-1) = (%v, %v), want (conn-1, true)", conn, ok)
	}
	if got := p.InUseCount(); got != 1 {
		t.Fatalf("InUseCount() after get = %d, want 1", got)
	}

	p.Remove("peer-1")
	if got := p.Len(); got != 1 {
		t.Fatalf("Len() after remove = %d, want 1", got)
	}
	if got := p.InUseCount(); got != 0 {
		t.Fatalf("InUseCount() after remove = %d, want 0", got)
	}

	stats := p.Stats()
	if stats.TotalConnections != 1 || stats.InUseConnections != 0 || stats.IdleConnections != 1 ||
		stats.Peers != 1 || stats.InUsePeers != 0 {
		t.Fatalf("Stats() = %+v, unexpected", stats)
	}
}

func TestGetReturnsFalseWhenReuseDisabled(t *testing.T) {
	p := New[string](Config{MaxConnections: 10, TTL: time.Minute, MaxAge: time.Hour, EnableReuse: false})
	p.Add("peer-1", "conn-1")
	p.Release("peer-1")

	if _, ok := p.Get("peer-1"); ok {
		t.Fatalf("expected Get to fail when reuse disabled")
	}
}

func TestGetSkipsExpiredIdleConnection(t *testing.T) {
	fakeNow := time.Now()
	p := New[string](Config{MaxConnections: 10, TTL: 10 * time.Millisecond, MaxAge: time.Hour, EnableReuse: true})
	p.now = func() time.Time { return fakeNow }

	p.Add("peer-1", "conn-1")
	p.Release("peer-1")

	fakeNow = fakeNow.Add(time.Second)
	if _, ok := p.Get("peer-1"); ok {
		t.Fatalf("expected expired idle connection to be skipped")
	}
}

// TestPoolNeverExceedsMaxConnections implements the "pool never exceeds
// max_connections across any sequence of add/release/prune calls"
// property from the specification.
func TestPoolNeverExceedsMaxConnections(t *testing.T) {
	const max = 5
	p := New[string](Config{MaxConnections: max, TTL: time.Hour, MaxAge: time.Hour, EnableReuse: true})

	for i := 0; i < 50; i++ {
		peer := fmt.Sprintf("peer-%d", i)
		p.Add(peer, fmt.Sprintf("conn-%d", i))
		if i%2 == 0 {
			p.Release(peer)
		}
		if got := p.Len(); got > max {
			t.Fatalf("after add %d: Len() = %d, exceeds max %d", i, got, max)
		}
	}

	p.Prune()
	if got := p.Len(); got > max {
		t.Fatalf("after explicit prune: Len() = %d, exceeds max %d", got, max)
	}
}

func TestInUseConnectionsSurvivePrune(t *testing.T) {
	p := New[string](Config{MaxConnections: 1, TTL: time.Hour, MaxAge: time.Hour, EnableReuse: true})

	p.Add("kept-in-use", "conn-a")
	for i := 0; i < 10; i++ {
		p.Add(fmt.Sprintf("idle-%d", i), fmt.Sprintf("conn-%d", i))
		p.Release(fmt.Sprintf("idle-%d", i))
	}

	p.Prune()
	if _, ok := p.Get("kept-in-use"); ok {
		t.Fatalf("in-use connection should not be retrievable via Get while still marked in-use")
	}
	// The in-use connection must still be present (not evicted), even
	// though idle ones above the cap were.
	if got := p.InUseCount(); got != 1 {
		t.Fatalf("InUseCount() = %d, want 1 (the never-released peer)", got)
	}
}
