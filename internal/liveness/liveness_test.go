package liveness

import (
	"sync"
	"testing"
	"time"
)

func TestBeatExpiresAfterLimit(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRecord(start, DefaultLimit)

	if r.Beat(start.Add(120 * time.Second)) {
		t.Error("exactly at the limit should not expire")
	}
	if !r.Beat(start.Add(120*time.Second + time.Millisecond)) {
		t.Error("past the limit should expire")
	}
	if !r.Self().Equal(start.Add(120*time.Second + time.Millisecond)) {
		t.Errorf("Self: got %v", r.Self())
	}
}

func TestSetPeerExtends(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRecord(start, DefaultLimit)

	r.SetPeer(start.Add(60 * time.Second))
	if r.Beat(start.Add(150 * time.Second)) {
		t.Error("peer heartbeat at 60s should keep the worker alive at 150s")
	}

	// Out of order heartbeats do not move the peer backwards
	r.SetPeer(start.Add(10 * time.Second))
	if !r.Peer().Equal(start.Add(60 * time.Second)) {
		t.Errorf("Peer: got %v, want +60s", r.Peer())
	}
}

func TestBeatDisabled(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRecord(start, 0)

	if r.Beat(start.Add(24 * time.Hour)) {
		t.Error("disabled record should never expire")
	}
}

func TestStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if Stale(now, now.Add(-time.Minute), time.Minute) {
		t.Error("exactly max should not be stale")
	}
	if !Stale(now, now.Add(-time.Minute-time.Second), time.Minute) {
		t.Error("past max should be stale")
	}
}

func TestRecordConcurrentAccess(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRecord(start, DefaultLimit)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.SetPeer(start.Add(time.Duration(i) * time.Second))
		}(i)
		go func(i int) {
			defer wg.Done()
			r.Beat(start.Add(time.Duration(i) * time.Second))
			_ = r.Self()
		}(i)
	}
	wg.Wait()

	if !r.Peer().Equal(start.Add(9 * time.Second)) {
		t.Errorf("Peer: got %v, want +9s", r.Peer())
	}
}
