// Package liveness implements the heartbeat exchange between a worker and
// the process coordinating it. The worker stamps its own heartbeat on every
// loop iteration and consumes the coordinator's; if the coordinator has been
// silent for longer than the limit the worker stops itself.
package liveness

import (
	"sync"
	"time"
)

// DefaultLimit is how long a worker keeps running without hearing from its
// coordinator.
const DefaultLimit = 120 * time.Second

// Record holds a worker's own heartbeat and the last heartbeat pushed by the
// coordinator. It is safe for concurrent use.
type Record struct {
	mu    sync.Mutex
	limit time.Duration
	self  time.Time
	peer  time.Time
}

// NewRecord creates a Record whose peer heartbeat starts at now. A
// non-positive limit disables expiry.
func NewRecord(now time.Time, limit time.Duration) *Record {
	return &Record{limit: limit, self: now, peer: now}
}

// Beat stamps the worker's heartbeat and reports whether the coordinator's
// heartbeat is older than the limit.
func (r *Record) Beat(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self = now
	return r.limit > 0 && now.Sub(r.peer) > r.limit
}

// SetPeer records a coordinator heartbeat. Older timestamps are ignored.
func (r *Record) SetPeer(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.After(r.peer) {
		r.peer = t
	}
}

// Self returns the worker's last heartbeat.
func (r *Record) Self() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self
}

// Peer returns the coordinator's last heartbeat.
func (r *Record) Peer() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer
}

// Stale reports whether last is more than max before now.
func Stale(now, last time.Time, max time.Duration) bool {
	return now.Sub(last) > max
}
