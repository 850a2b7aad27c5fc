package logic

import "time"

// MoveCounter counts sensor triggers that arrive close enough together to be
// treated as one burst of activity. A gap longer than ResetAfter since the
// last recorded trigger starts a new burst.
type MoveCounter struct {
	Threshold  uint32
	ResetAfter time.Duration

	count uint32
	last  time.Time
}

// NewMoveCounter creates a counter that reports the threshold once
// threshold triggers arrive with no gap longer than resetAfter.
func NewMoveCounter(threshold uint32, resetAfter time.Duration) *MoveCounter {
	return &MoveCounter{Threshold: threshold, ResetAfter: resetAfter}
}

// Record registers a trigger at now. It returns the burst length and whether
// it has reached the threshold.
func (m *MoveCounter) Record(now time.Time) (uint32, bool) {
	if m.last.IsZero() || now.Sub(m.last) > m.ResetAfter {
		m.count = 0
	}
	m.count++
	m.last = now
	return m.count, m.count >= m.Threshold
}

// Add counts a trigger without touching the burst window.
func (m *MoveCounter) Add() uint32 {
	m.count++
	return m.count
}

// Count returns the current burst length.
func (m *MoveCounter) Count() uint32 {
	return m.count
}

// Last returns the time of the last recorded trigger.
func (m *MoveCounter) Last() time.Time {
	return m.last
}

// SinceLatest returns the time elapsed between the most recent of marks and
// now. Zero marks are ignored; if all are zero the result is the time since
// the zero time.
func SinceLatest(now time.Time, marks ...time.Time) time.Duration {
	var latest time.Time
	for _, m := range marks {
		if m.After(latest) {
			latest = m
		}
	}
	return now.Sub(latest)
}

// WithinWindow reports whether now falls no later than window after prev.
// A non-positive window or a zero prev never matches.
func WithinWindow(prev, now time.Time, window time.Duration) bool {
	if window <= 0 || prev.IsZero() {
		return false
	}
	return now.Sub(prev) <= window
}

// HeldAtLeast reports whether the interval from press to release is at least
// threshold. A non-positive threshold never matches.
func HeldAtLeast(press, release time.Time, threshold time.Duration) bool {
	if threshold <= 0 || press.IsZero() {
		return false
	}
	return release.Sub(press) >= threshold
}
