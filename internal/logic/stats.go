package logic

import "time"

// Stats counts published events and paces heartbeat reports.
type Stats struct {
	startTime     time.Time
	lastHeartbeat time.Time
	counts        EventCounts
}

// NewStats creates a Stats. The startTime is used for calculating uptime in
// heartbeat events.
func NewStats(startTime time.Time) *Stats {
	return &Stats{
		startTime:     startTime,
		lastHeartbeat: startTime,
	}
}

// Record counts an event.
func (s *Stats) Record(e Event) {
	switch e.Type {
	case EventOccupied:
		s.counts.Occupied++
	case EventVacant:
		s.counts.Vacant++
	case EventPress:
		s.counts.Presses++
	case EventRelease:
		s.counts.Releases++
	case EventRepeat:
		s.counts.Repeats++
	}
}

// Counts returns a copy of the event counts.
func (s *Stats) Counts() EventCounts {
	return s.counts
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if the interval has not elapsed,
// or if interval is <= 0 (disabled).
func (s *Stats) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}

	if now.Sub(s.lastHeartbeat) < interval {
		return nil
	}

	s.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(s.startTime),
		Counts:    s.counts,
	}
}
