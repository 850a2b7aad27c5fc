package gpio

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/foosball-sensor/internal/clock"
)

// FakeRevision is the board revision reported by a FakePort by default
// (a Pi 3 Model B, which allows pins 2-27).
const FakeRevision Revision = 0xa02082

// PinWrite records a Write call on a FakePort.
type PinWrite struct {
	Pin   int
	Level Level
	Time  time.Time
}

// FakePort is a test double driven by a manual clock.
//
// WaitForEdge consumes edges scheduled with ScheduleEdges: if one falls
// within the timeout the clock jumps to it, otherwise the clock advances by
// the full timeout. Edges scheduled in the past are dropped, as a real wait
// only sees transitions that happen while it is blocked.
//
// Emit delivers a transition to the pin's subscriber synchronously.
// Watchdogs are scheduled on the clock and fire while it is advanced.
type FakePort struct {
	Clock *clock.Fake
	Rev   Revision

	// WaitError, if set, will be returned by WaitForEdge.
	WaitError error

	mu        sync.Mutex
	modes     map[int]Mode
	pulls     map[int]Pull
	levels    map[int]Level
	filters   map[int]time.Duration
	watchdogs map[int]*fakeWatchdog
	edges     map[int][]time.Time
	subs      map[int]*fakeSub
	writes    []PinWrite
	waits     int
}

type fakeWatchdog struct {
	period time.Duration
	timer  clock.Timer
}

type fakeSub struct {
	port *FakePort
	pin  int
	edge Edge
	fn   func(EdgeEvent)
}

// NewFakePort creates a FakePort on the given clock.
func NewFakePort(c *clock.Fake) *FakePort {
	return &FakePort{
		Clock:     c,
		Rev:       FakeRevision,
		modes:     make(map[int]Mode),
		pulls:     make(map[int]Pull),
		levels:    make(map[int]Level),
		filters:   make(map[int]time.Duration),
		watchdogs: make(map[int]*fakeWatchdog),
		edges:     make(map[int][]time.Time),
		subs:      make(map[int]*fakeSub),
	}
}

// SetMode records the pin mode.
func (f *FakePort) SetMode(pin int, mode Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes[pin] = mode
	return nil
}

// SetPull records the pin bias.
func (f *FakePort) SetPull(pin int, pull Pull) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls[pin] = pull
	return nil
}

// Write records the write and updates the pin level.
func (f *FakePort) Write(pin int, level Level) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels[pin] = level
	f.writes = append(f.writes, PinWrite{Pin: pin, Level: level, Time: f.Clock.Now()})
	return nil
}

// Read returns the last level written or emitted on pin.
func (f *FakePort) Read(pin int) (Level, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[pin], nil
}

// ScheduleEdges queues rising edges on pin at the given times.
func (f *FakePort) ScheduleEdges(pin int, at ...time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := append(f.edges[pin], at...)
	sort.Slice(q, func(i, j int) bool { return q[i].Before(q[j]) })
	f.edges[pin] = q
}

// WaitForEdge simulates a blocking wait on the fake clock.
func (f *FakePort) WaitForEdge(pin int, edge Edge, timeout time.Duration) (bool, error) {
	if f.WaitError != nil {
		return false, f.WaitError
	}
	now := f.Clock.Now()
	deadline := now.Add(timeout)

	f.mu.Lock()
	f.waits++
	q := f.edges[pin]
	for len(q) > 0 && q[0].Before(now) {
		q = q[1:]
	}
	var at time.Time
	hit := len(q) > 0 && !q[0].After(deadline)
	if hit {
		at = q[0]
		q = q[1:]
		f.levels[pin] = High
	}
	f.edges[pin] = q
	f.mu.Unlock()

	if hit {
		f.Clock.AdvanceTo(at)
		return true, nil
	}
	f.Clock.AdvanceTo(deadline)
	return false, nil
}

// Subscribe registers fn for edges on pin, replacing any previous subscriber.
func (f *FakePort) Subscribe(pin int, edge Edge, fn func(EdgeEvent)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSub{port: f, pin: pin, edge: edge, fn: fn}
	f.subs[pin] = s
	return s, nil
}

func (s *fakeSub) Cancel() error {
	f := s.port
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[s.pin] == s {
		delete(f.subs, s.pin)
	}
	return nil
}

// SetGlitchFilter records the filter duration.
func (f *FakePort) SetGlitchFilter(pin int, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d == 0 {
		delete(f.filters, pin)
		return nil
	}
	f.filters[pin] = d
	return nil
}

// SetWatchdog arms a repeating watchdog on the fake clock.
func (f *FakePort) SetWatchdog(pin int, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopWatchdogLocked(pin)
	if d > 0 {
		f.armWatchdogLocked(pin, d)
	}
	return nil
}

func (f *FakePort) stopWatchdogLocked(pin int) {
	if wd, ok := f.watchdogs[pin]; ok {
		wd.timer.Stop()
		delete(f.watchdogs, pin)
	}
}

func (f *FakePort) armWatchdogLocked(pin int, d time.Duration) {
	wd := &fakeWatchdog{period: d}
	wd.timer = f.Clock.AfterFunc(d, func() { f.fireWatchdog(pin, wd) })
	f.watchdogs[pin] = wd
}

func (f *FakePort) fireWatchdog(pin int, wd *fakeWatchdog) {
	f.mu.Lock()
	if f.watchdogs[pin] != wd {
		f.mu.Unlock()
		return
	}
	f.armWatchdogLocked(pin, wd.period)
	sub := f.subs[pin]
	ev := EdgeEvent{Pin: pin, Level: f.levels[pin], Timeout: true, Time: f.Clock.Now()}
	f.mu.Unlock()

	if sub != nil {
		sub.fn(ev)
	}
}

// Emit simulates a level change on pin, delivering it to the subscriber if
// the edge matches. An armed watchdog restarts its period.
func (f *FakePort) Emit(pin int, level Level) {
	f.mu.Lock()
	f.levels[pin] = level
	if wd, ok := f.watchdogs[pin]; ok {
		f.stopWatchdogLocked(pin)
		f.armWatchdogLocked(pin, wd.period)
	}
	sub := f.subs[pin]
	ev := EdgeEvent{Pin: pin, Level: level, Time: f.Clock.Now()}
	f.mu.Unlock()

	if sub != nil && sub.edge.Matches(level) {
		sub.fn(ev)
	}
}

// Now returns the fake clock time.
func (f *FakePort) Now() time.Time {
	return f.Clock.Now()
}

// Revision returns Rev.
func (f *FakePort) Revision() Revision {
	return f.Rev
}

// Mode returns the recorded mode of pin.
func (f *FakePort) Mode(pin int) (Mode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.modes[pin]
	return m, ok
}

// Pull returns the recorded bias of pin.
func (f *FakePort) Pull(pin int) Pull {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls[pin]
}

// GlitchFilter returns the glitch filter on pin, zero if none.
func (f *FakePort) GlitchFilter(pin int) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters[pin]
}

// Watchdog returns the armed watchdog period on pin, zero if none.
func (f *FakePort) Watchdog(pin int) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if wd, ok := f.watchdogs[pin]; ok {
		return wd.period
	}
	return 0
}

// Subscribed reports whether pin has an active subscriber.
func (f *FakePort) Subscribed(pin int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[pin]
	return ok
}

// Writes returns the levels written to pin, in order.
func (f *FakePort) Writes(pin int) []Level {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Level
	for _, w := range f.writes {
		if w.Pin == pin {
			out = append(out, w.Level)
		}
	}
	return out
}

// Waits returns the number of WaitForEdge calls.
func (f *FakePort) Waits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waits
}
