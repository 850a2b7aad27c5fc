//go:build linux

package gpio

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// Chip drives GPIO lines through the Linux GPIO character device.
// Lines are requested lazily on first use. Input lines are always requested
// with edge detection on both edges so they can be waited on or subscribed to.
//
// Closing an input request waits for its gpiocdev event watcher, so the
// watcher never takes mu and never runs subscriber code: it records the edge
// under evMu and queues it for the line's delivery goroutine, which calls the
// subscriber. Watchdog timeouts go through the same queue.
type Chip struct {
	chip *gpiocdev.Chip
	rev  Revision

	mu    sync.Mutex
	lines map[int]*chipLine

	evMu sync.Mutex
}

type chipLine struct {
	pin int

	// Guarded by Chip.mu
	req      *gpiocdev.Line
	mode     Mode
	pull     Pull
	debounce time.Duration

	// Never replaced
	waiters chan EdgeEvent
	events  chan EdgeEvent
	quit    chan struct{}

	// Guarded by Chip.evMu
	sub      *chipSub
	last     Level
	watchdog *chipWatchdog
}

type chipWatchdog struct {
	period time.Duration
	timer  *time.Timer
}

type chipSub struct {
	chip *Chip
	line *chipLine
	edge Edge
	fn   func(EdgeEvent)
}

// NewChip opens the named GPIO chip (e.g. "gpiochip0") and reads the board
// revision from /proc/cpuinfo.
func NewChip(name string) (*Chip, error) {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return nil, fmt.Errorf("read cpuinfo: %w", err)
	}
	rev, err := ParseRevision(string(data))
	if err != nil {
		return nil, fmt.Errorf("board revision: %w", err)
	}

	chip, err := gpiocdev.NewChip(name)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	return &Chip{
		chip:  chip,
		rev:   rev,
		lines: make(map[int]*chipLine),
	}, nil
}

// SetMode requests pin as an input or an output (driven low).
func (c *Chip) SetMode(pin int, mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lineLocked(pin)
	if l.req != nil && l.mode == mode {
		return nil
	}
	l.mode = mode
	return c.requestLocked(l)
}

// SetPull sets the bias of pin, requesting it as an input if necessary.
// Edge-enabled lines cannot be reconfigured on every kernel, so the line is
// requested again with the new bias.
func (c *Chip) SetPull(pin int, pull Pull) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lineLocked(pin)
	if l.req != nil && l.pull == pull {
		return nil
	}
	l.pull = pull
	if l.req == nil {
		l.mode = Input
	}
	if err := c.requestLocked(l); err != nil {
		return fmt.Errorf("set pull on pin %d: %w", pin, err)
	}
	return nil
}

// Write drives pin, requesting it as an output if necessary.
func (c *Chip) Write(pin int, level Level) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lineLocked(pin)
	if l.req == nil || l.mode != Output {
		l.mode = Output
		if err := c.requestLocked(l); err != nil {
			return err
		}
	}
	if err := l.req.SetValue(int(level)); err != nil {
		return fmt.Errorf("write pin %d: %w", pin, err)
	}
	return nil
}

// Read returns the current level of pin. Unrequested pins are requested as
// inputs with their configured pull; outputs read back their driven level.
func (c *Chip) Read(pin int) (Level, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lineLocked(pin)
	if l.req == nil {
		if _, err := c.inputLocked(pin); err != nil {
			return Low, err
		}
	}
	v, err := l.req.Value()
	if err != nil {
		return Low, fmt.Errorf("read pin %d: %w", pin, err)
	}
	return Level(v), nil
}

// WaitForEdge blocks until an edge of the given kind arrives on pin or
// timeout elapses. Edges that arrived before the call are discarded.
func (c *Chip) WaitForEdge(pin int, edge Edge, timeout time.Duration) (bool, error) {
	c.mu.Lock()
	l, err := c.inputLocked(pin)
	c.mu.Unlock()
	if err != nil {
		return false, err
	}

	for drained := false; !drained; {
		select {
		case <-l.waiters:
		default:
			drained = true
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-l.waiters:
			if edge.Matches(ev.Level) {
				return true, nil
			}
		case <-timer.C:
			return false, nil
		}
	}
}

// Subscribe registers fn for edges on pin, replacing any previous subscriber.
func (c *Chip) Subscribe(pin int, edge Edge, fn func(EdgeEvent)) (Subscription, error) {
	c.mu.Lock()
	l, err := c.inputLocked(pin)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s := &chipSub{chip: c, line: l, edge: edge, fn: fn}
	c.evMu.Lock()
	l.sub = s
	c.evMu.Unlock()
	return s, nil
}

func (s *chipSub) Cancel() error {
	s.chip.evMu.Lock()
	defer s.chip.evMu.Unlock()
	if s.line.sub == s {
		s.line.sub = nil
	}
	return nil
}

// SetGlitchFilter maps onto the kernel line debounce. The line is requested
// again with the new period.
func (c *Chip) SetGlitchFilter(pin int, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, err := c.inputLocked(pin)
	if err != nil {
		return err
	}
	if l.debounce == d {
		return nil
	}
	l.debounce = d
	if err := c.requestLocked(l); err != nil {
		return fmt.Errorf("set debounce on pin %d: %w", pin, err)
	}
	return nil
}

// SetWatchdog arms a software watchdog on pin. The kernel has no equivalent,
// so a timer restarted by every edge stands in for it.
func (c *Chip) SetWatchdog(pin int, d time.Duration) error {
	c.mu.Lock()
	l := c.lineLocked(pin)
	c.mu.Unlock()

	c.evMu.Lock()
	defer c.evMu.Unlock()
	c.stopWatchdogLocked(l)
	if d > 0 {
		c.armWatchdogLocked(l, d)
	}
	return nil
}

// Now returns the wall clock time.
func (c *Chip) Now() time.Time {
	return time.Now()
}

// Revision returns the board revision read at construction.
func (c *Chip) Revision() Revision {
	return c.rev
}

// Close releases GPIO resources. Outputs are returned to inputs with
// pull-down (matching Pi boot defaults) before closing to leave a clean state
// for shutdown or reboot.
func (c *Chip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for pin, l := range c.lines {
		c.evMu.Lock()
		c.stopWatchdogLocked(l)
		l.sub = nil
		c.evMu.Unlock()
		close(l.quit)

		if l.req == nil {
			continue
		}
		if l.mode == Output {
			if err := l.req.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
				errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", pin, err))
			}
		}
		if err := l.req.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
		l.req = nil
	}
	c.lines = make(map[int]*chipLine)
	if c.chip != nil {
		if err := c.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Chip) lineLocked(pin int) *chipLine {
	l, ok := c.lines[pin]
	if !ok {
		l = &chipLine{
			pin:     pin,
			waiters: make(chan EdgeEvent, 16),
			events:  make(chan EdgeEvent, 64),
			quit:    make(chan struct{}),
		}
		c.lines[pin] = l
		go c.deliver(l)
	}
	return l
}

func (c *Chip) inputLocked(pin int) (*chipLine, error) {
	l := c.lineLocked(pin)
	if l.req != nil && l.mode == Input {
		return l, nil
	}
	l.mode = Input
	if err := c.requestLocked(l); err != nil {
		return nil, err
	}
	return l, nil
}

// requestLocked (re)requests the line with its current configuration.
// Closing the previous request waits for its event watcher; dispatch does
// not take c.mu, so this is safe with c.mu held.
func (c *Chip) requestLocked(l *chipLine) error {
	if err := CheckPin(c.rev, l.pin); err != nil {
		return err
	}
	if l.req != nil {
		if err := l.req.Close(); err != nil {
			return fmt.Errorf("release pin %d: %w", l.pin, err)
		}
		l.req = nil
	}

	var opts []gpiocdev.LineReqOption
	if l.mode == Output {
		opts = append(opts, gpiocdev.AsOutput(0))
	} else {
		opts = append(opts,
			gpiocdev.AsInput,
			biasOption(l.pull),
			gpiocdev.WithBothEdges,
			gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) { c.dispatch(l, evt) }),
		)
		if l.debounce > 0 {
			opts = append(opts, gpiocdev.WithDebounce(l.debounce))
		}
	}

	req, err := c.chip.RequestLine(l.pin, opts...)
	if err != nil {
		return fmt.Errorf("request pin %d: %w", l.pin, err)
	}
	l.req = req
	return nil
}

// dispatch runs on the gpiocdev watcher goroutine. It must not block: it
// neither takes c.mu nor calls the subscriber.
func (c *Chip) dispatch(l *chipLine, evt gpiocdev.LineEvent) {
	level := Low
	if evt.Type == gpiocdev.LineEventRisingEdge {
		level = High
	}
	ev := EdgeEvent{Pin: l.pin, Level: level, Time: time.Now()}

	c.evMu.Lock()
	l.last = level
	if wd := l.watchdog; wd != nil {
		c.stopWatchdogLocked(l)
		c.armWatchdogLocked(l, wd.period)
	}
	select {
	case l.waiters <- ev:
	default:
	}
	c.queueLocked(l, ev)
	c.evMu.Unlock()
}

// queueLocked hands ev to the delivery goroutine, dropping it if the
// subscriber is that far behind.
func (c *Chip) queueLocked(l *chipLine, ev EdgeEvent) {
	if l.sub == nil {
		return
	}
	select {
	case l.events <- ev:
	default:
	}
}

// deliver calls the line's subscriber, one event at a time, until the chip
// is closed.
func (c *Chip) deliver(l *chipLine) {
	for {
		select {
		case ev := <-l.events:
			c.evMu.Lock()
			sub := l.sub
			c.evMu.Unlock()
			if sub != nil && (ev.Timeout || sub.edge.Matches(ev.Level)) {
				sub.fn(ev)
			}
		case <-l.quit:
			return
		}
	}
}

func (c *Chip) stopWatchdogLocked(l *chipLine) {
	if l.watchdog != nil {
		l.watchdog.timer.Stop()
		l.watchdog = nil
	}
}

func (c *Chip) armWatchdogLocked(l *chipLine, d time.Duration) {
	wd := &chipWatchdog{period: d}
	wd.timer = time.AfterFunc(d, func() { c.fireWatchdog(l, wd) })
	l.watchdog = wd
}

func (c *Chip) fireWatchdog(l *chipLine, wd *chipWatchdog) {
	c.evMu.Lock()
	if l.watchdog != wd {
		c.evMu.Unlock()
		return
	}
	c.armWatchdogLocked(l, wd.period)
	c.queueLocked(l, EdgeEvent{Pin: l.pin, Level: l.last, Timeout: true, Time: time.Now()})
	c.evMu.Unlock()
}

func biasOption(p Pull) gpiocdev.LineBias {
	switch p {
	case PullUp:
		return gpiocdev.WithPullUp
	case PullDown:
		return gpiocdev.WithPullDown
	default:
		return gpiocdev.WithBiasDisabled
	}
}
