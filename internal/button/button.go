// Package button turns raw edges from a push button into classified events:
// press and release, auto-repeat while held, double clicks and long clicks.
package button

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/foosball-sensor/internal/gpio"
	"github.com/sweeney/foosball-sensor/internal/liveness"
	"github.com/sweeney/foosball-sensor/internal/logic"
	"github.com/sweeney/foosball-sensor/internal/telemetry"
)

// ErrNotActive is returned by Deactivate when the button is not listening.
var ErrNotActive = errors.New("button: not active")

// Defaults used when double and long clicks are enabled without a value.
const (
	DefaultDoubleClick = 300 * time.Millisecond
	DefaultLongClick   = 1500 * time.Millisecond
)

// Kind classifies an event.
type Kind int

const (
	Single Kind = iota
	Repeat
	Double
	Long
)

func (k Kind) String() string {
	switch k {
	case Repeat:
		return "REPEAT"
	case Double:
		return "DOUBLE"
	case Long:
		return "LONG"
	default:
		return "SINGLE"
	}
}

// Event is passed to the Handler.
type Event struct {
	Pin     int
	Pressed bool
	Time    time.Time
	Kind    Kind
	// Number of the repeat, counting from 1, for Repeat events
	Repeat int
	// Extra values supplied with WithArgs
	Args []any
}

// Handler receives classified events. It runs with the button's state
// unlocked and may call Pressed and CancelRepeat on any button.
type Handler func(Event)

// Config holds the button timings.
type Config struct {
	// Level the pin reads while the button is held. Low selects a pull-up.
	PushLevel gpio.Level
	// Glitch filter applied to the pin
	Debounce time.Duration
	// Hold time before the first repeat
	RepeatDelay time.Duration
	// Time between later repeats
	RepeatInterval time.Duration
	// Edges this soon after activation are discarded
	StartupGuard time.Duration
	// Maximum gap between presses for a double click; 0 disables
	DoubleClick time.Duration
	// Minimum hold for a long click; 0 disables
	LongClick     time.Duration
	LivenessLimit time.Duration
}

// DefaultConfig returns the timings for the table's buttons, which pull the
// pin low when pressed.
func DefaultConfig() Config {
	return Config{
		PushLevel:      gpio.Low,
		Debounce:       50 * time.Millisecond,
		RepeatDelay:    time.Second,
		RepeatInterval: 200 * time.Millisecond,
		StartupGuard:   2 * time.Second,
		LivenessLimit:  liveness.DefaultLimit,
	}
}

type signal int

const (
	sigReleased signal = iota
	sigPressed
	sigRepeatTick
)

type repeatPhase int

const (
	phaseIdle repeatPhase = iota
	phaseInitial
	phaseRepeating
)

// Option configures a Button.
type Option func(*Button)

// WithLogger sets the logger. The default discards output.
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Button) { b.log = l }
}

// WithSink sets the metrics sink.
func WithSink(s telemetry.Sink) Option {
	return func(b *Button) { b.sink = s }
}

// WithName names the button in logs and metrics.
func WithName(name string) Option {
	return func(b *Button) { b.name = name }
}

// WithArgs attaches values passed back in every Event.
func WithArgs(args ...any) Option {
	return func(b *Button) { b.args = args }
}

// Button classifies edges on one input pin.
type Button struct {
	port    gpio.Port
	pin     int
	cfg     Config
	pull    gpio.Pull
	handler Handler
	name    string
	args    []any
	log     logrus.FieldLogger
	sink    telemetry.Sink
	life    *liveness.Record

	// emitMu serialises classification and handler calls so events reach
	// the handler in edge order.
	emitMu sync.Mutex

	mu          sync.Mutex
	sub         gpio.Subscription
	activatedAt time.Time
	pressed     bool
	lastPress   time.Time
	lastRelease time.Time
	phase       repeatPhase
	repeats     int
	// Mirror output; negative when inverted
	mirror      int
	doubleClick time.Duration
	longClick   time.Duration
}

// New validates pin, configures it as an input and starts listening.
func New(port gpio.Port, pin int, cfg Config, handler Handler, opts ...Option) (*Button, error) {
	if err := gpio.CheckPin(port.Revision(), pin); err != nil {
		return nil, fmt.Errorf("button pin: %w", err)
	}

	b := &Button{
		port:        port,
		pin:         pin,
		cfg:         cfg,
		pull:        gpio.PullDown,
		handler:     handler,
		name:        fmt.Sprintf("gpio%d", pin),
		sink:        telemetry.Nop{},
		doubleClick: cfg.DoubleClick,
		longClick:   cfg.LongClick,
	}
	if cfg.PushLevel == gpio.Low {
		b.pull = gpio.PullUp
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		b.log = l
	}
	b.log = b.log.WithFields(logrus.Fields{"component": "button", "button": b.name, "pin": pin})
	b.life = liveness.NewRecord(port.Now(), cfg.LivenessLimit)

	if err := b.Activate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Activate configures the pin and subscribes to both edges. It does nothing
// if the button is already active.
func (b *Button) Activate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return nil
	}

	if err := b.port.SetMode(b.pin, gpio.Input); err != nil {
		return fmt.Errorf("configure button pin %d: %w", b.pin, err)
	}
	if err := b.port.SetPull(b.pin, b.pull); err != nil {
		return fmt.Errorf("configure button pin %d: %w", b.pin, err)
	}
	sub, err := b.port.Subscribe(b.pin, gpio.BothEdges, b.onEdge)
	if err != nil {
		return fmt.Errorf("subscribe button pin %d: %w", b.pin, err)
	}
	if err := b.port.SetGlitchFilter(b.pin, b.cfg.Debounce); err != nil {
		_ = sub.Cancel()
		return fmt.Errorf("glitch filter on pin %d: %w", b.pin, err)
	}

	now := b.port.Now()
	b.sub = sub
	b.activatedAt = now
	b.life.SetPeer(now)
	b.log.Debug("button active")
	return nil
}

// Deactivate stops listening. The pin stays an input and the button counts
// as released; no event is sent for a hold cut short.
func (b *Button) Deactivate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		return ErrNotActive
	}
	sub := b.sub
	b.sub = nil
	b.pressed = false
	b.phase = phaseIdle
	b.repeats = 0

	var errs []error
	if err := b.port.SetWatchdog(b.pin, 0); err != nil {
		errs = append(errs, err)
	}
	if err := b.port.SetGlitchFilter(b.pin, 0); err != nil {
		errs = append(errs, err)
	}
	if err := sub.Cancel(); err != nil {
		errs = append(errs, err)
	}
	b.log.Debug("button inactive")
	return errors.Join(errs...)
}

// Active reports whether the button is listening.
func (b *Button) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sub != nil
}

// Pin returns the input pin.
func (b *Button) Pin() int { return b.pin }

// Name returns the button name.
func (b *Button) Name() string { return b.name }

// Pressed reports whether the button is held.
func (b *Button) Pressed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pressed
}

// SetDoubleClick sets the double click window. 0 disables double clicks.
func (b *Button) SetDoubleClick(window time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.doubleClick = window
}

// SetLongClick sets the long click threshold. 0 disables long clicks.
func (b *Button) SetLongClick(threshold time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.longClick = threshold
}

// EnableMirror copies the raw pin level to out, inverted if invert is set.
// A previous mirror output is returned to input.
func (b *Button) EnableMirror(out int, invert bool) error {
	if out == b.pin {
		return fmt.Errorf("mirror pin %d is the button pin: %w", out, gpio.ErrInvalidPin)
	}
	if err := gpio.CheckPin(b.port.Revision(), out); err != nil {
		return fmt.Errorf("mirror pin: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.releaseMirrorLocked(); err != nil {
		return err
	}
	if err := b.port.SetMode(out, gpio.Output); err != nil {
		return fmt.Errorf("configure mirror pin %d: %w", out, err)
	}
	b.mirror = out
	if invert {
		b.mirror = -out
	}
	b.writeMirrorLocked(b.cfg.PushLevel.Invert())
	return nil
}

// DisableMirror stops mirroring and returns the output to input.
func (b *Button) DisableMirror() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.releaseMirrorLocked()
}

func (b *Button) releaseMirrorLocked() error {
	if b.mirror == 0 {
		return nil
	}
	pin := abs(b.mirror)
	b.mirror = 0
	if err := b.port.SetMode(pin, gpio.Input); err != nil {
		return fmt.Errorf("release mirror pin %d: %w", pin, err)
	}
	return nil
}

func (b *Button) writeMirrorLocked(level gpio.Level) {
	if b.mirror == 0 {
		return
	}
	pin := b.mirror
	if pin < 0 {
		pin = -pin
		level = level.Invert()
	}
	if err := b.port.Write(pin, level); err != nil {
		b.log.WithError(err).Warn("mirror write failed")
	}
}

// CancelRepeat stops auto-repeat until the next press.
func (b *Button) CancelRepeat() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = phaseIdle
	if err := b.port.SetWatchdog(b.pin, 0); err != nil {
		b.log.WithError(err).Warn("cancel repeat failed")
	}
}

// Trigger sends the handler an event as if the button had changed state,
// without touching the button's own state.
func (b *Button) Trigger(pressed bool) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	b.emit(Event{Pin: b.pin, Pressed: pressed, Time: b.port.Now(), Kind: Single, Args: b.args})
}

// Heartbeat records a coordinator heartbeat.
func (b *Button) Heartbeat(at time.Time) { b.life.SetPeer(at) }

// LastBeat returns the time of the last edge or repeat tick handled.
func (b *Button) LastBeat() time.Time { return b.life.Self() }

func (b *Button) onEdge(ev gpio.EdgeEvent) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	out, ok, expired := b.classify(ev)
	if ok {
		b.emit(out)
	}
	if expired {
		b.log.WithField("peer_heartbeat", b.life.Peer()).Warn("coordinator heartbeat too faint, deactivating")
		b.sink.LivenessExpired("button:" + b.name)
		if err := b.Deactivate(); err != nil && !errors.Is(err, ErrNotActive) {
			b.log.WithError(err).Warn("deactivate failed")
		}
	}
}

// classify updates the state for one callback and returns the event to emit,
// if any, and whether the coordinator heartbeat has expired. A button held
// when the heartbeat expires is released so the hold is always closed.
func (b *Button) classify(ev gpio.EdgeEvent) (Event, bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub == nil {
		return Event{}, false, false
	}
	if !ev.Timeout {
		b.writeMirrorLocked(ev.Level)
	}
	if b.life.Beat(ev.Time) {
		if !b.pressed {
			return Event{}, false, true
		}
		return b.releaseLocked(ev.Time), true, true
	}

	sig := sigRepeatTick
	if !ev.Timeout {
		if ev.Time.Sub(b.activatedAt) < b.cfg.StartupGuard {
			b.log.WithField("level", ev.Level).Debug("ignoring edge during startup")
			return Event{}, false, false
		}
		sig = sigReleased
		if ev.Level == b.cfg.PushLevel {
			sig = sigPressed
		}
	}

	out := Event{Pin: b.pin, Time: ev.Time, Kind: Single, Args: b.args}
	switch sig {
	case sigReleased:
		out = b.releaseLocked(ev.Time)

	case sigPressed:
		out.Pressed = true
		if logic.WithinWindow(b.lastPress, ev.Time, b.doubleClick) {
			out.Kind = Double
		}
		b.pressed = true
		b.lastPress = ev.Time
		b.phase = phaseInitial
		b.repeats = 0
		b.setWatchdogLocked(b.cfg.RepeatDelay)

	case sigRepeatTick:
		if !b.pressed || b.phase == phaseIdle {
			return Event{}, false, false
		}
		if b.phase == phaseInitial {
			b.phase = phaseRepeating
			b.setWatchdogLocked(b.cfg.RepeatInterval)
		}
		b.repeats++
		out.Pressed = true
		out.Kind = Repeat
		out.Repeat = b.repeats
	}
	return out, true, false
}

func (b *Button) releaseLocked(at time.Time) Event {
	out := Event{Pin: b.pin, Time: at, Kind: Single, Args: b.args}
	if logic.HeldAtLeast(b.lastPress, at, b.longClick) && b.pressed {
		out.Kind = Long
	}
	b.pressed = false
	b.lastRelease = at
	b.phase = phaseIdle
	b.repeats = 0
	b.setWatchdogLocked(0)
	return out
}

func (b *Button) setWatchdogLocked(d time.Duration) {
	if err := b.port.SetWatchdog(b.pin, d); err != nil {
		b.log.WithError(err).Warn("set watchdog failed")
	}
}

func (b *Button) emit(e Event) {
	b.log.WithFields(logrus.Fields{"pressed": e.Pressed, "kind": e.Kind, "repeat": e.Repeat}).Debug("button event")
	b.sink.ButtonEvent(b.name, label(e))
	if b.handler != nil {
		b.handler(e)
	}
}

func label(e Event) string {
	switch {
	case e.Kind == Repeat:
		return "repeat"
	case e.Kind == Double:
		return "double"
	case e.Kind == Long:
		return "long"
	case e.Pressed:
		return "press"
	default:
		return "release"
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
