// Package occupancy infers whether the table is in play from a vibration
// sensor.
//
// The detector runs a two state loop. While vacant it waits for a burst of
// vibrations (several triggers with no long gap between them) before
// declaring the table occupied. While occupied it waits for a long enough
// silence, counting both sensor triggers and externally reported activity,
// before declaring it vacant again.
//
// All control input (overrides, heartbeats, stop) is sent as commands on a
// channel that only the worker reads, so the state is never written from
// another goroutine.
package occupancy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/foosball-sensor/internal/clock"
	"github.com/sweeney/foosball-sensor/internal/gpio"
	"github.com/sweeney/foosball-sensor/internal/liveness"
	"github.com/sweeney/foosball-sensor/internal/logic"
	"github.com/sweeney/foosball-sensor/internal/telemetry"
)

// ErrAlreadyStarted is returned by Run when the worker has already been run.
var ErrAlreadyStarted = errors.New("occupancy: detector already started")

// Config holds the detector thresholds.
type Config struct {
	// Triggers needed within a burst to declare the table occupied
	Threshold uint32
	// Gap between triggers that starts a new burst
	ResetAfter time.Duration
	// Pause after a trigger while vacant, absorbs rapid spurious vibrations
	Debounce time.Duration
	// Silence needed while occupied to declare the table vacant
	Vacancy time.Duration
	// Bound on each blocking wait for an edge; a stop request is observed
	// within this bound
	PollTimeout time.Duration
	// Pause after a trigger while occupied
	Coalesce time.Duration
	// Pause between rechecks while a force override suspends polling
	ForcedRecheck time.Duration
	// Coordinator silence after which the worker stops itself
	LivenessLimit time.Duration
	// How long the sensor indicator stays lit after a trigger
	SensorPulse time.Duration
	// Output that powers the sensor while the worker runs; 0 for none
	PowerPin int
}

// DefaultConfig returns the thresholds tuned for the table's vibration sensor.
func DefaultConfig() Config {
	return Config{
		Threshold:     3,
		ResetAfter:    4 * time.Second,
		Debounce:      500 * time.Millisecond,
		Vacancy:       20 * time.Second,
		PollTimeout:   3 * time.Second,
		Coalesce:      3 * time.Second,
		ForcedRecheck: 3 * time.Second,
		LivenessLimit: liveness.DefaultLimit,
		SensorPulse:   time.Second,
	}
}

// State is a snapshot of the detector state.
type State struct {
	Occupied     bool
	LastActivity time.Time
	LastChange   time.Time
	// Last externally reported activity (e.g. a button press)
	LastTrigger time.Time
	MoveCount   uint32
	MoveTime    time.Time
	ForceOn     bool
	ForceOff    bool
	// One-shot override consumed by the next occupied check
	SingleOn bool
}

type commandKind int

const (
	cmdForceOn commandKind = iota
	cmdForceOff
	cmdSingleTrigger
	cmdStop
	cmdHeartbeat
	cmdActivity
)

type command struct {
	kind commandKind
	on   bool
	at   time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger. The default discards output.
func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Detector) { d.log = l }
}

// WithSink sets the metrics sink.
func WithSink(s telemetry.Sink) Option {
	return func(d *Detector) { d.sink = s }
}

// WithClock sets the time source. The default is the system clock.
func WithClock(c clock.Clock) Option {
	return func(d *Detector) { d.clock = c }
}

// OnOccupied sets the callback run on the worker goroutine after the table
// becomes occupied.
func OnOccupied(fn func(logic.Event)) Option {
	return func(d *Detector) { d.onOccupied = fn }
}

// OnVacant sets the callback run on the worker goroutine after the table
// becomes vacant.
func OnVacant(fn func(logic.Event)) Option {
	return func(d *Detector) { d.onVacant = fn }
}

// Detector watches one vibration sensor pin.
type Detector struct {
	port  gpio.Port
	pin   int
	cfg   Config
	clock clock.Clock
	log   logrus.FieldLogger
	sink  telemetry.Sink

	onOccupied func(logic.Event)
	onVacant   func(logic.Event)

	sensorLED int
	statusLED int

	cmds    chan command
	done    chan struct{}
	started atomic.Bool

	// Owned by the worker goroutine
	state    State
	moves    *logic.MoveCounter
	life     *liveness.Record
	stopped  bool
	idle     int
	previous time.Duration

	mu   sync.Mutex
	snap State
}

// New binds the sensor pin as an input with pull-down. If cfg.PowerPin is set
// it is configured as an output and left off until the worker starts.
func New(port gpio.Port, pin int, cfg Config, opts ...Option) (*Detector, error) {
	if err := gpio.CheckPin(port.Revision(), pin); err != nil {
		return nil, fmt.Errorf("sensor pin: %w", err)
	}
	if cfg.PowerPin != 0 {
		if err := gpio.CheckPin(port.Revision(), cfg.PowerPin); err != nil {
			return nil, fmt.Errorf("power pin: %w", err)
		}
	}

	d := &Detector{
		port:  port,
		pin:   pin,
		cfg:   cfg,
		clock: clock.Real{},
		sink:  telemetry.Nop{},
		cmds:  make(chan command, 32),
		done:  make(chan struct{}),
		moves: logic.NewMoveCounter(cfg.Threshold, cfg.ResetAfter),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		d.log = l
	}
	d.log = d.log.WithFields(logrus.Fields{"component": "occupancy", "pin": pin})

	now := d.clock.Now()
	d.life = liveness.NewRecord(now, cfg.LivenessLimit)
	d.state.LastChange = now
	d.snap = d.state

	if err := port.SetMode(pin, gpio.Input); err != nil {
		return nil, fmt.Errorf("configure sensor pin: %w", err)
	}
	if err := port.SetPull(pin, gpio.PullDown); err != nil {
		return nil, fmt.Errorf("configure sensor pin: %w", err)
	}
	if cfg.PowerPin != 0 {
		if err := port.SetMode(cfg.PowerPin, gpio.Output); err != nil {
			return nil, fmt.Errorf("configure power pin: %w", err)
		}
		if err := port.Write(cfg.PowerPin, gpio.Low); err != nil {
			return nil, fmt.Errorf("configure power pin: %w", err)
		}
	}
	return d, nil
}

// SetIndicators configures outputs that mirror the sensor (lit briefly on
// every trigger) and the table state. 0 leaves an indicator unset. Must be
// called before the worker starts.
func (d *Detector) SetIndicators(sensorPin, statusPin int) error {
	for _, pin := range []int{sensorPin, statusPin} {
		if pin == 0 {
			continue
		}
		if err := gpio.CheckPin(d.port.Revision(), pin); err != nil {
			return fmt.Errorf("indicator pin: %w", err)
		}
		if err := d.port.SetMode(pin, gpio.Output); err != nil {
			return fmt.Errorf("configure indicator pin %d: %w", pin, err)
		}
	}
	d.sensorLED = sensorPin
	d.statusLED = statusPin
	d.write(d.sensorLED, gpio.Low)
	d.write(d.statusLED, levelOf(d.state.Occupied))
	return nil
}

// Start runs the worker on a new goroutine.
func (d *Detector) Start(ctx context.Context) {
	go func() {
		if err := d.Run(ctx); err != nil {
			d.log.WithError(err).Error("occupancy detector did not start")
		}
	}()
}

// Run runs the worker on the calling goroutine until Stop is called, ctx is
// cancelled or the coordinator heartbeat expires. The table starts vacant.
func (d *Detector) Run(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(d.done)
	defer d.shutdown()

	d.log.Info("starting occupancy detector")
	if d.cfg.PowerPin != 0 {
		d.log.Debug("turning on sensor power")
		d.write(d.cfg.PowerPin, gpio.High)
	}

	for !d.stopped {
		if d.state.Occupied {
			d.log.Debug("waiting for vacant")
			if d.waitForVacant(ctx) {
				d.emit(logic.EventVacant, d.onVacant)
			}
		} else {
			d.log.Debug("waiting for occupied")
			if d.waitForOccupied(ctx) {
				d.emit(logic.EventOccupied, d.onOccupied)
			}
		}
	}
	return nil
}

// Stop asks the worker to exit at its next poll boundary.
func (d *Detector) Stop() { d.send(command{kind: cmdStop}) }

// Wait blocks until the worker has exited.
func (d *Detector) Wait() { <-d.done }

// Done is closed when the worker has exited.
func (d *Detector) Done() <-chan struct{} { return d.done }

// ForceOccupied pins the table occupied. Setting it clears ForceVacant.
func (d *Detector) ForceOccupied(on bool) { d.send(command{kind: cmdForceOn, on: on}) }

// ForceVacant pins the table vacant. Setting it clears ForceOccupied.
func (d *Detector) ForceVacant(on bool) { d.send(command{kind: cmdForceOff, on: on}) }

// TriggerOnce marks the table occupied at the next check.
func (d *Detector) TriggerOnce() { d.send(command{kind: cmdSingleTrigger}) }

// NoteActivity reports activity seen elsewhere (a button press, a goal).
// It postpones vacancy the same way a sensor trigger does.
func (d *Detector) NoteActivity(at time.Time) { d.send(command{kind: cmdActivity, at: at}) }

// Heartbeat records a coordinator heartbeat.
func (d *Detector) Heartbeat(at time.Time) { d.send(command{kind: cmdHeartbeat, at: at}) }

// LastBeat returns the worker's own last heartbeat.
func (d *Detector) LastBeat() time.Time { return d.life.Self() }

// Snapshot returns a copy of the state as of the last loop iteration.
func (d *Detector) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snap
}

// Occupied reports the table state as of the last loop iteration.
func (d *Detector) Occupied() bool {
	return d.Snapshot().Occupied
}

// send queues c for the worker. Before Run the queue is only buffered, so
// commands beyond its capacity are dropped rather than blocking the caller.
func (d *Detector) send(c command) {
	if !d.started.Load() {
		select {
		case d.cmds <- c:
		default:
			d.log.WithField("command", c.kind).Warn("detector not running, command dropped")
		}
		return
	}
	select {
	case d.cmds <- c:
	case <-d.done:
	}
}

// step applies pending commands and stamps the heartbeat. It reports false
// once the worker should exit.
func (d *Detector) step(ctx context.Context) bool {
	for drained := false; !drained; {
		select {
		case c := <-d.cmds:
			d.apply(c)
		default:
			drained = true
		}
	}
	if ctx.Err() != nil {
		d.log.Debug("context done, stopping")
		d.stopped = true
	}

	now := d.clock.Now()
	if d.life.Beat(now) {
		d.log.WithField("peer_heartbeat", d.life.Peer()).Warn("coordinator heartbeat too faint, stopping")
		d.sink.LivenessExpired("occupancy")
		d.stopped = true
	}
	d.publish()
	return !d.stopped
}

func (d *Detector) apply(c command) {
	switch c.kind {
	case cmdForceOn:
		d.log.WithField("on", c.on).Info("setting force occupied")
		d.state.ForceOn = c.on
		d.state.ForceOff = false
	case cmdForceOff:
		d.log.WithField("on", c.on).Info("setting force vacant")
		d.state.ForceOff = c.on
		d.state.ForceOn = false
	case cmdSingleTrigger:
		d.state.SingleOn = true
	case cmdActivity:
		if c.at.After(d.state.LastTrigger) {
			d.state.LastTrigger = c.at
		}
	case cmdHeartbeat:
		d.life.SetPeer(c.at)
	case cmdStop:
		d.log.Debug("stop requested")
		d.stopped = true
	}
}

// waitForOccupied polls until a burst of triggers or an override marks the
// table occupied. It returns false if the worker stopped first.
func (d *Detector) waitForOccupied(ctx context.Context) bool {
	for d.step(ctx) {
		if d.state.ForceOff {
			d.clock.Sleep(d.cfg.ForcedRecheck)
			continue
		}

		override := d.state.SingleOn || d.state.ForceOn
		if !override {
			edge, err := d.port.WaitForEdge(d.pin, gpio.RisingEdge, d.cfg.PollTimeout)
			if err != nil {
				d.log.WithError(err).Warn("wait for sensor edge failed")
				d.clock.Sleep(d.cfg.PollTimeout)
				continue
			}
			if !edge {
				d.idleTick()
				continue
			}
			d.pulseSensor()
		}

		now := d.clock.Now()
		d.idle = 0
		count, reached := d.moves.Record(now)
		d.state.LastActivity = now
		d.state.MoveCount = count
		d.state.MoveTime = now
		d.log.WithField("moves", count).Debug("activity detected")

		if !reached && !override {
			d.clock.Sleep(d.cfg.Debounce)
			continue
		}

		if d.state.SingleOn {
			d.log.Info("table turned on manually")
			d.state.SingleOn = false
		}
		if d.state.ForceOn {
			d.log.Info("table turned on permanently")
		}
		d.log.WithField("vacant_for", now.Sub(d.state.LastChange).Truncate(time.Second)).Info("table occupied")
		d.previous = now.Sub(d.state.LastChange)
		d.state.LastChange = now
		d.state.Occupied = true
		d.write(d.statusLED, gpio.High)
		d.publish()
		return true
	}
	return false
}

// waitForVacant polls until neither the sensor nor external activity has
// been seen for the vacancy timeout. It returns false if the worker stopped
// first.
func (d *Detector) waitForVacant(ctx context.Context) bool {
	for d.step(ctx) {
		if d.state.ForceOn {
			d.clock.Sleep(d.cfg.ForcedRecheck)
			continue
		}

		if d.state.ForceOff {
			d.clock.Sleep(d.cfg.PollTimeout)
		} else {
			edge, err := d.port.WaitForEdge(d.pin, gpio.RisingEdge, d.cfg.PollTimeout)
			switch {
			case err != nil:
				d.log.WithError(err).Warn("wait for sensor edge failed")
				d.clock.Sleep(d.cfg.PollTimeout)
			case edge:
				d.state.LastActivity = d.clock.Now()
				d.state.MoveCount = d.moves.Add()
				d.pulseSensor()
				d.log.Debug("activity detected, still occupied")
				d.clock.Sleep(d.cfg.Coalesce)
				continue
			}
		}

		now := d.clock.Now()
		if logic.SinceLatest(now, d.state.LastActivity, d.state.LastTrigger) < d.cfg.Vacancy {
			continue
		}

		d.log.WithFields(logrus.Fields{
			"occupied_for": now.Sub(d.state.LastChange).Truncate(time.Second),
			"moves":        d.state.MoveCount,
		}).Info("table vacant")
		d.previous = now.Sub(d.state.LastChange)
		d.state.LastChange = now
		d.state.Occupied = false
		d.write(d.statusLED, gpio.Low)
		d.publish()
		return true
	}
	return false
}

func (d *Detector) emit(typ logic.EventType, fn func(logic.Event)) {
	table := logic.StateVacant
	if d.state.Occupied {
		table = logic.StateOccupied
	}
	d.sink.TableChanged(d.state.Occupied)
	if fn == nil {
		return
	}
	fn(logic.Event{
		Timestamp: d.state.LastChange,
		Type:      typ,
		Table:     table,
		MoveCount: d.state.MoveCount,
		Duration:  d.previous,
	})
}

// idleTick counts a poll with no trigger and logs at 30s, 5m and every hour.
func (d *Detector) idleTick() {
	prev := time.Duration(d.idle) * d.cfg.PollTimeout
	d.idle++
	cur := prev + d.cfg.PollTimeout

	switch {
	case prev < 30*time.Second && cur >= 30*time.Second:
		d.log.Info("no activity for 30 seconds")
	case prev < 5*time.Minute && cur >= 5*time.Minute:
		d.log.Info("no activity for 5 minutes")
	case cur/time.Hour > prev/time.Hour:
		d.log.Info("no activity last hour")
	}
}

func (d *Detector) pulseSensor() {
	d.sink.Movement()
	if d.sensorLED == 0 {
		return
	}
	d.write(d.sensorLED, gpio.High)
	d.clock.AfterFunc(d.cfg.SensorPulse, func() { d.write(d.sensorLED, gpio.Low) })
}

func (d *Detector) publish() {
	d.mu.Lock()
	d.snap = d.state
	d.mu.Unlock()
}

// shutdown leaves outputs safe whatever the reason the loop exited.
func (d *Detector) shutdown() {
	if d.cfg.PowerPin != 0 {
		d.log.Debug("turning off sensor power")
		d.write(d.cfg.PowerPin, gpio.Low)
		if err := d.port.SetMode(d.cfg.PowerPin, gpio.Input); err != nil {
			d.log.WithError(err).Warn("release power pin")
		}
	}
	d.write(d.sensorLED, gpio.Low)
	d.write(d.statusLED, gpio.Low)
	d.publish()
	d.log.Info("occupancy detector stopped")
}

func (d *Detector) write(pin int, level gpio.Level) {
	if pin == 0 {
		return
	}
	if err := d.port.Write(pin, level); err != nil {
		d.log.WithError(err).WithField("output", pin).Warn("write failed")
	}
}

func levelOf(on bool) gpio.Level {
	if on {
		return gpio.High
	}
	return gpio.Low
}
