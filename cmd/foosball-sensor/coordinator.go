package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/foosball-sensor/internal/button"
	"github.com/sweeney/foosball-sensor/internal/liveness"
	"github.com/sweeney/foosball-sensor/internal/logic"
	"github.com/sweeney/foosball-sensor/internal/mqtt"
	"github.com/sweeney/foosball-sensor/internal/occupancy"
	"github.com/sweeney/foosball-sensor/internal/status"
)

var errDetectorStale = errors.New("occupancy detector stopped responding")

// table is the part of the occupancy detector the coordinator drives.
type table interface {
	ForceVacant(on bool)
	TriggerOnce()
	NoteActivity(at time.Time)
	Heartbeat(at time.Time)
	LastBeat() time.Time
	Snapshot() occupancy.State
	Occupied() bool
}

type pushButton interface {
	Name() string
	Pin() int
	Pressed() bool
	Active() bool
	CancelRepeat()
	Heartbeat(at time.Time)
}

// broadcaster receives every published event; web.Hub implements it.
type broadcaster interface {
	Broadcast(logic.Event)
}

type coordinator struct {
	table      table
	buttons    []pushButton
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	live       broadcaster
	stats      *logic.Stats
	log        logrus.FieldLogger
	now        func() time.Time

	// MQTT HEARTBEAT interval; 0 disables
	heartbeat time.Duration
	// Exit when the detector has not beaten for this long
	staleAfter time.Duration

	events chan logic.Event

	mu           sync.Mutex
	chordLatched bool
	forcedVacant bool
}

// newCoordinator creates a coordinator. The table must be set before the
// loop runs.
func newCoordinator(publisher mqtt.Publisher, tracker *status.Tracker, log logrus.FieldLogger, now func() time.Time) *coordinator {
	return &coordinator{
		publisher: publisher,
		tracker:   tracker,
		stats:     logic.NewStats(now()),
		log:       log,
		now:       now,
		events:    make(chan logic.Event, 64),
	}
}

func (c *coordinator) addButton(b pushButton) {
	c.buttons = append(c.buttons, b)
}

// deliver queues an event for the loop. It never blocks the caller, which is
// a detector or GPIO goroutine.
func (c *coordinator) deliver(ev logic.Event) {
	select {
	case c.events <- ev:
	default:
		c.log.WithField("event", ev.Type).Warn("event queue full, dropping event")
	}
}

func (c *coordinator) onTable(ev logic.Event) {
	c.deliver(ev)
}

// onButton returns the handler for the named button.
func (c *coordinator) onButton(name string) button.Handler {
	return func(e button.Event) {
		ev := buttonEvent(name, e)
		log := c.log.WithFields(logrus.Fields{"button": name, "event": ev.Type})

		if e.Pressed && e.Kind != button.Repeat {
			c.checkChord()
		} else if !e.Pressed {
			c.releaseChord()
		}

		if !c.table.Occupied() {
			log.Info("button used while table is vacant, ignoring")
			return
		}
		c.table.NoteActivity(e.Time)

		if e.Pressed && e.Kind != button.Repeat {
			c.checkTeamReset(name)
		}
		c.deliver(ev)
	}
}

// checkChord toggles the vacant override when every button is held. The
// chord fires once until a button is released.
func (c *coordinator) checkChord() {
	if len(c.buttons) == 0 {
		return
	}
	for _, b := range c.buttons {
		if !b.Pressed() {
			return
		}
	}

	c.mu.Lock()
	if c.chordLatched {
		c.mu.Unlock()
		return
	}
	c.chordLatched = true
	c.forcedVacant = !c.forcedVacant
	off := c.forcedVacant
	c.mu.Unlock()

	c.log.WithField("forced_vacant", off).Info("all buttons held, toggling vacant override")
	c.table.ForceVacant(off)
	if !off {
		c.table.TriggerOnce()
	}
}

func (c *coordinator) releaseChord() {
	c.mu.Lock()
	c.chordLatched = false
	c.mu.Unlock()
}

// checkTeamReset cancels auto-repeat on a team's buttons once all of them are
// held. Buttons are grouped by the name prefix before the first '-'.
func (c *coordinator) checkTeamReset(name string) {
	team := teamOf(name)
	var members []pushButton
	for _, b := range c.buttons {
		if teamOf(b.Name()) != team {
			continue
		}
		if !b.Pressed() {
			return
		}
		members = append(members, b)
	}
	if len(members) < 2 {
		return
	}
	c.log.WithField("team", team).Info("team buttons held together, cancelling repeat")
	for _, b := range members {
		b.CancelRepeat()
	}
}

func teamOf(name string) string {
	team, _, _ := strings.Cut(name, "-")
	return team
}

func buttonEvent(name string, e button.Event) logic.Event {
	ev := logic.Event{
		Timestamp: e.Time,
		Pin:       e.Pin,
		Button:    name,
		Click:     logic.Click(e.Kind.String()),
	}
	switch {
	case !e.Pressed:
		ev.Type = logic.EventRelease
	case e.Kind == button.Repeat:
		ev.Type = logic.EventRepeat
		ev.Repeat = e.Repeat
	default:
		ev.Type = logic.EventPress
	}
	return ev
}

// runLoop handles events and supervision until a signal arrives, ctx is
// cancelled or the detector goes stale.
func (c *coordinator) runLoop(ctx context.Context, tick <-chan time.Time, sig <-chan os.Signal) error {
	c.supervise(c.now())
	c.refresh()

	for {
		select {
		case s := <-sig:
			c.log.Infof("received %v, shutting down", s)
			c.shutdown(signalName(s))
			return nil

		case <-ctx.Done():
			c.shutdown("CANCELLED")
			return nil

		case ev := <-c.events:
			c.handle(ev)

		case <-tick:
			t := c.now()
			if !c.supervise(t) {
				c.log.WithField("last_beat", c.table.LastBeat()).Error("no heartbeat from occupancy detector, stopping")
				c.shutdown("DETECTOR_STALE")
				return errDetectorStale
			}
			c.refresh()
			c.checkHeartbeat(t)
		}
	}
}

// supervise pushes the coordinator heartbeat to every worker and reports
// whether the detector is still alive.
func (c *coordinator) supervise(t time.Time) bool {
	c.table.Heartbeat(t)
	for _, b := range c.buttons {
		b.Heartbeat(t)
	}
	if c.staleAfter <= 0 {
		return true
	}
	return !liveness.Stale(t, c.table.LastBeat(), c.staleAfter)
}

func (c *coordinator) handle(ev logic.Event) {
	log := c.log.WithField("event", ev.Type)
	if ev.IsButton() {
		log = log.WithFields(logrus.Fields{"button": ev.Button, "click": ev.Click})
		if ev.Repeat > 0 {
			log = log.WithField("repeat", ev.Repeat)
		}
		log.Debug("button event")
	} else {
		log.WithFields(logrus.Fields{"moves": ev.MoveCount, "previous": ev.Duration}).Info("table event")
	}

	if err := c.publisher.Publish(ev); err != nil {
		log.WithError(err).Warn("publish error")
	}
	c.stats.Record(ev)
	if c.live != nil {
		c.live.Broadcast(ev)
	}

	if c.tracker == nil {
		return
	}
	if ev.IsButton() {
		c.tracker.SetButton(status.ButtonStatus{
			Name:      ev.Button,
			Pin:       ev.Pin,
			Pressed:   ev.Type != logic.EventRelease,
			Active:    c.buttonActive(ev.Button),
			LastClick: ev.Click,
			LastEvent: ev.Timestamp,
		})
	}
	c.refresh()
}

func (c *coordinator) buttonActive(name string) bool {
	for _, b := range c.buttons {
		if b.Name() == name {
			return b.Active()
		}
	}
	return false
}

// refresh copies detector and connection state into the tracker.
func (c *coordinator) refresh() {
	if c.tracker == nil {
		return
	}
	snap := c.table.Snapshot()
	state := logic.StateVacant
	if snap.Occupied {
		state = logic.StateOccupied
	}
	forced := status.ForceNone
	if snap.ForceOn {
		forced = status.ForceOccupied
	} else if snap.ForceOff {
		forced = status.ForceVacant
	}
	c.tracker.SetTable(status.TableStatus{
		State:        state,
		MoveCount:    snap.MoveCount,
		LastChange:   snap.LastChange,
		LastActivity: snap.LastActivity,
		Forced:       forced,
	})
	c.tracker.SetCounts(c.stats.Counts())
	if c.mqttStatus != nil {
		c.tracker.SetMQTTConnected(c.mqttStatus.IsConnected())
	}
}

func (c *coordinator) checkHeartbeat(t time.Time) {
	hb := c.stats.CheckHeartbeat(t, c.heartbeat)
	if hb == nil {
		return
	}
	c.log.WithFields(logrus.Fields{
		"uptime":   hb.Uptime,
		"occupied": hb.Counts.Occupied,
		"vacant":   hb.Counts.Vacant,
		"presses":  hb.Counts.Presses,
	}).Info("heartbeat")

	event := mqtt.SystemEvent{
		Timestamp: hb.Timestamp,
		Event:     "HEARTBEAT",
	}
	if c.tracker != nil {
		// Refresh network info for heartbeat
		if net := readNetworkInfo(); net != nil {
			c.tracker.SetNetwork(net)
		}
		event.RawPayload = status.FormatStatusEvent(c.tracker.Snapshot(), "HEARTBEAT", "")
	}
	if err := c.publisher.PublishSystem(event); err != nil {
		c.log.WithError(err).Warn("heartbeat publish error")
	}
}

func (c *coordinator) startup() {
	event := mqtt.SystemEvent{
		Timestamp: c.now(),
		Event:     "STARTUP",
		Retained:  true,
	}
	if c.tracker != nil {
		for _, b := range c.buttons {
			c.tracker.SetButton(status.ButtonStatus{
				Name:    b.Name(),
				Pin:     b.Pin(),
				Pressed: b.Pressed(),
				Active:  b.Active(),
			})
		}
		c.refresh()
		event.RawPayload = status.FormatStatusEvent(c.tracker.Snapshot(), "STARTUP", "")
	}
	if err := c.publisher.PublishSystem(event); err != nil {
		c.log.WithError(err).Warn("failed to publish startup event")
		return
	}
	c.log.Info("published startup event")
}

func (c *coordinator) shutdown(reason string) {
	event := mqtt.SystemEvent{
		Timestamp: c.now(),
		Event:     "SHUTDOWN",
		Reason:    reason,
		Retained:  true,
	}
	if c.tracker != nil {
		c.refresh()
		event.RawPayload = status.FormatStatusEvent(c.tracker.Snapshot(), "SHUTDOWN", reason)
	}
	if err := c.publisher.PublishSystem(event); err != nil {
		c.log.WithError(err).Warn("failed to publish shutdown event")
		return
	}
	c.log.Info("published shutdown event")
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}
