package internal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/foosball-sensor/internal/button"
	"github.com/sweeney/foosball-sensor/internal/clock"
	"github.com/sweeney/foosball-sensor/internal/gpio"
	"github.com/sweeney/foosball-sensor/internal/logic"
	"github.com/sweeney/foosball-sensor/internal/mqtt"
	"github.com/sweeney/foosball-sensor/internal/occupancy"
	"github.com/sweeney/foosball-sensor/internal/status"
)

const (
	sensorPin = 17
	upPin     = 25
)

var start = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return start.Add(d) }

// table wires a detector and one button to a fake publisher on a shared
// fake port, the way the daemon does.
type table struct {
	clock     *clock.Fake
	port      *gpio.FakePort
	publisher *mqtt.FakePublisher
	stats     *logic.Stats
	detector  *occupancy.Detector

	afterOccupied func()
}

func newTable(t *testing.T) *table {
	t.Helper()
	c := clock.NewFake(start)
	tb := &table{
		clock:     c,
		port:      gpio.NewFakePort(c),
		publisher: mqtt.NewFakePublisher(),
		stats:     logic.NewStats(start),
	}

	record := func(ev logic.Event) {
		tb.stats.Record(ev)
		// Publish failures must not stop the flow
		_ = tb.publisher.Publish(ev)
	}

	det, err := occupancy.New(tb.port, sensorPin, occupancy.DefaultConfig(),
		occupancy.WithClock(c),
		occupancy.OnOccupied(func(ev logic.Event) {
			record(ev)
			if tb.afterOccupied != nil {
				tb.afterOccupied()
			}
		}),
		occupancy.OnVacant(func(ev logic.Event) {
			record(ev)
			tb.detector.Stop()
		}),
	)
	if err != nil {
		t.Fatalf("occupancy.New: %v", err)
	}
	tb.detector = det

	_, err = button.New(tb.port, upPin, button.DefaultConfig(), func(e button.Event) {
		if !tb.detector.Occupied() {
			return
		}
		tb.detector.NoteActivity(e.Time)
		ev := logic.Event{
			Timestamp: e.Time,
			Type:      logic.EventPress,
			Pin:       e.Pin,
			Button:    "team1-up",
			Click:     logic.Click(e.Kind.String()),
		}
		switch {
		case !e.Pressed:
			ev.Type = logic.EventRelease
		case e.Kind == button.Repeat:
			ev.Type = logic.EventRepeat
			ev.Repeat = e.Repeat
		}
		record(ev)
	}, button.WithName("team1-up"))
	if err != nil {
		t.Fatalf("button.New: %v", err)
	}
	return tb
}

func (tb *table) run(t *testing.T) {
	t.Helper()
	if err := tb.detector.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func assertTypes(t *testing.T, got []logic.EventType, want ...logic.EventType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

// TestIntegrationTableSession tests a game from the first vibration to the
// table going quiet.
func TestIntegrationTableSession(t *testing.T) {
	tb := newTable(t)
	tb.port.ScheduleEdges(sensorPin, at(0), at(600*time.Millisecond), at(1200*time.Millisecond))

	tb.run(t)

	assertTypes(t, tb.publisher.EventTypes(), logic.EventOccupied, logic.EventVacant)

	var occupied mqtt.TablePayload
	if err := json.Unmarshal(tb.publisher.Payloads[0], &occupied); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if occupied.Table.Timestamp != "2026-01-01T12:00:01.200Z" {
		t.Errorf("occupied timestamp: got %s", occupied.Table.Timestamp)
	}
	if occupied.Table.State != "OCCUPIED" || occupied.Table.Moves != 3 {
		t.Errorf("occupied payload: %+v", occupied.Table)
	}

	var vacant mqtt.TablePayload
	if err := json.Unmarshal(tb.publisher.Payloads[1], &vacant); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if vacant.Table.Timestamp != "2026-01-01T12:00:22.200Z" {
		t.Errorf("vacant timestamp: got %s", vacant.Table.Timestamp)
	}
	if vacant.Table.PreviousS != 21 {
		t.Errorf("previous_s: got %d, want 21", vacant.Table.PreviousS)
	}

	counts := tb.stats.Counts()
	if counts.Occupied != 1 || counts.Vacant != 1 {
		t.Errorf("counts: %+v", counts)
	}
}

// TestIntegrationButtonActivityExtendsGame tests that score buttons keep the
// table occupied while the sensor is quiet.
func TestIntegrationButtonActivityExtendsGame(t *testing.T) {
	tb := newTable(t)
	tb.port.ScheduleEdges(sensorPin, at(0), at(600*time.Millisecond), at(1200*time.Millisecond))
	tb.afterOccupied = func() {
		tb.clock.AdvanceTo(at(10 * time.Second))
		tb.port.Emit(upPin, gpio.Low)
		tb.clock.AdvanceTo(at(10300 * time.Millisecond))
		tb.port.Emit(upPin, gpio.High)
	}

	tb.run(t)

	assertTypes(t, tb.publisher.EventTypes(),
		logic.EventOccupied, logic.EventPress, logic.EventRelease, logic.EventVacant)

	press := tb.publisher.Events[1]
	if !press.Timestamp.Equal(at(10*time.Second)) || press.Button != "team1-up" || press.Pin != upPin {
		t.Errorf("press: %+v", press)
	}

	// Polls resume at 10.3s; 31.3s is the first with 20s since the release.
	vacant := tb.publisher.Events[3]
	if !vacant.Timestamp.Equal(at(31300 * time.Millisecond)) {
		t.Errorf("vacant at %v, want 31.3s", vacant.Timestamp.Sub(start))
	}
	if got := tb.detector.Snapshot().LastTrigger; !got.Equal(at(10300 * time.Millisecond)) {
		t.Errorf("LastTrigger: got %v", got.Sub(start))
	}
}

// TestIntegrationHeldButtonRepeats tests the payloads of a held score button.
func TestIntegrationHeldButtonRepeats(t *testing.T) {
	tb := newTable(t)
	tb.port.ScheduleEdges(sensorPin, at(0), at(600*time.Millisecond), at(1200*time.Millisecond))
	tb.afterOccupied = func() {
		tb.clock.AdvanceTo(at(5 * time.Second))
		tb.port.Emit(upPin, gpio.Low)
		tb.clock.Advance(1300 * time.Millisecond)
		tb.port.Emit(upPin, gpio.High)
	}

	tb.run(t)

	assertTypes(t, tb.publisher.EventTypes(),
		logic.EventOccupied, logic.EventPress, logic.EventRepeat, logic.EventRepeat, logic.EventRelease, logic.EventVacant)

	var repeat mqtt.ButtonPayload
	if err := json.Unmarshal(tb.publisher.Payloads[3], &repeat); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	want := mqtt.ButtonEvent{
		Timestamp: "2026-01-01T12:00:06.200Z",
		Event:     "BUTTON_REPEAT",
		Name:      "team1-up",
		Pin:       upPin,
		Click:     "REPEAT",
		Repeat:    2,
	}
	if repeat.Button != want {
		t.Errorf("repeat payload:\ngot:  %+v\nwant: %+v", repeat.Button, want)
	}

	counts := tb.stats.Counts()
	if counts.Presses != 1 || counts.Repeats != 2 || counts.Releases != 1 {
		t.Errorf("counts: %+v", counts)
	}
}

// TestIntegrationButtonIgnoredWhileVacant tests that presses before a game
// produce nothing.
func TestIntegrationButtonIgnoredWhileVacant(t *testing.T) {
	tb := newTable(t)
	tb.clock.AdvanceTo(at(5 * time.Second))
	tb.port.Emit(upPin, gpio.Low)
	tb.port.Emit(upPin, gpio.High)
	tb.detector.Stop()

	tb.run(t)

	if len(tb.publisher.Events) != 0 {
		t.Errorf("published %v, want nothing", tb.publisher.EventTypes())
	}
	if !tb.detector.Snapshot().LastTrigger.IsZero() {
		t.Error("vacant presses must not count as activity")
	}
}

// TestIntegrationPublishFailureDoesNotStopDetector tests that the detector
// keeps going while the broker is unavailable.
func TestIntegrationPublishFailureDoesNotStopDetector(t *testing.T) {
	tb := newTable(t)
	tb.publisher.PublishError = errors.New("broker down")
	tb.port.ScheduleEdges(sensorPin, at(0), at(600*time.Millisecond), at(1200*time.Millisecond))

	tb.run(t)

	if len(tb.publisher.Events) != 0 {
		t.Errorf("expected no recorded events, got %d", len(tb.publisher.Events))
	}
	counts := tb.stats.Counts()
	if counts.Occupied != 1 || counts.Vacant != 1 {
		t.Errorf("counts: %+v", counts)
	}
}

// TestIntegrationStatusPayloads tests the system event payloads built from a
// tracker fed by a finished session.
func TestIntegrationStatusPayloads(t *testing.T) {
	tb := newTable(t)
	tb.port.ScheduleEdges(sensorPin, at(0), at(600*time.Millisecond), at(1200*time.Millisecond))
	tb.run(t)

	tracker := status.NewTracker(start, status.Config{Instance: "run-1", SensorPin: sensorPin})
	snap := tb.detector.Snapshot()
	tracker.SetTable(status.TableStatus{
		State:      logic.StateVacant,
		MoveCount:  snap.MoveCount,
		LastChange: snap.LastChange,
	})
	tracker.SetCounts(tb.stats.Counts())

	for _, tt := range []struct {
		event    string
		reason   string
		retained bool
	}{
		{"STARTUP", "", true},
		{"HEARTBEAT", "", false},
		{"SHUTDOWN", "SIGTERM", true},
	} {
		se := mqtt.SystemEvent{
			Timestamp:  at(time.Minute),
			Event:      tt.event,
			Reason:     tt.reason,
			Retained:   tt.retained,
			RawPayload: status.FormatStatusEvent(tracker.Snapshot(), tt.event, tt.reason),
		}
		if err := tb.publisher.PublishSystem(se); err != nil {
			t.Fatalf("PublishSystem: %v", err)
		}
	}

	if len(tb.publisher.SystemPayloads) != 3 {
		t.Fatalf("expected 3 system payloads, got %d", len(tb.publisher.SystemPayloads))
	}
	var parsed status.StatusJSON
	if err := json.Unmarshal(tb.publisher.SystemPayloads[2], &parsed); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	s := parsed.Status
	if s.Event != "SHUTDOWN" || s.Reason != "SIGTERM" || s.Instance != "run-1" {
		t.Errorf("status: event=%s reason=%s instance=%s", s.Event, s.Reason, s.Instance)
	}
	if s.Table.State != "VACANT" || s.Table.LastChange != "2026-01-01T12:00:22Z" {
		t.Errorf("table: %+v", s.Table)
	}
	if s.Counts.Occupied != 1 || s.Counts.Vacant != 1 {
		t.Errorf("counts: %+v", s.Counts)
	}
}
