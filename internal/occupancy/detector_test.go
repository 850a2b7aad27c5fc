package occupancy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/foosball-sensor/internal/clock"
	"github.com/sweeney/foosball-sensor/internal/gpio"
	"github.com/sweeney/foosball-sensor/internal/logic"
)

const sensorPin = 17

var t0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return t0.Add(d) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

type recordingSink struct {
	mu        sync.Mutex
	changes   []bool
	movements int
	expired   []string
}

func (s *recordingSink) TableChanged(occupied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, occupied)
}

func (s *recordingSink) Movement() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.movements++
}

func (s *recordingSink) ButtonEvent(string, string) {}

func (s *recordingSink) LivenessExpired(worker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = append(s.expired, worker)
}

type harness struct {
	clock *clock.Fake
	port  *gpio.FakePort
	sink  *recordingSink
	hook  *logtest.Hook
	det   *Detector

	occupied []logic.Event
	vacant   []logic.Event

	// Called after the event is recorded
	afterOccupied func(logic.Event)
	afterVacant   func(logic.Event)
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	c := clock.NewFake(t0)
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	h := &harness{
		clock: c,
		port:  gpio.NewFakePort(c),
		sink:  &recordingSink{},
		hook:  hook,
	}
	det, err := New(h.port, sensorPin, cfg,
		WithClock(c),
		WithLogger(logger),
		WithSink(h.sink),
		OnOccupied(func(e logic.Event) {
			h.occupied = append(h.occupied, e)
			if h.afterOccupied != nil {
				h.afterOccupied(e)
			}
		}),
		OnVacant(func(e logic.Event) {
			h.vacant = append(h.vacant, e)
			if h.afterVacant != nil {
				h.afterVacant(e)
			}
		}),
	)
	require.NoError(t, err)
	h.det = det
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	require.NoError(t, h.det.Run(context.Background()))
}

func (h *harness) stopOnOccupied() {
	h.afterOccupied = func(logic.Event) { h.det.Stop() }
}

func (h *harness) stopOnVacant() {
	h.afterVacant = func(logic.Event) { h.det.Stop() }
}

func (h *harness) messages(level logrus.Level) []string {
	var out []string
	for _, e := range h.hook.AllEntries() {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

func TestNewConfiguresSensorPin(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	mode, ok := h.port.Mode(sensorPin)
	require.True(t, ok)
	assert.Equal(t, gpio.Input, mode)
	assert.Equal(t, gpio.PullDown, h.port.Pull(sensorPin))
	assert.False(t, h.det.Occupied())
}

func TestNewRejectsInvalidPins(t *testing.T) {
	c := clock.NewFake(t0)
	port := gpio.NewFakePort(c)

	_, err := New(port, 1, DefaultConfig())
	assert.ErrorIs(t, err, gpio.ErrInvalidPin)

	cfg := DefaultConfig()
	cfg.PowerPin = 40
	_, err = New(port, sensorPin, cfg)
	assert.ErrorIs(t, err, gpio.ErrInvalidPin)
}

func TestOccupiedAfterBurst(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.port.ScheduleEdges(sensorPin, at(0), at(ms(600)), at(ms(1200)))
	h.stopOnOccupied()

	h.run(t)

	require.Len(t, h.occupied, 1)
	e := h.occupied[0]
	assert.Equal(t, logic.EventOccupied, e.Type)
	assert.Equal(t, logic.StateOccupied, e.Table)
	assert.Equal(t, at(ms(1200)), e.Timestamp)
	assert.Equal(t, uint32(3), e.MoveCount)
	assert.Empty(t, h.vacant)

	snap := h.det.Snapshot()
	assert.True(t, snap.Occupied)
	assert.Equal(t, at(ms(1200)), snap.LastChange)
	assert.Equal(t, at(ms(1200)), snap.LastActivity)
	assert.Equal(t, []bool{true}, h.sink.changes)
	assert.Equal(t, 3, h.sink.movements)
}

func TestBurstResetsAfterLongGap(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	// The gap between 0.6s and 5.0s exceeds the reset window, so the burst
	// starts again at 5.0s.
	h.port.ScheduleEdges(sensorPin, at(0), at(ms(600)), at(ms(5000)), at(ms(5600)), at(ms(6200)))
	h.stopOnOccupied()

	h.run(t)

	require.Len(t, h.occupied, 1)
	assert.Equal(t, at(ms(6200)), h.occupied[0].Timestamp)
	assert.Equal(t, uint32(3), h.occupied[0].MoveCount)
}

func TestTwoTriggersStayVacant(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.port.ScheduleEdges(sensorPin, at(0), at(ms(600)))

	h.run(t)

	assert.Empty(t, h.occupied)
	assert.False(t, h.det.Occupied())
	assert.Equal(t, uint32(2), h.det.Snapshot().MoveCount)
}

func TestVacantAfterSilence(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.port.ScheduleEdges(sensorPin, at(0), at(ms(600)), at(ms(1200)))
	h.stopOnVacant()

	h.run(t)

	require.Len(t, h.occupied, 1)
	require.Len(t, h.vacant, 1)
	e := h.vacant[0]
	assert.Equal(t, logic.EventVacant, e.Type)
	assert.Equal(t, logic.StateVacant, e.Table)
	// Polls land every 3s after 1.2s; 22.2s is the first with 20s of silence.
	assert.Equal(t, at(ms(22200)), e.Timestamp)
	assert.Equal(t, 21*time.Second, e.Duration)
	assert.False(t, h.det.Occupied())
	assert.Equal(t, []bool{true, false}, h.sink.changes)
}

func TestTriggersWhileOccupiedPostponeVacancy(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.port.ScheduleEdges(sensorPin, at(0), at(ms(600)), at(ms(1200)), at(5*time.Second), at(15*time.Second))
	h.stopOnVacant()

	h.run(t)

	require.Len(t, h.vacant, 1)
	assert.Equal(t, at(36*time.Second), h.vacant[0].Timestamp)
	assert.Equal(t, uint32(5), h.vacant[0].MoveCount)
	assert.Equal(t, at(15*time.Second), h.det.Snapshot().LastActivity)
}

func TestNoteActivityPostponesVacancy(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.port.ScheduleEdges(sensorPin, at(0), at(ms(600)), at(ms(1200)))
	h.afterOccupied = func(logic.Event) { h.det.NoteActivity(at(10 * time.Second)) }
	h.stopOnVacant()

	h.run(t)

	require.Len(t, h.vacant, 1)
	assert.Equal(t, at(ms(31200)), h.vacant[0].Timestamp)
	assert.Equal(t, at(10*time.Second), h.det.Snapshot().LastTrigger)
}

func TestNoteActivityKeepsLatest(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.det.NoteActivity(at(10 * time.Second))
	h.det.NoteActivity(at(5 * time.Second))
	h.det.Stop()

	h.run(t)

	assert.Equal(t, at(10*time.Second), h.det.Snapshot().LastTrigger)
}

func TestForceOccupied(t *testing.T) {
	for _, calls := range []int{1, 2} {
		h := newHarness(t, DefaultConfig())
		for i := 0; i < calls; i++ {
			h.det.ForceOccupied(true)
		}

		// Nothing stops the worker but the missing coordinator heartbeat.
		h.run(t)

		require.Len(t, h.occupied, 1, "calls=%d", calls)
		assert.Equal(t, t0, h.occupied[0].Timestamp)
		assert.Empty(t, h.vacant, "calls=%d", calls)
		assert.Zero(t, h.port.Waits(), "sensor polled while forced")
		assert.True(t, h.det.Snapshot().ForceOn)
		assert.Equal(t, at(123*time.Second), h.clock.Now())
	}
}

func TestForceOccupiedOffRestoresDetection(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.det.ForceOccupied(true)
	h.afterOccupied = func(logic.Event) { h.det.ForceOccupied(false) }
	h.stopOnVacant()

	h.run(t)

	require.Len(t, h.vacant, 1)
	assert.Equal(t, at(21*time.Second), h.vacant[0].Timestamp)
	snap := h.det.Snapshot()
	assert.False(t, snap.ForceOn)
	assert.False(t, snap.ForceOff)
}

func TestForceVacantIgnoresSensor(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.port.ScheduleEdges(sensorPin, at(0), at(ms(600)), at(ms(1200)))
	h.det.ForceVacant(true)

	h.run(t)

	assert.Empty(t, h.occupied)
	assert.Zero(t, h.port.Waits())
	assert.True(t, h.det.Snapshot().ForceOff)
}

func TestForceVacantWhileOccupied(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.port.ScheduleEdges(sensorPin, at(0), at(ms(600)), at(ms(1200)), at(5*time.Second))
	h.afterOccupied = func(logic.Event) { h.det.ForceVacant(true) }
	h.stopOnVacant()

	h.run(t)

	// The 5s trigger is never seen, so vacancy counts from 1.2s.
	require.Len(t, h.vacant, 1)
	assert.Equal(t, at(ms(22200)), h.vacant[0].Timestamp)
	assert.Equal(t, 3, h.port.Waits())
}

func TestForceOverridesClearEachOther(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.det.ForceVacant(true)
	h.det.ForceOccupied(true)
	h.stopOnOccupied()

	h.run(t)

	require.Len(t, h.occupied, 1)
	snap := h.det.Snapshot()
	assert.True(t, snap.ForceOn)
	assert.False(t, snap.ForceOff)
}

func TestTriggerOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.det.TriggerOnce()
	h.stopOnVacant()

	h.run(t)

	require.Len(t, h.occupied, 1)
	assert.Equal(t, t0, h.occupied[0].Timestamp)
	require.Len(t, h.vacant, 1)
	assert.Equal(t, at(21*time.Second), h.vacant[0].Timestamp)
	assert.False(t, h.det.Snapshot().SingleOn)
	assert.Contains(t, h.messages(logrus.InfoLevel), "table turned on manually")
}

func TestStopsWithoutCoordinatorHeartbeat(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.run(t)

	// Beats land every 3s; 123s is the first more than 120s after t0.
	assert.Equal(t, at(123*time.Second), h.clock.Now())
	assert.Equal(t, []string{"occupancy"}, h.sink.expired)
	assert.Contains(t, h.messages(logrus.WarnLevel), "coordinator heartbeat too faint, stopping")
	assert.Equal(t, at(123*time.Second), h.det.LastBeat())
}

func TestHeartbeatKeepsWorkerAlive(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.clock.AfterFunc(100*time.Second, func() { h.det.Heartbeat(h.clock.Now()) })

	h.run(t)

	assert.Equal(t, at(222*time.Second), h.clock.Now())
}

func TestIdleMilestonesLogged(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.run(t)

	info := h.messages(logrus.InfoLevel)
	assert.Contains(t, info, "no activity for 30 seconds")
	assert.NotContains(t, info, "no activity for 5 minutes")
}

func TestWaitErrorKeepsPolling(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.port.WaitError = errors.New("line closed")

	h.run(t)

	assert.Empty(t, h.occupied)
	assert.Contains(t, h.messages(logrus.WarnLevel), "wait for sensor edge failed")
	assert.Equal(t, at(123*time.Second), h.clock.Now())
}

func TestStopObservedAtPollBoundary(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.port.ScheduleEdges(sensorPin, at(0), at(ms(600)), at(ms(1200)))
	h.stopOnOccupied()

	h.run(t)

	assert.Equal(t, 3, h.port.Waits())
	assert.Equal(t, at(ms(1200)), h.clock.Now())
}

func TestPowerPinLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PowerPin = 9
	h := newHarness(t, cfg)

	mode, _ := h.port.Mode(9)
	assert.Equal(t, gpio.Output, mode)
	assert.Equal(t, []gpio.Level{gpio.Low}, h.port.Writes(9))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.det.Run(ctx))

	assert.Equal(t, []gpio.Level{gpio.Low, gpio.High, gpio.Low}, h.port.Writes(9))
	mode, _ = h.port.Mode(9)
	assert.Equal(t, gpio.Input, mode)
	assert.Zero(t, h.port.Waits())
}

func TestIndicators(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.NoError(t, h.det.SetIndicators(22, 23))
	h.port.ScheduleEdges(sensorPin, at(0), at(ms(600)), at(ms(1200)))
	h.stopOnOccupied()

	h.run(t)

	sensor := h.port.Writes(22)
	assert.Contains(t, sensor, gpio.High)
	assert.Equal(t, gpio.Low, sensor[len(sensor)-1])
	assert.Equal(t, []gpio.Level{gpio.Low, gpio.High, gpio.Low}, h.port.Writes(23))
}

func TestSetIndicatorsRejectsInvalidPin(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	assert.ErrorIs(t, h.det.SetIndicators(22, 99), gpio.ErrInvalidPin)
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.det.Stop()
	h.run(t)

	assert.ErrorIs(t, h.det.Run(context.Background()), ErrAlreadyStarted)
}

func TestCommandsBeforeRunDoNotBlock(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 40; i++ {
			h.det.Heartbeat(at(time.Duration(i) * time.Second))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("commands blocked before Run")
	}
	assert.Len(t, h.messages(logrus.WarnLevel), 8)
	assert.Contains(t, h.messages(logrus.WarnLevel), "detector not running, command dropped")
}

func TestStartAndWait(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.port.ScheduleEdges(sensorPin, at(0), at(ms(600)), at(ms(1200)))

	h.det.Start(context.Background())

	// Snapshot is safe to read while the worker runs.
	for i := 0; i < 10; i++ {
		_ = h.det.Snapshot()
	}
	h.det.Wait()

	select {
	case <-h.det.Done():
	default:
		t.Fatal("Done not closed after Wait")
	}
	// Commands after exit must not block.
	h.det.Stop()
	h.det.Heartbeat(h.clock.Now())

	assert.False(t, h.det.Occupied())
	assert.Len(t, h.vacant, 1)
}
