package clock

import (
	"testing"
	"time"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewFake(start)

	c.Advance(3 * time.Second)
	if got := c.Now(); !got.Equal(start.Add(3 * time.Second)) {
		t.Errorf("Now: got %v, want %v", got, start.Add(3*time.Second))
	}

	c.Sleep(500 * time.Millisecond)
	if got := c.Now(); !got.Equal(start.Add(3500 * time.Millisecond)) {
		t.Errorf("Now after Sleep: got %v", got)
	}
}

func TestFakeNeverMovesBackwards(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewFake(start)
	c.Advance(time.Second)

	c.AdvanceTo(start)
	if got := c.Now(); !got.Equal(start.Add(time.Second)) {
		t.Errorf("clock moved backwards to %v", got)
	}
}

func TestFakeAfterFuncOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []time.Duration
	record := func() { fired = append(fired, c.Now().Sub(start)) }

	c.AfterFunc(2*time.Second, record)
	c.AfterFunc(time.Second, record)
	c.AfterFunc(5*time.Second, record)

	c.Advance(3 * time.Second)

	if len(fired) != 2 {
		t.Fatalf("expected 2 timers fired, got %d", len(fired))
	}
	if fired[0] != time.Second || fired[1] != 2*time.Second {
		t.Errorf("unexpected fire times: %v", fired)
	}
	if c.Pending() != 1 {
		t.Errorf("Pending: got %d, want 1", c.Pending())
	}
}

func TestFakeAfterFuncRearm(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewFake(start)

	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(200*time.Millisecond, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(1500 * time.Millisecond)

	// 1000, 1200, 1400
	if count != 3 {
		t.Errorf("expected 3 ticks, got %d", count)
	}
}

func TestFakeTimerStop(t *testing.T) {
	c := NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("first Stop should return true")
	}
	if timer.Stop() {
		t.Error("second Stop should return false")
	}

	c.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}
