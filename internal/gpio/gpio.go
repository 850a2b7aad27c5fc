// Package gpio provides the digital I/O capability used by the table workers.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrInvalidPin is returned when a pin is not a user GPIO on the detected board.
var ErrInvalidPin = errors.New("gpio: invalid pin")

// Level is a raw pin level.
type Level int

const (
	Low  Level = 0
	High Level = 1
)

// Invert returns the opposite level.
func (l Level) Invert() Level {
	if l == Low {
		return High
	}
	return Low
}

// Mode is the pin direction.
type Mode int

const (
	Input Mode = iota
	Output
)

// Pull selects the internal bias resistor.
type Pull int

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

// Edge selects which transitions are reported.
type Edge int

const (
	RisingEdge Edge = iota
	FallingEdge
	BothEdges
)

// Matches reports whether a transition to level l is an edge of kind e.
func (e Edge) Matches(l Level) bool {
	switch e {
	case RisingEdge:
		return l == High
	case FallingEdge:
		return l == Low
	default:
		return true
	}
}

// EdgeEvent is delivered to subscribers on every transition of a pin.
type EdgeEvent struct {
	Pin   int
	Level Level
	// Timeout is set when the event was produced by the pin watchdog rather
	// than a level change. Level is the last known level in that case.
	Timeout bool
	Time    time.Time
}

// Subscription is an active edge notification.
type Subscription interface {
	Cancel() error
}

// Port is the digital I/O capability consumed by the occupancy detector and
// the button classifier. Pins use BCM numbering.
type Port interface {
	SetMode(pin int, mode Mode) error
	SetPull(pin int, pull Pull) error
	Write(pin int, level Level) error
	Read(pin int) (Level, error)

	// WaitForEdge blocks until an edge of the given kind occurs on pin or
	// timeout elapses. It returns true if an edge was seen.
	WaitForEdge(pin int, edge Edge, timeout time.Duration) (bool, error)

	// Subscribe registers fn for edges on pin. fn is called from a port
	// goroutine; events for a single pin are delivered in order.
	Subscribe(pin int, edge Edge, fn func(EdgeEvent)) (Subscription, error)

	// SetGlitchFilter ignores level changes shorter than d. Zero disables.
	SetGlitchFilter(pin int, d time.Duration) error

	// SetWatchdog delivers a Timeout event to the pin's subscriber whenever
	// no level change has been seen for d, repeating until disabled. Zero
	// disables.
	SetWatchdog(pin int, d time.Duration) error

	Now() time.Time
	Revision() Revision
}

// Revision is the board hardware revision as reported by /proc/cpuinfo.
type Revision uint32

// ValidPin reports whether pin is a user GPIO for the board revision.
//
//	revision 2-3:        0-1, 4, 7-11, 14-15, 17-18, 21-25
//	revision 4-6 and 15: 2-4, 7-11, 14-15, 17-18, 22-25, 27-31
//	revision 16+:        2-27
func ValidPin(rev Revision, pin int) bool {
	switch {
	case rev <= 3:
		return pin == 0 || pin == 1 || pin == 4 ||
			(pin >= 7 && pin <= 11) || pin == 14 || pin == 15 || pin == 17 || pin == 18 ||
			(pin >= 21 && pin <= 25)
	case rev <= 15:
		return (pin >= 2 && pin <= 4) ||
			(pin >= 7 && pin <= 11) || pin == 14 || pin == 15 || pin == 17 || pin == 18 ||
			(pin >= 22 && pin <= 25) || (pin >= 27 && pin <= 31)
	default:
		return pin >= 2 && pin <= 27
	}
}

// CheckPin returns ErrInvalidPin if pin is not usable on the board.
func CheckPin(rev Revision, pin int) error {
	if !ValidPin(rev, pin) {
		return fmt.Errorf("%w: %d on board revision %#x", ErrInvalidPin, pin, uint32(rev))
	}
	return nil
}

// ParseRevision extracts the board revision from /proc/cpuinfo content.
// Old-style codes have the overvolt/warranty bits stripped.
func ParseRevision(cpuinfo string) (Revision, error) {
	sc := bufio.NewScanner(strings.NewReader(cpuinfo))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "Revision" {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(value), 16, 32)
		if err != nil {
			return 0, fmt.Errorf("parse revision %q: %w", strings.TrimSpace(value), err)
		}
		if v&(1<<23) == 0 {
			v &= 0xffff
		}
		return Revision(v), nil
	}
	return 0, errors.New("no Revision line in cpuinfo")
}

// Locked wraps p so that mode changes and writes hold mu. Components driving
// lines that are physically shared pass the same mu.
func Locked(p Port, mu sync.Locker) Port {
	return &lockedPort{Port: p, mu: mu}
}

type lockedPort struct {
	Port
	mu sync.Locker
}

func (l *lockedPort) SetMode(pin int, mode Mode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Port.SetMode(pin, mode)
}

func (l *lockedPort) Write(pin int, level Level) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Port.Write(pin, level)
}
