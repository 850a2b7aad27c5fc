//go:build !linux

package gpio

import (
	"errors"
	"time"
)

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// Chip is not available on non-Linux platforms.
type Chip struct{}

// NewChip returns an error on non-Linux platforms.
func NewChip(name string) (*Chip, error) {
	return nil, errUnsupported
}

func (c *Chip) SetMode(pin int, mode Mode) error { return errUnsupported }
func (c *Chip) SetPull(pin int, pull Pull) error { return errUnsupported }
func (c *Chip) Write(pin int, level Level) error { return errUnsupported }
func (c *Chip) Read(pin int) (Level, error) { return Low, errUnsupported }
func (c *Chip) SetGlitchFilter(int, time.Duration) error { return errUnsupported }
func (c *Chip) SetWatchdog(int, time.Duration) error { return errUnsupported }
func (c *Chip) Now() time.Time { return time.Now() }
func (c *Chip) Revision() Revision { return 0 }

func (c *Chip) WaitForEdge(pin int, edge Edge, timeout time.Duration) (bool, error) {
	return false, errUnsupported
}

func (c *Chip) Subscribe(pin int, edge Edge, fn func(EdgeEvent)) (Subscription, error) {
	return nil, errUnsupported
}

// Close is a no-op on non-Linux platforms.
func (c *Chip) Close() error {
	return nil
}
