// Package logic contains pure business logic for table state tracking.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import "time"

// State represents the logical state of the table.
type State string

const (
	StateVacant   State = "VACANT"
	StateOccupied State = "OCCUPIED"
)

// EventType represents a state transition or classified input to be published.
type EventType string

const (
	EventOccupied EventType = "TABLE_OCCUPIED"
	EventVacant   EventType = "TABLE_VACANT"
	EventPress    EventType = "BUTTON_PRESS"
	EventRelease  EventType = "BUTTON_RELEASE"
	EventRepeat   EventType = "BUTTON_REPEAT"
)

// Click is the classification of a button event.
type Click string

const (
	ClickSingle Click = "SINGLE"
	ClickRepeat Click = "REPEAT"
	ClickDouble Click = "DOUBLE"
	ClickLong   Click = "LONG"
)

// Event represents a table transition or a classified button event.
type Event struct {
	Timestamp time.Time
	Type      EventType

	// Table events
	Table     State
	MoveCount uint32
	// Time spent in the previous table state
	Duration time.Duration

	// Button events
	Pin    int
	Button string
	Click  Click
	Repeat int
}

// IsButton reports whether the event came from a button.
func (e Event) IsButton() bool {
	return e.Type == EventPress || e.Type == EventRelease || e.Type == EventRepeat
}

// EventCounts tracks the number of each event type since startup.
type EventCounts struct {
	Occupied int
	Vacant   int
	Presses  int
	Releases int
	Repeats  int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    EventCounts
}
