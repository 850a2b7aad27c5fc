// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/foosball-sensor/internal/logic"
)

// Topic is the MQTT topic for table occupancy events.
const Topic = "foosball/table/events"

// TopicButtons is the MQTT topic for button events.
const TopicButtons = "foosball/table/buttons"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "foosball/table/system"

// Millisecond precision; button events arrive faster than once a second.
const eventTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a table or button event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event logic.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	Instance   string // Run id of the daemon
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// TablePayload is the message published on Topic.
type TablePayload struct {
	Table TableEvent `json:"table"`
}

// TableEvent contains the occupancy change details.
type TableEvent struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	State     string `json:"state"`
	Moves     uint32 `json:"moves"`
	// Seconds spent in the previous state
	PreviousS int64 `json:"previous_s"`
}

// ButtonPayload is the message published on TopicButtons.
type ButtonPayload struct {
	Button ButtonEvent `json:"button"`
}

// ButtonEvent contains the classified button event.
type ButtonEvent struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Name      string `json:"name"`
	Pin       int    `json:"pin"`
	Click     string `json:"click"`
	Repeat    int    `json:"repeat,omitempty"`
}

// TopicFor returns the topic an event is published on.
func TopicFor(event logic.Event) string {
	if event.IsButton() {
		return TopicButtons
	}
	return Topic
}

// FormatPayload creates the JSON payload for a table or button event.
func FormatPayload(event logic.Event) ([]byte, error) {
	ts := event.Timestamp.UTC().Format(eventTimeFormat)
	if event.IsButton() {
		return json.Marshal(ButtonPayload{
			Button: ButtonEvent{
				Timestamp: ts,
				Event:     string(event.Type),
				Name:      event.Button,
				Pin:       event.Pin,
				Click:     string(event.Click),
				Repeat:    event.Repeat,
			},
		})
	}
	return json.Marshal(TablePayload{
		Table: TableEvent{
			Timestamp: ts,
			Event:     string(event.Type),
			State:     string(event.Table),
			Moves:     event.MoveCount,
			PreviousS: int64(event.Duration / time.Second),
		},
	})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
	Instance  string `json:"instance,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
			Instance:  event.Instance,
		},
	}
	return json.Marshal(payload)
}
