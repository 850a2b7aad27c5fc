// Package status provides a thread-safe status tracker for the foosball-sensor daemon.
// It is read by the HTTP handlers and the MQTT system events.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/foosball-sensor/internal/logic"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Instance    string
	SensorPin   int
	Threshold   uint32
	DebounceMs  int64
	VacancyMs   int64
	PollMs      int64
	HeartbeatMs int64
	Broker      string
	HTTPPort    string
}

// Forced override on the table state.
const (
	ForceNone     = ""
	ForceOccupied = "OCCUPIED"
	ForceVacant   = "VACANT"
)

// TableStatus is the last known occupancy state.
type TableStatus struct {
	State        logic.State
	MoveCount    uint32
	LastChange   time.Time
	LastActivity time.Time
	Forced       string
}

// ButtonStatus is the last known state of one button.
type ButtonStatus struct {
	Name      string
	Pin       int
	Pressed   bool
	Active    bool
	LastClick logic.Click
	LastEvent time.Time
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Table         TableStatus
	Buttons       []ButtonStatus
	Counts        logic.EventCounts
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu      sync.RWMutex
	snap    Snapshot
	buttons map[string]ButtonStatus
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Table:     TableStatus{State: logic.StateVacant, LastChange: startTime},
			StartTime: startTime,
			Config:    cfg,
		},
		buttons: make(map[string]ButtonStatus),
	}
}

// SetTable records the table state.
func (t *Tracker) SetTable(table TableStatus) {
	t.mu.Lock()
	t.snap.Table = table
	t.mu.Unlock()
}

// SetButton records the state of a button, keyed by name.
func (t *Tracker) SetButton(b ButtonStatus) {
	t.mu.Lock()
	t.buttons[b.Name] = b
	t.mu.Unlock()
}

// SetCounts records the event counts.
func (t *Tracker) SetCounts(counts logic.EventCounts) {
	t.mu.Lock()
	t.snap.Counts = counts
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
// Buttons are sorted by pin.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Buttons = make([]ButtonStatus, 0, len(t.buttons))
	for _, b := range t.buttons {
		s.Buttons = append(s.Buttons, b)
	}
	t.mu.RUnlock()
	sort.Slice(s.Buttons, func(i, j int) bool { return s.Buttons[i].Pin < s.Buttons[j].Pin })
	s.Now = time.Now()
	return s
}
