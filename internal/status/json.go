package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Instance      string       `json:"instance,omitempty"`
	Table         TableJSON    `json:"table"`
	Buttons       []ButtonJSON `json:"buttons"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"event_counts"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// TableJSON is the JSON representation of the table state.
type TableJSON struct {
	State        string `json:"state"`
	Moves        uint32 `json:"moves"`
	LastChange   string `json:"last_change"`
	LastActivity string `json:"last_activity,omitempty"`
	Forced       string `json:"forced,omitempty"`
}

// ButtonJSON is the JSON representation of a button.
type ButtonJSON struct {
	Name      string `json:"name"`
	Pin       int    `json:"pin"`
	Pressed   bool   `json:"pressed"`
	Active    bool   `json:"active"`
	LastClick string `json:"last_click,omitempty"`
	LastEvent string `json:"last_event,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Occupied int `json:"occupied"`
	Vacant   int `json:"vacant"`
	Presses  int `json:"presses"`
	Releases int `json:"releases"`
	Repeats  int `json:"repeats"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	SensorPin   int    `json:"sensor_pin"`
	Threshold   uint32 `json:"threshold"`
	DebounceMs  int64  `json:"debounce_ms"`
	VacancyMs   int64  `json:"vacancy_ms"`
	PollMs      int64  `json:"poll_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPPort    string `json:"http_port"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func buildInner(snap Snapshot) StatusInner {
	state := string(snap.Table.State)
	if state == "" {
		state = "UNKNOWN"
	}

	buttons := make([]ButtonJSON, 0, len(snap.Buttons))
	for _, b := range snap.Buttons {
		buttons = append(buttons, ButtonJSON{
			Name:      b.Name,
			Pin:       b.Pin,
			Pressed:   b.Pressed,
			Active:    b.Active,
			LastClick: string(b.LastClick),
			LastEvent: formatTime(b.LastEvent),
		})
	}

	return StatusInner{
		Instance: snap.Config.Instance,
		Table: TableJSON{
			State:        state,
			Moves:        snap.Table.MoveCount,
			LastChange:   formatTime(snap.Table.LastChange),
			LastActivity: formatTime(snap.Table.LastActivity),
			Forced:       snap.Table.Forced,
		},
		Buttons:       buttons,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Occupied: snap.Counts.Occupied,
			Vacant:   snap.Counts.Vacant,
			Presses:  snap.Counts.Presses,
			Releases: snap.Counts.Releases,
			Repeats:  snap.Counts.Repeats,
		},
		Config: ConfigJSON{
			SensorPin:   snap.Config.SensorPin,
			Threshold:   snap.Config.Threshold,
			DebounceMs:  snap.Config.DebounceMs,
			VacancyMs:   snap.Config.VacancyMs,
			PollMs:      snap.Config.PollMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPPort:    snap.Config.HTTPPort,
		},
	}
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
