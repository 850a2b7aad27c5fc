package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sensor.Pin != 17 {
		t.Errorf("Sensor.Pin = %d, want 17", cfg.Sensor.Pin)
	}
	if len(cfg.Buttons.Pins) != 4 {
		t.Errorf("got %d buttons, want 4", len(cfg.Buttons.Pins))
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foosball.yaml")
	data := `
sensor:
  pin: 27
  vacancy: 45s
  power_pin: 9
buttons:
  double_click: 300ms
  pins:
    - name: reset
      pin: 5
      mirror: 6
      invert_mirror: true
mqtt:
  broker: tcp://broker.local:1883
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Sensor.Pin != 27 || cfg.Sensor.PowerPin != 9 {
		t.Errorf("sensor pins = %d/%d, want 27/9", cfg.Sensor.Pin, cfg.Sensor.PowerPin)
	}
	if cfg.Sensor.Vacancy != 45*time.Second {
		t.Errorf("Vacancy = %v, want 45s", cfg.Sensor.Vacancy)
	}
	// Untouched fields keep their defaults.
	if cfg.Sensor.PollTimeout != 3*time.Second {
		t.Errorf("PollTimeout = %v, want 3s", cfg.Sensor.PollTimeout)
	}
	if cfg.Buttons.DoubleClick != 300*time.Millisecond {
		t.Errorf("DoubleClick = %v, want 300ms", cfg.Buttons.DoubleClick)
	}
	if len(cfg.Buttons.Pins) != 1 {
		t.Fatalf("got %d buttons, want the configured 1", len(cfg.Buttons.Pins))
	}
	b, ok := cfg.Button("reset")
	if !ok || b.Pin != 5 || b.Mirror != 6 || !b.InvertMirror {
		t.Errorf("Button(reset) = %+v, %v", b, ok)
	}
	if cfg.MQTT.Broker != "tcp://broker.local:1883" {
		t.Errorf("Broker = %q", cfg.MQTT.Broker)
	}
	if cfg.MQTT.Heartbeat != 15*time.Minute {
		t.Errorf("Heartbeat = %v, want default 15m", cfg.MQTT.Heartbeat)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	err := Parse([]byte("sensor: [not, a, map"), Default())
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrInvalid) {
		t.Error("syntax error reported as ErrInvalid")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero vacancy", func(c *Config) { c.Sensor.Vacancy = 0 }, "sensor.vacancy"},
		{"negative poll", func(c *Config) { c.Sensor.PollTimeout = -time.Second }, "sensor.poll_timeout"},
		{"zero repeat interval", func(c *Config) { c.Buttons.RepeatInterval = 0 }, "buttons.repeat_interval"},
		{"zero supervision", func(c *Config) { c.Supervision.Interval = 0 }, "supervision.interval"},
		{"negative long click", func(c *Config) { c.Buttons.LongClick = -1 }, "click windows"},
		{"zero threshold", func(c *Config) { c.Sensor.Threshold = 0 }, "sensor.threshold"},
		{"bad push level", func(c *Config) { c.Buttons.PushLevel = 2 }, "push_level"},
		{"bad log level", func(c *Config) { c.Log.Level = "chatty" }, "log.level"},
		{"negative buffer", func(c *Config) { c.MQTT.BufferSize = -1 }, "buffer_size"},
		{"missing sensor pin", func(c *Config) { c.Sensor.Pin = 0 }, "sensor.pin"},
		{"unnamed button", func(c *Config) { c.Buttons.Pins[0].Name = "" }, "name and a pin"},
		{"button on sensor pin", func(c *Config) { c.Buttons.Pins[1].Pin = 17 }, "pin 17 used by both sensor and button team1-down"},
		{"duplicate buttons", func(c *Config) { c.Buttons.Pins[3].Pin = 7 }, "pin 7"},
		{"mirror on button", func(c *Config) { c.Buttons.Pins[0].Mirror = 8 }, "mirror of team1-up"},
		{"status on power", func(c *Config) { c.Sensor.PowerPin = 22; c.Sensor.StatusPin = 22 }, "status led"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateAllowsDisabledOptions(t *testing.T) {
	cfg := Default()
	cfg.MQTT.Heartbeat = 0
	cfg.HTTP.Addr = ""
	cfg.Buttons.Pins = nil
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}
