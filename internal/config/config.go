// Package config loads the daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Sensor      SensorConfig      `yaml:"sensor"`
	Buttons     ButtonsConfig     `yaml:"buttons"`
	Supervision SupervisionConfig `yaml:"supervision"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
}

type SensorConfig struct {
	Pin int `yaml:"pin"`
	// Optional outputs; 0 disables
	PowerPin  int `yaml:"power_pin"`
	LEDPin    int `yaml:"led_pin"`
	StatusPin int `yaml:"status_pin"`

	Threshold   uint32        `yaml:"threshold"`
	ResetAfter  time.Duration `yaml:"reset_after"`
	Debounce    time.Duration `yaml:"debounce"`
	Vacancy     time.Duration `yaml:"vacancy"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	Coalesce    time.Duration `yaml:"coalesce"`
}

type ButtonsConfig struct {
	// Level read while a button is held: 0 or 1
	PushLevel      int           `yaml:"push_level"`
	Debounce       time.Duration `yaml:"debounce"`
	RepeatDelay    time.Duration `yaml:"repeat_delay"`
	RepeatInterval time.Duration `yaml:"repeat_interval"`
	DoubleClick    time.Duration `yaml:"double_click"`
	LongClick      time.Duration `yaml:"long_click"`
	Pins           []ButtonPin   `yaml:"pins"`
}

type ButtonPin struct {
	Name string `yaml:"name"`
	Pin  int    `yaml:"pin"`
	// Optional output copying the button level; 0 disables
	Mirror       int  `yaml:"mirror"`
	InvertMirror bool `yaml:"invert_mirror"`
}

type SupervisionConfig struct {
	// How often the coordinator pushes heartbeats to the workers
	Interval time.Duration `yaml:"interval"`
	// Workers stop after this long without a coordinator heartbeat
	WorkerLimit time.Duration `yaml:"worker_limit"`
	// The coordinator exits when the detector has not beaten for this long
	DetectorStale time.Duration `yaml:"detector_stale"`
}

type MQTTConfig struct {
	Broker string `yaml:"broker"`
	// Interval between HEARTBEAT system events; 0 disables
	Heartbeat time.Duration `yaml:"heartbeat"`
	// Events kept while the broker is unreachable
	BufferSize int `yaml:"buffer_size"`
}

type HTTPConfig struct {
	// Empty disables the status server
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration for the table as wired.
func Default() *Config {
	return &Config{
		Sensor: SensorConfig{
			Pin:         17,
			Threshold:   3,
			ResetAfter:  4 * time.Second,
			Debounce:    500 * time.Millisecond,
			Vacancy:     20 * time.Second,
			PollTimeout: 3 * time.Second,
			Coalesce:    3 * time.Second,
		},
		Buttons: ButtonsConfig{
			PushLevel:      0,
			Debounce:       50 * time.Millisecond,
			RepeatDelay:    time.Second,
			RepeatInterval: 200 * time.Millisecond,
			Pins: []ButtonPin{
				{Name: "team1-up", Pin: 25},
				{Name: "team1-down", Pin: 18},
				{Name: "team2-up", Pin: 7},
				{Name: "team2-down", Pin: 8},
			},
		},
		Supervision: SupervisionConfig{
			Interval:      60 * time.Second,
			WorkerLimit:   120 * time.Second,
			DetectorStale: 60 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:     "tcp://192.168.1.200:1883",
			Heartbeat:  15 * time.Minute,
			BufferSize: 1000,
		},
		HTTP: HTTPConfig{Addr: ":80"},
		Log:  LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse unmarshals data over cfg and validates the result.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return cfg.Validate()
}

// Validate rejects settings the workers cannot run with.
func (c *Config) Validate() error {
	timings := []struct {
		name string
		d    time.Duration
	}{
		{"sensor.reset_after", c.Sensor.ResetAfter},
		{"sensor.debounce", c.Sensor.Debounce},
		{"sensor.vacancy", c.Sensor.Vacancy},
		{"sensor.poll_timeout", c.Sensor.PollTimeout},
		{"sensor.coalesce", c.Sensor.Coalesce},
		{"buttons.debounce", c.Buttons.Debounce},
		{"buttons.repeat_delay", c.Buttons.RepeatDelay},
		{"buttons.repeat_interval", c.Buttons.RepeatInterval},
		{"supervision.interval", c.Supervision.Interval},
		{"supervision.worker_limit", c.Supervision.WorkerLimit},
		{"supervision.detector_stale", c.Supervision.DetectorStale},
	}
	for _, t := range timings {
		if t.d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalid, t.name, t.d)
		}
	}
	if c.Buttons.DoubleClick < 0 || c.Buttons.LongClick < 0 || c.MQTT.Heartbeat < 0 {
		return fmt.Errorf("%w: click windows and mqtt.heartbeat must not be negative", ErrInvalid)
	}
	if c.Sensor.Threshold == 0 {
		return fmt.Errorf("%w: sensor.threshold must be at least 1", ErrInvalid)
	}
	if c.Buttons.PushLevel != 0 && c.Buttons.PushLevel != 1 {
		return fmt.Errorf("%w: buttons.push_level must be 0 or 1, got %d", ErrInvalid, c.Buttons.PushLevel)
	}
	if c.MQTT.BufferSize < 0 {
		return fmt.Errorf("%w: mqtt.buffer_size must not be negative", ErrInvalid)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}

	used := make(map[int]string)
	claim := func(pin int, role string) error {
		if pin == 0 {
			return nil
		}
		if other, ok := used[pin]; ok {
			return fmt.Errorf("%w: pin %d used by both %s and %s", ErrInvalid, pin, other, role)
		}
		used[pin] = role
		return nil
	}
	if c.Sensor.Pin == 0 {
		return fmt.Errorf("%w: sensor.pin is required", ErrInvalid)
	}
	type pinUse struct {
		pin  int
		role string
	}
	pins := []pinUse{
		{c.Sensor.Pin, "sensor"},
		{c.Sensor.PowerPin, "sensor power"},
		{c.Sensor.LEDPin, "sensor led"},
		{c.Sensor.StatusPin, "status led"},
	}
	for _, b := range c.Buttons.Pins {
		if b.Name == "" || b.Pin == 0 {
			return fmt.Errorf("%w: every button needs a name and a pin", ErrInvalid)
		}
		pins = append(pins, pinUse{b.Pin, "button " + b.Name}, pinUse{b.Mirror, "mirror of " + b.Name})
	}
	for _, p := range pins {
		if err := claim(p.pin, p.role); err != nil {
			return err
		}
	}
	return nil
}

// Button returns the button named name.
func (c *Config) Button(name string) (ButtonPin, bool) {
	for _, b := range c.Buttons.Pins {
		if b.Name == name {
			return b, true
		}
	}
	return ButtonPin{}, false
}
