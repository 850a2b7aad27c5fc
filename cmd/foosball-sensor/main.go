// Command foosball-sensor watches the table's vibration sensor and score
// buttons and publishes occupancy and button events to MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/foosball-sensor/internal/button"
	"github.com/sweeney/foosball-sensor/internal/config"
	"github.com/sweeney/foosball-sensor/internal/gpio"
	"github.com/sweeney/foosball-sensor/internal/mqtt"
	"github.com/sweeney/foosball-sensor/internal/occupancy"
	"github.com/sweeney/foosball-sensor/internal/status"
	"github.com/sweeney/foosball-sensor/internal/telemetry"
	"github.com/sweeney/foosball-sensor/internal/web"
)

const gpioChip = "gpiochip0"

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults apply when empty)")
	broker := flag.String("broker", "", "MQTT broker address (overrides config)")
	httpAddr := flag.String("http", "", `HTTP status address (overrides config, "off" disables)`)
	printState := flag.Bool("print-state", false, "Print current pin levels and exit")

	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := loadConfig(*configPath, *broker, *httpAddr)
	if err != nil {
		logger.Fatalf("fatal: %v", err)
	}
	level, _ := logrus.ParseLevel(cfg.Log.Level)
	logger.SetLevel(level)

	if err := run(cfg, *printState, logger); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(path, broker, httpAddr string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if broker != "" {
		cfg.MQTT.Broker = broker
	}
	switch httpAddr {
	case "":
	case "off":
		cfg.HTTP.Addr = ""
	default:
		cfg.HTTP.Addr = httpAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config, printState bool, logger *logrus.Logger) error {
	chip, err := gpio.NewChip(gpioChip)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer chip.Close()

	if printState {
		return printLevels(os.Stdout, chip, cfg)
	}

	instance := uuid.NewString()
	log := logger.WithField("instance", instance[:8])

	// The detector and the buttons drive output lines on the same chip.
	port := gpio.Locked(chip, &sync.Mutex{})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := telemetry.NewPrometheus(reg)

	publisher, err := mqtt.NewRealPublisher(cfg.MQTT.Broker,
		mqtt.WithLogger(log),
		mqtt.WithInstance(instance),
		mqtt.WithBufferSize(cfg.MQTT.BufferSize),
	)
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	tracker := status.NewTracker(time.Now(), statusConfig(cfg, instance))
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	dcfg := occupancy.DefaultConfig()
	dcfg.Threshold = cfg.Sensor.Threshold
	dcfg.ResetAfter = cfg.Sensor.ResetAfter
	dcfg.Debounce = cfg.Sensor.Debounce
	dcfg.Vacancy = cfg.Sensor.Vacancy
	dcfg.PollTimeout = cfg.Sensor.PollTimeout
	dcfg.Coalesce = cfg.Sensor.Coalesce
	dcfg.ForcedRecheck = cfg.Sensor.PollTimeout
	dcfg.LivenessLimit = cfg.Supervision.WorkerLimit
	dcfg.PowerPin = cfg.Sensor.PowerPin

	coord := newCoordinator(publisher, tracker, log.WithField("component", "coordinator"), time.Now)
	coord.mqttStatus = publisher
	coord.heartbeat = cfg.MQTT.Heartbeat
	coord.staleAfter = cfg.Supervision.DetectorStale

	detector, err := occupancy.New(port, cfg.Sensor.Pin, dcfg,
		occupancy.WithLogger(log),
		occupancy.WithSink(sink),
		occupancy.OnOccupied(coord.onTable),
		occupancy.OnVacant(coord.onTable),
	)
	if err != nil {
		return fmt.Errorf("init occupancy detector: %w", err)
	}
	if err := detector.SetIndicators(cfg.Sensor.LEDPin, cfg.Sensor.StatusPin); err != nil {
		return fmt.Errorf("init indicators: %w", err)
	}

	coord.table = detector

	buttons, err := newButtons(port, cfg, coord, log, sink)
	defer func() {
		for _, b := range buttons {
			if err := b.Deactivate(); err != nil && !errors.Is(err, button.ErrNotActive) {
				log.WithError(err).WithField("button", b.Name()).Warn("deactivate button")
			}
		}
	}()
	if err != nil {
		return err
	}

	var srv *web.Server
	if cfg.HTTP.Addr != "" {
		hub := web.NewHub(tracker, log)
		coord.live = hub
		srv = web.New(cfg.HTTP.Addr, tracker,
			web.WithLogger(log),
			web.WithHub(hub),
			web.WithGatherer(reg),
		)
	}

	coord.startup()

	log.WithFields(logrus.Fields{
		"sensor":    cfg.Sensor.Pin,
		"threshold": cfg.Sensor.Threshold,
		"vacancy":   cfg.Sensor.Vacancy,
		"broker":    cfg.MQTT.Broker,
		"heartbeat": cfg.MQTT.Heartbeat,
		"http":      cfg.HTTP.Addr,
	}).Info("started")

	ticker := time.NewTicker(cfg.Supervision.Interval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return detector.Run(ctx)
	})
	if srv != nil {
		g.Go(func() error {
			log.Infof("http status server listening on %s", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		defer cancel()
		return coord.runLoop(ctx, ticker.C, sigCh)
	})

	return g.Wait()
}

func newButtons(port gpio.Port, cfg *config.Config, coord *coordinator, log logrus.FieldLogger, sink telemetry.Sink) ([]*button.Button, error) {
	bcfg := button.DefaultConfig()
	bcfg.PushLevel = gpio.Level(cfg.Buttons.PushLevel)
	bcfg.Debounce = cfg.Buttons.Debounce
	bcfg.RepeatDelay = cfg.Buttons.RepeatDelay
	bcfg.RepeatInterval = cfg.Buttons.RepeatInterval
	bcfg.DoubleClick = cfg.Buttons.DoubleClick
	bcfg.LongClick = cfg.Buttons.LongClick
	bcfg.LivenessLimit = cfg.Supervision.WorkerLimit

	var buttons []*button.Button
	for _, p := range cfg.Buttons.Pins {
		b, err := button.New(port, p.Pin, bcfg, coord.onButton(p.Name),
			button.WithLogger(log),
			button.WithSink(sink),
			button.WithName(p.Name),
		)
		if err != nil {
			return buttons, fmt.Errorf("init button %s: %w", p.Name, err)
		}
		buttons = append(buttons, b)
		if p.Mirror != 0 {
			if err := b.EnableMirror(p.Mirror, p.InvertMirror); err != nil {
				return buttons, fmt.Errorf("mirror button %s: %w", p.Name, err)
			}
		}
		if err := b.Activate(); err != nil {
			return buttons, fmt.Errorf("activate button %s: %w", p.Name, err)
		}
		coord.addButton(b)
	}
	return buttons, nil
}

// printLevels writes the raw level of the sensor and every button.
func printLevels(w io.Writer, port gpio.Port, cfg *config.Config) error {
	// Pulls match what the sensor and buttons use when running, so a
	// floating pin does not read as a press.
	if err := port.SetPull(cfg.Sensor.Pin, gpio.PullDown); err != nil {
		return fmt.Errorf("set pull on sensor pin %d: %w", cfg.Sensor.Pin, err)
	}
	level, err := port.Read(cfg.Sensor.Pin)
	if err != nil {
		return fmt.Errorf("read sensor pin %d: %w", cfg.Sensor.Pin, err)
	}
	fmt.Fprintf(w, "sensor (GPIO%d): %s\n", cfg.Sensor.Pin, levelString(level))

	push := gpio.Level(cfg.Buttons.PushLevel)
	pull := gpio.PullDown
	if push == gpio.Low {
		pull = gpio.PullUp
	}
	for _, p := range cfg.Buttons.Pins {
		if err := port.SetPull(p.Pin, pull); err != nil {
			return fmt.Errorf("set pull on button %s: %w", p.Name, err)
		}
		level, err := port.Read(p.Pin)
		if err != nil {
			return fmt.Errorf("read button %s: %w", p.Name, err)
		}
		state := "released"
		if level == push {
			state = "pressed"
		}
		fmt.Fprintf(w, "%s (GPIO%d): %s\n", p.Name, p.Pin, state)
	}
	return nil
}

func levelString(l gpio.Level) string {
	if l == gpio.High {
		return "HIGH"
	}
	return "LOW"
}

func statusConfig(cfg *config.Config, instance string) status.Config {
	return status.Config{
		Instance:    instance,
		SensorPin:   cfg.Sensor.Pin,
		Threshold:   cfg.Sensor.Threshold,
		DebounceMs:  cfg.Sensor.Debounce.Milliseconds(),
		VacancyMs:   cfg.Sensor.Vacancy.Milliseconds(),
		PollMs:      cfg.Sensor.PollTimeout.Milliseconds(),
		HeartbeatMs: cfg.MQTT.Heartbeat.Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		HTTPPort:    cfg.HTTP.Addr,
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
