// Package telemetry defines the metrics sink injected into the table workers.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Sink receives metric events from the workers. Implementations must be safe
// for concurrent use.
type Sink interface {
	TableChanged(occupied bool)
	Movement()
	ButtonEvent(button, kind string)
	LivenessExpired(worker string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) TableChanged(bool) {}
func (Nop) Movement() {}
func (Nop) ButtonEvent(string, string) {}
func (Nop) LivenessExpired(string) {}

// Prometheus is a Sink backed by Prometheus collectors.
type Prometheus struct {
	occupied    prometheus.Gauge
	transitions *prometheus.CounterVec
	movements   prometheus.Counter
	buttons     *prometheus.CounterVec
	expiries    *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		occupied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "foosball",
			Subsystem: "table",
			Name:      "occupied",
			Help:      "1 while the table is occupied, 0 while vacant.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foosball",
			Subsystem: "table",
			Name:      "transitions_total",
			Help:      "Number of table state transitions grouped by new state.",
		}, []string{"state"}),
		movements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "foosball",
			Subsystem: "table",
			Name:      "movements_total",
			Help:      "Number of vibration triggers seen by the occupancy detector.",
		}),
		buttons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foosball",
			Subsystem: "button",
			Name:      "events_total",
			Help:      "Number of classified button events grouped by button and kind.",
		}, []string{"button", "kind"}),
		expiries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foosball",
			Subsystem: "worker",
			Name:      "liveness_expired_total",
			Help:      "Number of times a worker stopped itself after losing the coordinator heartbeat.",
		}, []string{"worker"}),
	}
	reg.MustRegister(p.occupied, p.transitions, p.movements, p.buttons, p.expiries)
	return p
}

func (p *Prometheus) TableChanged(occupied bool) {
	state := "vacant"
	v := 0.0
	if occupied {
		state = "occupied"
		v = 1
	}
	p.occupied.Set(v)
	p.transitions.WithLabelValues(state).Inc()
}

func (p *Prometheus) Movement() {
	p.movements.Inc()
}

func (p *Prometheus) ButtonEvent(button, kind string) {
	p.buttons.WithLabelValues(button, kind).Inc()
}

func (p *Prometheus) LivenessExpired(worker string) {
	p.expiries.WithLabelValues(worker).Inc()
}
