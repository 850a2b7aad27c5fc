package mqtt

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/foosball-sensor/internal/logic"
)

// DefaultBufferSize is the number of messages kept while the broker is
// unreachable.
const DefaultBufferSize = 1000

const publishTimeout = 5 * time.Second

// client is the subset of paho.Client the publisher uses.
type client interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// Option configures a RealPublisher.
type Option func(*RealPublisher)

// WithLogger sets the logger. The default discards output.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *RealPublisher) { p.log = l }
}

// WithInstance sets the run id used in the client id and system payloads.
func WithInstance(id string) Option {
	return func(p *RealPublisher) { p.instance = id }
}

// WithBufferSize sets how many messages are kept while offline.
func WithBufferSize(n int) Option {
	return func(p *RealPublisher) { p.bufferSize = n }
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are buffered and replayed, oldest first, once it
// is back.
type RealPublisher struct {
	client     client
	log        logrus.FieldLogger
	instance   string
	bufferSize int

	mu        sync.Mutex
	backlog   *backlog
	connected bool // has connected at least once
}

// NewRealPublisher creates a publisher for the given broker. A broker that
// is not reachable yet is not an error: the client keeps retrying in the
// background and messages are buffered until it connects.
func NewRealPublisher(broker string, opts ...Option) (*RealPublisher, error) {
	p := newPublisher(nil, opts...)

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "OFFLINE",
		Reason:    "LWT",
		Instance:  p.instance,
	})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	clientID := p.instance
	if len(clientID) > 8 {
		clientID = clientID[:8]
	}
	clientOpts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("foosball-sensor-" + clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(func(paho.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.log.WithError(err).Warn("mqtt connection lost")
		})

	c := paho.NewClient(clientOpts)
	p.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		p.log.WithField("broker", broker).Warn("mqtt broker not reachable yet, buffering")
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func newPublisher(c client, opts ...Option) *RealPublisher {
	p := &RealPublisher{
		client:     c,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.instance == "" {
		p.instance = uuid.NewString()
	}
	if p.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		p.log = l
	}
	p.log = p.log.WithField("component", "mqtt")
	p.backlog = newBacklog(p.bufferSize)
	return p
}

// Publish sends a table event (QoS 1) or button event (QoS 0) to the broker.
func (p *RealPublisher) Publish(event logic.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	var qos byte = 1
	if event.IsButton() {
		qos = 0
	}
	return p.send(outMsg{topic: TopicFor(event), payload: payload, qos: qos})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	if event.Instance == "" {
		event.Instance = p.instance
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	// QoS 1 (at-least-once) for system events - we want to ensure delivery
	return p.send(outMsg{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered returns the number of messages waiting for the connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backlog.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	if n := p.Buffered(); n > 0 {
		p.log.WithField("buffered", n).Warn("closing with undelivered messages")
	}
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}

func (p *RealPublisher) send(msg outMsg) error {
	if !p.client.IsConnectionOpen() {
		p.hold(msg)
		return nil
	}
	if err := p.publish(msg); err != nil {
		p.hold(msg)
		return err
	}
	return nil
}

func (p *RealPublisher) publish(msg outMsg) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (p *RealPublisher) hold(msg outMsg) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backlog.add(msg) {
		p.log.WithField("capacity", p.bufferSize).Warn("mqtt backlog full, dropping button events first")
	}
}

// onConnect announces a reconnection and replays buffered messages.
func (p *RealPublisher) onConnect() {
	p.mu.Lock()
	msgs, dropped := p.backlog.drain()
	reconnect := p.connected
	p.connected = true
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{"buffered": len(msgs), "dropped": dropped}).Info("mqtt connected")
	if reconnect {
		payload, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED", Instance: p.instance})
		if err == nil {
			if err := p.publish(outMsg{topic: TopicSystem, payload: payload, qos: 1}); err != nil {
				p.log.WithError(err).Warn("publish reconnect event")
			}
		}
	}

	for i, msg := range msgs {
		if err := p.publish(msg); err != nil {
			p.log.WithError(err).WithField("remaining", len(msgs)-i).Warn("replay interrupted")
			for _, rest := range msgs[i:] {
				p.hold(rest)
			}
			return
		}
	}
}
