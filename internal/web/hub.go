package web

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/foosball-sensor/internal/logic"
	"github.com/sweeney/foosball-sensor/internal/mqtt"
	"github.com/sweeney/foosball-sensor/internal/status"
)

const clientQueue = 64

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, clientQueue),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Hub fans table and button events out to live page clients.
// Each message is the same JSON document published over MQTT; a new
// client first receives the current status snapshot.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	tracker *status.Tracker
	log     logrus.FieldLogger
}

// NewHub creates a Hub. tracker may be nil, in which case new clients get
// no initial snapshot.
func NewHub(tracker *status.Tracker, log logrus.FieldLogger) *Hub {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Hub{
		clients: make(map[*client]bool),
		tracker: tracker,
		log:     log.WithField("component", "hub"),
	}
}

func (h *Hub) add(conn *websocket.Conn) *client {
	c := newClient(conn)

	// Queue the snapshot before registering so it precedes any broadcast.
	if h.tracker != nil {
		c.send <- status.FormatJSON(h.tracker.Snapshot())
	}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends an event to every connected client.
func (h *Hub) Broadcast(event logic.Event) {
	data, err := mqtt.FormatPayload(event)
	if err != nil {
		h.log.WithError(err).Warn("broadcast marshal failed")
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	// Sends happen under the read lock so remove cannot close a channel
	// mid-send.
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("ws client too slow, disconnecting")
		h.remove(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}
