package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/labqc/labqc-server/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StreamHub maintains the set of websocket subscribers and broadcasts alert
// lifecycle events to them. It implements domain.EventSink for the alert
// stream; validation and correlation events pass through unsubscribed.
type StreamHub struct {
	logger     *logrus.Logger
	clients    map[*streamClient]bool
	broadcast  chan []byte
	register   chan *streamClient
	unregister chan *streamClient
	done       chan struct{}
	stop       sync.Once
	mu         sync.RWMutex
}

type streamClient struct {
	hub  *StreamHub
	conn *websocket.Conn
	send chan []byte
}

// NewStreamHub creates the hub; Run must be started before subscribers attach
func NewStreamHub(logger *logrus.Logger) *StreamHub {
	return &StreamHub{
		logger:     logger,
		clients:    make(map[*streamClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until Stop is called
func (h *StreamHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.WithField("remote", client.conn.RemoteAddr().String()).Debug("Alert stream client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; drop it rather than block the stream.
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop shuts the hub down and disconnects all subscribers. It is
// idempotent.
func (h *StreamHub) Stop() {
	h.stop.Do(func() { close(h.done) })
}

func (h *StreamHub) publish(eventType string, payload interface{}) {
	message, err := json.Marshal(map[string]interface{}{
		"type":      eventType,
		"payload":   payload,
		"timestamp": time.Now(),
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode stream event")
		return
	}
	select {
	case h.broadcast <- message:
	default:
		// Broadcast buffer full; the stream is best-effort.
	}
}

// RecordAlert implements domain.EventSink
func (h *StreamHub) RecordAlert(alert *domain.Alert) {
	h.publish("alert_raised", alert)
}

// RecordEscalation implements domain.EventSink
func (h *StreamHub) RecordEscalation(alert *domain.Alert) {
	h.publish("alert_escalated", alert)
}

// RecordAcknowledgment implements domain.EventSink
func (h *StreamHub) RecordAcknowledgment(alert *domain.Alert) {
	h.publish("alert_acknowledged", alert)
}

// RecordDelivery implements domain.EventSink
func (h *StreamHub) RecordDelivery(record domain.NotificationRecord) {
	h.publish("notification", record)
}

// RecordValidation implements domain.EventSink; validation chatter is not
// streamed.
func (h *StreamHub) RecordValidation(*domain.ValidationOutcome) {}

// RecordCorrelation implements domain.EventSink
func (h *StreamHub) RecordCorrelation(*domain.ClinicalValidationOutcome) {}

// attach wires a new websocket connection into the hub. A connection that
// upgrades after Stop is closed immediately instead of blocking on the
// register channel nobody is reading anymore.
func (h *StreamHub) attach(conn *websocket.Conn) {
	client := &streamClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 32),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// readPump discards inbound frames; the stream is broadcast-only but the
// read loop is needed to process control frames and detect disconnects.
func (c *streamClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).Debug("Alert stream read error")
			}
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
