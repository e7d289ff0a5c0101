package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"flowedge-server/pkg/errors"
	"flowedge-server/pkg/events"
	"flowedge-server/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client represents a connected WebSocket client
type Client struct {
	hub    *FlowHub
	conn   *websocket.Conn
	send   chan []byte
	logger *logrus.Logger
	aor    string // only events of this AOR when set
	kinds  map[events.Kind]struct{}
}

func (c *Client) wants(evt events.FlowEvent) bool {
	if c.aor != "" && c.aor != evt.AOR {
		return false
	}
	if len(c.kinds) > 0 {
		if _, ok := c.kinds[evt.Kind]; !ok {
			return false
		}
	}
	return true
}

// FlowHub streams flow events to WebSocket clients. It is an events.Sink.
type FlowHub struct {
	logger     *logrus.Logger
	clients    map[*Client]bool
	broadcast  chan events.FlowEvent
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	doneOnce   sync.Once
	mutex      sync.RWMutex
	running    bool
}

// WebSocketUpgrader configures the WebSocket connection
var WebSocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewFlowHub creates a new flow event hub
func NewFlowHub(logger *logrus.Logger) *FlowHub {
	return &FlowHub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan events.FlowEvent, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run dispatches events to clients until ctx is done
func (h *FlowHub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket flow hub")
	h.mutex.Lock()
	h.running = true
	h.mutex.Unlock()

	defer func() {
		h.mutex.Lock()
		h.running = false
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
		}
		h.mutex.Unlock()
		h.doneOnce.Do(func() { close(h.done) })
		metrics.SetWebSocketClients(0)
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Shutting down WebSocket flow hub")
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			metrics.SetWebSocketClients(count)
			h.logger.WithFields(logrus.Fields{
				"aor":     client.aor,
				"clients": count,
			}).Info("Client connected to WebSocket")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("Client disconnected from WebSocket")
			}
			count := len(h.clients)
			h.mutex.Unlock()
			metrics.SetWebSocketClients(count)

		case evt := <-h.broadcast:
			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.WithError(err).Error("Failed to marshal flow event")
				continue
			}

			h.mutex.Lock()
			for client := range h.clients {
				if !client.wants(evt) {
					continue
				}
				select {
				case client.send <- data:
				default:
					// slow consumer
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// PublishFlowEvent queues evt for the connected clients without blocking
func (h *FlowHub) PublishFlowEvent(evt events.FlowEvent) error {
	select {
	case h.broadcast <- evt:
		metrics.RecordEventPublished("websocket", "ok")
		return nil
	default:
		metrics.RecordEventPublished("websocket", "dropped")
		return errors.New("flow event hub queue is full", map[string]interface{}{"event_id": evt.ID})
	}
}

// ServeWs handles WebSocket requests from clients. Optional query
// parameters: aor restricts events to one address-of-record, kind is a
// comma separated list of event kinds.
func (h *FlowHub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade connection to WebSocket")
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: h.logger,
		aor:    r.URL.Query().Get("aor"),
	}
	if kinds := r.URL.Query().Get("kind"); kinds != "" {
		client.kinds = make(map[events.Kind]struct{})
		for _, k := range strings.Split(kinds, ",") {
			if k = strings.TrimSpace(k); k != "" {
				client.kinds[events.Kind(k)] = struct{}{}
			}
		}
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

// ClientCount returns the number of connected clients
func (h *FlowHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// IsRunning returns true while Run is dispatching
func (h *FlowHub) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// readPump discards client messages and unregisters the client on close
func (c *Client) readPump() {
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
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Debug("WebSocket read failed")
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
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
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
