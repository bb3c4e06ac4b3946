package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// FrameKind names the dashboard events pushed to browsers.
type FrameKind string

const (
	KindSnapshot     FrameKind = "snapshot"
	KindNotification FrameKind = "notification"
	KindBanner       FrameKind = "banner"
)

// Frame is one websocket push: a dashboard snapshot, an unread-count
// change, or a status banner update.
type Frame struct {
	Kind FrameKind `json:"type"`
	Data any       `json:"data"`
}

// wsClient is one connected browser. Writes go through a buffered
// queue so one stalled connection cannot hold up a broadcast.
type wsClient struct {
	conn *websocket.Conn
	send chan Frame
}

const (
	// Snapshots arrive at most every few seconds; a small queue
	// absorbs a notification and banner landing in the same tick.
	clientQueueSize = 16
	writeTimeout    = 10 * time.Second
)

// writePump drains the client's queue onto the wire. It exits when
// the hub closes the queue or a write fails.
func (c *wsClient) writePump() {
	defer c.conn.Close()
	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(frame); err != nil {
			logrus.WithError(err).Debug("websocket write error")
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(writeTimeout))
}

// WebSocketHub fans dashboard frames out to every connected browser.
type WebSocketHub struct {
	clients    map[*wsClient]struct{}
	broadcast  chan Frame
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
}

// NewWebSocketHub creates an idle hub; Run starts the fan-out loop.
func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan Frame, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run owns the client set. All joins, leaves and broadcasts are
// serialized here, so no lock guards the map.
func (h *WebSocketHub) Run() {
	for {
		select {
		case <-h.done:
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			logrus.WithField("clients", len(h.clients)).Debug("websocket client connected")

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				close(c.send)
				delete(h.clients, c)
			}
			logrus.WithField("clients", len(h.clients)).Debug("websocket client disconnected")

		case frame := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- frame:
				default:
					// The queue is full: the client stopped
					// reading. Drop it rather than stall.
					logrus.Debug("websocket client too slow, dropping")
					close(c.send)
					delete(h.clients, c)
				}
			}
		}
	}
}

// Stop shuts down the fan-out loop and disconnects every client.
func (h *WebSocketHub) Stop() {
	close(h.done)
}

// Broadcast queues a frame for every connected client. It never
// blocks; under backpressure the frame is dropped.
func (h *WebSocketHub) Broadcast(frame Frame) {
	select {
	case h.broadcast <- frame:
	case <-h.done:
	default:
		logrus.Debug("websocket broadcast buffer full, dropping frame")
	}
}

// handleWebSocket upgrades the connection and hands it to the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Debug("websocket upgrade error")
		return
	}

	c := &wsClient{conn: conn, send: make(chan Frame, clientQueueSize)}
	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		conn.Close()
		return
	}
	go c.writePump()

	// The dashboard is push-only; reads exist to observe the close.
	go func() {
		defer func() {
			select {
			case s.hub.unregister <- c:
			case <-s.hub.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
