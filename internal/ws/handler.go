// Package ws pushes live frames, audio, events and health to WebSocket
// clients and accepts start/stop commands.
package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"watchpost/internal/pipeline"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 512 // Clients only send short commands
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // 256KB for base64 encoded JPEG frames
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades requests and serves one source per connection
type Handler struct {
	hub        *Hub
	controller pipeline.Controller
}

// NewHandler creates a WebSocket handler. controller may be nil, in which
// case commands are refused.
func NewHandler(hub *Hub, controller pipeline.Controller) *Handler {
	return &Handler{hub: hub, controller: controller}
}

// Serve upgrades the connection and streams source until the client leaves
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, source string) {
	snap, ok := h.hub.aggregator.Snapshot(source)
	if !ok {
		http.Error(w, fmt.Sprintf("source %s not found", source), http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Printf("[WS] Upgrade error: %v", err)
		return
	}
	h.hub.logger.Printf("[WS] New connection for %s from %s", source, r.RemoteAddr)

	c := &client{source: source, conn: conn, send: make(chan []byte, sendBuffer)}
	h.queue(c, NewHealthMessage(snap.Health))
	if msg := h.hub.frameMessage(snap); msg != nil {
		h.queue(c, msg)
	}
	h.hub.register(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Handler) queue(c *client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump owns all writes to the connection, pings included
func (h *Handler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.hub.logger.Printf("[WS] Error sending to client of %s: %v", c.source, err)
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

// readPump handles commands and detects disconnection
func (h *Handler) readPump(c *client) {
	defer func() {
		h.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.hub.logger.Printf("[WS] Read error for %s: %v", c.source, err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		h.queue(c, h.command(c.source, string(data)))
	}
}

// command runs a client command. The legacy per-device spellings are
// accepted alongside plain start and stop.
func (h *Handler) command(source, text string) CommandReply {
	name := strings.ToLower(strings.TrimSpace(text))
	reply := CommandReply{Type: TypeCommand, Command: name}
	if h.controller == nil {
		reply.Error = "commands are disabled"
		return reply
	}

	var err error
	switch name {
	case "start", "start-camera", "start_audio":
		err = h.controller.StartSource(source)
	case "stop", "stop-camera", "stop_audio":
		err = h.controller.StopSource(source)
	case "restart":
		err = h.controller.Restart(source)
	default:
		err = fmt.Errorf("unknown command %q", name)
	}
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.OK = true
	return reply
}
