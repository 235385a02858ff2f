package ws

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"watchpost/internal/pipeline"
)

const (
	sendBuffer = 16 // Messages queued per client before it starts missing frames
	feedBuffer = 64
)

// client is one WebSocket connection subscribed to a source. Only its write
// pump writes to conn.
type client struct {
	source string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub fans aggregator updates out to WebSocket clients per source
type Hub struct {
	aggregator *pipeline.Aggregator
	logger     *log.Logger

	// clients maps source -> set of connections
	clients map[string]map[*client]bool
	mu      sync.RWMutex

	sampleRates map[string]int
}

// NewHub creates a hub reading from aggregator
func NewHub(aggregator *pipeline.Aggregator, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		aggregator:  aggregator,
		logger:      logger,
		clients:     make(map[string]map[*client]bool),
		sampleRates: make(map[string]int),
	}
}

// SetSampleRate records the sample rate reported for an audio source
func (h *Hub) SetSampleRate(source string, rate int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sampleRates[source] = rate
}

// register adds a client for its source
func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.source] == nil {
		h.clients[c.source] = make(map[*client]bool)
	}
	h.clients[c.source][c] = true
	h.logger.Printf("[WS] Client registered for %s (total: %d)", c.source, len(h.clients[c.source]))
}

// unregister removes a client and closes its send queue
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.clients[c.source]
	if !ok || !conns[c] {
		return
	}
	delete(conns, c)
	close(c.send)
	if len(conns) == 0 {
		delete(h.clients, c.source)
	}
	h.logger.Printf("[WS] Client unregistered for %s", c.source)
}

// HasClients returns true if any client is connected for source
func (h *Hub) HasClients(source string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[source]) > 0
}

// Sources returns the sources with connected clients
func (h *Hub) Sources() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sources := make([]string, 0, len(h.clients))
	for source := range h.clients {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	return sources
}

// ClientCount returns the total number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// Broadcast queues a message for every client of source. Clients with a
// full queue miss it.
func (h *Hub) Broadcast(source string, msg any) {
	if !h.HasClients(source) {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("[WS] Error marshaling message for %s: %v", source, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[source] {
		select {
		case c.send <- data:
		default:
		}
	}
}

// Run relays new frames, new events and health state transitions until ctx
// is done. Clients receive the current state when they connect, so Run only
// reports changes.
func (h *Hub) Run(ctx context.Context) {
	updates, unsubscribe := h.aggregator.Subscribe("", feedBuffer)
	defer unsubscribe()

	lastFrame := make(map[string]uint64)
	lastEvent := make(map[string]string)
	lastState := make(map[string]pipeline.HealthState)
	for id, snap := range h.aggregator.SnapshotAll() {
		if snap.Frame != nil {
			lastFrame[id] = snap.Frame.Seq
		}
		if snap.Event != nil {
			lastEvent[id] = snap.Event.ID
		}
		lastState[id] = snap.Health.State
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if snap.Frame != nil && snap.Frame.Seq != lastFrame[snap.Source] {
				lastFrame[snap.Source] = snap.Frame.Seq
				if msg := h.frameMessage(snap); msg != nil {
					h.Broadcast(snap.Source, msg)
				}
			}
			if snap.Event != nil && snap.Event.ID != lastEvent[snap.Source] {
				lastEvent[snap.Source] = snap.Event.ID
				h.Broadcast(snap.Source, NewEventMessage(*snap.Event))
			}
			if snap.Health.State != lastState[snap.Source] {
				lastState[snap.Source] = snap.Health.State
				h.Broadcast(snap.Source, NewHealthMessage(snap.Health))
			}
		}
	}
}

// frameMessage builds the relay message for the snapshot's frame
func (h *Hub) frameMessage(snap pipeline.Snapshot) any {
	if snap.Frame == nil || len(snap.Frame.Encoded) == 0 {
		return nil
	}
	switch snap.Frame.Format {
	case pipeline.FormatJPEG:
		return NewFrameMessage(snap)
	case pipeline.FormatPCM:
		h.mu.RLock()
		rate := h.sampleRates[snap.Source]
		h.mu.RUnlock()
		return NewAudioMessage(snap, rate)
	default:
		return nil
	}
}
