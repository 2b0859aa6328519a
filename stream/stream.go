// Package stream pushes studio progress events to the browser over
// server-sent events. The hub is sized for a single-user local app: a
// handful of tabs, small per-client buffers, and events dropped rather
// than ever blocking the pipeline that produces them.
package stream

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Event types carried in the SSE envelope.
const (
	EventConnected        = "connected"
	EventBatchItem        = "batch-item"
	EventBatchDone        = "batch-done"
	EventDownloadProgress = "download-progress"
)

const (
	// MaxClients bounds concurrent SSE connections. The server binds to
	// loopback; more than a few browser tabs means something is wrong.
	MaxClients = 16

	// clientBuffer is each connection's pending-event queue. A stalled
	// tab loses progress frames instead of stalling the batch runner.
	clientBuffer = 64

	// keepAliveInterval spaces the comment pings that keep idle
	// connections open through browsers and local proxies.
	keepAliveInterval = 15 * time.Second
)

// Event is the envelope every SSE data frame carries.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// BatchItemEvent reports one batch item's status change.
type BatchItemEvent struct {
	BatchID string `json:"batchId"`
	Item    any    `json:"item"`
}

// BatchDoneEvent signals that every item in a batch has settled.
type BatchDoneEvent struct {
	BatchID string `json:"batchId"`
}

type client struct {
	frames chan []byte
}

// Hub fans encoded events out to connected SSE clients. The zero value
// is not usable; use NewHub.
type Hub struct {
	maxClients int

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	done      chan struct{}
	closeOnce sync.Once

	sent     atomic.Int64
	dropped  atomic.Int64
	rejected atomic.Int64
}

// NewHub builds a hub admitting at most maxClients connections.
func NewHub(maxClients int) *Hub {
	if maxClients < 1 {
		maxClients = 1
	}
	return &Hub{
		maxClients: maxClients,
		clients:    make(map[*client]struct{}),
		done:       make(chan struct{}),
	}
}

// defaultHub is shared by the server and the downloads manager.
var defaultHub = NewHub(MaxClients)

// encodeFrame renders one event as an SSE data frame.
func encodeFrame(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// Publish encodes one event and queues it for every connected client.
// Clients whose buffer is full lose the event; Publish never blocks.
func (h *Hub) Publish(eventType string, data any) {
	frame, err := encodeFrame(Event{Type: eventType, Data: data})
	if err != nil {
		log.Printf("stream: encode %s event: %v", eventType, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for c := range h.clients {
		select {
		case c.frames <- frame:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) >= h.maxClients {
		h.rejected.Add(1)
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Close disconnects every client and refuses new connections. Events
// published after Close are discarded.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.done)
	})
}

// Stats reports hub counters for the health endpoint.
func (h *Hub) Stats() map[string]any {
	h.mu.Lock()
	active := len(h.clients)
	h.mu.Unlock()
	return map[string]any{
		"active_connections":   active,
		"max_connections":      h.maxClients,
		"events_sent":          h.sent.Load(),
		"events_dropped":       h.dropped.Load(),
		"rejected_connections": h.rejected.Load(),
	}
}

// ServeHTTP implements the SSE endpoint: register, greet, then relay
// frames until the client disconnects or the hub shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	c := &client{frames: make(chan []byte, clientBuffer)}
	if !h.add(c) {
		http.Error(w, "too many stream connections", http.StatusServiceUnavailable)
		return
	}
	defer h.remove(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if hello, err := encodeFrame(Event{Type: EventConnected}); err == nil {
		if _, err := w.Write(hello); err != nil {
			return
		}
		flusher.Flush()
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case frame := <-c.frames:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Package-level wrappers over the default hub.

// StreamHandler serves the /stream SSE endpoint.
func StreamHandler(w http.ResponseWriter, r *http.Request) {
	defaultHub.ServeHTTP(w, r)
}

// Shutdown disconnects every client of the default hub.
func Shutdown() {
	defaultHub.Close()
}

// Stats reports the default hub's counters.
func Stats() map[string]any {
	return defaultHub.Stats()
}

// PublishBatchItem pushes one item status change to connected clients.
func PublishBatchItem(batchID string, item any) {
	defaultHub.Publish(EventBatchItem, BatchItemEvent{BatchID: batchID, Item: item})
}

// PublishBatchDone signals batch completion to connected clients.
func PublishBatchDone(batchID string) {
	defaultHub.Publish(EventBatchDone, BatchDoneEvent{BatchID: batchID})
}

// PublishDownloadProgress pushes installer progress to connected clients.
func PublishDownloadProgress(progress any) {
	defaultHub.Publish(EventDownloadProgress, progress)
}
