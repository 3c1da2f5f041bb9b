package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"farm-telemetry/internal/auth"
	telemetry "farm-telemetry/internal/telemetry/domain"
)

type streamClient struct {
	groupID  string
	deviceID string
}

func (c streamClient) wants(evt telemetry.ReadingsInserted) bool {
	if c.groupID != "" && c.groupID != evt.GroupID {
		return false
	}
	if c.deviceID != "" && c.deviceID != evt.DeviceID {
		return false
	}
	return true
}

// SSEBroker fans out inserted readings to connected clients.
type SSEBroker struct {
	mu      sync.Mutex
	clients map[chan []byte]streamClient
}

// NewSSEBroker constructs a broker.
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{clients: make(map[chan []byte]streamClient)}
}

// HandleReadingsInserted forwards a committed batch to matching clients.
// Slow clients miss events rather than block ingestion.
func (b *SSEBroker) HandleReadingsInserted(_ context.Context, evt telemetry.ReadingsInserted) error {
	if b == nil {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	// Sends happen under the lock so Unsubscribe and Close cannot close a
	// channel mid-send. They never block.
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch, client := range b.clients {
		if !client.wants(evt) {
			continue
		}
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers a client channel. Empty filters match everything.
func (b *SSEBroker) Subscribe(groupID, deviceID string) chan []byte {
	if b == nil {
		return nil
	}
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.clients[ch] = streamClient{groupID: groupID, deviceID: deviceID}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a client channel.
func (b *SSEBroker) Unsubscribe(ch chan []byte) {
	if b == nil || ch == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
}

// Close disconnects every client.
func (b *SSEBroker) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	for ch := range b.clients {
		delete(b.clients, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Clients reports the number of connected clients.
func (b *SSEBroker) Clients() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// StreamHandler serves the SSE feed of inserted readings.
type StreamHandler struct {
	broker *SSEBroker
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(broker *SSEBroker) *StreamHandler {
	return &StreamHandler{broker: broker}
}

// ServeHTTP handles GET /api/v1/readings/stream[?device_id=].
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	ch := h.broker.Subscribe(auth.IdentityFrom(r.Context()).ScopeGroup(), r.URL.Query().Get("device_id"))
	if ch == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	defer h.broker.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	notify := r.Context().Done()
	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("event: readings\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-notify:
			return
		}
	}
}
