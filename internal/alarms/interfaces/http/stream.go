// Package http exposes the live alarm stream over server-sent events.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	alarmapp "citysense-cloud/internal/alarms/application"
	alarms "citysense-cloud/internal/alarms/domain"
)

// Broker fans alarm transitions out to connected stream clients. It is one
// of the engine's notifiers; a slow client drops events rather than stalling
// the pipeline.
type Broker struct {
	mu      sync.Mutex
	clients map[chan streamEvent]struct{}
}

type streamEvent struct {
	name    string
	payload []byte
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{clients: make(map[chan streamEvent]struct{})}
}

// Notify implements application.Notifier.
func (b *Broker) Notify(_ context.Context, event alarmapp.AlarmEvent) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	name := "triggered"
	if event.Code == alarms.CodeResolved {
		name = "resolved"
	}
	b.broadcast(streamEvent{name: name, payload: payload})
}

func (b *Broker) subscribe() chan streamEvent {
	ch := make(chan streamEvent, 16)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// unsubscribe removes the client without closing its channel; a broadcast
// racing the removal may still hold a reference to it.
func (b *Broker) unsubscribe(ch chan streamEvent) {
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
}

func (b *Broker) broadcast(event streamEvent) {
	b.mu.Lock()
	clients := make([]chan streamEvent, 0, len(b.clients))
	for ch := range b.clients {
		clients = append(clients, ch)
	}
	b.mu.Unlock()
	for _, ch := range clients {
		select {
		case ch <- event:
		default:
		}
	}
}

// StreamHandler serves GET /admin/alarms/stream.
type StreamHandler struct {
	broker *Broker
}

// NewStreamHandler constructs a stream handler over the broker.
func NewStreamHandler(broker *Broker) *StreamHandler {
	return &StreamHandler{broker: broker}
}

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

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := h.broker.subscribe()
	defer h.broker.unsubscribe(ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	done := r.Context().Done()
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("event: " + event.name + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(event.payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-done:
			return
		}
	}
}
