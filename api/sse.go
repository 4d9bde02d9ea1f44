package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/srdgame/libplctag-sub000/logging"
	"github.com/srdgame/libplctag-sub000/plcman"
)

const eventValueChange = "value-change"

type sseEvent struct {
	Type    string
	Gateway string
	Tag     string
	Data    interface{}
}

type sseClient struct {
	id     string
	events chan sseEvent
}

// eventHub fans events out to connected SSE clients.
type eventHub struct {
	clients    map[string]*sseClient
	register   chan *sseClient
	unregister chan *sseClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*sseClient),
		register:   make(chan *sseClient),
		unregister: make(chan *sseClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api", "sse client %s buffer full, dropping %s", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) send(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api", "sse broadcast full, dropping %s", event.Type)
	}
}

// Publish broadcasts value changes. It fits plcman.Manager.SetOnValueChange.
func (h *eventHub) Publish(changes []plcman.ValueChange) {
	for _, c := range changes {
		h.send(sseEvent{Type: eventValueChange, Gateway: c.Gateway, Tag: c.Tag, Data: c})
	}
}

// ClientCount returns the number of connected clients.
func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects all clients.
func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func splitFilter(s string) map[string]bool {
	if s == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, v := range strings.Split(s, ",") {
		out[strings.TrimSpace(v)] = true
	}
	return out
}

// handleSSE streams value changes, filtered by ?gateways= and ?tags=.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	gatewayFilter := splitFilter(r.URL.Query().Get("gateways"))
	tagFilter := splitFilter(r.URL.Query().Get("tags"))

	client := &sseClient{
		id:     fmt.Sprintf("sse-%d", time.Now().UnixNano()),
		events: make(chan sseEvent, 64),
	}
	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			select {
			case h.hub.unregister <- client:
			case <-h.hub.done:
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if gatewayFilter != nil && !gatewayFilter[event.Gateway] {
				continue
			}
			if tagFilter != nil && !tagFilter[event.Tag] {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
