package observability

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

const maxStreamConnections = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamHub fans every emitted event out to connected dashboard/observer
// websocket clients. Adapted from the teacher's single-broadcaster
// MetricsHub: one hub, one register/unregister channel pair, no per-client
// goroutine polling a ticker. Here the hub pushes on Emit rather than on a
// timer, since events (not periodic metrics) are what observers want.
type StreamHub struct {
	mu         sync.RWMutex
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan Event
}

// NewStreamHub creates a hub. Call Run in a goroutine and Publish from
// Sink.OnPublish to wire it to the dispatcher's event stream.
func NewStreamHub() *StreamHub {
	return &StreamHub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan Event, 256),
	}
}

// Publish is the Sink.OnPublish hook. Non-blocking: a full buffer drops
// the event rather than stalling the dispatch loop.
func (h *StreamHub) Publish(ev Event) {
	select {
	case h.events <- ev:
	default:
		log.Printf("observability: stream hub buffer full, dropping event %s", ev.Type)
	}
}

// Run drives the hub until ctx is cancelled.
func (h *StreamHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxStreamConnections {
				h.mu.Unlock()
				conn.Close()
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *StreamHub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("observability: stream write failed, dropping client: %v", err)
			go func(c *websocket.Conn) { h.unregister <- c }(conn)
		}
	}
}

func (h *StreamHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// ServeHTTP upgrades the request to a websocket and registers the
// connection with the hub. Mount at e.g. /stream.
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("observability: websocket upgrade failed: %v", err)
		return
	}
	h.register <- conn
}
