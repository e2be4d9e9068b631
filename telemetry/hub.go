package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"auto_ibkr_go/logs"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Event is a single message pushed to live subscribers.
type Event struct {
	Time    time.Time         `json:"time"`
	Source  string            `json:"source"` // engine | guardian | liquidator
	Kind    string            `json:"kind"`   // state | breach | liquidation | stop
	Symbol  string            `json:"symbol,omitempty"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Sink receives events. Publish must never block the caller.
type Sink interface {
	Publish(ev Event)
}

// Discard is a Sink that drops everything.
var Discard Sink = nopSink{}

type nopSink struct{}

func (nopSink) Publish(Event) {}

// Hub fans events out to connected websocket clients.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	lock      sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 256),
	}
}

// Publish queues ev for broadcast. When the queue is full the event is dropped.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		logs.Warnf("[Telemetry] Failed to encode event: %v", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		logs.Debugf("[Telemetry] Broadcast queue full, dropping %s event", ev.Kind)
	}
}

// Run delivers queued messages until ctx is cancelled, then closes all clients.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.lock.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.lock.Unlock()
			return
		case message := <-h.broadcast:
			h.lock.Lock()
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.lock.Unlock()
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and registers the connection as a subscriber.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Warnf("[Telemetry] WS upgrade error: %v", err)
		return
	}
	h.lock.Lock()
	h.clients[conn] = true
	h.lock.Unlock()
	logs.Debugf("[Telemetry] Subscriber connected from %s", r.RemoteAddr)

	// Drain reads so close frames are processed and dead peers are dropped.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.lock.Lock()
				if h.clients[conn] {
					conn.Close()
					delete(h.clients, conn)
				}
				h.lock.Unlock()
				return
			}
		}
	}()
}
