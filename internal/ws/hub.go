// Package ws streams kernel trace events (dispatches, traps, faults, IPC) to
// websocket clients. The hub implements the trap dispatcher's Tracer; slow
// clients are dropped rather than allowed to stall the kernel.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/GoKernel/internal/logging"
	"github.com/GriffinCanCode/GoKernel/internal/shared/id"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one trace record.
type Event struct {
	ID     id.TraceID     `json:"id"`
	Time   time.Time      `json:"time"`
	Event  string         `json:"event"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Hub fans trace events out to connected clients.
type Hub struct {
	log *logging.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// NewHub creates an empty hub.
func NewHub(log *logging.Logger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// Emit implements the dispatcher's Tracer. Encoding happens once per event;
// delivery is best-effort per client.
func (h *Hub) Emit(event string, fields map[string]any) {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	if n == 0 {
		return
	}

	payload, err := sonic.Marshal(Event{
		ID:     id.NewTraceID(),
		Time:   time.Now(),
		Event:  event,
		Fields: fields,
	})
	if err != nil {
		h.log.Warn("trace encode failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	for conn, ch := range h.clients {
		select {
		case ch <- payload:
		default:
			// Client is not keeping up; cut it loose.
			delete(h.clients, conn)
			close(ch)
		}
	}
	h.mu.Unlock()
}

// HandleConnection upgrades an HTTP request and streams events until the
// client disconnects.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	go h.writeLoop(conn, ch)

	// Reads only detect disconnects; clients send nothing meaningful.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	if cur, ok := h.clients[conn]; ok && cur == ch {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	conn.Close()
}

func (h *Hub) writeLoop(conn *websocket.Conn, ch chan []byte) {
	for payload := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			break
		}
	}
	conn.Close()
}
