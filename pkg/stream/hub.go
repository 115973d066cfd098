package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/redis-sre/agentcore/pkg/logger"
	"github.com/redis-sre/agentcore/pkg/ports"
)

const maxWSConnections = 500

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans stream events out to WebSocket clients grouped by thread id.
// One hub serves every thread; clients subscribe to the thread they're
// viewing by connecting to /threads/{id}/stream.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]string // conn -> thread_id
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]string)}
}

// ServeWS upgrades the request and registers the connection for threadID's
// events. It blocks, running the read pump until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, threadID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warn().Err(err).Msg("stream: websocket upgrade failed")
		return
	}
	defer h.unregister(conn)

	h.mu.Lock()
	if len(h.clients) >= maxWSConnections {
		h.mu.Unlock()
		conn.Close()
		logger.Log.Warn().Int("max", maxWSConnections).Msg("stream: websocket connection rejected, at capacity")
		return
	}
	h.clients[conn] = threadID
	h.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// Publish implements ports.StreamChannel by fanning the event out to every
// client currently watching threadID. Unlike RedisPublisher this is
// in-process only: it has no memory of events published before a client
// connected, and no reach across worker processes.
func (h *Hub) Publish(ctx context.Context, threadID string, event ports.StreamEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, tid := range h.clients {
		if tid != threadID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(wireEvent{
			ThreadID: threadID, TaskID: event.TaskID, Type: event.Type,
			Message: event.Message, At: event.At.Format(time.RFC3339Nano),
		}); err != nil {
			logger.Log.Warn().Err(err).Msg("stream: websocket write failed")
			go h.unregister(conn)
		}
	}
	return nil
}

// ClientCount returns the number of currently connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connected client.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}
