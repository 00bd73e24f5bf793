// Package hub implements an operator-facing HTTP surface: Prometheus
// metrics, a queue topology summary, and a WebSocket feed of dead-letter
// events so an operator can watch rejected/expired/overflowed messages
// arrive in real time. It is grounded on the teacher's api-side router
// (gin.Engine construction, middleware ordering, /metrics via promhttp)
// and its WebSocket handler (ping/pong keepalive, write-deadline
// discipline; a stream has no maximum lifetime) — generalized from per-job status
// streaming to a broadcast event feed, since a dead-letter event has no
// single subscriber.
package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/naojsoft/datasink/internal/broker"
	"github.com/naojsoft/datasink/internal/config"
)

const (
	wsPingInterval   = 30 * time.Second
	wsPongTimeout    = 10 * time.Second
	wsMaxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Event is one dead-letter observation pushed to connected operators.
type Event struct {
	RoutingKey string `json:"routing_key"`
	Body       string `json:"body"`
	ObservedAt string `json:"observed_at"`
}

// Hub serves the admin HTTP surface and fans out DLX events to WebSocket
// subscribers.
type Hub struct {
	logger *zap.Logger
	topo   map[string]config.QueueOptions

	mu      sync.Mutex
	clients map[chan Event]struct{}
}

// New builds a Hub. topo describes the queue topology surfaced by
// /api/v1/queues.
func New(logger *zap.Logger, topo map[string]config.QueueOptions) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger,
		topo:    topo,
		clients: make(map[chan Event]struct{}),
	}
}

// Broadcast fans out a DLX observation to every connected WebSocket
// client. Call this from the broker.ConsumeDLX callback.
func (h *Hub) Broadcast(msg broker.DLXMessage) {
	evt := Event{
		RoutingKey: msg.RoutingKey,
		Body:       string(msg.Body),
		ObservedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- evt:
		default:
			// Slow subscriber; drop the event rather than block the feed.
		}
	}
}

func (h *Hub) subscribe() chan Event {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

// Router builds the gin.Engine serving /metrics, /api/v1/queues, and
// /api/v1/dlx/stream.
func (h *Hub) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/queues", h.handleQueues)
		v1.GET("/dlx/stream", h.handleDLXStream)
	}
	return r
}

func (h *Hub) handleQueues(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"queues": h.topo})
}

func (h *Hub) handleDLXStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout + wsPingInterval))
		return nil
	})

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := h.subscribe()
	defer h.unsubscribe(events)

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-clientDone:
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(wsPongTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsPongTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}
