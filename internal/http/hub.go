package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/models"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/logging"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/metrics"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/session"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transcript"
)

const (
	clientQueue  = 64
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local UI only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans JSON payloads out to websocket clients. It also implements
// session.Observer so live partials, commits and state changes reach the UI.
// Slow clients are dropped rather than slowing the broadcaster.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	count      atomic.Int64
	log        zerolog.Logger
}

var _ session.Observer = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		log:        logging.WithComponent("ws-hub"),
	}
}

// Run serves the hub until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	clients := make(map[*client]struct{})

	drop := func(c *client) {
		if _, ok := clients[c]; !ok {
			return
		}
		delete(clients, c)
		close(c.send)
		h.count.Add(-1)
		metrics.DefaultMetrics.WebsocketClients.Dec()
	}

	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				drop(c)
			}
			return

		case c := <-h.register:
			clients[c] = struct{}{}
			h.count.Add(1)
			metrics.DefaultMetrics.WebsocketClients.Inc()
			h.log.Info().Int("clients", len(clients)).Msg("Client connected")

		case c := <-h.unregister:
			drop(c)
			h.log.Info().Int("clients", len(clients)).Msg("Client disconnected")

		case payload := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- payload:
				default:
					h.log.Warn().Msg("Client too slow, disconnecting")
					drop(c)
				}
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Broadcast queues payload for every client without blocking. It returns
// false when the queue is full or the hub has stopped.
func (h *Hub) Broadcast(payload []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.broadcast <- payload:
		return true
	default:
		h.log.Warn().Msg("Broadcast queue full, dropping message")
		return false
	}
}

// ServeWS upgrades the request and registers the connection. backlog runs
// once the client is registered and its payloads are written before any
// broadcast, so nothing committed while the backlog is built is lost.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, backlog func() [][]byte) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientQueue)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	var initial [][]byte
	if backlog != nil {
		initial = backlog()
	}
	go h.writePump(c, initial)
	go h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client, initial [][]byte) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for _, payload := range initial {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.Debug().Err(err).Msg("Write error")
			return
		}
	}

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.log.Debug().Err(err).Msg("Write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) publish(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return
	}
	h.Broadcast(payload)
}

func (h *Hub) OnPartial(sessionID string, speaker transcript.Speaker, pending string) {
	h.publish(models.NewTranscriptPartial(sessionID, speaker, pending))
}

func (h *Hub) OnCommit(sessionID string, entry transcript.Entry) {
	h.publish(models.NewTranscriptCommitted(sessionID, entry))
}

func (h *Hub) OnStateChange(change session.StateChange) {
	h.publish(models.NewSessionStateChanged(change))
}
