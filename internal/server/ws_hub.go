package server

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/observability"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

// WSHub streams accepted domain events to WebSocket clients. It is fed by a core observer
// channel; a client that cannot keep up is disconnected rather than slowing the others.
type WSHub struct {
	inputChan <-chan core.CoreOutput
	upgrader  websocket.Upgrader
	metrics   *observability.Metrics
	logger    zerolog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	market string // empty: all markets
}

func NewWSHub(inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *WSHub {
	return &WSHub{
		inputChan: inputChan,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: metrics,
		logger:  observability.NewLogger("ws-hub"),
		clients: make(map[*wsClient]struct{}),
	}
}

// Run broadcasts every output until ctx is done or the input closes, then disconnects all clients.
func (h *WSHub) Run(ctx context.Context) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-h.inputChan:
			if !ok {
				return nil
			}
			if out.Envelope != nil {
				h.Broadcast(ingestion.Publishable(out.Envelope))
			}
		}
	}
}

// Broadcast sends events to every client subscribed to their market.
func (h *WSHub) Broadcast(events []ingestion.PublishableEvent) {
	for _, evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			h.logger.Error().Err(err).Int64("sequence", evt.Sequence).Msg("encode event")
			continue
		}

		var slow []*wsClient
		h.mu.RLock()
		for c := range h.clients {
			if c.market != "" && (evt.MarketID == nil || *evt.MarketID != c.market) {
				continue
			}
			select {
			case c.send <- data:
			default:
				slow = append(slow, c)
			}
		}
		h.mu.RUnlock()

		for _, c := range slow {
			h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("dropping slow ws client")
			h.remove(c)
		}
	}
}

// HandleWS upgrades GET /v1/events/ws. The optional market_id query parameter filters events.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("ws upgrade failed")
		return
	}
	c := &wsClient{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		market: r.URL.Query().Get("market_id"),
	}
	h.add(c)

	go h.writePump(c)
	go h.readPump(c)
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.setGauge(n)
	h.logger.Info().Int("total", n).Str("market_id", c.market).Msg("ws client connected")
}

// remove unregisters c and closes its send channel; the write pump then closes the connection.
func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()
	h.setGauge(n)
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.setGauge(0)
}

func (h *WSHub) setGauge(n int) {
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(n))
	}
}

// readPump discards client messages and detects disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
