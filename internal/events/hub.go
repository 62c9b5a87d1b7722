package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBufSize  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth happens in the JWT middleware before the upgrade; the
	// origin check is the proxy's job in this deployment.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	userID uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
}

// Hub bridges the Redis event bus to connected WebSocket clients. It
// subscribes to each tenant's channel on the first client from that
// tenant, routes each event to the users it targets, and drops slow
// clients rather than block the routing loop.
type Hub struct {
	rdb    *redis.Client
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[uuid.UUID]map[*client]struct{} // userID -> connections
	tenants map[uuid.UUID]context.CancelFunc   // tenantID -> subscription cancel
	members map[uuid.UUID]int                  // tenantID -> connected client count
}

func NewHub(rdb *redis.Client, logger *zap.Logger) *Hub {
	return &Hub{
		rdb:     rdb,
		logger:  logger,
		clients: make(map[uuid.UUID]map[*client]struct{}),
		tenants: make(map[uuid.UUID]context.CancelFunc),
		members: make(map[uuid.UUID]int),
	}
}

// Serve upgrades the request and pumps events to the client until it
// disconnects. Intended to be called from a gin handler that has
// already authenticated the user.
func (h *Hub) Serve(c *gin.Context, tenantID, userID uuid.UUID) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{userID: userID, conn: conn, send: make(chan []byte, sendBufSize)}
	h.register(tenantID, cl)
	defer h.unregister(tenantID, cl)

	go cl.writePump()
	cl.readPump() // blocks until the client goes away
}

func (h *Hub) register(tenantID uuid.UUID, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[cl.userID] == nil {
		h.clients[cl.userID] = make(map[*client]struct{})
	}
	h.clients[cl.userID][cl] = struct{}{}

	h.members[tenantID]++
	if h.members[tenantID] == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		h.tenants[tenantID] = cancel
		go h.consume(ctx, tenantID)
	}
}

func (h *Hub) unregister(tenantID uuid.UUID, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[cl.userID]; ok {
		if _, ok := conns[cl]; ok {
			delete(conns, cl)
			close(cl.send)
			if len(conns) == 0 {
				delete(h.clients, cl.userID)
			}
		}
	}

	h.members[tenantID]--
	if h.members[tenantID] <= 0 {
		delete(h.members, tenantID)
		if cancel, ok := h.tenants[tenantID]; ok {
			cancel()
			delete(h.tenants, tenantID)
		}
	}
}

// consume reads the tenant's Redis channel and routes each event to
// the users it names. It runs for as long as the tenant has at least
// one connected client.
func (h *Hub) consume(ctx context.Context, tenantID uuid.UUID) {
	sub := h.rdb.Subscribe(ctx, channelFor(tenantID))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.route(tenantID, []byte(msg.Payload))
		}
	}
}

// route extracts the target user ids from the raw event payload and
// forwards it to their connections. Unknown event shapes fall back to
// tenant-wide delivery.
func (h *Hub) route(tenantID uuid.UUID, payload []byte) {
	targets := extractTargets(payload)

	h.mu.RLock()
	defer h.mu.RUnlock()

	deliver := func(cl *client) {
		select {
		case cl.send <- payload:
		default:
			// Slow client: drop the event rather than stall the bus.
			// The client resyncs by message id on reconnect.
		}
	}

	if targets == nil {
		for _, conns := range h.clients {
			for cl := range conns {
				deliver(cl)
			}
		}
		return
	}
	for _, userID := range targets {
		for cl := range h.clients[userID] {
			deliver(cl)
		}
	}
}

// extractTargets pulls the per-event audience out of the payload.
// Returns nil for "everyone on this tenant".
func extractTargets(payload []byte) []uuid.UUID {
	var probe struct {
		Type       string      `json:"type"`
		UserID     uuid.UUID   `json:"user_id"`
		Audience   []uuid.UUID `json:"audience"`
		Recipients []struct {
			ID uuid.UUID `json:"id"`
		} `json:"recipients"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil
	}

	switch probe.Type {
	case TypeFlags:
		return []uuid.UUID{probe.UserID}
	case TypeReaction, TypeStream:
		return probe.Audience
	case TypeMessage, TypeUpdateMessage:
		ids := make([]uuid.UUID, 0, len(probe.Recipients))
		for _, r := range probe.Recipients {
			ids = append(ids, r.ID)
		}
		return ids
	default:
		return nil
	}
}

func (c *client) readPump() {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		// Clients only listen; any read error (including close) ends
		// the connection.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
