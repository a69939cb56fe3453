package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog/log"

	"cryptocrash/internal/metrics"
	"cryptocrash/internal/room"
)

const (
	WRITE_TIMEOUT   = 10 * time.Second
	OUTBOUND_QUEUE  = 256
	BROADCAST_QUEUE = 1024
)

// Conn is the part of a websocket connection the gateway uses. The Fiber
// websocket conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Directory resolves rooms and players to connections.
type Directory interface {
	Members(code string) ([]string, error)
	Lookup(playerID string) (room.Binding, bool)
}

type Client struct {
	id   string
	conn Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	mu   sync.Mutex

	playerMu sync.RWMutex
	playerID string
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) PlayerID() string {
	c.playerMu.RLock()
	defer c.playerMu.RUnlock()
	return c.playerID
}

func (c *Client) setPlayerID(id string) {
	c.playerMu.Lock()
	c.playerID = id
	c.playerMu.Unlock()
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) write(data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

type outbound struct {
	room string
	data []byte
}

// Hub owns the set of live clients. Each client has its own bounded send
// queue drained by a write pump; room and global broadcasts go through the
// hub's run loop.
type Hub struct {
	dir          Directory
	outboundSize int
	writeTimeout time.Duration
	metrics      *metrics.Metrics

	clients   map[string]*Client
	broadcast chan outbound
	mu        sync.RWMutex
}

func NewHub(dir Directory, outboundSize int, writeTimeout time.Duration, m *metrics.Metrics) *Hub {
	if outboundSize < 1 {
		outboundSize = OUTBOUND_QUEUE
	}
	if writeTimeout <= 0 {
		writeTimeout = WRITE_TIMEOUT
	}
	return &Hub{
		dir:          dir,
		outboundSize: outboundSize,
		writeTimeout: writeTimeout,
		metrics:      m,
		clients:      make(map[string]*Client),
		broadcast:    make(chan outbound, BROADCAST_QUEUE),
	}
}

// Run fans room and global broadcasts out to clients until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case msg := <-h.broadcast:
			h.fanout(msg)
		}
	}
}

func (h *Hub) fanout(msg outbound) {
	var targets []*Client
	h.mu.RLock()
	if msg.room == "" {
		targets = make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			targets = append(targets, c)
		}
	} else if members, err := h.dir.Members(msg.room); err == nil {
		for _, id := range members {
			if c, ok := h.clients[id]; ok {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(msg.data) {
			h.overflow(c)
		}
	}
}

// Register adds a client and starts its write pump.
func (h *Hub) Register(id string, conn Conn) *Client {
	c := &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, h.outboundSize),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[id] = c
	total := len(h.clients)
	h.mu.Unlock()

	go h.writePump(c)
	log.Debug().Str("conn_id", id).Int("total", total).Msg("client connected")
	return c
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	total := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.Close()
	log.Debug().Str("conn_id", id).Int("total", total).Msg("client disconnected")
}

func (h *Hub) writePump(c *Client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.write(data, h.writeTimeout); err != nil {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("write failed")
				c.Close()
				return
			}
		}
	}
}

// overflow closes a client that cannot keep up, telling it why first.
func (h *Hub) overflow(c *Client) {
	log.Warn().Str("conn_id", c.id).Msg("outbound queue full, closing connection")
	h.Fail(c, "outbound queue full")
}

// Fail sends a connection_error and closes the connection. The error is
// skipped when a write is already stuck on the connection.
func (h *Hub) Fail(c *Client, reason string) {
	data, err := encode(EventConnectionError, ErrorPayload{Code: CodeConnection, Message: reason})
	if err != nil {
		c.Close()
		return
	}
	go func() {
		if c.mu.TryLock() {
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			c.conn.WriteMessage(websocket.TextMessage, data)
			c.mu.Unlock()
		}
		c.Close()
	}()
}

func (h *Hub) client(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// ToConn delivers an event to one connection.
func (h *Hub) ToConn(id, event string, data any) bool {
	c, ok := h.client(id)
	if !ok {
		return false
	}
	msg, err := encode(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return false
	}
	if !c.enqueue(msg) {
		h.overflow(c)
		return false
	}
	return true
}

// ToPlayer delivers an event to the connection the player is bound to.
func (h *Hub) ToPlayer(playerID, event string, data any) bool {
	b, ok := h.dir.Lookup(playerID)
	if !ok {
		return false
	}
	return h.ToConn(b.ConnID, event, data)
}

func (h *Hub) ToRoom(code, event string, data any) {
	if code == "" {
		return
	}
	h.enqueue(code, event, data)
}

func (h *Hub) ToAll(event string, data any) {
	h.enqueue("", event, data)
}

func (h *Hub) enqueue(code, event string, data any) {
	msg, err := encode(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}
	select {
	case h.broadcast <- outbound{room: code, data: msg}:
	default:
		h.metrics.BroadcastDropped()
		log.Warn().Str("event", event).Str("room", code).Msg("broadcast channel full, dropping message")
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

func encode(event string, data any) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Data: data})
}
