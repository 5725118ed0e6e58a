// Package realtime pushes change notifications to connected staff over websockets
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/jobs"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/metrics"
	"github.com/relabs-tech/hotelier/core/rest"
)

// Message types
const (
	TypeInventoryUpdate  = "inventory_update"
	TypeLowStockAlert    = "low_stock_alert"
	TypeOrderUpdate      = "order_update"
	TypeRequestUpdate    = "request_update"
	TypeLoyaltyUpdate    = "loyalty_update"
	TypeInvoiceUpdate    = "invoice_update"
	TypeDashboardRefresh = "dashboard_refresh"
)

// ResourceTypes maps resources to the message type their changes are pushed as
var ResourceTypes = map[string]string{
	"category":           TypeInventoryUpdate,
	"item":               TypeInventoryUpdate,
	"adjustment":         TypeInventoryUpdate,
	"low_stock_alert":    TypeLowStockAlert,
	"supplier":           TypeOrderUpdate,
	"order":              TypeOrderUpdate,
	"guest_request":      TypeRequestUpdate,
	"member":             TypeLoyaltyUpdate,
	"points_transaction": TypeLoyaltyUpdate,
	"reward":             TypeLoyaltyUpdate,
	"redemption":         TypeLoyaltyUpdate,
	"invoice":            TypeInvoiceUpdate,
	"payment":            TypeInvoiceUpdate,
	"dashboard":          TypeDashboardRefresh,
}

// Message is pushed to every connected client
type Message struct {
	Type      string          `json:"type"`
	Resource  string          `json:"resource"`
	Operation core.Operation  `json:"operation"`
	ID        *uuid.UUID      `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage builds the message for a change of resource. The id is taken from
// the payload's "<resource>_id" property if present.
func NewMessage(resource string, operation core.Operation, payload []byte) Message {
	m := Message{
		Type:      ResourceTypes[resource],
		Resource:  resource,
		Operation: operation,
		Timestamp: time.Now().UTC(),
	}
	if m.Type == "" {
		m.Type = resource
	}
	if len(payload) > 0 && json.Valid(payload) {
		m.Data = payload
		var ids map[string]interface{}
		if json.Unmarshal(payload, &ids) == nil {
			if s, ok := ids[resource+"_id"].(string); ok {
				if id, err := uuid.Parse(s); err == nil {
					m.ID = &id
				}
			}
		}
	}
	return m
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	sendBufferSize = 64
)

var permits = []access.Permit{
	{Role: access.RoleEverybody, Operations: []core.Operation{core.OperationRead}},
}

type connection struct {
	conn     *websocket.Conn
	send     chan []byte
	identity string
}

// envelope carries a message between hub instances through redis
type envelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

// Builder is a builder helper for the Hub
type Builder struct {
	// Redis is optional. With it, messages are shared between all instances of the service.
	Redis *redis.Client
	// Channel is the redis channel, "hotelier:realtime" if empty
	Channel string
	// CheckOrigin for the websocket upgrade. Same origin only if nil.
	CheckOrigin func(r *http.Request) bool
}

// Hub keeps the websocket connections and broadcasts messages to them.
// It implements core.Notifier.
type Hub struct {
	upgrader  websocket.Upgrader
	redis     *redis.Client
	channel   string
	instance  string
	mutex     sync.RWMutex
	clients   map[*connection]bool
	observers []func(context.Context, Message)
}

var _ core.Notifier = (*Hub)(nil)

// NewHub creates a new hub
func NewHub(b *Builder) *Hub {
	channel := b.Channel
	if channel == "" {
		channel = "hotelier:realtime"
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     b.CheckOrigin,
		},
		redis:    b.Redis,
		channel:  channel,
		instance: uuid.NewString(),
		clients:  map[*connection]bool{},
	}
}

// Observe installs a callback for every message the hub broadcasts. Install
// observers before serving.
func (h *Hub) Observe(observer func(context.Context, Message)) {
	h.observers = append(h.observers, observer)
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Notify broadcasts a change. With redis, the message is also published to the
// other instances.
func (h *Hub) Notify(resource string, operation core.Operation, payload []byte) {
	h.Publish(context.Background(), NewMessage(resource, operation, payload))
}

// Publish broadcasts the message locally and, with redis, to the other instances
func (h *Hub) Publish(ctx context.Context, m Message) {
	h.Broadcast(ctx, m)
	if h.redis == nil {
		return
	}
	data, _ := json.Marshal(envelope{Origin: h.instance, Message: m})
	if err := h.redis.Publish(ctx, h.channel, data).Err(); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5501: cannot publish realtime message")
	}
}

// Broadcast sends the message to the local clients. Clients that cannot keep up
// are dropped.
func (h *Hub) Broadcast(ctx context.Context, m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5502: cannot marshal realtime message")
		return
	}
	h.mutex.Lock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			logger.FromContext(ctx).Warnf("dropping slow realtime client %s", c.identity)
			delete(h.clients, c)
			close(c.send)
		}
	}
	n := len(h.clients)
	h.mutex.Unlock()
	metrics.SetWebsocketClients(n)

	for _, observer := range h.observers {
		observer(ctx, m)
	}
}

// Subscribe pushes the notifications of all resources in ResourceTypes that are
// stored through the queue
func (h *Hub) Subscribe(queue *jobs.Queue) {
	for resource := range ResourceTypes {
		if resource == "low_stock_alert" || resource == "dashboard" {
			continue
		}
		queue.HandleResourceNotification(resource, func(ctx context.Context, n jobs.Notification) error {
			m := NewMessage(n.Resource, n.Operation, n.Payload)
			if m.ID == nil && n.ResourceID != uuid.Nil {
				id := n.ResourceID
				m.ID = &id
			}
			h.Publish(ctx, m)
			return nil
		})
	}
}

// Run relays the messages of the other instances until ctx is done. It returns
// immediately without redis.
func (h *Hub) Run(ctx context.Context) error {
	if h.redis == nil {
		return nil
	}
	pubsub := h.redis.Subscribe(ctx, h.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	rlog := logger.FromContext(ctx)
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var e envelope
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				rlog.WithError(err).Errorln("Error 5503: invalid realtime message")
				continue
			}
			if e.Origin == h.instance {
				continue
			}
			h.Broadcast(ctx, e.Message)
		}
	}
}

func (h *Hub) register(c *connection) {
	h.mutex.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mutex.Unlock()
	metrics.SetWebsocketClients(n)
}

func (h *Hub) unregister(c *connection) {
	h.mutex.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mutex.Unlock()
	metrics.SetWebsocketClients(n)
}

// HandleRoutes adds GET /ws to the router
func (h *Hub) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("realtime")
	logger.Default().Debugln("  handle route: /ws GET")

	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		rlog.Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, permits) {
			return
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// the upgrader has replied already
			rlog.WithError(err).Warnln("websocket upgrade failed")
			return
		}
		c := &connection{
			conn:     conn,
			send:     make(chan []byte, sendBufferSize),
			identity: access.IdentityFromContext(r.Context()),
		}
		h.register(c)
		go h.writePump(c)
		h.readPump(c)
	}).Methods(http.MethodGet)
}

// readPump discards client messages and unregisters the client when the connection breaks
func (h *Hub) readPump(c *connection) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
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

func (h *Hub) writePump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
