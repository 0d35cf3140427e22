// Package stream broadcasts lifecycle notifications (trades created,
// cancelled and settled, options resolved, events completed) to WebSocket
// clients. Messages about one user's trades only reach that user and
// administrators.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/auth"
	"github.com/atmx/settlement-engine/internal/httpx"
	"github.com/atmx/settlement-engine/internal/metrics"
)

// Message types.
const (
	TradeCreated       = "trade_created"
	TradeCancelled     = "trade_cancelled"
	TradeSettled       = "trade_settled"
	OptionResolved     = "option_resolved"
	EventCompleted     = "event_completed"
	EventStatusChanged = "event_status_changed"
)

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type     string    `json:"type"`
	EventID  string    `json:"eventId,omitempty"`
	OptionID string    `json:"optionId,omitempty"`
	TradeID  string    `json:"tradeId,omitempty"`
	UserID   string    `json:"userId,omitempty"`
	Status   string    `json:"status,omitempty"`
	Result   *bool     `json:"result,omitempty"`
	Amount   string    `json:"amount,omitempty"`
	Payout   string    `json:"payout,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher receives notifications after a state change has committed.
// Implementations must not block.
type Publisher interface {
	Publish(msg Message)
}

// subscriber is the identity a connection was opened with.
type subscriber struct {
	userID string
	admin  bool
}

// receives reports whether a message owned by userID may be sent to sub.
// Messages without an owner go to everyone.
func (sub subscriber) receives(userID string) bool {
	return userID == "" || sub.admin || sub.userID == userID
}

type registration struct {
	conn *websocket.Conn
	sub  subscriber
}

type envelope struct {
	owner string
	data  []byte
}

// Hub manages WebSocket connections and fans published messages out to
// the connected clients allowed to see them.
type Hub struct {
	clients    map[*websocket.Conn]subscriber
	broadcast  chan envelope
	register   chan registration
	unregister chan *websocket.Conn
	stopped    chan struct{} // closed when Run returns
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]subscriber),
		broadcast:  make(chan envelope, 256),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		stopped:    make(chan struct{}),
	}
}

var _ Publisher = (*Hub)(nil)

// Run starts the hub's main event loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.conn] = reg.sub
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, sub := range h.clients {
				if !sub.receives(msg.owner) {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Publish queues a message for the connected clients. A message with a
// UserID is only delivered to that user and to administrators.
func (h *Hub) Publish(msg Message) {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- envelope{owner: msg.UserID, data: data}:
	default:
		slog.Warn("ws broadcast buffer full, dropping message", "type", msg.Type)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // origins are enforced by the CORS layer
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. It must
// be mounted behind auth.Authenticate.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, apperr.New(apperr.Unauthorized, "authentication required"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- registration{conn: conn, sub: subscriber{userID: id.UserID, admin: id.IsAdmin()}}:
	case <-h.stopped:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.stopped:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			var err error
			h.mu.Lock()
			_, ok := h.clients[conn]
			if ok {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			h.mu.Unlock()
			if !ok || err != nil {
				return
			}
		}
	}()
}
