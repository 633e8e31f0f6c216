// Package websocket streams approval lifecycle events to operator consoles.
// A pending approval blocks an agent's action until a human resolves it, so
// reviewers subscribe here instead of polling the approvals list.
package websocket

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uapk/gateway/internal/approval"
	"github.com/uapk/gateway/internal/multitenancy"
)

// Event types pushed over the feed.
const (
	EventApprovalCreated  = "approval_created"
	EventApprovalResolved = "approval_resolved"
)

// ApprovalEvent is one message on the feed.
type ApprovalEvent struct {
	Type      string             `json:"type"`
	Tenant    string             `json:"tenant"`
	Approval  *approval.Approval `json:"approval"`
	Timestamp time.Time          `json:"timestamp"`
}

type client struct {
	conn   *websocket.Conn
	tenant string
}

// ApprovalFeed manages WebSocket subscribers. Each connection is bound to the
// tenant that authenticated it and only receives that tenant's events.
type ApprovalFeed struct {
	clients    map[*client]bool
	broadcast  chan ApprovalEvent
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewApprovalFeed creates the feed hub; call Run in a goroutine to start it.
func NewApprovalFeed(logger *slog.Logger) *ApprovalFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalFeed{
		clients:    make(map[*client]bool),
		broadcast:  make(chan ApprovalEvent, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Run owns the client set; register, unregister, and fan-out all go through
// this loop so no lock is needed.
func (f *ApprovalFeed) Run() {
	for {
		select {
		case c := <-f.register:
			f.clients[c] = true
			f.logger.Info("approval feed client connected", "tenant", c.tenant, "total", len(f.clients))

		case c := <-f.unregister:
			if _, ok := f.clients[c]; ok {
				delete(f.clients, c)
				c.conn.Close()
			}
			f.logger.Info("approval feed client disconnected", "total", len(f.clients))

		case event := <-f.broadcast:
			for c := range f.clients {
				if c.tenant != event.Tenant {
					continue
				}
				if err := c.conn.WriteJSON(event); err != nil {
					f.logger.Warn("approval feed write failed", "error", err)
					c.conn.Close()
					delete(f.clients, c)
				}
			}
		}
	}
}

// Notify queues an event for fan-out. Drops the event when the hub's buffer
// is full rather than blocking the request path.
func (f *ApprovalFeed) Notify(eventType string, a *approval.Approval) {
	if f == nil || a == nil {
		return
	}
	select {
	case f.broadcast <- ApprovalEvent{
		Type:      eventType,
		Tenant:    a.Tenant,
		Approval:  a,
		Timestamp: time.Now().UTC(),
	}:
	default:
		f.logger.Warn("approval feed buffer full, event dropped", "tenant", a.Tenant, "approval_id", a.ApprovalID)
	}
}

// HandleWebSocket upgrades the connection and subscribes it to the
// authenticated tenant's events. Runs behind the tenant middleware.
func (f *ApprovalFeed) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID, err := multitenancy.TenantID(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, tenant: tenantID}
	f.register <- c

	// Drain the read side; the feed is push-only, a read error means the
	// peer went away.
	go func() {
		defer func() { f.unregister <- c }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
