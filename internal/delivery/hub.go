package delivery

import (
	"context"
	"time"

	"github.com/mistnote/mistnote/internal/wire"
	"go.uber.org/zap"
)

// roomDelivery is one envelope addressed to every connection in a room.
type roomDelivery struct {
	room string
	env  wire.Envelope
}

type statusUpdate struct {
	identity   string
	status     string
	statusText string
}

// Hub owns the identity rooms and the online registry. All room and registry
// mutation happens on the Run goroutine, so events across connections may
// interleave but hub state never races.
type Hub struct {
	register   chan *conn
	unregister chan *conn
	outbound   chan roomDelivery
	status     chan statusUpdate

	rooms     map[string]map[*conn]bool
	registry  *OnlineRegistry
	directory Directory
	logger    *zap.Logger
}

// NewHub creates a hub backed by the given directory.
func NewHub(directory Directory, registry *OnlineRegistry, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		register:   make(chan *conn),
		unregister: make(chan *conn),
		outbound:   make(chan roomDelivery, 256),
		status:     make(chan statusUpdate),
		rooms:      make(map[string]map[*conn]bool),
		registry:   registry,
		directory:  directory,
		logger:     logger,
	}
}

// Run processes hub events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.addConn(c)
		case c := <-h.unregister:
			h.removeConn(c)
		case d := <-h.outbound:
			h.fanOut(d)
		case u := <-h.status:
			h.applyStatus(u)
		case <-ctx.Done():
			return
		}
	}
}

// Deliver queues env for every connection in the identity's room.
func (h *Hub) Deliver(room string, env wire.Envelope) {
	h.outbound <- roomDelivery{room: room, env: env}
}

// UpdateStatus records a presence change and notifies the identity's contacts.
func (h *Hub) UpdateStatus(identity, status, statusText string) {
	h.status <- statusUpdate{identity: identity, status: status, statusText: statusText}
}

func (h *Hub) addConn(c *conn) {
	first := len(h.rooms[c.identity]) == 0
	if h.rooms[c.identity] == nil {
		h.rooms[c.identity] = make(map[*conn]bool)
	}
	h.rooms[c.identity][c] = true
	h.logger.Info("connection joined room",
		zap.String("identity", c.identity),
		zap.String("conn_id", c.id),
		zap.Int("sessions", len(h.rooms[c.identity])))

	if !first {
		return
	}

	profile, err := h.directory.Profile(c.identity)
	if err != nil {
		h.logger.Warn("profile snapshot unavailable", zap.String("identity", c.identity), zap.Error(err))
		profile = ProfileSnapshot{Identity: c.identity, Status: "online"}
	}
	if profile.Status == "" || profile.Status == "offline" {
		profile.Status = "online"
	}
	h.registry.set(c.identity, &RegistryEntry{
		ConnectionID: c.id,
		Profile:      profile,
		LastSeen:     time.Now(),
	})

	h.broadcastToContacts(c.identity, wire.EventUserOnline, wire.UserOnline{
		Identity:   c.identity,
		Status:     profile.Status,
		StatusText: profile.StatusText,
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (h *Hub) removeConn(c *conn) {
	room, ok := h.rooms[c.identity]
	if !ok || !room[c] {
		return
	}
	delete(room, c)
	close(c.send)
	h.logger.Info("connection left room",
		zap.String("identity", c.identity),
		zap.String("conn_id", c.id),
		zap.Int("sessions", len(room)))

	if len(room) > 0 {
		return
	}
	delete(h.rooms, c.identity)
	h.registry.remove(c.identity)

	h.broadcastToContacts(c.identity, wire.EventUserOffline, wire.UserOffline{
		Identity: c.identity,
		LastSeen: time.Now().UnixMilli(),
	})
}

func (h *Hub) applyStatus(u statusUpdate) {
	h.registry.updateStatus(u.identity, u.status, u.statusText)
	h.broadcastToContacts(u.identity, wire.EventUserStatusChanged, wire.UserStatusChanged{
		Identity:   u.identity,
		Status:     u.status,
		StatusText: u.statusText,
	})
}

func (h *Hub) fanOut(d roomDelivery) {
	for c := range h.rooms[d.room] {
		if c.dropped {
			continue
		}
		select {
		case c.send <- d.env:
		default:
			// Slow consumer: sever the socket and let its read pump
			// unregister the connection. Only removeConn closes c.send,
			// after the pump has exited, so a late reply never hits a
			// closed channel.
			h.logger.Warn("send buffer full, dropping connection",
				zap.String("identity", c.identity), zap.String("conn_id", c.id))
			c.dropped = true
			_ = c.ws.Close()
		}
	}
}

func (h *Hub) broadcastToContacts(identity, event string, payload any) {
	contacts, err := h.directory.Contacts(identity)
	if err != nil {
		h.logger.Warn("contact lookup failed", zap.String("identity", identity), zap.Error(err))
		return
	}
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	for _, contact := range contacts {
		h.fanOut(roomDelivery{room: contact, env: env})
	}
}
