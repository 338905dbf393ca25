// Package realtime pushes stream lifecycle events to their owners over WebSocket.
package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/restream/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Hub maintains owner_id -> set of connections and broadcasts messages.
// With Redis configured, events are published there and every instance
// (this one included) broadcasts what it receives for its local owners.
type Hub struct {
	owners   map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per owner
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishOwnerEvent(ownerID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to owner channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeOwner(ownerID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. Both Redis arguments may be nil.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		owners:   make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Register adds a client to its owner's room. Starts the Redis subscription for the owner if first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.owners[c.OwnerID] == nil {
		h.owners[c.OwnerID] = make(map[string]*Client)
		if h.redisSub != nil {
			owner := c.OwnerID
			cancel, err := h.redisSub.SubscribeOwner(owner, func(event string, payload []byte) {
				h.Broadcast(owner, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("redis subscribe failed", zap.String("owner_id", owner.String()), zap.Error(err))
			} else {
				h.subs[owner] = cancel
			}
		}
	}
	h.owners[c.OwnerID][c.ID] = c
	h.logger.Debug("event client connected", zap.String("client_id", c.ID), zap.String("owner_id", c.OwnerID.String()))
}

// Unregister removes a client. Cancels the Redis subscription when the owner's last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.owners[c.OwnerID]
	if !ok {
		return
	}
	if _, ok := m[c.ID]; !ok {
		return
	}
	delete(m, c.ID)
	close(c.send)
	if len(m) == 0 {
		delete(h.owners, c.OwnerID)
		if cancel, ok := h.subs[c.OwnerID]; ok {
			cancel()
			delete(h.subs, c.OwnerID)
		}
	}
	h.logger.Debug("event client disconnected", zap.String("client_id", c.ID), zap.String("owner_id", c.OwnerID.String()))
}

// Broadcast sends a message to all local clients of an owner.
func (h *Hub) Broadcast(ownerID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			h.logger.Warn("event marshal failed", zap.String("event", event), zap.Error(err))
			return
		}
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.owners[ownerID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// PublishStreamEvent delivers a lifecycle event to every connection of the owner.
func (h *Hub) PublishStreamEvent(ownerID uuid.UUID, ev models.StreamEvent) {
	if h.redis == nil {
		h.Broadcast(ownerID, ev.Type, ev)
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := h.redis.PublishOwnerEvent(ownerID, ev.Type, data); err != nil {
		h.logger.Warn("redis publish failed, delivering locally", zap.String("event", ev.Type), zap.Error(err))
		h.Broadcast(ownerID, ev.Type, json.RawMessage(data))
	}
}

// Connections returns the number of local connections of an owner.
func (h *Hub) Connections(ownerID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.owners[ownerID])
}
