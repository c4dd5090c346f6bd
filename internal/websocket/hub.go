package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/tullo/livecore/internal/cache"
	"github.com/tullo/livecore/internal/logger"
	"github.com/tullo/livecore/internal/models"
)

// DisconnectFunc is called once per connection after it has been removed
// from every group.
type DisconnectFunc func(ctx context.Context, info models.ConnInfo)

// streamEnvelope carries a stream-list event between instances.
type streamEnvelope struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// Hub maintains the set of active clients and the named groups they belong
// to. Delivery never blocks: a client whose buffer is full is dropped.
type Hub struct {
	// Registered clients by connection id
	clients map[string]*Client

	// Verified users to their connections
	users map[uuid.UUID]map[string]*Client

	// Group name to members, and connection to the groups it joined
	groups      map[string]map[string]*Client
	memberships map[string]map[string]struct{}

	unregister chan *Client
	done       chan struct{}

	// Redis client for the cross-instance stream list; nil runs single-instance
	redis    *cache.RedisClient
	instance string

	onDisconnect DisconnectFunc

	mu sync.RWMutex
}

// NewHub creates a new Hub
func NewHub(redis *cache.RedisClient) *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		users:       make(map[uuid.UUID]map[string]*Client),
		groups:      make(map[string]map[string]*Client),
		memberships: make(map[string]map[string]struct{}),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
		redis:       redis,
		instance:    uuid.NewString(),
	}
}

// OnDisconnect sets the disconnect callback. Call it before Run.
func (h *Hub) OnDisconnect(fn DisconnectFunc) {
	h.onDisconnect = fn
}

// Run processes disconnects until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	if h.redis != nil {
		go h.subscribeToRedis(ctx)
	}

	log := logger.Ctx(ctx)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil

		case client := <-h.unregister:
			if h.remove(client) {
				log.Debug().Str(logger.FieldConnID, client.info.ID).Msg("client unregistered")
				if h.onDisconnect != nil {
					h.onDisconnect(ctx, client.info)
				}
			}
		}
	}
}

// Register adds a new client. It is synchronous so the caller may join
// groups right away; it fails once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	h.add(c)
	return true
}

// Unregister removes a client. Unregistering twice is harmless.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c.info.ID] = c
	if !c.info.IsGuest() {
		if h.users[c.info.UserID] == nil {
			h.users[c.info.UserID] = make(map[string]*Client)
		}
		h.users[c.info.UserID][c.info.ID] = c
	}
}

// remove detaches c from every index and closes its send channel. It
// reports whether c was registered.
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := c.info.ID
	if cur, ok := h.clients[id]; !ok || cur != c {
		return false
	}
	delete(h.clients, id)

	if conns := h.users[c.info.UserID]; conns != nil {
		delete(conns, id)
		if len(conns) == 0 {
			delete(h.users, c.info.UserID)
		}
	}
	for group := range h.memberships[id] {
		h.leaveLocked(id, group)
	}
	delete(h.memberships, id)

	close(c.send)
	return true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
	h.users = make(map[uuid.UUID]map[string]*Client)
	h.groups = make(map[string]map[string]*Client)
	h.memberships = make(map[string]map[string]struct{})
}

// Join adds a connection to a group. Unknown connections are ignored.
func (h *Hub) Join(connID, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return
	}
	if h.groups[group] == nil {
		h.groups[group] = make(map[string]*Client)
	}
	h.groups[group][connID] = c
	if h.memberships[connID] == nil {
		h.memberships[connID] = make(map[string]struct{})
	}
	h.memberships[connID][group] = struct{}{}
}

// Leave removes a connection from a group.
func (h *Hub) Leave(connID, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, group)
}

func (h *Hub) leaveLocked(connID, group string) {
	if members := h.groups[group]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	if groups := h.memberships[connID]; groups != nil {
		delete(groups, group)
	}
}

// Deliver writes each message to its addressees, every connection at most
// once per message. Stream-list messages are also published to the other
// instances when Redis is configured.
func (h *Hub) Deliver(ctx context.Context, out ...models.Outbound) {
	for _, o := range out {
		data, err := json.Marshal(o.Message)
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Str(logger.FieldEvent, o.Message.Event).Msg("failed to encode message")
			continue
		}

		h.mu.RLock()
		targets := h.targetsLocked(o)
		for _, c := range targets {
			h.trySendLocked(ctx, c, data)
		}
		h.mu.RUnlock()

		if h.redis != nil && addressesStreamList(o) {
			h.publishStreamEvent(ctx, data)
		}
	}
}

func addressesStreamList(o models.Outbound) bool {
	for _, g := range o.Groups {
		if g == models.StreamListGroup {
			return true
		}
	}
	return false
}

func (h *Hub) targetsLocked(o models.Outbound) map[string]*Client {
	targets := make(map[string]*Client)
	if o.ConnID != "" {
		if c, ok := h.clients[o.ConnID]; ok {
			targets[o.ConnID] = c
		}
	}
	if o.UserID != uuid.Nil {
		for id, c := range h.users[o.UserID] {
			targets[id] = c
		}
	}
	for _, g := range o.Groups {
		for id, c := range h.groups[g] {
			targets[id] = c
		}
	}
	if o.Exclude != "" {
		delete(targets, o.Exclude)
	}
	return targets
}

// trySendLocked must run with h.mu held so the channel cannot be closed
// underneath it.
func (h *Hub) trySendLocked(ctx context.Context, c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		logger.Ctx(ctx).Warn().Str(logger.FieldConnID, c.info.ID).Msg("send buffer full, dropping client")
		go h.Unregister(c)
	}
}

func (h *Hub) publishStreamEvent(ctx context.Context, data []byte) {
	env, err := json.Marshal(streamEnvelope{Origin: h.instance, Data: data})
	if err == nil {
		err = h.redis.PublishStreamEvent(ctx, env)
	}
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("failed to publish stream event")
	}
}

// subscribeToRedis relays stream-list events published by other instances
// to the local members of the stream-list group.
func (h *Hub) subscribeToRedis(ctx context.Context) {
	ps := h.redis.SubscribeStreamEvents(ctx)
	defer ps.Close()

	log := logger.Ctx(ctx)
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env streamEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn().Err(err).Msg("malformed stream event")
				continue
			}
			if env.Origin == h.instance {
				continue
			}
			h.deliverRaw(ctx, models.StreamListGroup, env.Data)
		}
	}
}

func (h *Hub) deliverRaw(ctx context.Context, group string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.groups[group] {
		h.trySendLocked(ctx, c, data)
	}
}

// SendToConn sends one message to one connection.
func (h *Hub) SendToConn(ctx context.Context, connID string, msg models.WSMessage) {
	h.Deliver(ctx, models.ToConn(connID, msg))
}

// GroupSize returns the number of local members of a group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// ConnectionCount returns the number of registered clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
