package signaling

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tullo/livecore/internal/models"
)

// Groups is the part of the transport the relay needs to keep group
// membership in step with its routing tables.
type Groups interface {
	Join(connID, group string)
	Leave(connID, group string)
}

// Detached describes one membership removed by Leave or Disconnect.
type Detached struct {
	StreamID uuid.UUID
	Role     models.Role
	UserID   uuid.UUID
}

type member struct {
	conn models.ConnInfo
	role models.Role
}

type room struct {
	broadcaster string
	members     map[string]member
}

// Relay routes negotiation messages between the broadcaster and viewers of
// a stream. Payloads are never inspected.
type Relay struct {
	groups Groups

	mu       sync.Mutex
	rooms    map[uuid.UUID]*room
	attached map[string]map[uuid.UUID]struct{}
}

func NewRelay(groups Groups) *Relay {
	return &Relay{
		groups:   groups,
		rooms:    make(map[uuid.UUID]*room),
		attached: make(map[string]map[uuid.UUID]struct{}),
	}
}

// Join attaches conn to the stream's signal group. A broadcaster join
// replaces any broadcaster connection already attached; the replaced one
// is told it was evicted. When conn was already attached under another
// role, that membership is detached first and returned.
func (r *Relay) Join(conn models.ConnInfo, streamID uuid.UUID, role models.Role) ([]models.Outbound, *Detached, error) {
	if role != models.RoleBroadcaster && role != models.RoleViewer {
		return nil, nil, fmt.Errorf("%w: role %q", models.ErrInvalidArgument, role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	group := models.SignalGroup(streamID)
	rm := r.rooms[streamID]
	if rm == nil {
		rm = &room{members: make(map[string]member)}
		r.rooms[streamID] = rm
	}

	var (
		out      []models.Outbound
		replaced *Detached
	)
	if prev, ok := rm.members[conn.ID]; ok && prev.role != role {
		out = append(out, r.detachLocked(streamID, rm, conn.ID)...)
		r.rooms[streamID] = rm
		replaced = &Detached{StreamID: streamID, Role: prev.role, UserID: prev.conn.UserID}
	}

	rm.members[conn.ID] = member{conn: conn, role: role}
	if r.attached[conn.ID] == nil {
		r.attached[conn.ID] = make(map[uuid.UUID]struct{})
	}
	r.attached[conn.ID][streamID] = struct{}{}
	r.groups.Join(conn.ID, group)

	peer := models.WSPeerPayload{StreamID: streamID, ConnID: conn.ID, UserID: conn.UserID}

	switch role {
	case models.RoleBroadcaster:
		if stale := rm.broadcaster; stale != "" && stale != conn.ID {
			delete(rm.members, stale)
			r.unattachLocked(stale, streamID)
			r.groups.Leave(stale, group)
			out = append(out, models.ToConn(stale, models.WSMessage{
				Event:   models.EventEvicted,
				Payload: models.WSStreamPayload{StreamID: streamID},
			}))
		}
		rm.broadcaster = conn.ID
		out = append(out, models.Outbound{
			Groups:  []string{group},
			Exclude: conn.ID,
			Message: models.WSMessage{Event: models.EventBroadcasterJoined, Payload: peer},
		})
	case models.RoleViewer:
		if rm.broadcaster != "" {
			out = append(out, models.ToConn(rm.broadcaster, models.WSMessage{
				Event:   models.EventViewerJoined,
				Payload: peer,
			}))
		}
	}

	out = append(out, models.ToConn(conn.ID, models.WSMessage{
		Event: models.EventStreamJoined,
		Payload: models.WSStreamJoinedPayload{
			StreamID:    streamID,
			ConnID:      conn.ID,
			Role:        role,
			Broadcaster: rm.broadcaster,
		},
	}))
	return out, replaced, nil
}

// Relay routes one offer, answer or ICE candidate. With a target the
// message goes to that connection only; without one it goes to every other
// member of the group. Unknown senders and targets are dropped silently.
func (r *Relay) Relay(event, senderID string, msg models.WSSignalPayload) []models.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[msg.StreamID]
	if rm == nil {
		return nil
	}
	if _, ok := rm.members[senderID]; !ok {
		return nil
	}

	wire := models.WSMessage{
		Event: event,
		Payload: models.WSSignalRelay{
			StreamID: msg.StreamID,
			SenderID: senderID,
			Data:     msg.Data,
		},
	}

	if msg.TargetID != "" {
		if msg.TargetID == senderID {
			return nil
		}
		if _, ok := rm.members[msg.TargetID]; !ok {
			return nil
		}
		return []models.Outbound{models.ToConn(msg.TargetID, wire)}
	}

	return []models.Outbound{{
		Groups:  []string{models.SignalGroup(msg.StreamID)},
		Exclude: senderID,
		Message: wire,
	}}
}

// Leave removes conn from the stream's signal group. It does not end the
// stream.
func (r *Relay) Leave(connID string, streamID uuid.UUID) ([]models.Outbound, *Detached) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[streamID]
	if rm == nil {
		return nil, nil
	}
	m, ok := rm.members[connID]
	if !ok {
		return nil, nil
	}
	out := r.detachLocked(streamID, rm, connID)
	return out, &Detached{StreamID: streamID, Role: m.role, UserID: m.conn.UserID}
}

// Disconnect applies Leave to every stream the connection is attached to.
// A connection attached to nothing yields nothing.
func (r *Relay) Disconnect(connID string) ([]models.Outbound, []Detached) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		out      []models.Outbound
		detached []Detached
	)
	for streamID := range r.attached[connID] {
		rm := r.rooms[streamID]
		if rm == nil {
			continue
		}
		m, ok := rm.members[connID]
		if !ok {
			continue
		}
		out = append(out, r.detachLocked(streamID, rm, connID)...)
		detached = append(detached, Detached{StreamID: streamID, Role: m.role, UserID: m.conn.UserID})
	}
	delete(r.attached, connID)
	return out, detached
}

// Close drops the whole room, used once the stream has ended. Viewers have
// already been told through the stream.ended event.
func (r *Relay) Close(streamID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[streamID]
	if rm == nil {
		return
	}
	group := models.SignalGroup(streamID)
	for connID := range rm.members {
		r.unattachLocked(connID, streamID)
		r.groups.Leave(connID, group)
	}
	delete(r.rooms, streamID)
}

// Broadcaster returns the connection currently attached as broadcaster.
func (r *Relay) Broadcaster(streamID uuid.UUID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[streamID]
	if rm == nil || rm.broadcaster == "" {
		return "", false
	}
	return rm.broadcaster, true
}

// Members returns the number of connections attached to the stream.
func (r *Relay) Members(streamID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm := r.rooms[streamID]; rm != nil {
		return len(rm.members)
	}
	return 0
}

func (r *Relay) detachLocked(streamID uuid.UUID, rm *room, connID string) []models.Outbound {
	m := rm.members[connID]
	delete(rm.members, connID)
	r.unattachLocked(connID, streamID)

	group := models.SignalGroup(streamID)
	r.groups.Leave(connID, group)

	peer := models.WSPeerPayload{StreamID: streamID, ConnID: connID, UserID: m.conn.UserID}

	var out []models.Outbound
	switch m.role {
	case models.RoleBroadcaster:
		if rm.broadcaster == connID {
			rm.broadcaster = ""
			if len(rm.members) > 0 {
				out = append(out, models.ToGroups(models.WSMessage{
					Event:   models.EventBroadcasterLeft,
					Payload: peer,
				}, group))
			}
		}
	case models.RoleViewer:
		if rm.broadcaster != "" {
			out = append(out, models.ToConn(rm.broadcaster, models.WSMessage{
				Event:   models.EventViewerLeft,
				Payload: peer,
			}))
		}
	}

	if len(rm.members) == 0 {
		delete(r.rooms, streamID)
	}
	return out
}

func (r *Relay) unattachLocked(connID string, streamID uuid.UUID) {
	streams := r.attached[connID]
	if streams == nil {
		return
	}
	delete(streams, streamID)
	if len(streams) == 0 {
		delete(r.attached, connID)
	}
}
