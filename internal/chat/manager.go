package chat

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/tullo/livecore/internal/logger"
	"github.com/tullo/livecore/internal/models"
)

const (
	DefaultMaxLength = 500
	maxReactionKind  = 32
	guestName        = "guest"

	// closedRetention bounds how long a closed stream is remembered so late
	// joins and bans cannot reopen its room.
	closedRetention = 10 * time.Minute
)

// Groups is the part of the transport that tracks room membership.
type Groups interface {
	Join(connID, group string)
	Leave(connID, group string)
}

// Sink delivers messages. It must not block; fan-out happens while the
// room is locked so every member sees one order.
type Sink interface {
	Deliver(ctx context.Context, out ...models.Outbound)
}

// Authorizer decides whether a user may moderate a stream's chat.
type Authorizer interface {
	CanModerate(ctx context.Context, streamID, userID uuid.UUID) (bool, error)
}

// Limiter throttles writes per user and action.
type Limiter interface {
	Allow(ctx context.Context, userID uuid.UUID, action string) (bool, error)
}

// ModerationStore records moderation actions.
type ModerationStore interface {
	AddModerationLog(ctx context.Context, log *models.ModerationLog) error
}

type Config struct {
	MaxLength int
	Filter    *Filter
	Limiter   Limiter
	Logs      ModerationStore
	Now       func() time.Time
}

type room struct {
	mu      sync.Mutex
	closed  bool
	members map[string]models.ConnInfo
	banned  map[uuid.UUID]struct{}
}

// Manager owns the chat rooms of all streams. Each room serialises its own
// publishes; rooms never block each other.
type Manager struct {
	groups Groups
	sink   Sink
	auth   Authorizer
	cfg    Config

	mu        sync.Mutex
	rooms     map[uuid.UUID]*room
	connRooms map[string]map[uuid.UUID]struct{}
	closed    map[uuid.UUID]time.Time
}

func New(groups Groups, sink Sink, auth Authorizer, cfg Config) *Manager {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		groups:    groups,
		sink:      sink,
		auth:      auth,
		cfg:       cfg,
		rooms:     make(map[uuid.UUID]*room),
		connRooms: make(map[string]map[uuid.UUID]struct{}),
		closed:    make(map[uuid.UUID]time.Time),
	}
}

// lockRoom returns the stream's room locked, or nil when it does not exist
// and create is false. A closed stream's room is never recreated. Lock
// order is room.mu then m.mu.
func (m *Manager) lockRoom(streamID uuid.UUID, create bool) *room {
	for {
		m.mu.Lock()
		rm := m.rooms[streamID]
		if rm == nil {
			_, closed := m.closed[streamID]
			if !create || closed {
				m.mu.Unlock()
				return nil
			}
			rm = &room{
				members: make(map[string]models.ConnInfo),
				banned:  make(map[uuid.UUID]struct{}),
			}
			m.rooms[streamID] = rm
		}
		m.mu.Unlock()

		rm.mu.Lock()
		if !rm.closed {
			return rm
		}
		rm.mu.Unlock()
	}
}

func (m *Manager) track(connID string, streamID uuid.UUID, joined bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if joined {
		if m.connRooms[connID] == nil {
			m.connRooms[connID] = make(map[uuid.UUID]struct{})
		}
		m.connRooms[connID][streamID] = struct{}{}
		return
	}
	if rooms := m.connRooms[connID]; rooms != nil {
		delete(rooms, streamID)
		if len(rooms) == 0 {
			delete(m.connRooms, connID)
		}
	}
}

// JoinChat attaches conn to the stream's chat room and announces it to the
// other members. Guests may join to read.
func (m *Manager) JoinChat(ctx context.Context, conn models.ConnInfo, streamID uuid.UUID, displayName string) error {
	if displayName = strings.TrimSpace(displayName); displayName == "" {
		displayName = conn.DisplayName
	}
	if displayName == "" {
		displayName = guestName
	}

	rm := m.lockRoom(streamID, true)
	if rm == nil {
		return models.ErrStreamNotLive
	}
	defer rm.mu.Unlock()

	if !conn.IsGuest() {
		if _, banned := rm.banned[conn.UserID]; banned {
			return fmt.Errorf("%w: banned from this chat", models.ErrForbidden)
		}
	}

	conn.DisplayName = displayName
	_, already := rm.members[conn.ID]
	rm.members[conn.ID] = conn
	if already {
		return nil
	}

	group := models.ChatGroup(streamID)
	m.groups.Join(conn.ID, group)
	m.track(conn.ID, streamID, true)

	m.sink.Deliver(ctx, models.Outbound{
		Groups:  []string{group},
		Exclude: conn.ID,
		Message: models.WSMessage{
			Event:   models.EventChatPresence,
			Payload: presence(streamID, conn, "joined"),
		},
	})
	return nil
}

// LeaveChat detaches conn from the room. Leaving a room never joined is a
// no-op.
func (m *Manager) LeaveChat(ctx context.Context, connID string, streamID uuid.UUID) {
	rm := m.lockRoom(streamID, false)
	if rm == nil {
		return
	}
	defer rm.mu.Unlock()

	conn, ok := rm.members[connID]
	if !ok {
		return
	}
	delete(rm.members, connID)

	group := models.ChatGroup(streamID)
	m.groups.Leave(connID, group)
	m.track(connID, streamID, false)

	m.sink.Deliver(ctx, models.ToGroups(models.WSMessage{
		Event:   models.EventChatPresence,
		Payload: presence(streamID, conn, "left"),
	}, group))
}

// Disconnect leaves every room the connection joined.
func (m *Manager) Disconnect(ctx context.Context, connID string) {
	m.mu.Lock()
	streams := make([]uuid.UUID, 0, len(m.connRooms[connID]))
	for id := range m.connRooms[connID] {
		streams = append(streams, id)
	}
	m.mu.Unlock()

	for _, id := range streams {
		m.LeaveChat(ctx, connID, id)
	}
}

// Close drops a stream's room, bans included. The stream stays closed:
// later joins and bans are refused.
func (m *Manager) Close(streamID uuid.UUID) {
	now := m.cfg.Now()
	m.mu.Lock()
	rm := m.rooms[streamID]
	delete(m.rooms, streamID)
	for id, at := range m.closed {
		if now.Sub(at) > closedRetention {
			delete(m.closed, id)
		}
	}
	m.closed[streamID] = now
	m.mu.Unlock()
	if rm == nil {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.closed = true
	group := models.ChatGroup(streamID)
	for connID := range rm.members {
		m.groups.Leave(connID, group)
		m.track(connID, streamID, false)
	}
	rm.members = nil
}

func (m *Manager) checkWriter(conn models.ConnInfo) error {
	if conn.IsGuest() {
		return fmt.Errorf("%w: sign in to chat", models.ErrUnauthorized)
	}
	return nil
}

func (m *Manager) allow(ctx context.Context, userID uuid.UUID, action string) error {
	if m.cfg.Limiter == nil {
		return nil
	}
	ok, err := m.cfg.Limiter.Allow(ctx, userID, action)
	if err != nil {
		// Limiter outages do not block chat.
		logger.Ctx(ctx).Warn().Err(err).Str(logger.FieldUserID, userID.String()).Msg("chat limiter unavailable")
		return nil
	}
	if !ok {
		return models.ErrRateLimited
	}
	return nil
}

// memberLocked returns the sender's membership or why it may not write.
func memberLocked(rm *room, conn models.ConnInfo) (models.ConnInfo, error) {
	if rm == nil {
		return models.ConnInfo{}, fmt.Errorf("%w: join the chat first", models.ErrForbidden)
	}
	if _, banned := rm.banned[conn.UserID]; banned {
		return models.ConnInfo{}, fmt.Errorf("%w: banned from this chat", models.ErrForbidden)
	}
	member, ok := rm.members[conn.ID]
	if !ok {
		return models.ConnInfo{}, fmt.Errorf("%w: join the chat first", models.ErrForbidden)
	}
	return member, nil
}

// Publish stamps body with an id and server time and fans it out to every
// member of the room, the sender included.
func (m *Manager) Publish(ctx context.Context, conn models.ConnInfo, streamID uuid.UUID, body string) (*models.ChatMessage, error) {
	if err := m.checkWriter(conn); err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("%w: empty message", models.ErrInvalidMessage)
	}
	if utf8.RuneCountInString(body) > m.cfg.MaxLength {
		return nil, fmt.Errorf("%w: longer than %d characters", models.ErrInvalidMessage, m.cfg.MaxLength)
	}
	if err := m.allow(ctx, conn.UserID, "chat"); err != nil {
		return nil, err
	}

	// Filter rejections are logged once the room lock is released.
	var filtered error
	defer func() {
		if filtered != nil {
			m.recordFiltered(ctx, streamID, conn.UserID, filtered)
		}
	}()

	rm := m.lockRoom(streamID, false)
	if rm != nil {
		defer rm.mu.Unlock()
	}
	member, err := memberLocked(rm, conn)
	if err != nil {
		return nil, err
	}

	now := m.cfg.Now().UTC()
	if m.cfg.Filter != nil {
		if err := m.cfg.Filter.Check(conn.UserID, body, now); err != nil {
			filtered = err
			return nil, err
		}
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}
	msg := &models.ChatMessage{
		ID:          id.String(),
		StreamID:    streamID,
		SenderID:    conn.UserID,
		DisplayName: member.DisplayName,
		Body:        body,
		CreatedAt:   now,
	}

	m.sink.Deliver(ctx, models.ToGroups(models.WSMessage{
		Event:   models.EventChatMessage,
		Payload: msg,
	}, models.ChatGroup(streamID)))
	return msg, nil
}

// PublishReaction fans out a reaction. Nothing is stored.
func (m *Manager) PublishReaction(ctx context.Context, conn models.ConnInfo, streamID uuid.UUID, kind string) error {
	if err := m.checkWriter(conn); err != nil {
		return err
	}
	kind = strings.TrimSpace(kind)
	if kind == "" || utf8.RuneCountInString(kind) > maxReactionKind {
		return fmt.Errorf("%w: bad reaction", models.ErrInvalidMessage)
	}
	if err := m.allow(ctx, conn.UserID, "reaction"); err != nil {
		return err
	}

	rm := m.lockRoom(streamID, false)
	if rm != nil {
		defer rm.mu.Unlock()
	}
	if _, err := memberLocked(rm, conn); err != nil {
		return err
	}

	m.sink.Deliver(ctx, models.ToGroups(models.WSMessage{
		Event: models.EventChatReaction,
		Payload: models.Reaction{
			StreamID:  streamID,
			SenderID:  conn.UserID,
			Kind:      kind,
			CreatedAt: m.cfg.Now().UTC(),
		},
	}, models.ChatGroup(streamID)))
	return nil
}

func (m *Manager) authorize(ctx context.Context, conn models.ConnInfo, streamID uuid.UUID) error {
	if conn.IsGuest() {
		return fmt.Errorf("%w: moderation requires an account", models.ErrForbidden)
	}
	ok, err := m.auth.CanModerate(ctx, streamID, conn.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: not a moderator of this stream", models.ErrForbidden)
	}
	return nil
}

// ModerationDelete tells the room to drop a message.
func (m *Manager) ModerationDelete(ctx context.Context, conn models.ConnInfo, streamID, targetUserID uuid.UUID, messageID string) error {
	if err := m.authorize(ctx, conn, streamID); err != nil {
		return err
	}
	if messageID == "" {
		return fmt.Errorf("%w: message id required", models.ErrInvalidArgument)
	}

	event := models.ModerationEvent{
		StreamID:     streamID,
		Action:       models.ModActionDelete,
		TargetUserID: targetUserID,
		MessageID:    messageID,
		ModeratorID:  conn.UserID,
	}
	if rm := m.lockRoom(streamID, false); rm != nil {
		m.sink.Deliver(ctx, models.ToGroups(models.WSMessage{
			Event:   models.EventChatModeration,
			Payload: event,
		}, models.ChatGroup(streamID)))
		rm.mu.Unlock()
	}

	m.record(ctx, event)
	return nil
}

// ModerationBan bans a user from the room, detaches all of their
// connections and tells each one it was excluded.
func (m *Manager) ModerationBan(ctx context.Context, conn models.ConnInfo, streamID, targetUserID uuid.UUID) error {
	if err := m.authorize(ctx, conn, streamID); err != nil {
		return err
	}
	if targetUserID == uuid.Nil || targetUserID == conn.UserID {
		return fmt.Errorf("%w: invalid ban target", models.ErrInvalidArgument)
	}
	protected, err := m.auth.CanModerate(ctx, streamID, targetUserID)
	if err != nil {
		return err
	}
	if protected {
		return fmt.Errorf("%w: moderators cannot be banned", models.ErrForbidden)
	}

	event := models.ModerationEvent{
		StreamID:     streamID,
		Action:       models.ModActionBan,
		TargetUserID: targetUserID,
		ModeratorID:  conn.UserID,
	}
	group := models.ChatGroup(streamID)

	rm := m.lockRoom(streamID, true)
	if rm == nil {
		return models.ErrStreamNotLive
	}
	rm.banned[targetUserID] = struct{}{}

	var excluded []string
	for connID, member := range rm.members {
		if member.UserID != targetUserID || member.IsGuest() {
			continue
		}
		delete(rm.members, connID)
		m.groups.Leave(connID, group)
		m.track(connID, streamID, false)
		excluded = append(excluded, connID)
	}

	out := []models.Outbound{models.ToGroups(models.WSMessage{
		Event:   models.EventChatModeration,
		Payload: event,
	}, group)}
	for _, connID := range excluded {
		out = append(out, models.ToConn(connID, models.WSMessage{
			Event:   models.EventChatExcluded,
			Payload: event,
		}))
	}
	m.sink.Deliver(ctx, out...)
	rm.mu.Unlock()

	m.record(ctx, event)
	return nil
}

// IsBanned reports whether userID is banned from the stream's chat.
func (m *Manager) IsBanned(streamID, userID uuid.UUID) bool {
	rm := m.lockRoom(streamID, false)
	if rm == nil {
		return false
	}
	defer rm.mu.Unlock()
	_, ok := rm.banned[userID]
	return ok
}

// Members returns the number of connections in the stream's room.
func (m *Manager) Members(streamID uuid.UUID) int {
	rm := m.lockRoom(streamID, false)
	if rm == nil {
		return 0
	}
	defer rm.mu.Unlock()
	return len(rm.members)
}

func (m *Manager) record(ctx context.Context, event models.ModerationEvent) {
	if m.cfg.Logs == nil {
		return
	}
	entry := &models.ModerationLog{
		ID:           uuid.New(),
		StreamID:     event.StreamID,
		Action:       event.Action,
		ModeratorID:  &event.ModeratorID,
		TargetUserID: &event.TargetUserID,
		CreatedAt:    m.cfg.Now().UTC(),
	}
	if event.MessageID != "" {
		entry.MessageID = &event.MessageID
	}
	if err := m.cfg.Logs.AddModerationLog(ctx, entry); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str(logger.FieldStreamID, event.StreamID.String()).
			Str("action", event.Action).
			Msg("failed to record moderation action")
	}
}

func (m *Manager) recordFiltered(ctx context.Context, streamID, userID uuid.UUID, cause error) {
	if m.cfg.Logs == nil {
		return
	}
	reason := cause.Error()
	entry := &models.ModerationLog{
		ID:           uuid.New(),
		StreamID:     streamID,
		Action:       models.ModActionFilter,
		TargetUserID: &userID,
		Reason:       &reason,
		CreatedAt:    m.cfg.Now().UTC(),
	}
	if err := m.cfg.Logs.AddModerationLog(ctx, entry); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str(logger.FieldStreamID, streamID.String()).Msg("failed to record filtered message")
	}
}

func presence(streamID uuid.UUID, conn models.ConnInfo, status string) models.ChatPresence {
	p := models.ChatPresence{
		StreamID:    streamID,
		DisplayName: conn.DisplayName,
		Status:      status,
	}
	if !conn.IsGuest() {
		p.UserID = conn.UserID
	}
	return p
}
