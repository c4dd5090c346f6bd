package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Inbound WebSocket events
const (
	EventStreamJoin       = "stream.join"
	EventStreamLeave      = "stream.leave"
	EventStreamHeartbeat  = "stream.heartbeat"
	EventStreamsSubscribe = "streams.subscribe"
	EventSignalOffer      = "signal.offer"
	EventSignalAnswer     = "signal.answer"
	EventSignalICE        = "signal.ice"
	EventChatJoin         = "chat.join"
	EventChatLeave        = "chat.leave"
	EventChatSend         = "chat.send"
	EventChatReaction     = "chat.reaction"
	EventChatDelete       = "chat.delete"
	EventChatBan          = "chat.ban"
	EventGiftSend         = "gift.send"
	EventPing             = "ping"
)

// Outbound WebSocket events
const (
	EventStreamJoined      = "stream.joined"
	EventStreamCreated     = "stream.created"
	EventStreamEnded       = "stream.ended"
	EventBroadcasterJoined = "signal.broadcaster_joined"
	EventBroadcasterLeft   = "signal.broadcaster_left"
	EventViewerJoined      = "signal.viewer_joined"
	EventViewerLeft        = "signal.viewer_left"
	EventEvicted           = "signal.evicted"
	EventChatMessage       = "chat.message"
	EventChatPresence      = "chat.presence"
	EventChatModeration    = "chat.moderation"
	EventChatExcluded      = "chat.excluded"
	EventGiftReceived      = "gift.received"
	EventWalletBalance     = "wallet.balance"
	EventPong              = "pong"
	EventError             = "error"
)

// WSMessage is the envelope for every message written to a connection.
type WSMessage struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// WSInbound is the envelope read from a connection; the payload is decoded
// once the event is known.
type WSInbound struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type WSStreamJoinPayload struct {
	StreamID uuid.UUID `json:"stream_id"`
	Role     Role      `json:"role"`
}

type WSStreamPayload struct {
	StreamID uuid.UUID `json:"stream_id"`
}

// WSSignalPayload carries an opaque negotiation blob. TargetID is a
// connection id; empty means everyone else in the stream's signal room.
type WSSignalPayload struct {
	StreamID uuid.UUID       `json:"stream_id"`
	TargetID string          `json:"target_id,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// WSSignalRelay is what the target of a negotiation message receives.
type WSSignalRelay struct {
	StreamID uuid.UUID       `json:"stream_id"`
	SenderID string          `json:"sender_id"`
	Data     json.RawMessage `json:"data"`
}

type WSPeerPayload struct {
	StreamID uuid.UUID `json:"stream_id"`
	ConnID   string    `json:"conn_id"`
	UserID   uuid.UUID `json:"user_id,omitempty"`
}

type WSChatJoinPayload struct {
	StreamID    uuid.UUID `json:"stream_id"`
	DisplayName string    `json:"display_name"`
}

type WSChatSendPayload struct {
	StreamID uuid.UUID `json:"stream_id"`
	Body     string    `json:"body"`
}

type WSReactionPayload struct {
	StreamID uuid.UUID `json:"stream_id"`
	Kind     string    `json:"kind"`
}

type WSModerationPayload struct {
	StreamID     uuid.UUID `json:"stream_id"`
	TargetUserID uuid.UUID `json:"target_user_id"`
	MessageID    string    `json:"message_id,omitempty"`
}

type WSGiftPayload struct {
	StreamID uuid.UUID `json:"stream_id"`
	SendGiftRequest
}

type WSStreamJoinedPayload struct {
	StreamID    uuid.UUID `json:"stream_id"`
	ConnID      string    `json:"conn_id"`
	Role        Role      `json:"role"`
	Broadcaster string    `json:"broadcaster_conn_id,omitempty"`
}

type WSStreamEndedPayload struct {
	StreamID        uuid.UUID `json:"stream_id"`
	Reason          EndReason `json:"reason"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int64     `json:"duration_seconds"`
	PeakViewers     int       `json:"peak_viewers"`
}

// WSErrorPayload answers an inbound message that failed. Event echoes the
// inbound event name.
type WSErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Outbound is a message a component wants delivered. Components return these
// instead of writing to connections so delivery stays with the transport.
type Outbound struct {
	Groups  []string
	ConnID  string
	UserID  uuid.UUID
	Exclude string
	Message WSMessage
}

// ToGroups addresses every member of the given groups, each connection once.
func ToGroups(msg WSMessage, groups ...string) Outbound {
	return Outbound{Groups: groups, Message: msg}
}

// ToConn addresses a single connection.
func ToConn(connID string, msg WSMessage) Outbound {
	return Outbound{ConnID: connID, Message: msg}
}

// ToUser addresses every connection held by a user.
func ToUser(userID uuid.UUID, msg WSMessage) Outbound {
	return Outbound{UserID: userID, Message: msg}
}
