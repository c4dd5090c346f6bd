package models

import (
	"github.com/google/uuid"
)

type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
	RoleUnattached  Role = "unattached"
)

// ConnInfo identifies one duplex connection and who is behind it. Guest
// connections carry uuid.Nil and Verified=false.
type ConnInfo struct {
	ID          string    `json:"conn_id"`
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Verified    bool      `json:"-"`
}

// IsGuest reports whether the connection has no verified identity.
func (c ConnInfo) IsGuest() bool {
	return !c.Verified || c.UserID == uuid.Nil
}

const StreamListGroup = "streams"

// SignalGroup is the negotiation room of a stream.
func SignalGroup(streamID uuid.UUID) string {
	return "signal:" + streamID.String()
}

// ChatGroup is the chat/reaction room of a stream.
func ChatGroup(streamID uuid.UUID) string {
	return "chat:" + streamID.String()
}
