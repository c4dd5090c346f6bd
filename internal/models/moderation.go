package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ModActionDelete = "delete"
	ModActionBan    = "ban"
	ModActionFilter = "filter"
)

// ModerationLog records actions taken by moderators or the filter
type ModerationLog struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	StreamID     uuid.UUID  `json:"stream_id" db:"stream_id"`
	MessageID    *string    `json:"message_id,omitempty" db:"message_id"`
	Action       string     `json:"action" db:"action"`
	ModeratorID  *uuid.UUID `json:"moderator_id,omitempty" db:"moderator_id"`
	TargetUserID *uuid.UUID `json:"target_user_id,omitempty" db:"target_user_id"`
	Reason       *string    `json:"reason,omitempty" db:"reason"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// ModerationEvent is broadcast to a chat room after a moderator acts.
type ModerationEvent struct {
	StreamID     uuid.UUID `json:"stream_id"`
	Action       string    `json:"action"`
	TargetUserID uuid.UUID `json:"target_user_id"`
	MessageID    string    `json:"message_id,omitempty"`
	ModeratorID  uuid.UUID `json:"moderator_id"`
}
