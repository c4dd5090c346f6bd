package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessage is the authoritative copy of a chat line fanned out to a room.
type ChatMessage struct {
	ID          string    `json:"id"`
	StreamID    uuid.UUID `json:"stream_id"`
	SenderID    uuid.UUID `json:"sender_id"`
	DisplayName string    `json:"display_name"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

type Reaction struct {
	StreamID  uuid.UUID `json:"stream_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatPresence struct {
	StreamID    uuid.UUID `json:"stream_id"`
	UserID      uuid.UUID `json:"user_id,omitempty"`
	DisplayName string    `json:"display_name"`
	Status      string    `json:"status"` // joined, left
}
