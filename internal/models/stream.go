package models

import (
	"time"

	"github.com/google/uuid"
)

type StreamStatus string

const (
	StreamScheduled StreamStatus = "scheduled"
	StreamLive      StreamStatus = "live"
	StreamEnded     StreamStatus = "ended"
)

type EndReason string

const (
	EndVoluntary  EndReason = "voluntary"
	EndModeration EndReason = "moderation"
	EndTimeout    EndReason = "timeout"
)

// Valid reports whether r is one of the known end reasons.
func (r EndReason) Valid() bool {
	switch r {
	case EndVoluntary, EndModeration, EndTimeout:
		return true
	}
	return false
}

type StreamSession struct {
	ID              uuid.UUID    `json:"id" db:"id"`
	BroadcasterID   uuid.UUID    `json:"broadcaster_id" db:"broadcaster_id"`
	Title           string       `json:"title" db:"title"`
	Category        *string      `json:"category,omitempty" db:"category"`
	Status          StreamStatus `json:"status" db:"status"`
	ViewerCount     int          `json:"viewer_count" db:"viewer_count"`
	PeakViewers     int          `json:"peak_viewers" db:"peak_viewers"`
	GiftCount       int64        `json:"gift_count" db:"gift_count"`
	GiftCoins       int64        `json:"gift_coins" db:"gift_coins"`
	LastHeartbeat   time.Time    `json:"last_heartbeat" db:"last_heartbeat"`
	ScheduledFor    *time.Time   `json:"scheduled_for,omitempty" db:"scheduled_for"`
	StartedAt       *time.Time   `json:"started_at,omitempty" db:"started_at"`
	EndedAt         *time.Time   `json:"ended_at,omitempty" db:"ended_at"`
	EndReason       *EndReason   `json:"end_reason,omitempty" db:"end_reason"`
	DurationSeconds int64        `json:"duration_seconds" db:"duration_seconds"`
	Banned          bool         `json:"banned" db:"banned"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
}

// IsLive reports whether the session is currently broadcasting.
func (s *StreamSession) IsLive() bool {
	return s.Status == StreamLive
}

// StreamMetadata is the broadcaster-supplied description of a stream.
type StreamMetadata struct {
	Title    string  `json:"title" binding:"required,max=140"`
	Category *string `json:"category,omitempty"`
}

type ScheduleStreamRequest struct {
	StreamMetadata
	ScheduledFor time.Time `json:"scheduled_for" binding:"required"`
}

type EndStreamRequest struct {
	Reason EndReason `json:"reason"`
}

// StreamTransition is the persisted effect of one lifecycle state change.
type StreamTransition struct {
	Session StreamSession
	From    StreamStatus
	To      StreamStatus
}
