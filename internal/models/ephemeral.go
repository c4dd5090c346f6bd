package models

import (
	"encoding/json"
	"time"
)

type EphemeralStatus string

const (
	EphemeralPending   EphemeralStatus = "pending"
	EphemeralScanned   EphemeralStatus = "scanned"
	EphemeralCompleted EphemeralStatus = "completed"
)

// EphemeralSession is a short-lived, single-use record used to hand a login
// from one device to another.
type EphemeralSession struct {
	ID        string          `json:"id"`
	Status    EphemeralStatus `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the session is past its window at t.
func (s *EphemeralSession) Expired(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}

type HandoffTicket struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}
