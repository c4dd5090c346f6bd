package models

import (
	"time"

	"github.com/google/uuid"
)

// GiftCatalogEntry maps a gift type to what the sender pays in coins and what
// the recipient earns in diamonds.
type GiftCatalogEntry struct {
	Type    string `json:"type" db:"type"`
	Name    string `json:"name" db:"name"`
	Cost    int64  `json:"cost" db:"cost"`
	Payout  int64  `json:"payout" db:"payout"`
	IconURL string `json:"icon_url,omitempty" db:"icon_url"`
}

type GiftTransaction struct {
	ID          uuid.UUID `json:"id" db:"id"`
	SenderID    uuid.UUID `json:"sender_id" db:"sender_id"`
	RecipientID uuid.UUID `json:"recipient_id" db:"recipient_id"`
	StreamID    uuid.UUID `json:"stream_id" db:"stream_id"`
	GiftType    string    `json:"gift_type" db:"gift_type"`
	Cost        int64     `json:"cost" db:"cost"`
	Payout      int64     `json:"payout" db:"payout"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// GiftReceipt is what the store reports after a gift commits.
type GiftReceipt struct {
	Transaction       GiftTransaction `json:"transaction"`
	SenderCoins       int64           `json:"sender_coins"`
	RecipientDiamonds int64           `json:"recipient_diamonds"`
	StreamGiftCount   int64           `json:"stream_gift_count"`
}

type SendGiftRequest struct {
	GiftType    string     `json:"gift_type" binding:"required"`
	RecipientID *uuid.UUID `json:"recipient_id,omitempty"`
	RequestID   *uuid.UUID `json:"request_id,omitempty"`
}

// GiftSummary is broadcast to the stream's chat room after a gift commits.
type GiftSummary struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	StreamID      uuid.UUID `json:"stream_id"`
	SenderID      uuid.UUID `json:"sender_id"`
	RecipientID   uuid.UUID `json:"recipient_id"`
	GiftType      string    `json:"gift_type"`
	GiftName      string    `json:"gift_name"`
	Cost          int64     `json:"cost"`
	GiftCount     int64     `json:"stream_gift_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// WalletUpdate is pushed privately to a gift sender once the debit commits.
type WalletUpdate struct {
	UserID        uuid.UUID `json:"user_id"`
	Coins         int64     `json:"coins"`
	TransactionID uuid.UUID `json:"transaction_id"`
}
