// Package gift turns viewer coins into broadcaster diamonds. The Store
// applies each gift as one atomic unit; the processor serialises gifts per
// sender on top of that so a burst from one account queues instead of
// racing the balance check.
package gift

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tullo/livecore/internal/logger"
	"github.com/tullo/livecore/internal/models"
)

type Store interface {
	LoadGiftCatalog(ctx context.Context) ([]models.GiftCatalogEntry, error)
	ApplyGiftTransaction(ctx context.Context, t models.GiftTransaction) (models.GiftReceipt, error)
}

// Streams answers whether a stream can receive gifts right now.
type Streams interface {
	LiveSession(streamID uuid.UUID) (*models.StreamSession, bool)
	RecordGift(streamID uuid.UUID, giftCount, coins int64)
}

// Request describes one gift. RecipientID defaults to the stream's
// broadcaster; RequestID, when set, makes retries of the same request
// fail with a conflict instead of charging twice.
type Request struct {
	SenderID    uuid.UUID
	RecipientID uuid.UUID
	StreamID    uuid.UUID
	GiftType    string
	RequestID   uuid.UUID
}

type Processor struct {
	store   Store
	streams Streams
	now     func() time.Time
	senders *keyedMutex

	mu      sync.RWMutex
	catalog map[string]models.GiftCatalogEntry
}

func NewProcessor(store Store, streams Streams, now func() time.Time) *Processor {
	if now == nil {
		now = time.Now
	}
	return &Processor{
		store:   store,
		streams: streams,
		now:     now,
		senders: newKeyedMutex(),
		catalog: make(map[string]models.GiftCatalogEntry),
	}
}

// LoadCatalog reads the gift catalog from the store. It runs once at
// startup; the catalog is static afterwards.
func (p *Processor) LoadCatalog(ctx context.Context) error {
	entries, err := p.store.LoadGiftCatalog(ctx)
	if err != nil {
		return fmt.Errorf("failed to load gift catalog: %w", err)
	}
	catalog := make(map[string]models.GiftCatalogEntry, len(entries))
	for _, e := range entries {
		catalog[e.Type] = e
	}

	p.mu.Lock()
	p.catalog = catalog
	p.mu.Unlock()

	logger.Ctx(ctx).Info().Int("gifts", len(catalog)).Msg("gift catalog loaded")
	return nil
}

// Catalog lists the gifts ordered by cost.
func (p *Processor) Catalog() []models.GiftCatalogEntry {
	p.mu.RLock()
	out := make([]models.GiftCatalogEntry, 0, len(p.catalog))
	for _, e := range p.catalog {
		out = append(out, e)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost < out[j].Cost
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func (p *Processor) lookup(giftType string) (models.GiftCatalogEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.catalog[giftType]
	return e, ok
}

// SendGift debits the sender, credits the recipient, bumps the stream's
// counters and records the transaction, all or nothing. On success it
// returns the events to publish: a summary for the stream's chat room and a
// private balance update for the sender.
func (p *Processor) SendGift(ctx context.Context, req Request) (*models.GiftReceipt, []models.Outbound, error) {
	entry, ok := p.lookup(req.GiftType)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", models.ErrUnknownGift, req.GiftType)
	}

	session, ok := p.streams.LiveSession(req.StreamID)
	if !ok {
		return nil, nil, models.ErrStreamNotLive
	}

	recipient := req.RecipientID
	if recipient == uuid.Nil {
		recipient = session.BroadcasterID
	}
	if recipient == req.SenderID {
		return nil, nil, fmt.Errorf("%w: cannot gift yourself", models.ErrInvalidArgument)
	}

	id := req.RequestID
	if id == uuid.Nil {
		id = uuid.New()
	}

	tx := models.GiftTransaction{
		ID:          id,
		SenderID:    req.SenderID,
		RecipientID: recipient,
		StreamID:    req.StreamID,
		GiftType:    entry.Type,
		Cost:        entry.Cost,
		Payout:      entry.Payout,
		CreatedAt:   p.now().UTC(),
	}

	log := logger.Ctx(ctx).With().
		Str(logger.FieldUserID, req.SenderID.String()).
		Str(logger.FieldStreamID, req.StreamID.String()).
		Str("gift_type", entry.Type).
		Logger()

	unlock := p.senders.Lock(req.SenderID)
	receipt, err := p.store.ApplyGiftTransaction(ctx, tx)
	unlock()
	if err != nil {
		if errors.Is(err, models.ErrStoreUnavailable) {
			log.Error().Err(err).Msg("gift aborted")
		} else {
			log.Debug().Err(err).Msg("gift rejected")
		}
		return nil, nil, err
	}

	p.streams.RecordGift(req.StreamID, receipt.StreamGiftCount, tx.Cost)
	log.Info().Str("transaction_id", tx.ID.String()).Int64("cost", tx.Cost).Msg("gift committed")

	summary := models.GiftSummary{
		TransactionID: tx.ID,
		StreamID:      tx.StreamID,
		SenderID:      tx.SenderID,
		RecipientID:   tx.RecipientID,
		GiftType:      tx.GiftType,
		GiftName:      entry.Name,
		Cost:          tx.Cost,
		GiftCount:     receipt.StreamGiftCount,
		CreatedAt:     tx.CreatedAt,
	}
	events := []models.Outbound{
		models.ToGroups(models.WSMessage{Event: models.EventGiftReceived, Payload: summary}, models.ChatGroup(tx.StreamID)),
		models.ToUser(tx.SenderID, models.WSMessage{
			Event: models.EventWalletBalance,
			Payload: models.WalletUpdate{
				UserID:        tx.SenderID,
				Coins:         receipt.SenderCoins,
				TransactionID: tx.ID,
			},
		}),
	}
	return &receipt, events, nil
}
