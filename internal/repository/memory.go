package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tullo/livecore/internal/models"
)

// DefaultCatalog seeds the in-memory store. It mirrors the rows inserted by
// the gift_catalog migration.
var DefaultCatalog = []models.GiftCatalogEntry{
	{Type: "rose", Name: "Rose", Cost: 1, Payout: 1},
	{Type: "heart", Name: "Heart", Cost: 10, Payout: 8},
	{Type: "star", Name: "Star", Cost: 50, Payout: 40},
	{Type: "rocket", Name: "Rocket", Cost: 500, Payout: 400},
	{Type: "castle", Name: "Castle", Cost: 5000, Payout: 4000},
}

// MemoryStore is a process-local store used in development and tests. A
// single mutex makes every operation, including ApplyGiftTransaction, atomic.
type MemoryStore struct {
	mu         sync.Mutex
	users      map[uuid.UUID]models.User
	byEmail    map[string]uuid.UUID
	streams    map[uuid.UUID]models.StreamSession
	catalog    []models.GiftCatalogEntry
	gifts      map[uuid.UUID]models.GiftTransaction
	moderators map[uuid.UUID]map[uuid.UUID]bool
	modLogs    []models.ModerationLog
	failures   map[string]error
}

func NewMemoryStore(catalog []models.GiftCatalogEntry) *MemoryStore {
	if catalog == nil {
		catalog = DefaultCatalog
	}
	return &MemoryStore{
		users:      map[uuid.UUID]models.User{},
		byEmail:    map[string]uuid.UUID{},
		streams:    map[uuid.UUID]models.StreamSession{},
		catalog:    append([]models.GiftCatalogEntry(nil), catalog...),
		gifts:      map[uuid.UUID]models.GiftTransaction{},
		moderators: map[uuid.UUID]map[uuid.UUID]bool{},
		failures:   map[string]error{},
	}
}

// FailNext makes the next call of op return err. Ops are named after the
// methods, e.g. "ApplyGiftTransaction".
func (m *MemoryStore) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

func (m *MemoryStore) takeFailure(op string) error {
	err, ok := m.failures[op]
	if !ok {
		return nil
	}
	delete(m.failures, op)
	return err
}

func (m *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("CreateUser"); err != nil {
		return err
	}

	email := strings.ToLower(user.Email)
	if _, ok := m.byEmail[email]; ok {
		return fmt.Errorf("email already registered: %w", models.ErrConflict)
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}
	m.users[user.ID] = *user
	m.byEmail[email] = user.ID
	return nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %w", models.ErrNotFound)
	}
	return &u, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("user %w", models.ErrNotFound)
	}
	u := m.users[id]
	return &u, nil
}

func (m *MemoryStore) LoadAccountBalance(_ context.Context, userID uuid.UUID) (models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("LoadAccountBalance"); err != nil {
		return models.Balance{}, err
	}
	u, ok := m.users[userID]
	if !ok {
		return models.Balance{}, fmt.Errorf("account %w", models.ErrNotFound)
	}
	return models.Balance{UserID: userID, Coins: u.CoinBalance, Diamonds: u.DiamondBalance}, nil
}

func (m *MemoryStore) TopUpCoins(_ context.Context, userID uuid.UUID, amount int64) (models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return models.Balance{}, fmt.Errorf("account %w", models.ErrNotFound)
	}
	u.CoinBalance += amount
	m.users[userID] = u
	return models.Balance{UserID: userID, Coins: u.CoinBalance, Diamonds: u.DiamondBalance}, nil
}

func (m *MemoryStore) LoadActiveStreamByOwner(_ context.Context, ownerID uuid.UUID) (*models.StreamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.StreamSession
	for _, st := range m.streams {
		if st.BroadcasterID != ownerID || st.Status == models.StreamEnded {
			continue
		}
		st := st
		if best == nil || (st.IsLive() && !best.IsLive()) ||
			(st.IsLive() == best.IsLive() && st.CreatedAt.After(best.CreatedAt)) {
			best = &st
		}
	}
	if best == nil {
		return nil, fmt.Errorf("stream %w", models.ErrNotFound)
	}
	return best, nil
}

func (m *MemoryStore) GetStream(_ context.Context, id uuid.UUID) (*models.StreamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[id]
	if !ok {
		return nil, fmt.Errorf("stream %w", models.ErrNotFound)
	}
	return &st, nil
}

func (m *MemoryStore) LoadOpenStreams(_ context.Context) ([]models.StreamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StreamSession
	for _, st := range m.streams {
		if st.Status != models.StreamEnded {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SaveStreamState(_ context.Context, t models.StreamTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("SaveStreamState"); err != nil {
		return err
	}

	next := t.Session
	prev, exists := m.streams[next.ID]
	if exists && prev.Status == models.StreamEnded {
		return nil
	}
	if next.IsLive() {
		for id, st := range m.streams {
			if id != next.ID && st.BroadcasterID == next.BroadcasterID && st.IsLive() {
				return fmt.Errorf("broadcaster already has a live stream: %w", models.ErrAlreadyLive)
			}
		}
	}
	if exists {
		next.GiftCount = prev.GiftCount
		next.GiftCoins = prev.GiftCoins
		if prev.PeakViewers > next.PeakViewers {
			next.PeakViewers = prev.PeakViewers
		}
	}
	m.streams[next.ID] = next
	return nil
}

func (m *MemoryStore) LoadGiftCatalog(_ context.Context) ([]models.GiftCatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.GiftCatalogEntry(nil), m.catalog...), nil
}

func (m *MemoryStore) ApplyGiftTransaction(_ context.Context, t models.GiftTransaction) (models.GiftReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("ApplyGiftTransaction"); err != nil {
		return models.GiftReceipt{}, err
	}

	st, ok := m.streams[t.StreamID]
	if !ok || !st.IsLive() {
		return models.GiftReceipt{}, models.ErrStreamNotLive
	}
	if _, dup := m.gifts[t.ID]; dup {
		return models.GiftReceipt{}, models.ErrDuplicateGift
	}
	sender, ok := m.users[t.SenderID]
	if !ok || sender.CoinBalance < t.Cost {
		return models.GiftReceipt{}, models.ErrInsufficientBalance
	}
	if _, ok := m.users[t.RecipientID]; !ok {
		return models.GiftReceipt{}, fmt.Errorf("recipient %w", models.ErrNotFound)
	}

	// Every check passed, the duplicate id included; nothing below can fail.
	m.gifts[t.ID] = t

	sender.CoinBalance -= t.Cost
	m.users[t.SenderID] = sender

	recipient := m.users[t.RecipientID]
	recipient.DiamondBalance += t.Payout
	recipient.DiamondsEarnedTotal += t.Payout
	recipient.GiftsReceived++
	m.users[t.RecipientID] = recipient

	st.GiftCount++
	st.GiftCoins += t.Cost
	m.streams[t.StreamID] = st

	return models.GiftReceipt{
		Transaction:       t,
		SenderCoins:       m.users[t.SenderID].CoinBalance,
		RecipientDiamonds: recipient.DiamondBalance,
		StreamGiftCount:   st.GiftCount,
	}, nil
}

// GiftCount returns how many transactions are recorded.
func (m *MemoryStore) GiftCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.gifts)
}

func (m *MemoryStore) CanModerate(_ context.Context, broadcasterID, userID uuid.UUID) (bool, error) {
	if broadcasterID == userID {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moderators[broadcasterID][userID], nil
}

func (m *MemoryStore) AddModerator(_ context.Context, broadcasterID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return fmt.Errorf("user %w", models.ErrNotFound)
	}
	if m.moderators[broadcasterID] == nil {
		m.moderators[broadcasterID] = map[uuid.UUID]bool{}
	}
	m.moderators[broadcasterID][userID] = true
	return nil
}

func (m *MemoryStore) AddModerationLog(_ context.Context, log *models.ModerationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modLogs = append(m.modLogs, *log)
	return nil
}

// ModerationLogs returns a copy of the recorded moderation actions.
func (m *MemoryStore) ModerationLogs() []models.ModerationLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ModerationLog(nil), m.modLogs...)
}
