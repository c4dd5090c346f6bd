package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tullo/livecore/internal/models"
)

// LoadGiftCatalog returns the static gift catalog ordered by cost.
func (s *Store) LoadGiftCatalog(ctx context.Context) ([]models.GiftCatalogEntry, error) {
	const q = `SELECT type, name, cost, payout, icon_url FROM gift_catalog ORDER BY cost, type`

	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to load gift catalog: %w", err)
	}
	defer rows.Close()

	var out []models.GiftCatalogEntry
	for rows.Next() {
		var e models.GiftCatalogEntry
		if err := rows.Scan(&e.Type, &e.Name, &e.Cost, &e.Payout, &e.IconURL); err != nil {
			return nil, fmt.Errorf("failed to scan gift: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const insertGiftQuery = `
		INSERT INTO gift_transactions (id, sender_id, recipient_id, stream_id, gift_type, cost, payout, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

func insertGiftRecord(ctx context.Context, q querier, t models.GiftTransaction) error {
	tag, err := q.Exec(ctx, insertGiftQuery,
		t.ID, t.SenderID, t.RecipientID, t.StreamID, t.GiftType, t.Cost, t.Payout, t.CreatedAt)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("gift references missing row: %w", models.ErrNotFound)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrDuplicateGift
	}
	return nil
}

// ApplyGiftTransaction debits the sender, credits the recipient, bumps the
// stream's gift counters and records the transaction in one database
// transaction. The debit is a conditional update so two concurrent gifts can
// never both spend the same coins. Any failure rolls everything back.
func (s *Store) ApplyGiftTransaction(ctx context.Context, t models.GiftTransaction) (models.GiftReceipt, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.GiftReceipt{}, unavailable("begin gift transaction", err)
	}
	defer tx.Rollback(ctx)

	receipt := models.GiftReceipt{Transaction: t}

	// Lock both accounts in id order so crossing gifts cannot deadlock.
	first, second := t.SenderID, t.RecipientID
	if bytes.Compare(first[:], second[:]) > 0 {
		first, second = second, first
	}
	const lockQ = `SELECT id FROM users WHERE id IN ($1, $2) ORDER BY id FOR UPDATE`
	if _, err := tx.Exec(ctx, lockQ, first, second); err != nil {
		return models.GiftReceipt{}, unavailable("lock accounts", err)
	}

	const streamQ = `
		UPDATE streams
		SET gift_count = gift_count + 1, gift_coins = gift_coins + $2, updated_at = NOW()
		WHERE id = $1 AND status = 'live'
		RETURNING gift_count`
	err = tx.QueryRow(ctx, streamQ, t.StreamID, t.Cost).Scan(&receipt.StreamGiftCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GiftReceipt{}, models.ErrStreamNotLive
	}
	if err != nil {
		return models.GiftReceipt{}, unavailable("update stream gift counters", err)
	}

	if err := insertGiftRecord(ctx, tx, t); err != nil {
		return models.GiftReceipt{}, unavailable("record gift", err)
	}

	const debitQ = `
		UPDATE users
		SET coin_balance = coin_balance - $2, updated_at = NOW()
		WHERE id = $1 AND coin_balance >= $2
		RETURNING coin_balance`
	err = tx.QueryRow(ctx, debitQ, t.SenderID, t.Cost).Scan(&receipt.SenderCoins)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GiftReceipt{}, models.ErrInsufficientBalance
	}
	if err != nil {
		return models.GiftReceipt{}, unavailable("debit sender", err)
	}

	const creditQ = `
		UPDATE users
		SET diamond_balance = diamond_balance + $2,
			diamonds_earned_total = diamonds_earned_total + $2,
			gifts_received = gifts_received + 1,
			updated_at = NOW()
		WHERE id = $1
		RETURNING diamond_balance`
	err = tx.QueryRow(ctx, creditQ, t.RecipientID, t.Payout).Scan(&receipt.RecipientDiamonds)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GiftReceipt{}, fmt.Errorf("recipient %w", models.ErrNotFound)
	}
	if err != nil {
		return models.GiftReceipt{}, unavailable("credit recipient", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.GiftReceipt{}, unavailable("commit gift", err)
	}
	return receipt, nil
}

// TopUpCoins credits purchased coins to an account and returns the new
// balance. Payment capture happens before this is called.
func (s *Store) TopUpCoins(ctx context.Context, userID uuid.UUID, amount int64) (models.Balance, error) {
	const q = `
		UPDATE users SET coin_balance = coin_balance + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING coin_balance, diamond_balance`

	b := models.Balance{UserID: userID}
	err := s.db.QueryRow(ctx, q, userID, amount).Scan(&b.Coins, &b.Diamonds)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Balance{}, fmt.Errorf("account %w", models.ErrNotFound)
	}
	if err != nil {
		return models.Balance{}, fmt.Errorf("failed to top up coins: %w", err)
	}
	return b, nil
}
