package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tullo/livecore/internal/models"
)

const userColumns = `id, email, display_name, avatar_url, password_hash, coin_balance, diamond_balance,
		gifts_received, diamonds_earned_total, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.DisplayName,
		&u.AvatarURL,
		&u.PasswordHash,
		&u.CoinBalance,
		&u.DiamondBalance,
		&u.GiftsReceived,
		&u.DiamondsEarnedTotal,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// CreateUser inserts a new account. A duplicate email is reported as
// ErrConflict.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	const q = `
		INSERT INTO users (id, email, display_name, avatar_url, password_hash, coin_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, q,
		user.ID,
		user.Email,
		user.DisplayName,
		user.AvatarURL,
		user.PasswordHash,
		user.CoinBalance,
		user.CreatedAt,
		user.UpdatedAt,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if pgCode(err) == pgUniqueViolation {
		return fmt.Errorf("email already registered: %w", models.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by ID
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(s.db.QueryRow(ctx, q, id))
}

// GetUserByEmail retrieves a user by email
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(s.db.QueryRow(ctx, q, email))
}

func (s *Store) LoadAccountBalance(ctx context.Context, userID uuid.UUID) (models.Balance, error) {
	const q = `SELECT coin_balance, diamond_balance FROM users WHERE id = $1`

	b := models.Balance{UserID: userID}
	err := s.db.QueryRow(ctx, q, userID).Scan(&b.Coins, &b.Diamonds)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Balance{}, fmt.Errorf("account %w", models.ErrNotFound)
	}
	if err != nil {
		return models.Balance{}, fmt.Errorf("failed to load balance: %w", err)
	}
	return b, nil
}
