package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// User is an account. CoinBalance is the spendable currency, DiamondBalance
// is what broadcasters earn from gifts.
type User struct {
	ID                  uuid.UUID `json:"id" db:"id"`
	Email               string    `json:"email" db:"email"`
	DisplayName         string    `json:"display_name" db:"display_name"`
	AvatarURL           *string   `json:"avatar_url,omitempty" db:"avatar_url"`
	PasswordHash        string    `json:"-" db:"password_hash"`
	CoinBalance         int64     `json:"coin_balance" db:"coin_balance"`
	DiamondBalance      int64     `json:"diamond_balance" db:"diamond_balance"`
	GiftsReceived       int64     `json:"gifts_received" db:"gifts_received"`
	DiamondsEarnedTotal int64     `json:"diamonds_earned_total" db:"diamonds_earned_total"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// Validate checks basic user fields
func (u *User) Validate() error {
	if u.Email == "" {
		return fmt.Errorf("email is required")
	}
	if !strings.Contains(u.Email, "@") {
		return fmt.Errorf("invalid email")
	}
	if u.DisplayName == "" {
		return fmt.Errorf("display name is required")
	}
	if n := utf8.RuneCountInString(u.DisplayName); n < 2 || n > 100 {
		return fmt.Errorf("display name length invalid")
	}
	if u.CoinBalance < 0 || u.DiamondBalance < 0 {
		return fmt.Errorf("balances cannot be negative")
	}
	if u.GiftsReceived < 0 || u.DiamondsEarnedTotal < u.DiamondBalance {
		return fmt.Errorf("earnings totals invalid")
	}
	return nil
}

// Balance is the pair of currency balances for one account.
type Balance struct {
	UserID   uuid.UUID `json:"user_id"`
	Coins    int64     `json:"coins"`
	Diamonds int64     `json:"diamonds"`
}

type CreateUserRequest struct {
	Email       string  `json:"email" binding:"required,email"`
	Password    string  `json:"password" binding:"required,min=8"`
	DisplayName string  `json:"display_name" binding:"required"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}
