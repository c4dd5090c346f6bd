package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrExpired             = errors.New("expired")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrStreamNotLive       = errors.New("stream not live")
	ErrInvalidMessage      = errors.New("invalid message")
	ErrRateLimited         = errors.New("rate limited")
	ErrInvalidArgument     = errors.New("invalid argument")

	// ErrStoreUnavailable marks a transient persistence failure; callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")
)

var (
	ErrAlreadyLive   = fmt.Errorf("%w: broadcaster already live", ErrConflict)
	ErrUnknownGift   = fmt.Errorf("%w: unknown gift", ErrNotFound)
	ErrDuplicateGift = fmt.Errorf("%w: duplicate gift request", ErrConflict)
)

// ErrorCode returns the short machine-readable code sent to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyLive):
		return "already_live"
	case errors.Is(err, ErrUnknownGift):
		return "unknown_gift"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrStreamNotLive):
		return "stream_not_live"
	case errors.Is(err, ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrStoreUnavailable):
		return "retry"
	default:
		return "internal"
	}
}
