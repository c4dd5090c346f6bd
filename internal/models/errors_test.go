package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestSpecialisedErrorsMatchBase(t *testing.T) {
	if !errors.Is(ErrAlreadyLive, ErrConflict) {
		t.Error("ErrAlreadyLive should match ErrConflict")
	}
	if !errors.Is(ErrUnknownGift, ErrNotFound) {
		t.Error("ErrUnknownGift should match ErrNotFound")
	}
	if !errors.Is(ErrDuplicateGift, ErrConflict) {
		t.Error("ErrDuplicateGift should match ErrConflict")
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrAlreadyLive, "already_live"},
		{ErrUnknownGift, "unknown_gift"},
		{ErrDuplicateGift, "conflict"},
		{fmt.Errorf("wrapped: %w", ErrInsufficientBalance), "insufficient_balance"},
		{ErrStreamNotLive, "stream_not_live"},
		{ErrStoreUnavailable, "retry"},
		{fmt.Errorf("%w: reason", ErrInvalidArgument), "invalid_argument"},
		{errors.New("boom"), "internal"},
	}

	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
