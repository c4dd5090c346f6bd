package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tullo/livecore/internal/models"
)

// CanModerate reports whether userID may moderate the broadcaster's room:
// the broadcaster always can, plus anyone they appointed.
func (s *Store) CanModerate(ctx context.Context, broadcasterID, userID uuid.UUID) (bool, error) {
	if broadcasterID == userID {
		return true, nil
	}
	const q = `SELECT EXISTS (SELECT 1 FROM stream_moderators WHERE broadcaster_id = $1 AND user_id = $2)`

	var ok bool
	if err := s.db.QueryRow(ctx, q, broadcasterID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check moderator: %w", err)
	}
	return ok, nil
}

// AddModerator appoints userID as a moderator of the broadcaster's rooms.
func (s *Store) AddModerator(ctx context.Context, broadcasterID, userID uuid.UUID) error {
	const q = `
		INSERT INTO stream_moderators (broadcaster_id, user_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT DO NOTHING`
	if _, err := s.db.Exec(ctx, q, broadcasterID, userID); err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("user %w", models.ErrNotFound)
		}
		return fmt.Errorf("failed to add moderator: %w", err)
	}
	return nil
}

// AddModerationLog records a moderation action
func (s *Store) AddModerationLog(ctx context.Context, log *models.ModerationLog) error {
	const q = `
		INSERT INTO moderation_logs (id, stream_id, message_id, action, moderator_id, target_user_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := s.db.Exec(ctx, q,
		log.ID, log.StreamID, log.MessageID, log.Action, log.ModeratorID, log.TargetUserID, log.Reason, log.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert moderation log: %w", err)
	}
	return nil
}
