package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tullo/livecore/internal/models"
)

const streamColumns = `id, broadcaster_id, title, category, status, viewer_count, peak_viewers,
		gift_count, gift_coins, last_heartbeat, scheduled_for, started_at, ended_at, end_reason,
		duration_seconds, banned, created_at, updated_at`

func scanStream(row pgx.Row) (*models.StreamSession, error) {
	var (
		out       models.StreamSession
		status    string
		endReason *string
	)
	if err := row.Scan(
		&out.ID, &out.BroadcasterID, &out.Title, &out.Category, &status, &out.ViewerCount, &out.PeakViewers,
		&out.GiftCount, &out.GiftCoins, &out.LastHeartbeat, &out.ScheduledFor, &out.StartedAt, &out.EndedAt, &endReason,
		&out.DurationSeconds, &out.Banned, &out.CreatedAt, &out.UpdatedAt,
	); err != nil {
		return nil, err
	}
	out.Status = models.StreamStatus(status)
	if endReason != nil {
		r := models.EndReason(*endReason)
		out.EndReason = &r
	}
	return &out, nil
}

// LoadActiveStreamByOwner returns the newest live or scheduled session of a
// broadcaster, or ErrNotFound.
func (s *Store) LoadActiveStreamByOwner(ctx context.Context, ownerID uuid.UUID) (*models.StreamSession, error) {
	q := `SELECT ` + streamColumns + `
		FROM streams
		WHERE broadcaster_id = $1 AND status IN ('live', 'scheduled')
		ORDER BY (status = 'live') DESC, created_at DESC
		LIMIT 1`

	out, err := scanStream(s.db.QueryRow(ctx, q, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("stream %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active stream: %w", err)
	}
	return out, nil
}

func (s *Store) GetStream(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	q := `SELECT ` + streamColumns + ` FROM streams WHERE id = $1`

	out, err := scanStream(s.db.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("stream %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	return out, nil
}

// LoadOpenStreams returns every session that is live or scheduled. It is used
// to restore in-memory state at startup.
func (s *Store) LoadOpenStreams(ctx context.Context) ([]models.StreamSession, error) {
	q := `SELECT ` + streamColumns + `
		FROM streams
		WHERE status IN ('live', 'scheduled')
		ORDER BY created_at`

	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to load open streams: %w", err)
	}
	defer rows.Close()

	var out []models.StreamSession
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// SaveStreamState upserts the lifecycle-owned columns of a session. Gift
// aggregates are owned by ApplyGiftTransaction and are never overwritten
// here. An ended row is terminal: later writes for it are ignored.
func (s *Store) SaveStreamState(ctx context.Context, t models.StreamTransition) error {
	const q = `
		INSERT INTO streams (id, broadcaster_id, title, category, status, viewer_count, peak_viewers,
			last_heartbeat, scheduled_for, started_at, ended_at, end_reason, duration_seconds, banned,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			viewer_count = EXCLUDED.viewer_count,
			peak_viewers = GREATEST(streams.peak_viewers, EXCLUDED.peak_viewers),
			last_heartbeat = EXCLUDED.last_heartbeat,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			end_reason = EXCLUDED.end_reason,
			duration_seconds = EXCLUDED.duration_seconds,
			banned = EXCLUDED.banned,
			updated_at = EXCLUDED.updated_at
		WHERE streams.status <> 'ended'`

	st := t.Session
	var endReason *string
	if st.EndReason != nil {
		r := string(*st.EndReason)
		endReason = &r
	}
	updatedAt := st.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(ctx, q,
		st.ID, st.BroadcasterID, st.Title, st.Category, string(st.Status), st.ViewerCount, st.PeakViewers,
		st.LastHeartbeat, st.ScheduledFor, st.StartedAt, st.EndedAt, endReason, st.DurationSeconds, st.Banned,
		st.CreatedAt, updatedAt,
	)
	if pgCode(err) == pgUniqueViolation {
		return fmt.Errorf("broadcaster already has a live stream: %w", models.ErrAlreadyLive)
	}
	if err != nil {
		return fmt.Errorf("failed to save stream %s (%s -> %s): %w", st.ID, t.From, t.To, err)
	}
	return nil
}
