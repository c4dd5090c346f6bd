package chat

import (
	"context"

	"github.com/google/uuid"
	"github.com/tullo/livecore/internal/models"
)

type StreamGetter interface {
	Get(ctx context.Context, streamID uuid.UUID) (*models.StreamSession, error)
}

type ModeratorStore interface {
	CanModerate(ctx context.Context, broadcasterID, userID uuid.UUID) (bool, error)
}

// StreamAuthorizer grants moderation to a stream's owner and the owner's
// appointed moderators.
type StreamAuthorizer struct {
	streams    StreamGetter
	moderators ModeratorStore
}

func NewStreamAuthorizer(streams StreamGetter, moderators ModeratorStore) *StreamAuthorizer {
	return &StreamAuthorizer{streams: streams, moderators: moderators}
}

func (a *StreamAuthorizer) CanModerate(ctx context.Context, streamID, userID uuid.UUID) (bool, error) {
	s, err := a.streams.Get(ctx, streamID)
	if err != nil {
		return false, err
	}
	if s.BroadcasterID == userID {
		return true, nil
	}
	return a.moderators.CanModerate(ctx, s.BroadcasterID, userID)
}
