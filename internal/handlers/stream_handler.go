package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tullo/livecore/internal/lifecycle"
	"github.com/tullo/livecore/internal/logger"
	"github.com/tullo/livecore/internal/models"
)

// Publisher delivers notifications produced by an HTTP-triggered action to
// the connected clients.
type Publisher interface {
	Deliver(ctx context.Context, out ...models.Outbound)
}

type ModeratorStore interface {
	CanModerate(ctx context.Context, broadcasterID, userID uuid.UUID) (bool, error)
	AddModerator(ctx context.Context, broadcasterID, userID uuid.UUID) error
}

type StreamHandler struct {
	streams    *lifecycle.Manager
	moderators ModeratorStore
	publisher  Publisher
}

func NewStreamHandler(streams *lifecycle.Manager, moderators ModeratorStore, publisher Publisher) *StreamHandler {
	return &StreamHandler{streams: streams, moderators: moderators, publisher: publisher}
}

// StartStream goes live, promoting the caller's scheduled stream if any
func (h *StreamHandler) StartStream(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var meta models.StreamMetadata
	if err := c.ShouldBindJSON(&meta); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	session, out, err := h.streams.Start(ctx, uid, meta)
	if err != nil {
		respondError(c, err)
		return
	}
	h.publisher.Deliver(ctx, out...)
	c.JSON(http.StatusCreated, session)
}

// ScheduleStream records a future broadcast
func (h *StreamHandler) ScheduleStream(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req models.ScheduleStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	session, err := h.streams.Schedule(c.Request.Context(), uid, req.StreamMetadata, req.ScheduledFor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// EndStream ends a stream. The owner ends voluntarily; the owner or one of
// their moderators may end it for moderation.
func (h *StreamHandler) EndStream(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	streamID, ok := pathID(c, "id")
	if !ok {
		return
	}
	req := models.EndStreamRequest{Reason: models.EndVoluntary}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = models.EndVoluntary
	}
	if req.Reason == models.EndTimeout {
		ErrorResponse(c, http.StatusBadRequest, "timeout is not a caller-supplied reason")
		return
	}

	ctx := c.Request.Context()
	session, err := h.streams.Get(ctx, streamID)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.authorizeEnd(ctx, session, uid, req.Reason); err != nil {
		respondError(c, err)
		return
	}

	ended, out, err := h.streams.End(ctx, streamID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	h.publisher.Deliver(ctx, out...)
	c.JSON(http.StatusOK, ended)
}

func (h *StreamHandler) authorizeEnd(ctx context.Context, s *models.StreamSession, callerID uuid.UUID, reason models.EndReason) error {
	if s.BroadcasterID == callerID {
		return nil
	}
	if reason != models.EndModeration {
		return models.ErrForbidden
	}
	allowed, err := h.moderators.CanModerate(ctx, s.BroadcasterID, callerID)
	if err != nil {
		return err
	}
	if !allowed {
		return models.ErrForbidden
	}
	return nil
}

// Heartbeat refreshes the caller's stream liveness
func (h *StreamHandler) Heartbeat(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	streamID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.streams.Heartbeat(c.Request.Context(), streamID, uid); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetStream returns one stream in any state
func (h *StreamHandler) GetStream(c *gin.Context) {
	streamID, ok := pathID(c, "id")
	if !ok {
		return
	}
	session, err := h.streams.Get(c.Request.Context(), streamID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// ListStreams returns the live streams
func (h *StreamHandler) ListStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": h.streams.List()})
}

// GetMyStream returns the caller's live stream
func (h *StreamHandler) GetMyStream(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	session, err := h.streams.GetActiveByOwner(c.Request.Context(), uid)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type addModeratorRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
}

// AddModerator lets the caller delegate moderation of their streams
func (h *StreamHandler) AddModerator(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req addModeratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == uid {
		ErrorResponse(c, http.StatusBadRequest, "broadcasters already moderate their own streams")
		return
	}

	ctx := c.Request.Context()
	if err := h.moderators.AddModerator(ctx, uid, req.UserID); err != nil {
		respondError(c, err)
		return
	}
	logger.Ctx(ctx).Info().
		Str(logger.FieldUserID, uid.String()).
		Str("moderator_id", req.UserID.String()).
		Msg("moderator added")
	c.Status(http.StatusNoContent)
}
