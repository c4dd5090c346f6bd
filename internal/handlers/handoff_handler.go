package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tullo/livecore/internal/auth"
	"github.com/tullo/livecore/internal/ephemeral"
	"github.com/tullo/livecore/internal/logger"
	"github.com/tullo/livecore/internal/middleware"
	"github.com/tullo/livecore/internal/models"
)

const maxHandoffWait = 30 * time.Second

// handoffPayload is what the confirming device hands to the waiting one.
type handoffPayload struct {
	Token string `json:"token"`
	User  struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// HandoffHandler implements device-to-device login: an anonymous device
// creates a ticket and shows it, a signed-in device scans and confirms it,
// and the first device collects a freshly minted token.
type HandoffHandler struct {
	registry   *ephemeral.Registry
	jwtService *auth.JWTService
}

func NewHandoffHandler(registry *ephemeral.Registry, jwtService *auth.JWTService) *HandoffHandler {
	return &HandoffHandler{registry: registry, jwtService: jwtService}
}

// Create opens a new pending handoff
func (h *HandoffHandler) Create(c *gin.Context) {
	c.JSON(http.StatusCreated, h.registry.Create())
}

// Status reports a handoff's state. With ?wait=<duration> it blocks until
// the handoff completes, expires or the wait runs out. A completed handoff
// is returned with its payload exactly once.
func (h *HandoffHandler) Status(c *gin.Context) {
	id := c.Param("id")

	var wait time.Duration
	if raw := c.Query("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			ErrorResponse(c, http.StatusBadRequest, "invalid wait")
			return
		}
		wait = min(d, maxHandoffWait)
	}

	if wait > 0 {
		ch, cancel, err := h.registry.Subscribe(id)
		if err != nil {
			respondError(c, err)
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ch:
		case <-timer.C:
		case <-c.Request.Context().Done():
		}
		timer.Stop()
		cancel()
	}

	session, err := h.registry.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}
	if session.Status != models.EphemeralCompleted {
		c.JSON(http.StatusOK, session)
		return
	}

	payload, err := h.registry.Consume(id)
	if err != nil {
		respondError(c, err)
		return
	}
	session.Payload = payload
	c.JSON(http.StatusOK, session)
}

// Scan marks the handoff as picked up by the caller's device
func (h *HandoffHandler) Scan(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}
	if err := h.registry.Scan(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Confirm completes the handoff with a new token for the caller
func (h *HandoffHandler) Confirm(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	email := middleware.GetEmail(c)

	token, err := h.jwtService.GenerateToken(uid, email)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	var p handoffPayload
	p.Token = token
	p.User.ID = uid.String()
	p.User.Email = email
	data, err := json.Marshal(p)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to encode handoff")
		return
	}

	ctx := c.Request.Context()
	if err := h.registry.Confirm(ctx, c.Param("id"), data); err != nil {
		respondError(c, err)
		return
	}
	logger.Ctx(ctx).Info().Str(logger.FieldUserID, uid.String()).Msg("login handoff confirmed")
	c.Status(http.StatusNoContent)
}
