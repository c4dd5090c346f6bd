package websocket

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tullo/livecore/config"
	"github.com/tullo/livecore/internal/auth"
	"github.com/tullo/livecore/internal/logger"
	"github.com/tullo/livecore/internal/models"
)

// UserLookup resolves display names for verified connections.
type UserLookup interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Handler handles WebSocket connections
type Handler struct {
	hub        *Hub
	router     Dispatcher
	jwtService *auth.JWTService
	users      UserLookup
	cfg        config.WebSocketConfig
	upgrader   websocket.Upgrader
	baseCtx    context.Context
}

// NewHandler creates a new WebSocket handler. Connections live on baseCtx,
// not on the request that upgraded them.
func NewHandler(
	baseCtx context.Context,
	hub *Hub,
	router Dispatcher,
	jwtService *auth.JWTService,
	users UserLookup,
	cfg config.WebSocketConfig,
	allowedOrigins []string,
) *Handler {
	return &Handler{
		hub:        hub,
		router:     router,
		jwtService: jwtService,
		users:      users,
		cfg:        cfg,
		baseCtx:    baseCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		// allow exact match or wildcard like *.example.com
		for _, pattern := range allowed {
			if pattern == "*" || matchOrigin(pattern, origin) {
				return true
			}
		}
		return false
	}
}

// HandleWebSocket upgrades the request. A valid token makes a verified
// connection; no token makes a read-only guest. An invalid token is
// rejected.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	info := models.ConnInfo{ID: uuid.NewString()}

	if token := bearerToken(c); token != "" {
		claims, err := h.jwtService.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		info.UserID = claims.UserID
		info.Verified = true
		info.DisplayName = h.displayName(c.Request.Context(), claims)
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Ctx(c.Request.Context()).Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := NewClient(h.hub, conn, info, h.router, h.cfg)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump(h.baseCtx)
}

func (h *Handler) displayName(ctx context.Context, claims *auth.Claims) string {
	if h.users != nil {
		if u, err := h.users.GetUserByID(ctx, claims.UserID); err == nil {
			return u.DisplayName
		}
	}
	if at := strings.IndexByte(claims.Email, '@'); at > 0 {
		return claims.Email[:at]
	}
	return claims.Email
}

// bearerToken reads the token from the query string, which browsers can
// set on a WebSocket URL, or from the Authorization header.
func bearerToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// matchOrigin supports exact matches or wildcard patterns like *.example.com
func matchOrigin(pattern, origin string) bool {
	if pattern == origin {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		// strip scheme from origin if present
		originHost := origin
		if u, err := url.Parse(origin); err == nil && u.Hostname() != "" {
			originHost = u.Hostname()
		}
		patHost := strings.TrimPrefix(pattern, "*")
		if strings.HasSuffix(originHost, patHost) {
			return true
		}
	}
	return false
}
