package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tullo/livecore/internal/auth"
	"github.com/tullo/livecore/internal/logger"
	"github.com/tullo/livecore/internal/models"
)

type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	LoadAccountBalance(ctx context.Context, userID uuid.UUID) (models.Balance, error)
}

type AuthHandler struct {
	users      UserStore
	jwtService *auth.JWTService
}

func NewAuthHandler(users UserStore, jwtService *auth.JWTService) *AuthHandler {
	return &AuthHandler{
		users:      users,
		jwtService: jwtService,
	}
}

// Register handles user registration
func (h *AuthHandler) Register(c *gin.Context) {
	var req models.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:          uuid.New(),
		Email:       strings.ToLower(strings.TrimSpace(req.Email)),
		DisplayName: strings.TrimSpace(req.DisplayName),
		AvatarURL:   req.AvatarURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := user.Validate(); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if errors.Is(err, auth.ErrPasswordTooLong) {
		ErrorResponse(c, http.StatusBadRequest, "password too long")
		return
	}
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to hash password")
		return
	}
	user.PasswordHash = hashedPassword

	if err := h.users.CreateUser(c.Request.Context(), user); err != nil {
		respondError(c, err)
		return
	}

	token, err := h.jwtService.GenerateToken(user.ID, user.Email)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	logger.Ctx(c.Request.Context()).Info().Str(logger.FieldUserID, user.ID.String()).Msg("user registered")
	c.JSON(http.StatusCreated, models.LoginResponse{
		Token: token,
		User:  *user,
	})
}

// Login handles user login
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.users.GetUserByEmail(c.Request.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		ErrorResponse(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		ErrorResponse(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.jwtService.GenerateToken(user.ID, user.Email)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	c.JSON(http.StatusOK, models.LoginResponse{
		Token: token,
		User:  *user,
	})
}

// GetMe returns the current user with fresh balances
func (h *AuthHandler) GetMe(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	user, err := h.users.GetUserByID(ctx, uid)
	if err != nil {
		respondError(c, err)
		return
	}
	balance, err := h.users.LoadAccountBalance(ctx, uid)
	if err != nil {
		respondError(c, err)
		return
	}
	user.CoinBalance = balance.Coins
	user.DiamondBalance = balance.Diamonds

	c.JSON(http.StatusOK, user)
}
