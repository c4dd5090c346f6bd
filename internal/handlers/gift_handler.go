package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tullo/livecore/internal/gift"
	"github.com/tullo/livecore/internal/models"
)

type WalletStore interface {
	LoadAccountBalance(ctx context.Context, userID uuid.UUID) (models.Balance, error)
	TopUpCoins(ctx context.Context, userID uuid.UUID, amount int64) (models.Balance, error)
}

type GiftHandler struct {
	gifts     *gift.Processor
	wallets   WalletStore
	publisher Publisher

	// allowTopUp enables the test-only coin grant outside production.
	allowTopUp bool
}

func NewGiftHandler(gifts *gift.Processor, wallets WalletStore, publisher Publisher, allowTopUp bool) *GiftHandler {
	return &GiftHandler{gifts: gifts, wallets: wallets, publisher: publisher, allowTopUp: allowTopUp}
}

// SendGift sends a catalog gift on a live stream
func (h *GiftHandler) SendGift(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	streamID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req models.SendGiftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	r := gift.Request{SenderID: uid, StreamID: streamID, GiftType: req.GiftType}
	if req.RecipientID != nil {
		r.RecipientID = *req.RecipientID
	}
	if req.RequestID != nil {
		r.RequestID = *req.RequestID
	}

	ctx := c.Request.Context()
	receipt, out, err := h.gifts.SendGift(ctx, r)
	if err != nil {
		respondError(c, err)
		return
	}
	h.publisher.Deliver(ctx, out...)
	c.JSON(http.StatusCreated, receipt)
}

// Catalog lists the purchasable gifts, cheapest first
func (h *GiftHandler) Catalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"gifts": h.gifts.Catalog()})
}

// Balance returns the caller's coin and diamond balances
func (h *GiftHandler) Balance(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	balance, err := h.wallets.LoadAccountBalance(c.Request.Context(), uid)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

type topUpRequest struct {
	Amount int64 `json:"amount" binding:"required,min=1,max=1000000"`
}

// TopUp grants coins without payment. Payment capture is an external
// concern, so this only exists for development and test deployments.
func (h *GiftHandler) TopUp(c *gin.Context) {
	if !h.allowTopUp {
		ErrorResponse(c, http.StatusNotFound, "not found")
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	balance, err := h.wallets.TopUpCoins(c.Request.Context(), uid, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	h.publisher.Deliver(c.Request.Context(), models.ToUser(uid, models.WSMessage{
		Event:   models.EventWalletBalance,
		Payload: models.WalletUpdate{UserID: uid, Coins: balance.Coins},
	}))
	c.JSON(http.StatusOK, balance)
}
