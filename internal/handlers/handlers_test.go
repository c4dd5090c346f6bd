package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tullo/livecore/internal/auth"
	"github.com/tullo/livecore/internal/ephemeral"
	"github.com/tullo/livecore/internal/gift"
	"github.com/tullo/livecore/internal/lifecycle"
	"github.com/tullo/livecore/internal/middleware"
	"github.com/tullo/livecore/internal/models"
	"github.com/tullo/livecore/internal/repository"
)

type recordingPublisher struct {
	mu  sync.Mutex
	out []models.Outbound
}

func (p *recordingPublisher) Deliver(_ context.Context, out ...models.Outbound) {
	p.mu.Lock()
	p.out = append(p.out, out...)
	p.mu.Unlock()
}

func (p *recordingPublisher) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, o := range p.out {
		if o.Message.Event == event {
			n++
		}
	}
	return n
}

type testServer struct {
	engine   *gin.Engine
	store    *repository.MemoryStore
	jwt      *auth.JWTService
	streams  *lifecycle.Manager
	registry *ephemeral.Registry
	pub      *recordingPublisher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &testServer{
		store: repository.NewMemoryStore(nil),
		jwt:   auth.NewJWTService("test-secret", 1),
		pub:   &recordingPublisher{},
	}
	s.streams = lifecycle.New(s.store, lifecycle.Config{})
	s.registry = ephemeral.New(ephemeral.Config{})

	gifts := gift.NewProcessor(s.store, s.streams, nil)
	if err := gifts.LoadCatalog(context.Background()); err != nil {
		t.Fatal(err)
	}

	authH := NewAuthHandler(s.store, s.jwt)
	streamH := NewStreamHandler(s.streams, s.store, s.pub)
	giftH := NewGiftHandler(gifts, s.store, s.pub, true)
	handoffH := NewHandoffHandler(s.registry, s.jwt)

	r := gin.New()
	r.POST("/auth/register", authH.Register)
	r.POST("/auth/login", authH.Login)
	r.POST("/auth/handoff", handoffH.Create)
	r.GET("/auth/handoff/:id", handoffH.Status)
	r.GET("/streams", streamH.ListStreams)
	r.GET("/streams/:id", streamH.GetStream)
	r.GET("/gifts", giftH.Catalog)

	api := r.Group("/api/v1", middleware.AuthMiddleware(s.jwt))
	api.GET("/me", authH.GetMe)
	api.POST("/streams", streamH.StartStream)
	api.POST("/streams/schedule", streamH.ScheduleStream)
	api.GET("/streams/me", streamH.GetMyStream)
	api.POST("/streams/:id/end", streamH.EndStream)
	api.POST("/streams/:id/heartbeat", streamH.Heartbeat)
	api.POST("/streams/:id/gifts", giftH.SendGift)
	api.POST("/moderators", streamH.AddModerator)
	api.GET("/wallet", giftH.Balance)
	api.POST("/wallet/topup", giftH.TopUp)
	api.POST("/handoff/:id/scan", handoffH.Scan)
	api.POST("/handoff/:id/confirm", handoffH.Confirm)

	s.engine = r
	return s
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

// user creates an account directly in the store and returns its id and token.
func (s *testServer) user(t *testing.T, name string, coins int64) (uuid.UUID, string) {
	t.Helper()
	u := &models.User{
		ID:          uuid.New(),
		Email:       name + "@example.com",
		DisplayName: name,
		CoinBalance: coins,
	}
	if err := s.store.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	token, err := s.jwt.GenerateToken(u.ID, u.Email)
	if err != nil {
		t.Fatal(err)
	}
	return u.ID, token
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestAuthFlow(t *testing.T) {
	s := newTestServer(t)

	reg := map[string]string{"email": "Alice@Example.com", "password": "correct-horse", "display_name": "Alice"}
	w := s.do(t, http.MethodPost, "/auth/register", "", reg)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", w.Code, w.Body)
	}
	login := decodeBody[models.LoginResponse](t, w)
	if login.Token == "" || login.User.Email != "alice@example.com" {
		t.Errorf("unexpected register response %+v", login)
	}

	if w := s.do(t, http.MethodPost, "/auth/register", "", reg); w.Code != http.StatusConflict {
		t.Errorf("duplicate register status = %d, want 409", w.Code)
	}

	bad := map[string]string{"email": "alice@example.com", "password": "wrong-password"}
	if w := s.do(t, http.MethodPost, "/auth/login", "", bad); w.Code != http.StatusUnauthorized {
		t.Errorf("bad login status = %d, want 401", w.Code)
	}

	good := map[string]string{"email": "alice@example.com", "password": "correct-horse"}
	w = s.do(t, http.MethodPost, "/auth/login", "", good)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", w.Code, w.Body)
	}
	token := decodeBody[models.LoginResponse](t, w).Token

	w = s.do(t, http.MethodGet, "/api/v1/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("me status = %d", w.Code)
	}
	if me := decodeBody[models.User](t, w); me.DisplayName != "Alice" || me.CoinBalance != 0 {
		t.Errorf("unexpected me %+v", me)
	}

	if w := s.do(t, http.MethodGet, "/api/v1/me", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("me without token status = %d", w.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body map[string]string
	}{
		{"bad email", map[string]string{"email": "nope", "password": "long-enough", "display_name": "Bob"}},
		{"short password", map[string]string{"email": "bob@example.com", "password": "short", "display_name": "Bob"}},
		{"short display name", map[string]string{"email": "bob@example.com", "password": "long-enough", "display_name": "B"}},
		{"password over bcrypt limit", map[string]string{"email": "bob@example.com", "password": strings.Repeat("x", 80), "display_name": "Bob"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := s.do(t, http.MethodPost, "/auth/register", "", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestStreamLifecycleEndpoints(t *testing.T) {
	s := newTestServer(t)
	_, host := s.user(t, "host", 0)
	_, viewer := s.user(t, "viewer", 0)

	w := s.do(t, http.MethodPost, "/api/v1/streams", host, models.StreamMetadata{Title: "hello"})
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d: %s", w.Code, w.Body)
	}
	session := decodeBody[models.StreamSession](t, w)
	if s.pub.count(models.EventStreamCreated) != 1 {
		t.Error("stream.created not published")
	}

	if w := s.do(t, http.MethodPost, "/api/v1/streams", host, models.StreamMetadata{Title: "again"}); w.Code != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", w.Code)
	}

	base := "/api/v1/streams/" + session.ID.String()
	if w := s.do(t, http.MethodPost, base+"/heartbeat", host, nil); w.Code != http.StatusNoContent {
		t.Errorf("heartbeat status = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/streams/me", host, nil); w.Code != http.StatusOK {
		t.Errorf("my stream status = %d", w.Code)
	}

	w = s.do(t, http.MethodGet, "/streams", "", nil)
	list := decodeBody[struct {
		Streams []models.StreamSession `json:"streams"`
	}](t, w)
	if len(list.Streams) != 1 {
		t.Errorf("listed %d streams, want 1", len(list.Streams))
	}

	if w := s.do(t, http.MethodPost, base+"/end", viewer, nil); w.Code != http.StatusForbidden {
		t.Errorf("non-owner end status = %d, want 403", w.Code)
	}
	if w := s.do(t, http.MethodPost, base+"/end", host, models.EndStreamRequest{Reason: models.EndTimeout}); w.Code != http.StatusBadRequest {
		t.Errorf("timeout reason status = %d, want 400", w.Code)
	}

	w = s.do(t, http.MethodPost, base+"/end", host, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("end status = %d: %s", w.Code, w.Body)
	}
	if ended := decodeBody[models.StreamSession](t, w); ended.Status != models.StreamEnded {
		t.Errorf("status = %s", ended.Status)
	}
	// Ending again succeeds without a second notification.
	if w := s.do(t, http.MethodPost, base+"/end", host, nil); w.Code != http.StatusOK {
		t.Errorf("repeat end status = %d", w.Code)
	}
	if n := s.pub.count(models.EventStreamEnded); n == 0 {
		t.Error("stream.ended not published")
	}
	ended := s.pub.count(models.EventStreamEnded)
	s.do(t, http.MethodPost, base+"/end", host, nil)
	if s.pub.count(models.EventStreamEnded) != ended {
		t.Error("repeated end published again")
	}

	if w := s.do(t, http.MethodPost, base+"/heartbeat", host, nil); w.Code != http.StatusConflict {
		t.Errorf("heartbeat after end status = %d, want 409", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/streams/"+session.ID.String(), "", nil); w.Code != http.StatusOK {
		t.Errorf("get ended stream status = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/streams/not-a-uuid", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", w.Code)
	}
}

func TestModeratorCanEndForModeration(t *testing.T) {
	s := newTestServer(t)
	_, host := s.user(t, "host", 0)
	modID, mod := s.user(t, "mod", 0)

	w := s.do(t, http.MethodPost, "/api/v1/streams", host, models.StreamMetadata{Title: "hello"})
	session := decodeBody[models.StreamSession](t, w)
	end := "/api/v1/streams/" + session.ID.String() + "/end"

	moderation := models.EndStreamRequest{Reason: models.EndModeration}
	if w := s.do(t, http.MethodPost, end, mod, moderation); w.Code != http.StatusForbidden {
		t.Errorf("before delegation status = %d, want 403", w.Code)
	}

	if w := s.do(t, http.MethodPost, "/api/v1/moderators", host, map[string]any{"user_id": modID}); w.Code != http.StatusNoContent {
		t.Fatalf("add moderator status = %d: %s", w.Code, w.Body)
	}
	if w := s.do(t, http.MethodPost, end, mod, models.EndStreamRequest{Reason: models.EndVoluntary}); w.Code != http.StatusForbidden {
		t.Errorf("moderator voluntary end status = %d, want 403", w.Code)
	}
	w = s.do(t, http.MethodPost, end, mod, moderation)
	if w.Code != http.StatusOK {
		t.Fatalf("moderation end status = %d: %s", w.Code, w.Body)
	}
	if got := decodeBody[models.StreamSession](t, w); got.EndReason == nil || *got.EndReason != models.EndModeration {
		t.Errorf("end reason = %v", got.EndReason)
	}
}

func TestScheduleThenStartPromotes(t *testing.T) {
	s := newTestServer(t)
	_, host := s.user(t, "host", 0)

	req := map[string]any{"title": "later", "scheduled_for": "2099-01-01T00:00:00Z"}
	w := s.do(t, http.MethodPost, "/api/v1/streams/schedule", host, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("schedule status = %d: %s", w.Code, w.Body)
	}
	scheduled := decodeBody[models.StreamSession](t, w)

	w = s.do(t, http.MethodPost, "/api/v1/streams", host, models.StreamMetadata{Title: "now"})
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d: %s", w.Code, w.Body)
	}
	if live := decodeBody[models.StreamSession](t, w); live.ID != scheduled.ID || live.Status != models.StreamLive {
		t.Errorf("start did not promote scheduled stream: %+v", live)
	}
}

func TestGiftEndpoints(t *testing.T) {
	s := newTestServer(t)
	hostID, host := s.user(t, "host", 0)
	_, viewer := s.user(t, "viewer", 0)

	w := s.do(t, http.MethodPost, "/api/v1/streams", host, models.StreamMetadata{Title: "hello"})
	session := decodeBody[models.StreamSession](t, w)
	giftURL := "/api/v1/streams/" + session.ID.String() + "/gifts"

	if w := s.do(t, http.MethodPost, giftURL, viewer, models.SendGiftRequest{GiftType: "star"}); w.Code != http.StatusPaymentRequired {
		t.Errorf("broke viewer gift status = %d, want 402", w.Code)
	}

	if w := s.do(t, http.MethodPost, "/api/v1/wallet/topup", viewer, map[string]int64{"amount": 100}); w.Code != http.StatusOK {
		t.Fatalf("topup status = %d: %s", w.Code, w.Body)
	}

	w = s.do(t, http.MethodPost, giftURL, viewer, models.SendGiftRequest{GiftType: "star"})
	if w.Code != http.StatusCreated {
		t.Fatalf("gift status = %d: %s", w.Code, w.Body)
	}
	receipt := decodeBody[models.GiftReceipt](t, w)
	if receipt.SenderCoins != 50 || receipt.Transaction.RecipientID != hostID {
		t.Errorf("unexpected receipt %+v", receipt)
	}
	if s.pub.count(models.EventGiftReceived) != 1 {
		t.Error("gift.received not published")
	}

	if w := s.do(t, http.MethodPost, giftURL, viewer, models.SendGiftRequest{GiftType: "unicorn"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown gift status = %d, want 404", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/v1/wallet", host, nil)
	if b := decodeBody[models.Balance](t, w); b.Diamonds != 40 {
		t.Errorf("host diamonds = %d, want 40", b.Diamonds)
	}

	w = s.do(t, http.MethodGet, "/gifts", "", nil)
	catalog := decodeBody[struct {
		Gifts []models.GiftCatalogEntry `json:"gifts"`
	}](t, w)
	if len(catalog.Gifts) != len(repository.DefaultCatalog) || catalog.Gifts[0].Type != "rose" {
		t.Errorf("unexpected catalog %+v", catalog.Gifts)
	}
}

func TestTopUpDisabled(t *testing.T) {
	s := newTestServer(t)
	_, token := s.user(t, "viewer", 0)

	h := NewGiftHandler(nil, s.store, s.pub, false)
	r := gin.New()
	r.POST("/topup", middleware.AuthMiddleware(s.jwt), h.TopUp)

	req := httptest.NewRequest(http.MethodPost, "/topup", bytes.NewBufferString(`{"amount":5}`))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandoffFlow(t *testing.T) {
	s := newTestServer(t)
	uid, token := s.user(t, "phone", 0)

	w := s.do(t, http.MethodPost, "/auth/handoff", "", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	ticket := decodeBody[models.HandoffTicket](t, w)
	status := "/auth/handoff/" + ticket.ID

	w = s.do(t, http.MethodGet, status+"?wait=10ms", "", nil)
	if got := decodeBody[models.EphemeralSession](t, w); got.Status != models.EphemeralPending {
		t.Errorf("status = %s, want pending", got.Status)
	}

	if w := s.do(t, http.MethodPost, "/api/v1/handoff/"+ticket.ID+"/scan", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous scan status = %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/v1/handoff/"+ticket.ID+"/scan", token, nil); w.Code != http.StatusNoContent {
		t.Fatalf("scan status = %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/v1/handoff/"+ticket.ID+"/confirm", token, nil); w.Code != http.StatusNoContent {
		t.Fatalf("confirm status = %d: %s", w.Code, w.Body)
	}
	if w := s.do(t, http.MethodPost, "/api/v1/handoff/"+ticket.ID+"/confirm", token, nil); w.Code != http.StatusConflict {
		t.Errorf("second confirm status = %d, want 409", w.Code)
	}

	w = s.do(t, http.MethodGet, status+"?wait=1s", "", nil)
	done := decodeBody[models.EphemeralSession](t, w)
	if done.Status != models.EphemeralCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	var p handoffPayload
	if err := json.Unmarshal(done.Payload, &p); err != nil {
		t.Fatal(err)
	}
	claims, err := s.jwt.ValidateToken(p.Token)
	if err != nil || claims.UserID != uid {
		t.Errorf("handed-off token invalid: %v", err)
	}

	// Single use.
	if w := s.do(t, http.MethodGet, status, "", nil); w.Code != http.StatusNotFound {
		t.Errorf("second collect status = %d, want 404", w.Code)
	}
	if w := s.do(t, http.MethodGet, status+"?wait=nope", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad wait status = %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrUnknownGift, http.StatusNotFound},
		{models.ErrAlreadyLive, http.StatusConflict},
		{models.ErrDuplicateGift, http.StatusConflict},
		{models.ErrUnauthorized, http.StatusUnauthorized},
		{models.ErrForbidden, http.StatusForbidden},
		{models.ErrExpired, http.StatusGone},
		{models.ErrInsufficientBalance, http.StatusPaymentRequired},
		{models.ErrStreamNotLive, http.StatusConflict},
		{models.ErrInvalidMessage, http.StatusBadRequest},
		{models.ErrInvalidArgument, http.StatusBadRequest},
		{models.ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("failed to apply gift: %w", models.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
