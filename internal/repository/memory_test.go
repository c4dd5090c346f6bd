package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tullo/livecore/internal/models"
)

func seedMemory(t *testing.T, coins int64) (*MemoryStore, uuid.UUID, uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	m := NewMemoryStore(nil)
	sender := &models.User{ID: uuid.New(), Email: "x@example.com", DisplayName: "X", CoinBalance: coins}
	owner := &models.User{ID: uuid.New(), Email: "a@example.com", DisplayName: "A"}
	if err := m.CreateUser(ctx, sender); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateUser(ctx, owner); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	st := models.StreamSession{ID: uuid.New(), BroadcasterID: owner.ID, Status: models.StreamLive, CreatedAt: now}
	if err := m.SaveStreamState(ctx, models.StreamTransition{Session: st, To: models.StreamLive}); err != nil {
		t.Fatal(err)
	}
	return m, sender.ID, owner.ID, st.ID
}

func gift(sender, recipient, stream uuid.UUID, cost int64) models.GiftTransaction {
	return models.GiftTransaction{
		ID: uuid.New(), SenderID: sender, RecipientID: recipient, StreamID: stream,
		GiftType: "heart", Cost: cost, Payout: cost - 2, CreatedAt: time.Now().UTC(),
	}
}

func TestMemoryApplyGift_ConcurrentSpendsNeverOverdraw(t *testing.T) {
	m, sender, owner, stream := seedMemory(t, 15)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ApplyGiftTransaction(context.Background(), gift(sender, owner, stream, 10))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, insufficient int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, models.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Fatalf("expected one success and one rejection, got %d/%d", ok, insufficient)
	}

	b, _ := m.LoadAccountBalance(context.Background(), sender)
	if b.Coins != 5 {
		t.Fatalf("expected 5 coins left, got %d", b.Coins)
	}
	if m.GiftCount() != 1 {
		t.Fatalf("expected exactly one gift record, got %d", m.GiftCount())
	}
}

func TestMemoryApplyGift_EndedStreamLeavesBalances(t *testing.T) {
	ctx := context.Background()
	m, sender, owner, stream := seedMemory(t, 15)

	st, _ := m.GetStream(ctx, stream)
	st.Status = models.StreamEnded
	if err := m.SaveStreamState(ctx, models.StreamTransition{Session: *st, From: models.StreamLive, To: models.StreamEnded}); err != nil {
		t.Fatal(err)
	}

	_, err := m.ApplyGiftTransaction(ctx, gift(sender, owner, stream, 10))
	if !errors.Is(err, models.ErrStreamNotLive) {
		t.Fatalf("expected ErrStreamNotLive, got %v", err)
	}
	b, _ := m.LoadAccountBalance(ctx, sender)
	r, _ := m.LoadAccountBalance(ctx, owner)
	if b.Coins != 15 || r.Diamonds != 0 || m.GiftCount() != 0 {
		t.Fatalf("balances changed: sender=%d recipient=%d gifts=%d", b.Coins, r.Diamonds, m.GiftCount())
	}
}

func TestMemoryApplyGift_ReplayedIDAppliesOnce(t *testing.T) {
	ctx := context.Background()
	m, sender, owner, stream := seedMemory(t, 30)
	tx := gift(sender, owner, stream, 10)

	if _, err := m.ApplyGiftTransaction(ctx, tx); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if _, err := m.ApplyGiftTransaction(ctx, tx); !errors.Is(err, models.ErrDuplicateGift) {
		t.Fatalf("replay err = %v, want ErrDuplicateGift", err)
	}

	b, _ := m.LoadAccountBalance(ctx, sender)
	r, _ := m.LoadAccountBalance(ctx, owner)
	if b.Coins != 20 || r.Diamonds != 8 || m.GiftCount() != 1 {
		t.Fatalf("replay changed state: sender=%d recipient=%d gifts=%d", b.Coins, r.Diamonds, m.GiftCount())
	}
}

func TestMemorySaveStreamState_EndedIsTerminal(t *testing.T) {
	ctx := context.Background()
	m, _, _, stream := seedMemory(t, 0)

	st, _ := m.GetStream(ctx, stream)
	st.Status = models.StreamEnded
	_ = m.SaveStreamState(ctx, models.StreamTransition{Session: *st, To: models.StreamEnded})

	st.Status = models.StreamLive
	if err := m.SaveStreamState(ctx, models.StreamTransition{Session: *st, To: models.StreamLive}); err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetStream(ctx, stream)
	if got.Status != models.StreamEnded {
		t.Fatalf("ended session re-entered %s", got.Status)
	}
}

func TestMemorySaveStreamState_SecondLiveRejected(t *testing.T) {
	ctx := context.Background()
	m, _, owner, _ := seedMemory(t, 0)

	other := models.StreamSession{ID: uuid.New(), BroadcasterID: owner, Status: models.StreamLive}
	err := m.SaveStreamState(ctx, models.StreamTransition{Session: other, To: models.StreamLive})
	if !errors.Is(err, models.ErrAlreadyLive) {
		t.Fatalf("expected ErrAlreadyLive, got %v", err)
	}
}

func TestMemoryCreateUser_EmailCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil)
	if err := m.CreateUser(ctx, &models.User{ID: uuid.New(), Email: "Case@Example.com"}); err != nil {
		t.Fatal(err)
	}
	err := m.CreateUser(ctx, &models.User{ID: uuid.New(), Email: "case@example.com"})
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := m.GetUserByEmail(ctx, "CASE@example.com"); err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
}
