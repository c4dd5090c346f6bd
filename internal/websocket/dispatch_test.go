package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tullo/livecore/internal/chat"
	"github.com/tullo/livecore/internal/gift"
	"github.com/tullo/livecore/internal/lifecycle"
	"github.com/tullo/livecore/internal/models"
	"github.com/tullo/livecore/internal/repository"
	"github.com/tullo/livecore/internal/signaling"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	hub     *Hub
	router  *Router
	streams *lifecycle.Manager
	relay   *signaling.Relay
	store   *repository.MemoryStore
	clock   *testClock
	owner   uuid.UUID
	stream  uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := repository.NewMemoryStore(nil)
	hub := NewHub(nil)

	streams := lifecycle.New(store, lifecycle.Config{
		StaleThreshold: 60 * time.Second,
		SweepInterval:  10 * time.Second,
		Now:            clock.Now,
	})
	relay := signaling.NewRelay(hub)
	chatMgr := chat.New(hub, hub, chat.NewStreamAuthorizer(streams, store), chat.Config{Now: clock.Now, Logs: store})
	gifts := gift.NewProcessor(store, streams, clock.Now)
	if err := gifts.LoadCatalog(ctx); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(hub, streams, relay, chatMgr, gifts)
	streams.SetSink(router)
	hub.OnDisconnect(router.Disconnect)

	owner := uuid.New()
	if err := store.CreateUser(ctx, &models.User{ID: owner, Email: "host@example.com", DisplayName: "host"}); err != nil {
		t.Fatal(err)
	}
	session, out, err := streams.Start(ctx, owner, models.StreamMetadata{Title: "launch"})
	if err != nil {
		t.Fatal(err)
	}
	router.Deliver(ctx, out...)

	return &testEnv{
		hub:     hub,
		router:  router,
		streams: streams,
		relay:   relay,
		store:   store,
		clock:   clock,
		owner:   owner,
		stream:  session.ID,
	}
}

func (e *testEnv) send(t *testing.T, c *Client, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	e.router.Dispatch(context.Background(), c, models.WSInbound{Event: event, Payload: raw})
}

func (e *testEnv) broadcaster(t *testing.T) *Client {
	t.Helper()
	b := newTestClient(e.hub, models.ConnInfo{ID: "broadcaster", UserID: e.owner, Verified: true})
	e.send(t, b, models.EventStreamJoin, models.WSStreamJoinPayload{StreamID: e.stream, Role: models.RoleBroadcaster})
	if got := drain(t, b); len(got) != 1 || got[0].Event != models.EventStreamJoined {
		t.Fatalf("broadcaster join got %v", eventNames(got))
	}
	return b
}

func (e *testEnv) viewer(t *testing.T, id string) *Client {
	t.Helper()
	v := newTestClient(e.hub, verified(id))
	e.send(t, v, models.EventStreamJoin, models.WSStreamJoinPayload{StreamID: e.stream, Role: models.RoleViewer})
	return v
}

func findEvent(rs []received, event string) (received, bool) {
	for _, r := range rs {
		if r.Event == event {
			return r, true
		}
	}
	return received{}, false
}

func errorCode(t *testing.T, rs []received) string {
	t.Helper()
	r, ok := findEvent(rs, models.EventError)
	if !ok {
		t.Fatalf("no error event in %v", eventNames(rs))
	}
	var p models.WSErrorPayload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		t.Fatal(err)
	}
	return p.Code
}

func TestRouter_JoinAndRelay(t *testing.T) {
	e := newTestEnv(t)
	b := e.broadcaster(t)
	v := e.viewer(t, "v1")

	if _, ok := findEvent(drain(t, b), models.EventViewerJoined); !ok {
		t.Fatal("broadcaster was not told about the viewer")
	}
	if _, ok := findEvent(drain(t, v), models.EventStreamJoined); !ok {
		t.Fatal("viewer did not get stream.joined")
	}

	s, err := e.streams.Get(context.Background(), e.stream)
	if err != nil {
		t.Fatal(err)
	}
	if s.ViewerCount != 1 || s.PeakViewers != 1 {
		t.Errorf("viewers = %d peak = %d, want 1/1", s.ViewerCount, s.PeakViewers)
	}

	e.send(t, v, models.EventSignalOffer, models.WSSignalPayload{
		StreamID: e.stream,
		TargetID: "broadcaster",
		Data:     json.RawMessage(`{"sdp":"offer"}`),
	})
	got := drain(t, b)
	offer, ok := findEvent(got, models.EventSignalOffer)
	if !ok {
		t.Fatalf("offer not relayed, got %v", eventNames(got))
	}
	var relayed models.WSSignalRelay
	json.Unmarshal(offer.Payload, &relayed)
	if relayed.SenderID != "v1" || string(relayed.Data) != `{"sdp":"offer"}` {
		t.Errorf("relayed payload = %+v", relayed)
	}

	// ICE to a vanished target is dropped without an error.
	e.send(t, b, models.EventSignalICE, models.WSSignalPayload{StreamID: e.stream, TargetID: "gone", Data: json.RawMessage(`{}`)})
	if got := drain(t, b); len(got) != 0 {
		t.Errorf("dropped ICE produced %v", eventNames(got))
	}
}

func TestRouter_OnlyOwnerBroadcasts(t *testing.T) {
	e := newTestEnv(t)
	impostor := newTestClient(e.hub, verified("impostor"))
	e.send(t, impostor, models.EventStreamJoin, models.WSStreamJoinPayload{StreamID: e.stream, Role: models.RoleBroadcaster})
	if code := errorCode(t, drain(t, impostor)); code != "forbidden" {
		t.Errorf("code = %q, want forbidden", code)
	}

	ghost := newTestClient(e.hub, verified("late"))
	e.send(t, ghost, models.EventStreamJoin, models.WSStreamJoinPayload{StreamID: uuid.New(), Role: models.RoleViewer})
	if code := errorCode(t, drain(t, ghost)); code != "stream_not_live" {
		t.Errorf("code = %q, want stream_not_live", code)
	}
}

func TestRouter_ViewerPromotedToBroadcasterIsNotCounted(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	host := newTestClient(e.hub, models.ConnInfo{ID: "host", UserID: e.owner, Verified: true})

	e.send(t, host, models.EventStreamJoin, models.WSStreamJoinPayload{StreamID: e.stream, Role: models.RoleViewer})
	s, _ := e.streams.Get(ctx, e.stream)
	if s.ViewerCount != 1 {
		t.Fatalf("viewer count = %d, want 1", s.ViewerCount)
	}

	e.send(t, host, models.EventStreamJoin, models.WSStreamJoinPayload{StreamID: e.stream, Role: models.RoleBroadcaster})
	if _, ok := findEvent(drain(t, host), models.EventError); ok {
		t.Fatal("role change was rejected")
	}
	s, _ = e.streams.Get(ctx, e.stream)
	if s.ViewerCount != 0 {
		t.Errorf("after role change viewer count = %d, want 0", s.ViewerCount)
	}
	if s.PeakViewers != 1 {
		t.Errorf("peak = %d, want 1", s.PeakViewers)
	}

	v := e.viewer(t, "v1")
	drain(t, v)
	s, _ = e.streams.Get(ctx, e.stream)
	if s.ViewerCount != 1 || s.PeakViewers != 1 {
		t.Errorf("viewers = %d peak = %d, want 1/1", s.ViewerCount, s.PeakViewers)
	}

	e.send(t, host, models.EventStreamLeave, models.WSStreamPayload{StreamID: e.stream})
	e.send(t, v, models.EventStreamLeave, models.WSStreamPayload{StreamID: e.stream})
	s, _ = e.streams.Get(ctx, e.stream)
	if s.ViewerCount != 0 || e.relay.Members(e.stream) != 0 {
		t.Errorf("viewer count = %d relay members = %d after everyone left", s.ViewerCount, e.relay.Members(e.stream))
	}
}

func TestRouter_EndedStreamRefusesJoinAndBan(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	host := newTestClient(e.hub, models.ConnInfo{ID: "host", UserID: e.owner, Verified: true})
	e.send(t, host, models.EventChatJoin, models.WSChatJoinPayload{StreamID: e.stream})

	_, out, err := e.streams.End(ctx, e.stream, models.EndVoluntary)
	if err != nil {
		t.Fatal(err)
	}
	e.router.Deliver(ctx, out...)
	drain(t, host)

	e.send(t, host, models.EventChatBan, models.WSModerationPayload{StreamID: e.stream, TargetUserID: uuid.New()})
	if code := errorCode(t, drain(t, host)); code != "stream_not_live" {
		t.Errorf("ban code = %q, want stream_not_live", code)
	}

	late := newTestClient(e.hub, verified("late"))
	e.send(t, late, models.EventChatJoin, models.WSChatJoinPayload{StreamID: e.stream})
	if code := errorCode(t, drain(t, late)); code != "stream_not_live" {
		t.Errorf("chat join code = %q, want stream_not_live", code)
	}
	e.send(t, late, models.EventStreamJoin, models.WSStreamJoinPayload{StreamID: e.stream, Role: models.RoleViewer})
	if code := errorCode(t, drain(t, late)); code != "stream_not_live" {
		t.Errorf("stream join code = %q, want stream_not_live", code)
	}
	if e.hub.GroupSize(models.ChatGroup(e.stream)) != 0 || e.hub.GroupSize(models.SignalGroup(e.stream)) != 0 {
		t.Error("late connection joined a closed stream's group")
	}
}

func TestRouter_GuestCannotChat(t *testing.T) {
	e := newTestEnv(t)
	member := newTestClient(e.hub, verified("member"))
	guest := newTestClient(e.hub, models.ConnInfo{ID: "guest"})

	e.send(t, member, models.EventChatJoin, models.WSChatJoinPayload{StreamID: e.stream, DisplayName: "m"})
	e.send(t, guest, models.EventChatJoin, models.WSChatJoinPayload{StreamID: e.stream})
	drain(t, member)
	drain(t, guest)

	e.send(t, guest, models.EventChatSend, models.WSChatSendPayload{StreamID: e.stream, Body: "hi"})
	if code := errorCode(t, drain(t, guest)); code != "unauthorized" {
		t.Errorf("code = %q, want unauthorized", code)
	}
	if got := drain(t, member); len(got) != 0 {
		t.Errorf("guest publish reached members: %v", eventNames(got))
	}

	e.send(t, member, models.EventChatSend, models.WSChatSendPayload{StreamID: e.stream, Body: "hello"})
	for _, c := range []*Client{member, guest} {
		if _, ok := findEvent(drain(t, c), models.EventChatMessage); !ok {
			t.Errorf("%s did not receive the message", c.ID())
		}
	}
}

func TestRouter_HeartbeatsKeepStreamAliveThenReap(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	b := e.broadcaster(t)
	v := e.viewer(t, "v1")
	drain(t, b)
	drain(t, v)

	for elapsed := time.Duration(0); elapsed < 5*time.Minute; elapsed += 10 * time.Second {
		e.clock.Advance(10 * time.Second)
		e.send(t, b, models.EventStreamHeartbeat, models.WSStreamPayload{StreamID: e.stream})
		e.streams.Sweep(ctx)
		if !e.streams.IsLive(e.stream) {
			t.Fatalf("stream reaped at %v despite heartbeats", elapsed)
		}
	}
	if got := drain(t, v); len(got) != 0 {
		t.Fatalf("viewer got %v while stream was healthy", eventNames(got))
	}

	e.clock.Advance(70 * time.Second)
	if n := e.streams.Sweep(ctx); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}

	got := drain(t, v)
	ended, ok := findEvent(got, models.EventStreamEnded)
	if !ok {
		t.Fatalf("viewer not notified, got %v", eventNames(got))
	}
	var p models.WSStreamEndedPayload
	json.Unmarshal(ended.Payload, &p)
	if p.Reason != models.EndTimeout {
		t.Errorf("reason = %q, want timeout", p.Reason)
	}
	if e.relay.Members(e.stream) != 0 {
		t.Error("signal room should be closed after the stream ended")
	}

	e.streams.Sweep(ctx)
	if got := drain(t, v); len(got) != 0 {
		t.Errorf("second sweep notified again: %v", eventNames(got))
	}
}

func TestRouter_DisconnectCleansUp(t *testing.T) {
	e := newTestEnv(t)
	b := e.broadcaster(t)
	v := e.viewer(t, "v1")
	e.send(t, v, models.EventChatJoin, models.WSChatJoinPayload{StreamID: e.stream})
	drain(t, b)

	e.router.Disconnect(context.Background(), v.Info())

	if _, ok := findEvent(drain(t, b), models.EventViewerLeft); !ok {
		t.Error("broadcaster not told the viewer left")
	}
	s, _ := e.streams.Get(context.Background(), e.stream)
	if s.ViewerCount != 0 {
		t.Errorf("viewer count = %d, want 0", s.ViewerCount)
	}
	if e.relay.Members(e.stream) != 1 {
		t.Errorf("relay members = %d, want 1", e.relay.Members(e.stream))
	}

	// A connection that joined nothing disconnects cleanly.
	e.router.Disconnect(context.Background(), models.ConnInfo{ID: "nobody"})
}

func TestRouter_GiftSend(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	sender := uuid.New()
	if err := e.store.CreateUser(ctx, &models.User{ID: sender, Email: "fan@example.com", DisplayName: "fan", CoinBalance: 15}); err != nil {
		t.Fatal(err)
	}
	fan := newTestClient(e.hub, models.ConnInfo{ID: "fan", UserID: sender, Verified: true})
	e.send(t, fan, models.EventChatJoin, models.WSChatJoinPayload{StreamID: e.stream})
	drain(t, fan)

	e.send(t, fan, models.EventGiftSend, models.WSGiftPayload{
		StreamID:        e.stream,
		SendGiftRequest: models.SendGiftRequest{GiftType: "heart"},
	})
	got := drain(t, fan)
	if _, ok := findEvent(got, models.EventGiftReceived); !ok {
		t.Errorf("no gift summary in %v", eventNames(got))
	}
	wallet, ok := findEvent(got, models.EventWalletBalance)
	if !ok {
		t.Fatalf("no wallet update in %v", eventNames(got))
	}
	var w models.WalletUpdate
	json.Unmarshal(wallet.Payload, &w)
	if w.Coins != 5 {
		t.Errorf("coins = %d, want 5", w.Coins)
	}

	e.send(t, fan, models.EventGiftSend, models.WSGiftPayload{
		StreamID:        e.stream,
		SendGiftRequest: models.SendGiftRequest{GiftType: "heart"},
	})
	if code := errorCode(t, drain(t, fan)); code != "insufficient_balance" {
		t.Errorf("code = %q, want insufficient_balance", code)
	}
}

func TestRouter_BadInput(t *testing.T) {
	e := newTestEnv(t)
	c := newTestClient(e.hub, verified("c"))

	e.router.Dispatch(context.Background(), c, models.WSInbound{Event: "nope"})
	if code := errorCode(t, drain(t, c)); code != "invalid_message" {
		t.Errorf("unknown event code = %q", code)
	}

	e.router.Dispatch(context.Background(), c, models.WSInbound{Event: models.EventChatSend, Payload: json.RawMessage(`{"stream_id":`)})
	if code := errorCode(t, drain(t, c)); code != "invalid_message" {
		t.Errorf("malformed payload code = %q", code)
	}

	e.router.Dispatch(context.Background(), c, models.WSInbound{Event: models.EventPing})
	if got := drain(t, c); len(got) != 1 || got[0].Event != models.EventPong {
		t.Errorf("ping got %v", eventNames(got))
	}
}

func TestRouter_StreamListSubscription(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	watcher := newTestClient(e.hub, models.ConnInfo{ID: "watcher"})
	e.router.Dispatch(ctx, watcher, models.WSInbound{Event: models.EventStreamsSubscribe})

	other := uuid.New()
	_, out, err := e.streams.Start(ctx, other, models.StreamMetadata{Title: "second"})
	if err != nil {
		t.Fatal(err)
	}
	e.router.Deliver(ctx, out...)

	if _, ok := findEvent(drain(t, watcher), models.EventStreamCreated); !ok {
		t.Error("subscriber missed stream.created")
	}
}
