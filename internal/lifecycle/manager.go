// Package lifecycle owns the state machine of broadcast sessions: start,
// heartbeat-driven liveness, and termination (voluntary, moderation or
// timeout). The in-memory liveness clock is authoritative; the Store only
// mirrors transitions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tullo/livecore/internal/logger"
	"github.com/tullo/livecore/internal/models"
)

const (
	DefaultStaleThreshold = 60 * time.Second
	DefaultSweepInterval  = 10 * time.Second

	// endedRetention is how long ended sessions stay in memory so repeated
	// End calls stay idempotent without a Store round-trip.
	endedRetention = 10 * time.Minute
)

type Store interface {
	LoadActiveStreamByOwner(ctx context.Context, ownerID uuid.UUID) (*models.StreamSession, error)
	LoadOpenStreams(ctx context.Context) ([]models.StreamSession, error)
	GetStream(ctx context.Context, id uuid.UUID) (*models.StreamSession, error)
	SaveStreamState(ctx context.Context, t models.StreamTransition) error
}

// ViewerCounter tracks viewer connections outside this process, so counts
// stay correct when viewers are spread over several instances.
type ViewerCounter interface {
	AddViewer(ctx context.Context, streamID uuid.UUID, connID string) (int, error)
	RemoveViewer(ctx context.Context, streamID uuid.UUID, connID string) (int, error)
	ClearViewers(ctx context.Context, streamID uuid.UUID) error
}

// Sink delivers notifications produced by timeout reaps, which have no
// caller to hand them back to.
type Sink interface {
	Deliver(ctx context.Context, out ...models.Outbound)
}

type Config struct {
	StaleThreshold time.Duration
	SweepInterval  time.Duration

	// Viewers is optional; without it viewer counts are per-process.
	Viewers ViewerCounter
	Sink    Sink
	Now     func() time.Time
}

type entry struct {
	session models.StreamSession
	viewers map[string]struct{}
}

type Manager struct {
	store     Store
	viewers   ViewerCounter
	sink      Sink
	now       func() time.Time
	threshold time.Duration
	interval  time.Duration

	mu        sync.Mutex
	sessions  map[uuid.UUID]*entry
	live      map[uuid.UUID]uuid.UUID // owner -> live session
	scheduled map[uuid.UUID]uuid.UUID // owner -> scheduled session
	starting  map[uuid.UUID]struct{}  // owners with a Start in flight
	ended     map[uuid.UUID]models.StreamSession
}

func New(store Store, cfg Config) *Manager {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:     store,
		viewers:   cfg.Viewers,
		sink:      cfg.Sink,
		now:       cfg.Now,
		threshold: cfg.StaleThreshold,
		interval:  cfg.SweepInterval,
		sessions:  make(map[uuid.UUID]*entry),
		live:      make(map[uuid.UUID]uuid.UUID),
		scheduled: make(map[uuid.UUID]uuid.UUID),
		starting:  make(map[uuid.UUID]struct{}),
		ended:     make(map[uuid.UUID]models.StreamSession),
	}
}

// SetSink replaces the notification sink. It is meant for wiring at startup,
// before Run.
func (m *Manager) SetSink(s Sink) {
	m.mu.Lock()
	m.sink = s
	m.mu.Unlock()
}

func (m *Manager) emit(ctx context.Context, out []models.Outbound) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil && len(out) > 0 {
		sink.Deliver(ctx, out...)
	}
}

// stale must be called with mu held.
func (m *Manager) stale(s *models.StreamSession, now time.Time) bool {
	return s.Status == models.StreamLive && now.Sub(s.LastHeartbeat) > m.threshold
}

// Start puts the broadcaster live. A scheduled session of the same owner is
// promoted instead of creating a new one.
func (m *Manager) Start(ctx context.Context, ownerID uuid.UUID, meta models.StreamMetadata) (*models.StreamSession, []models.Outbound, error) {
	if _, err := m.GetActiveByOwner(ctx, ownerID); err == nil {
		return nil, nil, models.ErrAlreadyLive
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, nil, err
	}

	m.mu.Lock()
	if _, ok := m.live[ownerID]; ok {
		m.mu.Unlock()
		return nil, nil, models.ErrAlreadyLive
	}
	if _, ok := m.starting[ownerID]; ok {
		m.mu.Unlock()
		return nil, nil, models.ErrAlreadyLive
	}
	m.starting[ownerID] = struct{}{}
	var promote *models.StreamSession
	if id, ok := m.scheduled[ownerID]; ok {
		s := m.sessions[id].session
		promote = &s
	}
	inMemory := promote != nil
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.starting, ownerID)
		m.mu.Unlock()
	}()

	if promote == nil {
		var err error
		if promote, err = m.adoptPersisted(ctx, ownerID); err != nil {
			return nil, nil, err
		}
	}

	now := m.now()
	session := models.StreamSession{
		ID:            uuid.New(),
		BroadcasterID: ownerID,
		CreatedAt:     now,
	}
	from := models.StreamStatus("")
	if promote != nil {
		session = *promote
		from = models.StreamScheduled
	}
	if meta.Title != "" {
		session.Title = meta.Title
	}
	if meta.Category != nil {
		session.Category = meta.Category
	}
	session.Status = models.StreamLive
	session.LastHeartbeat = now
	session.StartedAt = &now
	session.UpdatedAt = now

	if err := m.store.SaveStreamState(ctx, models.StreamTransition{Session: session, From: from, To: models.StreamLive}); err != nil {
		return nil, nil, fmt.Errorf("failed to start stream: %w", err)
	}

	m.mu.Lock()
	if inMemory {
		if id, ok := m.scheduled[ownerID]; !ok || id != session.ID {
			m.mu.Unlock()
			return nil, nil, fmt.Errorf("%w: schedule changed while starting", models.ErrConflict)
		}
		delete(m.scheduled, ownerID)
	}
	m.sessions[session.ID] = &entry{session: session, viewers: make(map[string]struct{})}
	m.live[ownerID] = session.ID
	m.mu.Unlock()

	logger.Ctx(ctx).Info().
		Str(logger.FieldStreamID, session.ID.String()).
		Str(logger.FieldUserID, ownerID.String()).
		Msg("stream started")

	out := []models.Outbound{
		models.ToGroups(models.WSMessage{Event: models.EventStreamCreated, Payload: session}, models.StreamListGroup),
	}
	return &session, out, nil
}

// adoptPersisted reconciles the Store with memory for an owner that has no
// in-memory session. A persisted scheduled session is returned for promotion;
// a persisted live session unknown to this process is closed as timed out.
func (m *Manager) adoptPersisted(ctx context.Context, ownerID uuid.UUID) (*models.StreamSession, error) {
	persisted, err := m.store.LoadActiveStreamByOwner(ctx, ownerID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active stream: %w", err)
	}
	if persisted.Status == models.StreamScheduled {
		return persisted, nil
	}

	closed := *persisted
	m.finish(&closed, models.EndTimeout, m.now())
	if err := m.store.SaveStreamState(ctx, models.StreamTransition{Session: closed, From: models.StreamLive, To: models.StreamEnded}); err != nil {
		return nil, fmt.Errorf("failed to close orphaned stream: %w", err)
	}
	logger.Ctx(ctx).Warn().
		Str(logger.FieldStreamID, closed.ID.String()).
		Msg("closed orphaned live stream")
	return nil, nil
}

// Schedule records a future broadcast. An owner may hold one scheduled or
// live session at a time.
func (m *Manager) Schedule(ctx context.Context, ownerID uuid.UUID, meta models.StreamMetadata, at time.Time) (*models.StreamSession, error) {
	now := m.now()
	if !at.After(now) {
		return nil, fmt.Errorf("%w: scheduled time must be in the future", models.ErrInvalidArgument)
	}

	m.mu.Lock()
	_, live := m.live[ownerID]
	_, sched := m.scheduled[ownerID]
	_, starting := m.starting[ownerID]
	m.mu.Unlock()
	if live || sched || starting {
		return nil, fmt.Errorf("%w: broadcaster already has an open stream", models.ErrConflict)
	}

	session := models.StreamSession{
		ID:            uuid.New(),
		BroadcasterID: ownerID,
		Title:         meta.Title,
		Category:      meta.Category,
		Status:        models.StreamScheduled,
		LastHeartbeat: now,
		ScheduledFor:  &at,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.SaveStreamState(ctx, models.StreamTransition{Session: session, To: models.StreamScheduled}); err != nil {
		return nil, fmt.Errorf("failed to schedule stream: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scheduled[ownerID]; ok {
		return nil, fmt.Errorf("%w: broadcaster already has an open stream", models.ErrConflict)
	}
	m.sessions[session.ID] = &entry{session: session, viewers: make(map[string]struct{})}
	m.scheduled[ownerID] = session.ID
	return &session, nil
}

// Heartbeat refreshes the liveness clock. Calls from anyone but the owner
// are ignored. A beat arriving after the stale threshold does not revive
// the session: it is ended as timed out and the caller gets
// ErrStreamNotLive.
func (m *Manager) Heartbeat(ctx context.Context, streamID, callerID uuid.UUID) error {
	m.mu.Lock()
	e, ok := m.sessions[streamID]
	if !ok {
		_, ended := m.ended[streamID]
		m.mu.Unlock()
		if ended {
			return models.ErrStreamNotLive
		}
		return fmt.Errorf("stream %w", models.ErrNotFound)
	}
	if e.session.BroadcasterID != callerID {
		m.mu.Unlock()
		logger.Ctx(ctx).Debug().
			Str(logger.FieldStreamID, streamID.String()).
			Str(logger.FieldUserID, callerID.String()).
			Msg("ignoring heartbeat from non-owner")
		return nil
	}
	if e.session.Status != models.StreamLive {
		m.mu.Unlock()
		return models.ErrStreamNotLive
	}
	if m.stale(&e.session, m.now()) {
		m.mu.Unlock()
		m.endIfStale(ctx, streamID)
		return models.ErrStreamNotLive
	}
	e.session.LastHeartbeat = m.now()
	m.mu.Unlock()
	return nil
}

// finish stamps the terminal fields of s.
func (m *Manager) finish(s *models.StreamSession, reason models.EndReason, now time.Time) {
	s.Status = models.StreamEnded
	s.EndedAt = &now
	s.EndReason = &reason
	s.UpdatedAt = now
	if s.StartedAt != nil {
		s.DurationSeconds = int64(now.Sub(*s.StartedAt) / time.Second)
	}
	if reason == models.EndModeration {
		s.Banned = true
	}
	s.ViewerCount = 0
}

// endLocked flips a session to ended and forgets it. It must be called with
// mu held; the caller persists and notifies after unlocking.
func (m *Manager) endLocked(e *entry, reason models.EndReason) (models.StreamSession, models.StreamStatus) {
	from := e.session.Status
	m.finish(&e.session, reason, m.now())
	delete(m.sessions, e.session.ID)
	owner := e.session.BroadcasterID
	if m.live[owner] == e.session.ID {
		delete(m.live, owner)
	}
	if m.scheduled[owner] == e.session.ID {
		delete(m.scheduled, owner)
	}
	m.ended[e.session.ID] = e.session
	return e.session, from
}

func endedEvents(s models.StreamSession) []models.Outbound {
	payload := models.WSStreamEndedPayload{
		StreamID:        s.ID,
		Reason:          *s.EndReason,
		EndedAt:         *s.EndedAt,
		DurationSeconds: s.DurationSeconds,
		PeakViewers:     s.PeakViewers,
	}
	return []models.Outbound{
		models.ToGroups(models.WSMessage{Event: models.EventStreamEnded, Payload: payload},
			models.SignalGroup(s.ID), models.ChatGroup(s.ID), models.StreamListGroup),
	}
}

// persistEnd mirrors an ended session to the Store. Failures are logged: the
// in-memory transition already happened and is what participants observe.
func (m *Manager) persistEnd(ctx context.Context, s models.StreamSession, from models.StreamStatus) {
	log := logger.Ctx(ctx)
	if err := m.store.SaveStreamState(ctx, models.StreamTransition{Session: s, From: from, To: models.StreamEnded}); err != nil {
		log.Error().Err(err).Str(logger.FieldStreamID, s.ID.String()).Msg("failed to persist ended stream")
	}
	if m.viewers != nil {
		if err := m.viewers.ClearViewers(ctx, s.ID); err != nil {
			log.Warn().Err(err).Str(logger.FieldStreamID, s.ID.String()).Msg("failed to clear viewers")
		}
	}
}

// End terminates a session. Ending an already ended session succeeds
// without side effects, so racing triggers notify exactly once.
func (m *Manager) End(ctx context.Context, streamID uuid.UUID, reason models.EndReason) (*models.StreamSession, []models.Outbound, error) {
	if !reason.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown end reason %q", models.ErrInvalidArgument, reason)
	}

	m.mu.Lock()
	if prev, ok := m.ended[streamID]; ok {
		m.mu.Unlock()
		return &prev, nil, nil
	}
	e, ok := m.sessions[streamID]
	if !ok {
		m.mu.Unlock()
		return m.endPersisted(ctx, streamID, reason)
	}
	ended, from := m.endLocked(e, reason)
	m.mu.Unlock()

	m.persistEnd(ctx, ended, from)
	logger.Ctx(ctx).Info().
		Str(logger.FieldStreamID, streamID.String()).
		Str(logger.FieldReason, string(reason)).
		Msg("stream ended")
	return &ended, endedEvents(ended), nil
}

// endPersisted handles End for a session this process does not hold.
func (m *Manager) endPersisted(ctx context.Context, streamID uuid.UUID, reason models.EndReason) (*models.StreamSession, []models.Outbound, error) {
	s, err := m.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, nil, err
	}
	if s.Status == models.StreamEnded {
		return s, nil, nil
	}
	from := s.Status
	m.finish(s, reason, m.now())

	m.mu.Lock()
	if prev, ok := m.ended[streamID]; ok {
		m.mu.Unlock()
		return &prev, nil, nil
	}
	m.ended[streamID] = *s
	m.mu.Unlock()

	m.persistEnd(ctx, *s, from)
	return s, endedEvents(*s), nil
}

// endIfStale re-checks staleness under the lock before ending, so a
// heartbeat that landed after the caller's scan is never reaped.
func (m *Manager) endIfStale(ctx context.Context, streamID uuid.UUID) bool {
	m.mu.Lock()
	e, ok := m.sessions[streamID]
	if !ok || !m.stale(&e.session, m.now()) {
		m.mu.Unlock()
		return false
	}
	ended, from := m.endLocked(e, models.EndTimeout)
	m.mu.Unlock()

	m.persistEnd(ctx, ended, from)
	logger.Ctx(ctx).Info().
		Str(logger.FieldStreamID, streamID.String()).
		Str(logger.FieldReason, string(models.EndTimeout)).
		Time("last_heartbeat", ended.LastHeartbeat).
		Msg("reaped stale stream")
	m.emit(ctx, endedEvents(ended))
	return true
}

// Sweep ends every live session whose heartbeat is older than the stale
// threshold and returns how many were reaped.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()
	m.mu.Lock()
	var candidates []uuid.UUID
	for id, e := range m.sessions {
		if m.stale(&e.session, now) {
			candidates = append(candidates, id)
		}
	}
	for id, s := range m.ended {
		if now.Sub(*s.EndedAt) > endedRetention {
			delete(m.ended, id)
		}
	}
	m.mu.Unlock()

	reaped := 0
	for _, id := range candidates {
		if m.endIfStale(ctx, id) {
			reaped++
		}
	}
	return reaped
}

// GetActiveByOwner returns the owner's live session. A session past the
// stale threshold is ended on the spot and reported as not found.
func (m *Manager) GetActiveByOwner(ctx context.Context, ownerID uuid.UUID) (*models.StreamSession, error) {
	m.mu.Lock()
	id, ok := m.live[ownerID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("stream %w", models.ErrNotFound)
	}
	e := m.sessions[id]
	if m.stale(&e.session, m.now()) {
		m.mu.Unlock()
		m.endIfStale(ctx, id)
		return nil, fmt.Errorf("stream %w", models.ErrNotFound)
	}
	s := e.session
	m.mu.Unlock()
	return &s, nil
}

// Get returns a session from memory, falling back to the Store for sessions
// that are no longer open.
func (m *Manager) Get(ctx context.Context, streamID uuid.UUID) (*models.StreamSession, error) {
	m.mu.Lock()
	if e, ok := m.sessions[streamID]; ok {
		s := e.session
		m.mu.Unlock()
		return &s, nil
	}
	if s, ok := m.ended[streamID]; ok {
		m.mu.Unlock()
		return &s, nil
	}
	m.mu.Unlock()
	return m.store.GetStream(ctx, streamID)
}

// LiveSession returns the session if it is live and not stale.
func (m *Manager) LiveSession(streamID uuid.UUID) (*models.StreamSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[streamID]
	if !ok || e.session.Status != models.StreamLive || m.stale(&e.session, m.now()) {
		return nil, false
	}
	s := e.session
	return &s, true
}

// IsLive reports whether the stream is live and not stale.
func (m *Manager) IsLive(streamID uuid.UUID) bool {
	_, ok := m.LiveSession(streamID)
	return ok
}

// RecordGift mirrors the store's committed gift counters onto the live
// session so reads served from memory stay current.
func (m *Manager) RecordGift(streamID uuid.UUID, giftCount, coins int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[streamID]
	if !ok {
		return
	}
	if giftCount > e.session.GiftCount {
		e.session.GiftCount = giftCount
	}
	e.session.GiftCoins += coins
}

// List returns live sessions, most recently started first.
func (m *Manager) List() []models.StreamSession {
	now := m.now()
	m.mu.Lock()
	out := make([]models.StreamSession, 0, len(m.live))
	for _, id := range m.live {
		e := m.sessions[id]
		if !m.stale(&e.session, now) {
			out = append(out, e.session)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return startedAt(&out[i]).After(startedAt(&out[j]))
	})
	return out
}

func startedAt(s *models.StreamSession) time.Time {
	if s.StartedAt != nil {
		return *s.StartedAt
	}
	return s.CreatedAt
}

// ViewerJoined counts a viewer connection and returns the current count.
func (m *Manager) ViewerJoined(ctx context.Context, streamID uuid.UUID, connID string) (int, error) {
	return m.adjustViewers(ctx, streamID, connID, true)
}

// ViewerLeft drops a viewer connection and returns the current count.
func (m *Manager) ViewerLeft(ctx context.Context, streamID uuid.UUID, connID string) (int, error) {
	return m.adjustViewers(ctx, streamID, connID, false)
}

func (m *Manager) adjustViewers(ctx context.Context, streamID uuid.UUID, connID string, join bool) (int, error) {
	shared := -1
	if m.viewers != nil {
		var err error
		if join {
			shared, err = m.viewers.AddViewer(ctx, streamID, connID)
		} else {
			shared, err = m.viewers.RemoveViewer(ctx, streamID, connID)
		}
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str(logger.FieldStreamID, streamID.String()).Msg("viewer counter unavailable")
			shared = -1
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[streamID]
	if !ok {
		return 0, fmt.Errorf("stream %w", models.ErrNotFound)
	}
	if join {
		e.viewers[connID] = struct{}{}
	} else {
		delete(e.viewers, connID)
	}
	count := len(e.viewers)
	if shared >= 0 {
		count = shared
	}
	e.session.ViewerCount = count
	if count > e.session.PeakViewers {
		e.session.PeakViewers = count
	}
	return count, nil
}

// Restore adopts open sessions from the Store after a restart. Live
// sessions get a fresh liveness clock so reconnecting broadcasters keep
// their streams; those that never come back are reaped normally.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	open, err := m.store.LoadOpenStreams(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to restore streams: %w", err)
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for _, s := range open {
		switch s.Status {
		case models.StreamLive:
			if _, ok := m.live[s.BroadcasterID]; ok {
				continue
			}
			s.LastHeartbeat = now
			s.ViewerCount = 0
			m.live[s.BroadcasterID] = s.ID
		case models.StreamScheduled:
			if _, ok := m.scheduled[s.BroadcasterID]; ok {
				continue
			}
			m.scheduled[s.BroadcasterID] = s.ID
		default:
			continue
		}
		m.sessions[s.ID] = &entry{session: s, viewers: make(map[string]struct{})}
		restored++
	}
	return restored, nil
}
