// Package ephemeral keeps short-lived, single-use sessions used to hand a
// login from one device to another.
package ephemeral

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tullo/livecore/internal/logger"
	"github.com/tullo/livecore/internal/models"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Notifier announces completions to other processes.
type Notifier interface {
	PublishHandoff(ctx context.Context, id string, data []byte) error
}

type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Notifier      Notifier
	Now           func() time.Time
}

type record struct {
	session models.EphemeralSession
	waiters map[int]chan models.EphemeralSession
}

type Registry struct {
	ttl      time.Duration
	interval time.Duration
	notifier Notifier
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*record
	nextWait int
}

func New(cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		ttl:      cfg.TTL,
		interval: cfg.SweepInterval,
		notifier: cfg.Notifier,
		now:      cfg.Now,
		sessions: make(map[string]*record),
	}
}

// Create stores a new pending session under a random id.
func (r *Registry) Create() models.HandoffTicket {
	now := r.now().UTC()
	s := models.EphemeralSession{
		ID:        uuid.NewString(),
		Status:    models.EphemeralPending,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}

	r.mu.Lock()
	r.sessions[s.ID] = &record{session: s}
	r.mu.Unlock()

	return models.HandoffTicket{ID: s.ID, ExpiresAt: s.ExpiresAt}
}

// lookupLocked returns the live record for id, evicting it when expired.
func (r *Registry) lookupLocked(id string) (*record, error) {
	rec, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("handoff %w", models.ErrNotFound)
	}
	if rec.session.Expired(r.now()) {
		r.evictLocked(id, rec)
		return nil, fmt.Errorf("handoff %w", models.ErrExpired)
	}
	return rec, nil
}

// evictLocked removes the record; waiters see their channel closed.
func (r *Registry) evictLocked(id string, rec *record) {
	delete(r.sessions, id)
	for _, ch := range rec.waiters {
		close(ch)
	}
	rec.waiters = nil
}

// Get returns the session's current state.
func (r *Registry) Get(id string) (models.EphemeralSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.lookupLocked(id)
	if err != nil {
		return models.EphemeralSession{}, err
	}
	s := rec.session
	s.Payload = nil
	return s, nil
}

// Scan marks a pending session as picked up by the confirming device.
func (r *Registry) Scan(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	switch rec.session.Status {
	case models.EphemeralPending:
		rec.session.Status = models.EphemeralScanned
	case models.EphemeralScanned:
	default:
		return fmt.Errorf("handoff already %w", models.ErrConflict)
	}
	return nil
}

// Confirm completes the session with payload and fires its notification
// once.
func (r *Registry) Confirm(ctx context.Context, id string, payload json.RawMessage) error {
	r.mu.Lock()
	rec, err := r.lookupLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if rec.session.Status == models.EphemeralCompleted {
		r.mu.Unlock()
		return fmt.Errorf("handoff already completed: %w", models.ErrConflict)
	}
	rec.session.Status = models.EphemeralCompleted
	rec.session.Payload = payload
	done := rec.session
	for _, ch := range rec.waiters {
		ch <- done
		close(ch)
	}
	rec.waiters = nil
	r.mu.Unlock()

	if r.notifier != nil {
		data, err := json.Marshal(models.EphemeralSession{ID: done.ID, Status: done.Status, ExpiresAt: done.ExpiresAt})
		if err == nil {
			err = r.notifier.PublishHandoff(ctx, id, data)
		}
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("handoff_id", id).Msg("failed to publish handoff completion")
		}
	}
	return nil
}

// Consume returns the payload of a completed session and deletes it, so a
// payload is handed out at most once.
func (r *Registry) Consume(id string) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if rec.session.Status != models.EphemeralCompleted {
		return nil, fmt.Errorf("handoff %s: %w", rec.session.Status, models.ErrConflict)
	}
	r.evictLocked(id, rec)
	return rec.session.Payload, nil
}

// Subscribe returns a channel that receives the completed session once and
// is then closed. It is closed without a value if the session expires
// first. cancel releases the subscription.
func (r *Registry) Subscribe(id string) (<-chan models.EphemeralSession, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.lookupLocked(id)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan models.EphemeralSession, 1)
	if rec.session.Status == models.EphemeralCompleted {
		ch <- rec.session
		close(ch)
		return ch, func() {}, nil
	}

	if rec.waiters == nil {
		rec.waiters = make(map[int]chan models.EphemeralSession)
	}
	key := r.nextWait
	r.nextWait++
	rec.waiters[key] = ch

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if w, ok := rec.waiters[key]; ok {
			delete(rec.waiters, key)
			close(w)
		}
	}
	return ch, cancel, nil
}

// Sweep evicts every expired session whatever its status.
func (r *Registry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, rec := range r.sessions {
		if rec.session.Expired(now) {
			r.evictLocked(id, rec)
			n++
		}
	}
	return n
}

// Len returns the number of stored sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Run sweeps on a fixed interval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log := logger.Ctx(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				log.Debug().Int("evicted", n).Msg("ephemeral sweep")
			}
		}
	}
}
