package chat

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/tullo/livecore/internal/cache"
	"golang.org/x/time/rate"
)

// RedisLimiter shares the per-user budget across server instances.
type RedisLimiter struct {
	client *cache.RedisClient
	rate   int
	burst  int
}

func NewRedisLimiter(client *cache.RedisClient, perSecond, burst int) *RedisLimiter {
	return &RedisLimiter{client: client, rate: perSecond, burst: burst}
}

func (l *RedisLimiter) Allow(ctx context.Context, userID uuid.UUID, action string) (bool, error) {
	return l.client.AllowAction(ctx, userID, "chat:"+action, l.rate, l.burst)
}

type limiterKey struct {
	user   uuid.UUID
	action string
}

// LocalLimiter is the single-instance fallback when Redis is disabled.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[limiterKey]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func NewLocalLimiter(perSecond, burst int) *LocalLimiter {
	return &LocalLimiter{
		limiters: make(map[limiterKey]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, userID uuid.UUID, action string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := limiterKey{user: userID, action: action}
	lim, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) > pruneAbove {
			l.pruneLocked()
		}
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = lim
	}
	return lim.Allow(), nil
}

// pruneLocked drops limiters that have refilled completely; recreating them
// is equivalent.
func (l *LocalLimiter) pruneLocked() {
	for key, lim := range l.limiters {
		if lim.Tokens() >= float64(l.burst) {
			delete(l.limiters, key)
		}
	}
}
