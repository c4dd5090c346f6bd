package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// StreamListChannel carries stream.created / stream.ended envelopes
	// between server instances.
	StreamListChannel = "streams"

	viewerSetTTL = 6 * time.Hour
)

type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Viewer presence

func viewerKey(streamID uuid.UUID) string {
	return fmt.Sprintf("viewers:%s", streamID.String())
}

// AddViewer records a viewer connection on a stream and returns the number of
// viewers across all instances.
func (r *RedisClient) AddViewer(ctx context.Context, streamID uuid.UUID, connID string) (int, error) {
	key := viewerKey(streamID)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, connID)
	pipe.Expire(ctx, key, viewerSetTTL)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to add viewer: %w", err)
	}
	return int(card.Val()), nil
}

// RemoveViewer drops a viewer connection and returns the remaining count.
func (r *RedisClient) RemoveViewer(ctx context.Context, streamID uuid.UUID, connID string) (int, error) {
	key := viewerKey(streamID)
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, key, connID)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to remove viewer: %w", err)
	}
	return int(card.Val()), nil
}

// ClearViewers forgets every viewer of a stream.
func (r *RedisClient) ClearViewers(ctx context.Context, streamID uuid.UUID) error {
	return r.client.Del(ctx, viewerKey(streamID)).Err()
}

// Pub/Sub

// PublishStreamEvent publishes an encoded envelope on the stream-list channel.
func (r *RedisClient) PublishStreamEvent(ctx context.Context, data []byte) error {
	return r.client.Publish(ctx, StreamListChannel, data).Err()
}

// SubscribeStreamEvents subscribes to the stream-list channel
func (r *RedisClient) SubscribeStreamEvents(ctx context.Context) *redis.PubSub {
	return r.client.Subscribe(ctx, StreamListChannel)
}

// PublishHandoff announces a completed login handoff on handoff:<id>.
func (r *RedisClient) PublishHandoff(ctx context.Context, id string, data []byte) error {
	return r.client.Publish(ctx, "handoff:"+id, data).Err()
}

const tokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local vals = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(vals[1])
local last = tonumber(vals[2])
if tokens == nil then tokens = burst end
if last == nil then last = now end
local delta = math.max(0, now - last)
local new_tokens = math.min(burst, tokens + (delta * rate / 1000))
local allowed = 0
if new_tokens >= 1 then
	new_tokens = new_tokens - 1
	allowed = 1
end
redis.call('HMSET', key, 'tokens', new_tokens, 'last', now)
redis.call('PEXPIRE', key, 60000)
return allowed
`

var tokenBucket = redis.NewScript(tokenBucketScript)

// AllowAction implements a Redis-backed token-bucket limiter per key (user+action).
// Returns true if the action is allowed, false if rate-limited.
func (r *RedisClient) AllowAction(ctx context.Context, userID uuid.UUID, action string, rate int, burst int) (bool, error) {
	key := fmt.Sprintf("rl:%s:%s", action, userID.String())
	now := time.Now().UnixMilli()

	res, err := tokenBucket.Run(ctx, r.client, []string{key}, rate, burst, now).Result()
	if err != nil {
		return false, err
	}
	switch v := res.(type) {
	case int64:
		return v == 1, nil
	default:
		return false, fmt.Errorf("unexpected result from rate limiter: %T %v", res, res)
	}
}
