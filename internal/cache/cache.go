package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/jobqueue/internal/events"
	"github.com/redis/go-redis/v9"
)

// JobStatusTTL bounds how long a mirrored job status survives in Redis.
const JobStatusTTL = 24 * time.Hour

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	// SetJobStatus records status as observed after attempts attempts. A write
	// older than the one already cached is ignored, see StatusVersion.
	SetJobStatus(ctx context.Context, jobID string, status string, attempts int, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID string) (string, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

var (
	_ Cache            = (*RedisCache)(nil)
	_ events.Publisher = (*RedisCache)(nil)
)

// RedisCache implements the Cache interface using go-redis/v9. It also mirrors
// job lifecycle events into status keys and carries the cross-process wake
// signal between submitters and dispatchers.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// setJobStatusScript stores the status hash unless it already holds a higher
// version. KEYS[1] = status key, ARGV = status, version, ttl in ms.
var setJobStatusScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'version'))
if current and current > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'version', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

func (c *RedisCache) SetJobStatus(ctx context.Context, jobID string, status string, attempts int, ttl time.Duration) error {
	version := StatusVersion(status, attempts)
	return setJobStatusScript.Run(ctx, c.client, []string{JobStatusKey(jobID)},
		status, version, ttl.Milliseconds()).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID string) (string, bool, error) {
	val, err := c.client.HGet(ctx, JobStatusKey(jobID), "status").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Publish mirrors the event's resulting status into the job's status key.
// Events may arrive out of order; older ones do not overwrite newer ones.
func (c *RedisCache) Publish(ctx context.Context, e events.Event) error {
	return c.SetJobStatus(ctx, e.JobID, e.Status, e.Attempts, JobStatusTTL)
}

// NotifyWake tells every subscribed dispatcher that new work may be eligible.
func (c *RedisCache) NotifyWake(ctx context.Context) error {
	return c.client.Publish(ctx, WakeChannel, "1").Err()
}

// SubscribeWake returns a channel that receives a value for each wake message
// until ctx is done. Bursts coalesce into a single pending signal.
func (c *RedisCache) SubscribeWake(ctx context.Context) (<-chan struct{}, error) {
	sub := c.client.Subscribe(ctx, WakeChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					slog.Warn("wake subscription closed")
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
