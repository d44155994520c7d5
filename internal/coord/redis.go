package coord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"forward-factor-alerts/internal/config"
)

// unlockScript deletes the lock key only when it still holds the caller's token.
const unlockScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`

// NewRedisClient configures a Redis client from runtime settings and verifies
// connectivity.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Redis implements Store on a go-redis client.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return fields, nil
}

// HashSet writes fields and refreshes the key's TTL in one transaction.
func (r *Redis) HashSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	args := make([]any, 0, len(fields)*2)
	for _, name := range names {
		args = append(args, name, fields[name])
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, args...)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (r *Redis) Push(ctx context.Context, queue string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	if err := r.client.LPush(ctx, queue, toArgs(values)...).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", queue, err)
	}
	return nil
}

func (r *Redis) Pop(ctx context.Context, queue string, timeout time.Duration) (string, bool, error) {
	res, err := r.client.BRPop(ctx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("brpop %s: %w", queue, err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("brpop %s: unexpected reply length %d", queue, len(res))
	}
	return res[1], true, nil
}

func (r *Redis) Replace(ctx context.Context, queue string, values []string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, queue)
		if len(values) > 0 {
			pipe.LPush(ctx, queue, toArgs(values)...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace %s: %w", queue, err)
	}
	return nil
}

func (r *Redis) Len(ctx context.Context, queue string) (int64, error) {
	n, err := r.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", queue, err)
	}
	return n, nil
}

func (r *Redis) ScheduleAdd(ctx context.Context, key, member string, at time.Time) error {
	z := redis.Z{Score: float64(at.Unix()), Member: member}
	if err := r.client.ZAdd(ctx, key, z).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) ScheduleDue(ctx context.Context, key string, now time.Time) ([]string, error) {
	members, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	return members, nil
}

func (r *Redis) ScheduleClaim(ctx context.Context, key, member string) (bool, error) {
	n, err := r.client.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("zrem %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Unlock(ctx context.Context, key, token string) error {
	if err := r.client.Eval(ctx, unlockScript, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("unlock %s: %w", key, err)
	}
	return nil
}

func toArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
