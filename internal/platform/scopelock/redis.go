package scopelock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "ehrsync:lock"
	redisMaxTTL    = 24 * time.Hour
)

// acquireScript takes the wide or a narrow scope of one connection.
//
// KEYS: wide key, holders zset, narrow key
// ARGV: token, now (ms), ttl (ms), scope key
var acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[2])
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
if ARGV[4] == '*' then
  if redis.call('ZCARD', KEYS[2]) > 0 then
    return 0
  end
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
  return 1
end
if redis.call('EXISTS', KEYS[3]) == 1 then
  return 0
end
redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[3])
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) + tonumber(ARGV[3]), ARGV[4])
return 1
`)

// releaseScript drops a scope only if token still owns it.
//
// KEYS: lock key, holders zset
// ARGV: token, scope key
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
if ARGV[2] ~= '*' then
  redis.call('ZREM', KEYS[2], ARGV[2])
end
return 1
`)

// RedisLocker is a Locker shared by every process using the same Redis.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker connects to url (redis://host:port/db).
func NewRedisLocker(ctx context.Context, url string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisLockerFromClient(client), nil
}

// NewRedisLockerFromClient wraps an existing client.
func NewRedisLockerFromClient(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: redisKeyPrefix}
}

func (l *RedisLocker) keys(s Scope) (wide, holders, narrow string) {
	base := l.prefix + ":" + s.ConnectionID
	return base + ":" + Wildcard, base + ":holders", base + ":scope:" + s.Key
}

// TryAcquire returns ErrLocked if any conflicting scope is held.
func (l *RedisLocker) TryAcquire(ctx context.Context, scope Scope, ttl time.Duration) (Handle, error) {
	scope = normalize(scope)
	if ttl <= 0 || ttl > redisMaxTTL {
		ttl = redisMaxTTL
	}
	wide, holders, narrow := l.keys(scope)
	token := uuid.New().String()
	ok, err := acquireScript.Run(ctx, l.client, []string{wide, holders, narrow},
		token, time.Now().UnixMilli(), ttl.Milliseconds(), scope.Key).Int()
	if err != nil {
		return nil, fmt.Errorf("acquire scope %s: %w", scope, err)
	}
	if ok != 1 {
		return nil, ErrLocked
	}
	return &redisHandle{locker: l, scope: scope, token: token}, nil
}

func (l *RedisLocker) Close() error { return l.client.Close() }

type redisHandle struct {
	locker *RedisLocker
	scope  Scope
	token  string

	once sync.Once
	err  error
}

func (h *redisHandle) Scope() Scope { return h.scope }

func (h *redisHandle) Release(ctx context.Context) error {
	h.once.Do(func() {
		wide, holders, narrow := h.locker.keys(h.scope)
		key := narrow
		if h.scope.Wide() {
			key = wide
		}
		h.err = releaseScript.Run(ctx, h.locker.client, []string{key, holders}, h.token, h.scope.Key).Err()
	})
	return h.err
}
