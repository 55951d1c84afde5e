package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix       = "ehrsync:queue"
	redisPollInterval    = 100 * time.Millisecond
	redisPriorityStride  = 1e13
	redisDefaultPoolSize = 20
)

// dequeueScript promotes due delayed messages and expired leases, then pops
// the lowest-scored ready message and leases it.
//
// KEYS: ready, delayed, inflight, scores, messages
// ARGV: now (ms), lease deadline (ms)
var dequeueScript = redis.NewScript(`
local function requeue(src)
  local due = redis.call('ZRANGEBYSCORE', src, '-inf', ARGV[1])
  for _, id in ipairs(due) do
    redis.call('ZREM', src, id)
    local score = redis.call('HGET', KEYS[4], id)
    if score then
      redis.call('ZADD', KEYS[1], score, id)
    end
  end
end
requeue(KEYS[2])
requeue(KEYS[3])
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
redis.call('ZADD', KEYS[3], ARGV[2], id)
return redis.call('HGET', KEYS[5], id)
`)

// RedisBroker is a Broker on Redis sorted sets. Each lane has a ready set
// scored by priority then sequence, a delayed set and a lease set scored by
// time, and hashes holding message bodies and ready scores.
type RedisBroker struct {
	client       *redis.Client
	prefix       string
	visibility   time.Duration
	pollInterval time.Duration
}

// NewRedisBroker connects to the Redis server at url (redis://host:port/db).
func NewRedisBroker(ctx context.Context, url string, visibility time.Duration) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = redisDefaultPoolSize
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisBrokerFromClient(client, visibility), nil
}

// NewRedisBrokerFromClient wraps an existing client.
func NewRedisBrokerFromClient(client *redis.Client, visibility time.Duration) *RedisBroker {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &RedisBroker{
		client:       client,
		prefix:       redisKeyPrefix,
		visibility:   visibility,
		pollInterval: redisPollInterval,
	}
}

type redisKeys struct {
	ready, delayed, inflight, scores, messages, seq string
}

func (b *RedisBroker) keys(lane Lane) redisKeys {
	base := b.prefix + ":" + string(lane)
	return redisKeys{
		ready:    base + ":ready",
		delayed:  base + ":delayed",
		inflight: base + ":inflight",
		scores:   base + ":scores",
		messages: base + ":messages",
		seq:      base + ":seq",
	}
}

// readyScore orders by priority first, then enqueue sequence.
func readyScore(p Priority, seq int64) string {
	return strconv.FormatInt(int64(p)*int64(redisPriorityStride)+seq, 10)
}

func (b *RedisBroker) Enqueue(ctx context.Context, m Message) (string, error) {
	if err := checkMessage(&m); err != nil {
		return "", err
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now()
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = now
	}
	k := b.keys(m.Lane)
	seq, err := b.client.Incr(ctx, k.seq).Result()
	if err != nil {
		return "", fmt.Errorf("allocate sequence: %w", err)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	score := readyScore(m.Priority, seq)

	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k.messages, m.ID, body)
		p.HSet(ctx, k.scores, m.ID, score)
		if m.NotBefore.After(now) {
			p.ZAdd(ctx, k.delayed, redis.Z{Score: float64(m.NotBefore.UnixMilli()), Member: m.ID})
		} else {
			p.ZAdd(ctx, k.ready, redis.Z{Score: mustFloat(score), Member: m.ID})
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", m.Lane, err)
	}
	return m.ID, nil
}

func mustFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func (b *RedisBroker) Dequeue(ctx context.Context, lane Lane) (*Message, error) {
	if !validLane(lane) {
		return nil, checkMessage(&Message{Lane: lane})
	}
	k := b.keys(lane)
	for {
		now := time.Now()
		res, err := dequeueScript.Run(ctx, b.client,
			[]string{k.ready, k.delayed, k.inflight, k.scores, k.messages},
			now.UnixMilli(), now.Add(b.visibility).UnixMilli(),
		).Text()
		switch {
		case err == nil:
			var m Message
			if err := json.Unmarshal([]byte(res), &m); err != nil {
				return nil, fmt.Errorf("decode message: %w", err)
			}
			return &m, nil
		case errors.Is(err, redis.Nil):
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, fmt.Errorf("dequeue %s: %w", lane, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
}

func (b *RedisBroker) Ack(ctx context.Context, lane Lane, id string) error {
	k := b.keys(lane)
	removed, err := b.client.ZRem(ctx, k.inflight, id).Result()
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	if removed == 0 {
		return ErrUnknownMessage
	}
	_, err = b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, k.messages, id)
		p.HDel(ctx, k.scores, id)
		return nil
	})
	return err
}

func (b *RedisBroker) Nack(ctx context.Context, lane Lane, id string, delay time.Duration) error {
	k := b.keys(lane)
	raw, err := b.client.HGet(ctx, k.messages, id).Result()
	if errors.Is(err, redis.Nil) {
		return ErrUnknownMessage
	}
	if err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	m.Attempt++
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	score, err := b.client.HGet(ctx, k.scores, id).Result()
	if err != nil {
		return fmt.Errorf("nack: %w", err)
	}

	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.inflight, id)
		p.HSet(ctx, k.messages, id, body)
		if delay > 0 {
			p.ZAdd(ctx, k.delayed, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: id})
		} else {
			p.ZAdd(ctx, k.ready, redis.Z{Score: mustFloat(score), Member: id})
		}
		return nil
	})
	return err
}

func (b *RedisBroker) Depth(ctx context.Context, lane Lane) (int, error) {
	k := b.keys(lane)
	var ready, delayed *redis.IntCmd
	_, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.ZCard(ctx, k.ready)
		delayed = p.ZCard(ctx, k.delayed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(ready.Val() + delayed.Val()), nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
