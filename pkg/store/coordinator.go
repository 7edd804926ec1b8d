package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Coordinator is the small capability set rate limiting, budget debits, and
// approval records are built on: atomic integer compare-and-swap, a bounded
// increment, a TTL'd string put/get, and pub/sub. A process-local
// implementation backs tests; a shared Redis-backed implementation backs
// production so the core stays single-process-testable while supporting
// horizontal scale.
type Coordinator interface {
	// CASInt atomically sets key to newVal iff its current integer value
	// equals expect (a missing key reads as 0). Returns whether the swap
	// applied.
	CASInt(ctx context.Context, key string, expect, newVal int64) (bool, error)

	// IncrBounded atomically adds delta to key's integer value (missing
	// reads as 0), rejecting the whole increment if the result would exceed
	// max or fall below 0. Returns the resulting value and whether it
	// applied.
	IncrBounded(ctx context.Context, key string, delta, max int64) (int64, bool, error)

	// PutTTL stores value under key with an expiry.
	PutTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Get reads key's string value. found is false if the key is absent or
	// expired.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Publish broadcasts message on channel to current subscribers.
	Publish(ctx context.Context, channel, message string) error

	// Subscribe opens a subscription to channel. The caller must Close it.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription delivers messages published on a single channel.
type Subscription interface {
	C() <-chan string
	Close() error
}

var ErrNotFound = errors.New("store: key not found")

// --- Redis-backed coordinator ---

var casIntScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false then cur = "0" end
if cur ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`)

var incrBoundedScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local delta = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local nv = cur + delta
if nv > max or nv < 0 then
  return {cur, 0}
end
redis.call("SET", KEYS[1], tostring(nv))
if tonumber(ARGV[3]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return {nv, 1}
`)

// RedisCoordinator is the production Coordinator, backed by Lua scripts for
// the atomic operations (the same technique the rate limiter uses for its
// own admission check) and native pub/sub.
type RedisCoordinator struct {
	Client *redis.Client
	// TTL (re)applied to a key on every successful CASInt/IncrBounded
	// write; zero means no expiry.
	KeyTTL time.Duration
}

func NewRedisCoordinator(client *redis.Client, keyTTL time.Duration) *RedisCoordinator {
	return &RedisCoordinator{Client: client, KeyTTL: keyTTL}
}

func (c *RedisCoordinator) CASInt(ctx context.Context, key string, expect, newVal int64) (bool, error) {
	res, err := casIntScript.Run(ctx, c.Client, []string{key},
		strconv.FormatInt(expect, 10), strconv.FormatInt(newVal, 10), c.ttlMillis()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (c *RedisCoordinator) IncrBounded(ctx context.Context, key string, delta, max int64) (int64, bool, error) {
	res, err := incrBoundedScript.Run(ctx, c.Client, []string{key},
		strconv.FormatInt(delta, 10), strconv.FormatInt(max, 10), c.ttlMillis()).Result()
	if err != nil {
		return 0, false, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return 0, false, errors.New("coordinator: unexpected incr_bounded reply")
	}
	nv, _ := arr[0].(int64)
	applied, _ := arr[1].(int64)
	return nv, applied == 1, nil
}

func (c *RedisCoordinator) PutTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.Client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCoordinator) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *RedisCoordinator) Publish(ctx context.Context, channel, message string) error {
	return c.Client.Publish(ctx, channel, message).Err()
}

func (c *RedisCoordinator) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := c.Client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	out := make(chan string, 8)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			out <- msg.Payload
		}
	}()
	return &redisSubscription{ps: ps, c: out}, nil
}

func (c *RedisCoordinator) ttlMillis() string {
	if c.KeyTTL <= 0 {
		return "0"
	}
	return strconv.FormatInt(c.KeyTTL.Milliseconds(), 10)
}

type redisSubscription struct {
	ps *redis.PubSub
	c  chan string
}

func (s *redisSubscription) C() <-chan string { return s.c }
func (s *redisSubscription) Close() error     { return s.ps.Close() }

// --- In-memory coordinator (tests, single-process deployments) ---

type MemoryCoordinator struct {
	mu     sync.Mutex
	values map[string]memValue
	subs   map[string][]chan string
}

type memValue struct {
	s         string
	expiresAt time.Time
}

func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		values: map[string]memValue{},
		subs:   map[string][]chan string{},
	}
}

func (m *MemoryCoordinator) getLocked(key string) (string, bool) {
	v, ok := m.values[key]
	if !ok {
		return "", false
	}
	if !v.expiresAt.IsZero() && time.Now().After(v.expiresAt) {
		delete(m.values, key)
		return "", false
	}
	return v.s, true
}

func (m *MemoryCoordinator) CASInt(ctx context.Context, key string, expect, newVal int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := int64(0)
	if s, ok := m.getLocked(key); ok {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return false, err
		}
		cur = n
	}
	if cur != expect {
		return false, nil
	}
	m.values[key] = memValue{s: strconv.FormatInt(newVal, 10)}
	return true, nil
}

func (m *MemoryCoordinator) IncrBounded(ctx context.Context, key string, delta, max int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := int64(0)
	if s, ok := m.getLocked(key); ok {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, false, err
		}
		cur = n
	}
	nv := cur + delta
	if nv > max || nv < 0 {
		return cur, false, nil
	}
	m.values[key] = memValue{s: strconv.FormatInt(nv, 10)}
	return nv, true, nil
}

func (m *MemoryCoordinator) PutTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.values[key] = memValue{s: value, expiresAt: exp}
	return nil
}

func (m *MemoryCoordinator) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.getLocked(key)
	return s, ok, nil
}

func (m *MemoryCoordinator) Publish(ctx context.Context, channel, message string) error {
	m.mu.Lock()
	subs := append([]chan string(nil), m.subs[channel]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

func (m *MemoryCoordinator) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan string, 8)
	m.subs[channel] = append(m.subs[channel], ch)
	return &memSubscription{m: m, channel: channel, ch: ch}, nil
}

type memSubscription struct {
	m       *MemoryCoordinator
	channel string
	ch      chan string
}

func (s *memSubscription) C() <-chan string { return s.ch }

func (s *memSubscription) Close() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	subs := s.m.subs[s.channel]
	for i, ch := range subs {
		if ch == s.ch {
			s.m.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}
