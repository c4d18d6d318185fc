// Package lock serialises work on a single content item so two concurrent
// publish transitions cannot both read the same dispatched snapshot.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ncol/publisher-service/internal/config"
)

// ErrNotAcquired is returned when the lock could not be taken before ctx expired
var ErrNotAcquired = errors.New("lock not acquired")

// Locker hands out per-item exclusive locks
type Locker interface {
	Acquire(ctx context.Context, itemID string) (unlock func(), err error)
}

// New builds the locker selected by configuration
func New(cfg config.LockConfig) (Locker, error) {
	switch cfg.Type {
	case "local", "":
		return NewLocalLocker(), nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		return NewRedisLocker(client, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", cfg.Type)
	}
}

// LocalLocker is a keyed mutex for single-process deployments
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an empty keyed mutex
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

// Acquire blocks until the item is free or ctx is done
func (l *LocalLocker) Acquire(ctx context.Context, itemID string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[itemID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[itemID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(itemID, s, false)
		return nil, fmt.Errorf("%w: %v", ErrNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(itemID, s, true) })
	}, nil
}

func (l *LocalLocker) release(itemID string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	l.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, itemID)
	}
	l.mu.Unlock()
}

var releaseScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

// RedisLocker takes a SET NX lease per item so several service replicas
// can share the same publish state.
type RedisLocker struct {
	client       goredis.UniversalClient
	ttl          time.Duration
	pollInterval time.Duration
}

// NewRedisLocker creates a locker on the given client. ttl bounds how long a
// crashed holder can keep an item locked.
func NewRedisLocker(client goredis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:       client,
		ttl:          ttl,
		pollInterval: 50 * time.Millisecond,
	}
}

func lockKey(itemID string) string {
	return "publisher:lock:" + itemID
}

// Acquire polls SET NX until it succeeds or ctx is done
func (r *RedisLocker) Acquire(ctx context.Context, itemID string) (func(), error) {
	key := lockKey(itemID)
	token := uuid.New().String()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("failed to acquire lock for item %s: %w", itemID, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrNotAcquired, ctx.Err())
		case <-time.After(r.pollInterval):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// release even if the caller's ctx is already cancelled
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, r.client, []string{key}, token).Err()
		})
	}, nil
}
