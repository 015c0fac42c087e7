// Package redistest provides in-memory stand-ins for the redis package.
package redistest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Cache is a goroutine-safe in-memory redis.Cache.
type Cache struct {
	mu    sync.Mutex
	now   func() time.Time
	kv    map[string]entry
	lists map[string][]string
	TTLs  map[string]time.Duration
}

var _ redis.Cache = (*Cache)(nil)

func NewCache() *Cache {
	return &Cache{
		now:   time.Now,
		kv:    map[string]entry{},
		lists: map[string][]string{},
		TTLs:  map[string]time.Duration{},
	}
}

func (c *Cache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.kv[key]
	if !ok {
		return "", redis.ErrCacheMiss
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		delete(c.kv, key)
		return "", redis.ErrCacheMiss
	}
	return e.value, nil
}

func (c *Cache) Set(_ context.Context, key string, value any, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{value: fmt.Sprint(value)}
	if expiration > 0 {
		e.expiresAt = c.now().Add(expiration)
	}
	c.kv[key] = e
	c.TTLs[key] = expiration
	return nil
}

func (c *Cache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.kv, k)
		delete(c.lists, k)
	}
	return nil
}

func (c *Cache) ReplaceList(_ context.Context, key string, values []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[key] = append([]string(nil), values...)
	return nil
}

func (c *Cache) ListRange(_ context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lists[key]...), nil
}

// Has reports whether key holds an unexpired value.
func (c *Cache) Has(key string) bool {
	_, err := c.Get(context.Background(), key)
	return err == nil
}

// Locker hands out process-local locks keyed by name.
type Locker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocker() *Locker {
	return &Locker{held: map[string]bool{}}
}

func (l *Locker) Acquire(_ context.Context, key string, _ time.Duration) (redis.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, redis.ErrLockNotAcquired
	}
	l.held[key] = true
	return &lock{owner: l, key: key}, nil
}

func (l *Locker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}

type lock struct {
	owner *Locker
	key   string
}

func (k *lock) Release(_ context.Context) error {
	k.owner.mu.Lock()
	defer k.owner.mu.Unlock()
	if !k.owner.held[k.key] {
		return redis.ErrLockNotHeld
	}
	delete(k.owner.held, k.key)
	return nil
}

func (k *lock) Extend(_ context.Context, _ time.Duration) error {
	return nil
}
