package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// DefaultCursorTTL bounds how long a half-finished extract can be resumed.
const DefaultCursorTTL = 300 * time.Second

// Cursor persists the last processed page of a paginated extract.
type Cursor struct {
	cache Cache
	key   string
	ttl   time.Duration
}

func NewCursor(cache Cache, key string, ttl time.Duration) *Cursor {
	if ttl <= 0 {
		ttl = DefaultCursorTTL
	}
	return &Cursor{cache: cache, key: key, ttl: ttl}
}

func (c *Cursor) Key() string {
	return c.key
}

// Load returns the stored page or def when nothing is stored.
func (c *Cursor) Load(ctx context.Context, def int) (int, error) {
	raw, err := c.cache.Get(ctx, c.key)
	if errors.Is(err, ErrCacheMiss) {
		return def, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor %s: %w", c.key, err)
	}
	page, err := strconv.Atoi(raw)
	if err != nil {
		return def, nil
	}
	return page, nil
}

func (c *Cursor) Save(ctx context.Context, page int) error {
	if err := c.cache.Set(ctx, c.key, strconv.Itoa(page), c.ttl); err != nil {
		return fmt.Errorf("failed to save cursor %s: %w", c.key, err)
	}
	return nil
}

func (c *Cursor) Clear(ctx context.Context) error {
	return c.cache.Del(ctx, c.key)
}
