package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis"
)

const (
	SignalHasNewData = "has_new_data"
	DefaultSignalTTL = 24 * time.Hour
)

// SignalStore passes the has_new_data flag from an extract to the stages after it.
type SignalStore struct {
	cache redis.Cache
	ttl   time.Duration
}

func NewSignalStore(cache redis.Cache) *SignalStore {
	return &SignalStore{cache: cache, ttl: DefaultSignalTTL}
}

func (s *SignalStore) Key(runID, namespace, table string) string {
	return fmt.Sprintf("signal:%s:%s:%s:%s", SignalHasNewData, runID, namespace, table)
}

func (s *SignalStore) Set(ctx context.Context, runID, namespace, table string, hasNewData bool) error {
	return s.cache.Set(ctx, s.Key(runID, namespace, table), strconv.FormatBool(hasNewData), s.ttl)
}

// Get returns the signal and whether one was published.
func (s *SignalStore) Get(ctx context.Context, runID, namespace, table string) (bool, bool, error) {
	raw, err := s.cache.Get(ctx, s.Key(runID, namespace, table))
	if errors.Is(err, redis.ErrCacheMiss) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, true, nil
	}
	return v, true, nil
}
