package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmespath/go-jmespath"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/metrics"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing"
)

var (
	// ErrLoginFailed is returned when a source rejects the login
	ErrLoginFailed = errors.New("login failed")

	// ErrTokenExtractionFailed is returned when the token is missing from the login response
	ErrTokenExtractionFailed = errors.New("failed to extract token from response")
)

const (
	DefaultTTL = time.Hour

	// CacheKeyPrefix is the prefix for auth token cache keys
	CacheKeyPrefix = "auth:token:"
)

// CachedToken is a source access token plus the session values returned with it
type CachedToken struct {
	Token     string            `json:"token"`
	Extra     map[string]string `json:"extra,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// Get returns an extra session value such as a company code
func (t *CachedToken) Get(key string) string {
	if t.Extra == nil {
		return ""
	}
	return t.Extra[key]
}

// LoginFunc obtains a fresh token and the TTL to cache it for.
type LoginFunc func(ctx context.Context) (*CachedToken, time.Duration, error)

// Manager caches source tokens in Redis and logs in on a miss
type Manager struct {
	cache  redis.Cache
	logger ectologger.Logger
}

func NewManager(cache redis.Cache, logger ectologger.Logger) *Manager {
	return &Manager{cache: cache, logger: logger}
}

// Token returns the cached token for source or logs in
func (m *Manager) Token(ctx context.Context, source string, login LoginFunc) (*CachedToken, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.Token")
	defer span.End()

	key := CacheKeyPrefix + source

	var cached CachedToken
	err := redis.GetJSON(ctx, m.cache, key, &cached)
	if err == nil && cached.Token != "" {
		m.logger.WithContext(ctx).Debugf("Using cached %s token", source)
		return &cached, nil
	}
	if err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		m.logger.WithContext(ctx).WithError(err).Warnf("Failed to read cached %s token", source)
	}

	m.logger.WithContext(ctx).Infof("Logging in to %s", source)
	token, ttl, err := login(ctx)
	if err != nil {
		metrics.RecordTokenRefresh(source, "failed")
		tracing.RecordError(span, err)
		return nil, err
	}
	metrics.RecordTokenRefresh(source, "success")

	if token.CreatedAt == 0 {
		token.CreatedAt = time.Now().Unix()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := redis.SetJSON(ctx, m.cache, key, token, ttl); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warnf("Failed to cache %s token", source)
	}

	return token, nil
}

// Invalidate drops a cached token, forcing the next call to log in
func (m *Manager) Invalidate(ctx context.Context, source string) error {
	return m.cache.Del(ctx, CacheKeyPrefix+source)
}

// Extract evaluates JMESPath expressions against a decoded JSON body.
// The "token" path is required; every other path is optional.
func Extract(body any, paths map[string]string) (*CachedToken, error) {
	token := &CachedToken{Extra: map[string]string{}}
	for name, path := range paths {
		value, err := jmespath.Search(path, body)
		if err != nil {
			return nil, fmt.Errorf("invalid path %q: %w", path, err)
		}
		str := ""
		switch v := value.(type) {
		case nil:
		case string:
			str = v
		default:
			str = fmt.Sprint(v)
		}
		if name == "token" {
			if str == "" {
				return nil, fmt.Errorf("%w: path=%s", ErrTokenExtractionFailed, path)
			}
			token.Token = str
			continue
		}
		token.Extra[name] = str
	}
	if token.Token == "" {
		return nil, ErrTokenExtractionFailed
	}
	return token, nil
}
