// Package session maps opaque bearer tokens to authorization contexts on
// top of the cache layer. The cache TTL is the single source of truth for
// token validity; the context's own expiry is re-checked on read to cover
// backends without native expiry.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowgate/internal/domain"
	"flowgate/internal/infra/cache"
)

const keyPrefix = "session:"

type Store struct {
	kv      cache.KV
	now     func() time.Time
	refresh time.Duration
}

// NewStore builds a session store. When refresh is positive, a hit re-arms
// the token's TTL (sliding sessions).
func NewStore(kv cache.KV, refresh time.Duration) *Store {
	return &Store{kv: kv, now: time.Now, refresh: refresh}
}

func NewStoreWithClock(kv cache.KV, refresh time.Duration, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{kv: kv, now: now, refresh: refresh}
}

func (s *Store) Get(ctx context.Context, token string) (*domain.AuthContext, bool, error) {
	payload, ok, err := s.kv.Get(ctx, keyPrefix+token)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	if !ok {
		return nil, false, nil
	}
	var auth domain.AuthContext
	if err := json.Unmarshal([]byte(payload), &auth); err != nil {
		// An unreadable entry is treated as a miss; the caller will force
		// re-authentication.
		_ = s.kv.Del(ctx, keyPrefix+token)
		return nil, false, nil
	}
	if auth.Expired(s.now()) {
		_ = s.kv.Del(ctx, keyPrefix+token)
		return nil, false, nil
	}
	if s.refresh > 0 {
		// Re-arming only the backend TTL is not enough: the payload's own
		// expiry would still cut the session short, so the context is
		// rewritten with the extended deadline.
		auth.ExpiresAt = s.now().Add(s.refresh)
		if extended, err := json.Marshal(auth); err == nil {
			_ = s.kv.Set(ctx, keyPrefix+token, string(extended), s.refresh)
		}
	}
	return &auth, true, nil
}

func (s *Store) Put(ctx context.Context, token string, auth domain.AuthContext, ttl time.Duration) error {
	payload, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.kv.Set(ctx, keyPrefix+token, string(payload), ttl); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

func (s *Store) Invalidate(ctx context.Context, token string) error {
	if err := s.kv.Del(ctx, keyPrefix+token); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

var _ domain.SessionStore = (*Store)(nil)
