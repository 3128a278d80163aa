package credentials

import (
	"context"
	"time"

	"github.com/grantwatch/grantwatch/internal/cache"
)

type cacheKey struct {
	orgID    int64
	provider string
}

// CachedSource memoizes resolved credentials for a TTL so a scheduler
// pass does not hit Vault or the database once per organization run.
type CachedSource struct {
	inner Source
	cache *cache.Cache[cacheKey, Credential]
}

func NewCachedSource(inner Source, ttl time.Duration) *CachedSource {
	return &CachedSource{
		inner: inner,
		cache: cache.New[cacheKey, Credential](ttl),
	}
}

func (s *CachedSource) Resolve(ctx context.Context, orgID int64, provider string) (Credential, error) {
	key := cacheKey{orgID: orgID, provider: provider}
	if cred, ok := s.cache.Get(key); ok {
		return cred, nil
	}
	cred, err := s.inner.Resolve(ctx, orgID, provider)
	if err != nil {
		return Credential{}, err
	}
	s.cache.Set(key, cred)
	return cred, nil
}

// Invalidate drops a cached credential, forcing the next Resolve to go
// back to the underlying source. Called after a credential rotation.
func (s *CachedSource) Invalidate(orgID int64, provider string) {
	s.cache.Delete(cacheKey{orgID: orgID, provider: provider})
}
