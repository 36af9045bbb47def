package auth

import (
	"context"
	"time"

	cache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/idkit-io/idkit/internal/config"
	"github.com/idkit-io/idkit/internal/transport"
)

const anonymousCacheKey = "anonymous_token"

// AnonymousTokenSource fetches and caches the pre-auth anonymous token. The
// cache honours the provider-announced expiry; Invalidate drops the token
// when the provider signals it expired early.
type AnonymousTokenSource struct {
	api   *apiClient
	cache *cache.Cache
}

// NewAnonymousTokenSource builds a source over the given transport.
func NewAnonymousTokenSource(cfg *config.Config, executor transport.Executor) *AnonymousTokenSource {
	return &AnonymousTokenSource{
		api:   newAPIClient(cfg, executor),
		cache: cache.New(cache.NoExpiration, 10*time.Minute),
	}
}

// Token returns the cached anonymous token, fetching a fresh one on miss.
func (s *AnonymousTokenSource) Token(ctx context.Context) (string, error) {
	if cached, ok := s.cache.Get(anonymousCacheKey); ok {
		return cached.(string), nil
	}

	token, expiresAt, err := s.api.anonymousToken(ctx)
	if err != nil {
		return "", err
	}
	ttl := cache.NoExpiration
	if !expiresAt.IsZero() {
		ttl = time.Until(expiresAt)
	}
	s.cache.Set(anonymousCacheKey, token, ttl)
	log.Debug("auth: anonymous token fetched")
	return token, nil
}

// Invalidate drops the cached token so the next Token call refetches.
func (s *AnonymousTokenSource) Invalidate() {
	s.cache.Delete(anonymousCacheKey)
}
