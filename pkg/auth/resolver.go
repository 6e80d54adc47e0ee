package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/caravel-ai/caravel/pkg/common/cache"
	"github.com/caravel-ai/caravel/pkg/observability"
	"github.com/caravel-ai/caravel/pkg/services"
)

// APIKeyHeader is the alternative to Authorization: Bearer for clients
// whose HTTP stack reserves the Authorization header.
const APIKeyHeader = "X-API-Key"

// Resolver turns an incoming request into an Identity, consulting the
// identity cache first. Cache entries are keyed by the hash of the
// credential, never the credential itself.
type Resolver struct {
	keys     *KeyService
	sessions *SessionService
	cache    cache.Cache
	ttl      time.Duration
	logger   observability.Logger
}

func NewResolver(keys *KeyService, sessions *SessionService, c cache.Cache, ttl time.Duration, logger observability.Logger) *Resolver {
	if c == nil {
		c = cache.NewNoopCache()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{keys: keys, sessions: sessions, cache: c, ttl: ttl, logger: logger.WithPrefix("auth")}
}

// ResolveRequest extracts the credential and resolves it. API keys come
// from Authorization: Bearer or X-API-Key; sessions from the cookie.
// Requests carrying neither are ErrUnauthorized.
func (r *Resolver) ResolveRequest(ctx context.Context, req *http.Request) (Identity, error) {
	if key := apiKeyFrom(req); key != "" {
		return r.cached(ctx, key, func() (Identity, error) {
			return r.keys.ResolveKey(ctx, key)
		})
	}
	if c, err := req.Cookie(SessionCookie); err == nil && c.Value != "" {
		return r.cached(ctx, c.Value, func() (Identity, error) {
			return r.sessions.ResolveSession(ctx, c.Value)
		})
	}
	return nil, services.ErrUnauthorized
}

// Invalidate drops the cached identity for a credential. Logout calls
// this so a revoked session dies immediately instead of at TTL.
func (r *Resolver) Invalidate(ctx context.Context, credential string) {
	if err := r.cache.Delete(ctx, identityCacheKey(credential)); err != nil {
		r.logger.Warn("Failed to invalidate cached identity", map[string]interface{}{"error": err.Error()})
	}
}

func (r *Resolver) cached(ctx context.Context, credential string, resolve func() (Identity, error)) (Identity, error) {
	key := identityCacheKey(credential)

	var stored cachedIdentity
	if err := r.cache.Get(ctx, key, &stored); err == nil {
		if id := stored.identity(); id != nil {
			return id, nil
		}
	}

	id, err := resolve()
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, key, wrapIdentity(id), r.ttl); err != nil {
		r.logger.Warn("Failed to cache identity", map[string]interface{}{"error": err.Error()})
	}
	return id, nil
}

func apiKeyFrom(req *http.Request) string {
	if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return req.Header.Get(APIKeyHeader)
}

func identityCacheKey(credential string) string {
	return "auth:identity:" + hashKey(credential)
}

// cachedIdentity is the JSON shape of an Identity in the cache; exactly
// one variant pointer is set.
type cachedIdentity struct {
	Session  *SessionUser `json:"session,omitempty"`
	UserKey  *UserKey     `json:"userKey,omitempty"`
	AgentKey *AgentKey    `json:"agentKey,omitempty"`
}

func wrapIdentity(id Identity) cachedIdentity {
	switch v := id.(type) {
	case SessionUser:
		return cachedIdentity{Session: &v}
	case UserKey:
		return cachedIdentity{UserKey: &v}
	case AgentKey:
		return cachedIdentity{AgentKey: &v}
	}
	return cachedIdentity{}
}

func (c cachedIdentity) identity() Identity {
	switch {
	case c.Session != nil:
		return *c.Session
	case c.UserKey != nil:
		return *c.UserKey
	case c.AgentKey != nil:
		return *c.AgentKey
	}
	return nil
}
