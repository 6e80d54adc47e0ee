package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/caravel-ai/caravel/pkg/observability"
	"github.com/caravel-ai/caravel/pkg/services"
)

const identityContextKey = "caravel/identity"

// Middleware resolves the request identity and aborts with 401 when
// there is none. Handlers downstream read it with FromContext.
func Middleware(resolver *Resolver, logger observability.Logger) gin.HandlerFunc {
	log := logger.WithPrefix("auth")
	return func(c *gin.Context) {
		id, err := resolver.ResolveRequest(c.Request.Context(), c.Request)
		if err != nil {
			if !errors.Is(err, services.ErrUnauthorized) {
				log.Error("Identity resolution failed", map[string]interface{}{
					"error": err.Error(),
					"path":  c.Request.URL.Path,
				})
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   gin.H{"code": "UNAUTHORIZED", "message": "authentication required"},
			})
			return
		}
		c.Set(identityContextKey, id)
		c.Next()
	}
}

// FromContext returns the identity the middleware resolved.
func FromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityContextKey)
	if !ok {
		return nil, false
	}
	id, ok := v.(Identity)
	return id, ok
}
