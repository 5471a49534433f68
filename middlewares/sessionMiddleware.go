package middlewares

import (
	"github.com/gin-gonic/gin"

	"bitbucket.org/casadata/rentals_backend/utils"
)

// SessionMiddleware lifts the request token into the context. Validation is
// deferred to the handlers so unauthenticated endpoints (health, pubsub push
// with OIDC at the proxy) stay reachable.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		if claims, err := utils.ServiceTokenValidate(token); err == nil {
			ctx = utils.SetOrganizationIdInContext(ctx, claims.OrganizationId)
			ctx = utils.SetServiceRoleInContext(ctx, claims.Role)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
