package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/packlane/packlane/internal/tenant"
)

const tenantContextKey = "tenant"

// authMiddleware authenticates v1 requests by API key. Keys are sent as
// "Authorization: Bearer pk_..." and stored only as SHA-256 hashes.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := bearerToken(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required",
			})
			return
		}

		ten, err := s.tenants.GetByAPIKeyHash(c.Request.Context(), tenant.HashAPIKey(key))
		if err != nil {
			if errors.Is(err, tenant.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "invalid API key",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "internal_error",
			})
			return
		}
		if !ten.Active() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "tenant_suspended",
				"message": "tenant is suspended",
			})
			return
		}

		c.Set(tenantContextKey, ten)
		c.Next()
	}
}

// adminMiddleware guards the admin group with the static admin token.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "admin token required",
			})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// currentTenant returns the tenant set by authMiddleware.
func currentTenant(c *gin.Context) *tenant.Tenant {
	v, ok := c.Get(tenantContextKey)
	if !ok {
		return nil
	}
	return v.(*tenant.Tenant)
}
