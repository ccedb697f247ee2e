// Package auth guards the HTTP API with shared secrets: the administrative
// routes with X-Admin-Secret, the gateway-facing decision routes with
// X-Service-Token. Device requests themselves are authenticated by signature
// in deviceauth, not here.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mbd888/devicetrust/internal/logging"
)

const (
	HeaderAdminSecret  = "X-Admin-Secret"
	HeaderServiceToken = "X-Service-Token"

	// ContextKeyAdmin is set on the gin context once the admin secret is verified.
	ContextKeyAdmin = "authAdmin"
)

// RequireAdmin rejects requests whose X-Admin-Secret does not match secret.
// An empty secret disables the admin API entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	check := requireSecret(HeaderAdminSecret, secret)
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "The admin API is disabled. Set ADMIN_SECRET to enable it.",
			})
			return
		}
		if !check(c) {
			return
		}
		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// RequireService rejects requests whose X-Service-Token does not match token.
// An empty token leaves the routes open, for development only.
func RequireService(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	check := requireSecret(HeaderServiceToken, token)
	return func(c *gin.Context) {
		if check(c) {
			c.Next()
		}
	}
}

// IsAdmin reports whether RequireAdmin accepted the request.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}

// requireSecret returns a check that aborts with 401 unless header carries
// secret. Digests are compared so timing does not depend on length.
func requireSecret(header, secret string) func(c *gin.Context) bool {
	want := sha256.Sum256([]byte(secret))

	return func(c *gin.Context) bool {
		got := c.GetHeader(header)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Credentials required. Include the " + header + " header.",
			})
			return false
		}

		sum := sha256.Sum256([]byte(got))
		if subtle.ConstantTimeCompare(sum[:], want[:]) != 1 {
			logging.L(c.Request.Context()).Warn("shared secret rejected",
				zap.String("header", header),
				zap.String("path", c.FullPath()),
				zap.String("client_ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid " + header + ".",
			})
			return false
		}
		return true
	}
}
