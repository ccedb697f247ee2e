// Package security hardens API responses: fixed security headers and a CORS
// allow-list.
package security

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// jsonOnlyHeaders suit an API that never serves documents.
var jsonOnlyHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
}

const hsts = "max-age=63072000; includeSubDomains"

// HeadersMiddleware sets jsonOnlyHeaders on every response, plus HSTS when
// the connection is TLS.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range jsonOnlyHeaders {
			h.Set(kv[0], kv[1])
		}
		if c.Request.TLS != nil {
			h.Set("Strict-Transport-Security", hsts)
		}
		c.Next()
	}
}

var (
	corsMethods = strings.Join([]string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions,
	}, ", ")
	corsHeaders = strings.Join([]string{
		"Content-Type", "X-Request-ID", "X-Admin-Secret", "X-Device-Id", "X-Client-Id", "X-Signature",
	}, ", ")
)

// CORSMiddleware answers preflights and tags responses for origins in
// allowed. No origins means no cross-origin access; "*" admits every origin
// but never with credentials.
func CORSMiddleware(allowed []string) gin.HandlerFunc {
	anyOrigin := slices.Contains(allowed, "*")
	permitted := func(origin string) bool {
		return origin != "" && (anyOrigin || slices.Contains(allowed, origin))
	}

	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); permitted(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Max-Age", "86400")
			if !anyOrigin {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
