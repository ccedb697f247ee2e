package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func adminRouter(secret string) *gin.Engine {
	r := gin.New()
	r.GET("/admin", RequireAdmin(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"admin": IsAdmin(c)})
	})
	return r
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		header     string
		wantStatus int
		wantError  string
	}{
		{"valid secret", "s3cret", "s3cret", http.StatusOK, ""},
		{"missing header", "s3cret", "", http.StatusUnauthorized, "unauthorized"},
		{"wrong secret", "s3cret", "guess", http.StatusUnauthorized, "unauthorized"},
		{"prefix of secret", "s3cret", "s3c", http.StatusUnauthorized, "unauthorized"},
		{"admin disabled", "", "anything", http.StatusForbidden, "admin_disabled"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tc.header != "" {
				req.Header.Set(HeaderAdminSecret, tc.header)
			}
			w := httptest.NewRecorder()
			adminRouter(tc.secret).ServeHTTP(w, req)

			assert.Equal(t, tc.wantStatus, w.Code)
			if tc.wantError != "" {
				assert.Contains(t, w.Body.String(), `"error":"`+tc.wantError+`"`)
			} else {
				assert.JSONEq(t, `{"admin":true}`, w.Body.String())
			}
		})
	}
}

func TestIsAdmin_Unset(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.False(t, IsAdmin(c))
}

func TestRequireService(t *testing.T) {
	route := func(token string) *gin.Engine {
		r := gin.New()
		r.POST("/v1/evaluate", RequireService(token), func(c *gin.Context) { c.Status(http.StatusOK) })
		return r
	}
	send := func(r *gin.Engine, header string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", nil)
		if header != "" {
			req.Header.Set(HeaderServiceToken, header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	guarded := route("tok")
	assert.Equal(t, http.StatusOK, send(guarded, "tok"))
	assert.Equal(t, http.StatusUnauthorized, send(guarded, "nope"))
	assert.Equal(t, http.StatusUnauthorized, send(guarded, ""))

	assert.Equal(t, http.StatusOK, send(route(""), ""), "no token configured leaves the route open")
}
