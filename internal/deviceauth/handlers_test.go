package deviceauth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandler(t *testing.T) (*gin.Engine, *Authenticator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a, _, _ := newTestAuthenticator(t)
	r := gin.New()
	NewHandler(a).RegisterRoutes(r.Group("/v1/admin"))
	return r, a
}

func send(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ============================================================================
// Handlers
// ============================================================================

func TestHandler_Register(t *testing.T) {
	r, a := setupHandler(t)

	w := send(r, http.MethodPost, "/v1/admin/clients/bank-a/devices", map[string]string{"deviceId": "dev2"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var reg Registration
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reg))
	assert.Equal(t, "dev2", reg.Device.DeviceID)
	assert.NotEmpty(t, reg.SecretKey)

	msg := CanonicalString("POST", "/v1/payments", "1", "n", "h")
	sig, err := Sign(reg.SecretKey, msg)
	require.NoError(t, err)
	_, err = a.Authenticate(t.Context(), "dev2", "bank-a", sig, msg)
	assert.NoError(t, err, "the returned secret authenticates")

	w = send(r, http.MethodPost, "/v1/admin/clients/bank-a/devices", map[string]string{"deviceId": "dev2"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = send(r, http.MethodPost, "/v1/admin/clients/bank-a/devices", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reg))
	assert.NotEmpty(t, reg.Device.DeviceID, "device id is generated when omitted")

	w = send(r, http.MethodPost, "/v1/admin/clients/bank-a/devices", map[string]string{"deviceId": "bad id!"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GetStatusRevoke(t *testing.T) {
	r, _ := setupHandler(t)

	w := send(r, http.MethodGet, "/v1/admin/clients/bank-a/devices/dev1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret")

	w = send(r, http.MethodGet, "/v1/admin/clients/bank-b/devices/dev1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = send(r, http.MethodPut, "/v1/admin/clients/bank-a/devices/dev1/status", map[string]string{"status": "TEMPORARILY_BLOCKED"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"TEMPORARILY_BLOCKED"`)

	w = send(r, http.MethodPut, "/v1/admin/clients/bank-a/devices/dev1/status", map[string]string{"status": "FROZEN"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(r, http.MethodDelete, "/v1/admin/clients/bank-a/devices/dev1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = send(r, http.MethodGet, "/v1/admin/clients/bank-a/devices/dev1", nil)
	assert.Contains(t, w.Body.String(), `"isActive":false`)

	w = send(r, http.MethodDelete, "/v1/admin/clients/bank-a/devices/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
