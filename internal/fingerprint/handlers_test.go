package fingerprint

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandler(t *testing.T) (*gin.Engine, *Detector) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	d, _, _ := newDetector(t)
	r := gin.New()
	NewHandler(d).RegisterRoutes(r.Group("/v1/admin"))
	return r, d
}

func post(r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ============================================================================
// Handlers
// ============================================================================

func TestHandler_MarkFraudulent(t *testing.T) {
	r, d := setupHandler(t)
	ctx := context.Background()
	require.NoError(t, d.Persist(ctx, "mule", pixel("mule")))
	require.NoError(t, d.Persist(ctx, "sibling", pixel("sibling")))

	w := post(r, "/v1/admin/devices/mule/fraud", map[string]string{"reason": "confirmed account takeover"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Report FraudReport `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "mule", resp.Report.DeviceID)
	assert.Equal(t, []string{"sibling"}, resp.Report.ReviewCandidates)

	fp, err := d.Lookup(ctx, "mule")
	require.NoError(t, err)
	assert.True(t, fp.IsFraudulent)

	w = post(r, "/v1/admin/devices/ghost/fraud", map[string]string{"reason": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = post(r, "/v1/admin/devices/mule/fraud", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GetFingerprint(t *testing.T) {
	r, d := setupHandler(t)
	require.NoError(t, d.Persist(context.Background(), "dev1", pixel("dev1")))

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/devices/dev1/fingerprint", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"compositeHash":"`)

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/devices/nope/fingerprint", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
