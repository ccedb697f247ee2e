package fingerprint

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mbd888/devicetrust/internal/logging"
	"github.com/mbd888/devicetrust/internal/validation"
)

// Handler provides admin HTTP endpoints for fraud review.
type Handler struct {
	detector *Detector
}

// NewHandler creates a new fraud review handler.
func NewHandler(detector *Detector) *Handler {
	return &Handler{detector: detector}
}

// RegisterRoutes sets up fraud review routes under an admin-protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	device := r.Group("/devices/:deviceId", validation.ParamMiddleware("deviceId"))
	device.GET("/fingerprint", h.Get)
	device.POST("/fraud", h.MarkFraudulent)
}

// Get handles GET /v1/admin/devices/:deviceId/fingerprint
func (h *Handler) Get(c *gin.Context) {
	fp, err := h.detector.Lookup(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		h.storeError(c, err, "failed to load fingerprint")
		return
	}
	c.JSON(http.StatusOK, gin.H{"fingerprint": fp})
}

// MarkFraudulent handles POST /v1/admin/devices/:deviceId/fraud. The response
// lists devices sharing the hardware signature for manual review.
func (h *Handler) MarkFraudulent(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason required"})
		return
	}

	report, err := h.detector.MarkAsFraudulent(c.Request.Context(), c.Param("deviceId"),
		validation.SanitizeString(req.Reason, 500))
	if err != nil {
		h.storeError(c, err, "failed to mark device fraudulent")
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (h *Handler) storeError(c *gin.Context, err error, msg string) {
	if errors.Is(err, ErrFingerprintNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no fingerprint for this device"})
		return
	}
	logging.L(c.Request.Context()).Error(msg, zap.String("device_id", c.Param("deviceId")), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": msg})
}
