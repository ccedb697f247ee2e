package deviceauth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mbd888/devicetrust/internal/logging"
	"github.com/mbd888/devicetrust/internal/validation"
)

// Handler provides admin HTTP endpoints for device credentials.
type Handler struct {
	auth *Authenticator
}

// NewHandler creates a new device credential handler.
func NewHandler(auth *Authenticator) *Handler {
	return &Handler{auth: auth}
}

// RegisterRoutes sets up credential routes under an admin-protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	clients := r.Group("/clients/:clientId", validation.ParamMiddleware("clientId"))
	clients.POST("/devices", h.Register)

	device := clients.Group("/devices/:deviceId", validation.ParamMiddleware("deviceId"))
	device.GET("", h.Get)
	device.PUT("/status", h.SetStatus)
	device.DELETE("", h.Revoke)
}

// Register handles POST /v1/admin/clients/:clientId/devices. The secret key
// appears in this response only.
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
			return
		}
	}
	if req.DeviceID != "" && !validation.IsValidIdentifier(req.DeviceID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_id", "message": "deviceId is not a valid identifier"})
		return
	}

	reg, err := h.auth.Register(c.Request.Context(), c.Param("clientId"), req.DeviceID)
	if err != nil {
		if errors.Is(err, ErrDeviceExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "device_exists", "message": "device already registered for this client"})
			return
		}
		logging.L(c.Request.Context()).Error("register device failed",
			zap.String("client_id", c.Param("clientId")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to register device"})
		return
	}

	c.JSON(http.StatusCreated, reg)
}

// Get handles GET /v1/admin/clients/:clientId/devices/:deviceId
func (h *Handler) Get(c *gin.Context) {
	d, err := h.auth.Lookup(c.Request.Context(), c.Param("deviceId"), c.Param("clientId"))
	if err != nil {
		h.storeError(c, err, "failed to load device")
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": d})
}

// SetStatus handles PUT /v1/admin/clients/:clientId/devices/:deviceId/status
func (h *Handler) SetStatus(c *gin.Context) {
	var req struct {
		Status Status `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "status required"})
		return
	}

	ctx := c.Request.Context()
	deviceID, clientID := c.Param("deviceId"), c.Param("clientId")
	if err := h.auth.SetStatus(ctx, deviceID, clientID, req.Status); err != nil {
		if errors.Is(err, ErrInvalidStatus) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "status must be ACTIVE, TEMPORARILY_BLOCKED or PERMANENTLY_BLOCKED"})
			return
		}
		h.storeError(c, err, "failed to update device status")
		return
	}
	d, err := h.auth.Lookup(ctx, deviceID, clientID)
	if err != nil {
		h.storeError(c, err, "failed to load device")
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": d})
}

// Revoke handles DELETE /v1/admin/clients/:clientId/devices/:deviceId
func (h *Handler) Revoke(c *gin.Context) {
	if err := h.auth.Revoke(c.Request.Context(), c.Param("deviceId"), c.Param("clientId")); err != nil {
		h.storeError(c, err, "failed to revoke device")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "device revoked", "deviceId": c.Param("deviceId")})
}

func (h *Handler) storeError(c *gin.Context, err error, msg string) {
	if errors.Is(err, ErrDeviceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "device not found"})
		return
	}
	logging.L(c.Request.Context()).Error(msg, zap.String("device_id", c.Param("deviceId")), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": msg})
}
