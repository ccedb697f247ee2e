package trust

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mbd888/devicetrust/internal/deviceauth"
	"github.com/mbd888/devicetrust/internal/fingerprint"
	"github.com/mbd888/devicetrust/internal/logging"
	"github.com/mbd888/devicetrust/internal/validation"
)

// Handler exposes the decision operations to the security gateway.
type Handler struct {
	svc *Service
}

// NewHandler creates a new decision handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up the decision routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/authenticate", h.Authenticate)
	r.POST("/authorize", h.Authorize)
	r.POST("/evaluate", h.Evaluate)

	r.POST("/fingerprints/analyze", h.AnalyzeFingerprint)
	r.PUT("/fingerprints/:deviceId", validation.ParamMiddleware("deviceId"), h.PersistFingerprint)
	r.POST("/onboard", h.Onboard)
}

// signedFields are the parts of a device request the gateway forwards. The
// canonical string is rebuilt from them here so both sides agree on it.
type signedFields struct {
	DeviceID  string `json:"deviceId"`
	ClientID  string `json:"clientId"`
	Signature string `json:"signature"`
	Method    string `json:"method"`
	URI       string `json:"uri"`
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
	BodyHash  string `json:"bodyHash"`
}

var signableMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodOptions,
}

func (s signedFields) validate() error {
	if errs := validation.Validate(
		validation.Required("deviceId", s.DeviceID),
		validation.Identifier("deviceId", s.DeviceID),
		validation.Required("clientId", s.ClientID),
		validation.Identifier("clientId", s.ClientID),
		validation.Required("signature", s.Signature),
		validation.MaxLength("signature", s.Signature, 128),
		validation.Base64("signature", s.Signature),
		validation.Required("method", s.Method),
		validation.OneOf("method", s.Method, signableMethods...),
		validation.Required("uri", s.URI),
		validation.MaxLength("uri", s.URI, validation.MaxStringLength),
	); len(errs) > 0 {
		return errs
	}
	return nil
}

func (s signedFields) canonical() string {
	return deviceauth.CanonicalString(s.Method, s.URI, s.Timestamp, s.Nonce, s.BodyHash)
}

// Authenticate handles POST /v1/authenticate
func (h *Handler) Authenticate(c *gin.Context) {
	var req signedFields
	if !bind(c, &req) {
		return
	}
	if err := req.validate(); err != nil {
		invalid(c, err)
		return
	}

	ok, err := h.svc.Authenticate(c.Request.Context(), req.DeviceID, req.ClientID, req.Signature, req.canonical())
	if err != nil {
		internalError(c, err, "authentication unavailable")
		return
	}
	c.JSON(http.StatusOK, gin.H{"authenticated": ok})
}

// Authorize handles POST /v1/authorize: authenticate, then evaluate the
// policies of the device's organization, atomically. organization may be
// omitted; when present it must equal clientId.
func (h *Handler) Authorize(c *gin.Context) {
	var req struct {
		signedFields
		Organization string         `json:"organization"`
		Metadata     map[string]any `json:"metadata"`
	}
	if !bind(c, &req) {
		return
	}
	if err := req.validate(); err != nil {
		invalid(c, err)
		return
	}
	if req.Organization != "" && !validation.IsValidIdentifier(req.Organization) {
		invalid(c, validation.ValidationErrors{{Field: "organization", Message: "must be an identifier"}})
		return
	}

	out, err := h.svc.AuthorizeRequest(c.Request.Context(), SignedRequest{
		DeviceID:     req.DeviceID,
		ClientID:     req.ClientID,
		Organization: req.Organization,
		Signature:    req.Signature,
		Canonical:    req.canonical(),
		Metadata:     req.Metadata,
	})
	if err != nil {
		if IsAuthFailure(err) {
			authFailure(c, err)
			return
		}
		internalError(c, err, "authorization unavailable")
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": out.Device, "decision": out.Decision})
}

// Evaluate handles POST /v1/evaluate. The caller is responsible for having
// authenticated the device.
func (h *Handler) Evaluate(c *gin.Context) {
	var req struct {
		Organization string         `json:"organization"`
		DeviceID     string         `json:"deviceId"`
		Metadata     map[string]any `json:"metadata"`
	}
	if !bind(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.Required("organization", req.Organization),
		validation.Identifier("organization", req.Organization),
		validation.Required("deviceId", req.DeviceID),
		validation.Identifier("deviceId", req.DeviceID),
	); len(errs) > 0 {
		invalid(c, errs)
		return
	}

	dec, err := h.svc.EvaluatePolicies(c.Request.Context(), req.Organization, req.DeviceID, req.Metadata)
	if err != nil {
		internalError(c, err, "policy evaluation unavailable")
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": dec})
}

type fingerprintRequest struct {
	DeviceID    string                   `json:"deviceId"`
	Fingerprint *fingerprint.Fingerprint `json:"fingerprint"`
}

func (r *fingerprintRequest) validate() error {
	errs := validation.Validate(
		validation.Required("deviceId", r.DeviceID),
		validation.Identifier("deviceId", r.DeviceID),
	)
	if r.Fingerprint == nil {
		errs = append(errs, validation.ValidationError{Field: "fingerprint", Message: "is required"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// AnalyzeFingerprint handles POST /v1/fingerprints/analyze. Nothing is stored.
func (h *Handler) AnalyzeFingerprint(c *gin.Context) {
	var req fingerprintRequest
	if !bind(c, &req) {
		return
	}
	if err := req.validate(); err != nil {
		invalid(c, err)
		return
	}
	dec, err := h.svc.AnalyzeFingerprint(c.Request.Context(), req.DeviceID, req.Fingerprint)
	if err != nil {
		invalid(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": dec})
}

// PersistFingerprint handles PUT /v1/fingerprints/:deviceId with the
// fingerprint as the body.
func (h *Handler) PersistFingerprint(c *gin.Context) {
	var fp fingerprint.Fingerprint
	if !bind(c, &fp) {
		return
	}
	deviceID := c.Param("deviceId")
	if err := h.svc.PersistFingerprint(c.Request.Context(), deviceID, &fp); err != nil {
		if errors.Is(err, fingerprint.ErrInvalidFingerprint) {
			invalid(c, err)
			return
		}
		internalError(c, err, "failed to store fingerprint")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "fingerprint stored", "deviceId": deviceID})
}

// Onboard handles POST /v1/onboard: analyze, and store unless blocked.
func (h *Handler) Onboard(c *gin.Context) {
	var req fingerprintRequest
	if !bind(c, &req) {
		return
	}
	if err := req.validate(); err != nil {
		invalid(c, err)
		return
	}

	dec, err := h.svc.Onboard(c.Request.Context(), req.DeviceID, req.Fingerprint)
	if err != nil {
		if errors.Is(err, fingerprint.ErrInvalidFingerprint) {
			invalid(c, err)
			return
		}
		internalError(c, err, "failed to store fingerprint")
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": dec, "stored": dec.Status != fingerprint.StatusBlocked})
}

// -----------------------------------------------------------------------------
// Responses
// -----------------------------------------------------------------------------

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed JSON body"})
		return false
	}
	return true
}

func invalid(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
}

// authFailure reports every credential rejection the same way. The reason
// is logged, not returned, so callers cannot learn device state.
func authFailure(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Info("authorization denied", zap.Error(err))
	c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_failed", "message": "device authentication failed"})
}

func internalError(c *gin.Context, err error, msg string) {
	logging.L(c.Request.Context()).Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": msg})
}
