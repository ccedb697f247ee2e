package policy

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mbd888/devicetrust/internal/idgen"
	"github.com/mbd888/devicetrust/internal/logging"
	"github.com/mbd888/devicetrust/internal/pagination"
	"github.com/mbd888/devicetrust/internal/validation"
)

// Handler provides HTTP endpoints for policy administration.
type Handler struct {
	store      Store
	violations ViolationStore
	engine     *Engine
}

// NewHandler creates a new policy handler. Writes invalidate engine's cache
// for the affected organization.
func NewHandler(store Store, violations ViolationStore, engine *Engine) *Handler {
	return &Handler{store: store, violations: violations, engine: engine}
}

// RegisterRoutes sets up policy routes under an admin-protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	orgs := r.Group("/organizations/:org", validation.ParamMiddleware("org"))
	orgs.POST("/policies", h.Create)
	orgs.GET("/policies", h.List)
	orgs.GET("/policies/:policyId", h.Get)
	orgs.PUT("/policies/:policyId", h.Update)
	orgs.DELETE("/policies/:policyId", h.Delete)

	r.GET("/devices/:deviceId/violations", validation.ParamMiddleware("deviceId"), h.ListViolations)
}

// ruleRequest mirrors Rule with an optional isActive that defaults to true.
type ruleRequest struct {
	ID           string   `json:"id"`
	Field        string   `json:"conditionField"`
	Operator     Operator `json:"operator"`
	Value        string   `json:"conditionValue"`
	Priority     int      `json:"priority"`
	ErrorMessage string   `json:"errorMessage"`
	IsActive     *bool    `json:"isActive"`
}

func toRules(in []ruleRequest) []Rule {
	rules := make([]Rule, 0, len(in))
	for _, r := range in {
		active := true
		if r.IsActive != nil {
			active = *r.IsActive
		}
		id := r.ID
		if id == "" {
			id = idgen.New()
		}
		rules = append(rules, Rule{
			ID:           id,
			Field:        r.Field,
			Operator:     r.Operator,
			Value:        r.Value,
			Priority:     r.Priority,
			ErrorMessage: validation.SanitizeString(r.ErrorMessage, 500),
			IsActive:     active,
		})
	}
	return rules
}

// Create handles POST /v1/admin/organizations/:org/policies
func (h *Handler) Create(c *gin.Context) {
	org := c.Param("org")

	var req struct {
		Name        string           `json:"name" binding:"required"`
		Type        PolicyType       `json:"policyType"`
		Enforcement EnforcementLevel `json:"enforcementLevel" binding:"required"`
		Priority    int              `json:"priority"`
		IsActive    *bool            `json:"isActive"`
		Rules       []ruleRequest    `json:"rules"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name and enforcementLevel required"})
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	now := time.Now().UTC()
	p := &Policy{
		ID:           idgen.New(),
		Organization: org,
		Name:         validation.SanitizeString(req.Name, 200),
		Type:         req.Type,
		Enforcement:  req.Enforcement,
		IsActive:     active,
		Priority:     req.Priority,
		Rules:        toRules(req.Rules),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
		return
	}

	if err := h.store.Create(c.Request.Context(), p); err != nil {
		if errors.Is(err, ErrNameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "name_taken", "message": "policy name already exists for this organization"})
			return
		}
		logging.L(c.Request.Context()).Error("create policy failed", zap.String("organization", org), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create policy"})
		return
	}
	h.engine.InvalidateCache(org)

	c.JSON(http.StatusCreated, gin.H{"policy": p})
}

// List handles GET /v1/admin/organizations/:org/policies
func (h *Handler) List(c *gin.Context) {
	org := c.Param("org")
	policies, err := h.store.List(c.Request.Context(), org)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list policies"})
		return
	}
	if policies == nil {
		policies = []*Policy{}
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies, "count": len(policies)})
}

// Get handles GET /v1/admin/organizations/:org/policies/:policyId
func (h *Handler) Get(c *gin.Context) {
	p, ok := h.loadOwned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// Update handles PUT /v1/admin/organizations/:org/policies/:policyId
func (h *Handler) Update(c *gin.Context) {
	existing, ok := h.loadOwned(c)
	if !ok {
		return
	}

	var req struct {
		Name        *string           `json:"name"`
		Type        *PolicyType       `json:"policyType"`
		Enforcement *EnforcementLevel `json:"enforcementLevel"`
		Priority    *int              `json:"priority"`
		IsActive    *bool             `json:"isActive"`
		Rules       []ruleRequest     `json:"rules"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}

	if req.Name != nil {
		existing.Name = validation.SanitizeString(*req.Name, 200)
	}
	if req.Type != nil {
		existing.Type = *req.Type
	}
	if req.Enforcement != nil {
		existing.Enforcement = *req.Enforcement
	}
	if req.Priority != nil {
		existing.Priority = *req.Priority
	}
	if req.IsActive != nil {
		existing.IsActive = *req.IsActive
	}
	if req.Rules != nil {
		existing.Rules = toRules(req.Rules)
	}
	if err := existing.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
		return
	}
	existing.UpdatedAt = time.Now().UTC()

	if err := h.store.Update(c.Request.Context(), existing); err != nil {
		switch {
		case errors.Is(err, ErrNameTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "name_taken", "message": "policy name already exists for this organization"})
		case errors.Is(err, ErrPolicyNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update policy"})
		}
		return
	}
	h.engine.InvalidateCache(existing.Organization)

	c.JSON(http.StatusOK, gin.H{"policy": existing})
}

// Delete handles DELETE /v1/admin/organizations/:org/policies/:policyId
func (h *Handler) Delete(c *gin.Context) {
	existing, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), existing.ID); err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to delete policy"})
		return
	}
	h.engine.InvalidateCache(existing.Organization)

	c.JSON(http.StatusOK, gin.H{"message": "policy deleted", "id": existing.ID})
}

// ListViolations handles GET /v1/admin/devices/:deviceId/violations?limit=N&cursor=C
func (h *Handler) ListViolations(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid cursor"})
		return
	}

	vs, err := h.violations.ListByDevice(c.Request.Context(), c.Param("deviceId"), limit+1, WithCursor(cursor))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list violations"})
		return
	}
	vs, next, more := pagination.ComputePage(vs, limit, func(v *Violation) (time.Time, string) {
		return v.CreatedAt, v.ID
	})
	if vs == nil {
		vs = []*Violation{}
	}
	c.JSON(http.StatusOK, gin.H{"violations": vs, "count": len(vs), "nextCursor": next, "hasMore": more})
}

// loadOwned fetches :policyId and checks it belongs to :org. Policies of
// other organizations are reported as not found.
func (h *Handler) loadOwned(c *gin.Context) (*Policy, bool) {
	p, err := h.store.Get(c.Request.Context(), c.Param("policyId"))
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load policy"})
		return nil, false
	}
	if p.Organization != c.Param("org") {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
		return nil, false
	}
	return p, true
}
