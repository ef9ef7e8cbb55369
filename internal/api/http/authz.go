package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/store"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// CheckRequest asks whether the caller may perform an action
type CheckRequest struct {
	types.PermissionCheck
	AppID string `json:"app_id,omitempty"`
}

// CheckPermission evaluates a permission check for the calling user
func (h *Handlers) CheckPermission(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	secCtx, err := h.securityContext(c, req.AppID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if secCtx == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": HeaderUserID + " header is required"})
		return
	}

	c.JSON(http.StatusOK, h.permissions.CheckPermission(c.Request.Context(), req.PermissionCheck, secCtx))
}

// ListPolicies lists stored policies, filtered by ?type and ?enabled
func (h *Handlers) ListPolicies(c *gin.Context) {
	q := store.PolicyQuery{Type: types.PolicyType(c.Query("type"))}
	if raw := c.Query("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "enabled must be a boolean"})
			return
		}
		q.Enabled = &enabled
	}

	policies, err := h.policies.ListPolicies(c.Request.Context(), q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies})
}

// CreatePolicy stores a new policy
func (h *Handlers) CreatePolicy(c *gin.Context) {
	var p types.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := h.policies.CreatePolicy(c.Request.Context(), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// GetPolicy returns one policy
func (h *Handlers) GetPolicy(c *gin.Context) {
	p, err := h.policies.GetPolicy(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// UpdatePolicy replaces a policy
func (h *Handlers) UpdatePolicy(c *gin.Context) {
	var p types.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updated, err := h.policies.UpdatePolicy(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DeletePolicy removes a policy
func (h *Handlers) DeletePolicy(c *gin.Context) {
	policyID := c.Param("id")
	if err := h.policies.DeletePolicy(c.Request.Context(), policyID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "id": policyID})
}
