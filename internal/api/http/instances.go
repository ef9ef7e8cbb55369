package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/lifecycle"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// LoadRequest is the optional body of load, switch and reload
type LoadRequest struct {
	Props map[string]any `json:"props"`
}

// ListApps lists registered apps, optionally by category
func (h *Handlers) ListApps(c *gin.Context) {
	var category *string
	if cat := c.Query("category"); cat != "" {
		category = &cat
	}
	c.JSON(http.StatusOK, gin.H{
		"apps":  h.apps.List(category),
		"stats": h.apps.Stats(),
	})
}

// GetApp returns one registry entry
func (h *Handlers) GetApp(c *gin.Context) {
	appID, ok := h.appParam(c)
	if !ok {
		return
	}
	desc, err := h.apps.GetApp(appID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

// InstallApp records an install for the calling user
func (h *Handlers) InstallApp(c *gin.Context) {
	h.installation(c, true)
}

// UninstallApp removes the calling user's install
func (h *Handlers) UninstallApp(c *gin.Context) {
	h.installation(c, false)
}

func (h *Handlers) installation(c *gin.Context, install bool) {
	appID, ok := h.appParam(c)
	if !ok {
		return
	}
	userID := c.GetHeader(HeaderUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": HeaderUserID + " header is required"})
		return
	}

	var err error
	if install {
		err = h.apps.Install(appID, userID)
	} else {
		err = h.apps.Uninstall(appID, userID)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"app_id":  appID,
		"apps":    h.apps.GetUserApps(userID),
	})
}

// ListInstances lists running instances, optionally by status
func (h *Handlers) ListInstances(c *gin.Context) {
	var status *types.Status
	if s := c.Query("status"); s != "" {
		st := types.Status(s)
		status = &st
	}
	c.JSON(http.StatusOK, gin.H{
		"instances": h.lifecycle.ListInstances(status),
		"stats":     h.lifecycle.Stats(),
	})
}

// GetInstance returns the instance of one app
func (h *Handlers) GetInstance(c *gin.Context) {
	appID, ok := h.appParam(c)
	if !ok {
		return
	}
	inst, found := h.lifecycle.GetInstance(appID)
	if !found {
		h.fail(c, types.NewAppError(types.CodeAppNotFound, appID, "app is not loaded", nil))
		return
	}
	c.JSON(http.StatusOK, inst)
}

// LoadInstance loads an app
func (h *Handlers) LoadInstance(c *gin.Context) {
	h.start(c, "lifecycle.load", h.lifecycle.LoadApp)
}

// SwitchInstance makes an app the active one
func (h *Handlers) SwitchInstance(c *gin.Context) {
	h.start(c, "lifecycle.switch", h.lifecycle.SwitchToApp)
}

// ReloadInstance unloads and loads an app
func (h *Handlers) ReloadInstance(c *gin.Context) {
	h.start(c, "lifecycle.reload", h.lifecycle.ReloadApp)
}

type startFunc func(ctx context.Context, appID string, secCtx *types.SecurityContext, opts ...lifecycle.LoadOption) (types.Instance, error)

func (h *Handlers) start(c *gin.Context, op string, fn startFunc) {
	appID, ok := h.appParam(c)
	if !ok {
		return
	}

	var req LoadRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	secCtx, err := h.securityContext(c, appID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	var opts []lifecycle.LoadOption
	if req.Props != nil {
		opts = append(opts, lifecycle.WithProps(req.Props))
	}
	var inst types.Instance
	err = h.trace(c, op, appID, func(ctx context.Context) error {
		var err error
		inst, err = fn(ctx, appID, secCtx, opts...)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// RetryInstance retries a failed instance
func (h *Handlers) RetryInstance(c *gin.Context) {
	appID, ok := h.appParam(c)
	if !ok {
		return
	}
	var inst types.Instance
	err := h.trace(c, "lifecycle.retry", appID, func(ctx context.Context) error {
		var err error
		inst, err = h.lifecycle.RetryApp(ctx, appID)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// UnloadInstance unloads an app. A forced unload still succeeds.
func (h *Handlers) UnloadInstance(c *gin.Context) {
	appID, ok := h.appParam(c)
	if !ok {
		return
	}
	err := h.trace(c, "lifecycle.unload", appID, func(ctx context.Context) error {
		return h.lifecycle.UnloadApp(ctx, appID)
	})
	body := gin.H{
		"success": true,
		"app_id":  appID,
		"forced":  err != nil,
	}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// Stats returns lifecycle statistics
func (h *Handlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.lifecycle.Stats())
}
