package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/identity"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/lifecycle"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/permission"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/policy"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/registry"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/store"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// Header names carrying the caller identity
const (
	HeaderUserID    = "X-User-ID"
	HeaderSessionID = "X-Session-ID"
)

// Service identification reported by the health endpoints
const (
	ServiceName    = "apphost"
	ServiceVersion = "0.3.0"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	apps        *registry.Manager
	lifecycle   *lifecycle.Manager
	permissions *permission.Engine
	policies    *policy.Engine
	identity    *identity.Provider
	metrics     *monitoring.Metrics
	audit       *store.GuardedAudit
	tracer      *tracing.Tracer
	validate    *validator.Validate
	logger      *zap.Logger
	started     time.Time
}

// NewHandlers creates a new handler set
func NewHandlers(
	apps *registry.Manager,
	lc *lifecycle.Manager,
	permissions *permission.Engine,
	policies *policy.Engine,
	identity *identity.Provider,
	logger *zap.Logger,
) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		apps:        apps,
		lifecycle:   lc,
		permissions: permissions,
		policies:    policies,
		identity:    identity,
		validate:    validator.New(),
		logger:      logger.Named("http"),
		started:     time.Now(),
	}
}

// WithMetrics enables the JSON metrics endpoint
func (h *Handlers) WithMetrics(metrics *monitoring.Metrics) *Handlers {
	h.metrics = metrics
	return h
}

// WithAudit reports the audit store breaker in health checks
func (h *Handlers) WithAudit(audit *store.GuardedAudit) *Handlers {
	h.audit = audit
	return h
}

// WithTracer opens a span around each lifecycle operation
func (h *Handlers) WithTracer(tracer *tracing.Tracer) *Handlers {
	h.tracer = tracer
	return h
}

// trace runs fn inside a child span of the request trace
func (h *Handlers) trace(c *gin.Context, op, appID string, fn func(ctx context.Context) error) error {
	if h.tracer == nil {
		return fn(c.Request.Context())
	}
	span, ctx := h.tracer.StartSpan(c.Request.Context(), op)
	span.SetTag("app_id", appID)
	err := fn(ctx)
	if err != nil {
		span.SetError(err)
		span.SetTag("code", string(types.CodeOf(err)))
	}
	span.Finish()
	h.tracer.Submit(span)
	return err
}

// Register mounts every route on r
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	r.GET("/apps", h.ListApps)
	r.GET("/apps/:app", h.GetApp)
	r.POST("/apps/:app/install", h.InstallApp)
	r.DELETE("/apps/:app/install", h.UninstallApp)

	r.GET("/instances", h.ListInstances)
	r.GET("/instances/:app", h.GetInstance)
	r.POST("/instances/:app/load", h.LoadInstance)
	r.POST("/instances/:app/switch", h.SwitchInstance)
	r.POST("/instances/:app/reload", h.ReloadInstance)
	r.POST("/instances/:app/retry", h.RetryInstance)
	r.DELETE("/instances/:app", h.UnloadInstance)
	r.GET("/stats", h.Stats)

	r.POST("/authz/check", h.CheckPermission)
	r.GET("/policies", h.ListPolicies)
	r.POST("/policies", h.CreatePolicy)
	r.GET("/policies/:id", h.GetPolicy)
	r.PUT("/policies/:id", h.UpdatePolicy)
	r.DELETE("/policies/:id", h.DeletePolicy)

	r.GET("/metrics/json", h.MetricsJSON)
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": ServiceName,
		"version": ServiceVersion,
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"lifecycle": h.lifecycle.Stats(),
		"registry":  h.apps.Stats(),
		"uptime_s":  time.Since(h.started).Seconds(),
	}
	if h.audit != nil {
		body["audit_store"] = gin.H{"breaker": h.audit.BreakerState().String()}
	}
	c.JSON(http.StatusOK, body)
}

// securityContext resolves the caller. It returns nil without error when
// no user is identified.
func (h *Handlers) securityContext(c *gin.Context, appID string) (*types.SecurityContext, error) {
	userID := c.GetHeader(HeaderUserID)
	if userID == "" || h.identity == nil {
		return nil, nil
	}
	return h.identity.Context(c.Request.Context(), identity.Request{
		UserID:    userID,
		SessionID: c.GetHeader(HeaderSessionID),
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		AppID:     appID,
	})
}

// appParam validates the :app path parameter
func (h *Handlers) appParam(c *gin.Context) (string, bool) {
	appID := c.Param("app")
	if err := h.validate.Var(appID, "required,max=128,printascii,excludesall=/\\ "); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid app id"})
		return "", false
	}
	return appID, true
}

// fail writes err with the status its code maps to
func (h *Handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	if appErr, ok := types.AsAppError(err); ok {
		body["code"] = appErr.Code
		body["recoverable"] = appErr.Recoverable
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrAppNotFound), errors.Is(err, store.ErrNotFound), errors.Is(err, registry.ErrNotInstalled):
		return http.StatusNotFound
	case errors.Is(err, types.ErrLoadValidation), errors.Is(err, policy.ErrInvalidPolicy):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrAdmissionLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrLoadTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, types.ErrPermissionDenied), errors.Is(err, types.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, lifecycle.ErrNotFailed):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
