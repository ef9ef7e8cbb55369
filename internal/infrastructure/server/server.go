package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/AgentOS/apphost/internal/api/http"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/api/middleware"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/api/ws"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/identity"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/lifecycle"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/permission"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/policy"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/registry"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/sandbox"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/store"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	config    *config.Config
	logger    *logging.Logger
	log       *zap.Logger
	registry  *prometheus.Registry
	metrics   *monitoring.Metrics
	tracer    *tracing.Tracer
	bus       *events.Bus
	apps      *registry.Manager
	lifecycle *lifecycle.Manager
	router    *gin.Engine
	http      *http.Server
}

// NewServer wires the host. A nil logger is built from the logging
// configuration.
func NewServer(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	isolation := types.IsolationLevel(cfg.Security.DefaultIsolation)
	if !isolation.Valid() {
		return nil, fmt.Errorf("unknown default isolation %q", cfg.Security.DefaultIsolation)
	}

	if logger == nil {
		logger = logging.FromSettings(cfg.Logging.Level, cfg.Logging.Development)
	}
	log := logger.Component("server")
	log.Info("Initializing app host",
		zap.String("port", cfg.Server.Port),
		zap.Int("max_concurrent_apps", cfg.Host.MaxConcurrentApps),
		zap.String("violation_policy", cfg.Host.ViolationPolicy),
	)

	// Metrics first; every component records into them
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(reg)
	tracer := tracing.New(apihttp.ServiceName, logger.Logger)

	bus := events.NewBus(logger.Logger).WithMetrics(metrics)
	mem := store.NewMemory()
	audit := store.NewGuardedAudit(mem, logger.Logger)

	policies := policy.NewEngine(mem, audit, logger.Logger).
		WithBus(bus).
		WithMetrics(metrics).
		WithCacheTTL(cfg.Security.PolicyCacheTTL)
	if cfg.Security.InstallDefaultPolicies {
		if err := policies.InstallDefaults(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to install default policies: %w", err)
		}
	}
	permissions := permission.NewEngine(policies, logger.Logger).WithBus(bus).WithMetrics(metrics)

	directory := identity.NewDirectory().
		WithDefaultRole(cfg.Security.DefaultRole).
		WithDefaultGrants(cfg.Security.DefaultGrants)
	if admin, ok := permission.RoleByID(permission.RoleSuperAdmin); ok {
		for _, userID := range cfg.Security.AdminUsers {
			directory.AssignRole(userID, admin)
		}
	}
	provider := identity.NewProvider(directory, directory, logger.Logger).
		WithCacheTTL(cfg.Security.PermissionCacheTTL)

	sandboxes := sandbox.NewManager(bus, logger.Logger).
		WithDataStore(mem).
		WithAuthorizer(permissions).
		WithFetcher(sandbox.NewFetcher(logger.Logger)).
		WithMonitorInterval(cfg.Host.MonitorInterval).
		WithDefaultIsolation(isolation).
		WithMetrics(metrics)

	apps := registry.NewManager(bus, logger.Logger)
	factories := registry.NewFactories(logger.Logger)
	seeder := registry.NewSeeder(apps, cfg.Host.AppsDir, logger.Logger)
	if _, err := seeder.SeedApps(context.Background()); err != nil {
		log.Warn("Failed to seed apps", zap.Error(err))
		bus.Emit(events.PlatformError, map[string]any{"stage": "seed", "error": err.Error()})
	}
	seeder.SeedDefaultApps()

	lc := lifecycle.NewManager(lifecycle.FromHostConfig(cfg.Host), apps, factories, sandboxes, bus, logger.Logger).
		WithValidator(permissions).
		WithAuditStore(audit).
		WithMetrics(metrics)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.CORSForOrigins(cfg.CORS.AllowOrigins)))
	if cfg.RateLimit.Enabled {
		log.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		limits := middleware.DefaultRateLimitConfig()
		limits.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		limits.Burst = cfg.RateLimit.Burst
		limits.Exempt = append(limits.Exempt, "/events", cfg.Metrics.Path)
		router.Use(middleware.RateLimit(limits, logger.Logger))
	}

	handlers := apihttp.NewHandlers(apps, lc, permissions, policies, provider, logger.Logger).
		WithMetrics(metrics).
		WithAudit(audit).
		WithTracer(tracer)
	handlers.Register(router)

	stream := ws.NewHandler(bus, logger.Logger).
		WithMetrics(metrics).
		WithAllowedOrigins(cfg.CORS.AllowOrigins)
	router.GET("/events", stream.HandleConnection)

	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	}

	bus.Emit(events.PlatformInitialized, map[string]any{
		"apps":    apps.Stats().TotalApps,
		"ceiling": cfg.Host.MaxConcurrentApps,
	})
	log.Info("App host initialized", zap.Int("apps", apps.Stats().TotalApps))

	return &Server{
		config:    cfg,
		logger:    logger,
		log:       log,
		registry:  reg,
		metrics:   metrics,
		tracer:    tracer,
		bus:       bus,
		apps:      apps,
		lifecycle: lc,
		router:    router,
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Lifecycle returns the lifecycle manager
func (s *Server) Lifecycle() *lifecycle.Manager {
	return s.lifecycle
}

// Run serves HTTP until Shutdown is called
func (s *Server) Run() error {
	s.log.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then unloads every app
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down server...")

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.lifecycle.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle shutdown: %w", err))
	}
	s.tracer.Close()
	_ = s.logger.Sync()

	return errors.Join(errs...)
}
