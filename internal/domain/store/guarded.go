package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// GuardedAudit wraps an AuditStore so writes pass through a circuit
// breaker. While the breaker is open, writes are dropped and logged
// rather than returned, so callers on the authorization path never block
// on a failing store.
type GuardedAudit struct {
	next    AuditStore
	breaker *resilience.Breaker
	logger  *zap.Logger
}

// NewGuardedAudit wraps next with a store-tuned breaker
func NewGuardedAudit(next AuditStore, logger *zap.Logger) *GuardedAudit {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("audit")
	return &GuardedAudit{
		next:    next,
		breaker: resilience.New("audit-store", resilience.StoreSettings(logger)),
		logger:  logger,
	}
}

// InsertAuditLog writes entry through the breaker
func (g *GuardedAudit) InsertAuditLog(ctx context.Context, entry types.AuditLog) error {
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.next.InsertAuditLog(ctx, entry)
	})
	return g.settle(err, "audit log", zap.String("audit_id", entry.ID))
}

// InsertSecurityEvent writes event through the breaker
func (g *GuardedAudit) InsertSecurityEvent(ctx context.Context, event types.SecurityEvent) error {
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.next.InsertSecurityEvent(ctx, event)
	})
	return g.settle(err, "security event", zap.String("event_id", event.ID))
}

// AuditLogs reads directly from the wrapped store
func (g *GuardedAudit) AuditLogs(ctx context.Context, q AuditQuery) ([]types.AuditLog, error) {
	return g.next.AuditLogs(ctx, q)
}

// SecurityEvents reads directly from the wrapped store
func (g *GuardedAudit) SecurityEvents(ctx context.Context, limit int) ([]types.SecurityEvent, error) {
	return g.next.SecurityEvents(ctx, limit)
}

// BreakerState exposes the breaker state for health reporting
func (g *GuardedAudit) BreakerState() resilience.State {
	return g.breaker.State()
}

func (g *GuardedAudit) settle(err error, what string, field zap.Field) error {
	if err == nil {
		return nil
	}
	if resilience.IsRejection(err) {
		g.logger.Warn("Dropped "+what+" while audit store is unavailable", field)
		return nil
	}
	g.logger.Error("Failed to persist "+what, field, zap.Error(err))
	return err
}
