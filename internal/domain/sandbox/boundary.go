package sandbox

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// Program is the code of an app. Mount receives the capabilities the
// program may use until Unmount returns.
type Program interface {
	Mount(ctx context.Context, caps *Capabilities) error
	Unmount(ctx context.Context) error
}

// Boundary runs program operations under an isolation strategy
type Boundary interface {
	Level() types.IsolationLevel
	Run(ctx context.Context, op string, fn func(ctx context.Context) error) error
}

func newBoundary(cfg types.SandboxConfig, bus *events.Bus, logger *zap.Logger) Boundary {
	switch cfg.Isolation {
	case types.IsolationNone, types.IsolationBasic:
		return direct{level: cfg.Isolation}
	case types.IsolationStrict, types.IsolationMaximum:
		return &supervised{
			contained: contained{level: cfg.Isolation, appID: cfg.AppID, instanceID: cfg.InstanceID, bus: bus, logger: logger},
			limit:     cfg.Limits.MaxExecutionTime,
		}
	default:
		return &contained{level: types.IsolationStandard, appID: cfg.AppID, instanceID: cfg.InstanceID, bus: bus, logger: logger}
	}
}

// direct calls straight through
type direct struct {
	level types.IsolationLevel
}

func (d direct) Level() types.IsolationLevel { return d.level }

func (d direct) Run(ctx context.Context, op string, fn func(context.Context) error) error {
	return fn(ctx)
}

// contained turns panics into runtime faults
type contained struct {
	level      types.IsolationLevel
	appID      string
	instanceID string
	bus        *events.Bus
	logger     *zap.Logger
}

func (c *contained) Level() types.IsolationLevel { return c.level }

func (c *contained) Run(ctx context.Context, op string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = c.fault(op, r, debug.Stack())
		}
	}()
	return fn(ctx)
}

func (c *contained) fault(op string, r any, stack []byte) error {
	msg := fmt.Sprintf("%s panicked: %v", op, r)
	c.logger.Error("App program panicked",
		zap.String("app_id", c.appID),
		zap.String("instance_id", c.instanceID),
		zap.String("op", op),
		zap.String("panic", fmt.Sprint(r)),
		zap.ByteString("stack", stack))
	c.emitError(op, msg)
	return types.NewAppError(types.CodeRuntimeFault, c.appID, msg, nil)
}

func (c *contained) emitError(op, msg string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type:       events.SandboxError,
		AppID:      c.appID,
		InstanceID: c.instanceID,
		Payload:    map[string]any{"op": op, "error": msg, "isolation": string(c.level)},
	})
}

// supervised runs each operation on its own goroutine and stops waiting
// once the execution time limit passes. The operation's context is
// cancelled at the same moment so cooperative programs can unwind.
type supervised struct {
	contained
	limit time.Duration
}

func (s *supervised) Run(ctx context.Context, op string, fn func(context.Context) error) error {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.limit > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.limit)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.contained.Run(runCtx, op, fn)
	}()

	select {
	case err := <-done:
		// An operation that unwinds on its own expired deadline still timed out
		if err == nil || ctx.Err() != nil || runCtx.Err() == nil {
			return err
		}
	case <-runCtx.Done():
		// The caller's own deadline is reported as such
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	msg := fmt.Sprintf("%s exceeded execution time limit of %s", op, s.limit)
	s.logger.Warn("App program exceeded execution time",
		zap.String("app_id", s.appID),
		zap.String("op", op),
		zap.Duration("limit", s.limit))
	s.emitError(op, msg)
	return types.NewAppError(types.CodeRuntimeFault, s.appID, msg, runCtx.Err())
}
