package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/monitor"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// Capability names, also used as metric labels
const (
	CapState  = "state"
	CapData   = "data"
	CapNotify = "notify"
	CapFetch  = "fetch"
	CapEmit   = "emit"
	CapOn     = "on"
	CapUsage  = "usage"
)

// ErrCapabilitiesClosed is returned by calls after the instance unmounted
var ErrCapabilitiesClosed = errors.New("capabilities closed")

// Authorizer is the user-level permission check applied on top of the
// sandbox's own grants
type Authorizer interface {
	Authorize(ctx context.Context, resource, action string, secCtx *types.SecurityContext) error
}

// Capabilities is the only way a mounted program reaches the host
type Capabilities struct {
	appID      string
	instanceID string
	level      types.IsolationLevel

	manager   *Manager
	sandbox   *Sandbox
	secCtx    *types.SecurityContext
	sanitizer *bluemonday.Policy
	logger    *zap.Logger

	props map[string]any

	mu     sync.Mutex
	state  map[string]any
	subs   []func()
	closed bool
}

// NewCapabilities builds the capability object for the instance confined
// by sb. Every check is made against sb, even after the app's sandbox is
// replaced. secCtx may be nil.
func (m *Manager) NewCapabilities(sb *Sandbox, props map[string]any, secCtx *types.SecurityContext) *Capabilities {
	cfg := sb.Config()
	return &Capabilities{
		appID:      cfg.AppID,
		instanceID: cfg.InstanceID,
		level:      cfg.Isolation,
		manager:    m,
		sandbox:    sb,
		secCtx:     secCtx,
		sanitizer:  bluemonday.StrictPolicy(),
		logger:     m.logger.With(zap.String("app_id", cfg.AppID), zap.String("instance_id", cfg.InstanceID)),
		props:      sb.FilterProps(props),
		state:      make(map[string]any),
	}
}

// AppID returns the app the capabilities belong to
func (c *Capabilities) AppID() string { return c.appID }

// InstanceID returns the owning instance
func (c *Capabilities) InstanceID() string { return c.instanceID }

// Props returns the filtered props the program was loaded with
func (c *Capabilities) Props() map[string]any {
	shallow := make(map[string]any, len(c.props))
	for k, v := range c.props {
		shallow[k] = v
	}
	out, err := c.cross(shallow)
	if err != nil {
		return shallow
	}
	m, _ := out.(map[string]any)
	return m
}

// GetState reads instance-local state
func (c *Capabilities) GetState(key string) (any, bool, error) {
	if err := c.enter(CapState); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	v, ok := c.state[key]
	c.mu.Unlock()

	v, err := c.cross(v)
	return v, ok, err
}

// SetState writes instance-local state
func (c *Capabilities) SetState(key string, value any) error {
	if err := c.enter(CapState); err != nil {
		return err
	}
	v, err := c.cross(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.state[key] = v
	c.mu.Unlock()
	return nil
}

// GetData reads a value from one of the app's collections
func (c *Capabilities) GetData(ctx context.Context, collection, key string) (any, error) {
	if err := c.dataGate(ctx, collection, types.OpSelect); err != nil {
		return nil, err
	}
	v, err := c.manager.data.GetData(ctx, c.appID, collection, key)
	if err != nil {
		return nil, err
	}
	return c.cross(v)
}

// SetData writes a value; the operation is an insert or an update
// depending on whether the key exists
func (c *Capabilities) SetData(ctx context.Context, collection, key string, value any) error {
	if err := c.enter(CapData); err != nil {
		return err
	}
	if c.manager.data == nil {
		return c.deny(CapData, "no data store configured")
	}
	exists, err := c.manager.data.HasData(ctx, c.appID, collection, key)
	if err != nil {
		return err
	}
	op := types.OpInsert
	if exists {
		op = types.OpUpdate
	}
	if err := c.dataAllowed(ctx, collection, op); err != nil {
		return err
	}

	v, err := c.cross(value)
	if err != nil {
		return err
	}
	_, err = c.manager.data.SetData(ctx, c.appID, collection, key, v)
	return err
}

// DeleteData removes a value
func (c *Capabilities) DeleteData(ctx context.Context, collection, key string) error {
	if err := c.dataGate(ctx, collection, types.OpDelete); err != nil {
		return err
	}
	return c.manager.data.DeleteData(ctx, c.appID, collection, key)
}

func (c *Capabilities) dataGate(ctx context.Context, collection string, op types.DataOperation) error {
	if err := c.enter(CapData); err != nil {
		return err
	}
	if c.manager.data == nil {
		return c.deny(CapData, "no data store configured")
	}
	return c.dataAllowed(ctx, collection, op)
}

// dataAllowed checks the data permission for op, then the collection and
// operation whitelist
func (c *Capabilities) dataAllowed(ctx context.Context, collection string, op types.DataOperation) error {
	if err := c.check(ctx, CapData, "data", dataAction(op)); err != nil {
		return err
	}
	if !c.sandbox.AllowsData(collection, op) {
		return c.deny(CapData, fmt.Sprintf("%s on collection %q not allowed", op, collection))
	}
	return nil
}

// dataAction maps a data operation to the permission action guarding it
func dataAction(op types.DataOperation) string {
	switch op {
	case types.OpSelect:
		return "read"
	case types.OpDelete:
		return "delete"
	default:
		return "write"
	}
}

// Notify publishes a sanitized user notification
func (c *Capabilities) Notify(ctx context.Context, title, message string) error {
	if err := c.enter(CapNotify); err != nil {
		return err
	}
	if err := c.check(ctx, CapNotify, "notification", "create"); err != nil {
		return err
	}
	if c.manager.bus != nil {
		c.manager.bus.Publish(events.Event{
			Type:       events.AppNotification,
			AppID:      c.appID,
			InstanceID: c.instanceID,
			Payload: map[string]any{
				"title":   c.sanitizer.Sanitize(title),
				"message": c.sanitizer.Sanitize(message),
			},
		})
	}
	return nil
}

// Fetch performs an outbound request permitted by the network policy
func (c *Capabilities) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	if err := c.enter(CapFetch); err != nil {
		return nil, err
	}
	if c.manager.fetcher == nil {
		return nil, c.deny(CapFetch, "network access is not available")
	}
	if !c.sandbox.AllowsURL(req.URL) {
		return nil, c.deny(CapFetch, fmt.Sprintf("request to %s blocked by network policy", req.URL))
	}
	c.record(CapFetch, true)
	return c.manager.fetcher.Do(ctx, c.appID, req, c.sandbox.Config().Limits)
}

// Emit publishes an app-scoped event, delivered as "app:<appID>:<name>"
func (c *Capabilities) Emit(name string, payload map[string]any) error {
	if err := c.enter(CapEmit); err != nil {
		return err
	}
	v, err := c.cross(payload)
	if err != nil {
		return err
	}
	copied, _ := v.(map[string]any)
	if c.manager.bus != nil {
		c.manager.bus.Publish(events.Event{
			Type:       ScopedEvent(c.appID, name),
			AppID:      c.appID,
			InstanceID: c.instanceID,
			Payload:    copied,
		})
	}
	c.record(CapEmit, true)
	return nil
}

// On subscribes to an app-scoped event. Subscriptions end when the
// capabilities are closed.
func (c *Capabilities) On(name string, handler func(payload map[string]any)) (func(), error) {
	if err := c.enter(CapOn); err != nil {
		return nil, err
	}
	if c.manager.bus == nil {
		return func() {}, nil
	}
	unsubscribe := c.manager.bus.Subscribe(ScopedEvent(c.appID, name), func(evt events.Event) {
		handler(evt.Payload)
	})

	c.mu.Lock()
	c.subs = append(c.subs, unsubscribe)
	c.mu.Unlock()
	c.record(CapOn, true)
	return unsubscribe, nil
}

// ReportUsage forwards self-measured usage to the monitor
func (c *Capabilities) ReportUsage(u monitor.Usage) {
	c.sandbox.Monitor().ReportUsage(u)
}

// Close ends every subscription and rejects further calls
func (c *Capabilities) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
}

// ScopedEvent names an app-scoped bus event
func ScopedEvent(appID, name string) events.Type {
	return events.Type("app:" + appID + ":" + name)
}

// enter counts the call against the API budget. Maximum isolation rejects
// calls past the budget; other levels only count them.
func (c *Capabilities) enter(capability string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrCapabilitiesClosed
	}

	mon := c.sandbox.Monitor()
	if c.level == types.IsolationMaximum {
		if !mon.AllowAPICall() {
			c.record(capability, false)
			return types.NewAppError(types.CodeResourceViolation, c.appID, "API call budget exhausted", nil)
		}
		return nil
	}
	mon.RecordAPICall()
	return nil
}

// check applies the sandbox grant and, with a security context, the
// user-level permission
func (c *Capabilities) check(ctx context.Context, capability, resource, action string) error {
	if !c.sandbox.Grants(resource, action) {
		return c.deny(capability, fmt.Sprintf("sandbox does not grant %s:%s", resource, action))
	}
	if c.manager.authorizer != nil && c.secCtx != nil {
		if err := c.manager.authorizer.Authorize(ctx, resource, action, c.secCtx); err != nil {
			c.record(capability, false)
			return err
		}
	}
	c.record(capability, true)
	return nil
}

func (c *Capabilities) deny(capability, msg string) error {
	c.record(capability, false)
	c.logger.Debug("Capability denied", zap.String("capability", capability), zap.String("reason", msg))
	return types.NewAppError(types.CodePermissionDenied, c.appID, msg, nil)
}

func (c *Capabilities) record(capability string, allowed bool) {
	if c.manager.metrics != nil {
		c.manager.metrics.RecordCapabilityCall(capability, allowed)
	}
}

// cross deep-copies values passing the bridge under strict and maximum
// isolation so the program and host never share mutable state
func (c *Capabilities) cross(v any) (any, error) {
	if v == nil || c.level.Rank() < types.IsolationStrict.Rank() {
		return v, nil
	}
	raw, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value cannot cross the sandbox boundary: %w", err)
	}
	var out any
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("value cannot cross the sandbox boundary: %w", err)
	}
	return out, nil
}
