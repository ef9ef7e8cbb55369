package events

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/id"
)

// Type names a bus event
type Type string

const (
	PlatformInitialized Type = "platform:initialized"
	PlatformError       Type = "platform:error"

	AppLoading        Type = "app:loading"
	AppLoaded         Type = "app:loaded"
	AppMounted        Type = "app:mounted"
	AppActivated      Type = "app:activated"
	AppDeactivated    Type = "app:deactivated"
	AppSwitched       Type = "app:switched"
	AppUnmounting     Type = "app:unmounting"
	AppUnmounted      Type = "app:unmounted"
	AppError          Type = "app:error"
	AppRetryScheduled Type = "app:retry-scheduled"
	AppInstalled      Type = "app:installed"
	AppUninstalled    Type = "app:uninstalled"
	AppNotification   Type = "app:notification"

	SandboxCreated           Type = "sandbox:created"
	SandboxDestroyed         Type = "sandbox:destroyed"
	SandboxError             Type = "sandbox:error"
	SandboxResourceViolation Type = "sandbox:resource-violation"

	SecurityAudit Type = "security:audit"
	SecurityEvent Type = "security:event"
)

// Event is one message on the bus
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	AppID      string         `json:"app_id,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Handler receives events
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous publish/subscribe hub. Handlers run on the
// publisher's goroutine in registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]subscription
	wildcard []subscription
	nextID   uint64

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewBus creates an empty bus
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[Type][]subscription),
		logger:   logger.Named("events"),
	}
}

// WithMetrics counts published events
func (b *Bus) WithMetrics(metrics *monitoring.Metrics) *Bus {
	b.metrics = metrics
	return b
}

// Subscribe registers handler for events of type t. The returned
// function removes the subscription and is safe to call more than once.
func (b *Bus) Subscribe(t Type, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	subID := b.nextID
	b.handlers[t] = append(b.handlers[t], subscription{id: subID, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.handlers[t] = remove(b.handlers[t], subID)
			if len(b.handlers[t]) == 0 {
				delete(b.handlers, t)
			}
		})
	}
}

// SubscribeAll registers handler for every event type
func (b *Bus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	subID := b.nextID
	b.wildcard = append(b.wildcard, subscription{id: subID, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.wildcard = remove(b.wildcard, subID)
		})
	}
}

// Emit publishes an event of type t carrying payload
func (b *Bus) Emit(t Type, payload map[string]any) {
	b.Publish(Event{Type: t, Payload: payload})
}

// Publish delivers evt to the current subscribers of its type, then to
// wildcard subscribers. A panicking handler is logged and skipped.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = id.NewEventID().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	// Snapshot under the read lock so handlers may subscribe or emit.
	b.mu.RLock()
	typed := b.handlers[evt.Type]
	targets := make([]subscription, 0, len(typed)+len(b.wildcard))
	targets = append(targets, typed...)
	targets = append(targets, b.wildcard...)
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.RecordEvent(string(evt.Type))
	}

	for _, sub := range targets {
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("event", string(evt.Type)),
				zap.String("app_id", evt.AppID),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	sub.handler(evt)
}

// SubscriberCount returns the number of typed subscribers for t
func (b *Bus) SubscriberCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}

// Clear drops every subscription
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Type][]subscription)
	b.wildcard = nil
}

func remove(subs []subscription, subID uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != subID {
			out = append(out, s)
		}
	}
	return out
}
