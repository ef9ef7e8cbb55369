package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects every call
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open request quota is used up
	ErrTooManyRequests = errors.New("too many requests")
)

// State of a breaker
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Counts is the outcome tally of the current window
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) record(ok bool) {
	if ok {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		return
	}
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Settings tunes a breaker. Zero fields take the defaults applied by New.
type Settings struct {
	// MaxRequests is how many calls a half-open breaker admits, and how many
	// must succeed in a row to close it again
	MaxRequests uint32
	// Window is how often a closed breaker forgets its counts
	Window time.Duration
	// Cooldown is how long the breaker stays open
	Cooldown time.Duration
	// Trip decides, after each failure while closed, whether to open
	Trip func(Counts) bool
	// OnStateChange observes transitions
	OnStateChange func(name string, from, to State)
}

// StoreSettings trips quickly so a failing audit or policy store stops
// costing latency on the authorization path.
func StoreSettings(logger *zap.Logger) Settings {
	return Settings{
		MaxRequests: 1,
		Window:      30 * time.Second,
		Cooldown:    10 * time.Second,
		Trip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: logTransitions(logger),
	}
}

// FetchSettings is lenient: app fetch targets vary in reliability.
func FetchSettings(logger *zap.Logger) Settings {
	return Settings{
		MaxRequests: 5,
		Window:      time.Minute,
		Cooldown:    30 * time.Second,
		Trip: func(c Counts) bool {
			if c.ConsecutiveFailures >= 10 {
				return true
			}
			return c.Requests >= 20 && float64(c.TotalFailures)/float64(c.Requests) > 0.7
		},
		OnStateChange: logTransitions(logger),
	}
}

func logTransitions(logger *zap.Logger) func(string, State, State) {
	if logger == nil {
		return nil
	}
	return func(name string, from, to State) {
		logger.Warn("Circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
}

// Breaker guards calls to one collaborator
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu       sync.Mutex
	state    State
	counts   Counts
	deadline time.Time // window end while closed, cooldown end while open
	epoch    uint64    // bumped on every transition and window reset
}

// New creates a closed breaker
func New(name string, settings Settings) *Breaker {
	if settings.MaxRequests == 0 {
		settings.MaxRequests = 1
	}
	if settings.Window <= 0 {
		settings.Window = time.Minute
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = time.Minute
	}
	if settings.Trip == nil {
		settings.Trip = func(c Counts) bool { return c.ConsecutiveFailures > 5 }
	}

	b := &Breaker{name: name, settings: settings, now: time.Now}
	b.deadline = b.now().Add(settings.Window)
	return b
}

// WithClock replaces the time source
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.deadline = now().Add(b.settings.Window)
	b.mu.Unlock()
	return b
}

// State returns the state after applying any elapsed window or cooldown
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.now())
	return b.state
}

// Counts returns the tally of the current window
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn through the breaker. A context already done is returned
// without being admitted or counted.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Do for functions that produce a value. The value is returned
// even when fn fails so callers can inspect partial results.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	epoch, err := b.admit()
	if err != nil {
		return zero, err
	}

	settled := false
	defer func() {
		if !settled {
			b.settle(epoch, false)
		}
	}()

	v, err := fn(ctx)
	settled = true
	b.settle(epoch, err == nil)
	return v, err
}

// IsRejection reports whether err came from the breaker itself rather
// than from the protected call.
func IsRejection(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests)
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(b.now())
	switch {
	case b.state == StateOpen:
		return b.epoch, ErrCircuitOpen
	case b.state == StateHalfOpen && b.counts.Requests >= b.settings.MaxRequests:
		return b.epoch, ErrTooManyRequests
	}
	b.counts.Requests++
	return b.epoch, nil
}

// settle records an outcome unless the breaker moved on since admission
func (b *Breaker) settle(epoch uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.advance(now)
	if epoch != b.epoch {
		return
	}

	b.counts.record(ok)
	switch b.state {
	case StateClosed:
		if !ok && b.settings.Trip(b.counts) {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		if !ok {
			b.transition(StateOpen, now)
		} else if b.counts.ConsecutiveSuccesses >= b.settings.MaxRequests {
			b.transition(StateClosed, now)
		}
	}
}

// advance applies time-driven changes; mu must be held
func (b *Breaker) advance(now time.Time) {
	if b.deadline.IsZero() || now.Before(b.deadline) {
		return
	}
	switch b.state {
	case StateClosed:
		b.counts = Counts{}
		b.deadline = now.Add(b.settings.Window)
		b.epoch++
	case StateOpen:
		b.transition(StateHalfOpen, now)
	}
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.counts = Counts{}
	b.epoch++

	switch to {
	case StateClosed:
		b.deadline = now.Add(b.settings.Window)
	case StateOpen:
		b.deadline = now.Add(b.settings.Cooldown)
	default:
		b.deadline = time.Time{}
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}
