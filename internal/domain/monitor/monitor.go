package monitor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// DefaultInterval is the sampling period when none is configured
const DefaultInterval = time.Second

// Usage is what a sampler observes
type Usage struct {
	MemoryMB   float64
	CPUPercent float64
	StorageMB  float64
}

// Sampler reports current usage. Programs that can measure themselves
// implement it; otherwise the last reported usage is used.
type Sampler interface {
	Usage() Usage
}

// Config configures a monitor
type Config struct {
	AppID      string
	InstanceID string
	Limits     types.ResourceLimits
	Interval   time.Duration
	Sampler    Sampler
}

// Monitor watches one instance
type Monitor struct {
	cfg     Config
	bus     *events.Bus
	metrics *monitoring.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu          sync.Mutex
	reported    Usage
	apiCalls    int
	windowStart time.Time
	last        types.ResourceMetrics
	started     bool
	stopped     bool
	delivering  int

	tickMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

// New creates a stopped monitor
func New(cfg Config, bus *events.Bus, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	m := &Monitor{
		cfg:    cfg,
		bus:    bus,
		logger: logger.Named("monitor").With(zap.String("app_id", cfg.AppID), zap.String("instance_id", cfg.InstanceID)),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.windowStart = m.now()
	return m
}

// WithMetrics records violations
func (m *Monitor) WithMetrics(metrics *monitoring.Metrics) *Monitor {
	m.metrics = metrics
	return m
}

// WithClock replaces the time source
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	m.windowStart = now()
	return m
}

// SetSampler replaces the usage source for subsequent samples
func (m *Monitor) SetSampler(s Sampler) {
	m.mu.Lock()
	m.cfg.Sampler = s
	m.mu.Unlock()
}

// Limits returns the limits being enforced
func (m *Monitor) Limits() types.ResourceLimits {
	return m.cfg.Limits
}

// Start begins periodic sampling. Calling it again, or after Stop, is a
// no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run()
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// Stop ends sampling. When it returns no further sample is taken and no
// new event is emitted. Called while a violation is being delivered, as
// from a handler tearing the instance down, it returns without waiting
// for that delivery to finish. Safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	reentrant := m.delivering > 0
	m.mu.Unlock()

	close(m.stop)
	if reentrant {
		return
	}
	if started {
		<-m.done
	}
	// Wait out a manual Check that may be in flight
	m.tickMu.Lock()
	m.tickMu.Unlock()
}

// Check takes one sample immediately and returns the violations found
func (m *Monitor) Check() []types.ResourceViolation {
	return m.sample()
}

// ReportUsage records usage pushed by the instance
func (m *Monitor) ReportUsage(u Usage) {
	m.mu.Lock()
	m.reported = u
	m.mu.Unlock()
}

// RecordAPICall counts one capability call in the current minute
func (m *Monitor) RecordAPICall() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollWindow()
	m.apiCalls++
}

// AllowAPICall counts a call only if the per-minute budget has room.
// A zero budget is unlimited.
func (m *Monitor) AllowAPICall() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollWindow()

	limit := m.cfg.Limits.APICallsPerMinute
	if limit > 0 && m.apiCalls >= limit {
		return false
	}
	m.apiCalls++
	return true
}

// Snapshot returns the latest sample with the current API call count
func (m *Monitor) Snapshot() types.ResourceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollWindow()

	snap := m.last
	snap.APICalls = m.apiCalls
	return snap
}

// rollWindow resets the API counter at minute boundaries; mu must be held
func (m *Monitor) rollWindow() {
	if now := m.now(); now.Sub(m.windowStart) >= time.Minute {
		m.apiCalls = 0
		m.windowStart = now
	}
}

func (m *Monitor) sample() []types.ResourceViolation {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	usage := m.reported
	sampler := m.cfg.Sampler
	m.mu.Unlock()

	// Sampler runs outside the lock; it may call back into the monitor
	if sampler != nil {
		usage = sampler.Usage()
	}

	m.mu.Lock()
	m.rollWindow()
	current := types.ResourceMetrics{
		MemoryMB:   usage.MemoryMB,
		CPUPercent: usage.CPUPercent,
		StorageMB:  usage.StorageMB,
		APICalls:   m.apiCalls,
		SampledAt:  m.now(),
	}
	m.last = current
	m.mu.Unlock()

	violations := m.violations(current)
	for _, v := range violations {
		if !m.deliver(v) {
			break
		}
	}
	return violations
}

// deliver reports v unless the monitor stopped
func (m *Monitor) deliver(v types.ResourceViolation) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.delivering++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.delivering--
		m.mu.Unlock()
	}()
	m.report(v)
	return true
}

func (m *Monitor) violations(cur types.ResourceMetrics) []types.ResourceViolation {
	lim := m.cfg.Limits
	var out []types.ResourceViolation
	add := func(t types.ViolationType) {
		out = append(out, types.ResourceViolation{
			AppID:      m.cfg.AppID,
			InstanceID: m.cfg.InstanceID,
			Type:       t,
			Limits:     lim,
			Metrics:    cur,
		})
	}

	if lim.MemoryMB > 0 && cur.MemoryMB > float64(lim.MemoryMB) {
		add(types.ViolationMemory)
	}
	if lim.CPUPercent > 0 && cur.CPUPercent > float64(lim.CPUPercent) {
		add(types.ViolationCPU)
	}
	if lim.APICallsPerMinute > 0 && cur.APICalls > lim.APICallsPerMinute {
		add(types.ViolationAPIRate)
	}
	if lim.StorageMB > 0 && cur.StorageMB > float64(lim.StorageMB) {
		add(types.ViolationStorage)
	}
	return out
}

func (m *Monitor) report(v types.ResourceViolation) {
	m.logger.Warn("Resource limit exceeded", zap.String("type", string(v.Type)))
	if m.metrics != nil {
		m.metrics.RecordViolation(string(v.Type))
	}
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:       events.SandboxResourceViolation,
		AppID:      v.AppID,
		InstanceID: v.InstanceID,
		Payload: map[string]any{
			"type":      string(v.Type),
			"violation": v,
		},
	})
}
