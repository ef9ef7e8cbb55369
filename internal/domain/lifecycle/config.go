package lifecycle

import (
	"time"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/config"
)

// ViolationPolicy decides what a resource violation does to an instance
type ViolationPolicy string

const (
	// ViolationReport only logs violations
	ViolationReport ViolationPolicy = "report"
	// ViolationFault turns violations into runtime faults
	ViolationFault ViolationPolicy = "fault"
)

// Config tunes the lifecycle manager
type Config struct {
	MaxConcurrentApps int
	LoadTimeout       time.Duration
	UnloadTimeout     time.Duration
	AutoRecover       bool
	MaxRetries        int
	RetryDelay        time.Duration
	ViolationPolicy   ViolationPolicy
}

// DefaultConfig returns the host defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrentApps: 5,
		LoadTimeout:       30 * time.Second,
		UnloadTimeout:     10 * time.Second,
		MaxRetries:        3,
		RetryDelay:        time.Second,
		ViolationPolicy:   ViolationReport,
	}
}

// FromHostConfig maps environment configuration onto a Config
func FromHostConfig(h config.HostConfig) Config {
	return Config{
		MaxConcurrentApps: h.MaxConcurrentApps,
		LoadTimeout:       h.LoadTimeout,
		UnloadTimeout:     h.UnloadTimeout,
		AutoRecover:       h.AutoRecover,
		MaxRetries:        h.MaxRetries,
		RetryDelay:        h.RetryDelay,
		ViolationPolicy:   ViolationPolicy(h.ViolationPolicy),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentApps <= 0 {
		c.MaxConcurrentApps = d.MaxConcurrentApps
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = d.LoadTimeout
	}
	if c.UnloadTimeout <= 0 {
		c.UnloadTimeout = d.UnloadTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.ViolationPolicy != ViolationFault {
		c.ViolationPolicy = ViolationReport
	}
	return c
}
