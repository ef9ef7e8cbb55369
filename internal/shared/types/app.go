package types

import "time"

// Status is the lifecycle state of a runtime instance
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusLoading      Status = "loading"
	StatusMounted      Status = "mounted"
	StatusActive       Status = "active"
	StatusInactive     Status = "inactive"
	StatusError        Status = "error"
	StatusUnmounting   Status = "unmounting"
	StatusUnmounted    Status = "unmounted"
)

// Running reports whether the instance holds mounted program state
func (s Status) Running() bool {
	switch s {
	case StatusMounted, StatusActive, StatusInactive:
		return true
	}
	return false
}

// Admitted reports whether the instance counts against the admission ceiling
func (s Status) Admitted() bool {
	return s == StatusMounted || s == StatusActive
}

// Instance is a running occurrence of an app inside the host
type Instance struct {
	ID           string         `json:"id"`
	AppID        string         `json:"app_id"`
	Status       Status         `json:"status"`
	Isolation    IsolationLevel `json:"isolation"`
	UserID       string         `json:"user_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	MountedAt    *time.Time     `json:"mounted_at,omitempty"`
	LastActivity time.Time      `json:"last_activity"`
	ErrorCount   int            `json:"error_count"`
	RetryCount   int            `json:"retry_count"`
	LastError    *AppError      `json:"last_error,omitempty"`
}

// Stats contains lifecycle manager statistics
type Stats struct {
	TotalInstances int     `json:"total_instances"`
	Active         int     `json:"active"`
	Mounted        int     `json:"mounted"`
	Inactive       int     `json:"inactive"`
	Loading        int     `json:"loading"`
	Errored        int     `json:"errored"`
	Admitted       int     `json:"admitted"`
	Ceiling        int     `json:"ceiling"`
	ActiveAppID    *string `json:"active_app_id,omitempty"`
}
