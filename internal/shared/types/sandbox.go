package types

import "time"

// IsolationLevel selects the execution boundary placed around an app
type IsolationLevel string

const (
	IsolationNone     IsolationLevel = "none"
	IsolationBasic    IsolationLevel = "basic"
	IsolationStandard IsolationLevel = "standard"
	IsolationStrict   IsolationLevel = "strict"
	IsolationMaximum  IsolationLevel = "maximum"
)

// Rank orders isolation levels from weakest (0) to strongest (4); -1 if unknown
func (l IsolationLevel) Rank() int {
	switch l {
	case IsolationNone:
		return 0
	case IsolationBasic:
		return 1
	case IsolationStandard:
		return 2
	case IsolationStrict:
		return 3
	case IsolationMaximum:
		return 4
	}
	return -1
}

// Valid reports whether l is a known level
func (l IsolationLevel) Valid() bool {
	return l.Rank() >= 0
}

// AppPermission is a sandbox-level grant of actions on a resource
type AppPermission struct {
	Resource string   `json:"resource" yaml:"resource" toml:"resource" validate:"required"`
	Actions  []string `json:"actions" yaml:"actions" toml:"actions" validate:"required,min=1"`
	Granted  bool     `json:"granted" yaml:"granted" toml:"granted"`
}

// ResourceLimits bounds what one instance may consume
type ResourceLimits struct {
	MemoryMB             int           `json:"memory_mb" yaml:"memory_mb" toml:"memory_mb" validate:"gte=0,lte=2048"`
	StorageMB            int           `json:"storage_mb" yaml:"storage_mb" toml:"storage_mb" validate:"gte=0,lte=1000"`
	CPUPercent           int           `json:"cpu_percent" yaml:"cpu_percent" toml:"cpu_percent" validate:"gte=0,lte=100"`
	NetworkBandwidthKBps int           `json:"network_bandwidth_kbps,omitempty" yaml:"network_bandwidth_kbps,omitempty" toml:"network_bandwidth_kbps,omitempty" validate:"gte=0"`
	APICallsPerMinute    int           `json:"api_calls_per_minute" yaml:"api_calls_per_minute" toml:"api_calls_per_minute" validate:"gte=0"`
	MaxExecutionTime     time.Duration `json:"max_execution_time" yaml:"max_execution_time" toml:"max_execution_time" validate:"gte=0"`
}

// CORSPolicy constrains cross-origin requests made on an app's behalf
type CORSPolicy struct {
	AllowedOrigins   []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers" yaml:"allowed_headers" toml:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials" yaml:"allow_credentials" toml:"allow_credentials"`
}

// NetworkPolicy restricts outbound requests
type NetworkPolicy struct {
	AllowedDomains  []string    `json:"allowed_domains" yaml:"allowed_domains" toml:"allowed_domains"`
	BlockedDomains  []string    `json:"blocked_domains" yaml:"blocked_domains" toml:"blocked_domains"`
	AllowSubdomains bool        `json:"allow_subdomains" yaml:"allow_subdomains" toml:"allow_subdomains"`
	EnforceHTTPS    bool        `json:"enforce_https" yaml:"enforce_https" toml:"enforce_https"`
	CORS            *CORSPolicy `json:"cors,omitempty" yaml:"cors,omitempty" toml:"cors,omitempty"`
}

// DataOperation is an operation on an app data collection
type DataOperation string

const (
	OpSelect DataOperation = "select"
	OpInsert DataOperation = "insert"
	OpUpdate DataOperation = "update"
	OpDelete DataOperation = "delete"
)

// DataAccessPolicy restricts which collections and operations an app may use
type DataAccessPolicy struct {
	AllowedCollections []string        `json:"allowed_collections" yaml:"allowed_collections" toml:"allowed_collections"`
	AllowedOperations  []DataOperation `json:"allowed_operations" yaml:"allowed_operations" toml:"allowed_operations" validate:"dive,oneof=select insert update delete"`
	RowLevelSecurity   bool            `json:"row_level_security" yaml:"row_level_security" toml:"row_level_security"`
	EncryptionRequired bool            `json:"encryption_required" yaml:"encryption_required" toml:"encryption_required"`
	AuditLogging       bool            `json:"audit_logging" yaml:"audit_logging" toml:"audit_logging"`
}

// SandboxConfig is the complete, effective sandbox of one app
type SandboxConfig struct {
	AppID       string           `json:"app_id" validate:"required"`
	InstanceID  string           `json:"instance_id,omitempty"`
	Isolation   IsolationLevel   `json:"isolation" validate:"oneof=none basic standard strict maximum"`
	Permissions []AppPermission  `json:"permissions" validate:"dive"`
	Limits      ResourceLimits   `json:"limits"`
	Network     NetworkPolicy    `json:"network"`
	DataAccess  DataAccessPolicy `json:"data_access"`
	CreatedAt   time.Time        `json:"created_at"`
}

// SandboxOverrides are per-app deviations from the default sandbox.
// Nil fields keep the default; non-zero limit fields replace theirs.
type SandboxOverrides struct {
	Isolation   IsolationLevel    `json:"isolation,omitempty" yaml:"isolation,omitempty" toml:"isolation,omitempty"`
	Permissions []AppPermission   `json:"permissions,omitempty" yaml:"permissions,omitempty" toml:"permissions,omitempty"`
	Limits      *ResourceLimits   `json:"limits,omitempty" yaml:"limits,omitempty" toml:"limits,omitempty"`
	Network     *NetworkPolicy    `json:"network,omitempty" yaml:"network,omitempty" toml:"network,omitempty"`
	DataAccess  *DataAccessPolicy `json:"data_access,omitempty" yaml:"data_access,omitempty" toml:"data_access,omitempty"`
}

// ViolationType names the limit an instance exceeded
type ViolationType string

const (
	ViolationMemory  ViolationType = "memory"
	ViolationCPU     ViolationType = "cpu"
	ViolationAPIRate ViolationType = "api_rate"
	ViolationStorage ViolationType = "storage"
)

// ResourceMetrics is one sample of an instance's consumption
type ResourceMetrics struct {
	MemoryMB   float64   `json:"memory_mb"`
	CPUPercent float64   `json:"cpu_percent"`
	StorageMB  float64   `json:"storage_mb"`
	APICalls   int       `json:"api_calls"`
	SampledAt  time.Time `json:"sampled_at"`
}

// ResourceViolation describes a limit breach observed by a monitor
type ResourceViolation struct {
	AppID      string          `json:"app_id"`
	InstanceID string          `json:"instance_id"`
	Type       ViolationType   `json:"type"`
	Limits     ResourceLimits  `json:"limits"`
	Metrics    ResourceMetrics `json:"metrics"`
}
