package types

import (
	"fmt"
	"strings"
	"time"
)

// EntryKind discriminates how an app's program is produced
type EntryKind string

const (
	EntryNative EntryKind = "native" // Go constructor registered in the factory table
	EntryScript EntryKind = "script" // JavaScript run inside an isolated VM
)

// Entry references the code that implements an app
type Entry struct {
	Kind   EntryKind `json:"kind" yaml:"kind" toml:"kind"`
	Ref    string    `json:"ref,omitempty" yaml:"ref,omitempty" toml:"ref,omitempty"`
	Source string    `json:"source,omitempty" yaml:"source,omitempty" toml:"source,omitempty"`
}

// AppDescriptor is the registry's immutable description of an installable app
type AppDescriptor struct {
	ID          string `json:"app_id" yaml:"app_id" toml:"app_id"`
	Name        string `json:"name" yaml:"name" toml:"name"`
	Version     string `json:"version" yaml:"version" toml:"version"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Author      string `json:"author,omitempty" yaml:"author,omitempty" toml:"author,omitempty"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty" toml:"category,omitempty"`

	// Declared permissions in "action:resource" form, e.g. "read:data"
	Permissions  []string          `json:"permissions" yaml:"permissions" toml:"permissions"`
	Routes       []string          `json:"routes,omitempty" yaml:"routes,omitempty" toml:"routes,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty" toml:"dependencies,omitempty"`
	Entry        Entry             `json:"entry" yaml:"entry" toml:"entry"`

	// Declared resource ceilings
	MaxMemoryMB     int  `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty" toml:"max_memory_mb,omitempty"`
	MaxStorageMB    int  `json:"max_storage_mb,omitempty" yaml:"max_storage_mb,omitempty" toml:"max_storage_mb,omitempty"`
	RequiresNetwork bool `json:"requires_network,omitempty" yaml:"requires_network,omitempty" toml:"requires_network,omitempty"`

	// TrustLevel in [0,100] selects an isolation level when the sandbox
	// overrides do not name one. Zero means unrated.
	TrustLevel int               `json:"trust_level,omitempty" yaml:"trust_level,omitempty" toml:"trust_level,omitempty"`
	Sandbox    *SandboxOverrides `json:"sandbox,omitempty" yaml:"sandbox,omitempty" toml:"sandbox,omitempty"`

	InstallCount int64     `json:"install_count" yaml:"-" toml:"-"`
	CreatedAt    time.Time `json:"created_at" yaml:"-" toml:"-"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"-" toml:"-"`
}

// Validate checks the fields every descriptor must carry
func (d *AppDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("app_id is required")
	}
	if d.Name == "" {
		return fmt.Errorf("app %s: name is required", d.ID)
	}
	switch d.Entry.Kind {
	case EntryNative, "":
	case EntryScript:
		if d.Entry.Source == "" && d.Entry.Ref == "" {
			return fmt.Errorf("app %s: script entry needs source or ref", d.ID)
		}
	default:
		return fmt.Errorf("app %s: unknown entry kind %q", d.ID, d.Entry.Kind)
	}
	for _, p := range d.Permissions {
		if _, _, err := ParseDeclaredPermission(p); err != nil {
			return fmt.Errorf("app %s: %w", d.ID, err)
		}
	}
	return nil
}

// ParseDeclaredPermission splits an "action:resource" declaration
func ParseDeclaredPermission(decl string) (action, resource string, err error) {
	action, resource, ok := strings.Cut(strings.TrimSpace(decl), ":")
	if !ok || action == "" || resource == "" {
		return "", "", fmt.Errorf("malformed permission declaration %q", decl)
	}
	return action, resource, nil
}

// AppSummary contains listing information about a registered app
type AppSummary struct {
	ID           string    `json:"app_id"`
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Description  string    `json:"description,omitempty"`
	Category     string    `json:"category,omitempty"`
	Author       string    `json:"author,omitempty"`
	EntryKind    EntryKind `json:"entry_kind"`
	InstallCount int64     `json:"install_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// ToSummary extracts listing information from a descriptor
func (d *AppDescriptor) ToSummary() AppSummary {
	kind := d.Entry.Kind
	if kind == "" {
		kind = EntryNative
	}
	return AppSummary{
		ID:           d.ID,
		Name:         d.Name,
		Version:      d.Version,
		Description:  d.Description,
		Category:     d.Category,
		Author:       d.Author,
		EntryKind:    kind,
		InstallCount: d.InstallCount,
		CreatedAt:    d.CreatedAt,
	}
}

// RegistryStats contains registry statistics
type RegistryStats struct {
	TotalApps   int            `json:"total_apps"`
	Categories  map[string]int `json:"categories"`
	LastUpdated *time.Time     `json:"last_updated,omitempty"`
}
