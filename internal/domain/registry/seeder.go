package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// Seeder loads app manifests from disk
type Seeder struct {
	manager *Manager
	appsDir string
	logger  *zap.Logger
}

// NewSeeder creates a new app seeder
func NewSeeder(manager *Manager, appsDir string, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{
		manager: manager,
		appsDir: appsDir,
		logger:  logger.Named("seeder"),
	}
}

// SeedApps registers every *.yaml, *.yml and *.toml manifest under the
// apps directory. Broken manifests are logged and skipped; the number of
// registered apps is returned.
func (s *Seeder) SeedApps(ctx context.Context) (int, error) {
	if s.appsDir == "" {
		return 0, nil
	}
	if _, err := os.Stat(s.appsDir); os.IsNotExist(err) {
		s.logger.Warn("Apps directory not found", zap.String("dir", s.appsDir))
		return 0, nil
	}

	// fastwalk invokes the callback from several goroutines
	var (
		mu        sync.Mutex
		manifests []string
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, s.appsDir, func(path string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil || d.IsDir() || manifestFormat(path) == "" {
			return nil
		}
		mu.Lock()
		manifests = append(manifests, path)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk %s: %w", s.appsDir, err)
	}

	var loaded, failed int
	for _, path := range manifests {
		if err := s.loadManifest(path); err != nil {
			s.logger.Warn("Failed to load manifest", zap.String("path", path), zap.Error(err))
			failed++
			continue
		}
		loaded++
	}

	s.logger.Info("Seeding complete", zap.Int("loaded", loaded), zap.Int("failed", failed))
	return loaded, nil
}

// LoadManifest parses one manifest file into a descriptor
func LoadManifest(path string) (*types.AppDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var desc types.AppDescriptor
	switch manifestFormat(path) {
	case "yaml":
		err = yaml.Unmarshal(data, &desc)
	case "toml":
		err = toml.Unmarshal(data, &desc)
	default:
		return nil, fmt.Errorf("unsupported manifest format: %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}

	// Script refs are relative to the manifest
	if desc.Entry.Kind == types.EntryScript && desc.Entry.Source == "" && desc.Entry.Ref != "" {
		ref := desc.Entry.Ref
		if !filepath.IsAbs(ref) {
			ref = filepath.Join(filepath.Dir(path), ref)
		}
		src, err := os.ReadFile(ref)
		if err != nil {
			return nil, fmt.Errorf("failed to read script for %s: %w", desc.ID, err)
		}
		desc.Entry.Source = string(src)
	}
	return &desc, nil
}

func (s *Seeder) loadManifest(path string) error {
	desc, err := LoadManifest(path)
	if err != nil {
		return err
	}
	if err := s.manager.Register(*desc); err != nil {
		return err
	}
	s.logger.Debug("Loaded manifest", zap.String("app_id", desc.ID), zap.String("path", path))
	return nil
}

func manifestFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	}
	return ""
}

// SeedDefaultApps registers the built-in apps that are not yet present
func (s *Seeder) SeedDefaultApps() int {
	var seeded int
	for _, desc := range DefaultApps() {
		if s.manager.Exists(desc.ID) {
			continue
		}
		if err := s.manager.Register(desc); err != nil {
			s.logger.Warn("Failed to seed default app", zap.String("app_id", desc.ID), zap.Error(err))
			continue
		}
		seeded++
	}
	s.logger.Info("Seeded default apps", zap.Int("count", seeded))
	return seeded
}

// DefaultApps returns the built-in script apps
func DefaultApps() []types.AppDescriptor {
	return []types.AppDescriptor{
		{
			ID:          "welcome",
			Name:        "Welcome",
			Version:     "1.0.0",
			Description: "Greets the user and remembers the last visit",
			Category:    "system",
			Author:      "system",
			Permissions: []string{"read:data"},
			TrustLevel:  80,
			Entry: types.Entry{
				Kind: types.EntryScript,
				Source: `function mount() {
	host.setState("greeting", "Welcome back");
	console.log("welcome mounted");
}`,
			},
		},
		{
			ID:          "scratchpad",
			Name:        "Scratchpad",
			Version:     "1.0.0",
			Description: "Keeps a single persistent note",
			Category:    "productivity",
			Author:      "system",
			Permissions: []string{"read:data", "write:data"},
			Entry: types.Entry{
				Kind: types.EntryScript,
				Source: `function mount() {
	var note;
	try { note = host.getData("user_data", "note"); } catch (e) { note = ""; }
	host.setState("note", note);
}
function unmount() {
	host.setData("user_data", "note", host.getState("note") || "");
}`,
			},
		},
	}
}
