// Package registry holds the app descriptors the host can run.
//
// Components:
//   - Manager: descriptor CRUD, per-user installs and listing
//   - Factories: app id to program constructor table; script entries
//     resolve to sandboxed JavaScript programs
//   - Seeder: loads YAML and TOML manifests from a directory on startup
//
// Manifest layout:
//
//	apps/
//	  notes.yaml          # descriptor
//	  notes.js            # script referenced by entry.ref
//	  tools/timer.toml
//
// Example Usage:
//
//	reg := registry.NewManager(bus, logger)
//	seeder := registry.NewSeeder(reg, "./apps", logger)
//	loaded, err := seeder.SeedApps(ctx)
//	desc, err := reg.GetApp("notes")
package registry
