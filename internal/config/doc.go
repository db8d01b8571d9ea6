// Package config provides 12-factor configuration for the broker and the
// runner processes.
//
// Configuration is loaded from environment variables with sensible
// defaults. Everything a runner reads here is fixed at process start and
// immutable thereafter; changing the allow-list requires a new runner
// process.
//
// Two independent surfaces govern module availability:
//   - the package manifest (install surface: what is physically present,
//     with version constraints), loaded from a YAML file, and
//   - the allow-list (enable surface: what user code may import, by bare
//     import name, no version).
//
// A module must satisfy both to be usable. Neither is derived from the
// other: install names and import names are allowed to differ.
package config
