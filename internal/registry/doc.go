// Package registry manages persisted account entries and their device records.
//
// An account entry is the unit of persistence: one entry per cloud account
// (or offline-only pseudo-account), each holding a map of device records
// keyed by device ID. Entries live in SQLite behind the Repository interface;
// Store adds an in-memory cache and atomic read-modify-write updates so the
// reconciler, the API, and device removal never interleave partial writes.
//
// Migrator upgrades registries written under the legacy layout, where every
// device had its own version-1 entry, into a single canonical version-2
// account entry. It runs once at startup, before the lifecycle controller
// registers its update listener.
package registry
