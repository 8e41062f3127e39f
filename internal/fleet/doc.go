// Package fleet supervises the device fleet: per-entry lifecycle, discovery
// reconciliation, periodic reconnection, and command dispatch.
//
// The Manager is the single owner of the session map. It drives each
// account entry through Unloaded → Migrating → Loaded → Activating →
// Active and back, guaranteeing that an unload fully completes before a
// replacement activation begins, so no device ever has two live sessions.
//
// The Reconciler consumes discovery broadcasts and matches them against
// registered devices by stable identity. Address or product-key drift is
// persisted as one atomic registry write, which reloads the affected entry
// through the store's update listener; the reconciler itself never
// reconnects after a write.
//
// The Supervisor sweeps every fixed period and nudges disconnected sessions
// back online, relying on the session contract that redundant connects are
// cheap no-ops.
//
// Command dispatch is a single synchronous attempt that surfaces unknown
// devices and disconnected sessions as distinct errors instead of retrying.
package fleet
