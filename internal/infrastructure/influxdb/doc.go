// Package influxdb provides InfluxDB connectivity for lanlink.
//
// It wraps the official influxdb-client-go v2 library with lanlink-specific
// patterns for connection management, event writing, and health monitoring.
//
// # Purpose
//
// This package records time-series fleet history:
//   - Device connection events (online/offline)
//   - Reconciliation events (address or identity drift detected)
//   - Command dispatch outcomes
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via the
// SetOnError callback. Connection and health check errors are returned
// directly. A disconnected client drops writes silently: event history is
// best-effort and must never stall fleet operations.
package influxdb
