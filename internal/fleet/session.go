package fleet

import (
	"context"
	"time"

	"github.com/nerrad567/lanlink/internal/cloud"
	"github.com/nerrad567/lanlink/internal/registry"
)

// Session is one device's control connection, owned by the Manager.
//
// The contract the fleet layer relies on:
//   - Connect returns immediately when a dial is already in flight; repeated
//     calls are safe and cheap.
//   - Close is idempotent and tolerates racing a stale Connect.
//   - SetValue fails fast when disconnected rather than queueing.
//
// Implemented by *protocol.Session.
type Session interface {
	Connect() error
	Close() error
	Connected() bool
	SetValue(ctx context.Context, index int, value any) error
}

// SessionFactory builds a Session for one device record. The manager calls
// it during activation; the session starts disconnected.
type SessionFactory func(deviceID, host string) Session

// PlatformAttacher is the presentation-layer consumer boundary.
// Implemented by *platforms.Forwarder.
type PlatformAttacher interface {
	// AttachEntities announces all entities of an entry in one batch.
	AttachEntities(entryID string, devices map[string]registry.DeviceRecord) error
	// DetachEntities withdraws all announcements made for an entry.
	DetachEntities(entryID string) error
	// RemoveDeviceEntities withdraws all announcements for one device.
	RemoveDeviceEntities(deviceID string) error
	// CleanupOrphans withdraws announcements whose device left the registry.
	CleanupOrphans(entryID string, validDevices map[string]registry.DeviceRecord) error
}

// CloudAPI is the vendor cloud boundary, used only to enrich device
// metadata. Implemented by *cloud.Client.
type CloudAPI interface {
	GetAccessToken(ctx context.Context) string
	GetDevicesList(ctx context.Context) (map[string]cloud.DeviceInfo, error)
}

// CloudFactory builds a CloudAPI for one account's credentials.
type CloudFactory func(region, clientID, clientSecret, userID string) CloudAPI

// EventRecorder receives fleet history events. Implemented by
// *influxdb.Client; a nil-safe noop is used when event storage is disabled.
type EventRecorder interface {
	WriteDeviceEvent(deviceID string, event string)
	WriteCommandResult(deviceID string, index int, ok bool, elapsed time.Duration)
	WriteFleetGauge(name string, value float64)
}

type noopRecorder struct{}

func (noopRecorder) WriteDeviceEvent(string, string)                    {}
func (noopRecorder) WriteCommandResult(string, int, bool, time.Duration) {}
func (noopRecorder) WriteFleetGauge(string, float64)                    {}

// Logger defines the logging interface used by the fleet package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
