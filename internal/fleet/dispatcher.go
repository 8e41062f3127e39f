package fleet

import (
	"context"
	"time"
)

// SetValue routes one set-value command to the target device's session.
//
// The dispatch contract:
//   - ErrDeviceNotFound when no live session exists for the device
//   - ErrNotConnected when the session is currently disconnected
//   - otherwise the session's result is returned unchanged
//
// One synchronous attempt, no retry: command execution must not mask
// connectivity problems from the caller.
func (m *Manager) SetValue(ctx context.Context, deviceID string, index int, value any) error {
	s, ok := m.SessionFor(deviceID)
	if !ok {
		return ErrDeviceNotFound
	}
	if !s.Connected() {
		return ErrNotConnected
	}

	start := time.Now()
	err := s.SetValue(ctx, index, value)
	m.events.WriteCommandResult(deviceID, index, err == nil, time.Since(start))

	return err
}
