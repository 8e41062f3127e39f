package protocol

import "errors"

// Sentinel errors for the protocol package.
var (
	// ErrProtocol indicates a transport or framing failure talking to the
	// device. Dispatch surfaces it to callers unchanged.
	ErrProtocol = errors.New("protocol: transport failure")

	// ErrNotConnected indicates an operation on a session with no live
	// connection.
	ErrNotConnected = errors.New("protocol: session not connected")

	// ErrSessionClosed indicates the session has been closed and cannot be
	// reused.
	ErrSessionClosed = errors.New("protocol: session closed")
)
