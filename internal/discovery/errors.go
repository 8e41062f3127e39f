package discovery

import "errors"

// Sentinel errors for the discovery package.
var (
	// ErrDecode indicates a broadcast datagram that could not be decoded.
	// Discovery traffic is untrusted; callers drop these silently.
	ErrDecode = errors.New("discovery: malformed broadcast")

	// ErrClosed indicates the listener has been closed.
	ErrClosed = errors.New("discovery: listener closed")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("discovery: listener already started")
)
