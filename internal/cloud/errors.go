package cloud

import "errors"

// Sentinel errors for the cloud package.
var (
	// ErrNotAuthenticated indicates an API call before a successful token
	// fetch.
	ErrNotAuthenticated = errors.New("cloud: not authenticated")

	// ErrRequestFailed indicates the cloud API rejected a request.
	ErrRequestFailed = errors.New("cloud: request failed")
)
