package session

import "errors"

// Sentinel errors reported to the transport layer. Each maps 1:1 to a
// protocol error code; nothing is swallowed.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrNotOwner           = errors.New("session is owned by another client")
	ErrTooManySessions    = errors.New("session ceiling reached")
	ErrSessionDestroyed   = errors.New("session has been destroyed")
	ErrSessionQuarantined = errors.New("session is quarantined pending review")
	ErrProcessSpawn       = errors.New("shell process failed to spawn")
	ErrInvalidWorkspace   = errors.New("workspace root must be an absolute path")
)
