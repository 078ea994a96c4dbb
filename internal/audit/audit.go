// Package audit records every validation decision and session lifecycle event.
// The validation pipeline appends entries through a bounded, non-blocking
// Recorder so that audit-store latency can never stall the terminal path;
// entries land in a sqlite-backed Store with retention-based purging.
package audit

import "time"

// Decisions recorded per validated command.
const (
	DecisionAllowed = "allowed"
	DecisionBlocked = "blocked"
)

// Event types for non-command lifecycle records.
const (
	EventSessionCreated     = "session_created"
	EventSessionDestroyed   = "session_destroyed"
	EventSessionQuarantined = "session_quarantined"
	EventSessionReleased    = "session_released"
	EventProcessExit        = "process_exit"
)

// Entry is one immutable audit record. Every execute message produces exactly
// one Entry, appended before the command reaches the shell process.
type Entry struct {
	Timestamp time.Time
	ClientID  string
	SessionID string
	Command   string
	Decision  string
	RuleID    string
	Reason    string
}

// Sink accepts audit entries. Implementations must not block the caller
// indefinitely; the Recorder in this package wraps any Sink with a bounded
// queue and drop-oldest overflow semantics.
type Sink interface {
	Append(e Entry)
}
