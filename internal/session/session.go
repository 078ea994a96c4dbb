package session

import (
	"sync"
	"time"
)

// State is a session's lifecycle state.
type State string

const (
	// StateInitializing means the shell spawn has been requested.
	StateInitializing State = "initializing"
	// StateRunning means the shell is alive and a transport is attached.
	StateRunning State = "running"
	// StateSuspended means the shell is alive with no transport attached;
	// output accumulates in the pending buffer for replay on reattach.
	StateSuspended State = "suspended"
	// StateQuarantined means an external containment decision has frozen the
	// session: input is refused, output continues to drain, and only an
	// operator can release or destroy it.
	StateQuarantined State = "quarantined"
	// StateDestroyed is terminal; the session lingers in the registry for a
	// grace period so buffered output can drain to the client.
	StateDestroyed State = "destroyed"
)

// proc is the slice of the process adapter the registry drives. Tests
// substitute a fake.
type proc interface {
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Kill() error
	Close()
}

// Session is one shell process bound to one workspace. The workspace root
// and owning client never change after creation.
type Session struct {
	id            string
	workspaceRoot string
	kind          ShellKind
	owner         string
	createdAt     time.Time

	output *OutputBuffer

	// execMu serializes command handling: no two commands for the same
	// session run the validator or reach the process concurrently.
	execMu sync.Mutex

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	proc         proc
	exited       bool
	exitCode     int
	exitSignal   string
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// WorkspaceRoot returns the filesystem boundary for the session's commands.
func (s *Session) WorkspaceRoot() string { return s.workspaceRoot }

// Owner returns the owning client's identifier.
func (s *Session) Owner() string { return s.owner }

// Kind returns the session's shell kind.
func (s *Session) Kind() ShellKind { return s.kind }

// Output returns the session's pending-output buffer.
func (s *Session) Output() *OutputBuffer { return s.output }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last client-driven activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// setState updates the state and activity timestamp.
func (s *Session) setState(state State, now time.Time) {
	s.mu.Lock()
	s.state = state
	s.lastActivity = now
	s.mu.Unlock()
}

// touch refreshes the activity timestamp.
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// markExited records the process exit result and moves the session to
// Destroyed. Returns false if an exit was already recorded.
func (s *Session) markExited(code int, signal string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return false
	}
	s.exited = true
	s.exitCode = code
	s.exitSignal = signal
	s.state = StateDestroyed
	s.lastActivity = now
	return true
}

// acceptsInput reports whether the session's state allows command input.
func (s *Session) acceptsInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateRunning, StateSuspended:
		return nil
	case StateQuarantined:
		return ErrSessionQuarantined
	default:
		return ErrSessionDestroyed
	}
}

// Info is the externally visible session summary.
type Info struct {
	ID             string    `json:"id"`
	WorkspaceRoot  string    `json:"workspace_root"`
	ShellKind      ShellKind `json:"shell_kind"`
	State          State     `json:"state"`
	OwnerClientID  string    `json:"owner_client_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Info returns a snapshot summary of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:             s.id,
		WorkspaceRoot:  s.workspaceRoot,
		ShellKind:      s.kind,
		State:          s.state,
		OwnerClientID:  s.owner,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
	}
}
