// Package session owns the live shell sessions: the PTY process adapter, the
// per-session lifecycle state machine and the registry that enforces
// workspace isolation and session ceilings. All trust decisions happen
// upstream in the validation pipeline; this package only executes what it is
// handed.
package session

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/termgate/internal/audit"
)

// EventHandler receives session output and exit events. Implementations must
// not block: the per-session drain goroutine calls Output directly, and a
// blocking handler would stall that session's stream.
type EventHandler interface {
	SessionOutput(sessionID string, data []byte)
	SessionExit(sessionID string, exitCode int, signal string)
}

// Config bounds and tunes the registry.
type Config struct {
	// MaxSessions caps live sessions system-wide.
	MaxSessions int
	// MaxSessionsPerClient caps live sessions per owning client.
	MaxSessionsPerClient int
	// IdleTimeout destroys sessions with no client activity. Zero disables
	// the idle sweep.
	IdleTimeout time.Duration
	// DestroyGrace keeps destroyed sessions visible while buffered output
	// drains to the client.
	DestroyGrace time.Duration
	// OutputBufferSize bounds each session's pending-output buffer.
	OutputBufferSize int
	// MaxCols and MaxRows clamp resize requests.
	MaxCols uint16
	MaxRows uint16
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:          32,
		MaxSessionsPerClient: 4,
		IdleTimeout:          30 * time.Minute,
		DestroyGrace:         5 * time.Second,
		OutputBufferSize:     defaultOutputBufferSize,
		MaxCols:              500,
		MaxRows:              200,
	}
}

// Registry tracks all live sessions. The session map is guarded by one
// coarse lock; mutations are rare relative to reads.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cfg     Config
	handler EventHandler
	sink    audit.Sink
	nowFn   func() time.Time

	// spawnFn starts the shell process; tests substitute a fake.
	spawnFn func(workspaceRoot string, kind ShellKind, cols, rows uint16, onData func([]byte), onExit func(int, string)) (proc, error)
}

// NewRegistry creates a registry delivering events to handler and lifecycle
// records to sink.
func NewRegistry(cfg Config, handler EventHandler, sink audit.Sink) *Registry {
	if cfg.MaxCols == 0 {
		cfg.MaxCols = 500
	}
	if cfg.MaxRows == 0 {
		cfg.MaxRows = 200
	}
	return &Registry{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		handler:  handler,
		sink:     sink,
		nowFn:    time.Now,
		spawnFn: func(root string, kind ShellKind, cols, rows uint16, onData func([]byte), onExit func(int, string)) (proc, error) {
			return StartAdapter(root, kind, cols, rows, onData, onExit)
		},
	}
}

// Create spawns a new session for the given client. It fails with
// ErrTooManySessions when a ceiling is exceeded and wraps spawn failures in
// ErrProcessSpawn; a session that fails to spawn never reaches Running.
func (r *Registry) Create(clientID, workspaceRoot string, kind ShellKind) (*Session, error) {
	if !filepath.IsAbs(workspaceRoot) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidWorkspace, workspaceRoot)
	}
	if !ValidShellKind(kind) {
		return nil, fmt.Errorf("unknown shell kind %q", kind)
	}

	now := r.nowFn()
	s := &Session{
		id:            uuid.New().String(),
		workspaceRoot: filepath.Clean(workspaceRoot),
		kind:          kind,
		owner:         clientID,
		createdAt:     now,
		output:        NewOutputBuffer(r.cfg.OutputBufferSize),
		state:         StateInitializing,
		lastActivity:  now,
	}

	// Reserve the slot under the lock so concurrent creates cannot
	// overshoot the ceilings while the shell spawns.
	r.mu.Lock()
	if r.countLiveLocked() >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: global ceiling %d reached", ErrTooManySessions, r.cfg.MaxSessions)
	}
	if n := r.countForClientLocked(clientID); n >= r.cfg.MaxSessionsPerClient {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: client ceiling %d reached", ErrTooManySessions, r.cfg.MaxSessionsPerClient)
	}
	r.sessions[s.id] = s
	r.mu.Unlock()

	id := s.id
	p, err := r.spawnFn(s.workspaceRoot, kind, 80, 24,
		func(data []byte) {
			s.output.Write(data)
			r.handler.SessionOutput(id, data)
		},
		func(code int, signal string) {
			r.handleExit(id, code, signal)
		},
	)
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, s.id)
		r.mu.Unlock()
		s.setState(StateDestroyed, r.nowFn())
		return nil, fmt.Errorf("%w: %v", ErrProcessSpawn, err)
	}

	s.mu.Lock()
	if s.state == StateDestroyed {
		// A destroy landed while the shell was spawning. The destroy saw no
		// process and scheduled removal, so kill the fresh process here or it
		// would leak with nothing tracking it.
		s.mu.Unlock()
		if err := p.Kill(); err != nil {
			log.Printf("[registry] kill session %s destroyed during spawn: %v", s.id, err)
		}
		return nil, fmt.Errorf("%w: destroyed during spawn", ErrSessionDestroyed)
	}
	s.proc = p
	s.state = StateRunning
	s.mu.Unlock()

	r.appendAudit(audit.EventSessionCreated, s, "")
	log.Printf("[registry] created session %s for client %s (workspace %s, shell %s)",
		s.id, clientID, s.workspaceRoot, kind)
	return s, nil
}

// Get returns a session by ID.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Submit serializes one command for a session: it verifies existence,
// ownership and input-accepting state, runs decide while holding the
// session's command slot, and forwards the command to the shell when decide
// reports true. Commands for the same session never run decide or reach the
// process concurrently; different sessions proceed fully in parallel.
func (r *Registry) Submit(sessionID, clientID, command string, decide func() bool) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	if s.owner != clientID {
		return ErrNotOwner
	}

	s.execMu.Lock()
	defer s.execMu.Unlock()

	if err := s.acceptsInput(); err != nil {
		return err
	}
	if !decide() {
		return nil
	}

	// Destroy wins over a pending execute: re-check after validation so a
	// command validated against a just-destroyed session is rejected before
	// it reaches the process.
	if err := s.acceptsInput(); err != nil {
		return err
	}

	s.touch(r.nowFn())
	if _, err := s.proc.Write([]byte(command + "\n")); err != nil {
		return fmt.Errorf("write to shell: %w", err)
	}
	return nil
}

// Resize is a best-effort hint: dimensions are clamped, errors are logged
// and never surfaced, and a missing session is a no-op.
func (r *Registry) Resize(sessionID string, cols, rows uint16) {
	s, err := r.Get(sessionID)
	if err != nil {
		return
	}
	if cols == 0 || rows == 0 {
		return
	}
	if cols > r.cfg.MaxCols {
		cols = r.cfg.MaxCols
	}
	if rows > r.cfg.MaxRows {
		rows = r.cfg.MaxRows
	}

	s.mu.Lock()
	p := s.proc
	alive := s.state == StateRunning || s.state == StateSuspended || s.state == StateQuarantined
	s.lastActivity = r.nowFn()
	s.mu.Unlock()

	if !alive || p == nil {
		return
	}
	if err := p.Resize(cols, rows); err != nil {
		log.Printf("[registry] resize session %s: %v", sessionID, err)
	}
}

// Destroy kills a session's process and transitions it to Destroyed. It is
// idempotent; destroying an unknown or already-destroyed session is a no-op.
// The session stays visible until the grace period elapses so buffered
// output can drain.
func (r *Registry) Destroy(sessionID string) {
	s, err := r.Get(sessionID)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.state = StateDestroyed
	s.lastActivity = r.nowFn()
	p := s.proc
	s.mu.Unlock()

	r.appendAudit(audit.EventSessionDestroyed, s, "")
	if p != nil {
		if err := p.Kill(); err != nil {
			log.Printf("[registry] kill session %s: %v", sessionID, err)
		}
	} else {
		// Spawn never completed; nothing will deliver an exit event.
		r.scheduleRemoval(sessionID)
	}
	log.Printf("[registry] destroyed session %s", sessionID)
}

// Quarantine freezes a session on an external containment decision: input is
// refused while output continues to drain. Only Running or Suspended
// sessions can be quarantined.
func (r *Registry) Quarantine(sessionID, reason string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	switch s.state {
	case StateRunning, StateSuspended:
		s.state = StateQuarantined
		s.lastActivity = r.nowFn()
	case StateQuarantined:
		s.mu.Unlock()
		return nil
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot quarantine session in state %s", state)
	}
	s.mu.Unlock()

	r.appendAudit(audit.EventSessionQuarantined, s, reason)
	log.Printf("[registry] quarantined session %s: %s", sessionID, reason)
	return nil
}

// Release returns a quarantined session to Running.
func (r *Registry) Release(sessionID string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateQuarantined {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session is not quarantined (state %s)", state)
	}
	s.state = StateRunning
	s.lastActivity = r.nowFn()
	s.mu.Unlock()

	r.appendAudit(audit.EventSessionReleased, s, "")
	log.Printf("[registry] released session %s from quarantine", sessionID)
	return nil
}

// MarkAttached notes that a transport is consuming the session's output.
func (r *Registry) MarkAttached(sessionID string) {
	r.markTransport(sessionID, StateSuspended, StateRunning)
}

// MarkDetached notes that the last transport has gone away; the session
// keeps running and buffers output for replay.
func (r *Registry) MarkDetached(sessionID string) {
	r.markTransport(sessionID, StateRunning, StateSuspended)
}

func (r *Registry) markTransport(sessionID string, from, to State) {
	s, err := r.Get(sessionID)
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.state == from {
		s.state = to
		s.lastActivity = r.nowFn()
	}
	s.mu.Unlock()
}

// List returns summaries of the sessions owned by clientID.
func (r *Registry) List(clientID string) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Info
	for _, s := range r.sessions {
		if s.owner == clientID {
			out = append(out, s.Info())
		}
	}
	return out
}

// HasSessionsFor reports whether the client owns any live session.
func (r *Registry) HasSessionsFor(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countForClientLocked(clientID) > 0
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepIdle destroys Running and Suspended sessions idle beyond the
// configured timeout. Quarantined sessions are exempt: they are held for
// manual review. Returns the number destroyed.
func (r *Registry) SweepIdle() int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := r.nowFn().Add(-r.cfg.IdleTimeout)

	r.mu.RLock()
	var idle []string
	for id, s := range r.sessions {
		state := s.State()
		if (state == StateRunning || state == StateSuspended) && s.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		log.Printf("[registry] destroying idle session %s", id)
		r.Destroy(id)
	}
	return len(idle)
}

// CloseAll destroys every session, for process shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Destroy(id)
	}
}

// handleExit records a process exit, emits the exit event and schedules
// removal after the drain grace period. Runs on the adapter's wait
// goroutine; a destroy racing with a natural exit records only one result.
func (r *Registry) handleExit(sessionID string, code int, signal string) {
	s, err := r.Get(sessionID)
	if err != nil {
		return
	}

	s.markExited(code, signal, r.nowFn())
	s.output.Close()

	r.appendAudit(audit.EventProcessExit, s, fmt.Sprintf("exit code %d signal %q", code, signal))
	r.handler.SessionExit(sessionID, code, signal)
	r.scheduleRemoval(sessionID)
	log.Printf("[registry] session %s exited (code %d, signal %q)", sessionID, code, signal)
}

// scheduleRemoval drops the session from the registry after the grace
// period, letting buffered output drain to the client first.
func (r *Registry) scheduleRemoval(sessionID string) {
	grace := r.cfg.DestroyGrace
	if grace <= 0 {
		grace = time.Millisecond
	}
	time.AfterFunc(grace, func() {
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
	})
}

// countLiveLocked counts sessions that have not been destroyed. Destroyed
// sessions lingering through the drain grace period do not hold a slot.
// Must be called with r.mu held.
func (r *Registry) countLiveLocked() int {
	n := 0
	for _, s := range r.sessions {
		if s.State() != StateDestroyed {
			n++
		}
	}
	return n
}

// countForClientLocked counts live sessions owned by clientID.
// Must be called with r.mu held.
func (r *Registry) countForClientLocked(clientID string) int {
	n := 0
	for _, s := range r.sessions {
		if s.owner == clientID && s.State() != StateDestroyed {
			n++
		}
	}
	return n
}

// appendAudit writes a lifecycle record for a session.
func (r *Registry) appendAudit(event string, s *Session, detail string) {
	if r.sink == nil {
		return
	}
	r.sink.Append(audit.Entry{
		Timestamp: r.nowFn(),
		ClientID:  s.owner,
		SessionID: s.id,
		Decision:  event,
		Reason:    detail,
	})
}

// SetNowFunc sets the clock function used for testing.
func (r *Registry) SetNowFunc(fn func() time.Time) {
	r.nowFn = fn
}
