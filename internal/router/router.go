// Package router relays protocol messages between transport connections and
// the session core. It holds no session state of its own beyond output
// subscriptions; request/response pairing rides on caller-supplied
// correlation ids, never ids generated here.
package router

import (
	"errors"
	"log"
	"time"

	"github.com/gluk-w/termgate/internal/audit"
	"github.com/gluk-w/termgate/internal/protocol"
	"github.com/gluk-w/termgate/internal/session"
	"github.com/gluk-w/termgate/internal/validate"
)

// Conn is one outbound transport connection. Send must not block: transport
// implementations enqueue into a bounded per-connection buffer and drop on
// overflow so one slow client cannot stall a session's drain goroutine.
type Conn interface {
	Send(msg protocol.ServerMessage)
}

// Router dispatches decoded client messages to the registry and validation
// pipeline, and fans session output and exit events back out to subscribed
// connections.
type Router struct {
	registry *session.Registry
	pipeline *validate.Pipeline
	sink     audit.Sink

	subs *subscriptions
}

// New creates a router. Call Bind on the registry's event handler slot via
// session.NewRegistry(cfg, r, sink).
func New(pipeline *validate.Pipeline, sink audit.Sink) *Router {
	return &Router{
		pipeline: pipeline,
		sink:     sink,
		subs:     newSubscriptions(),
	}
}

// SetRegistry wires the registry after construction; the registry needs the
// router as its event handler, so the two are linked by the composition root.
func (r *Router) SetRegistry(reg *session.Registry) {
	r.registry = reg
}

// HandleMessage processes one raw inbound message from clientID's connection.
func (r *Router) HandleMessage(clientID string, conn Conn, raw []byte) {
	msg, err := protocol.DecodeClient(raw)
	if err != nil {
		conn.Send(protocol.NewError("", protocol.CodeInvalidMessage, err.Error()))
		return
	}

	switch m := msg.(type) {
	case *protocol.CreateSession:
		r.handleCreate(clientID, conn, m)
	case *protocol.Execute:
		r.handleExecute(clientID, conn, m)
	case *protocol.Resize:
		r.registry.Resize(m.SessionID, m.Cols, m.Rows)
		conn.Send(protocol.NewAck(""))
	case *protocol.DestroySession:
		r.registry.Destroy(m.SessionID)
		conn.Send(protocol.NewAck(m.CorrelationID))
	case *protocol.ListSessions:
		conn.Send(protocol.NewSessionList(m.CorrelationID, r.registry.List(clientID)))
	case *protocol.AttachSession:
		r.handleAttach(clientID, conn, m)
	}
}

func (r *Router) handleCreate(clientID string, conn Conn, m *protocol.CreateSession) {
	s, err := r.registry.Create(clientID, m.WorkspaceRoot, session.ShellKind(m.ShellKind))
	if err != nil {
		conn.Send(protocol.NewError(m.CorrelationID, createErrorCode(err), err.Error()))
		return
	}
	r.subs.add(s.ID(), conn)
	conn.Send(protocol.NewSessionCreated(m.CorrelationID, s.ID()))
}

func createErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrTooManySessions):
		return protocol.CodeTooManySessions
	case errors.Is(err, session.ErrProcessSpawn):
		return protocol.CodeSpawnFailed
	case errors.Is(err, session.ErrSessionDestroyed):
		return protocol.CodeSessionDestroyed
	case errors.Is(err, session.ErrInvalidWorkspace):
		return protocol.CodeInvalidMessage
	default:
		return protocol.CodeInvalidMessage
	}
}

func (r *Router) handleExecute(clientID string, conn Conn, m *protocol.Execute) {
	s, err := r.registry.Get(m.SessionID)
	workspaceRoot := ""
	if err == nil {
		workspaceRoot = s.WorkspaceRoot()
	}

	origin := validate.OriginHuman
	if m.Origin == string(validate.OriginAI) {
		origin = validate.OriginAI
	}

	var result validate.Result
	validated := false
	err = r.registry.Submit(m.SessionID, clientID, m.Command, func() bool {
		validated = true
		result = r.pipeline.Validate(validate.Request{
			Command:       m.Command,
			ClientID:      clientID,
			SessionID:     m.SessionID,
			WorkspaceRoot: workspaceRoot,
			Origin:        origin,
		})
		return result.Allowed
	})

	if err != nil {
		code := executeErrorCode(err)
		if !validated {
			// The command never reached the validation pipeline; record it
			// so every execute message still yields exactly one audit entry.
			// When the pipeline did run (a destroy raced in after
			// validation), its entry already exists and appending another
			// would double-audit the command.
			r.sink.Append(audit.Entry{
				Timestamp: time.Now(),
				ClientID:  clientID,
				SessionID: m.SessionID,
				Command:   m.Command,
				Decision:  audit.DecisionBlocked,
				RuleID:    code,
				Reason:    err.Error(),
			})
		}
		conn.Send(protocol.NewError(m.CorrelationID, code, err.Error()))
		return
	}

	decision := audit.DecisionAllowed
	if !result.Allowed {
		decision = audit.DecisionBlocked
	}
	conn.Send(protocol.NewExecuteResult(
		m.CorrelationID, decision, result.RuleID, result.Reason,
		result.RetryAfter.Milliseconds(),
	))
}

func executeErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return protocol.CodeSessionNotFound
	case errors.Is(err, session.ErrNotOwner):
		return protocol.CodeNotOwner
	case errors.Is(err, session.ErrSessionQuarantined):
		return protocol.CodeSessionQuarantined
	case errors.Is(err, session.ErrSessionDestroyed):
		return protocol.CodeSessionDestroyed
	default:
		return protocol.CodeInternal
	}
}

func (r *Router) handleAttach(clientID string, conn Conn, m *protocol.AttachSession) {
	s, err := r.registry.Get(m.SessionID)
	if err != nil {
		conn.Send(protocol.NewError(m.CorrelationID, protocol.CodeSessionNotFound, err.Error()))
		return
	}
	if s.Owner() != clientID {
		conn.Send(protocol.NewError(m.CorrelationID, protocol.CodeNotOwner, session.ErrNotOwner.Error()))
		return
	}

	r.subs.add(m.SessionID, conn)
	r.registry.MarkAttached(m.SessionID)
	conn.Send(protocol.NewAck(m.CorrelationID))

	// Replay buffered output produced while detached.
	if pending := s.Output().Snapshot(); len(pending) > 0 {
		conn.Send(protocol.NewOutput(m.SessionID, pending))
	}
}

// DetachConn removes a closed connection from every subscription. Sessions
// left with no subscriber are suspended; they keep running and buffer their
// output.
func (r *Router) DetachConn(conn Conn) {
	for _, sessionID := range r.subs.removeConn(conn) {
		r.registry.MarkDetached(sessionID)
		log.Printf("[router] session %s detached from transport", sessionID)
	}
}

// SessionOutput implements session.EventHandler. Runs on the session's drain
// goroutine; Conn.Send is non-blocking by contract.
func (r *Router) SessionOutput(sessionID string, data []byte) {
	for _, conn := range r.subs.get(sessionID) {
		conn.Send(protocol.NewOutput(sessionID, data))
	}
}

// SessionExit implements session.EventHandler.
func (r *Router) SessionExit(sessionID string, exitCode int, signal string) {
	conns := r.subs.get(sessionID)
	r.subs.removeSession(sessionID)
	for _, conn := range conns {
		conn.Send(protocol.NewExit(sessionID, exitCode, signal))
	}
}
