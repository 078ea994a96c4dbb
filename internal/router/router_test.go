package router

import (
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/termgate/internal/audit"
	"github.com/gluk-w/termgate/internal/policy"
	"github.com/gluk-w/termgate/internal/protocol"
	"github.com/gluk-w/termgate/internal/security"
	"github.com/gluk-w/termgate/internal/session"
	"github.com/gluk-w/termgate/internal/validate"
)

// fakeConn records every message sent to it.
type fakeConn struct {
	mu   sync.Mutex
	msgs []protocol.ServerMessage
}

func (c *fakeConn) Send(msg protocol.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *fakeConn) all() []protocol.ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.ServerMessage, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *fakeConn) last(t *testing.T) protocol.ServerMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		t.Fatalf("no messages sent")
	}
	return c.msgs[len(c.msgs)-1]
}

type memSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *memSink) Append(e audit.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// commandEntries counts entries carrying a command, excluding lifecycle
// records like session_created.
func (s *memSink) commandEntries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.Command != "" {
			n++
		}
	}
	return n
}

// destroyOnCommandSink destroys the session the moment the validation
// pipeline audits a command for it, so the destroy lands between validation
// and the shell write.
type destroyOnCommandSink struct {
	memSink
	registry *session.Registry
	once     sync.Once
}

func (s *destroyOnCommandSink) Append(e audit.Entry) {
	if e.Command != "" {
		s.once.Do(func() { s.registry.Destroy(e.SessionID) })
	}
	s.memSink.Append(e)
}

func newTestRouter(t *testing.T) (*Router, *memSink) {
	t.Helper()
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skipf("/bin/bash not available: %v", err)
	}

	pol := policy.Default()
	guard := security.NewGuard(pol.RateLimit, pol.Ban)
	sink := &memSink{}
	pipeline := validate.NewPipeline(pol, guard, sink)

	r := New(pipeline, sink)
	cfg := session.DefaultConfig()
	cfg.DestroyGrace = 50 * time.Millisecond
	registry := session.NewRegistry(cfg, r, sink)
	r.SetRegistry(registry)
	t.Cleanup(registry.CloseAll)
	return r, sink
}

func send(t *testing.T, r *Router, clientID string, conn Conn, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	r.HandleMessage(clientID, conn, raw)
}

func createSession(t *testing.T, r *Router, clientID string, conn *fakeConn) string {
	t.Helper()
	send(t, r, clientID, conn, map[string]string{
		"type":          "create-session",
		"workspaceRoot": t.TempDir(),
		"shellKind":     "posix-shell",
		"correlationId": "create-1",
	})
	created, ok := conn.last(t).(protocol.SessionCreated)
	if !ok {
		t.Fatalf("expected SessionCreated, got %#v", conn.last(t))
	}
	return created.SessionID
}

func TestMalformedMessageAnswersError(t *testing.T) {
	r, _ := newTestRouter(t)
	conn := &fakeConn{}

	r.HandleMessage("c1", conn, []byte(`{"type":"no-such-thing"}`))

	e, ok := conn.last(t).(protocol.Error)
	if !ok || e.Code != protocol.CodeInvalidMessage {
		t.Fatalf("expected INVALID_MESSAGE error, got %#v", conn.last(t))
	}
}

func TestCreateAndExecuteAllowedCommand(t *testing.T) {
	r, sink := newTestRouter(t)
	conn := &fakeConn{}

	id := createSession(t, r, "c1", conn)

	send(t, r, "c1", conn, map[string]string{
		"type":          "execute",
		"sessionId":     id,
		"command":       "pwd",
		"correlationId": "exec-1",
	})

	var result *protocol.ExecuteResult
	for _, m := range conn.all() {
		if er, ok := m.(protocol.ExecuteResult); ok {
			result = &er
			break
		}
	}
	if result == nil {
		t.Fatalf("no ExecuteResult received")
	}
	if result.CorrelationID != "exec-1" {
		t.Errorf("result must echo the caller's correlation id, got %q", result.CorrelationID)
	}
	if result.Decision != audit.DecisionAllowed {
		t.Errorf("pwd should be allowed, got %+v", result)
	}
	if sink.count() < 2 { // session_created + the execute decision
		t.Errorf("expected audit entries for create and execute, got %d", sink.count())
	}
}

func TestExecuteBlockedCommand(t *testing.T) {
	r, _ := newTestRouter(t)
	conn := &fakeConn{}

	id := createSession(t, r, "c1", conn)

	send(t, r, "c1", conn, map[string]string{
		"type":          "execute",
		"sessionId":     id,
		"command":       "cat /etc/passwd",
		"correlationId": "exec-2",
	})

	var result *protocol.ExecuteResult
	for _, m := range conn.all() {
		if er, ok := m.(protocol.ExecuteResult); ok {
			result = &er
			break
		}
	}
	if result == nil {
		t.Fatalf("no ExecuteResult received")
	}
	if result.Decision != audit.DecisionBlocked || result.RuleID != validate.RulePathTraversal {
		t.Errorf("expected PathTraversal block, got %+v", result)
	}
}

func TestExecuteUnknownSessionStillAudited(t *testing.T) {
	r, sink := newTestRouter(t)
	conn := &fakeConn{}

	before := sink.count()
	send(t, r, "c1", conn, map[string]string{
		"type":          "execute",
		"sessionId":     "missing",
		"command":       "ls",
		"correlationId": "exec-3",
	})

	e, ok := conn.last(t).(protocol.Error)
	if !ok || e.Code != protocol.CodeSessionNotFound {
		t.Fatalf("expected SESSION_NOT_FOUND, got %#v", conn.last(t))
	}
	if e.CorrelationID != "exec-3" {
		t.Errorf("error must echo the correlation id, got %q", e.CorrelationID)
	}
	if sink.count() != before+1 {
		t.Errorf("a rejected execute must still produce exactly one audit entry")
	}
}

func TestDestroyAfterValidationAuditsExactlyOnce(t *testing.T) {
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skipf("/bin/bash not available: %v", err)
	}

	pol := policy.Default()
	guard := security.NewGuard(pol.RateLimit, pol.Ban)
	sink := &destroyOnCommandSink{}
	pipeline := validate.NewPipeline(pol, guard, sink)

	r := New(pipeline, sink)
	cfg := session.DefaultConfig()
	cfg.DestroyGrace = 50 * time.Millisecond
	registry := session.NewRegistry(cfg, r, sink)
	r.SetRegistry(registry)
	sink.registry = registry
	t.Cleanup(registry.CloseAll)

	conn := &fakeConn{}
	id := createSession(t, r, "c1", conn)

	before := sink.commandEntries()
	send(t, r, "c1", conn, map[string]string{
		"type":          "execute",
		"sessionId":     id,
		"command":       "pwd",
		"correlationId": "exec-9",
	})

	var errMsg *protocol.Error
	for _, m := range conn.all() {
		if e, ok := m.(protocol.Error); ok {
			errMsg = &e
			break
		}
	}
	if errMsg == nil || errMsg.Code != protocol.CodeSessionDestroyed {
		t.Fatalf("expected SESSION_DESTROYED error, got %#v", conn.all())
	}
	if got := sink.commandEntries() - before; got != 1 {
		t.Errorf("execute interrupted by destroy must audit exactly once, got %d entries", got)
	}
}

func TestExecuteRejectsNonOwner(t *testing.T) {
	r, _ := newTestRouter(t)
	owner := &fakeConn{}
	intruder := &fakeConn{}

	id := createSession(t, r, "c1", owner)

	send(t, r, "c2", intruder, map[string]string{
		"type":      "execute",
		"sessionId": id,
		"command":   "ls",
	})

	e, ok := intruder.last(t).(protocol.Error)
	if !ok || e.Code != protocol.CodeNotOwner {
		t.Fatalf("expected NOT_OWNER, got %#v", intruder.last(t))
	}
}

func TestAttachReplaysBufferedOutput(t *testing.T) {
	r, _ := newTestRouter(t)
	conn := &fakeConn{}

	id := createSession(t, r, "c1", conn)

	// Wait for the shell prompt to land in the pending buffer.
	deadline := time.After(5 * time.Second)
	for {
		s, err := r.registry.Get(id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if s.Output().Len() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no shell output arrived")
		case <-time.After(20 * time.Millisecond):
		}
	}

	late := &fakeConn{}
	send(t, r, "c1", late, map[string]string{
		"type":          "attach-session",
		"sessionId":     id,
		"correlationId": "att-1",
	})

	msgs := late.all()
	if len(msgs) < 2 {
		t.Fatalf("expected ack plus replayed output, got %#v", msgs)
	}
	if _, ok := msgs[0].(protocol.Ack); !ok {
		t.Errorf("first message should be the ack, got %#v", msgs[0])
	}
	if out, ok := msgs[1].(protocol.Output); !ok || len(out.Data) == 0 {
		t.Errorf("expected replayed output, got %#v", msgs[1])
	}
}

func TestAttachRejectsNonOwner(t *testing.T) {
	r, _ := newTestRouter(t)
	owner := &fakeConn{}
	intruder := &fakeConn{}

	id := createSession(t, r, "c1", owner)

	send(t, r, "c2", intruder, map[string]string{
		"type":      "attach-session",
		"sessionId": id,
	})
	e, ok := intruder.last(t).(protocol.Error)
	if !ok || e.Code != protocol.CodeNotOwner {
		t.Fatalf("expected NOT_OWNER, got %#v", intruder.last(t))
	}
}

func TestListSessions(t *testing.T) {
	r, _ := newTestRouter(t)
	conn := &fakeConn{}

	createSession(t, r, "c1", conn)
	send(t, r, "c1", conn, map[string]string{"type": "list-sessions", "correlationId": "ls-1"})

	list, ok := conn.last(t).(protocol.SessionList)
	if !ok {
		t.Fatalf("expected SessionList, got %#v", conn.last(t))
	}
	if len(list.Sessions) != 1 {
		t.Errorf("expected 1 session, got %d", len(list.Sessions))
	}

	other := &fakeConn{}
	send(t, r, "c9", other, map[string]string{"type": "list-sessions", "correlationId": "ls-2"})
	list, ok = other.last(t).(protocol.SessionList)
	if !ok || len(list.Sessions) != 0 {
		t.Fatalf("expected empty list for another client, got %#v", other.last(t))
	}
}

func TestDetachConnSuspendsSession(t *testing.T) {
	r, _ := newTestRouter(t)
	conn := &fakeConn{}

	id := createSession(t, r, "c1", conn)
	r.DetachConn(conn)

	s, err := r.registry.Get(id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.State() != session.StateSuspended {
		t.Fatalf("expected Suspended after detach, got %s", s.State())
	}
}

func TestSessionExitFansOutOnce(t *testing.T) {
	r, _ := newTestRouter(t)
	conn := &fakeConn{}

	id := createSession(t, r, "c1", conn)

	send(t, r, "c1", conn, map[string]string{
		"type":      "execute",
		"sessionId": id,
		"command":   "ls", // touch the session so the shell is warm
	})

	r.registry.Destroy(id)

	deadline := time.After(10 * time.Second)
	for {
		exits := 0
		for _, m := range conn.all() {
			if _, ok := m.(protocol.Exit); ok {
				exits++
			}
		}
		if exits == 1 {
			return
		}
		if exits > 1 {
			t.Fatalf("exit must be delivered exactly once, got %d", exits)
		}
		select {
		case <-deadline:
			t.Fatalf("no exit event delivered")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
