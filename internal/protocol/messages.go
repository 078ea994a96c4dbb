// Package protocol defines the transport-agnostic message envelope between
// clients and the session core. Inbound messages decode into a closed set of
// typed values so the router's dispatch is exhaustive and adding a message
// type is a compile-time-checked change, not a string comparison.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/gluk-w/termgate/internal/session"
)

// Client → server message types.
const (
	TypeCreateSession  = "create-session"
	TypeExecute        = "execute"
	TypeResize         = "resize"
	TypeDestroySession = "destroy-session"
	TypeListSessions   = "list-sessions"
	TypeAttachSession  = "attach-session"
)

// Server → client message types.
const (
	TypeSessionCreated = "session-created"
	TypeExecuteResult  = "execute-result"
	TypeOutput         = "output"
	TypeExit           = "exit"
	TypeAck            = "ack"
	TypeSessionList    = "session-list"
	TypeError          = "error"
)

// Error codes carried in Error messages.
const (
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeNotOwner           = "NOT_OWNER"
	CodeTooManySessions    = "TOO_MANY_SESSIONS"
	CodeSpawnFailed        = "SPAWN_FAILED"
	CodeSessionQuarantined = "SESSION_QUARANTINED"
	CodeSessionDestroyed   = "SESSION_DESTROYED"
	CodeInternal           = "INTERNAL"
)

// ClientMessage is the sealed set of inbound messages.
type ClientMessage interface {
	clientMessage()
}

// CreateSession asks for a new shell session.
type CreateSession struct {
	WorkspaceRoot string `json:"workspaceRoot"`
	ShellKind     string `json:"shellKind"`
	CorrelationID string `json:"correlationId"`
}

// Execute submits one command for validation and execution. Origin is
// caller-asserted ("human" or "ai") and selects the deny tier only.
type Execute struct {
	SessionID     string `json:"sessionId"`
	Command       string `json:"command"`
	CorrelationID string `json:"correlationId"`
	Origin        string `json:"origin,omitempty"`
}

// Resize hints new terminal dimensions. Best effort, never answered with an
// error.
type Resize struct {
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// DestroySession tears a session down. Idempotent.
type DestroySession struct {
	SessionID     string `json:"sessionId"`
	CorrelationID string `json:"correlationId"`
}

// ListSessions asks for the caller's sessions.
type ListSessions struct {
	CorrelationID string `json:"correlationId"`
}

// AttachSession subscribes the connection to a session's output stream and
// replays the pending output buffer.
type AttachSession struct {
	SessionID     string `json:"sessionId"`
	CorrelationID string `json:"correlationId"`
}

func (CreateSession) clientMessage()  {}
func (Execute) clientMessage()        {}
func (Resize) clientMessage()         {}
func (DestroySession) clientMessage() {}
func (ListSessions) clientMessage()   {}
func (AttachSession) clientMessage()  {}

// envelope sniffs the type tag before full decoding.
type envelope struct {
	Type string `json:"type"`
}

// DecodeClient parses one inbound message. Unknown or malformed messages
// return an error; they never reach the router's dispatch.
func DecodeClient(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	decode := func(v ClientMessage) (ClientMessage, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("malformed %s message: %w", env.Type, err)
		}
		return v, nil
	}

	switch env.Type {
	case TypeCreateSession:
		return decode(&CreateSession{})
	case TypeExecute:
		return decode(&Execute{})
	case TypeResize:
		return decode(&Resize{})
	case TypeDestroySession:
		return decode(&DestroySession{})
	case TypeListSessions:
		return decode(&ListSessions{})
	case TypeAttachSession:
		return decode(&AttachSession{})
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// ServerMessage is the sealed set of outbound messages. Each carries its own
// type tag so it marshals directly onto the wire.
type ServerMessage interface {
	serverMessage()
}

// SessionCreated answers a CreateSession.
type SessionCreated struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlationId"`
	SessionID     string `json:"sessionId"`
}

// ExecuteResult answers an Execute with the validation decision. The
// correlation id is always the caller's own.
type ExecuteResult struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlationId"`
	Decision      string `json:"decision"` // "allowed" | "blocked"
	RuleID        string `json:"ruleId,omitempty"`
	Reason        string `json:"reason,omitempty"`
	RetryAfterMs  int64  `json:"retryAfterMs,omitempty"`
}

// Output carries raw shell output bytes (base64 on the wire).
type Output struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      []byte `json:"data"`
}

// Exit reports process termination, exactly once per session.
type Exit struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
	Signal    string `json:"signal,omitempty"`
}

// Ack answers Resize, DestroySession and AttachSession.
type Ack struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// SessionList answers ListSessions.
type SessionList struct {
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlationId"`
	Sessions      []session.Info `json:"sessions"`
}

// Error reports a failed request.
type Error struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlationId,omitempty"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

func (SessionCreated) serverMessage() {}
func (ExecuteResult) serverMessage()  {}
func (Output) serverMessage()         {}
func (Exit) serverMessage()           {}
func (Ack) serverMessage()            {}
func (SessionList) serverMessage()    {}
func (Error) serverMessage()          {}

// Constructors fill in the type tags so callers cannot mislabel a message.

func NewSessionCreated(correlationID, sessionID string) SessionCreated {
	return SessionCreated{Type: TypeSessionCreated, CorrelationID: correlationID, SessionID: sessionID}
}

func NewExecuteResult(correlationID, decision, ruleID, reason string, retryAfterMs int64) ExecuteResult {
	return ExecuteResult{
		Type:          TypeExecuteResult,
		CorrelationID: correlationID,
		Decision:      decision,
		RuleID:        ruleID,
		Reason:        reason,
		RetryAfterMs:  retryAfterMs,
	}
}

func NewOutput(sessionID string, data []byte) Output {
	return Output{Type: TypeOutput, SessionID: sessionID, Data: data}
}

func NewExit(sessionID string, exitCode int, signal string) Exit {
	return Exit{Type: TypeExit, SessionID: sessionID, ExitCode: exitCode, Signal: signal}
}

func NewAck(correlationID string) Ack {
	return Ack{Type: TypeAck, CorrelationID: correlationID}
}

func NewSessionList(correlationID string, sessions []session.Info) SessionList {
	if sessions == nil {
		sessions = []session.Info{}
	}
	return SessionList{Type: TypeSessionList, CorrelationID: correlationID, Sessions: sessions}
}

func NewError(correlationID, code, message string) Error {
	return Error{Type: TypeError, CorrelationID: correlationID, Code: code, Message: message}
}

// Encode marshals a server message for the wire.
func Encode(msg ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}
