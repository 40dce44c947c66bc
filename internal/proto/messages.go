// Package proto defines the wire protocol between a terminal-host client
// (control or stream role) and the daemon: NDJSON request/response framing
// on the control socket, and out-of-band events on the stream socket.
//
// Every line on the wire is exactly one JSON object terminated by '\n'.
// See codec.go for the framing and error-redaction rules.
package proto

import "encoding/json"

// ProtocolVersion is the compiled wire-protocol version. A hello whose
// protocolVersion differs is rejected with PROTOCOL_MISMATCH.
const ProtocolVersion = 1

// DaemonVersion is reported verbatim in the hello response payload.
const DaemonVersion = "1.0.0"

// Role identifies which half of a client's two-socket pair a connection
// authenticated as.
type Role string

const (
	RoleControl Role = "control"
	RoleStream  Role = "stream"
)

// Request type constants (§4.5).
const (
	TypeHello           = "hello"
	TypeCreateOrAttach  = "createOrAttach"
	TypeWrite           = "write"
	TypeResize          = "resize"
	TypeDetach          = "detach"
	TypeKill            = "kill"
	TypeSignal          = "signal"
	TypeKillAll         = "killAll"
	TypeListSessions    = "listSessions"
	TypeClearScrollback = "clearScrollback"
	TypeShutdown        = "shutdown"
)

// Error codes surfaced at the wire (§6).
const (
	ErrProtocolMismatch     = "PROTOCOL_MISMATCH"
	ErrAuthFailed           = "AUTH_FAILED"
	ErrInvalidHello         = "INVALID_HELLO"
	ErrNotAuthenticated     = "NOT_AUTHENTICATED"
	ErrInvalidRole          = "INVALID_ROLE"
	ErrUnknownRequest       = "UNKNOWN_REQUEST"
	ErrStreamNotConnected   = "STREAM_NOT_CONNECTED"
	ErrCreateAttachFailed   = "CREATE_ATTACH_FAILED"
	ErrWriteFailed          = "WRITE_FAILED"
	ErrSessionNotFound      = "SESSION_NOT_FOUND"
	ErrSessionNotAttachable = "SESSION_NOT_ATTACHABLE"
	ErrInternal             = "INTERNAL_ERROR"
)

// Error is a wire-level error: a stable code plus a human-readable message.
// It implements the error interface so internal code can return it directly
// and have the dispatcher forward {code, message} unchanged instead of
// flattening everything to INTERNAL_ERROR.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// NewError builds a wire Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Request is a single control-socket request. Payload is deferred decoding:
// each request type unmarshals it into its own payload struct.
type Request struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is a single control-socket response, success or failure.
type Response struct {
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// OKResponse builds a successful response.
func OKResponse(id string, payload interface{}) Response {
	return Response{ID: id, OK: true, Payload: payload}
}

// ErrResponse builds a failure response from a wire Error.
func ErrResponse(id string, err *Error) Response {
	return Response{ID: id, OK: false, Error: err}
}

// Event kinds delivered on the stream socket (§6).
const (
	EventData  = "data"
	EventExit  = "exit"
	EventError = "error"
)

// Event is an asynchronous, stream-socket-only message. Type is always
// "event"; Event names which kind.
type Event struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	SessionID string      `json:"sessionId"`
	Payload   interface{} `json:"payload,omitempty"`
}

// NewEvent builds an Event envelope.
func NewEvent(sessionID, kind string, payload interface{}) Event {
	return Event{Type: "event", Event: kind, SessionID: sessionID, Payload: payload}
}

// ── Payload shapes ─────────────────────────────────────────────────────────

// HelloPayload is the handshake payload (§4.2).
type HelloPayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	Token           string `json:"token"`
	ClientID        string `json:"clientId"`
	Role            string `json:"role"`
}

// HelloResult is the hello response payload.
type HelloResult struct {
	ProtocolVersion int    `json:"protocolVersion"`
	DaemonVersion   string `json:"daemonVersion"`
	DaemonPID       int    `json:"daemonPid"`
}

// CreateOrAttachPayload requests a session be created or, if already alive
// and attachable, attached to (§4.4).
type CreateOrAttachPayload struct {
	SessionID       string            `json:"sessionId"`
	WorkspaceID     string            `json:"workspaceId,omitempty"`
	PaneID          string            `json:"paneId,omitempty"`
	TabID           string            `json:"tabId,omitempty"`
	Cols            int               `json:"cols"`
	Rows            int               `json:"rows"`
	Cwd             string            `json:"cwd,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	InitialCommands []string          `json:"initialCommands,omitempty"`
}

// CreateOrAttachResult is the createOrAttach response payload.
type CreateOrAttachResult struct {
	IsNew        bool        `json:"isNew"`
	WasRecovered bool        `json:"wasRecovered"`
	PID          int         `json:"pid"`
	Snapshot     interface{} `json:"snapshot"`
}

// SessionIDPayload covers every request that only needs a sessionId:
// detach, kill, clearScrollback.
type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

// WritePayload carries stdin bytes (as text) for a session (§4.3).
type WritePayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// ResizePayload requests a new PTY/emulator size.
type ResizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// SignalPayload forwards an OS signal by name (e.g. "SIGINT") to a session.
type SignalPayload struct {
	SessionID string `json:"sessionId"`
	Signal    string `json:"signal"`
}

// KillAllPayload requests every session be killed (§4.4).
type KillAllPayload struct {
	DeleteHistory bool `json:"deleteHistory,omitempty"`
}

// ShutdownPayload requests orderly daemon shutdown (§4.5).
type ShutdownPayload struct {
	KillAll bool `json:"killAll,omitempty"`
}

// SessionDescriptor is one entry in a listSessions response (§4.4).
type SessionDescriptor struct {
	SessionID       string `json:"sessionId"`
	WorkspaceID     string `json:"workspaceId,omitempty"`
	PaneID          string `json:"paneId,omitempty"`
	IsAlive         bool   `json:"isAlive"`
	AttachedClients int    `json:"attachedClients"`
	PID             int    `json:"pid"`
	CreatedAt       int64  `json:"createdAt"`
	LastAttachedAt  int64  `json:"lastAttachedAt"`
	Shell           string `json:"shell"`
}

// ListSessionsResult is the listSessions response payload.
type ListSessionsResult struct {
	Sessions []SessionDescriptor `json:"sessions"`
}

// DataEventPayload carries PTY output fanned out to stream sockets (§4.3).
type DataEventPayload struct {
	Data string `json:"data"`
}

// ExitEventPayload describes how a session's child process ended (§4.4).
type ExitEventPayload struct {
	Type     string `json:"type"`
	ExitCode int    `json:"exitCode"`
	Signal   *int   `json:"signal,omitempty"`
}

// ErrorEventPayload carries a session-scoped error rerouted to the stream
// socket, used for notify_ write failures (§4.5, §9).
type ErrorEventPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
