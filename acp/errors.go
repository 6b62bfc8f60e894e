package acp

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 and ACP error codes.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeAuthRequired     = -32000
	CodeResourceNotFound = -32002
	CodePermissionDenied = -32003
)

// RequestError is a JSON-RPC error object. Handlers return it to control
// the code sent back to the agent; any other handler error is reported as
// an internal error.
type RequestError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func NewInvalidParams(detail string) *RequestError {
	return &RequestError{Code: CodeInvalidParams, Message: "Invalid params", Data: detail}
}

func NewMethodNotFound(method string) *RequestError {
	return &RequestError{Code: CodeMethodNotFound, Message: "Method not found", Data: method}
}

func NewInternalError(detail string) *RequestError {
	return &RequestError{Code: CodeInternalError, Message: "Internal error", Data: detail}
}

func NewResourceNotFound(path string) *RequestError {
	return &RequestError{Code: CodeResourceNotFound, Message: "Resource not found", Data: path}
}

func NewPermissionDenied(path string) *RequestError {
	return &RequestError{Code: CodePermissionDenied, Message: "Permission denied", Data: path}
}

// TransportErrorKind classifies failures of the byte stream to the agent.
type TransportErrorKind int

const (
	BrokenPipe TransportErrorKind = iota + 1
	ProcessExited
	MalformedFrame
)

func (k TransportErrorKind) String() string {
	switch k {
	case BrokenPipe:
		return "broken pipe"
	case ProcessExited:
		return "process exited"
	case MalformedFrame:
		return "malformed frame"
	}
	return "transport error"
}

// TransportError reports a framing or pipe failure. MalformedFrame is
// recoverable; the other kinds end the connection.
type TransportError struct {
	Kind     TransportErrorKind
	ExitCode int
	Err      error
}

func (e *TransportError) Error() string {
	msg := e.Kind.String()
	if e.Kind == ProcessExited {
		msg = fmt.Sprintf("%s with code %d", msg, e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is matches any TransportError of the same kind.
func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	return ok && t.Kind == e.Kind
}

// RPCErrorKind classifies the failure of an outgoing call.
type RPCErrorKind int

const (
	Timeout RPCErrorKind = iota + 1
	ConnectionClosed
	AgentError
)

func (k RPCErrorKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case ConnectionClosed:
		return "connection closed"
	case AgentError:
		return "agent error"
	}
	return "rpc error"
}

// RPCError is the failure of a call. AgentError wraps the error object the
// agent answered with.
type RPCError struct {
	Kind    RPCErrorKind
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
	Err     error
}

func (e *RPCError) Error() string {
	var msg string
	switch e.Kind {
	case AgentError:
		msg = fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
	default:
		msg = e.Kind.String()
	}
	if e.Method != "" {
		msg = e.Method + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RPCError) Unwrap() error { return e.Err }

// Is matches an RPCError of the same kind. A target with a non-zero Code
// also requires the codes to match.
func (e *RPCError) Is(target error) bool {
	t, ok := target.(*RPCError)
	if !ok || t.Kind != e.Kind {
		return false
	}
	return t.Code == 0 || t.Code == e.Code
}

// ProtocolErrorKind classifies messages that violate the protocol.
type ProtocolErrorKind int

const (
	UnexpectedMessageShape ProtocolErrorKind = iota + 1
	UnknownMethod
	UnrecognizedUpdateVariant
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case UnexpectedMessageShape:
		return "unexpected message shape"
	case UnknownMethod:
		return "unknown method"
	case UnrecognizedUpdateVariant:
		return "unrecognized update variant"
	}
	return "protocol error"
}

// ProtocolError is logged and the offending message dropped; it is never
// returned to a caller as a connection failure.
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Kind == e.Kind
}

// SessionErrorKind classifies calls rejected locally by a session.
type SessionErrorKind int

const (
	NotInitialized SessionErrorKind = iota + 1
	AlreadyPrompting
	SessionNotFound
)

func (k SessionErrorKind) String() string {
	switch k {
	case NotInitialized:
		return "session not initialized"
	case AlreadyPrompting:
		return "prompt already in progress"
	case SessionNotFound:
		return "session not found"
	}
	return "session error"
}

type SessionError struct {
	Kind      SessionErrorKind
	SessionID string
}

func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("session %s: %s", e.SessionID, e.Kind)
}

func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	return ok && t.Kind == e.Kind
}

// Comparison targets for errors.Is.
var (
	ErrBrokenPipe                = &TransportError{Kind: BrokenPipe}
	ErrProcessExited             = &TransportError{Kind: ProcessExited}
	ErrMalformedFrame            = &TransportError{Kind: MalformedFrame}
	ErrTimeout                   = &RPCError{Kind: Timeout}
	ErrConnectionClosed          = &RPCError{Kind: ConnectionClosed}
	ErrAgent                     = &RPCError{Kind: AgentError}
	ErrUnexpectedMessageShape    = &ProtocolError{Kind: UnexpectedMessageShape}
	ErrUnknownMethod             = &ProtocolError{Kind: UnknownMethod}
	ErrUnrecognizedUpdateVariant = &ProtocolError{Kind: UnrecognizedUpdateVariant}
	ErrNotInitialized            = &SessionError{Kind: NotInitialized}
	ErrAlreadyPrompting          = &SessionError{Kind: AlreadyPrompting}
	ErrSessionNotFound           = &SessionError{Kind: SessionNotFound}
)
