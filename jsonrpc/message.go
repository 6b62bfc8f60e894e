package jsonrpc

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/errors"
)

// Version is the only JSON-RPC version spoken.
const Version = "2.0"

// Message is any JSON-RPC 2.0 object: request, response or notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error member of a response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Kind is the shape of a message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	}
	return "invalid"
}

func (m *Message) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// Classify tells requests, responses and notifications apart by shape.
func (m *Message) Classify() Kind {
	switch {
	case m.hasID() && m.Method != "":
		return KindRequest
	case m.hasID() && (m.Result != nil || m.Error != nil):
		return KindResponse
	case !m.hasID() && m.Method != "":
		return KindNotification
	}
	return KindInvalid
}

// Decode parses one frame. Frames that are valid JSON but not a JSON-RPC
// object yield an UnexpectedMessageShape error.
func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &acp.ProtocolError{Kind: acp.UnexpectedMessageShape, Detail: err.Error()}
	}
	if m.Classify() == KindInvalid {
		return &m, &acp.ProtocolError{Kind: acp.UnexpectedMessageShape, Detail: "neither request, response nor notification"}
	}
	return &m, nil
}

func intID(id int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(id, 10))
}

// parseID accepts numeric ids and numeric strings.
func parseID(raw json.RawMessage) (int64, bool) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrapf(err, "encode params")
	}
	return b, nil
}

// errorObject maps a handler error onto the wire. A RequestError keeps its
// code; anything else becomes an internal error.
func errorObject(err error) *ErrorObject {
	var reqErr *acp.RequestError
	if !errors.As(err, &reqErr) {
		var sessErr *acp.SessionError
		if errors.As(err, &sessErr) {
			reqErr = acp.NewInvalidParams(sessErr.Error())
		} else {
			reqErr = acp.NewInternalError(err.Error())
		}
	}
	obj := &ErrorObject{Code: reqErr.Code, Message: reqErr.Message}
	if reqErr.Data != nil {
		if data, mErr := json.Marshal(reqErr.Data); mErr == nil {
			obj.Data = data
		}
	}
	return obj
}
