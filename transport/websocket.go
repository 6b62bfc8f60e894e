package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/errors"
)

// WebSocket carries one JSON-RPC frame per text message. It reaches agents
// exposed through the ws_bridge command.
type WebSocket struct {
	*pump
	conn      *websocket.Conn
	writeLock sync.Mutex
}

// DialWebSocket connects to a bridged agent at url.
func DialWebSocket(ctx context.Context, url string, header http.Header, opts ...Option) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, errors.Wrapf(err, "dial agent bridge %s", url)
	}
	return NewWebSocket(conn, opts...), nil
}

// NewWebSocket wraps an established connection and starts reading it.
func NewWebSocket(conn *websocket.Conn, opts ...Option) *WebSocket {
	ws := &WebSocket{pump: newPump(opts), conn: conn}
	go ws.readLoop()
	return ws
}

func (ws *WebSocket) readLoop() {
	defer close(ws.in)
	for {
		kind, data, err := ws.conn.ReadMessage()
		if err != nil {
			ws.terminate(closeError(err))
			return
		}
		if kind != websocket.TextMessage {
			ws.logger.Warn("dropping non-text websocket message", "type", kind, "error", acp.ErrMalformedFrame)
			continue
		}
		// Bridges may batch several lines into one message.
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			ws.deliver(line)
		}
	}
}

func closeError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &acp.TransportError{Kind: acp.ProcessExited, ExitCode: ce.Code, Err: err}
	}
	return &acp.TransportError{Kind: acp.BrokenPipe, Err: err}
}

func (ws *WebSocket) Send(ctx context.Context, msg json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ws.closed() {
		return ws.brokenPipe()
	}
	data, err := ws.encode(msg)
	if err != nil {
		return err
	}
	ws.writeLock.Lock()
	defer ws.writeLock.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.conn.SetWriteDeadline(deadline)
		defer ws.conn.SetWriteDeadline(time.Time{})
	}
	if err := ws.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		terr := &acp.TransportError{Kind: acp.BrokenPipe, Err: err}
		ws.terminate(terr)
		return terr
	}
	return nil
}

func (ws *WebSocket) Close() error {
	ws.terminate(&acp.TransportError{Kind: acp.BrokenPipe, Err: errClosedLocally})
	ws.writeLock.Lock()
	_ = ws.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	ws.writeLock.Unlock()
	return ws.conn.Close()
}
