package client

import (
	"context"
	"encoding/json"
	"io/fs"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/errors"
	"github.com/m4xw311/agentdeck/session"
)

func (c *Client) handleUpdate(_ context.Context, params json.RawMessage) {
	var n acp.SessionNotification
	if err := json.Unmarshal(params, &n); err != nil {
		c.logger.Warn("dropping session/update", "error", &acp.ProtocolError{Kind: acp.UnexpectedMessageShape, Detail: err.Error()})
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[n.SessionID]; ok {
		s.Apply(n.Update)
		return
	}
	if _, gone := c.closed[n.SessionID]; gone {
		c.logger.Debug("dropping update for closed session", "session", n.SessionID, "update", n.Update.Kind())
		return
	}
	c.park(n.SessionID, n.Update)
}

func (c *Client) handleReadTextFile(ctx context.Context, params json.RawMessage) (any, error) {
	var req acp.ReadTextFileRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, acp.NewInvalidParams(err.Error())
	}
	s, err := c.target(req.SessionID, req.Path)
	if err != nil {
		return nil, err
	}
	resp, err := c.opts.FileSystem.ReadTextFile(ctx, s.Cwd(), req)
	if err != nil {
		return nil, fileError(req.Path, err)
	}
	return resp, nil
}

func (c *Client) handleWriteTextFile(ctx context.Context, params json.RawMessage) (any, error) {
	var req acp.WriteTextFileRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, acp.NewInvalidParams(err.Error())
	}
	s, err := c.target(req.SessionID, req.Path)
	if err != nil {
		return nil, err
	}
	if err := c.opts.FileSystem.WriteTextFile(ctx, s.Cwd(), req); err != nil {
		return nil, fileError(req.Path, err)
	}
	return acp.WriteTextFileResponse{}, nil
}

func (c *Client) target(sessionID, path string) (*session.Session, error) {
	if sessionID == "" {
		return nil, acp.NewInvalidParams("sessionId is required")
	}
	if path == "" {
		return nil, acp.NewInvalidParams("path is required")
	}
	s := c.Session(sessionID)
	if s == nil {
		return nil, &acp.SessionError{Kind: acp.SessionNotFound, SessionID: sessionID}
	}
	return s, nil
}

func fileError(path string, err error) error {
	var rerr *acp.RequestError
	switch {
	case errors.As(err, &rerr):
		return rerr
	case errors.Is(err, fs.ErrNotExist):
		return acp.NewResourceNotFound(path)
	case errors.Is(err, fs.ErrPermission):
		return acp.NewPermissionDenied(path)
	}
	return err
}

func (c *Client) handlePermission(ctx context.Context, params json.RawMessage) (any, error) {
	var req acp.RequestPermissionRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, acp.NewInvalidParams(err.Error())
	}
	cancelled := acp.RequestPermissionResponse{Outcome: acp.Cancelled()}

	s := c.Session(req.SessionID)
	if s == nil {
		c.logger.Warn("permission request for unknown session", "session", req.SessionID, "tool_call", req.ToolCall.ToolCallID)
		return cancelled, nil
	}
	// The tool_call announcing this request may still be queued.
	if err := c.conn.Sync(ctx); err != nil {
		c.logger.Debug("sync before permission request failed", "session", req.SessionID, "error", err)
	}
	if s.HasToolCall(req.ToolCall.ToolCallID) {
		s.Apply(acp.NewToolCallProgress(req.ToolCall))
	}
	if c.opts.Permissions == nil || s.State() != session.Prompting {
		return cancelled, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	release := c.trackAsk(req.SessionID, cancel)
	defer release()

	outcome, err := c.opts.Permissions.Ask(ctx, req)
	if err != nil || ctx.Err() != nil {
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("permission prompt failed", "session", req.SessionID, "error", err)
		}
		return cancelled, nil
	}
	return acp.RequestPermissionResponse{Outcome: outcome}, nil
}

func (c *Client) trackAsk(sessionID string, cancel context.CancelFunc) func() {
	c.permMu.Lock()
	c.permSeq++
	seq := c.permSeq
	if c.asks[sessionID] == nil {
		c.asks[sessionID] = make(map[int]context.CancelFunc)
	}
	c.asks[sessionID][seq] = cancel
	c.permMu.Unlock()

	return func() {
		c.permMu.Lock()
		delete(c.asks[sessionID], seq)
		if len(c.asks[sessionID]) == 0 {
			delete(c.asks, sessionID)
		}
		c.permMu.Unlock()
		cancel()
	}
}

// cancelAsks resolves every open permission prompt of a session as
// cancelled.
func (c *Client) cancelAsks(sessionID string) {
	c.permMu.Lock()
	asks := c.asks[sessionID]
	delete(c.asks, sessionID)
	c.permMu.Unlock()
	for _, cancel := range asks {
		cancel()
	}
}
