// Package acptest provides a scripted ACP agent. It speaks the agent side of
// the protocol over any transport so client code can be exercised end to end
// without a real agent binary.
//
// The agent supports initialize, authenticate, session/new, session/load
// (replaying every update it has sent for the session), session/prompt,
// session/cancel, session/set_mode and session/set_model. What happens
// during a prompt is decided by a Script, which can stream updates and call
// back into the client for files and permissions.
package acptest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/errors"
	"github.com/m4xw311/agentdeck/jsonrpc"
	"github.com/m4xw311/agentdeck/transport"
)

// Script runs one prompt turn.
type Script func(ctx context.Context, turn *Turn) (acp.StopReason, error)

// Echo answers every prompt with its own text.
func Echo(ctx context.Context, turn *Turn) (acp.StopReason, error) {
	if err := turn.Send(ctx, acp.NewAgentMessageChunk(acp.TextBlock("echo: "+turn.Text()))); err != nil {
		return "", err
	}
	return acp.StopEndTurn, nil
}

type Option func(*Agent)

func WithScript(s Script) Option {
	return func(a *Agent) { a.script = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithModes advertises session modes in session/new and session/load.
func WithModes(modes acp.SessionModeState) Option {
	return func(a *Agent) { a.modes = &modes }
}

func WithModels(models acp.SessionModelState) Option {
	return func(a *Agent) { a.models = &models }
}

// WithAuth makes session/new fail with auth_required until the client has
// authenticated with one of methods.
func WithAuth(methods ...acp.AuthMethod) Option {
	return func(a *Agent) { a.authMethods = methods }
}

// WithoutLoad stops the agent from advertising loadSession.
func WithoutLoad() Option {
	return func(a *Agent) { a.noLoad = true }
}

type agentSession struct {
	id        string
	cwd       string
	history   []acp.SessionUpdate
	modeID    string
	modelID   string
	cancel    context.CancelFunc
	prompting bool
}

// Agent is a scripted ACP agent. The zero value is not usable; call New.
type Agent struct {
	script      Script
	logger      *slog.Logger
	modes       *acp.SessionModeState
	models      *acp.SessionModelState
	authMethods []acp.AuthMethod
	noLoad      bool

	mu            sync.Mutex
	conn          *jsonrpc.Conn
	sessions      map[string]*agentSession
	seq           int
	authenticated bool
	clientCaps    acp.ClientCapabilities
	prompts       []acp.PromptRequest
	cancels       []string
}

func New(opts ...Option) *Agent {
	a := &Agent{
		script:   Echo,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		sessions: make(map[string]*agentSession),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Serve answers the client on t until it closes.
func (a *Agent) Serve(t transport.Transport) *jsonrpc.Conn {
	conn := jsonrpc.NewConn(t, jsonrpc.WithLogger(a.logger))
	conn.HandleRequest(acp.MethodInitialize, a.handleInitialize)
	conn.HandleRequest(acp.MethodAuthenticate, a.handleAuthenticate)
	conn.HandleRequest(acp.MethodSessionNew, a.handleSessionNew)
	conn.HandleRequest(acp.MethodSessionLoad, a.handleSessionLoad)
	conn.HandleRequest(acp.MethodSessionPrompt, a.handleSessionPrompt)
	conn.HandleRequest(acp.MethodSessionSetMode, a.handleSetMode)
	conn.HandleRequest(acp.MethodSessionSetModel, a.handleSetModel)
	conn.HandleNotification(acp.MethodSessionCancel, a.handleCancel)
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	return conn
}

// Pipe serves the agent over an in-memory stream pair and returns the
// client's end.
func (a *Agent) Pipe(opts ...transport.Option) transport.Transport {
	toClientR, toClientW := io.Pipe()
	toAgentR, toAgentW := io.Pipe()
	a.Serve(transport.NewStream(toAgentR, toClientW, nil))
	return transport.NewStream(toClientR, toAgentW, nil, opts...)
}

// Close hangs up on the client, as if the agent process had exited.
func (a *Agent) Close() error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Prompts returns every prompt received so far.
func (a *Agent) Prompts() []acp.PromptRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]acp.PromptRequest(nil), a.prompts...)
}

// Cancels returns the session ids of every session/cancel received.
func (a *Agent) Cancels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancels...)
}

// ClientCapabilities returns what the client advertised in initialize.
func (a *Agent) ClientCapabilities() acp.ClientCapabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clientCaps
}

// Seed registers a session with history, so session/load can replay a
// conversation the agent never saw over this connection.
func (a *Agent) Seed(id string, history ...acp.SessionUpdate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[id] = &agentSession{id: id, history: history}
}

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(params, &v); err != nil {
		return v, acp.NewInvalidParams(err.Error())
	}
	return v, nil
}

func (a *Agent) handleInitialize(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decode[acp.InitializeRequest](params)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.clientCaps = req.ClientCapabilities
	a.mu.Unlock()
	return acp.InitializeResponse{
		ProtocolVersion: acp.ProtocolVersion,
		AgentCapabilities: acp.AgentCapabilities{
			LoadSession:        !a.noLoad,
			PromptCapabilities: acp.PromptCapabilities{EmbeddedContext: true},
		},
		AuthMethods: append([]acp.AuthMethod{}, a.authMethods...),
		AgentInfo:   &acp.Implementation{Name: "acptest", Version: "0.1.0"},
	}, nil
}

func (a *Agent) handleAuthenticate(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decode[acp.AuthenticateRequest](params)
	if err != nil {
		return nil, err
	}
	for _, m := range a.authMethods {
		if m.ID == req.MethodID {
			a.mu.Lock()
			a.authenticated = true
			a.mu.Unlock()
			return struct{}{}, nil
		}
	}
	return nil, acp.NewInvalidParams(fmt.Sprintf("unknown auth method %q", req.MethodID))
}

func (a *Agent) handleSessionNew(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decode[acp.NewSessionRequest](params)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.authMethods) > 0 && !a.authenticated {
		return nil, &acp.RequestError{Code: acp.CodeAuthRequired, Message: "Authentication required"}
	}
	a.seq++
	id := fmt.Sprintf("sess_%d", a.seq)
	s := &agentSession{id: id, cwd: req.Cwd}
	if a.modes != nil {
		s.modeID = a.modes.CurrentModeID
	}
	if a.models != nil {
		s.modelID = a.models.CurrentModelID
	}
	a.sessions[id] = s
	a.logger.Debug("session created", "session", id, "cwd", req.Cwd, "mcp_servers", len(req.McpServers))
	return acp.NewSessionResponse{SessionID: id, Modes: a.modeState(s), Models: a.modelState(s)}, nil
}

func (a *Agent) handleSessionLoad(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decode[acp.LoadSessionRequest](params)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	s, ok := a.sessions[req.SessionID]
	if !ok || a.noLoad {
		a.mu.Unlock()
		return nil, acp.NewResourceNotFound(req.SessionID)
	}
	s.cwd = req.Cwd
	history := append([]acp.SessionUpdate(nil), s.history...)
	conn := a.conn
	resp := acp.LoadSessionResponse{Modes: a.modeState(s), Models: a.modelState(s)}
	a.mu.Unlock()

	// History is replayed before the response.
	for _, u := range history {
		if err := conn.Notify(ctx, acp.MethodSessionUpdate, acp.SessionNotification{SessionID: req.SessionID, Update: u}); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (a *Agent) handleSessionPrompt(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decode[acp.PromptRequest](params)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	s, ok := a.sessions[req.SessionID]
	if !ok {
		a.mu.Unlock()
		return nil, acp.NewInvalidParams("unknown sessionId")
	}
	if s.prompting {
		a.mu.Unlock()
		return nil, acp.NewInvalidParams("prompt already running")
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.prompting = true
	a.prompts = append(a.prompts, req)
	for _, b := range req.Prompt {
		s.history = append(s.history, acp.NewUserMessageChunk(b))
	}
	conn := a.conn
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		s.prompting = false
		s.cancel = nil
		a.mu.Unlock()
	}()

	turn := &Turn{SessionID: req.SessionID, Prompt: req.Prompt, agent: a, session: s, conn: conn, ctx: turnCtx}
	stop, err := a.script(turnCtx, turn)
	if turnCtx.Err() != nil && ctx.Err() == nil {
		return acp.PromptResponse{StopReason: acp.StopCancelled}, nil
	}
	if err != nil {
		return nil, err
	}
	return acp.PromptResponse{StopReason: stop}, nil
}

func (a *Agent) handleCancel(ctx context.Context, params json.RawMessage) {
	req, err := decode[acp.CancelNotification](params)
	if err != nil {
		a.logger.Warn("bad cancel notification", "error", err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels = append(a.cancels, req.SessionID)
	if s, ok := a.sessions[req.SessionID]; ok && s.cancel != nil {
		s.cancel()
	}
}

func (a *Agent) handleSetMode(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decode[acp.SetSessionModeRequest](params)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[req.SessionID]
	if !ok {
		return nil, acp.NewInvalidParams("unknown sessionId")
	}
	if a.modes != nil && !hasMode(a.modes.AvailableModes, req.ModeID) {
		return nil, acp.NewInvalidParams(fmt.Sprintf("unknown mode %q", req.ModeID))
	}
	s.modeID = req.ModeID
	return struct{}{}, nil
}

func (a *Agent) handleSetModel(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decode[acp.SetSessionModelRequest](params)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[req.SessionID]
	if !ok {
		return nil, acp.NewInvalidParams("unknown sessionId")
	}
	s.modelID = req.ModelID
	return struct{}{}, nil
}

func (a *Agent) modeState(s *agentSession) *acp.SessionModeState {
	if a.modes == nil {
		return nil
	}
	return &acp.SessionModeState{AvailableModes: a.modes.AvailableModes, CurrentModeID: s.modeID}
}

func (a *Agent) modelState(s *agentSession) *acp.SessionModelState {
	if a.models == nil {
		return nil
	}
	return &acp.SessionModelState{AvailableModels: a.models.AvailableModels, CurrentModelID: s.modelID}
}

func hasMode(modes []acp.SessionMode, id string) bool {
	for _, m := range modes {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Turn is one running prompt as seen by a Script.
type Turn struct {
	SessionID string
	Prompt    []acp.ContentBlock

	agent   *Agent
	session *agentSession
	conn    *jsonrpc.Conn
	ctx     context.Context
}

// Text joins the plain text of the prompt blocks.
func (t *Turn) Text() string {
	parts := make([]string, 0, len(t.Prompt))
	for _, b := range t.Prompt {
		if s := strings.TrimSpace(b.PlainText()); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// Cancelled is closed once the client cancels the turn.
func (t *Turn) Cancelled() <-chan struct{} { return t.ctx.Done() }

// Send streams an update to the client and remembers it for session/load.
func (t *Turn) Send(ctx context.Context, u acp.SessionUpdate) error {
	t.agent.mu.Lock()
	t.session.history = append(t.session.history, u)
	t.agent.mu.Unlock()
	return t.conn.Notify(ctx, acp.MethodSessionUpdate, acp.SessionNotification{SessionID: t.SessionID, Update: u})
}

// ReadTextFile asks the client for a file.
func (t *Turn) ReadTextFile(ctx context.Context, path string, line, limit *int) (string, error) {
	var resp acp.ReadTextFileResponse
	err := t.conn.Call(ctx, acp.MethodFsReadTextFile, acp.ReadTextFileRequest{SessionID: t.SessionID, Path: path, Line: line, Limit: limit}, &resp)
	if err != nil {
		return "", errors.Wrapf(err, "read %s", path)
	}
	return resp.Content, nil
}

// WriteTextFile asks the client to write a file.
func (t *Turn) WriteTextFile(ctx context.Context, path, content string) error {
	err := t.conn.Call(ctx, acp.MethodFsWriteTextFile, acp.WriteTextFileRequest{SessionID: t.SessionID, Path: path, Content: content}, nil)
	return errors.Wrapf(err, "write %s", path)
}

// RequestPermission asks the client to approve a tool call.
func (t *Turn) RequestPermission(ctx context.Context, call acp.ToolCallUpdate, options []acp.PermissionOption) (acp.RequestPermissionOutcome, error) {
	var resp acp.RequestPermissionResponse
	err := t.conn.Call(ctx, acp.MethodSessionRequestPermission, acp.RequestPermissionRequest{SessionID: t.SessionID, ToolCall: call, Options: options}, &resp)
	if err != nil {
		return acp.RequestPermissionOutcome{}, errors.Wrapf(err, "request permission for %s", call.ToolCallID)
	}
	return resp.Outcome, nil
}

// DefaultOptions is the usual allow/reject choice offered with a
// permission request.
func DefaultOptions() []acp.PermissionOption {
	return []acp.PermissionOption{
		{OptionID: "allow", Name: "Allow", Kind: acp.PermissionAllowOnce},
		{OptionID: "reject", Name: "Reject", Kind: acp.PermissionRejectOnce},
	}
}
