// Package client owns one connection to an agent. It performs the
// initialize handshake, creates and loads sessions, routes session/update
// notifications to them by session id, and answers the requests the agent
// makes back to the client: file reads and writes and permission prompts.
package client

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/errors"
	"github.com/m4xw311/agentdeck/jsonrpc"
	"github.com/m4xw311/agentdeck/session"
)

// FileSystem serves fs/read_text_file and fs/write_text_file. Paths come
// from the agent untouched; cwd is the working directory of the session
// that asked. Errors matching fs.ErrNotExist and fs.ErrPermission are
// reported to the agent as resource-not-found and permission-denied.
type FileSystem interface {
	ReadTextFile(ctx context.Context, cwd string, req acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error)
	WriteTextFile(ctx context.Context, cwd string, req acp.WriteTextFileRequest) error
}

// Permissions decides session/request_permission. Ask blocks until the
// user answers or ctx is done.
type Permissions interface {
	Ask(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionOutcome, error)
}

type Options struct {
	// Info identifies the client in initialize.
	Info *acp.Implementation
	// FileSystem is advertised and served when set.
	FileSystem FileSystem
	// Permissions answers permission requests. Without it every request
	// is answered cancelled.
	Permissions Permissions
	// SessionOptions apply to every session the client creates or loads.
	SessionOptions []session.Option
	Logger         *slog.Logger
}

const (
	maxParkedSessions = 8
	maxParkedUpdates  = 1024
)

// Client is the client end of an ACP connection.
type Client struct {
	conn   *jsonrpc.Conn
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	agent    *acp.InitializeResponse
	sessions map[string]*session.Session
	// Updates for ids not registered yet. session/new answers can race
	// the first notifications for the new session. parkOrder is oldest
	// first; the oldest id is evicted when a new one does not fit.
	parked    map[string][]acp.SessionUpdate
	parkOrder []string
	// Ids closed or failed to load. Their late updates are dropped.
	closed map[string]struct{}

	permMu  sync.Mutex
	permSeq int
	asks    map[string]map[int]context.CancelFunc
}

// New registers the client-side handlers on conn.
func New(conn *jsonrpc.Conn, opts Options) *Client {
	c := &Client{
		conn:     conn,
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*session.Session),
		parked:   make(map[string][]acp.SessionUpdate),
		closed:   make(map[string]struct{}),
		asks:     make(map[string]map[int]context.CancelFunc),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	conn.HandleNotification(acp.MethodSessionUpdate, c.handleUpdate)
	conn.HandleRequest(acp.MethodSessionRequestPermission, c.handlePermission)
	if opts.FileSystem != nil {
		conn.HandleRequest(acp.MethodFsReadTextFile, c.handleReadTextFile)
		conn.HandleRequest(acp.MethodFsWriteTextFile, c.handleWriteTextFile)
	}
	conn.OnClose(c.teardown)
	return c
}

// Initialize negotiates the protocol version and capabilities. It must
// succeed before sessions can be created.
func (c *Client) Initialize(ctx context.Context) (*acp.InitializeResponse, error) {
	hasFS := c.opts.FileSystem != nil
	req := acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersion,
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{ReadTextFile: hasFS, WriteTextFile: hasFS},
		},
		ClientInfo: c.opts.Info,
	}
	var resp acp.InitializeResponse
	if err := c.conn.Call(ctx, acp.MethodInitialize, req, &resp); err != nil {
		return nil, errors.Wrapf(err, "initialize")
	}
	if resp.ProtocolVersion != acp.ProtocolVersion {
		return nil, errors.New("agent speaks protocol version %d, want %d", resp.ProtocolVersion, acp.ProtocolVersion)
	}
	c.mu.Lock()
	c.agent = &resp
	c.mu.Unlock()
	name := ""
	if resp.AgentInfo != nil {
		name = resp.AgentInfo.Name
	}
	c.logger.Info("agent initialized", "agent", name, "load_session", resp.AgentCapabilities.LoadSession, "auth_methods", len(resp.AuthMethods))
	return &resp, nil
}

// Agent returns the initialize response, or nil before Initialize.
func (c *Client) Agent() *acp.InitializeResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent
}

// Authenticate runs one of the auth methods the agent advertised.
func (c *Client) Authenticate(ctx context.Context, methodID string) error {
	if _, err := c.initialized(); err != nil {
		return err
	}
	if err := c.conn.Call(ctx, acp.MethodAuthenticate, acp.AuthenticateRequest{MethodID: methodID}, nil); err != nil {
		return errors.Wrapf(err, "authenticate with %s", methodID)
	}
	return nil
}

// NewSession creates a session rooted at cwd. Nothing is registered when
// the agent refuses.
func (c *Client) NewSession(ctx context.Context, cwd string, servers []acp.McpServer) (*session.Session, error) {
	if _, err := c.initialized(); err != nil {
		return nil, err
	}
	s := c.newSession()
	if err := s.Create(ctx, cwd, servers); err != nil {
		return nil, err
	}
	c.register(s.ID(), s)
	return s, nil
}

// LoadSession resumes a session the agent knows. The session is routable
// while it loads so the replayed history lands in it.
func (c *Client) LoadSession(ctx context.Context, id, cwd string, servers []acp.McpServer) (*session.Session, error) {
	agent, err := c.initialized()
	if err != nil {
		return nil, err
	}
	if !agent.AgentCapabilities.LoadSession {
		return nil, errors.New("agent cannot load sessions")
	}
	s := c.newSession()
	c.register(id, s)
	if err := s.Load(ctx, id, cwd, servers); err != nil {
		c.unregister(id, s)
		return nil, err
	}
	return s, nil
}

// Session looks up a registered session.
func (c *Client) Session(id string) *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

// Sessions returns every registered session ordered by id.
func (c *Client) Sessions() []*session.Session {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.sessions[id])
	}
	c.mu.Unlock()
	return out
}

// CloseSession forgets a session. A running prompt is cancelled and the
// session ends idle.
func (c *Client) CloseSession(ctx context.Context, id string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
		c.closed[id] = struct{}{}
	}
	c.mu.Unlock()
	if !ok {
		return &acp.SessionError{Kind: acp.SessionNotFound, SessionID: id}
	}
	c.cancelAsks(id)
	return s.Close(ctx)
}

// Done is closed when the connection to the agent ends.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// Close hangs up on the agent. Every session ends errored.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) initialized() (*acp.InitializeResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.agent == nil {
		return nil, &acp.SessionError{Kind: acp.NotInitialized}
	}
	return c.agent, nil
}

func (c *Client) newSession() *session.Session {
	opts := append([]session.Option{session.WithLogger(c.logger)}, c.opts.SessionOptions...)
	s := session.New(c.conn, opts...)
	s.OnCancel(func() { c.cancelAsks(s.ID()) })
	return s
}

func (c *Client) register(id string, s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[id] = s
	delete(c.closed, id)
	for _, u := range c.unpark(id) {
		s.Apply(u)
	}
}

// unregister drops a session whose load failed.
func (c *Client) unregister(id string, s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[id] == s {
		delete(c.sessions, id)
		c.closed[id] = struct{}{}
	}
	c.unpark(id)
}

// park holds u for an id that is not registered. Callers hold c.mu.
func (c *Client) park(id string, u acp.SessionUpdate) {
	parked, seen := c.parked[id]
	if len(parked) >= maxParkedUpdates {
		c.logger.Warn("dropping update for unknown session", "session", id, "update", u.Kind(), "parked", len(parked))
		return
	}
	if !seen {
		if len(c.parkOrder) >= maxParkedSessions {
			oldest := c.parkOrder[0]
			c.logger.Warn("evicting parked updates for unknown session", "session", oldest, "updates", len(c.parked[oldest]))
			c.unpark(oldest)
		}
		c.parkOrder = append(c.parkOrder, id)
	}
	c.logger.Debug("parking update for unknown session", "session", id, "update", u.Kind())
	c.parked[id] = append(parked, u)
}

// unpark removes and returns the updates parked for id. Callers hold c.mu.
func (c *Client) unpark(id string) []acp.SessionUpdate {
	parked, ok := c.parked[id]
	if !ok {
		return nil
	}
	delete(c.parked, id)
	c.parkOrder = slices.DeleteFunc(c.parkOrder, func(p string) bool { return p == id })
	return parked
}

func (c *Client) teardown(cause error) {
	err := &acp.RPCError{Kind: acp.ConnectionClosed, Err: cause}
	for _, s := range c.Sessions() {
		s.Fail(err)
	}
	c.permMu.Lock()
	for _, asks := range c.asks {
		for _, cancel := range asks {
			cancel()
		}
	}
	c.asks = make(map[string]map[int]context.CancelFunc)
	c.permMu.Unlock()
}
