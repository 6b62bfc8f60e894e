// Package session tracks one conversation with an agent: its lifecycle,
// the messages and tool calls folded from session/update notifications, and
// the plan, commands, mode and model the agent reports.
//
// A Session is safe for concurrent use. Update notifications are applied by
// the connection's notification worker while prompts, cancellation and mode
// changes come from the caller; both sides go through the same lock, which
// is never held across a call to the agent.
package session

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/errors"
)

// Conn is the part of a JSON-RPC connection a session needs.
type Conn interface {
	Call(ctx context.Context, method string, params, result any) error
	Notify(ctx context.Context, method string, params any) error
	// Sync waits until notifications received so far have been handled.
	Sync(ctx context.Context) error
}

// Recorder persists snapshots at turn and lifecycle boundaries.
type Recorder interface {
	Record(ctx context.Context, snap Snapshot) error
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithPromptTimeout bounds each session/prompt call. Zero means no bound
// beyond the caller's context.
func WithPromptTimeout(d time.Duration) Option {
	return func(s *Session) { s.promptTimeout = d }
}

// WithCancelGrace sets how long a cancelled prompt may stay unanswered
// before it is abandoned locally.
func WithCancelGrace(d time.Duration) Option {
	return func(s *Session) { s.cancelGrace = d }
}

func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

const (
	defaultCancelGrace = 5 * time.Second
	syncTimeout        = 5 * time.Second
	subscriberBuffer   = 64
)

type Session struct {
	conn          Conn
	logger        *slog.Logger
	recorder      Recorder
	promptTimeout time.Duration
	cancelGrace   time.Duration
	now           func() time.Time

	mu             sync.Mutex
	id             string
	cwd            string
	title          string
	state          State
	messages       []*Message
	open           *Message
	toolCalls      map[string]*ToolCall
	toolOrder      []string
	plan           *acp.Plan
	commands       []acp.AvailableCommand
	modes          []acp.SessionMode
	currentModeID  string
	models         []acp.ModelInfo
	currentModelID string
	thought        string
	echo           string
	stopReason     acp.StopReason
	lastErr        error
	inFlight       bool
	abort          context.CancelFunc
	onCancel       []func()
	subs           map[chan Event]struct{}
	createdAt      time.Time
	updatedAt      time.Time
}

// New returns an uninitialized session bound to conn. Create or Load
// brings it to life.
func New(conn Conn, opts ...Option) *Session {
	s := &Session{
		conn:        conn,
		logger:      slog.Default(),
		cancelGrace: defaultCancelGrace,
		now:         time.Now,
		toolCalls:   make(map[string]*ToolCall),
		subs:        make(map[chan Event]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.createdAt = s.now()
	s.updatedAt = s.createdAt
	return s
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error recorded by the last failed prompt or by Fail.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
	s.record()
}

// HasToolCall reports whether a tool call with this id has been announced.
func (s *Session) HasToolCall(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.toolCalls[id]
	return ok
}

// Create issues session/new and activates the session with the id the
// agent assigns. On failure the session is left errored and should be
// discarded.
func (s *Session) Create(ctx context.Context, cwd string, servers []acp.McpServer) error {
	if err := s.begin(Creating, "", cwd); err != nil {
		return err
	}
	var resp acp.NewSessionResponse
	err := s.conn.Call(ctx, acp.MethodSessionNew, acp.NewSessionRequest{Cwd: cwd, McpServers: nonNil(servers)}, &resp)
	if err == nil && resp.SessionID == "" {
		err = errors.New("agent returned an empty sessionId")
	}
	if err != nil {
		s.Fail(err)
		return errors.Wrapf(err, "create session")
	}

	s.mu.Lock()
	s.id = resp.SessionID
	s.setModes(resp.Modes, resp.Models)
	s.state = Active
	s.mu.Unlock()
	s.logger.Info("session created", "session", resp.SessionID, "cwd", cwd)
	s.changed("")
	return nil
}

// Load issues session/load for an existing id. The agent replays the
// conversation as session/update notifications, which are folded in while
// the session is loading; Load returns once they have all been applied.
func (s *Session) Load(ctx context.Context, id, cwd string, servers []acp.McpServer) error {
	if err := s.begin(Loading, id, cwd); err != nil {
		return err
	}
	var resp acp.LoadSessionResponse
	err := s.conn.Call(ctx, acp.MethodSessionLoad, acp.LoadSessionRequest{SessionID: id, Cwd: cwd, McpServers: nonNil(servers)}, &resp)
	if err != nil {
		s.Fail(err)
		return errors.Wrapf(err, "load session %s", id)
	}
	s.sync()

	s.mu.Lock()
	s.setModes(resp.Modes, resp.Models)
	s.closeOpen(s.now())
	s.state = Active
	s.mu.Unlock()
	s.logger.Info("session loaded", "session", id, "messages", len(s.Snapshot().Messages))
	s.changed("")
	return nil
}

func (s *Session) begin(state State, id, cwd string) error {
	s.mu.Lock()
	if s.state != Uninitialized {
		defer s.mu.Unlock()
		return errors.New("session already %s", s.state)
	}
	s.state = state
	s.id = id
	s.cwd = cwd
	s.mu.Unlock()
	s.publish(Event{SessionID: id, State: state})
	return nil
}

// Prompt sends one user turn and waits for the agent to finish it. The
// prompt is echoed into the message list before it is sent. A prompt that
// fails leaves the session active with the error recorded; a prompt
// cancelled with Cancel reports StopCancelled whatever the agent answers.
func (s *Session) Prompt(ctx context.Context, blocks []acp.ContentBlock) (acp.StopReason, error) {
	if len(blocks) == 0 {
		return "", errors.New("empty prompt")
	}

	s.mu.Lock()
	if s.inFlight {
		defer s.mu.Unlock()
		return "", &acp.SessionError{Kind: acp.AlreadyPrompting, SessionID: s.id}
	}
	if !s.state.ready() {
		defer s.mu.Unlock()
		return "", &acp.SessionError{Kind: acp.NotInitialized, SessionID: s.id}
	}
	id := s.id
	now := s.now()
	s.closeOpen(now)
	s.thought = ""
	s.messages = append(s.messages, &Message{
		ID:        newID(),
		Role:      RoleUser,
		Content:   slices.Clone(blocks),
		Complete:  true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	s.echo = promptText(blocks)
	s.state = Prompting
	s.inFlight = true
	s.stopReason = ""
	s.updatedAt = now

	callCtx, abort := ctx, context.CancelFunc(func() {})
	if s.promptTimeout > 0 {
		callCtx, abort = context.WithTimeout(ctx, s.promptTimeout)
	}
	callCtx, cancelCall := context.WithCancel(callCtx)
	s.abort = cancelCall
	s.mu.Unlock()
	defer abort()
	defer cancelCall()
	s.changed("")

	s.logger.Debug("sending prompt", "session", id, "blocks", len(blocks))
	var resp acp.PromptResponse
	err := s.conn.Call(callCtx, acp.MethodSessionPrompt, acp.PromptRequest{SessionID: id, Prompt: blocks}, &resp)
	// Updates the agent sent before its answer belong to this turn.
	s.sync()

	s.mu.Lock()
	s.inFlight = false
	s.abort = nil
	s.closeOpen(s.now())
	var stop acp.StopReason
	switch {
	case s.state == Errored:
		if err == nil {
			err = s.lastErr
		}
	case s.state == Cancelled:
		if err != nil {
			s.logger.Debug("cancelled prompt ended with error", "session", id, "error", err)
		}
		stop, err = acp.StopCancelled, nil
		s.stopReason = stop
	case err != nil:
		s.state = Active
		s.lastErr = err
	default:
		s.state = Active
		s.lastErr = nil
		stop = resp.StopReason
		s.stopReason = stop
	}
	s.mu.Unlock()
	s.changed("")
	if err != nil {
		return "", errors.Wrapf(err, "prompt session %s", id)
	}
	s.logger.Debug("prompt finished", "session", id, "stop_reason", stop)
	return stop, nil
}

// Cancel marks an in-flight prompt cancelled and asks the agent to stop.
// The session stays cancelled whatever the prompt call later returns. If
// the agent does not answer within the cancel grace period the call is
// abandoned. Cancel is a no-op when no prompt is running.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if !s.inFlight || s.state != Prompting {
		s.mu.Unlock()
		return nil
	}
	s.state = Cancelled
	s.closeOpen(s.now())
	id := s.id
	abort := s.abort
	hooks := slices.Clone(s.onCancel)
	s.mu.Unlock()

	s.logger.Info("cancelling prompt", "session", id)
	s.changed("")
	for _, f := range hooks {
		f()
	}
	if abort != nil && s.cancelGrace > 0 {
		time.AfterFunc(s.cancelGrace, abort)
	}
	if err := s.conn.Notify(ctx, acp.MethodSessionCancel, acp.CancelNotification{SessionID: id}); err != nil {
		return errors.Wrapf(err, "cancel session %s", id)
	}
	return nil
}

// OnCancel registers f to run whenever a prompt is cancelled, before the
// agent is notified. Pending permission requests hook in here.
func (s *Session) OnCancel(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCancel = append(s.onCancel, f)
}

// SetMode switches the agent's mode and records it once the agent agrees.
func (s *Session) SetMode(ctx context.Context, modeID string) error {
	id, err := s.readyID()
	if err != nil {
		return err
	}
	if err := s.conn.Call(ctx, acp.MethodSessionSetMode, acp.SetSessionModeRequest{SessionID: id, ModeID: modeID}, nil); err != nil {
		return errors.Wrapf(err, "set mode %s", modeID)
	}
	s.mu.Lock()
	s.currentModeID = modeID
	s.mu.Unlock()
	s.changed(acp.UpdateCurrentMode)
	return nil
}

// SetModel switches the agent's model and records it once the agent agrees.
func (s *Session) SetModel(ctx context.Context, modelID string) error {
	id, err := s.readyID()
	if err != nil {
		return err
	}
	if err := s.conn.Call(ctx, acp.MethodSessionSetModel, acp.SetSessionModelRequest{SessionID: id, ModelID: modelID}, nil); err != nil {
		return errors.Wrapf(err, "set model %s", modelID)
	}
	s.mu.Lock()
	s.currentModelID = modelID
	s.mu.Unlock()
	s.changed("")
	return nil
}

func (s *Session) readyID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.ready() && s.state != Prompting {
		return "", &acp.SessionError{Kind: acp.NotInitialized, SessionID: s.id}
	}
	return s.id, nil
}

// Fail marks the session errored, typically because the connection to the
// agent went away. Everything accumulated so far is kept.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.state == Idle || s.state == Errored {
		s.mu.Unlock()
		return
	}
	s.state = Errored
	s.lastErr = err
	s.closeOpen(s.now())
	abort := s.abort
	s.mu.Unlock()
	if abort != nil {
		abort()
	}
	s.logger.Warn("session failed", "session", s.ID(), "error", err)
	s.changed("")
}

// Close detaches the session from the caller. A running prompt is
// cancelled first.
func (s *Session) Close(ctx context.Context) error {
	err := s.Cancel(ctx)
	s.mu.Lock()
	s.state = Idle
	s.closeOpen(s.now())
	subs := s.subs
	s.subs = make(map[chan Event]struct{})
	s.mu.Unlock()
	s.record()
	for ch := range subs {
		close(ch)
	}
	return err
}

// Snapshot returns a deep copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:             s.id,
		Cwd:            s.cwd,
		Title:          s.title,
		State:          s.state,
		Messages:       make([]Message, 0, len(s.messages)),
		ToolCalls:      make([]ToolCall, 0, len(s.toolOrder)),
		Commands:       slices.Clone(s.commands),
		Modes:          slices.Clone(s.modes),
		CurrentModeID:  s.currentModeID,
		Models:         slices.Clone(s.models),
		CurrentModelID: s.currentModelID,
		PendingThought: s.thought,
		StopReason:     s.stopReason,
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
	}
	for _, m := range s.messages {
		snap.Messages = append(snap.Messages, m.clone())
	}
	for _, id := range s.toolOrder {
		snap.ToolCalls = append(snap.ToolCalls, s.toolCalls[id].clone())
	}
	if s.plan != nil {
		p := acp.Plan{Entries: slices.Clone(s.plan.Entries)}
		snap.Plan = &p
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// Subscribe returns a channel of change events and a function that ends
// the subscription. Events are dropped rather than block a slow reader.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			_, ok := s.subs[ch]
			delete(s.subs, ch)
			s.mu.Unlock()
			if ok {
				close(ch)
			}
		})
	}
}

func (s *Session) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// changed publishes the current state and records a snapshot.
func (s *Session) changed(kind acp.UpdateKind) {
	s.mu.Lock()
	ev := Event{SessionID: s.id, State: s.state, Update: kind}
	s.mu.Unlock()
	s.publish(ev)
	s.record()
}

func (s *Session) record() {
	if s.recorder == nil {
		return
	}
	snap := s.Snapshot()
	if snap.ID == "" {
		return
	}
	if err := s.recorder.Record(context.Background(), snap); err != nil {
		s.logger.Warn("could not record session", "session", snap.ID, "error", err)
	}
}

func (s *Session) sync() {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	if err := s.conn.Sync(ctx); err != nil {
		s.logger.Warn("session updates still pending", "session", s.ID(), "error", err)
	}
}

func (s *Session) setModes(modes *acp.SessionModeState, models *acp.SessionModelState) {
	if modes != nil {
		s.modes = slices.Clone(modes.AvailableModes)
		s.currentModeID = modes.CurrentModeID
	}
	if models != nil {
		s.models = slices.Clone(models.AvailableModels)
		s.currentModelID = models.CurrentModelID
	}
}

func nonNil(servers []acp.McpServer) []acp.McpServer {
	if servers == nil {
		return []acp.McpServer{}
	}
	return servers
}
