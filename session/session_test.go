package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handler func(ctx context.Context, params any) (any, error)

// fakeConn answers calls from per-method handlers. Handlers may call
// Session.Apply to simulate notifications that precede a response.
type fakeConn struct {
	mu       sync.Mutex
	handlers map[string]handler
	calls    []string
	notified []any
	syncs    int
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string]handler)}
}

func (f *fakeConn) on(method string, h handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeConn) Call(ctx context.Context, method string, params, result any) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	h := f.handlers[method]
	f.mu.Unlock()
	if h == nil {
		return &acp.RPCError{Kind: acp.AgentError, Method: method, Code: acp.CodeMethodNotFound}
	}
	out, err := h(ctx, params)
	if err != nil {
		return err
	}
	if result == nil || out == nil {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

func (f *fakeConn) Notify(ctx context.Context, method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	f.notified = append(f.notified, params)
	return nil
}

func (f *fakeConn) Sync(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return nil
}

func (f *fakeConn) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.calls {
		if m == method {
			n++
		}
	}
	return n
}

func newActive(t *testing.T, f *fakeConn, opts ...Option) *Session {
	t.Helper()
	f.on(acp.MethodSessionNew, func(ctx context.Context, params any) (any, error) {
		return acp.NewSessionResponse{
			SessionID: "sess_1",
			Modes: &acp.SessionModeState{
				AvailableModes: []acp.SessionMode{{ID: "ask", Name: "Ask"}, {ID: "code", Name: "Code"}},
				CurrentModeID:  "ask",
			},
		}, nil
	})
	s := New(f, opts...)
	require.NoError(t, s.Create(context.Background(), "/work", nil))
	require.Equal(t, Active, s.State())
	return s
}

func text(s string) acp.ContentBlock { return acp.TextBlock(s) }

func toolCallStart(id string, status acp.ToolCallStatus, content ...acp.ToolCallContent) acp.SessionUpdate {
	return acp.NewToolCallStart(acp.ToolCallUpdate{
		ToolCallID: id,
		Title:      acp.Ptr("Read file"),
		Kind:       acp.Ptr(acp.ToolKindRead),
		Status:     acp.Ptr(status),
		Content:    content,
	})
}

func TestCreateRecordsIDAndModes(t *testing.T) {
	f := newFakeConn()
	s := newActive(t, f)

	snap := s.Snapshot()
	assert.Equal(t, "sess_1", snap.ID)
	assert.Equal(t, "/work", snap.Cwd)
	assert.Equal(t, "ask", snap.CurrentModeID)
	assert.Len(t, snap.Modes, 2)

	assert.Error(t, s.Create(context.Background(), "/work", nil), "a session is created once")
}

func TestCreateFailure(t *testing.T) {
	f := newFakeConn()
	f.on(acp.MethodSessionNew, func(ctx context.Context, params any) (any, error) {
		return nil, &acp.RPCError{Kind: acp.AgentError, Method: acp.MethodSessionNew, Code: acp.CodeAuthRequired}
	})
	s := New(f)
	err := s.Create(context.Background(), "/work", nil)
	assert.True(t, errors.Is(err, acp.ErrAgent))
	assert.Equal(t, Errored, s.State())
}

func TestMessageChunksCoalesce(t *testing.T) {
	s := newActive(t, newFakeConn())

	s.Apply(acp.NewAgentMessageChunk(text("A")))
	s.Apply(acp.NewAgentMessageChunk(text("B")))
	s.Apply(acp.NewAgentMessageChunk(text("C")))

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "ABC", snap.Messages[0].Text())
	assert.Equal(t, RoleAgent, snap.Messages[0].Role)
	assert.False(t, snap.Messages[0].Complete)

	s.Apply(acp.NewUserMessageChunk(text("D")))
	snap = s.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.True(t, snap.Messages[0].Complete)
	assert.Equal(t, "D", snap.Messages[1].Text())
	assert.False(t, snap.Messages[1].Complete)
}

func TestNonTextChunksKeepTheirBlocks(t *testing.T) {
	s := newActive(t, newFakeConn())

	s.Apply(acp.NewAgentMessageChunk(text("see ")))
	s.Apply(acp.NewAgentMessageChunk(acp.ResourceLinkBlock("main.go", "file:///work/main.go")))
	s.Apply(acp.NewAgentMessageChunk(text("for details")))

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.Len(t, snap.Messages[0].Content, 3)
	assert.Equal(t, acp.ContentResourceLink, snap.Messages[0].Content[1].Type())
}

func TestToolCallClosesOpenMessage(t *testing.T) {
	s := newActive(t, newFakeConn())

	s.Apply(acp.NewAgentMessageChunk(text("hello")))
	s.Apply(toolCallStart("X", acp.ToolCallStatusPending))

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].Complete)
	assert.Equal(t, []string{"X"}, snap.Messages[0].ToolCallIDs)
	require.Len(t, snap.ToolCalls, 1)

	s.Apply(acp.NewAgentMessageChunk(text("done")))
	snap = s.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "done", snap.Messages[1].Text())
}

func TestToolCallWithoutPrecedingAgentMessage(t *testing.T) {
	s := newActive(t, newFakeConn())

	s.Apply(acp.NewUserMessageChunk(text("read it")))
	s.Apply(toolCallStart("T", acp.ToolCallStatusPending))

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, RoleAgent, snap.Messages[1].Role)
	assert.Equal(t, []string{"T"}, snap.Messages[1].ToolCallIDs)
}

func TestToolCallMergePreservesAbsentFields(t *testing.T) {
	s := newActive(t, newFakeConn())

	s.Apply(toolCallStart("T", acp.ToolCallStatusPending))
	s.Apply(acp.NewToolCallProgress(acp.ToolCallUpdate{ToolCallID: "T", Status: acp.Ptr(acp.ToolCallStatusInProgress)}))
	s.Apply(acp.NewToolCallProgress(acp.ToolCallUpdate{
		ToolCallID: "T",
		Content:    []acp.ToolCallContent{acp.ToolContent(text("block"))},
	}))

	snap := s.Snapshot()
	tc, ok := snap.ToolCall("T")
	require.True(t, ok)
	assert.Equal(t, acp.ToolCallStatusInProgress, tc.Status)
	assert.Equal(t, "Read file", tc.Title)
	assert.Equal(t, acp.ToolKindRead, tc.Kind)
	require.Len(t, tc.Content, 1)
	assert.Equal(t, "block", tc.Content[0].GetContent().Content.PlainText())
}

func TestToolCallStatusNeverRegresses(t *testing.T) {
	s := newActive(t, newFakeConn())

	s.Apply(toolCallStart("T", acp.ToolCallStatusPending))
	done := acp.NewToolCallProgress(acp.ToolCallUpdate{ToolCallID: "T", Status: acp.Ptr(acp.ToolCallStatusCompleted)})
	s.Apply(done)
	s.Apply(done)
	s.Apply(acp.NewToolCallProgress(acp.ToolCallUpdate{ToolCallID: "T", Status: acp.Ptr(acp.ToolCallStatusInProgress)}))

	snap := s.Snapshot()
	tc, _ := snap.ToolCall("T")
	assert.Equal(t, acp.ToolCallStatusCompleted, tc.Status)
}

func TestToolCallReplayIsIdempotent(t *testing.T) {
	s := newActive(t, newFakeConn())

	start := toolCallStart("T", acp.ToolCallStatusInProgress, acp.ToolContent(text("output")))
	s.Apply(start)
	first := s.Snapshot()
	s.Apply(start)
	second := s.Snapshot()

	require.Len(t, second.ToolCalls, 1)
	assert.Equal(t, first.ToolCalls[0].ToolCall, second.ToolCalls[0].ToolCall)
	assert.Equal(t, first.Messages, second.Messages)
}

func TestUnapplicableUpdatesAreDropped(t *testing.T) {
	s := newActive(t, newFakeConn())
	events, stop := s.Subscribe()
	defer stop()

	s.Apply(acp.NewToolCallProgress(acp.ToolCallUpdate{ToolCallID: "ghost", Status: acp.Ptr(acp.ToolCallStatusCompleted)}))
	s.Apply(acp.NewToolCallStart(acp.ToolCallUpdate{ToolCallID: "partial", Title: acp.Ptr("no kind")}))

	var n acp.SessionNotification
	require.NoError(t, json.Unmarshal([]byte(`{"sessionId":"sess_1","update":{"sessionUpdate":"usage_update","used":1}}`), &n))
	s.Apply(n.Update)

	snap := s.Snapshot()
	assert.Empty(t, snap.ToolCalls)
	assert.Empty(t, snap.Messages)
	assert.Len(t, events, 0)
}

func TestThoughtsAccumulateSeparately(t *testing.T) {
	s := newActive(t, newFakeConn())

	s.Apply(acp.NewAgentMessageChunk(text("Let me look.")))
	s.Apply(acp.NewAgentThoughtChunk(text("The user wants ")))
	s.Apply(acp.NewAgentThoughtChunk(text("a summary.")))

	snap := s.Snapshot()
	assert.Equal(t, "The user wants a summary.", snap.PendingThought)
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].Complete, "a thought closes the open message")
	assert.Equal(t, "Let me look.", snap.Messages[0].Text())

	s.Apply(acp.NewAgentMessageChunk(text("Summary:")))
	snap = s.Snapshot()
	assert.Empty(t, snap.PendingThought)
	require.Len(t, snap.Messages, 2)
}

func TestPlanCommandsAndModeAreReplaced(t *testing.T) {
	s := newActive(t, newFakeConn())

	s.Apply(acp.NewPlanUpdate(acp.Plan{Entries: []acp.PlanEntry{
		{Content: "one", Priority: acp.PlanPriorityHigh, Status: acp.PlanEntryPending},
		{Content: "two", Priority: acp.PlanPriorityLow, Status: acp.PlanEntryPending},
	}}))
	s.Apply(acp.NewPlanUpdate(acp.Plan{Entries: []acp.PlanEntry{
		{Content: "one", Priority: acp.PlanPriorityHigh, Status: acp.PlanEntryCompleted},
	}}))
	s.Apply(acp.NewAvailableCommandsUpdate([]acp.AvailableCommand{{Name: "a"}, {Name: "b"}}))
	s.Apply(acp.NewAvailableCommandsUpdate([]acp.AvailableCommand{{Name: "c"}}))
	s.Apply(acp.NewCurrentModeUpdate("code"))

	snap := s.Snapshot()
	require.NotNil(t, snap.Plan)
	require.Len(t, snap.Plan.Entries, 1)
	assert.Equal(t, acp.PlanEntryCompleted, snap.Plan.Entries[0].Status)
	require.Len(t, snap.Commands, 1)
	assert.Equal(t, "c", snap.Commands[0].Name)
	assert.Equal(t, "code", snap.CurrentModeID)
}

func TestPromptEchoesAndRecordsStopReason(t *testing.T) {
	f := newFakeConn()
	s := newActive(t, f)
	f.on(acp.MethodSessionPrompt, func(ctx context.Context, params any) (any, error) {
		req := params.(acp.PromptRequest)
		assert.Equal(t, "sess_1", req.SessionID)
		assert.Equal(t, Prompting, s.State())
		// Some agents echo the prompt back in pieces.
		s.Apply(acp.NewUserMessageChunk(text("hel")))
		s.Apply(acp.NewUserMessageChunk(text("lo")))
		s.Apply(acp.NewAgentMessageChunk(text("hi there")))
		return acp.PromptResponse{StopReason: acp.StopEndTurn}, nil
	})

	stop, err := s.Prompt(context.Background(), []acp.ContentBlock{text("hello")})
	require.NoError(t, err)
	assert.Equal(t, acp.StopEndTurn, stop)
	assert.Equal(t, Active, s.State())

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, RoleUser, snap.Messages[0].Role)
	assert.Equal(t, "hello", snap.Messages[0].Text())
	assert.True(t, snap.Messages[0].Complete)
	assert.Equal(t, "hi there", snap.Messages[1].Text())
	assert.True(t, snap.Messages[1].Complete, "the turn closes the agent message")
	assert.Equal(t, acp.StopEndTurn, snap.StopReason)

	f.mu.Lock()
	assert.GreaterOrEqual(t, f.syncs, 1)
	f.mu.Unlock()
}

func TestPromptRejectedWhileInFlight(t *testing.T) {
	f := newFakeConn()
	s := newActive(t, f)
	release := make(chan struct{})
	entered := make(chan struct{})
	f.on(acp.MethodSessionPrompt, func(ctx context.Context, params any) (any, error) {
		close(entered)
		<-release
		return acp.PromptResponse{StopReason: acp.StopEndTurn}, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Prompt(context.Background(), []acp.ContentBlock{text("first")})
		done <- err
	}()
	<-entered

	_, err := s.Prompt(context.Background(), []acp.ContentBlock{text("second")})
	assert.True(t, errors.Is(err, acp.ErrAlreadyPrompting))
	assert.Equal(t, 1, f.count(acp.MethodSessionPrompt))

	close(release)
	require.NoError(t, <-done)
}

func TestPromptBeforeCreate(t *testing.T) {
	s := New(newFakeConn())
	_, err := s.Prompt(context.Background(), []acp.ContentBlock{text("hi")})
	assert.True(t, errors.Is(err, acp.ErrNotInitialized))
}

func TestCancelSticksWhateverThePromptReturns(t *testing.T) {
	outcomes := map[string]func() (any, error){
		"late success": func() (any, error) { return acp.PromptResponse{StopReason: acp.StopEndTurn}, nil },
		"late error": func() (any, error) {
			return nil, &acp.RPCError{Kind: acp.AgentError, Method: acp.MethodSessionPrompt, Code: acp.CodeInternalError}
		},
	}
	for name, outcome := range outcomes {
		t.Run(name, func(t *testing.T) {
			f := newFakeConn()
			s := newActive(t, f)
			release := make(chan struct{})
			entered := make(chan struct{})
			f.on(acp.MethodSessionPrompt, func(ctx context.Context, params any) (any, error) {
				close(entered)
				<-release
				return outcome()
			})
			var hookRan bool
			s.OnCancel(func() { hookRan = true })

			type result struct {
				stop acp.StopReason
				err  error
			}
			done := make(chan result, 1)
			go func() {
				stop, err := s.Prompt(context.Background(), []acp.ContentBlock{text("go")})
				done <- result{stop, err}
			}()
			<-entered

			require.NoError(t, s.Cancel(context.Background()))
			assert.Equal(t, Cancelled, s.State())
			assert.True(t, hookRan)
			assert.Equal(t, 1, f.count(acp.MethodSessionCancel))
			f.mu.Lock()
			assert.Equal(t, acp.CancelNotification{SessionID: "sess_1"}, f.notified[0])
			f.mu.Unlock()

			close(release)
			r := <-done
			require.NoError(t, r.err)
			assert.Equal(t, acp.StopCancelled, r.stop)
			assert.Equal(t, Cancelled, s.State())
		})
	}
}

func TestCancelledPromptAbandonedAfterGrace(t *testing.T) {
	f := newFakeConn()
	s := newActive(t, f, WithCancelGrace(20*time.Millisecond))
	entered := make(chan struct{})
	f.on(acp.MethodSessionPrompt, func(ctx context.Context, params any) (any, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	done := make(chan acp.StopReason, 1)
	go func() {
		stop, _ := s.Prompt(context.Background(), []acp.ContentBlock{text("go")})
		done <- stop
	}()
	<-entered
	require.NoError(t, s.Cancel(context.Background()))

	select {
	case stop := <-done:
		assert.Equal(t, acp.StopCancelled, stop)
	case <-time.After(2 * time.Second):
		t.Fatal("hung prompt was never abandoned")
	}

	// A cancelled session takes the next prompt.
	f.on(acp.MethodSessionPrompt, func(ctx context.Context, params any) (any, error) {
		return acp.PromptResponse{StopReason: acp.StopEndTurn}, nil
	})
	stop, err := s.Prompt(context.Background(), []acp.ContentBlock{text("again")})
	require.NoError(t, err)
	assert.Equal(t, acp.StopEndTurn, stop)
	assert.Equal(t, Active, s.State())
}

func TestCancelWithoutPromptIsNoop(t *testing.T) {
	f := newFakeConn()
	s := newActive(t, f)
	require.NoError(t, s.Cancel(context.Background()))
	assert.Equal(t, Active, s.State())
	assert.Zero(t, f.count(acp.MethodSessionCancel))
}

func TestFailedPromptLeavesSessionActive(t *testing.T) {
	f := newFakeConn()
	s := newActive(t, f)
	f.on(acp.MethodSessionPrompt, func(ctx context.Context, params any) (any, error) {
		s.Apply(acp.NewAgentMessageChunk(text("partial")))
		return nil, &acp.RPCError{Kind: acp.AgentError, Method: acp.MethodSessionPrompt, Code: acp.CodeInternalError, Message: "model overloaded"}
	})

	_, err := s.Prompt(context.Background(), []acp.ContentBlock{text("go")})
	assert.True(t, errors.Is(err, acp.ErrAgent))
	assert.Equal(t, Active, s.State())
	assert.Error(t, s.Err())

	snap := s.Snapshot()
	assert.Contains(t, snap.LastError, "model overloaded")
	require.Len(t, snap.Messages, 2, "partial output is kept")
	assert.Equal(t, "partial", snap.Messages[1].Text())
}

func TestPromptTimeout(t *testing.T) {
	f := newFakeConn()
	s := newActive(t, f, WithPromptTimeout(30*time.Millisecond))
	f.on(acp.MethodSessionPrompt, func(ctx context.Context, params any) (any, error) {
		<-ctx.Done()
		return nil, &acp.RPCError{Kind: acp.Timeout, Method: acp.MethodSessionPrompt, Err: ctx.Err()}
	})

	_, err := s.Prompt(context.Background(), []acp.ContentBlock{text("go")})
	assert.True(t, errors.Is(err, acp.ErrTimeout))
	assert.Equal(t, Active, s.State())
}

func TestFailKeepsPartialState(t *testing.T) {
	f := newFakeConn()
	s := newActive(t, f)
	entered := make(chan struct{})
	f.on(acp.MethodSessionPrompt, func(ctx context.Context, params any) (any, error) {
		s.Apply(acp.NewAgentMessageChunk(text("working")))
		close(entered)
		<-ctx.Done()
		return nil, &acp.RPCError{Kind: acp.ConnectionClosed, Method: acp.MethodSessionPrompt}
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Prompt(context.Background(), []acp.ContentBlock{text("go")})
		done <- err
	}()
	<-entered
	s.Fail(&acp.TransportError{Kind: acp.ProcessExited, ExitCode: 1})

	err := <-done
	assert.Error(t, err)
	assert.Equal(t, Errored, s.State())
	snap := s.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.True(t, snap.Messages[1].Complete)
	assert.Contains(t, snap.LastError, "process exited")

	_, err = s.Prompt(context.Background(), []acp.ContentBlock{text("again")})
	assert.True(t, errors.Is(err, acp.ErrNotInitialized))
}

func TestLoadReplaysHistory(t *testing.T) {
	f := newFakeConn()
	s := New(f)
	f.on(acp.MethodSessionLoad, func(ctx context.Context, params any) (any, error) {
		req := params.(acp.LoadSessionRequest)
		assert.Equal(t, "sess_old", req.SessionID)
		assert.NotNil(t, req.McpServers)
		assert.Equal(t, Loading, s.State())
		s.Apply(acp.NewUserMessageChunk(text("what is in main.go?")))
		s.Apply(acp.NewAgentMessageChunk(text("Let me read it.")))
		s.Apply(toolCallStart("read_1", acp.ToolCallStatusCompleted))
		s.Apply(acp.NewAgentMessageChunk(text("It prints hello.")))
		return acp.LoadSessionResponse{Models: &acp.SessionModelState{
			AvailableModels: []acp.ModelInfo{{ModelID: "fast", Name: "Fast"}},
			CurrentModelID:  "fast",
		}}, nil
	})

	require.NoError(t, s.Load(context.Background(), "sess_old", "/work", nil))
	assert.Equal(t, Active, s.State())

	snap := s.Snapshot()
	assert.Equal(t, "sess_old", snap.ID)
	assert.Equal(t, "fast", snap.CurrentModelID)
	require.Len(t, snap.Messages, 3)
	for _, m := range snap.Messages {
		assert.True(t, m.Complete)
	}
	assert.Equal(t, []string{"read_1"}, snap.Messages[1].ToolCallIDs)
}

func TestSetModeAndModel(t *testing.T) {
	f := newFakeConn()
	s := newActive(t, f)
	var modeReq acp.SetSessionModeRequest
	f.on(acp.MethodSessionSetMode, func(ctx context.Context, params any) (any, error) {
		modeReq = params.(acp.SetSessionModeRequest)
		return struct{}{}, nil
	})
	f.on(acp.MethodSessionSetModel, func(ctx context.Context, params any) (any, error) {
		return struct{}{}, nil
	})

	require.NoError(t, s.SetMode(context.Background(), "code"))
	assert.Equal(t, acp.SetSessionModeRequest{SessionID: "sess_1", ModeID: "code"}, modeReq)
	require.NoError(t, s.SetModel(context.Background(), "smart"))

	snap := s.Snapshot()
	assert.Equal(t, "code", snap.CurrentModeID)
	assert.Equal(t, "smart", snap.CurrentModelID)

	// The agent stays authoritative.
	s.Apply(acp.NewCurrentModeUpdate("ask"))
	assert.Equal(t, "ask", s.Snapshot().CurrentModeID)
}

func TestSetModeFailureKeepsMode(t *testing.T) {
	f := newFakeConn()
	s := newActive(t, f)
	f.on(acp.MethodSessionSetMode, func(ctx context.Context, params any) (any, error) {
		return nil, &acp.RPCError{Kind: acp.AgentError, Code: acp.CodeInvalidParams}
	})
	assert.Error(t, s.SetMode(context.Background(), "nope"))
	assert.Equal(t, "ask", s.Snapshot().CurrentModeID)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := newActive(t, newFakeConn())
	s.Apply(acp.NewAgentMessageChunk(text("one")))
	s.Apply(toolCallStart("T", acp.ToolCallStatusPending))

	snap := s.Snapshot()
	s.Apply(acp.NewAgentMessageChunk(text("two")))
	s.Apply(acp.NewToolCallProgress(acp.ToolCallUpdate{ToolCallID: "T", Content: []acp.ToolCallContent{acp.ToolContent(text("x"))}}))

	assert.Len(t, snap.Messages, 1)
	assert.Equal(t, "one", snap.Messages[0].Text())
	assert.Empty(t, snap.ToolCalls[0].Content)
}

func TestSubscribeAndClose(t *testing.T) {
	s := newActive(t, newFakeConn())
	events, stop := s.Subscribe()
	defer stop()

	s.Apply(acp.NewAgentMessageChunk(text("x")))
	select {
	case ev := <-events:
		assert.Equal(t, "sess_1", ev.SessionID)
		assert.Equal(t, acp.UpdateAgentMessageChunk, ev.Update)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, Idle, s.State())
	for range events {
	}
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) Record(ctx context.Context, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return nil
}

func (r *recorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func TestRecorderSeesFinishedTurn(t *testing.T) {
	f := newFakeConn()
	rec := &recorder{}
	s := newActive(t, f, WithRecorder(rec))
	f.on(acp.MethodSessionPrompt, func(ctx context.Context, params any) (any, error) {
		s.Apply(acp.NewAgentMessageChunk(text("answer")))
		return acp.PromptResponse{StopReason: acp.StopMaxTokens}, nil
	})

	_, err := s.Prompt(context.Background(), []acp.ContentBlock{text("question")})
	require.NoError(t, err)

	last := rec.last()
	assert.Equal(t, "sess_1", last.ID)
	assert.Equal(t, Active, last.State)
	assert.Equal(t, acp.StopMaxTokens, last.StopReason)
	require.Len(t, last.Messages, 2)
}

func TestStateText(t *testing.T) {
	for st := Uninitialized; st <= Errored; st++ {
		data, err := st.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(data))
		assert.Equal(t, st, back)
	}
	var st State
	assert.Error(t, st.UnmarshalText([]byte("sleeping")))
}
