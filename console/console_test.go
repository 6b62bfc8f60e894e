package console

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/acptest"
	"github.com/m4xw311/agentdeck/client"
	"github.com/m4xw311/agentdeck/jsonrpc"
	"github.com/m4xw311/agentdeck/permission"
	"github.com/m4xw311/agentdeck/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func newSession(t *testing.T, agent *acptest.Agent, opts client.Options) *session.Session {
	t.Helper()
	c := client.New(jsonrpc.NewConn(agent.Pipe()), opts)
	t.Cleanup(func() {
		c.Close()
		agent.Close()
	})
	ctx := context.Background()
	_, err := c.Initialize(ctx)
	require.NoError(t, err)
	s, err := c.NewSession(ctx, "/work", nil)
	require.NoError(t, err)
	return s
}

// run starts the console in the background and returns its result channel.
func run(c *Console, initial string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), initial) }()
	return done
}

func wait(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("console did not stop")
	}
}

func TestRunInitialPrompt(t *testing.T) {
	s := newSession(t, acptest.New(), client.Options{})
	out := &syncBuffer{}
	c := New(s, Options{In: strings.NewReader(""), Out: out})

	wait(t, run(c, "hello"))
	assert.Contains(t, out.String(), "You: hello\n")
	assert.Contains(t, out.String(), "Agent: echo: hello\n")
}

func TestRunQueuesPipedPrompts(t *testing.T) {
	agent := acptest.New()
	s := newSession(t, agent, client.Options{})
	out := &syncBuffer{}
	c := New(s, Options{In: strings.NewReader("first\nsecond\n"), Out: out})

	wait(t, run(c, ""))
	require.Len(t, agent.Prompts(), 2)
	assert.Contains(t, out.String(), "Agent: echo: first\n")
	assert.Contains(t, out.String(), "Agent: echo: second\n")
	assert.Len(t, s.Snapshot().Messages, 4)
}

func TestModeCommand(t *testing.T) {
	agent := acptest.New(acptest.WithModes(acp.SessionModeState{
		CurrentModeID: "ask",
		AvailableModes: []acp.SessionMode{
			{ID: "ask", Name: "Ask"},
			{ID: "code", Name: "Code"},
		},
	}))
	s := newSession(t, agent, client.Options{})
	out := &syncBuffer{}
	c := New(s, Options{In: strings.NewReader("/mode code\n/mode\n/model\n/bogus\n/quit\n"), Out: out})

	wait(t, run(c, ""))
	assert.Equal(t, "code", s.Snapshot().CurrentModeID)
	assert.Contains(t, out.String(), "* code\tCode\n")
	assert.Contains(t, out.String(), "  ask\tAsk\n")
	assert.Contains(t, out.String(), "The agent has no models to choose from.")
	assert.Contains(t, out.String(), "Unknown command /bogus.")
	assert.Empty(t, agent.Prompts())
}

func TestPermissionIsAnsweredFromInput(t *testing.T) {
	agent := acptest.New(acptest.WithScript(func(ctx context.Context, turn *acptest.Turn) (acp.StopReason, error) {
		call := acp.ToolCallUpdate{ToolCallID: "call_1", Title: acp.Ptr("Run tests"), Kind: acp.Ptr(acp.ToolKindExecute), Status: acp.Ptr(acp.ToolCallStatusPending)}
		if err := turn.Send(ctx, acp.NewToolCallStart(call)); err != nil {
			return "", err
		}
		outcome, err := turn.RequestPermission(ctx, call, acptest.DefaultOptions())
		if err != nil {
			return "", err
		}
		answer := "rejected"
		if outcome.IsSelected() && outcome.OptionID() == "allow" {
			answer = "allowed"
		}
		return acp.StopEndTurn, turn.Send(ctx, acp.NewAgentMessageChunk(acp.TextBlock(answer)))
	}))
	out := &syncBuffer{}
	prompter := permission.NewPrompter(out)
	s := newSession(t, agent, client.Options{Permissions: prompter})

	in, w := io.Pipe()
	c := New(s, Options{In: in, Out: out, Prompter: prompter})
	done := run(c, "")

	_, err := io.WriteString(w, "run the tests\n")
	require.NoError(t, err)
	require.Eventually(t, prompter.Waiting, 5*time.Second, 10*time.Millisecond)
	_, err = io.WriteString(w, "1\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Agent: allowed") }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Close())
	wait(t, done)

	assert.Contains(t, out.String(), "Agent wants to run `Run tests` (execute)")
	assert.Contains(t, out.String(), "[pending] Run tests (execute)")
}

func blockingAgent() *acptest.Agent {
	return acptest.New(acptest.WithScript(func(ctx context.Context, turn *acptest.Turn) (acp.StopReason, error) {
		<-turn.Cancelled()
		return acp.StopCancelled, nil
	}))
}

func TestCancelCommand(t *testing.T) {
	agent := blockingAgent()
	s := newSession(t, agent, client.Options{})
	out := &syncBuffer{}
	in, w := io.Pipe()
	c := New(s, Options{In: in, Out: out})
	done := run(c, "")

	_, err := io.WriteString(w, "take your time\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(agent.Prompts()) == 1 }, 5*time.Second, 10*time.Millisecond)
	_, err = io.WriteString(w, "/cancel\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "(stopped: cancelled)") }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Close())
	wait(t, done)
	assert.Equal(t, session.Cancelled, s.State())
}

func TestInterrupt(t *testing.T) {
	agent := blockingAgent()
	s := newSession(t, agent, client.Options{})
	out := &syncBuffer{}
	in, w := io.Pipe()
	defer w.Close()
	sigs := make(chan os.Signal, 1)
	c := New(s, Options{In: in, Out: out, Interrupts: sigs})
	done := run(c, "long job")

	require.Eventually(t, func() bool { return len(agent.Prompts()) == 1 }, 5*time.Second, 10*time.Millisecond)
	sigs <- os.Interrupt
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "(stopped: cancelled)") }, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(agent.Cancels()) == 1 }, 5*time.Second, 10*time.Millisecond)

	sigs <- os.Interrupt
	wait(t, done)
}

func TestRenderer(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, ToolVerbosityAll, true)
	snap := session.Snapshot{PendingThought: "look at "}
	r.render(snap)
	snap.PendingThought = "look at the logs"
	r.render(snap)

	snap.PendingThought = ""
	snap.Messages = []session.Message{
		{ID: "u1", Role: session.RoleUser, Content: []acp.ContentBlock{acp.TextBlock("why?")}, Complete: true},
		{ID: "a1", Role: session.RoleAgent, Content: []acp.ContentBlock{acp.TextBlock("Because")}},
	}
	r.render(snap)
	snap.Messages[1].Content = []acp.ContentBlock{acp.TextBlock("Because of a race.")}
	snap.Messages[1].Complete = true
	snap.Messages[1].ToolCallIDs = []string{"call_1"}
	line := int64(12)
	snap.ToolCalls = []session.ToolCall{{ToolCall: acp.ToolCall{
		ToolCallID: "call_1",
		Title:      "Read conn.go",
		Kind:       acp.ToolKindRead,
		Status:     acp.ToolCallStatusCompleted,
		Content:    []acp.ToolCallContent{acp.ToolContent(acp.TextBlock("package jsonrpc"))},
		Locations:  []acp.ToolCallLocation{{Path: "jsonrpc/conn.go", Line: &line}},
	}}}
	snap.Plan = &acp.Plan{Entries: []acp.PlanEntry{
		{Content: "add a barrier", Status: acp.PlanEntryCompleted},
		{Content: "rerun", Status: acp.PlanEntryPending},
	}}
	snap.CurrentModeID = "code"
	r.render(snap)
	r.render(snap)

	want := "Thinking: look at the logs\n" +
		"Agent: Because of a race.\n" +
		"[completed] Read conn.go (read)\n" +
		"    jsonrpc/conn.go:12\n" +
		"Tool `Read conn.go` output: package jsonrpc\n" +
		"Plan:\n" +
		"  [x] add a barrier\n" +
		"  [ ] rerun\n" +
		"Mode: code\n"
	assert.Equal(t, want, buf.String())
}

func TestRendererSkipsMarkedHistory(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, ToolVerbosityInfo, false)
	snap := session.Snapshot{Messages: []session.Message{
		{ID: "a1", Role: session.RoleAgent, Content: []acp.ContentBlock{acp.TextBlock("old answer")}, Complete: true},
	}}
	r.mark(snap)
	snap.PendingThought = "hidden"
	snap.Messages = append(snap.Messages, session.Message{ID: "a2", Role: session.RoleAgent, Content: []acp.ContentBlock{acp.TextBlock("new")}})
	r.render(snap)
	assert.Equal(t, "Agent: new", buf.String())
}

func TestTranscript(t *testing.T) {
	snap := session.Snapshot{
		Messages: []session.Message{
			{ID: "u1", Role: session.RoleUser, Content: []acp.ContentBlock{acp.TextBlock("hi")}},
			{ID: "a1", Role: session.RoleAgent, Content: []acp.ContentBlock{acp.TextBlock("hello")}, ToolCallIDs: []string{"call_1", "call_gone"}},
		},
		ToolCalls: []session.ToolCall{{ToolCall: acp.ToolCall{ToolCallID: "call_1", Kind: acp.ToolKindSearch, Status: acp.ToolCallStatusFailed}}},
	}
	var buf bytes.Buffer
	Transcript(&buf, snap, ToolVerbosityInfo)
	assert.Equal(t, "You: hi\nAgent: hello\n[failed] call_1 (search)\n", buf.String())

	buf.Reset()
	Transcript(&buf, snap, ToolVerbosityNone)
	assert.Equal(t, "You: hi\nAgent: hello\n", buf.String())
}

func TestParseToolVerbosity(t *testing.T) {
	v, ok := ParseToolVerbosity("")
	assert.True(t, ok)
	assert.Equal(t, ToolVerbosityInfo, v)
	v, ok = ParseToolVerbosity("all")
	assert.True(t, ok)
	assert.Equal(t, ToolVerbosityAll, v)
	_, ok = ParseToolVerbosity("loud")
	assert.False(t, ok)
}
