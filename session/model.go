package session

import (
	"slices"
	"strings"
	"time"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/errors"
)

// State is the lifecycle position of a session.
type State int

const (
	Uninitialized State = iota
	Creating
	Loading
	Active
	Prompting
	Idle
	Cancelled
	Errored
)

var stateNames = []string{"uninitialized", "creating", "loading", "active", "prompting", "idle", "cancelled", "errored"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	i := slices.Index(stateNames, string(text))
	if i < 0 {
		return errors.New("unknown session state %q", text)
	}
	*s = State(i)
	return nil
}

// ready reports whether the session can take prompts and mode changes.
func (s State) ready() bool {
	return s == Active || s == Cancelled
}

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one turn of the conversation. Text chunks streamed for an
// open message are coalesced into its last text block.
type Message struct {
	ID          string             `json:"id"`
	Role        Role               `json:"role"`
	Content     []acp.ContentBlock `json:"content"`
	ToolCallIDs []string           `json:"toolCallIds,omitempty"`
	Complete    bool               `json:"complete"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// Text concatenates the plain text of every content block.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, c := range m.Content {
		sb.WriteString(c.PlainText())
	}
	return sb.String()
}

func (m *Message) append(block acp.ContentBlock, now time.Time) {
	m.UpdatedAt = now
	if n := len(m.Content); n > 0 && block.IsText() && m.Content[n-1].IsText() {
		m.Content[n-1] = acp.TextBlock(m.Content[n-1].GetText().Text + block.GetText().Text)
		return
	}
	m.Content = append(m.Content, block)
}

func (m Message) clone() Message {
	m.Content = slices.Clone(m.Content)
	m.ToolCallIDs = slices.Clone(m.ToolCallIDs)
	return m
}

// ToolCall is a tracked tool call with the times it was first and last
// touched.
type ToolCall struct {
	acp.ToolCall
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (tc ToolCall) clone() ToolCall {
	tc.Content = slices.Clone(tc.Content)
	tc.Locations = slices.Clone(tc.Locations)
	return tc
}

// Snapshot is a point-in-time copy of a session, safe to hand to renderers
// and persistence.
type Snapshot struct {
	ID             string                 `json:"id"`
	Cwd            string                 `json:"cwd"`
	Title          string                 `json:"title,omitempty"`
	State          State                  `json:"state"`
	Messages       []Message              `json:"messages"`
	ToolCalls      []ToolCall             `json:"toolCalls"`
	Plan           *acp.Plan              `json:"plan,omitempty"`
	Commands       []acp.AvailableCommand `json:"availableCommands,omitempty"`
	Modes          []acp.SessionMode      `json:"modes,omitempty"`
	CurrentModeID  string                 `json:"currentModeId,omitempty"`
	Models         []acp.ModelInfo        `json:"models,omitempty"`
	CurrentModelID string                 `json:"currentModelId,omitempty"`
	PendingThought string                 `json:"pendingThought,omitempty"`
	StopReason     acp.StopReason         `json:"stopReason,omitempty"`
	LastError      string                 `json:"lastError,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// ToolCall looks up a tool call by id.
func (s *Snapshot) ToolCall(id string) (ToolCall, bool) {
	for _, tc := range s.ToolCalls {
		if tc.ToolCallID == id {
			return tc, true
		}
	}
	return ToolCall{}, false
}

// Event tells subscribers that a session changed.
type Event struct {
	SessionID string
	State     State
	// Update is the kind of update applied, or empty for state changes.
	Update acp.UpdateKind
}
