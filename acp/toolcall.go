package acp

import (
	"encoding/json"

	"github.com/m4xw311/agentdeck/errors"
)

// ToolKind categorizes a tool call for display.
type ToolKind string

const (
	ToolKindRead         ToolKind = "read"
	ToolKindEdit         ToolKind = "edit"
	ToolKindDelete       ToolKind = "delete"
	ToolKindMove         ToolKind = "move"
	ToolKindSearch       ToolKind = "search"
	ToolKindExecute      ToolKind = "execute"
	ToolKindThink        ToolKind = "think"
	ToolKindFetch        ToolKind = "fetch"
	ToolKindSwitchMode   ToolKind = "switch_mode"
	ToolKindPlan         ToolKind = "plan"
	ToolKindExitPlanMode ToolKind = "exit_plan_mode"
	ToolKindOther        ToolKind = "other"
)

// ToolCallStatus is the lifecycle position of a tool call. Statuses only
// move forward: pending, in_progress, then completed or failed.
type ToolCallStatus string

const (
	ToolCallStatusPending    ToolCallStatus = "pending"
	ToolCallStatusInProgress ToolCallStatus = "in_progress"
	ToolCallStatusCompleted  ToolCallStatus = "completed"
	ToolCallStatusFailed     ToolCallStatus = "failed"
)

func (s ToolCallStatus) rank() int {
	switch s {
	case ToolCallStatusPending:
		return 1
	case ToolCallStatusInProgress:
		return 2
	case ToolCallStatusCompleted, ToolCallStatusFailed:
		return 3
	}
	return 0
}

// Terminal reports whether no further transitions are possible.
func (s ToolCallStatus) Terminal() bool { return s.rank() == 3 }

// Advance returns the status after applying next. Regressions, sideways
// moves between terminal states and unknown values leave s unchanged.
func (s ToolCallStatus) Advance(next ToolCallStatus) ToolCallStatus {
	if next.rank() == 0 {
		return s
	}
	if next.rank() > s.rank() {
		return next
	}
	return s
}

type ToolCallLocation struct {
	Path string `json:"path"`
	Line *int64 `json:"line,omitempty"`
}

// Tool call content discriminator values.
const (
	ToolContentBlock    = "content"
	ToolContentDiff     = "diff"
	ToolContentTerminal = "terminal"
)

type ToolCallContentBlock struct {
	Type    string       `json:"type"`
	Content ContentBlock `json:"content"`
}

type ToolCallDiff struct {
	Type    string  `json:"type"`
	Path    string  `json:"path"`
	OldText *string `json:"oldText,omitempty"`
	NewText string  `json:"newText"`
}

type ToolCallTerminal struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
}

// ToolCallContent is output produced by a tool call. Content of a type
// this package does not know decodes without error; Known reports false
// for it and the raw payload is kept.
type ToolCallContent struct {
	discriminator string
	content       *ToolCallContentBlock
	diff          *ToolCallDiff
	terminal      *ToolCallTerminal
	raw           json.RawMessage
}

// ToolContent wraps a content block as tool call output.
func ToolContent(block ContentBlock) ToolCallContent {
	return ToolCallContent{discriminator: ToolContentBlock, content: &ToolCallContentBlock{Type: ToolContentBlock, Content: block}}
}

// ToolDiff describes a file modification.
func ToolDiff(path string, oldText *string, newText string) ToolCallContent {
	return ToolCallContent{discriminator: ToolContentDiff, diff: &ToolCallDiff{Type: ToolContentDiff, Path: path, OldText: oldText, NewText: newText}}
}

func (t ToolCallContent) Type() string { return t.discriminator }
func (t ToolCallContent) GetContent() *ToolCallContentBlock { return t.content }
func (t ToolCallContent) GetDiff() *ToolCallDiff { return t.diff }
func (t ToolCallContent) GetTerminal() *ToolCallTerminal { return t.terminal }

func (t ToolCallContent) Known() bool {
	return t.content != nil || t.diff != nil || t.terminal != nil
}

func (t ToolCallContent) MarshalJSON() ([]byte, error) {
	switch t.discriminator {
	case ToolContentBlock:
		v := *t.content
		v.Type = ToolContentBlock
		return json.Marshal(v)
	case ToolContentDiff:
		v := *t.diff
		v.Type = ToolContentDiff
		return json.Marshal(v)
	case ToolContentTerminal:
		v := *t.terminal
		v.Type = ToolContentTerminal
		return json.Marshal(v)
	}
	if t.raw != nil {
		return t.raw, nil
	}
	return nil, errors.New("no variant is set for ToolCallContent")
}

func (t *ToolCallContent) UnmarshalJSON(data []byte) error {
	var discriminator struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &discriminator); err != nil {
		return err
	}
	*t = ToolCallContent{discriminator: discriminator.Type}
	switch discriminator.Type {
	case ToolContentBlock:
		t.content = &ToolCallContentBlock{}
		return json.Unmarshal(data, t.content)
	case ToolContentDiff:
		t.diff = &ToolCallDiff{}
		return json.Unmarshal(data, t.diff)
	case ToolContentTerminal:
		t.terminal = &ToolCallTerminal{}
		return json.Unmarshal(data, t.terminal)
	}
	t.raw = append(json.RawMessage(nil), data...)
	return nil
}

// ToolCallUpdate is the partial form of a tool call carried by tool_call
// and tool_call_update notifications and by permission requests. Absent
// fields are nil.
type ToolCallUpdate struct {
	ToolCallID string             `json:"toolCallId"`
	Title      *string            `json:"title,omitempty"`
	Kind       *ToolKind          `json:"kind,omitempty"`
	Status     *ToolCallStatus    `json:"status,omitempty"`
	Content    []ToolCallContent  `json:"content,omitempty"`
	Locations  []ToolCallLocation `json:"locations,omitempty"`
	RawInput   json.RawMessage    `json:"rawInput,omitempty"`
	RawOutput  json.RawMessage    `json:"rawOutput,omitempty"`
}

// ToolCall is the full value of a tracked tool call.
type ToolCall struct {
	ToolCallID string             `json:"toolCallId"`
	Title      string             `json:"title"`
	Kind       ToolKind           `json:"kind"`
	Status     ToolCallStatus     `json:"status"`
	Content    []ToolCallContent  `json:"content,omitempty"`
	Locations  []ToolCallLocation `json:"locations,omitempty"`
	RawInput   json.RawMessage    `json:"rawInput,omitempty"`
	RawOutput  json.RawMessage    `json:"rawOutput,omitempty"`
}

var errIncompleteToolCall = errors.Sentinel("tool call is missing title, kind or status")

// NewToolCall builds a tool call from its first announcement. The title,
// kind and status must all be present.
func NewToolCall(u ToolCallUpdate) (ToolCall, error) {
	if u.ToolCallID == "" {
		return ToolCall{}, errors.New("tool call without toolCallId")
	}
	if u.Title == nil || u.Kind == nil || u.Status == nil {
		return ToolCall{}, errors.Wrapf(errIncompleteToolCall, "tool call %s", u.ToolCallID)
	}
	tc := ToolCall{
		ToolCallID: u.ToolCallID,
		Title:      *u.Title,
		Kind:       *u.Kind,
		Status:     *u.Status,
		Locations:  u.Locations,
		RawInput:   u.RawInput,
		RawOutput:  u.RawOutput,
	}
	tc.Content = append(tc.Content, u.Content...)
	return tc, nil
}

// Merge applies a partial update. Status only moves forward, content is
// appended, and every other present field overwrites.
func (tc *ToolCall) Merge(u ToolCallUpdate) {
	if u.Title != nil {
		tc.Title = *u.Title
	}
	if u.Kind != nil {
		tc.Kind = *u.Kind
	}
	if u.Status != nil {
		tc.Status = tc.Status.Advance(*u.Status)
	}
	if len(u.Content) > 0 {
		tc.Content = append(tc.Content, u.Content...)
	}
	if u.Locations != nil {
		tc.Locations = append([]ToolCallLocation(nil), u.Locations...)
	}
	if u.RawInput != nil {
		tc.RawInput = u.RawInput
	}
	if u.RawOutput != nil {
		tc.RawOutput = u.RawOutput
	}
}

// Upsert applies a repeated tool_call announcement. It behaves like Merge
// except that content blocks already recorded are not appended again, so
// replaying the same announcement is a no-op.
func (tc *ToolCall) Upsert(u ToolCallUpdate) {
	if len(u.Content) > 0 {
		seen := make(map[string]bool, len(tc.Content))
		for _, c := range tc.Content {
			if b, err := json.Marshal(c); err == nil {
				seen[string(b)] = true
			}
		}
		var fresh []ToolCallContent
		for _, c := range u.Content {
			b, err := json.Marshal(c)
			if err == nil && seen[string(b)] {
				continue
			}
			fresh = append(fresh, c)
		}
		u.Content = fresh
	}
	tc.Merge(u)
}

// Ptr returns a pointer to v, for filling optional wire fields.
func Ptr[T any](v T) *T { return &v }
