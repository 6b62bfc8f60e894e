package acp

import (
	"encoding/json"

	"github.com/m4xw311/agentdeck/errors"
)

// UpdateKind is the sessionUpdate discriminator of a session/update
// notification.
type UpdateKind string

const (
	UpdateUserMessageChunk  UpdateKind = "user_message_chunk"
	UpdateAgentMessageChunk UpdateKind = "agent_message_chunk"
	UpdateAgentThoughtChunk UpdateKind = "agent_thought_chunk"
	UpdateToolCall          UpdateKind = "tool_call"
	UpdateToolCallUpdate    UpdateKind = "tool_call_update"
	UpdatePlan              UpdateKind = "plan"
	UpdateAvailableCommands UpdateKind = "available_commands_update"
	UpdateCurrentMode       UpdateKind = "current_mode_update"
)

// ContentChunk is one streamed piece of a user message, agent message or
// agent thought.
type ContentChunk struct {
	Content ContentBlock `json:"content"`
}

type CurrentModeUpdate struct {
	CurrentModeID string `json:"currentModeId"`
}

type AvailableCommandsUpdate struct {
	AvailableCommands []AvailableCommand `json:"availableCommands"`
}

// SessionNotification is the params object of session/update.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is one incremental change to a session. Updates with a
// discriminator this package does not know decode without error; Known
// reports false for them and the raw payload is kept.
type SessionUpdate struct {
	kind     UpdateKind
	chunk    *ContentChunk
	toolCall *ToolCallUpdate
	plan     *Plan
	commands *AvailableCommandsUpdate
	mode     *CurrentModeUpdate
	raw      json.RawMessage
}

func NewUserMessageChunk(block ContentBlock) SessionUpdate {
	return SessionUpdate{kind: UpdateUserMessageChunk, chunk: &ContentChunk{Content: block}}
}

func NewAgentMessageChunk(block ContentBlock) SessionUpdate {
	return SessionUpdate{kind: UpdateAgentMessageChunk, chunk: &ContentChunk{Content: block}}
}

func NewAgentThoughtChunk(block ContentBlock) SessionUpdate {
	return SessionUpdate{kind: UpdateAgentThoughtChunk, chunk: &ContentChunk{Content: block}}
}

// NewToolCallStart announces a tool call.
func NewToolCallStart(u ToolCallUpdate) SessionUpdate {
	return SessionUpdate{kind: UpdateToolCall, toolCall: &u}
}

// NewToolCallProgress patches a previously announced tool call.
func NewToolCallProgress(u ToolCallUpdate) SessionUpdate {
	return SessionUpdate{kind: UpdateToolCallUpdate, toolCall: &u}
}

func NewPlanUpdate(p Plan) SessionUpdate {
	return SessionUpdate{kind: UpdatePlan, plan: &p}
}

func NewAvailableCommandsUpdate(cmds []AvailableCommand) SessionUpdate {
	return SessionUpdate{kind: UpdateAvailableCommands, commands: &AvailableCommandsUpdate{AvailableCommands: cmds}}
}

func NewCurrentModeUpdate(modeID string) SessionUpdate {
	return SessionUpdate{kind: UpdateCurrentMode, mode: &CurrentModeUpdate{CurrentModeID: modeID}}
}

// Kind returns the discriminator, including unrecognized ones.
func (u SessionUpdate) Kind() UpdateKind { return u.kind }

// Known reports whether the update carries a recognized variant.
func (u SessionUpdate) Known() bool {
	return u.chunk != nil || u.toolCall != nil || u.plan != nil || u.commands != nil || u.mode != nil
}

func (u SessionUpdate) Chunk() *ContentChunk { return u.chunk }
func (u SessionUpdate) ToolCall() *ToolCallUpdate { return u.toolCall }
func (u SessionUpdate) Plan() *Plan { return u.plan }
func (u SessionUpdate) Commands() *AvailableCommandsUpdate { return u.commands }
func (u SessionUpdate) CurrentMode() *CurrentModeUpdate { return u.mode }

type tagged struct {
	SessionUpdate UpdateKind `json:"sessionUpdate"`
}

func (u SessionUpdate) MarshalJSON() ([]byte, error) {
	tag := tagged{SessionUpdate: u.kind}
	switch {
	case u.chunk != nil:
		return json.Marshal(struct {
			tagged
			ContentChunk
		}{tag, *u.chunk})
	case u.toolCall != nil:
		return json.Marshal(struct {
			tagged
			ToolCallUpdate
		}{tag, *u.toolCall})
	case u.plan != nil:
		return json.Marshal(struct {
			tagged
			Plan
		}{tag, *u.plan})
	case u.commands != nil:
		return json.Marshal(struct {
			tagged
			AvailableCommandsUpdate
		}{tag, *u.commands})
	case u.mode != nil:
		return json.Marshal(struct {
			tagged
			CurrentModeUpdate
		}{tag, *u.mode})
	case u.raw != nil:
		return u.raw, nil
	}
	return nil, errors.New("no variant is set for SessionUpdate")
}

func (u *SessionUpdate) UnmarshalJSON(data []byte) error {
	var tag tagged
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	*u = SessionUpdate{kind: tag.SessionUpdate}
	switch tag.SessionUpdate {
	case UpdateUserMessageChunk, UpdateAgentMessageChunk, UpdateAgentThoughtChunk:
		u.chunk = &ContentChunk{}
		return decodeVariant(data, u.chunk, tag.SessionUpdate)
	case UpdateToolCall, UpdateToolCallUpdate:
		u.toolCall = &ToolCallUpdate{}
		return decodeVariant(data, u.toolCall, tag.SessionUpdate)
	case UpdatePlan:
		u.plan = &Plan{}
		return decodeVariant(data, u.plan, tag.SessionUpdate)
	case UpdateAvailableCommands:
		u.commands = &AvailableCommandsUpdate{}
		return decodeVariant(data, u.commands, tag.SessionUpdate)
	case UpdateCurrentMode:
		u.mode = &CurrentModeUpdate{}
		return decodeVariant(data, u.mode, tag.SessionUpdate)
	}
	u.raw = append(json.RawMessage(nil), data...)
	return nil
}

func decodeVariant(data []byte, v any, kind UpdateKind) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "decode %s", kind)
	}
	return nil
}
