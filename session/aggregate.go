package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/agentdeck/acp"
)

// Apply folds one session/update into the session. Message chunks of the
// same role coalesce into the open message, tool calls are upserted by id,
// and plan, commands and mode are replaced. Updates that cannot be applied
// are logged and dropped.
func (s *Session) Apply(u acp.SessionUpdate) {
	s.mu.Lock()
	applied := s.apply(u)
	s.mu.Unlock()
	if applied {
		s.publish(Event{SessionID: s.ID(), State: s.State(), Update: u.Kind()})
	}
}

func (s *Session) apply(u acp.SessionUpdate) bool {
	now := s.now()
	if u.Kind() != acp.UpdateUserMessageChunk {
		s.echo = ""
	}

	switch u.Kind() {
	case acp.UpdateUserMessageChunk:
		block := u.Chunk().Content
		if s.consumeEcho(block) {
			return false
		}
		s.appendChunk(RoleUser, block, now)
	case acp.UpdateAgentMessageChunk:
		s.thought = ""
		s.appendChunk(RoleAgent, u.Chunk().Content, now)
	case acp.UpdateAgentThoughtChunk:
		s.closeOpen(now)
		s.thought += u.Chunk().Content.PlainText()
	case acp.UpdateToolCall, acp.UpdateToolCallUpdate:
		if !s.applyToolCall(u.Kind(), *u.ToolCall(), now) {
			return false
		}
	case acp.UpdatePlan:
		s.plan = &acp.Plan{Entries: append([]acp.PlanEntry(nil), u.Plan().Entries...)}
	case acp.UpdateAvailableCommands:
		s.commands = append([]acp.AvailableCommand(nil), u.Commands().AvailableCommands...)
	case acp.UpdateCurrentMode:
		s.currentModeID = u.CurrentMode().CurrentModeID
	default:
		s.logger.Warn("dropping session update", "session", s.id,
			"error", &acp.ProtocolError{Kind: acp.UnrecognizedUpdateVariant, Detail: string(u.Kind())})
		return false
	}
	s.updatedAt = now
	return true
}

// appendChunk extends the open message when it has the same role and
// otherwise starts a new one.
func (s *Session) appendChunk(role Role, block acp.ContentBlock, now time.Time) {
	if s.open != nil && s.open.Role == role {
		s.open.append(block, now)
		return
	}
	s.closeOpen(now)
	m := &Message{ID: newID(), Role: role, CreatedAt: now, UpdatedAt: now}
	m.append(block, now)
	s.messages = append(s.messages, m)
	s.open = m
}

func (s *Session) closeOpen(now time.Time) {
	if s.open == nil {
		return
	}
	s.open.Complete = true
	s.open.UpdatedAt = now
	s.open = nil
}

func (s *Session) applyToolCall(kind acp.UpdateKind, u acp.ToolCallUpdate, now time.Time) bool {
	if tc, ok := s.toolCalls[u.ToolCallID]; ok {
		if kind == acp.UpdateToolCall {
			tc.Upsert(u)
		} else {
			tc.Merge(u)
		}
		tc.UpdatedAt = now
		return true
	}
	if kind == acp.UpdateToolCallUpdate {
		s.logger.Warn("dropping update for unknown tool call", "session", s.id, "tool_call", u.ToolCallID)
		return false
	}
	call, err := acp.NewToolCall(u)
	if err != nil {
		s.logger.Warn("dropping tool call", "session", s.id, "error", err)
		return false
	}

	s.closeOpen(now)
	s.toolCalls[call.ToolCallID] = &ToolCall{ToolCall: call, CreatedAt: now, UpdatedAt: now}
	s.toolOrder = append(s.toolOrder, call.ToolCallID)

	// Tool calls hang off the agent turn that issued them.
	var owner *Message
	if n := len(s.messages); n > 0 && s.messages[n-1].Role == RoleAgent {
		owner = s.messages[n-1]
	} else {
		owner = &Message{ID: newID(), Role: RoleAgent, Complete: true, CreatedAt: now}
		s.messages = append(s.messages, owner)
	}
	owner.ToolCallIDs = append(owner.ToolCallIDs, call.ToolCallID)
	owner.UpdatedAt = now
	return true
}

// consumeEcho swallows user chunks that repeat the prompt already echoed
// locally.
func (s *Session) consumeEcho(block acp.ContentBlock) bool {
	if s.echo == "" || !block.IsText() {
		s.echo = ""
		return false
	}
	text := block.GetText().Text
	if !strings.HasPrefix(s.echo, text) {
		s.echo = ""
		return false
	}
	s.echo = s.echo[len(text):]
	return true
}

func promptText(blocks []acp.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.IsText() {
			sb.WriteString(b.GetText().Text)
		}
	}
	return sb.String()
}

func newID() string { return uuid.NewString() }
