// Package storetest checks that a store.Store implementation behaves like
// the others.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/errors"
	"github.com/m4xw311/agentdeck/session"
	"github.com/m4xw311/agentdeck/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sample returns a record exercising every persisted field.
func Sample(id string, updated time.Time) store.Record {
	created := updated.Add(-time.Hour)
	return store.Record{
		Agent: "claude",
		Snapshot: session.Snapshot{
			ID:    id,
			Cwd:   "/work",
			Title: "Fix the flaky test",
			State: session.Active,
			Messages: []session.Message{
				{ID: "m1", Role: session.RoleUser, Content: []acp.ContentBlock{acp.TextBlock("why does it flake?")}, Complete: true, CreatedAt: created, UpdatedAt: created},
				{ID: "m2", Role: session.RoleAgent, Content: []acp.ContentBlock{acp.TextBlock("a race")}, ToolCallIDs: []string{"call_1"}, Complete: true, CreatedAt: created, UpdatedAt: updated},
			},
			ToolCalls: []session.ToolCall{{
				ToolCall: acp.ToolCall{
					ToolCallID: "call_1",
					Title:      "Read conn_test.go",
					Kind:       acp.ToolKindRead,
					Status:     acp.ToolCallStatusCompleted,
					Content:    []acp.ToolCallContent{acp.ToolContent(acp.TextBlock("package jsonrpc"))},
					Locations:  []acp.ToolCallLocation{{Path: "jsonrpc/conn_test.go"}},
				},
				CreatedAt: created,
				UpdatedAt: updated,
			}},
			Plan: &acp.Plan{Entries: []acp.PlanEntry{{Content: "add a barrier", Priority: acp.PlanPriorityHigh, Status: acp.PlanEntryPending}}},
			Modes: []acp.SessionMode{
				{ID: "ask", Name: "Ask"},
				{ID: "code", Name: "Code"},
			},
			CurrentModeID: "code",
			StopReason:    acp.StopEndTurn,
			LastError:     "",
			CreatedAt:     created,
			UpdatedAt:     updated,
		},
	}
}

// Run exercises s. It must start empty.
func Run(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

	t.Run("load missing", func(t *testing.T) {
		_, err := s.Load(ctx, "sess_missing")
		assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
		assert.True(t, errors.Is(s.Delete(ctx, "sess_missing"), store.ErrNotFound))
	})

	t.Run("round trip", func(t *testing.T) {
		want := Sample("sess_a", base)
		require.NoError(t, s.Save(ctx, want))
		got, err := s.Load(ctx, "sess_a")
		require.NoError(t, err)

		assert.Equal(t, want.Agent, got.Agent)
		assert.Equal(t, want.Title, got.Title)
		assert.Equal(t, want.State, got.State)
		assert.Equal(t, want.StopReason, got.StopReason)
		assert.Equal(t, want.CurrentModeID, got.CurrentModeID)
		assert.Equal(t, want.Modes, got.Modes)
		assert.Equal(t, want.Plan, got.Plan)
		assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
		require.Len(t, got.Messages, 2)
		assert.Equal(t, "why does it flake?", got.Messages[0].Text())
		assert.Equal(t, []string{"call_1"}, got.Messages[1].ToolCallIDs)
		assert.True(t, got.Messages[1].Complete)
		tc, ok := got.ToolCall("call_1")
		require.True(t, ok)
		assert.Equal(t, acp.ToolCallStatusCompleted, tc.Status)
		assert.Equal(t, "package jsonrpc", tc.Content[0].GetContent().Content.PlainText())
	})

	t.Run("save replaces", func(t *testing.T) {
		r := Sample("sess_a", base.Add(time.Minute))
		r.Title = "Renamed"
		r.State = session.Errored
		r.LastError = "agent exited"
		r.Messages = r.Messages[:1]
		require.NoError(t, s.Save(ctx, r))

		got, err := s.Load(ctx, "sess_a")
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Title)
		assert.Equal(t, session.Errored, got.State)
		assert.Equal(t, "agent exited", got.LastError)
		assert.Len(t, got.Messages, 1)
	})

	t.Run("list newest first", func(t *testing.T) {
		require.NoError(t, s.Save(ctx, Sample("sess_b", base.Add(time.Hour))))
		require.NoError(t, s.Save(ctx, Sample("sess_c", base.Add(-time.Hour))))

		list, err := s.List(ctx)
		require.NoError(t, err)
		ids := make([]string, len(list))
		for i, sum := range list {
			ids[i] = sum.ID
		}
		assert.Equal(t, []string{"sess_b", "sess_a", "sess_c"}, ids)
		assert.Equal(t, 1, list[1].Messages)
		assert.Equal(t, "claude", list[0].Agent)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "sess_c"))
		_, err := s.Load(ctx, "sess_c")
		assert.True(t, errors.Is(err, store.ErrNotFound))
		list, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("unsafe ids", func(t *testing.T) {
		r := Sample("../escape", base)
		assert.Error(t, s.Save(ctx, r))
	})
}
