package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/m4xw311/agentdeck/session"
	"github.com/m4xw311/agentdeck/store"
	"github.com/m4xw311/agentdeck/store/jsonfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckID(t *testing.T) {
	for _, id := range []string{"sess_1", "0b6c1a3e-9f2d-4c55-a1a7-3f1f8d2c9e10", "a.b-c"} {
		assert.NoError(t, store.CheckID(id), id)
	}
	for _, id := range []string{"", "../x", "a/b", ".hidden", "a b"} {
		assert.Error(t, store.CheckID(id), id)
	}
}

func TestRecorder(t *testing.T) {
	s, err := jsonfile.New(t.TempDir())
	require.NoError(t, err)
	rec := store.Recorder{Store: s, Agent: "gemini"}

	snap := session.Snapshot{ID: "sess_1", Cwd: "/work", State: session.Active, UpdatedAt: time.Now()}
	require.NoError(t, rec.Record(context.Background(), snap))

	got, err := s.Load(context.Background(), "sess_1")
	require.NoError(t, err)
	assert.Equal(t, "gemini", got.Agent)
	assert.Equal(t, session.Active, got.State)

	sum := store.Summarize(*got)
	assert.Equal(t, "sess_1", sum.ID)
	assert.Equal(t, 0, sum.Messages)
}
