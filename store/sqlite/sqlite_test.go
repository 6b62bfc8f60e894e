package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/m4xw311/agentdeck/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, newTestStore(t, filepath.Join(t.TempDir(), "test.db")))
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), storetest.Sample("sess_keep", time.Now())))
	require.NoError(t, s.Close())

	got, err := newTestStore(t, path).Load(context.Background(), "sess_keep")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 2)
	assert.Len(t, got.ToolCalls, 1)
}
