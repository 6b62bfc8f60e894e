package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m4xw311/agentdeck/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)
	storetest.Run(t, s)
}

func TestListSkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), storetest.Sample("sess_ok", time.Now())))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sess_bad.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))

	list, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sess_ok", list[0].ID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temporary files are cleaned up")
	}
}
