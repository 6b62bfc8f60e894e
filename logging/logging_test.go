package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m4xw311/agentdeck/config"
	"github.com/m4xw311/agentdeck/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.Logging{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "session", "sess_1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"session":"sess_1"`)

	buf.Reset()
	logger, err = New(config.Logging{}, &buf)
	require.NoError(t, err)
	logger.Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")

	_, err = New(config.Logging{Level: "loud"}, &buf)
	assert.Error(t, err)
	_, err = New(config.Logging{Format: "xml"}, &buf)
	assert.Error(t, err)
}

func TestTracer(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTracer(&buf)
	tr.now = func() time.Time { return time.Date(2025, 1, 2, 15, 4, 5, 6_000_000, time.UTC) }

	tr.Trace(transport.Outbound, []byte(`{"id":1}`))
	tr.Trace(transport.Inbound, []byte("{\"id\":1}\n"))
	assert.Equal(t, "[15:04:05.006] --> {\"id\":1}\n[15:04:05.006] <-- {\"id\":1}\n", buf.String())
}

func TestOpenTraceAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acp.trace")
	for i := 0; i < 2; i++ {
		tr, err := OpenTrace(path)
		require.NoError(t, err)
		tr.Trace(transport.Outbound, []byte(`{}`))
		require.NoError(t, tr.Close())
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "--> {}"))
}
