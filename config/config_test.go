package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, root, content string) {
	t.Helper()
	dir := filepath.Join(root, Dir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.Prompt.Std())
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Call.Std())
	assert.Equal(t, 5*time.Second, cfg.Timeouts.CancelGrace.Std())
	assert.Equal(t, []string{".agentdeck", ".agentdeck/**"}, cfg.FilesystemAccess.Hidden)
	assert.Equal(t, "json", cfg.Store.Kind)
	assert.Equal(t, "prompt", cfg.Permissions.Mode)
}

func TestProjectOverridesUser(t *testing.T) {
	home, project := t.TempDir(), t.TempDir()
	writeConfig(t, home, `
agents:
  - name: claude
    command: claude-code-acp
  - name: gemini
    command: gemini
    args: [--experimental-acp]
default_agent: claude
timeouts:
  prompt: 2m
title:
  provider: anthropic
  model: claude-3-5-haiku-latest
`)
	writeConfig(t, project, `
default_agent: gemini
filesystem_access:
  hidden: [".env"]
  read_only: ["vendor/**"]
mcp_servers:
  - name: docs
    type: http
    url: https://example.com/mcp
`)

	cfg, err := Load(home, project)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Prompt.Std())
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Call.Std())
	assert.Equal(t, "anthropic", cfg.Title.Provider)
	assert.ElementsMatch(t, []string{".agentdeck", ".agentdeck/**", ".env"}, cfg.FilesystemAccess.Hidden)
	assert.Equal(t, []string{"vendor/**"}, cfg.FilesystemAccess.ReadOnly)
	require.Len(t, cfg.MCPServers, 1)

	agent, err := cfg.GetAgent("")
	require.NoError(t, err)
	assert.Equal(t, "gemini", agent.Name)
	assert.Equal(t, []string{"--experimental-acp"}, agent.Args)

	agent, err = cfg.GetAgent("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude-code-acp", agent.Command)

	_, err = cfg.GetAgent("nope")
	assert.Error(t, err)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	tests := map[string]string{
		"bad duration":      "timeouts:\n  prompt: soon\n",
		"agent without cmd": "agents:\n  - name: x\n",
		"duplicate agent":   "agents:\n  - {name: x, command: a}\n  - {name: x, command: b}\n",
		"mcp without url":   "mcp_servers:\n  - {name: docs, type: sse}\n",
		"mcp unknown type":  "mcp_servers:\n  - {name: docs, type: grpc, url: x}\n",
		"store kind":        "store:\n  kind: redis\n",
		"permissions mode":  "permissions:\n  mode: yolo\n",
		"not yaml":          "agents: [",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			project := t.TempDir()
			writeConfig(t, project, content)
			_, err := Load("", project)
			assert.Error(t, err)
		})
	}
}

func TestGetAgentSingle(t *testing.T) {
	cfg := Default()
	_, err := cfg.GetAgent("")
	assert.Error(t, err)

	cfg.Agents = []Agent{{Name: "only", Command: "only-acp"}}
	agent, err := cfg.GetAgent("")
	require.NoError(t, err)
	assert.Equal(t, "only", agent.Name)
}
