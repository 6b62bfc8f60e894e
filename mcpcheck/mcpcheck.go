// Package mcpcheck prepares configured MCP servers for session/new and
// verifies that stdio servers start and answer before an agent is given
// them.
package mcpcheck

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/config"
	"github.com/m4xw311/agentdeck/errors"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const probeTimeout = 15 * time.Second

// Servers converts configured servers into the form the agent expects.
// Environment values and headers go through os.ExpandEnv so secrets can
// stay out of the config file.
func Servers(servers []config.MCPServer) ([]acp.McpServer, error) {
	out := make([]acp.McpServer, 0, len(servers))
	for _, s := range servers {
		switch s.Type {
		case "", "stdio":
			env := make([]acp.EnvVariable, 0, len(s.Env))
			for _, k := range sortedKeys(s.Env) {
				env = append(env, acp.EnvVariable{Name: k, Value: os.ExpandEnv(s.Env[k])})
			}
			out = append(out, acp.StdioServer(acp.McpServerStdio{
				Name:    s.Name,
				Command: s.Command,
				Args:    s.Args,
				Env:     env,
			}))
		default:
			headers := make([]acp.HTTPHeader, 0, len(s.Headers))
			for _, k := range sortedKeys(s.Headers) {
				headers = append(headers, acp.HTTPHeader{Name: k, Value: os.ExpandEnv(s.Headers[k])})
			}
			srv, err := acp.RemoteServer(acp.McpServerHTTP{
				Type:    s.Type,
				Name:    s.Name,
				URL:     s.URL,
				Headers: headers,
			})
			if err != nil {
				return nil, errors.Wrapf(err, "mcp server '%s'", s.Name)
			}
			out = append(out, srv)
		}
	}
	return out, nil
}

// Result is the outcome of probing one server.
type Result struct {
	Name  string
	Tools []string
	// Skipped is set for remote servers, which are not probed.
	Skipped bool
	Err     error
}

func (r Result) OK() bool { return r.Err == nil }

// Check probes every stdio server in turn.
func Check(ctx context.Context, servers []config.MCPServer, logger *slog.Logger) []Result {
	results := make([]Result, 0, len(servers))
	for _, s := range servers {
		if s.Type != "" && s.Type != "stdio" {
			results = append(results, Result{Name: s.Name, Skipped: true})
			continue
		}
		tools, err := Probe(ctx, s)
		if err != nil {
			logger.Warn("mcp server failed its check", "server", s.Name, "error", err)
		} else {
			logger.Info("mcp server answered", "server", s.Name, "tools", len(tools))
		}
		results = append(results, Result{Name: s.Name, Tools: tools, Err: err})
	}
	return results
}

// Probe starts a stdio server, lists its tools and stops it again.
func Probe(ctx context.Context, s config.MCPServer) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Env = os.Environ()
	for _, k := range sortedKeys(s.Env) {
		cmd.Env = append(cmd.Env, k+"="+os.ExpandEnv(s.Env[k]))
	}
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "agentdeck", Version: "v1.0.0"}, nil)
	conn, err := client.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		kill(cmd)
		return nil, withStderr(errors.Wrapf(err, "failed to connect to MCP server '%s'", s.Name), stderr)
	}
	defer func() {
		conn.Close()
		kill(cmd)
	}()

	var tools []string
	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			return nil, withStderr(errors.Wrapf(err, "failed to list tools from MCP server '%s'", s.Name), stderr)
		}
		for _, t := range list.Tools {
			tools = append(tools, t.Name)
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}
	sort.Strings(tools)
	return tools, nil
}

func kill(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

// lockedBuffer collects stderr while the process may still be writing.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func withStderr(err error, stderr *lockedBuffer) error {
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		return err
	}
	if len(msg) > 500 {
		msg = msg[len(msg)-500:]
	}
	return errors.Wrapf(err, "stderr: %s", msg)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
