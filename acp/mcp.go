package acp

import (
	"encoding/json"

	"github.com/m4xw311/agentdeck/errors"
)

type EnvVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type HTTPHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// McpServerStdio launches an MCP server as a subprocess of the agent.
type McpServerStdio struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`
	Args    []string      `json:"args"`
	Env     []EnvVariable `json:"env"`
}

// McpServerHTTP reaches an MCP server over HTTP or SSE.
type McpServerHTTP struct {
	Type    string       `json:"type"`
	Name    string       `json:"name"`
	URL     string       `json:"url"`
	Headers []HTTPHeader `json:"headers"`
}

// McpServer is an MCP server handed to the agent in session/new and
// session/load. Stdio servers carry no type field; http and sse servers do.
type McpServer struct {
	stdio *McpServerStdio
	http  *McpServerHTTP
}

func StdioServer(s McpServerStdio) McpServer {
	if s.Args == nil {
		s.Args = []string{}
	}
	if s.Env == nil {
		s.Env = []EnvVariable{}
	}
	return McpServer{stdio: &s}
}

// RemoteServer builds an http or sse server entry.
func RemoteServer(s McpServerHTTP) (McpServer, error) {
	if s.Type != "http" && s.Type != "sse" {
		return McpServer{}, errors.New("unsupported mcp server type %q", s.Type)
	}
	if s.Headers == nil {
		s.Headers = []HTTPHeader{}
	}
	return McpServer{http: &s}, nil
}

func (m McpServer) GetStdio() *McpServerStdio { return m.stdio }
func (m McpServer) GetHTTP() *McpServerHTTP { return m.http }

// Name returns the server's configured name.
func (m McpServer) Name() string {
	if m.stdio != nil {
		return m.stdio.Name
	}
	if m.http != nil {
		return m.http.Name
	}
	return ""
}

func (m McpServer) MarshalJSON() ([]byte, error) {
	switch {
	case m.stdio != nil:
		return json.Marshal(m.stdio)
	case m.http != nil:
		return json.Marshal(m.http)
	}
	return nil, errors.New("no variant is set for McpServer")
}

func (m *McpServer) UnmarshalJSON(data []byte) error {
	var discriminator struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &discriminator); err != nil {
		return err
	}
	*m = McpServer{}
	switch discriminator.Type {
	case "", "stdio":
		m.stdio = &McpServerStdio{}
		return json.Unmarshal(data, m.stdio)
	case "http", "sse":
		m.http = &McpServerHTTP{}
		return json.Unmarshal(data, m.http)
	}
	return errors.New("unknown mcp server type %q", discriminator.Type)
}
