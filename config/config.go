package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/agentdeck/errors"
	"gopkg.in/yaml.v3"
)

// Dir is the name of the per-user and per-project configuration directory.
const Dir = ".agentdeck"

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

// Agent is an ACP agent the client can launch.
type Agent struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`
}

// MCPServer is handed to the agent in session/new. Stdio servers set
// Command; http and sse servers set Type and URL.
type MCPServer struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

type Timeouts struct {
	Prompt      Duration `yaml:"prompt"`
	Call        Duration `yaml:"call"`
	CancelGrace Duration `yaml:"cancel_grace"`
}

type Logging struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	TraceFile string `yaml:"trace_file"`
}

type Store struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

type Title struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type Permissions struct {
	Mode string `yaml:"mode"`
}

type Config struct {
	Agents           []Agent          `yaml:"agents"`
	DefaultAgent     string           `yaml:"default_agent"`
	FilesystemAccess FilesystemAccess `yaml:"filesystem_access"`
	Timeouts         Timeouts         `yaml:"timeouts"`
	Logging          Logging          `yaml:"logging"`
	Store            Store            `yaml:"store"`
	Title            Title            `yaml:"title"`
	MCPServers       []MCPServer      `yaml:"mcp_servers"`
	Permissions      Permissions      `yaml:"permissions"`
}

// Duration reads Go duration strings such as "90s" or "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		FilesystemAccess: FilesystemAccess{
			// The client's own directory is never exposed to the agent.
			Hidden: []string{Dir, Dir + "/**"},
		},
		Timeouts: Timeouts{
			Prompt:      Duration(10 * time.Minute),
			Call:        Duration(30 * time.Second),
			CancelGrace: Duration(5 * time.Second),
		},
		Logging:     Logging{Level: "info", Format: "text"},
		Store:       Store{Kind: "json"},
		Title:       Title{Provider: "none"},
		Permissions: Permissions{Mode: "prompt"},
	}
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	home, _ := os.UserHomeDir()
	return Load(home, wd)
}

// Load reads home/.agentdeck/config.yaml and then project/.agentdeck/config.yaml
// over the defaults. Either directory may be empty to skip it.
func Load(home, project string) (*Config, error) {
	cfg := Default()
	hidden := cfg.FilesystemAccess.Hidden

	if home != "" {
		if err := loadFromFile(filepath.Join(home, Dir, "config.yaml"), cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading user config")
		}
	}
	if project != "" {
		if err := loadFromFile(filepath.Join(project, Dir, "config.yaml"), cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	// A config file listing its own hidden globs must not unhide Dir.
	cfg.FilesystemAccess.Hidden = mergeUnique(hidden, cfg.FilesystemAccess.Hidden)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, so project-level
	// values replace user-level ones wholesale.
	return yaml.Unmarshal(data, cfg)
}

// Validate rejects settings that cannot work.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, a := range c.Agents {
		if a.Name == "" || a.Command == "" {
			return errors.New("every agent needs a name and a command")
		}
		if seen[a.Name] {
			return errors.New("agent '%s' is configured twice", a.Name)
		}
		seen[a.Name] = true
	}
	for _, s := range c.MCPServers {
		switch s.Type {
		case "", "stdio":
			if s.Command == "" {
				return errors.New("mcp server '%s' needs a command", s.Name)
			}
		case "http", "sse":
			if s.URL == "" {
				return errors.New("mcp server '%s' needs a url", s.Name)
			}
		default:
			return errors.New("mcp server '%s' has unknown type '%s'", s.Name, s.Type)
		}
	}
	switch c.Store.Kind {
	case "json", "sqlite", "none":
	default:
		return errors.New("unknown store kind '%s'", c.Store.Kind)
	}
	switch c.Permissions.Mode {
	case "prompt", "auto":
	default:
		return errors.New("unknown permissions mode '%s'", c.Permissions.Mode)
	}
	return nil
}

// GetAgent finds an agent by name. An empty name selects default_agent, or
// the only agent when there is just one.
func (c *Config) GetAgent(name string) (*Agent, error) {
	if name == "" {
		name = c.DefaultAgent
	}
	if name == "" {
		if len(c.Agents) == 1 {
			return &c.Agents[0], nil
		}
		return nil, errors.New("no agent selected and no default_agent configured")
	}
	for i := range c.Agents {
		if c.Agents[i].Name == name {
			return &c.Agents[i], nil
		}
	}
	return nil, errors.New("agent '%s' not found in configuration", name)
}

func mergeUnique(base, extra []string) []string {
	out := append([]string(nil), base...)
	for _, s := range extra {
		found := false
		for _, b := range out {
			if b == s {
				found = true
				break
			}
		}
		if !found {
			out = append(out, s)
		}
	}
	return out
}
