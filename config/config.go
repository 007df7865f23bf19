package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/murmur/errors"
	"gopkg.in/yaml.v3"
)

// Dir is the per-user and per-project configuration directory name.
const Dir = ".murmur"

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

// MCPServer describes a tool server reached over subprocess stdio.
type MCPServer struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
}

// Process is a helper process started with the engine and stopped with it.
type Process struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Dir     string   `yaml:"dir"`
}

type Shutdown struct {
	GraceSeconds   float64 `yaml:"grace_seconds"`
	FinalSeconds   float64 `yaml:"final_seconds"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
}

type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	File   string `yaml:"file"`
}

type Config struct {
	LLMClient    string  `yaml:"llm"`
	Model        string  `yaml:"model"`
	Temperature  float64 `yaml:"temperature"`
	SystemPrompt string  `yaml:"system_prompt"`

	MessageLimit            int `yaml:"message_limit"`
	MessageCompressionLimit int `yaml:"message_compression_limit"`
	MaxSteps                int `yaml:"max_steps"`
	TimeoutSeconds          int `yaml:"timeout_seconds"`

	IgnoreList       []string         `yaml:"ignore_list"`
	ToolProviders    []string         `yaml:"tool_providers"`
	MCPServers       []MCPServer      `yaml:"mcp_servers"`
	StartupProcesses []Process        `yaml:"startup_processes"`
	AllowedCommands  []string         `yaml:"allowed_commands"`
	FilesystemAccess FilesystemAccess `yaml:"filesystem_access"`

	StateDir string   `yaml:"state_dir"`
	Shutdown Shutdown `yaml:"shutdown"`
	Log      Log      `yaml:"log"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		LLMClient:               "mock",
		Temperature:             0.7,
		MessageLimit:            50,
		MessageCompressionLimit: 0,
		MaxSteps:                8,
		TimeoutSeconds:          300,
		ToolProviders:           []string{"filesystem", "notes", "clock"},
		FilesystemAccess: FilesystemAccess{
			// The state directory is never exposed to the model.
			Hidden: []string{Dir, Dir + "/**"},
		},
		StateDir: filepath.Join(Dir, "sessions"),
		Shutdown: Shutdown{GraceSeconds: 3, FinalSeconds: 1, TimeoutSeconds: 10},
		Log:      Log{Level: "info", Format: "text"},
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

// Load layers <home>/.murmur/config.yaml and then <project>/.murmur/config.yaml
// on top of Default. Either directory may be empty or lack a config file.
func Load(home, project string) (*Config, error) {
	cfg := Default()

	for _, layer := range []struct{ name, dir string }{{"user", home}, {"project", project}} {
		if layer.dir == "" {
			continue
		}
		path := filepath.Join(layer.dir, Dir, "config.yaml")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := loadFromFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading %s config", layer.name)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites only the fields present in the YAML, so a later
	// layer replaces the scalar and list values of an earlier one.
	return yaml.Unmarshal(data, cfg)
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.MessageLimit < 2 {
		return errors.New("message_limit must be at least 2, got %d", c.MessageLimit)
	}
	if c.MessageCompressionLimit < 0 {
		return errors.New("message_compression_limit must not be negative, got %d", c.MessageCompressionLimit)
	}
	if c.MaxSteps < 1 {
		return errors.New("max_steps must be at least 1, got %d", c.MaxSteps)
	}
	if c.TimeoutSeconds < 1 {
		return errors.New("timeout_seconds must be at least 1, got %d", c.TimeoutSeconds)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return errors.New("temperature must be within [0, 2], got %v", c.Temperature)
	}
	seen := make(map[string]bool, len(c.MCPServers))
	for _, s := range c.MCPServers {
		if s.Name == "" || s.Command == "" {
			return errors.New("mcp server entries need both name and command")
		}
		if seen[s.Name] {
			return errors.New("duplicate mcp server name '%s'", s.Name)
		}
		seen[s.Name] = true
	}
	for _, p := range c.StartupProcesses {
		if p.Command == "" {
			return errors.New("startup process '%s' has no command", p.Name)
		}
	}
	return nil
}

// Timeout is the wall-clock budget of one turn.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Ignored reports whether a tool name is on the ignore list.
func (c *Config) Ignored(name string) bool {
	for _, n := range c.IgnoreList {
		if n == name {
			return true
		}
	}
	return false
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Grace is how long children get to exit after SIGTERM.
func (s Shutdown) Grace() time.Duration { return seconds(s.GraceSeconds) }

// Final is how long to wait for exit after SIGKILL.
func (s Shutdown) Final() time.Duration { return seconds(s.FinalSeconds) }

// Timeout bounds the whole shutdown sequence.
func (s Shutdown) Timeout() time.Duration { return seconds(s.TimeoutSeconds) }
