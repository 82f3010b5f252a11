package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// FileName is the config file name, both globally and per project
	FileName = "config.yaml"

	DefaultListen      = "127.0.0.1:9191"
	DefaultMarkerDir   = ".taskhub"
	DefaultMaxFileSize = 5 * 1024 * 1024
	DefaultLogMaxAge   = 3 * 24 * time.Hour

	BackendPTY   = "pty"
	BackendITerm = "iterm"
)

// Config is the complete configuration
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Requests RequestsConfig `yaml:"requests"`
	Terminal TerminalConfig `yaml:"terminal"`
	FileTree FileTreeConfig `yaml:"fileTree"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StoreConfig locates the store
type StoreConfig struct {
	Addr      string `yaml:"addr"`      // ws:// URL of a store daemon; empty runs the store in-process
	Token     string `yaml:"token"`     // bearer token for the daemon
	Listen    string `yaml:"listen"`    // daemon listen address
	MarkerDir string `yaml:"markerDir"` // per-project metadata directory
}

// RequestsConfig tunes store requests
type RequestsConfig struct {
	Timeout time.Duration `yaml:"timeout"` // 0 waits forever
}

// TerminalConfig selects the terminal backend
type TerminalConfig struct {
	Backend string `yaml:"backend"` // "pty" or "iterm"
	Shell   string `yaml:"shell"`
}

// FileTreeConfig controls file listing and reading
type FileTreeConfig struct {
	Ignore      []string `yaml:"ignore,omitempty"`
	MaxFileSize int64    `yaml:"maxFileSize"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Dir     string        `yaml:"dir"`
	JSON    bool          `yaml:"json"`
	DevMode bool          `yaml:"devMode"`
	MaxAge  time.Duration `yaml:"maxAge"`
}

// Dir returns ~/.taskhub
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultMarkerDir
	}
	return filepath.Join(home, ".taskhub")
}

// DefaultPath returns ~/.taskhub/config.yaml
func DefaultPath() string {
	return filepath.Join(Dir(), FileName)
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Store: StoreConfig{
			Listen:    DefaultListen,
			MarkerDir: DefaultMarkerDir,
		},
		Terminal: TerminalConfig{
			Backend: BackendPTY,
		},
		FileTree: FileTreeConfig{
			MaxFileSize: DefaultMaxFileSize,
		},
		Logging: LoggingConfig{
			Dir:    filepath.Join(Dir(), "logs"),
			JSON:   true,
			MaxAge: DefaultLogMaxAge,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := cfg.merge(path); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadForProject reads the global config and then the project's own
// <project>/<markerDir>/config.yaml on top of it
func LoadForProject(globalPath, projectPath string) (Config, error) {
	cfg, err := Load(globalPath)
	if err != nil {
		return cfg, err
	}
	if projectPath == "" {
		return cfg, nil
	}
	err = cfg.merge(filepath.Join(projectPath, cfg.Store.MarkerDir, FileName))
	return cfg, err
}

func (c *Config) merge(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// Save writes the configuration as YAML
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ValidationError holds validation warnings for values that were replaced
// by defaults
type ValidationError struct {
	Warnings []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Warnings, "; ")
}

func (e *ValidationError) HasWarnings() bool {
	return len(e.Warnings) > 0
}

// Validate fixes invalid values and returns a warning for each one
func (c *Config) Validate() *ValidationError {
	var warnings []string
	def := Default()

	if c.Store.Listen == "" {
		warnings = append(warnings, fmt.Sprintf("empty store listen address, using default %s", DefaultListen))
		c.Store.Listen = DefaultListen
	}

	if c.Store.Addr != "" && !strings.HasPrefix(c.Store.Addr, "ws://") && !strings.HasPrefix(c.Store.Addr, "wss://") {
		warnings = append(warnings, fmt.Sprintf("store addr '%s' is not a ws:// or wss:// URL, running the store in-process", c.Store.Addr))
		c.Store.Addr = ""
	}

	if !validMarkerDir(c.Store.MarkerDir) {
		warnings = append(warnings, fmt.Sprintf("invalid marker dir '%s', using default %s", c.Store.MarkerDir, DefaultMarkerDir))
		c.Store.MarkerDir = DefaultMarkerDir
	}

	if c.Requests.Timeout < 0 {
		warnings = append(warnings, fmt.Sprintf("negative request timeout %s, waiting without timeout", c.Requests.Timeout))
		c.Requests.Timeout = 0
	}

	if c.Terminal.Backend != BackendPTY && c.Terminal.Backend != BackendITerm {
		warnings = append(warnings, fmt.Sprintf("invalid terminal backend '%s', using default '%s'", c.Terminal.Backend, BackendPTY))
		c.Terminal.Backend = BackendPTY
	}

	if c.FileTree.MaxFileSize <= 0 {
		warnings = append(warnings, fmt.Sprintf("invalid max file size %d, using default %d", c.FileTree.MaxFileSize, int64(DefaultMaxFileSize)))
		c.FileTree.MaxFileSize = DefaultMaxFileSize
	}

	if c.Logging.Dir == "" {
		c.Logging.Dir = def.Logging.Dir
	}
	if c.Logging.MaxAge <= 0 {
		warnings = append(warnings, fmt.Sprintf("invalid log max age %s, using default %s", c.Logging.MaxAge, DefaultLogMaxAge))
		c.Logging.MaxAge = DefaultLogMaxAge
	}

	if len(warnings) > 0 {
		return &ValidationError{Warnings: warnings}
	}
	return nil
}

// ValidateStrict returns an error if any value is invalid (without auto-fixing)
func (c *Config) ValidateStrict() error {
	var problems []string

	if c.Store.Listen == "" {
		problems = append(problems, "store listen address must not be empty")
	}
	if c.Store.Addr != "" && !strings.HasPrefix(c.Store.Addr, "ws://") && !strings.HasPrefix(c.Store.Addr, "wss://") {
		problems = append(problems, fmt.Sprintf("store addr must be a ws:// or wss:// URL, got '%s'", c.Store.Addr))
	}
	if !validMarkerDir(c.Store.MarkerDir) {
		problems = append(problems, fmt.Sprintf("marker dir must be a single relative path element, got '%s'", c.Store.MarkerDir))
	}
	if c.Requests.Timeout < 0 {
		problems = append(problems, fmt.Sprintf("request timeout must not be negative, got %s", c.Requests.Timeout))
	}
	if c.Terminal.Backend != BackendPTY && c.Terminal.Backend != BackendITerm {
		problems = append(problems, fmt.Sprintf("terminal backend must be '%s' or '%s', got '%s'", BackendPTY, BackendITerm, c.Terminal.Backend))
	}
	if c.FileTree.MaxFileSize <= 0 {
		problems = append(problems, fmt.Sprintf("max file size must be positive, got %d", c.FileTree.MaxFileSize))
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

func validMarkerDir(dir string) bool {
	return dir != "" && dir != "." && dir != ".." && !strings.ContainsAny(dir, `/\`)
}
