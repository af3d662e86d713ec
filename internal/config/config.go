package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all framekeeper configuration.
type Config struct {
	Browser BrowserConfig `yaml:"browser"`

	// Frame manager tuning
	Frames FramesConfig `yaml:"frames"`

	Logging LoggingConfig `yaml:"logging"`

	// Read-only HTTP surface
	Inspect InspectConfig `yaml:"inspect"`
}

// BrowserConfig says how to reach a browser.
type BrowserConfig struct {
	// DebuggerURL connects to a running browser; when empty one is launched.
	DebuggerURL string   `yaml:"debugger_url"`
	Launch      string   `yaml:"launch"` // browser binary, empty = auto-detect
	Flags       []string `yaml:"flags,omitempty"`  // extra launcher flags, "name" or "name=value"
	Headless    bool     `yaml:"headless"`
	StartURL    string   `yaml:"start_url"`
	Timeout     string   `yaml:"timeout"`
}

// FramesConfig tunes the frame manager.
type FramesConfig struct {
	SwapGracePeriod   string `yaml:"swap_grace_period"`
	FrameWaitTimeout  string `yaml:"frame_wait_timeout"`
	CommandTimeout    string `yaml:"command_timeout"`
	UtilityWorldName  string `yaml:"utility_world_name"`
	LifecycleLogLimit int    `yaml:"lifecycle_log_limit"`
	AutoAttach        bool   `yaml:"auto_attach"`
}

// InspectConfig configures the inspect server.
type InspectConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Browser: BrowserConfig{
			Headless: true,
			StartURL: "about:blank",
			Timeout:  "30s",
		},

		Frames: FramesConfig{
			SwapGracePeriod:   "100ms",
			FrameWaitTimeout:  "5s",
			CommandTimeout:    "30s",
			UtilityWorldName:  "__framekeeper_utility_world__",
			LifecycleLogLimit: 32,
			AutoAttach:        true,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},

		Inspect: InspectConfig{
			Listen: "127.0.0.1:9377",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("FRAMEKEEPER_DEBUGGER_URL"); url != "" {
		c.Browser.DebuggerURL = url
	}
	if level := os.Getenv("FRAMEKEEPER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if grace := os.Getenv("FRAMEKEEPER_SWAP_GRACE"); grace != "" {
		c.Frames.SwapGracePeriod = grace
	}
	if listen := os.Getenv("FRAMEKEEPER_LISTEN"); listen != "" {
		c.Inspect.Listen = listen
	}
	if headless := os.Getenv("FRAMEKEEPER_HEADLESS"); headless != "" {
		if v, err := strconv.ParseBool(headless); err == nil {
			c.Browser.Headless = v
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"frames.swap_grace_period":  c.Frames.SwapGracePeriod,
		"frames.frame_wait_timeout": c.Frames.FrameWaitTimeout,
		"frames.command_timeout":    c.Frames.CommandTimeout,
		"browser.timeout":           c.Browser.Timeout,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d < 0 {
			return fmt.Errorf("invalid duration for %s: %q", name, v)
		}
	}
	if c.Frames.LifecycleLogLimit < 0 {
		return fmt.Errorf("frames.lifecycle_log_limit must not be negative: %d", c.Frames.LifecycleLogLimit)
	}
	if _, ok := validFormats[c.Logging.Format]; !ok && c.Logging.Format != "" {
		return fmt.Errorf("invalid logging format: %s (valid: json, console)", c.Logging.Format)
	}
	return nil
}

var validFormats = map[string]struct{}{"json": {}, "console": {}}

// GetSwapGracePeriod returns how long a disconnected main frame waits for an
// activation swap.
func (c *Config) GetSwapGracePeriod() time.Duration {
	return parseDuration(c.Frames.SwapGracePeriod, 100*time.Millisecond)
}

// GetFrameWaitTimeout returns how long an event waits for a frame it
// references.
func (c *Config) GetFrameWaitTimeout() time.Duration {
	return parseDuration(c.Frames.FrameWaitTimeout, 5*time.Second)
}

// GetCommandTimeout returns the per-command protocol timeout.
func (c *Config) GetCommandTimeout() time.Duration {
	return parseDuration(c.Frames.CommandTimeout, 30*time.Second)
}

// GetBrowserTimeout returns the browser connect timeout.
func (c *Config) GetBrowserTimeout() time.Duration {
	return parseDuration(c.Browser.Timeout, 30*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
