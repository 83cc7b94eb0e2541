package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the single configuration file format for kumiai.jsonc / kumiai.yaml
type Config struct {
	Server    ServerSection    `json:"server" yaml:"server"`
	Session   SessionSection   `json:"session" yaml:"session"`
	Broadcast BroadcastSection `json:"broadcast" yaml:"broadcast"`
	Store     StoreSection     `json:"store" yaml:"store"`
	Engine    EngineSection    `json:"engine" yaml:"engine"`
	RateLimit RateLimitSection `json:"ratelimit" yaml:"ratelimit"`
	Janitor   JanitorSection   `json:"janitor" yaml:"janitor"`
	Logging   LoggingSection   `json:"logging" yaml:"logging"`
}

// ServerSection contains HTTP server configuration
type ServerSection struct {
	Address string `json:"address" yaml:"address"`
}

// SessionSection controls queue waits and execution bounds.
type SessionSection struct {
	WaitTimeout      time.Duration `json:"-" yaml:"-"`
	ExecutionTimeout time.Duration `json:"-" yaml:"-"`

	// Raw duration strings as they appear in the file
	WaitTimeoutRaw      string `json:"wait_timeout" yaml:"wait_timeout"`
	ExecutionTimeoutRaw string `json:"execution_timeout" yaml:"execution_timeout"`

	// LiveDeltas mirrors buffered text fragments to subscribers as stream_delta events
	LiveDeltas bool `json:"live_deltas" yaml:"live_deltas"`
}

// BroadcastSection configures subscriber queues
type BroadcastSection struct {
	SubscriberBuffer int `json:"subscriber_buffer" yaml:"subscriber_buffer"`
}

// StoreSection configures the SQLite store
type StoreSection struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// EngineSection selects the upstream agent engine
type EngineSection struct {
	Type    string `json:"type" yaml:"type"` // opencode, droid, echo
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"` // providerID/modelID for opencode

	// droid
	Command   string `json:"command" yaml:"command"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	WorkDir   string `json:"work_dir" yaml:"work_dir"`
	Autonomy  string `json:"autonomy" yaml:"autonomy"`   // off, low, medium, high
	Reasoning string `json:"reasoning" yaml:"reasoning"` // off, low, medium, high
}

// RateLimitSection bounds how fast a single sender may enqueue
type RateLimitSection struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// JanitorSection configures the background sweeper
type JanitorSection struct {
	Schedule   string        `json:"schedule" yaml:"schedule"`
	StaleAfter time.Duration `json:"-" yaml:"-"`

	StaleAfterRaw string `json:"stale_after" yaml:"stale_after"`
}

// LoggingSection configures log output
type LoggingSection struct {
	Dir  string `json:"dir" yaml:"dir"`
	JSON bool   `json:"json" yaml:"json"`
}

const (
	EngineOpenCode = "opencode"
	EngineDroid    = "droid"
	EngineEcho     = "echo"
)

var levels = map[string]bool{"": true, "off": true, "low": true, "medium": true, "high": true}

var configNames = []string{"kumiai.jsonc", "kumiai.json", "kumiai.yaml", "kumiai.yml"}

// FindConfigPath returns the path of the configuration file using precedence:
// 1. configDir (if specified)
// 2. $KUMIAI_HOME/config
// 3. ./config (project-local)
// 4. ~/.kumiai/config (user global)
func FindConfigPath(configDir string) (string, error) {
	if configDir != "" {
		if path, ok := firstExisting(configDir); ok {
			return path, nil
		}
		return "", fmt.Errorf("no kumiai config found in %s", configDir)
	}

	dirs := []string{}
	if home := os.Getenv("KUMIAI_HOME"); home != "" {
		dirs = append(dirs, filepath.Join(home, "config"))
	}
	dirs = append(dirs, "config")
	if homeDir, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(homeDir, ".kumiai", "config"))
	}

	for _, dir := range dirs {
		if path, ok := firstExisting(dir); ok {
			return path, nil
		}
	}

	return "", fmt.Errorf("no kumiai config found; tried: %v", dirs)
}

func firstExisting(dir string) (string, bool) {
	for _, name := range configNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if abs, err := filepath.Abs(path); err == nil {
			return abs, true
		}
		return path, true
	}
	return "", false
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}

	if cfg.Session.WaitTimeout == 0 {
		cfg.Session.WaitTimeout = 300 * time.Second
	}
	if cfg.Session.ExecutionTimeout == 0 {
		cfg.Session.ExecutionTimeout = 15 * time.Minute
	}

	if cfg.Broadcast.SubscriberBuffer == 0 {
		cfg.Broadcast.SubscriberBuffer = 64
	}

	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "data"
	}

	if cfg.Engine.Type == "" {
		cfg.Engine.Type = EngineOpenCode
	}
	if cfg.Engine.Type == EngineOpenCode && cfg.Engine.BaseURL == "" {
		cfg.Engine.BaseURL = "http://127.0.0.1:4096"
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}

	if cfg.Janitor.Schedule == "" {
		cfg.Janitor.Schedule = "*/5 * * * *"
	}
	if cfg.Janitor.StaleAfter == 0 {
		cfg.Janitor.StaleAfter = 30 * time.Minute
	}

	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = filepath.Join(cfg.Store.DataDir, "logs")
	}
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"session.wait_timeout", cfg.Session.WaitTimeoutRaw, &cfg.Session.WaitTimeout},
		{"session.execution_timeout", cfg.Session.ExecutionTimeoutRaw, &cfg.Session.ExecutionTimeout},
		{"janitor.stale_after", cfg.Janitor.StaleAfterRaw, &cfg.Janitor.StaleAfter},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the loaded values for consistency
func (c *Config) Validate() error {
	switch c.Engine.Type {
	case EngineOpenCode:
		if c.Engine.BaseURL == "" {
			return fmt.Errorf("engine.base_url is required for the opencode engine")
		}
	case EngineDroid:
		if !levels[c.Engine.Autonomy] {
			return fmt.Errorf("engine.autonomy must be off, low, medium or high (got %q)", c.Engine.Autonomy)
		}
		if !levels[c.Engine.Reasoning] {
			return fmt.Errorf("engine.reasoning must be off, low, medium or high (got %q)", c.Engine.Reasoning)
		}
	case EngineEcho:
	default:
		return fmt.Errorf("engine.type must be one of %q, %q, %q (got %q)", EngineOpenCode, EngineDroid, EngineEcho, c.Engine.Type)
	}

	if c.Session.WaitTimeout <= 0 {
		return fmt.Errorf("session.wait_timeout must be positive")
	}
	if c.Session.ExecutionTimeout <= 0 {
		return fmt.Errorf("session.execution_timeout must be positive")
	}
	if c.Broadcast.SubscriberBuffer < 1 {
		return fmt.Errorf("broadcast.subscriber_buffer must be at least 1")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit values cannot be negative")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(c.Janitor.Schedule); err != nil {
		return fmt.Errorf("janitor.schedule is invalid: %w", err)
	}

	return nil
}
