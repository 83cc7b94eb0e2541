package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads a configuration file. JSONC/JSON and YAML are both accepted,
// selected by file extension. ${VAR} references are expanded from the
// environment before decoding.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	default:
		if err := json.Unmarshal(StripJSONComments(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	// Relative data directories are anchored next to the config file's parent
	if !filepath.IsAbs(cfg.Store.DataDir) {
		cfg.Store.DataDir = filepath.Join(filepath.Dir(filepath.Dir(configPath)), cfg.Store.DataDir)
	}
	if !filepath.IsAbs(cfg.Logging.Dir) {
		cfg.Logging.Dir = filepath.Join(filepath.Dir(filepath.Dir(configPath)), cfg.Logging.Dir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", configPath, err)
	}

	return &cfg, nil
}

// LoadAll locates and loads the configuration file.
func LoadAll(configDir string) (*Config, error) {
	configPath, err := FindConfigPath(configDir)
	if err != nil {
		return nil, err
	}
	return Load(configPath)
}

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}
