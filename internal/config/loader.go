package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted by Discover.
const EnvConfigPath = "BATCH_LISTENER_CONFIG"

var (
	envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

	systemConfigPath = "/etc/batch-listener/config.yaml"
)

// Discover returns the config file to use: the explicit path if given,
// then $BATCH_LISTENER_CONFIG, then /etc/batch-listener/config.yaml.
// An empty result means "run on defaults".
func Discover(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("$%s points at %s: %w", EnvConfigPath, p, err)
		}
		return p, nil
	}
	if _, err := os.Stat(systemConfigPath); err == nil {
		return systemConfigPath, nil
	}
	return "", nil
}

// LoadOrDefault loads path, or returns validated defaults when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		cfg := Defaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// Load reads a YAML (.yaml/.yml) or TOML (.toml) file over Defaults().
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".toml":
		if _, err := toml.Decode(interpolated, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML %s: %w", absPath, err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML %s: %w", absPath, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (use .yaml or .toml)", filepath.Ext(absPath))
	}
	cfg.SourcePath = absPath

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unknown variables are left in place and caught by Validate.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
