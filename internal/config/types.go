package config

import "time"

// Reply modes for the result frame.
const (
	ReplyFixed  = "fixed"
	ReplyStatus = "status"
)

// Config represents the complete batch-listener configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service" toml:"service"`
	Listener ListenerConfig `yaml:"listener" toml:"listener"`
	Action   ActionConfig   `yaml:"action" toml:"action"`
	History  HistoryConfig  `yaml:"history" toml:"history"`
	API      APIConfig      `yaml:"api" toml:"api"`

	// SourcePath is the file the config was loaded from, empty for defaults.
	SourcePath string `yaml:"-" toml:"-"`
}

// ServiceConfig defines process-level settings.
type ServiceConfig struct {
	Name      string `yaml:"name" toml:"name"`
	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`
	LockPath  string `yaml:"lock_path" toml:"lock_path"`
}

// ListenerConfig tunes the protocol loop.
type ListenerConfig struct {
	// MaxPayloadBytes rejects events announcing a larger len. 0 = unlimited.
	MaxPayloadBytes int `yaml:"max_payload_bytes" toml:"max_payload_bytes"`
	// PayloadTimeout bounds the payload read once a header arrived. 0 = none.
	PayloadTimeout    time.Duration `yaml:"payload_timeout" toml:"payload_timeout"`
	MirrorDiagnostics bool          `yaml:"mirror_diagnostics" toml:"mirror_diagnostics"`
	ReplyMode         string        `yaml:"reply_mode" toml:"reply_mode"` // fixed | status
}

// ActionConfig describes the external batch job.
type ActionConfig struct {
	Path    string        `yaml:"path" toml:"path"`
	Dir     string        `yaml:"dir" toml:"dir"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
	// Blake3 pins the script contents; hex BLAKE3-256, empty disables.
	Blake3 string `yaml:"blake3" toml:"blake3"`
}

// HistoryConfig defines the optional SQLite event log.
type HistoryConfig struct {
	Path      string        `yaml:"path" toml:"path"`
	Retention time.Duration `yaml:"retention" toml:"retention"`
}

// APIConfig defines the optional status HTTP server.
type APIConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// DefaultActionPath is where the batch script lives in the stock image.
const DefaultActionPath = "/batches.sh"

// Defaults returns a Config matching the stock deployment.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "batch-listener",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Listener: ListenerConfig{
			MirrorDiagnostics: true,
			ReplyMode:         ReplyFixed,
		},
		Action: ActionConfig{
			Path: DefaultActionPath,
		},
		History: HistoryConfig{
			Retention: 30 * 24 * time.Hour,
		},
	}
}
