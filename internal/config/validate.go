package config

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Validate checks the configuration for values the listener cannot run with.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", c.Service.LogLevel)
	}
	switch strings.ToLower(c.Service.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", c.Service.LogFormat)
	}

	if c.Listener.MaxPayloadBytes < 0 {
		return fmt.Errorf("listener.max_payload_bytes must not be negative")
	}
	if c.Listener.PayloadTimeout < 0 {
		return fmt.Errorf("listener.payload_timeout must not be negative")
	}
	switch c.Listener.ReplyMode {
	case ReplyFixed, ReplyStatus:
	default:
		return fmt.Errorf("listener.reply_mode must be %q or %q (got %q)", ReplyFixed, ReplyStatus, c.Listener.ReplyMode)
	}

	if c.Action.Path == "" {
		return fmt.Errorf("action.path is required")
	}
	if c.Action.Timeout < 0 {
		return fmt.Errorf("action.timeout must not be negative")
	}
	if c.Action.Blake3 != "" {
		b, err := hex.DecodeString(c.Action.Blake3)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("action.blake3 must be a 64-character hex BLAKE3-256 digest")
		}
	}

	if c.History.Retention < 0 {
		return fmt.Errorf("history.retention must not be negative")
	}

	for field, v := range map[string]string{
		"action.path":       c.Action.Path,
		"action.dir":        c.Action.Dir,
		"history.path":      c.History.Path,
		"api.listen":        c.API.Listen,
		"service.lock_path": c.Service.LockPath,
	} {
		if envVarPattern.MatchString(v) {
			return fmt.Errorf("%s references unset environment variable: %s", field, v)
		}
	}
	return nil
}
