package config

import (
	"fmt"
	"strings"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	ports := map[string]int{
		"server.web_port":    cfg.Server.WebPort,
		"server.claude_port": cfg.Server.ClaudePort,
		"server.codex_port":  cfg.Server.CodexPort,
	}
	for key, port := range ports {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("%s must be between 1 and 65535, got %d", key, port))
		}
	}
	if cfg.Server.WebPort == cfg.Server.ClaudePort ||
		cfg.Server.WebPort == cfg.Server.CodexPort ||
		cfg.Server.ClaudePort == cfg.Server.CodexPort {
		errs = append(errs, "server listener ports must all differ")
	}

	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout))
	}

	if cfg.Upstream.RequestTimeout < 0 {
		errs = append(errs, fmt.Sprintf("upstream.request_timeout must be non-negative, got %d", cfg.Upstream.RequestTimeout))
	}
	if cfg.Upstream.ConnectTimeout < 0 {
		errs = append(errs, fmt.Sprintf("upstream.connect_timeout must be non-negative, got %d", cfg.Upstream.ConnectTimeout))
	}

	if cfg.Logs.RetentionDays < 0 {
		errs = append(errs, fmt.Sprintf("logs.retention_days must be non-negative, got %d", cfg.Logs.RetentionDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum reports whether value is one of the allowed values.
func isValidEnum(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
