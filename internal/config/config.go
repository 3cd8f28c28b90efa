package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level system configuration for paf. Per-service endpoint
// pools live in their own files managed by the family package; this file only
// carries process-wide settings.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   toml:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream" toml:"upstream"`
	Logs     LogsConfig     `mapstructure:"logs"     toml:"logs"`
}

// ServerConfig holds listener ports and process-wide settings.
type ServerConfig struct {
	WebPort      int    `mapstructure:"web_port"      toml:"web_port"`
	ClaudePort   int    `mapstructure:"claude_port"   toml:"claude_port"`
	CodexPort    int    `mapstructure:"codex_port"    toml:"codex_port"`
	LogLevel     string `mapstructure:"log_level"     toml:"log_level"`
	DataDir      string `mapstructure:"data_dir"      toml:"data_dir"`
	ReadTimeout  int    `mapstructure:"read_timeout"  toml:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout" toml:"write_timeout"` // seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"  toml:"idle_timeout"`  // seconds
}

// UpstreamConfig holds the outbound HTTP client settings.
type UpstreamConfig struct {
	RequestTimeout int `mapstructure:"request_timeout" toml:"request_timeout"` // seconds, non-streaming
	ConnectTimeout int `mapstructure:"connect_timeout" toml:"connect_timeout"` // seconds
}

// LogsConfig controls the request-log store.
type LogsConfig struct {
	RetentionDays int  `mapstructure:"retention_days" toml:"retention_days"`
	StoreBodies   bool `mapstructure:"store_bodies"   toml:"store_bodies"`
}

// RequestTimeoutDuration returns the non-streaming upstream deadline.
func (u UpstreamConfig) RequestTimeoutDuration() time.Duration {
	if u.RequestTimeout <= 0 {
		return time.Duration(DefaultRequestTimeout) * time.Second
	}
	return time.Duration(u.RequestTimeout) * time.Second
}

// ConnectTimeoutDuration returns the upstream dial deadline.
func (u UpstreamConfig) ConnectTimeoutDuration() time.Duration {
	if u.ConnectTimeout <= 0 {
		return time.Duration(DefaultConnectTimeout) * time.Second
	}
	return time.Duration(u.ConnectTimeout) * time.Second
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (PAF_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.paf/paf.toml
//  4. ./paf.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Set all defaults from the default config so viper knows every key.
	setViperDefaults(v)

	// Environment variable overlay: PAF_SERVER_WEB_PORT etc.
	v.SetEnvPrefix("PAF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Determine which file(s) to read.
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".paf"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("paf")
	}

	if err := v.ReadInConfig(); err != nil {
		// If no config file exists we still proceed with defaults + env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Store the resolved config file path.
	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// PAF_DATA_DIR is the documented override for the data directory.
	if dir := os.Getenv("PAF_DATA_DIR"); dir != "" {
		cfg.Server.DataDir = dir
	}
	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to ~/.paf/paf.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".paf")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every known key with viper so that env var binding
// works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.web_port", d.Server.WebPort)
	v.SetDefault("server.claude_port", d.Server.ClaudePort)
	v.SetDefault("server.codex_port", d.Server.CodexPort)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)

	v.SetDefault("upstream.request_timeout", d.Upstream.RequestTimeout)
	v.SetDefault("upstream.connect_timeout", d.Upstream.ConnectTimeout)

	v.SetDefault("logs.retention_days", d.Logs.RetentionDays)
	v.SetDefault("logs.store_bodies", d.Logs.StoreBodies)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
