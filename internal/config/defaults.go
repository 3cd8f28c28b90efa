package config

// DefaultWebPort is the default port for the dashboard/API server.
const DefaultWebPort = 8800

// DefaultClaudePort is the default port for the Anthropic-family proxy.
const DefaultClaudePort = 8801

// DefaultCodexPort is the default port for the OpenAI-family proxy.
const DefaultCodexPort = 8802

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.paf"

// DefaultConfigFilename is the name of the system config file.
const DefaultConfigFilename = "paf.toml"

// DefaultReadTimeout is the default HTTP server read timeout in seconds.
const DefaultReadTimeout = 30

// DefaultWriteTimeout is the default HTTP server write timeout in seconds.
// Zero: LLM streaming responses have no bounded duration, so the listener
// must not impose one.
const DefaultWriteTimeout = 0

// DefaultIdleTimeout is the default HTTP server idle timeout in seconds.
const DefaultIdleTimeout = 120

// DefaultRequestTimeout is the default non-streaming upstream deadline in seconds.
const DefaultRequestTimeout = 300

// DefaultConnectTimeout is the default upstream dial deadline in seconds.
const DefaultConnectTimeout = 30

// DefaultRetentionDays is the default request-log retention in days.
const DefaultRetentionDays = 30

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// DefaultConfig returns a Config populated with every default value.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			WebPort:      DefaultWebPort,
			ClaudePort:   DefaultClaudePort,
			CodexPort:    DefaultCodexPort,
			LogLevel:     DefaultLogLevel,
			DataDir:      DefaultDataDir,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
		},
		Upstream: UpstreamConfig{
			RequestTimeout: DefaultRequestTimeout,
			ConnectTimeout: DefaultConnectTimeout,
		},
		Logs: LogsConfig{
			RetentionDays: DefaultRetentionDays,
			StoreBodies:   true,
		},
	}
}
