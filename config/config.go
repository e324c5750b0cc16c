// Package config loads the Threadline configuration from TOML files and
// environment variables, layered in precedence order.
package config

import "fmt"

// Config represents the core Threadline configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Engine     EngineConfig     `mapstructure:"engine"`
	OpenRouter OpenRouterConfig `mapstructure:"openrouter"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the Threadline web server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// EngineConfig tunes the background job engine loops
type EngineConfig struct {
	SchedulerIntervalSeconds int `mapstructure:"scheduler_interval_seconds"` // due-template scan cadence (default: 60)
	SchedulerBatchSize       int `mapstructure:"scheduler_batch_size"`       // templates spawned per tick (default: 10)
	ProcessorIntervalSeconds int `mapstructure:"processor_interval_seconds"` // pending-job claim cadence (default: 30)
	ProcessorBatchSize       int `mapstructure:"processor_batch_size"`       // jobs claimed per tick (default: 5)
	RescuerIntervalSeconds   int `mapstructure:"rescuer_interval_seconds"`   // stuck-job sweep cadence (default: 300)
	RunningTimeoutMinutes    int `mapstructure:"running_timeout_minutes"`    // running jobs older than this are stuck (default: 10)
	PendingTimeoutMinutes    int `mapstructure:"pending_timeout_minutes"`    // pending jobs older than this are stuck (default: 30)

	// DispatchBaseURL points the processor at a remote orchestration
	// endpoint. Empty means dispatch in-process.
	DispatchBaseURL string `mapstructure:"dispatch_base_url"`
}

// OpenRouterConfig configures OpenRouter.ai API access
type OpenRouterConfig struct {
	APIKey            string   `mapstructure:"api_key"`
	Model             string   `mapstructure:"model"`               // default model (e.g., "openai/gpt-4o-mini")
	Temperature       *float64 `mapstructure:"temperature"`         // sampling temperature (nil = default 0.2)
	MaxTokens         *int     `mapstructure:"max_tokens"`          // maximum tokens per request (nil = default 1000)
	RequestsPerMinute int      `mapstructure:"requests_per_minute"` // client-side throttle, 0 = unlimited
}

// RateLimitConfig configures tenant quota enforcement
type RateLimitConfig struct {
	ProWallets []string `mapstructure:"pro_wallets"` // wallet addresses granted the pro tier
}

// Server port constants
const (
	DefaultServerPort = 8090
)

// GetServerPort returns the configured server port with the default applied
func (c *Config) GetServerPort() int {
	if c.Server.Port <= 0 {
		return DefaultServerPort
	}
	return c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "threadline.db"
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed CORS origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Server: {Port: %d}, Engine: {ProcessorBatch: %d}}",
		c.Database.Path, c.GetServerPort(), c.Engine.ProcessorBatchSize)
}
