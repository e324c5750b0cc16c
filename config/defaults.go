package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "threadline.db")

	// Server configuration defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Engine defaults
	v.SetDefault("engine.scheduler_interval_seconds", 60)
	v.SetDefault("engine.scheduler_batch_size", 10)
	v.SetDefault("engine.processor_interval_seconds", 30)
	v.SetDefault("engine.processor_batch_size", 5)
	v.SetDefault("engine.rescuer_interval_seconds", 300)
	v.SetDefault("engine.running_timeout_minutes", 10)
	v.SetDefault("engine.pending_timeout_minutes", 30)

	// OpenRouter defaults
	v.SetDefault("openrouter.model", "openai/gpt-4o-mini") // Cost-effective default
	v.SetDefault("openrouter.temperature", 0.2)            // Deterministic
	v.SetDefault("openrouter.max_tokens", 1000)            // Token limit
	v.SetDefault("openrouter.requests_per_minute", 0)      // No client-side throttle
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("openrouter.api_key", "THREADLINE_OPENROUTER_API_KEY")
	v.BindEnv("database.path", "THREADLINE_DATABASE_PATH")
}
