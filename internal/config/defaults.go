package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults 设置所有配置项的默认值
func SetDefaults() {
	viper.SetDefault("version", CurrentVersion)

	// Log 配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.max_size_mb", 50)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age_days", 14)
	viper.SetDefault("log.compress", false)

	// Storage 配置
	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.path", "~/.cadence/data.db")

	// Redis 配置
	viper.SetDefault("redis.addr", "127.0.0.1:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.prefix", "cadence:")
	viper.SetDefault("redis.pool_size", 10)

	// Turn 配置
	viper.SetDefault("turn.system_prompt", "")
	viper.SetDefault("turn.preview_interval", 50*time.Millisecond)
	viper.SetDefault("turn.finalize_timeout", 5*time.Second)
	viper.SetDefault("turn.recent_turns", 20)
	viper.SetDefault("turn.recent_token_budget", 4096)
	viper.SetDefault("turn.title_length", 48)
	viper.SetDefault("turn.chars_per_token", 3.5)

	// Agent 配置
	viper.SetDefault("agent.max_iterations", 10)
	viper.SetDefault("agent.languages", []string{"javascript", "js"})

	// Persist 配置
	viper.SetDefault("persist.debounce", 400*time.Millisecond)
	viper.SetDefault("persist.write_timeout", 10*time.Second)

	// JSVM 配置
	viper.SetDefault("jsvm.pool_size", 4)
	viper.SetDefault("jsvm.idle_timeout", 5*time.Minute)
	viper.SetDefault("jsvm.acquire_timeout", 5*time.Second)
	viper.SetDefault("jsvm.timeout", 30*time.Second)
	viper.SetDefault("jsvm.max_output_bytes", 64*1024)
	viper.SetDefault("jsvm.max_figures", 8)

	// Binding 配置
	viper.SetDefault("binding.idle_ttl", 30*time.Minute)
	viper.SetDefault("binding.sweep_schedule", "@every 5m")

	// Gateway 配置
	viper.SetDefault("gateway.port", 8080)
	viper.SetDefault("gateway.host", "127.0.0.1")
	viper.SetDefault("gateway.shutdown_timeout", 10*time.Second)
	viper.SetDefault("gateway.rate_limit.enabled", false)
	viper.SetDefault("gateway.rate_limit.requests_per_minute", 120)
	viper.SetDefault("gateway.rate_limit.burst", 20)
	viper.SetDefault("gateway.rate_limit.cleanup_interval", 5*time.Minute)

	// Metrics 配置
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
}
