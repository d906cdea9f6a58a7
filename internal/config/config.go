package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config 是应用配置的根结构体
type Config struct {
	Version string        `mapstructure:"version" yaml:"version"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Redis   RedisConfig   `mapstructure:"redis" yaml:"redis"`
	Turn    TurnConfig    `mapstructure:"turn" yaml:"turn"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	Persist PersistConfig `mapstructure:"persist" yaml:"persist"`
	JSVM    JSVMConfig    `mapstructure:"jsvm" yaml:"jsvm"`
	Binding BindingConfig `mapstructure:"binding" yaml:"binding"`
	Gateway GatewayConfig `mapstructure:"gateway" yaml:"gateway"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LogConfig 日志配置，File 非空时按大小轮转
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// StorageConfig 存储配置，driver 为 sqlite 或 redis
type StorageConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// RedisConfig Redis 连接配置，仅 driver=redis 时使用
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
}

// TurnConfig 单轮对话配置
type TurnConfig struct {
	SystemPrompt      string        `mapstructure:"system_prompt" yaml:"system_prompt"`
	PreviewInterval   time.Duration `mapstructure:"preview_interval" yaml:"preview_interval"`
	FinalizeTimeout   time.Duration `mapstructure:"finalize_timeout" yaml:"finalize_timeout"`
	RecentTurns       int           `mapstructure:"recent_turns" yaml:"recent_turns"`
	RecentTokenBudget int           `mapstructure:"recent_token_budget" yaml:"recent_token_budget"`
	TitleLength       int           `mapstructure:"title_length" yaml:"title_length"`
	// CharsPerToken 引擎未返回 token 数时的估算比例
	CharsPerToken float64 `mapstructure:"chars_per_token" yaml:"chars_per_token"`
}

// AgentConfig 代理循环配置
type AgentConfig struct {
	MaxIterations int      `mapstructure:"max_iterations" yaml:"max_iterations"`
	Languages     []string `mapstructure:"languages" yaml:"languages"`
}

// PersistConfig 延迟保存配置
type PersistConfig struct {
	Debounce     time.Duration `mapstructure:"debounce" yaml:"debounce"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// JSVMConfig 沙箱配置
type JSVMConfig struct {
	PoolSize       int           `mapstructure:"pool_size" yaml:"pool_size"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
	MaxFigures     int           `mapstructure:"max_figures" yaml:"max_figures"`
}

// BindingConfig 会话句柄回收配置
type BindingConfig struct {
	IdleTTL       time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`
	SweepSchedule string        `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
}

// GatewayConfig 网关配置
type GatewayConfig struct {
	Port            int             `mapstructure:"port" yaml:"port"`
	Host            string          `mapstructure:"host" yaml:"host"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Addr 返回网关监听地址
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

var (
	configPath string
	mu         sync.RWMutex
)

// Load 加载配置，优先级：环境变量 > 配置文件 > 默认值
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := viper.ReadInConfig(); err != nil {
			// 文件不存在时使用默认值，解析错误直接返回
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", expandedPath, err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Get 返回配置项的当前值，key 形如 gateway.port
func Get(key string) any {
	mu.RLock()
	defer mu.RUnlock()
	return viper.Get(key)
}

// Set 修改配置项并校验，已设置路径时同步写入文件
func Set(key string, value any) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if !viper.IsSet(key) {
		return nil, fmt.Errorf("unknown config key %q", key)
	}

	// 先在副本上校验，失败时不污染当前配置
	candidate := viper.New()
	if err := candidate.MergeConfigMap(viper.AllSettings()); err != nil {
		return nil, fmt.Errorf("set %s: %w", key, err)
	}
	candidate.Set(key, value)

	var cfg Config
	if err := candidate.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("set %s: %w", key, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	viper.Set(key, value)
	if configPath != "" {
		if err := save(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Save 把当前全部配置写入配置文件
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// SaveTo 把 cfg 写入指定路径
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600) // 可能包含 Redis 密码
}

// Reset 清空全局状态，测试使用
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	configPath = ""
	viper.Reset()
}
