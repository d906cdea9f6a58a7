package config

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"cadence/pkg/logger"
)

// CurrentVersion 当前配置格式版本
const CurrentVersion = "1.0.0"

// SupportedVersions 可加载的配置版本范围
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// CheckVersion 校验配置文件版本，空值视为当前版本
func CheckVersion(version string) error {
	if version == "" {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid config version %s: %w", version, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return fmt.Errorf("config version %s is not supported (want %s)", version, SupportedVersions)
	}
	return nil
}

// Validate 检查配置的一致性
func Validate(cfg *Config) error {
	var errs []error
	if err := CheckVersion(cfg.Version); err != nil {
		errs = append(errs, err)
	}

	if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	switch cfg.Storage.Driver {
	case "sqlite", "":
	case "redis":
		if cfg.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required when storage.driver is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver))
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", cfg.Gateway.Port))
	}
	if cfg.Agent.MaxIterations < 0 {
		errs = append(errs, errors.New("agent.max_iterations must not be negative"))
	}
	if cfg.Turn.CharsPerToken < 0 {
		errs = append(errs, errors.New("turn.chars_per_token must not be negative"))
	}
	return errors.Join(errs...)
}
