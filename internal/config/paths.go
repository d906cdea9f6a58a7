// Package config loads cadence configuration from defaults, a YAML file
// and CADENCE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "CADENCE"

// HomeEnv 覆盖默认配置目录
const HomeEnv = EnvPrefix + "_HOME"

// DefaultConfigDir returns $CADENCE_HOME, or ~/.cadence when unset.
func DefaultConfigDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return ExpandPath(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".cadence"), nil
}

// DefaultConfigPath returns the default configuration file path (~/.cadence/config.yaml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultDataPath returns the default database file path (~/.cadence/data.db).
func DefaultDataPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data.db"), nil
}

// ExpandPath expands $VARS and a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	path = os.ExpandEnv(path)

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}

	if path == "~" {
		return os.UserHomeDir()
	}

	return path, nil
}
