package cli

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"cadence/internal/config"
	"cadence/internal/storage"
	"cadence/pkg/cadence"
)

// CLIContext CLI 上下文
type CLIContext struct {
	Config     *config.Config
	ConfigPath string
	Logger     *zerolog.Logger
	Verbose    bool
	Quiet      bool

	storeOnce sync.Once
	store     storage.Store
	storeErr  error
}

// NewCLIContext 创建 CLI 上下文
func NewCLIContext(cfg *config.Config, configPath string, log *zerolog.Logger, verbose, quiet bool) *CLIContext {
	return &CLIContext{
		Config:     cfg,
		ConfigPath: configPath,
		Logger:     log,
		Verbose:    verbose,
		Quiet:      quiet,
	}
}

// Store 按配置的驱动打开会话存储（懒加载）
func (c *CLIContext) Store() (storage.Store, error) {
	c.storeOnce.Do(func() {
		c.store, c.storeErr = cadence.OpenStore(c.Config)
	})
	return c.store, c.storeErr
}

// Close 关闭资源
func (c *CLIContext) Close() error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Close(); err != nil && !errors.Is(err, storage.ErrStoreClosed) {
		return err
	}
	return nil
}
