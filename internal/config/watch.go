package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"cadence/pkg/logger"
)

const watchDebounce = 100 * time.Millisecond

// Watch 监听配置文件变化，重新加载成功后调用 onChange，直到 ctx 结束。
// 监听的是文件所在目录，以兼容编辑器的原子替换写法。
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(expanded)); err != nil {
		return err
	}
	target := filepath.Clean(expanded)

	var (
		timer  *time.Timer
		reload = make(chan struct{}, 1)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			cfg, err := Load(expanded)
			if err != nil {
				logger.Warn().Err(err).Str("path", expanded).Msg("config reload failed")
				continue
			}
			logger.Info().Str("path", expanded).Msg("config reloaded")
			onChange(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("config watcher error")
		}
	}
}
