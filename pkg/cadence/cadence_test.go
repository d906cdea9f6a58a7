package cadence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/config"
	"cadence/internal/coordinator"
	"cadence/internal/enginetest"
	"cadence/internal/storage"
	"cadence/pkg/engine"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	config.Reset()
	t.Cleanup(config.Reset)

	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	cfg.Storage.Path = filepath.Join(dir, "data.db")
	cfg.Gateway.Port = 0
	cfg.Metrics.Enabled = false
	return cfg
}

func drain(t *testing.T, ch <-chan coordinator.Update) coordinator.Update {
	t.Helper()
	var last coordinator.Update
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return last
			}
			last = u
		case <-timeout:
			t.Fatal("timed out waiting for turn to finish")
		}
	}
}

func TestNew_RequiresConfigAndEngine(t *testing.T) {
	_, err := New(nil, enginetest.New())
	assert.Error(t, err)

	_, err = New(testConfig(t), nil)
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		cfg := testConfig(t)
		store, err := OpenStore(cfg)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &storage.SQLiteStore{}, store)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig(t)
		cfg.Storage.Driver = "redis"
		cfg.Redis.Addr = mr.Addr()

		store, err := OpenStore(cfg)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &storage.RedisStore{}, store)
	})

	t.Run("unknown driver", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Storage.Driver = "etcd"
		_, err := OpenStore(cfg)
		assert.ErrorContains(t, err, "etcd")
	})
}

func TestRuntime_TurnIsFlushedOnClose(t *testing.T) {
	cfg := testConfig(t)
	// only the shutdown flush may write
	cfg.Persist.Debounce = time.Hour

	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	require.NoError(t, err)
	defer store.Close()

	eng := enginetest.New().EnqueueAnswer([]string{"4"}, engine.Chunk{FullText: "4", FinishReason: "stop", CompletionTokens: 1})
	rt, err := New(cfg, eng, WithStore(store), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	updates, err := rt.Coordinator().SendTurn(context.Background(), "conv-1", "2+2?", coordinator.TurnOptions{})
	require.NoError(t, err)
	last := drain(t, updates)
	require.Equal(t, coordinator.UpdateResult, last.Type)

	_, _, err = store.Load(context.Background(), "conv-1")
	require.ErrorIs(t, err, storage.ErrNotFound, "nothing should be written before the debounce")

	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close(), "second Close returns the first result")

	conv, msgs, err := store.Load(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "2+2?", conv.Title)
	require.Len(t, msgs, 2)
	assert.Equal(t, "4", msgs[1].Content)

	_, err = rt.Coordinator().SendTurn(context.Background(), "conv-1", "again", coordinator.TurnOptions{})
	assert.ErrorIs(t, err, coordinator.ErrShutdown)
}

func TestRuntime_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Binding.SweepSchedule = "@every 1s"
	cfg.Binding.IdleTTL = time.Minute

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, config.SaveTo(cfg, path))

	rt, err := New(cfg, enginetest.New(), WithConfigPath(path), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.NotNil(t, rt.sweeper)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	require.Eventually(t, rt.Server().IsReady, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, rt.Server().IsReady())
}

func TestRuntime_InvalidSweepSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Binding.SweepSchedule = "every now and then"
	cfg.Binding.IdleTTL = time.Minute

	_, err := New(cfg, enginetest.New(), WithLogger(zerolog.Nop()))
	assert.ErrorContains(t, err, "sweep schedule")
}

func TestRuntime_SweepReleasesIdleSessions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Binding.SweepSchedule = "@every 1h"
	cfg.Binding.IdleTTL = time.Nanosecond

	eng := enginetest.New().EnqueueAnswer([]string{"hi"}, engine.Chunk{FullText: "hi", FinishReason: "stop"})
	rt, err := New(cfg, eng, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer rt.Close()

	updates, err := rt.Coordinator().SendTurn(context.Background(), "conv-1", "hello", coordinator.TurnOptions{})
	require.NoError(t, err)
	drain(t, updates)
	require.Equal(t, 1, rt.binder.Len())

	time.Sleep(time.Millisecond)
	rt.sweeper.run()
	assert.Equal(t, 0, rt.binder.Len())
}

func TestRuntime_ApplyConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.Level = "info"
	rt, err := New(cfg, enginetest.New(), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer rt.Close()

	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	next := *cfg
	next.Log.Level = "debug"
	rt.applyConfig(&next)

	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	assert.Equal(t, "debug", rt.cfg.Log.Level)
}
