package cadence

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"cadence/internal/metrics"
)

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// sweeper invalidates engine sessions of conversations idle for longer
// than idle, on a cron schedule.
type sweeper struct {
	cron *cron.Cron
	run  func()
}

func newSweeper(schedule string, idle time.Duration, r *Runtime) (*sweeper, error) {
	clog := cronLogger{log: r.log.With().Str("component", "sweeper").Logger()}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	run := func() {
		swept := r.coord.SweepIdle(idle)
		bound := r.binder.Len()
		metrics.SetBoundSessions(bound)
		if len(swept) > 0 {
			r.log.Info().Strs("conversations", swept).Int("bound", bound).Msg("idle sessions released")
		}
	}
	if _, err := c.AddFunc(schedule, run); err != nil {
		return nil, fmt.Errorf("binding sweep schedule %q: %w", schedule, err)
	}
	return &sweeper{cron: c, run: run}, nil
}

// Run starts the schedule and blocks until ctx is done and the running
// job, if any, has finished.
func (s *sweeper) Run(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
}
