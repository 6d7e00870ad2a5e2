package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// runTimeout bounds one scheduled run end to end. Individual items carry
// their own shorter timeouts; this is the backstop.
const runTimeout = 10 * time.Minute

// Scheduler drives periodic runs on a cron expression, replacing the
// operator-managed crontab invocation of the one-shot CLI.
type Scheduler struct {
	runner *Runner
	spec   string
	opts   Options
	logger *slog.Logger
}

func NewScheduler(runner *Runner, spec string, opts Options, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner: runner,
		spec:   spec,
		opts:   opts,
		logger: logger.With("component", "scheduler"),
	}
}

// Start blocks until ctx is cancelled. An in-flight run is allowed to
// finish before Start returns; each run commits per credential, so a
// shutdown mid-run leaves only unreached work behind.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := cron.ParseStandard(s.spec); err != nil {
		return fmt.Errorf("invalid run schedule %q: %w", s.spec, err)
	}

	c := cron.New()
	_, err := c.AddFunc(s.spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()

		if _, err := s.runner.Run(runCtx, s.opts); err != nil {
			s.logger.Error("scheduled run", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("register cron job: %w", err)
	}

	c.Start()
	s.logger.Info("scheduler started", "schedule", s.spec)

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("scheduler shut down")
	return nil
}
