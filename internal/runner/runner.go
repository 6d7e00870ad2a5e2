// Package runner sequences manager and dispatcher calls over the whole
// user population and aggregates the outcome into one report.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/teamz88/farmon-be/internal/domain"
	"github.com/teamz88/farmon-be/internal/magiclink"
	"github.com/teamz88/farmon-be/internal/metrics"
	"github.com/teamz88/farmon-be/internal/repository"
	"github.com/teamz88/farmon-be/internal/webhook"
)

// reconciler is the subset of the magic-link manager the runner needs.
type reconciler interface {
	ReconcileAll(ctx context.Context, users []*domain.User, opts magiclink.ReconcileOptions) *magiclink.Summary
}

// dispatcher is the subset of the webhook dispatcher the runner needs.
type dispatcher interface {
	SendAllPending(ctx context.Context) (*webhook.Summary, error)
}

// Notifier receives the report of a finished run. Implementations decide
// whether and how to surface it (email, log).
type Notifier interface {
	RunReport(ctx context.Context, report *Report) error
}

type Options struct {
	// Force regenerates every token regardless of expiry.
	Force bool
	// Dispatch sends pending webhooks after reconciliation.
	Dispatch bool
	// DryRun reports intended actions without persisting or sending.
	DryRun bool
	// IncludeInactive reconciles deactivated source users too. Filtering
	// is the runner's job; the manager reconciles whatever it is given.
	IncludeInactive bool
}

type Report struct {
	StartedAt time.Time
	Duration  time.Duration
	DryRun    bool
	Users     int
	Reconcile *magiclink.Summary
	Dispatch  *webhook.Summary
}

// Failures counts everything an operator would act on.
func (r *Report) Failures() int {
	n := len(r.Reconcile.Errors)
	if r.Dispatch != nil {
		n += r.Dispatch.Failed
	}
	return n
}

type Runner struct {
	users      repository.UserRepository
	manager    reconciler
	dispatcher dispatcher
	notifier   Notifier // optional
	logger     *slog.Logger
}

func NewRunner(users repository.UserRepository, manager reconciler, dispatcher dispatcher, notifier Notifier, logger *slog.Logger) *Runner {
	return &Runner{
		users:      users,
		manager:    manager,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger.With("component", "runner"),
	}
}

// Run executes one full pass: fetch users, reconcile credentials, then
// (unless dry-run or disabled) dispatch pending webhooks. Reconciliation
// is fully persisted before any dispatch starts, so a credential is never
// delivered before it is durable.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()

	users, err := r.users.List(ctx)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("list users: %w", err)
	}

	if !opts.IncludeInactive {
		users = activeOnly(users)
	}

	r.logger.Info("run started", "users", len(users), "dry_run", opts.DryRun, "force", opts.Force)

	report := &Report{
		StartedAt: start,
		DryRun:    opts.DryRun,
		Users:     len(users),
	}

	report.Reconcile = r.manager.ReconcileAll(ctx, users, magiclink.ReconcileOptions{
		Force:  opts.Force,
		DryRun: opts.DryRun,
	})

	if opts.Dispatch && !opts.DryRun {
		dispatch, err := r.dispatcher.SendAllPending(ctx)
		if err != nil {
			// Configuration or store-level failure: nothing can be
			// dispatched at all, abort the run with what we have.
			report.Duration = time.Since(start)
			metrics.RunsTotal.WithLabelValues("failed").Inc()
			return report, fmt.Errorf("dispatch pending webhooks: %w", err)
		}
		report.Dispatch = dispatch
	}

	report.Duration = time.Since(start)
	metrics.RunDuration.Observe(report.Duration.Seconds())

	result := "ok"
	if report.Failures() > 0 {
		result = "partial"
	}
	metrics.RunsTotal.WithLabelValues(result).Inc()

	r.logger.Info("run finished",
		"duration", report.Duration,
		"created", report.Reconcile.Created,
		"refreshed", report.Reconcile.Refreshed,
		"unchanged", report.Reconcile.Unchanged,
		"errors", len(report.Reconcile.Errors),
		"result", result,
	)

	if r.notifier != nil && report.Failures() > 0 && !opts.DryRun {
		if err := r.notifier.RunReport(ctx, report); err != nil {
			r.logger.Error("send run report", "error", err)
		}
	}

	return report, nil
}

func activeOnly(users []*domain.User) []*domain.User {
	out := users[:0:0]
	for _, u := range users {
		if u.IsActive {
			out = append(out, u)
		}
	}
	return out
}
