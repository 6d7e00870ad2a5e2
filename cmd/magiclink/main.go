// magiclink is the one-shot operator CLI: it reconciles credentials and
// dispatches webhooks once, then exits. The long-running equivalent lives
// in cmd/scheduler.
//
// Usage:
//
//	magiclink reconcile [-email a@b.c] [-force] [-dry-run] [-all-users] [-no-dispatch] [-stats-only]
//	magiclink dispatch  [-mode all|resend|single|test|stats] [-email a@b.c]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	stdlog "log"
	"log/slog"
	"os"
	"time"

	"github.com/teamz88/farmon-be/config"
	"github.com/teamz88/farmon-be/internal/domain"
	"github.com/teamz88/farmon-be/internal/infrastructure/postgres"
	"github.com/teamz88/farmon-be/internal/log"
	"github.com/teamz88/farmon-be/internal/magiclink"
	"github.com/teamz88/farmon-be/internal/runner"
	"github.com/teamz88/farmon-be/internal/token"
	"github.com/teamz88/farmon-be/internal/webhook"
)

const cmdTimeout = 15 * time.Minute

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("config: %v", err)
	}

	logger := log.New(cfg.Env, cfg.SlogLevel())

	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stdlog.Fatalf("db: %v", err)
	}
	defer pool.Close()

	userRepo := postgres.NewUserRepository(pool)
	credRepo := postgres.NewCredentialRepository(pool)
	manager := magiclink.NewManager(userRepo, credRepo, token.NewGenerator(), cfg.FrontendURL, logger)
	dispatcher := webhook.NewDispatcher(credRepo, nil, webhook.Options{
		URL:         cfg.WebhookURL,
		Timeout:     cfg.WebhookTimeout(),
		MaxAttempts: cfg.MaxWebhookAttempts,
		BatchSize:   cfg.DispatchBatchSize,
	}, logger)

	switch os.Args[1] {
	case "reconcile":
		runReconcile(ctx, os.Args[2:], cfg, userRepo, manager, dispatcher, logger)
	case "dispatch":
		runDispatch(ctx, os.Args[2:], manager, dispatcher)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: magiclink <reconcile|dispatch> [flags]")
}

func runReconcile(
	ctx context.Context,
	args []string,
	cfg *config.Config,
	userRepo *postgres.UserRepository,
	manager *magiclink.Manager,
	dispatcher *webhook.Dispatcher,
	logger *slog.Logger,
) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	email := fs.String("email", "", "reconcile a single user by email")
	force := fs.Bool("force", false, "regenerate tokens even when not expired")
	dryRun := fs.Bool("dry-run", false, "report intended actions without writing")
	allUsers := fs.Bool("all-users", false, "include deactivated users")
	noDispatch := fs.Bool("no-dispatch", false, "skip webhook delivery after reconciling")
	statsOnly := fs.Bool("stats-only", false, "print credential stats and exit")
	fs.Parse(args)

	if *statsOnly {
		stats, err := manager.Stats(ctx)
		if err != nil {
			stdlog.Fatalf("stats: %v", err)
		}
		printCredStats(stats)
		return
	}

	if *email != "" {
		user, err := userRepo.FindByEmail(ctx, *email)
		if err != nil {
			stdlog.Fatalf("find user: %v", err)
		}
		cred, action, err := manager.ReconcileOne(ctx, user, magiclink.ReconcileOptions{Force: *force, DryRun: *dryRun})
		if err != nil {
			stdlog.Fatalf("reconcile %s: %v", *email, err)
		}
		fmt.Printf("%s: %s\n", *email, action)
		if cred != nil {
			fmt.Printf("  link:    %s\n", cred.Link)
			fmt.Printf("  expires: %s\n", cred.ExpiresAt.Format(time.RFC3339))
		}
		if !*dryRun && !*noDispatch && cfg.WebhookURL != "" {
			result, err := dispatcher.SendForUser(ctx, *email)
			if err != nil {
				stdlog.Fatalf("dispatch %s: %v", *email, err)
			}
			printDelivery(*email, result)
		}
		return
	}

	run := runner.NewRunner(userRepo, manager, dispatcher, nil, logger)
	report, err := run.Run(ctx, runner.Options{
		Force:           *force,
		DryRun:          *dryRun,
		Dispatch:        !*noDispatch && cfg.WebhookURL != "",
		IncludeInactive: *allUsers,
	})
	if err != nil {
		stdlog.Fatalf("run: %v", err)
	}
	printReport(report)
}

func runDispatch(ctx context.Context, args []string, manager *magiclink.Manager, dispatcher *webhook.Dispatcher) {
	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)
	mode := fs.String("mode", "all", "all | resend | single | test | stats")
	email := fs.String("email", "", "target email for -mode single")
	fs.Parse(args)

	switch *mode {
	case "all":
		summary, err := dispatcher.SendAllPending(ctx)
		if err != nil {
			fatalDispatch(err)
		}
		printDispatchSummary(summary)
	case "resend":
		summary, err := dispatcher.ResendFailed(ctx)
		if err != nil {
			fatalDispatch(err)
		}
		printDispatchSummary(summary)
	case "single":
		if *email == "" {
			stdlog.Fatal("dispatch -mode single requires -email")
		}
		result, err := dispatcher.SendForUser(ctx, *email)
		if err != nil {
			fatalDispatch(err)
		}
		printDelivery(*email, result)
	case "test":
		probe, err := dispatcher.TestConnection(ctx)
		if err != nil {
			fatalDispatch(err)
		}
		if probe.Reachable {
			fmt.Printf("webhook reachable (%s)\n", probe.Latency.Round(time.Millisecond))
		} else {
			fmt.Printf("webhook unreachable: %v\n", probe.Err)
			os.Exit(1)
		}
	case "stats":
		stats, err := dispatcher.Stats(ctx)
		if err != nil {
			stdlog.Fatalf("stats: %v", err)
		}
		printDispatchStats(stats)
	default:
		stdlog.Fatalf("unknown dispatch mode %q", *mode)
	}
}

func fatalDispatch(err error) {
	if errors.Is(err, domain.ErrWebhookNotConfigured) {
		stdlog.Fatal("WEBHOOK_URL is not set")
	}
	stdlog.Fatalf("dispatch: %v", err)
}

func printReport(r *runner.Report) {
	fmt.Println("Run complete")
	if r.DryRun {
		fmt.Println("  (dry run — nothing was written or sent)")
	}
	fmt.Printf("  Users:     %d\n", r.Users)
	fmt.Printf("  Created:   %d\n", r.Reconcile.Created)
	fmt.Printf("  Refreshed: %d\n", r.Reconcile.Refreshed)
	fmt.Printf("  Unchanged: %d\n", r.Reconcile.Unchanged)
	fmt.Printf("  Errors:    %d\n", len(r.Reconcile.Errors))
	for _, e := range r.Reconcile.Errors {
		fmt.Printf("    %s: %s\n", e.Email, e.Err)
	}
	if r.Dispatch != nil {
		fmt.Printf("  Webhooks:  %d sent, %d failed, %d skipped\n",
			r.Dispatch.Sent, r.Dispatch.Failed, r.Dispatch.Skipped)
	}
	fmt.Printf("  Took:      %s\n", r.Duration.Round(time.Millisecond))
}

func printDispatchSummary(s *webhook.Summary) {
	fmt.Printf("Dispatched %d: %d sent, %d failed, %d skipped\n",
		s.Attempted, s.Sent, s.Failed, s.Skipped)
}

func printDelivery(email string, r webhook.DeliveryResult) {
	switch r.Outcome {
	case webhook.OutcomeSent:
		fmt.Printf("%s: sent (HTTP %d)\n", email, r.HTTPStatus)
	case webhook.OutcomeFailed:
		fmt.Printf("%s: failed: %v\n", email, r.Err)
	case webhook.OutcomeSkipped:
		fmt.Printf("%s: skipped: %s\n", email, r.SkipReason)
	}
}

func printCredStats(s *domain.CredentialStats) {
	fmt.Println("Credential stats")
	fmt.Printf("  Users:        %d\n", s.TotalUsers)
	fmt.Printf("  Credentials:  %d\n", s.TotalCredentials)
	fmt.Printf("  Active:       %d\n", s.Active)
	fmt.Printf("  Expired:      %d\n", s.Expired)
	fmt.Printf("  Webhooks:     %d pending, %d sent, %d failed\n",
		s.PendingWebhooks, s.SentWebhooks, s.FailedWebhooks)
}

func printDispatchStats(s *domain.DispatchStats) {
	fmt.Println("Dispatch stats")
	fmt.Printf("  Pending: %d\n", s.Pending)
	fmt.Printf("  Sent:    %d\n", s.Sent)
	fmt.Printf("  Failed:  %d\n", s.Failed)
	if s.LastSuccessAt != nil {
		fmt.Printf("  Last success: %s\n", s.LastSuccessAt.Format(time.RFC3339))
	}
	if s.LastFailureAt != nil {
		fmt.Printf("  Last failure: %s\n", s.LastFailureAt.Format(time.RFC3339))
	}
}
