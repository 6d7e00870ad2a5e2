// Package notify surfaces batch-run outcomes to the operator.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/resend/resend-go/v2"
	"github.com/teamz88/farmon-be/internal/runner"
)

// LogNotifier logs run reports instead of emailing them — used in ENV=local
// or when no admin email is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func (n *LogNotifier) RunReport(_ context.Context, report *runner.Report) error {
	n.logger.Warn("run finished with failures (local dev, not emailed)",
		"users", report.Users,
		"reconcile_errors", len(report.Reconcile.Errors),
		"failures", report.Failures(),
	)
	return nil
}

// ResendNotifier emails the run report via the Resend API.
type ResendNotifier struct {
	client *resend.Client
	from   string
	to     string
}

func (n *ResendNotifier) RunReport(ctx context.Context, report *runner.Report) error {
	params := &resend.SendEmailRequest{
		From:    n.from,
		To:      []string{n.to},
		Subject: fmt.Sprintf("Magic link run: %d failure(s)", report.Failures()),
		Html:    renderReport(report),
	}
	if _, err := n.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("send run report: %w", err)
	}
	return nil
}

func renderReport(report *runner.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "<p>Run started %s, took %s, %d users.</p>",
		report.StartedAt.Format("2006-01-02 15:04:05"), report.Duration.Round(0), report.Users)
	fmt.Fprintf(&b, "<p>Reconcile: %d created, %d refreshed, %d unchanged, %d errors.</p>",
		report.Reconcile.Created, report.Reconcile.Refreshed,
		report.Reconcile.Unchanged, len(report.Reconcile.Errors))

	if report.Dispatch != nil {
		fmt.Fprintf(&b, "<p>Dispatch: %d attempted, %d sent, %d failed, %d skipped.</p>",
			report.Dispatch.Attempted, report.Dispatch.Sent,
			report.Dispatch.Failed, report.Dispatch.Skipped)
	}

	if len(report.Reconcile.Errors) > 0 {
		b.WriteString("<ul>")
		for _, e := range report.Reconcile.Errors {
			fmt.Fprintf(&b, "<li>%s: %s</li>", e.Email, e.Err)
		}
		b.WriteString("</ul>")
	}

	return b.String()
}

// NewNotifier returns a LogNotifier for ENV=local or when adminEmail is
// empty, a ResendNotifier otherwise.
func NewNotifier(env, apiKey, from, adminEmail string, logger *slog.Logger) runner.Notifier {
	if env == "local" || adminEmail == "" {
		return &LogNotifier{logger: logger.With("component", "notify")}
	}
	return &ResendNotifier{
		client: resend.NewClient(apiKey),
		from:   from,
		to:     adminEmail,
	}
}
