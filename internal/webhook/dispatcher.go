// Package webhook delivers magic-credential notifications to the external
// automation endpoint and keeps the per-credential delivery bookkeeping.
// It never touches token or expiry fields; those belong to the manager.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/teamz88/farmon-be/internal/domain"
	"github.com/teamz88/farmon-be/internal/metrics"
	"github.com/teamz88/farmon-be/internal/repository"
)

const (
	userAgent    = "Farmon-Magic-Link-Sender/1.0"
	probeTimeout = 10 * time.Second

	defaultTimeout   = 30 * time.Second
	defaultBatchSize = 500

	// storeWriteTimeout bounds the bookkeeping writes that follow a
	// delivery attempt inside a batch. One hung store write must not
	// stall the whole batch.
	storeWriteTimeout = 5 * time.Second
)

type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// DeliveryResult is the per-credential outcome of one dispatch call.
// Skipped is a steady-state condition (already sent, expired, inactive),
// not a failure.
type DeliveryResult struct {
	Outcome    Outcome
	HTTPStatus int
	SkipReason string
	Err        error
}

type Summary struct {
	Attempted int
	Sent      int
	Failed    int
	Skipped   int
}

type Options struct {
	URL     string
	Timeout time.Duration
	// MaxAttempts caps lifetime delivery attempts per token generation.
	// 0 means unlimited.
	MaxAttempts int
	BatchSize   int
}

type Dispatcher struct {
	creds       repository.CredentialRepository
	client      *http.Client
	url         string
	timeout     time.Duration
	maxAttempts int
	batchSize   int
	logger      *slog.Logger
}

func NewDispatcher(creds repository.CredentialRepository, client *http.Client, opts Options, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{} // no global timeout, each delivery sets its own
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Dispatcher{
		creds:       creds,
		client:      client,
		url:         opts.URL,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		batchSize:   opts.BatchSize,
		logger:      logger.With("component", "webhook_dispatcher"),
	}
}

// payload mirrors what the downstream automation flow expects. Field names
// are part of the contract; do not rename.
type payload struct {
	UserID            string    `json:"user_id"`
	Email             string    `json:"email"`
	FirstName         string    `json:"first_name"`
	LastName          string    `json:"last_name"`
	FullName          string    `json:"full_name"`
	CompanyName       string    `json:"company_name"`
	PhoneNumber       string    `json:"phone_number"`
	Title             string    `json:"title"`
	Position          string    `json:"position"`
	MagicLink         string    `json:"magic_link"`
	MagicToken        string    `json:"magic_token"`
	ExpiresAt         time.Time `json:"expires_at"`
	CreatedAt         time.Time `json:"created_at"`
	GeneratedUsername string    `json:"generated_username"`
	IsAccountCreated  bool      `json:"is_account_created"`
	Attempt           int       `json:"attempt"`
	WebhookType       string    `json:"webhook_type"`
	Timestamp         time.Time `json:"timestamp"`
}

func buildPayload(cred *domain.Credential) payload {
	return payload{
		UserID:            cred.UserID,
		Email:             cred.Email,
		FirstName:         cred.FirstName,
		LastName:          cred.LastName,
		FullName:          cred.FullName(),
		CompanyName:       deref(cred.CompanyName),
		PhoneNumber:       deref(cred.PhoneNumber),
		Title:             deref(cred.Title),
		Position:          deref(cred.Position),
		MagicLink:         cred.Link,
		MagicToken:        cred.Token,
		ExpiresAt:         cred.ExpiresAt,
		CreatedAt:         cred.CreatedAt,
		GeneratedUsername: cred.GeneratedUsername,
		IsAccountCreated:  cred.AccountCreated,
		Attempt:           cred.WebhookAttempts + 1,
		WebhookType:       "magic_link_registration",
		Timestamp:         time.Now(),
	}
}

// SendOne performs exactly one delivery attempt for the credential. The
// returned error is non-nil only for configuration problems; delivery
// failures are recorded in the result and the store, never propagated.
func (d *Dispatcher) SendOne(ctx context.Context, cred *domain.Credential) (DeliveryResult, error) {
	if d.url == "" {
		return DeliveryResult{}, domain.ErrWebhookNotConfigured
	}

	if reason := skipReason(cred, d.maxAttempts); reason != "" {
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
		return DeliveryResult{Outcome: OutcomeSkipped, SkipReason: reason}, nil
	}

	status, err := d.post(ctx, d.url, buildPayload(cred), d.timeout)

	if err == nil && status >= 200 && status < 300 {
		if markErr := d.creds.MarkSent(ctx, cred.UserID, cred.Token); markErr != nil {
			if errors.Is(markErr, domain.ErrVersionConflict) {
				// A concurrent refresh replaced the token mid-delivery.
				// The delivered generation no longer exists; the new one
				// stays Pending for the next dispatch.
				d.logger.Warn("credential refreshed mid-delivery", "email", cred.Email)
				metrics.WebhookDeliveriesTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
				return DeliveryResult{Outcome: OutcomeSkipped, SkipReason: "credential refreshed mid-delivery"}, nil
			}
			d.logger.Error("record delivery success", "user_id", cred.UserID, "error", markErr)
		}
		d.logger.Info("webhook delivered", "email", cred.Email, "http_status", status, "attempt", cred.WebhookAttempts+1)
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(OutcomeSent)).Inc()
		return DeliveryResult{Outcome: OutcomeSent, HTTPStatus: status}, nil
	}

	if err == nil {
		err = fmt.Errorf("unexpected status code: %d", status)
	}
	if markErr := d.creds.MarkFailed(ctx, cred.UserID, cred.Token, err.Error()); markErr != nil {
		if errors.Is(markErr, domain.ErrVersionConflict) {
			d.logger.Warn("credential refreshed mid-delivery, failure not recorded", "email", cred.Email)
			metrics.WebhookDeliveriesTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
			return DeliveryResult{Outcome: OutcomeSkipped, SkipReason: "credential refreshed mid-delivery"}, nil
		}
		d.logger.Error("record delivery failure", "user_id", cred.UserID, "error", markErr)
	}
	d.logger.Warn("webhook delivery failed", "email", cred.Email, "attempt", cred.WebhookAttempts+1, "error", err)
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(OutcomeFailed)).Inc()
	return DeliveryResult{Outcome: OutcomeFailed, HTTPStatus: status, Err: err}, nil
}

// SendAllPending delivers every credential still awaiting its first
// successful delivery. Per-item failures are tallied, never fatal.
func (d *Dispatcher) SendAllPending(ctx context.Context) (*Summary, error) {
	if d.url == "" {
		return nil, domain.ErrWebhookNotConfigured
	}

	creds, err := d.creds.ListPending(ctx, time.Now(), d.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list pending credentials: %w", err)
	}
	return d.sendBatch(ctx, creds), nil
}

// ResendFailed re-attempts delivery for credentials whose last attempt
// failed. Attempt counts keep accumulating; the token is untouched.
func (d *Dispatcher) ResendFailed(ctx context.Context) (*Summary, error) {
	if d.url == "" {
		return nil, domain.ErrWebhookNotConfigured
	}

	creds, err := d.creds.ListFailed(ctx, time.Now(), d.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list failed credentials: %w", err)
	}
	return d.sendBatch(ctx, creds), nil
}

func (d *Dispatcher) sendBatch(ctx context.Context, creds []*domain.Credential) *Summary {
	summary := &Summary{}

	for _, cred := range creds {
		if ctx.Err() != nil {
			break
		}

		// The HTTP call bounds itself with d.timeout; the extra headroom
		// covers the MarkSent/MarkFailed write afterwards.
		itemCtx, cancel := context.WithTimeout(ctx, d.timeout+storeWriteTimeout)
		result, err := d.SendOne(itemCtx, cred)
		cancel()
		if err != nil {
			// Only configuration errors reach here, and the URL was
			// checked before the batch started.
			d.logger.Error("dispatch credential", "user_id", cred.UserID, "error", err)
			continue
		}

		switch result.Outcome {
		case OutcomeSent:
			summary.Attempted++
			summary.Sent++
		case OutcomeFailed:
			summary.Attempted++
			summary.Failed++
		case OutcomeSkipped:
			summary.Skipped++
		}
	}

	return summary
}

// SendForUser delivers the credential belonging to the given email.
func (d *Dispatcher) SendForUser(ctx context.Context, email string) (DeliveryResult, error) {
	if d.url == "" {
		return DeliveryResult{}, domain.ErrWebhookNotConfigured
	}

	cred, err := d.creds.FindByEmail(ctx, email)
	if err != nil {
		return DeliveryResult{}, err
	}
	return d.SendOne(ctx, cred)
}

// ProbeResult reports endpoint reachability without touching credentials.
type ProbeResult struct {
	Reachable bool
	Latency   time.Duration
	Err       error
}

// TestConnection sends a minimal probe to the endpoint. No credential
// state is read or written.
func (d *Dispatcher) TestConnection(ctx context.Context) (ProbeResult, error) {
	if d.url == "" {
		return ProbeResult{}, domain.ErrWebhookNotConfigured
	}

	probe := map[string]any{
		"test":         true,
		"message":      "Farmon Magic Link Webhook Test",
		"timestamp":    time.Now(),
		"webhook_type": "connection_test",
	}

	start := time.Now()
	status, err := d.post(ctx, d.url, probe, probeTimeout)
	latency := time.Since(start)

	if err != nil {
		return ProbeResult{Latency: latency, Err: err}, nil
	}
	if status < 200 || status >= 300 {
		return ProbeResult{Latency: latency, Err: fmt.Errorf("unexpected status code: %d", status)}, nil
	}
	return ProbeResult{Reachable: true, Latency: latency}, nil
}

func (d *Dispatcher) Stats(ctx context.Context) (*domain.DispatchStats, error) {
	return d.creds.DispatchStats(ctx)
}

func (d *Dispatcher) post(ctx context.Context, url string, body any, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveryDuration.WithLabelValues(string(OutcomeFailed)).Observe(time.Since(start).Seconds())
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body) // drain so the connection can be reused by the pool

	outcome := OutcomeFailed
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		outcome = OutcomeSent
	}
	metrics.WebhookDeliveryDuration.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())

	return resp.StatusCode, nil
}

func skipReason(cred *domain.Credential, maxAttempts int) string {
	switch {
	case !cred.IsActive:
		return "credential inactive"
	case cred.IsExpired(time.Now()):
		return "credential expired"
	case cred.WebhookStatus == domain.WebhookSent:
		return "already sent"
	case maxAttempts > 0 && cred.WebhookAttempts >= maxAttempts:
		return "max attempts reached"
	default:
		return ""
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
