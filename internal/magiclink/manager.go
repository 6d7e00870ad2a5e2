// Package magiclink owns the credential lifecycle: when to create, refresh,
// or leave a magic credential untouched, and the 7-day expiry policy.
// It never performs network I/O; delivery belongs to the webhook package.
package magiclink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teamz88/farmon-be/internal/domain"
	"github.com/teamz88/farmon-be/internal/metrics"
	"github.com/teamz88/farmon-be/internal/repository"
)

const (
	credentialTTL = 7 * 24 * time.Hour
	linkPath      = "/magic-login?token="

	// How many fresh tokens to try when the store reports a collision
	// before giving up with ErrGenerationExhausted.
	maxTokenRetries = 5

	// Bound for a single user's reconciliation inside a batch. One slow
	// store write must not stall the rest of the run.
	itemTimeout = 10 * time.Second
)

// TokenGenerator is the subset of the token package the manager needs.
// Defined here so tests can inject a deterministic source.
type TokenGenerator interface {
	Generate() (string, error)
}

type Manager struct {
	users       repository.UserRepository
	creds       repository.CredentialRepository
	gen         TokenGenerator
	frontendURL string
	logger      *slog.Logger
}

func NewManager(
	users repository.UserRepository,
	creds repository.CredentialRepository,
	gen TokenGenerator,
	frontendURL string,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		users:       users,
		creds:       creds,
		gen:         gen,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		logger:      logger.With("component", "magiclink_manager"),
	}
}

type ReconcileOptions struct {
	// Force regenerates the token even when the credential is not expired.
	Force bool
	// DryRun reports the intended action without persisting anything.
	DryRun bool
}

type ItemError struct {
	UserID string
	Email  string
	Err    string
}

type Summary struct {
	Created   int
	Refreshed int
	Unchanged int
	Errors    []ItemError
}

// ReconcileOne brings a single user's credential in line with the source
// record and the expiry policy.
func (m *Manager) ReconcileOne(ctx context.Context, user *domain.User, opts ReconcileOptions) (*domain.Credential, domain.ReconcileAction, error) {
	existing, err := m.creds.FindByUserID(ctx, user.ID)
	if err != nil {
		if errors.Is(err, domain.ErrCredentialNotFound) {
			return m.create(ctx, user, opts)
		}
		return nil, "", fmt.Errorf("find credential: %w", err)
	}

	if opts.Force || existing.IsExpired(time.Now()) {
		return m.refresh(ctx, user, existing, opts)
	}

	// Token untouched; only mirrored profile fields may need a refresh.
	if !mirrorUserFields(existing, user) || opts.DryRun {
		return existing, domain.ActionUnchanged, nil
	}

	updated, err := m.creds.Update(ctx, existing)
	if err != nil {
		return nil, "", fmt.Errorf("update mirrored fields: %w", err)
	}
	return updated, domain.ActionUnchanged, nil
}

func (m *Manager) create(ctx context.Context, user *domain.User, opts ReconcileOptions) (*domain.Credential, domain.ReconcileAction, error) {
	now := time.Now()
	cred := &domain.Credential{
		ID:                uuid.NewString(),
		UserID:            user.ID,
		GeneratedUsername: generateUsername(user.FirstName, user.Email),
		ExpiresAt:         now.Add(credentialTTL),
		IsActive:          true,
		AccountCreated:    true,
		WebhookStatus:     domain.WebhookPending,
	}
	mirrorUserFields(cred, user)

	for attempt := 0; attempt < maxTokenRetries; attempt++ {
		tok, err := m.gen.Generate()
		if err != nil {
			return nil, "", fmt.Errorf("generate token: %w", err)
		}
		cred.Token = tok
		cred.Link = m.frontendURL + linkPath + tok

		if opts.DryRun {
			return cred, domain.ActionCreated, nil
		}

		created, err := m.creds.Create(ctx, cred)
		if err != nil {
			if errors.Is(err, domain.ErrTokenCollision) {
				continue
			}
			return nil, "", fmt.Errorf("create credential: %w", err)
		}
		return created, domain.ActionCreated, nil
	}
	return nil, "", fmt.Errorf("%w after %d attempts", domain.ErrGenerationExhausted, maxTokenRetries)
}

func (m *Manager) refresh(ctx context.Context, user *domain.User, cred *domain.Credential, opts ReconcileOptions) (*domain.Credential, domain.ReconcileAction, error) {
	mirrorUserFields(cred, user)

	for attempt := 0; attempt < maxTokenRetries; attempt++ {
		tok, err := m.gen.Generate()
		if err != nil {
			return nil, "", fmt.Errorf("generate token: %w", err)
		}
		if tok == cred.Token {
			// A refreshed credential must carry a new token.
			continue
		}

		cred.Token = tok
		cred.Link = m.frontendURL + linkPath + tok
		cred.ExpiresAt = time.Now().Add(credentialTTL)
		cred.IsActive = true

		// New token generation re-arms delivery: any prior Sent status
		// refers to a token that no longer resolves.
		cred.WebhookStatus = domain.WebhookPending
		cred.WebhookAttempts = 0
		cred.LastWebhookError = nil
		cred.WebhookSentAt = nil

		if opts.DryRun {
			return cred, domain.ActionRefreshed, nil
		}

		updated, err := m.creds.Update(ctx, cred)
		if err != nil {
			if errors.Is(err, domain.ErrTokenCollision) {
				continue
			}
			return nil, "", fmt.Errorf("refresh credential: %w", err)
		}
		return updated, domain.ActionRefreshed, nil
	}
	return nil, "", fmt.Errorf("%w after %d attempts", domain.ErrGenerationExhausted, maxTokenRetries)
}

// ReconcileAll reconciles every given user independently: one user's
// failure is recorded in the summary and does not stop the rest.
func (m *Manager) ReconcileAll(ctx context.Context, users []*domain.User, opts ReconcileOptions) *Summary {
	summary := &Summary{}

	for _, user := range users {
		if ctx.Err() != nil {
			// Aborted run: everything reconciled so far is already
			// durable, the remainder is simply not reached.
			break
		}

		itemCtx, cancel := context.WithTimeout(ctx, itemTimeout)
		_, action, err := m.ReconcileOne(itemCtx, user, opts)
		cancel()

		if err != nil {
			summary.Errors = append(summary.Errors, ItemError{
				UserID: user.ID,
				Email:  user.Email,
				Err:    err.Error(),
			})
			metrics.ReconcileErrorsTotal.Inc()
			m.logger.Error("reconcile user", "user_id", user.ID, "email", user.Email, "error", err)
			continue
		}

		switch action {
		case domain.ActionCreated:
			summary.Created++
		case domain.ActionRefreshed:
			summary.Refreshed++
		case domain.ActionUnchanged:
			summary.Unchanged++
		}
		metrics.ReconcileActionsTotal.WithLabelValues(string(action)).Inc()
	}

	return summary
}

// CreateForSingle looks up the source user by email and reconciles just
// that one credential: created when absent, refreshed when expired.
func (m *Manager) CreateForSingle(ctx context.Context, email string) (*domain.Credential, error) {
	user, err := m.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	cred, action, err := m.ReconcileOne(ctx, user, ReconcileOptions{})
	if err != nil {
		return nil, err
	}
	m.logger.Info("single credential reconciled", "email", email, "action", action)
	return cred, nil
}

// Validate checks a raw token without mutating anything.
func (m *Manager) Validate(ctx context.Context, rawToken string) (*domain.Credential, error) {
	cred, err := m.creds.FindByToken(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	if cred.IsExpired(time.Now()) {
		return nil, domain.ErrCredentialExpired
	}
	if !cred.IsActive {
		return nil, domain.ErrCredentialConsumed
	}
	return cred, nil
}

// Consume validates the token and flips the credential inactive. The
// transition is one-way; the row stays for audit.
func (m *Manager) Consume(ctx context.Context, rawToken string) (*domain.Credential, error) {
	if _, err := m.Validate(ctx, rawToken); err != nil {
		return nil, err
	}

	cred, err := m.creds.Consume(ctx, rawToken)
	if err != nil {
		if errors.Is(err, domain.ErrCredentialNotFound) {
			// Lost a race with another consumer between Validate and here.
			return nil, domain.ErrCredentialConsumed
		}
		return nil, fmt.Errorf("consume credential: %w", err)
	}
	return cred, nil
}

// Stats is a pure read-only aggregate over users and credentials.
func (m *Manager) Stats(ctx context.Context) (*domain.CredentialStats, error) {
	stats, err := m.creds.Stats(ctx)
	if err != nil {
		return nil, err
	}
	total, err := m.users.Count(ctx)
	if err != nil {
		return nil, err
	}
	stats.TotalUsers = total
	return stats, nil
}

// mirrorUserFields copies the profile fields the credential mirrors from
// the source user. Reports whether anything actually changed.
func mirrorUserFields(cred *domain.Credential, user *domain.User) bool {
	changed := false

	setStr := func(dst *string, src string) {
		if *dst != src {
			*dst = src
			changed = true
		}
	}
	setPtr := func(dst **string, src *string) {
		switch {
		case *dst == nil && src == nil:
		case *dst != nil && src != nil && **dst == *src:
		default:
			*dst = src
			changed = true
		}
	}

	setStr(&cred.Email, user.Email)
	setStr(&cred.FirstName, user.FirstName)
	setStr(&cred.LastName, user.LastName)
	setPtr(&cred.CompanyName, user.CompanyName)
	setPtr(&cred.PhoneNumber, user.PhoneNumber)
	setPtr(&cred.Title, user.Title)
	setPtr(&cred.Position, user.Position)

	return changed
}

// generateUsername derives a login-style username from the first name and
// the email local part, keeping only [a-z0-9._] and capping the length.
func generateUsername(firstName, email string) string {
	local, _, _ := strings.Cut(email, "@")
	base := strings.ToLower(firstName + "." + local)

	var b strings.Builder
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '_' {
			b.WriteRune(r)
		}
	}

	username := b.String()
	if len(username) > 30 {
		username = username[:30]
	}
	return username
}
