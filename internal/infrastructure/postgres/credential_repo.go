package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/teamz88/farmon-be/internal/domain"
)

const credentialColumns = `id, user_id, email, first_name, last_name, company_name,
	phone_number, title, position, token, link, generated_username, expires_at,
	is_active, account_created, webhook_status, webhook_attempts,
	last_webhook_error, webhook_sent_at, created_at, updated_at`

type CredentialRepository struct {
	pool *pgxpool.Pool
}

func NewCredentialRepository(pool *pgxpool.Pool) *CredentialRepository {
	return &CredentialRepository{pool: pool}
}

func (r *CredentialRepository) FindByUserID(ctx context.Context, userID string) (*domain.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM magic_credentials WHERE user_id = $1`
	return scanCredential(r.pool.QueryRow(ctx, query, userID))
}

func (r *CredentialRepository) FindByEmail(ctx context.Context, email string) (*domain.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM magic_credentials WHERE email = $1`
	return scanCredential(r.pool.QueryRow(ctx, query, email))
}

func (r *CredentialRepository) FindByToken(ctx context.Context, token string) (*domain.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM magic_credentials WHERE token = $1`
	return scanCredential(r.pool.QueryRow(ctx, query, token))
}

func (r *CredentialRepository) Create(ctx context.Context, c *domain.Credential) (*domain.Credential, error) {
	query := `
		INSERT INTO magic_credentials (
			id, user_id, email, first_name, last_name, company_name,
			phone_number, title, position, token, link, generated_username,
			expires_at, is_active, account_created, webhook_status, webhook_attempts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING ` + credentialColumns

	row := r.pool.QueryRow(ctx, query,
		c.ID, c.UserID, c.Email, c.FirstName, c.LastName, c.CompanyName,
		c.PhoneNumber, c.Title, c.Position, c.Token, c.Link, c.GeneratedUsername,
		c.ExpiresAt, c.IsActive, c.AccountCreated, c.WebhookStatus, c.WebhookAttempts,
	)

	created, err := scanCredential(row)
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	return created, nil
}

func (r *CredentialRepository) Update(ctx context.Context, c *domain.Credential) (*domain.Credential, error) {
	// Optimistic concurrency: the write applies only if updated_at still
	// matches what this run read. A lost race leaves the row untouched.
	query := `
		UPDATE magic_credentials
		SET    email              = $3,
		       first_name         = $4,
		       last_name          = $5,
		       company_name       = $6,
		       phone_number       = $7,
		       title              = $8,
		       position           = $9,
		       token              = $10,
		       link               = $11,
		       expires_at         = $12,
		       is_active          = $13,
		       account_created    = $14,
		       webhook_status     = $15,
		       webhook_attempts   = $16,
		       last_webhook_error = $17,
		       webhook_sent_at    = $18,
		       updated_at         = NOW()
		WHERE  user_id = $1 AND updated_at = $2
		RETURNING ` + credentialColumns

	row := r.pool.QueryRow(ctx, query,
		c.UserID, c.UpdatedAt,
		c.Email, c.FirstName, c.LastName, c.CompanyName,
		c.PhoneNumber, c.Title, c.Position, c.Token, c.Link,
		c.ExpiresAt, c.IsActive, c.AccountCreated, c.WebhookStatus,
		c.WebhookAttempts, c.LastWebhookError, c.WebhookSentAt,
	)

	updated, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, domain.ErrCredentialNotFound) {
			return nil, domain.ErrVersionConflict
		}
		return nil, mapUniqueViolation(err)
	}
	return updated, nil
}

func (r *CredentialRepository) ListPending(ctx context.Context, now time.Time, limit int) ([]*domain.Credential, error) {
	return r.listByStatus(ctx, domain.WebhookPending, now, limit)
}

func (r *CredentialRepository) ListFailed(ctx context.Context, now time.Time, limit int) ([]*domain.Credential, error) {
	return r.listByStatus(ctx, domain.WebhookFailed, now, limit)
}

func (r *CredentialRepository) listByStatus(ctx context.Context, status domain.WebhookStatus, now time.Time, limit int) ([]*domain.Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM magic_credentials
		WHERE  webhook_status = $1
		  AND  is_active
		  AND  expires_at > $2
		ORDER BY created_at ASC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, status, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s credentials: %w", status, err)
	}
	defer rows.Close()

	var creds []*domain.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (r *CredentialRepository) MarkSent(ctx context.Context, userID, token string) error {
	// The token guard keeps delivery bookkeeping on the generation that was
	// actually delivered: a concurrent refresh replaces the token, and the
	// new generation must stay Pending.
	tag, err := r.pool.Exec(ctx, `
		UPDATE magic_credentials
		SET    webhook_status     = 'sent',
		       webhook_attempts   = webhook_attempts + 1,
		       last_webhook_error = NULL,
		       webhook_sent_at    = NOW(),
		       updated_at         = NOW()
		WHERE  user_id = $1 AND token = $2`, userID, token)
	if err != nil {
		return fmt.Errorf("mark webhook sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

func (r *CredentialRepository) MarkFailed(ctx context.Context, userID, token, errMsg string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE magic_credentials
		SET    webhook_status     = 'failed',
		       webhook_attempts   = webhook_attempts + 1,
		       last_webhook_error = $3,
		       updated_at         = NOW()
		WHERE  user_id = $1 AND token = $2`, userID, token, errMsg)
	if err != nil {
		return fmt.Errorf("mark webhook failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

func (r *CredentialRepository) Consume(ctx context.Context, token string) (*domain.Credential, error) {
	query := `
		UPDATE magic_credentials
		SET    is_active  = FALSE,
		       updated_at = NOW()
		WHERE  token = $1 AND is_active AND expires_at > NOW()
		RETURNING ` + credentialColumns

	return scanCredential(r.pool.QueryRow(ctx, query, token))
}

func (r *CredentialRepository) Stats(ctx context.Context) (*domain.CredentialStats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_active AND expires_at > NOW()),
		       COUNT(*) FILTER (WHERE expires_at <= NOW()),
		       COUNT(*) FILTER (WHERE webhook_status = 'pending'),
		       COUNT(*) FILTER (WHERE webhook_status = 'sent'),
		       COUNT(*) FILTER (WHERE webhook_status = 'failed')
		FROM magic_credentials`

	var s domain.CredentialStats
	err := r.pool.QueryRow(ctx, query).Scan(
		&s.TotalCredentials, &s.Active, &s.Expired,
		&s.PendingWebhooks, &s.SentWebhooks, &s.FailedWebhooks,
	)
	if err != nil {
		return nil, fmt.Errorf("credential stats: %w", err)
	}
	return &s, nil
}

func (r *CredentialRepository) DispatchStats(ctx context.Context) (*domain.DispatchStats, error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE webhook_status = 'pending'),
		       COUNT(*) FILTER (WHERE webhook_status = 'sent'),
		       COUNT(*) FILTER (WHERE webhook_status = 'failed'),
		       MAX(webhook_sent_at),
		       MAX(updated_at) FILTER (WHERE webhook_status = 'failed')
		FROM magic_credentials`

	var s domain.DispatchStats
	err := r.pool.QueryRow(ctx, query).Scan(
		&s.Pending, &s.Sent, &s.Failed, &s.LastSuccessAt, &s.LastFailureAt,
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch stats: %w", err)
	}
	return &s, nil
}

// mapUniqueViolation turns 23505 into the domain error for the constraint
// that fired, so the manager can tell a token collision (retryable with a
// fresh token) from a duplicate credential row.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if strings.Contains(pgErr.ConstraintName, "token") {
			return domain.ErrTokenCollision
		}
		return domain.ErrDuplicateCredential
	}
	return err
}

func scanCredential(row rowScanner) (*domain.Credential, error) {
	var c domain.Credential
	err := row.Scan(
		&c.ID, &c.UserID, &c.Email, &c.FirstName, &c.LastName, &c.CompanyName,
		&c.PhoneNumber, &c.Title, &c.Position, &c.Token, &c.Link,
		&c.GeneratedUsername, &c.ExpiresAt, &c.IsActive, &c.AccountCreated,
		&c.WebhookStatus, &c.WebhookAttempts, &c.LastWebhookError,
		&c.WebhookSentAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	return &c, nil
}
