package repository

import (
	"context"
	"time"

	"github.com/teamz88/farmon-be/internal/domain"
)

// The manager depends on interfaces, not concrete implementations, so the
// postgres store can be swapped for a fake in tests without a running DB.
type CredentialRepository interface {
	FindByUserID(ctx context.Context, userID string) (*domain.Credential, error)
	FindByEmail(ctx context.Context, email string) (*domain.Credential, error)
	FindByToken(ctx context.Context, token string) (*domain.Credential, error)

	// Create inserts a new credential. Returns ErrTokenCollision when the
	// token unique constraint fires, ErrDuplicateCredential when the user
	// already has a row.
	Create(ctx context.Context, c *domain.Credential) (*domain.Credential, error)

	// Update writes the credential guarded by optimistic concurrency on
	// updated_at: if another run touched the row since it was read, nothing
	// is written and ErrVersionConflict is returned.
	Update(ctx context.Context, c *domain.Credential) (*domain.Credential, error)

	// ListPending returns active, unexpired credentials awaiting their
	// first successful delivery (webhook_status = pending).
	ListPending(ctx context.Context, now time.Time, limit int) ([]*domain.Credential, error)

	// ListFailed returns active, unexpired credentials whose last delivery
	// attempt failed.
	ListFailed(ctx context.Context, now time.Time, limit int) ([]*domain.Credential, error)

	// MarkSent records a successful delivery of the given token: status =
	// sent, attempts+1, error cleared, sent_at stamped. The write applies
	// only while the row still carries that token; if a concurrent refresh
	// replaced it, nothing is written and ErrVersionConflict is returned,
	// so a Sent status always refers to the current token generation.
	MarkSent(ctx context.Context, userID, token string) error

	// MarkFailed records a failed delivery attempt for the given token:
	// status = failed, attempts+1, last error stored. Same token guard and
	// ErrVersionConflict semantics as MarkSent.
	MarkFailed(ctx context.Context, userID, token, errMsg string) error

	// Consume flips is_active to false for a valid token. One-way; rows
	// are never deleted. Returns ErrCredentialNotFound if the token does
	// not match an active, unexpired credential.
	Consume(ctx context.Context, token string) (*domain.Credential, error)

	Stats(ctx context.Context) (*domain.CredentialStats, error)
	DispatchStats(ctx context.Context) (*domain.DispatchStats, error)
}
