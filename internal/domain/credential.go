package domain

import (
	"strings"
	"time"
)

type WebhookStatus string

const (
	WebhookPending WebhookStatus = "pending"
	WebhookSent    WebhookStatus = "sent"
	WebhookFailed  WebhookStatus = "failed"
)

type ReconcileAction string

const (
	ActionCreated   ReconcileAction = "created"
	ActionRefreshed ReconcileAction = "refreshed"
	ActionUnchanged ReconcileAction = "unchanged"
)

// Credential is a magic-link credential, one per source user. The manager
// owns the token/expiry fields, the dispatcher owns the webhook fields.
// Rows are never deleted: consumption flips IsActive and stays on record.
type Credential struct {
	ID     string
	UserID string

	// Mirrored from the source user on every reconciliation.
	Email       string
	FirstName   string
	LastName    string
	CompanyName *string
	PhoneNumber *string
	Title       *string
	Position    *string

	Token             string
	Link              string
	GeneratedUsername string
	ExpiresAt         time.Time

	// IsActive turns false once the link is consumed. One-way.
	IsActive       bool
	AccountCreated bool

	WebhookStatus    WebhookStatus
	WebhookAttempts  int
	LastWebhookError *string
	WebhookSentAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *Credential) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

func (c *Credential) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// CredentialStats is the read-only aggregate the manager reports.
type CredentialStats struct {
	TotalUsers       int
	TotalCredentials int
	Active           int
	Expired          int
	PendingWebhooks  int
	SentWebhooks     int
	FailedWebhooks   int
}

// DispatchStats is the read-only aggregate the dispatcher reports.
type DispatchStats struct {
	Pending       int
	Sent          int
	Failed        int
	LastSuccessAt *time.Time
	LastFailureAt *time.Time
}
