package domain

import (
	"errors"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrCredentialNotFound = errors.New("magic credential not found")

	// ErrTokenCollision means the store rejected a token that already exists.
	// The manager regenerates and retries; it never reuses the same value.
	ErrTokenCollision      = errors.New("token already exists")
	ErrGenerationExhausted = errors.New("could not generate a unique token")

	ErrDuplicateCredential = errors.New("credential already exists for user")

	// ErrVersionConflict means a concurrent run updated the credential
	// between our read and write. The row was left untouched.
	ErrVersionConflict = errors.New("credential modified concurrently")

	ErrCredentialExpired  = errors.New("magic link has expired")
	ErrCredentialConsumed = errors.New("magic link has already been used")

	// ErrWebhookNotConfigured is a configuration error: no dispatch
	// operation can proceed without WEBHOOK_URL.
	ErrWebhookNotConfigured = errors.New("WEBHOOK_URL is not configured")
)
