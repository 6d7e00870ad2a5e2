package domain

import (
	"time"
)

// User is a row in the source-of-truth users table. The magic-link core
// only ever reads it; account lifecycle belongs to the owning service.
type User struct {
	ID          string
	Email       string
	FirstName   string
	LastName    string
	CompanyName *string
	PhoneNumber *string
	Title       *string
	Position    *string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
