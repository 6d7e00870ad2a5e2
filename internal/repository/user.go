package repository

import (
	"context"

	"github.com/teamz88/farmon-be/internal/domain"
)

// UserRepository reads the source-of-truth users table. The magic-link
// core never writes through it.
type UserRepository interface {
	List(ctx context.Context) ([]*domain.User, error)
	FindByID(ctx context.Context, id string) (*domain.User, error)
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	Count(ctx context.Context) (int, error)
}
