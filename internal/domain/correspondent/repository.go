package correspondent

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("correspondent not found")

// Repository defines the read-only lookups the engine performs on correspondents.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Correspondent, error)
	GetByCode(ctx context.Context, code string) (*Correspondent, error)
	GetByUciCode(ctx context.Context, uciCode string) (*Correspondent, error)
	ListNotificationEnabled(ctx context.Context) ([]*Correspondent, error)
}
