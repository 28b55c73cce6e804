package catalog

import (
	"context"

	"github.com/starford/mediacat/internal/models"
)

// Queries is the read-only side of the catalog. Navigation and API layers
// depend on it rather than on *DB.
type Queries interface {
	Get(ctx context.Context, id string) (models.Entry, bool, error)
	First(ctx context.Context) (models.Entry, bool, error)
	Last(ctx context.Context) (models.Entry, bool, error)
	After(ctx context.Context, ord int64, id string) (models.Entry, bool, error)
	Before(ctx context.Context, ord int64, id string) (models.Entry, bool, error)
	Page(ctx context.Context, offset, limit int) ([]models.Entry, error)
	Count(ctx context.Context) (int, error)
}

// Writer is the mutation side of the catalog.
type Writer interface {
	Write(ctx context.Context, fn func(*Tx) error) error
}

var (
	_ Queries = (*DB)(nil)
	_ Writer  = (*DB)(nil)
)
