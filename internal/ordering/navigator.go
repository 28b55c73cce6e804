package ordering

import (
	"context"
	"fmt"

	"github.com/starford/mediacat/internal/apperr"
	"github.com/starford/mediacat/internal/catalog"
	"github.com/starford/mediacat/internal/models"
)

// Lookup is the result of a navigation query: an entry, or none.
type Lookup struct {
	Entry models.Entry
	Found bool
}

func found(e models.Entry, ok bool) Lookup {
	if !ok {
		return Lookup{}
	}
	return Lookup{Entry: e, Found: true}
}

// Navigator answers read-only navigation over the (order, id) total key.
// Excluded entries are invisible. It is safe for concurrent use.
type Navigator struct {
	q catalog.Queries
}

// NewNavigator creates a Navigator over q.
func NewNavigator(q catalog.Queries) *Navigator {
	return &Navigator{q: q}
}

func (n *Navigator) current(ctx context.Context, id string) (models.Entry, error) {
	e, ok, err := n.q.Get(ctx, id)
	if err != nil {
		return models.Entry{}, err
	}
	if !ok || e.Excluded() {
		return models.Entry{}, fmt.Errorf("ordering: entry %s: %w", id, apperr.ErrNotFound)
	}
	return e, nil
}

// NextOf returns the successor of id, wrapping to the first entry.
func (n *Navigator) NextOf(ctx context.Context, id string) (Lookup, error) {
	cur, err := n.current(ctx, id)
	if err != nil {
		return Lookup{}, err
	}
	e, ok, err := n.q.After(ctx, cur.Order, cur.ID)
	if err != nil {
		return Lookup{}, err
	}
	if !ok {
		e, ok, err = n.q.First(ctx)
		if err != nil {
			return Lookup{}, err
		}
	}
	return found(e, ok), nil
}

// PrevOf returns the predecessor of id, wrapping to the last entry.
func (n *Navigator) PrevOf(ctx context.Context, id string) (Lookup, error) {
	cur, err := n.current(ctx, id)
	if err != nil {
		return Lookup{}, err
	}
	e, ok, err := n.q.Before(ctx, cur.Order, cur.ID)
	if err != nil {
		return Lookup{}, err
	}
	if !ok {
		e, ok, err = n.q.Last(ctx)
		if err != nil {
			return Lookup{}, err
		}
	}
	return found(e, ok), nil
}

// First returns the entry with the smallest order.
func (n *Navigator) First(ctx context.Context) (Lookup, error) {
	e, ok, err := n.q.First(ctx)
	if err != nil {
		return Lookup{}, err
	}
	return found(e, ok), nil
}

// Get returns the index-th entry (zero-based) by order.
func (n *Navigator) Get(ctx context.Context, index int) (Lookup, error) {
	if index < 0 {
		return Lookup{}, fmt.Errorf("ordering: negative index %d: %w", index, apperr.ErrInvalidArgument)
	}
	page, err := n.q.Page(ctx, index, 1)
	if err != nil {
		return Lookup{}, err
	}
	if len(page) == 0 {
		return Lookup{}, nil
	}
	return found(page[0], true), nil
}

// Entry returns id if it is navigable.
func (n *Navigator) Entry(ctx context.Context, id string) (models.Entry, error) {
	return n.current(ctx, id)
}

// Count returns the number of navigable entries.
func (n *Navigator) Count(ctx context.Context) (int, error) {
	return n.q.Count(ctx)
}

// Page returns up to limit entries starting at offset.
func (n *Navigator) Page(ctx context.Context, offset, limit int) ([]models.Entry, error) {
	if offset < 0 {
		return nil, fmt.Errorf("ordering: negative offset %d: %w", offset, apperr.ErrInvalidArgument)
	}
	return n.q.Page(ctx, offset, limit)
}
