// Package library coordinates the storage backend, the catalog and the
// ordering engine behind the operations exposed by the API and MCP layers.
package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/starford/mediacat/internal/apperr"
	"github.com/starford/mediacat/internal/catalog"
	"github.com/starford/mediacat/internal/events"
	"github.com/starford/mediacat/internal/models"
	"github.com/starford/mediacat/internal/ordering"
	"github.com/starford/mediacat/internal/reconcile"
	"github.com/starford/mediacat/internal/storage"
)

// DefaultLookahead is how many files Download materializes when asked to
// prefetch.
const DefaultLookahead = 3

// Bus is the event bus surface the service uses.
type Bus interface {
	events.Publisher
	SubscribeQueued(kinds ...string) *events.Subscription
	Unsubscribe(s *events.Subscription)
}

// Status summarizes the library for health and tooling.
type Status struct {
	Backend string          `json:"backend"`
	Root    string          `json:"root"`
	Mode    models.SortMode `json:"mode"`
	Sticky  string          `json:"sticky,omitempty"`
	Entries int             `json:"entries"`
}

// Service coordinates backend, catalog and ordering operations.
type Service struct {
	backend    storage.Backend
	db         *catalog.DB
	reconciler *reconcile.Reconciler
	engine     *ordering.Engine
	nav        *ordering.Navigator
	bus        Bus
	logger     *slog.Logger
	lookahead  int
}

// Option configures a Service.
type Option func(*Service)

// WithLookahead sets how many files a prefetching download covers.
func WithLookahead(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.lookahead = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a new library service.
func NewService(backend storage.Backend, db *catalog.DB, rec *reconcile.Reconciler, eng *ordering.Engine, bus Bus, opts ...Option) *Service {
	s := &Service{
		backend:    backend,
		db:         db,
		reconciler: rec,
		engine:     eng,
		nav:        ordering.NewNavigator(db),
		bus:        bus,
		logger:     slog.Default(),
		lookahead:  DefaultLookahead,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Backend returns the storage backend.
func (s *Service) Backend() storage.Backend { return s.backend }

// List returns a page of navigable entries and the total count.
func (s *Service) List(ctx context.Context, offset, limit int) ([]models.Entry, int, error) {
	items, err := s.nav.Page(ctx, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.nav.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return nonNilSlice(items), total, nil
}

// Get returns one navigable entry.
func (s *Service) Get(ctx context.Context, id string) (models.Entry, error) {
	return s.nav.Entry(ctx, id)
}

// First returns the head of the current order.
func (s *Service) First(ctx context.Context) (ordering.Lookup, error) {
	return s.nav.First(ctx)
}

// At returns the entry at a zero-based position.
func (s *Service) At(ctx context.Context, index int) (ordering.Lookup, error) {
	return s.nav.Get(ctx, index)
}

// Next returns the successor of id with wraparound.
func (s *Service) Next(ctx context.Context, id string) (ordering.Lookup, error) {
	return s.nav.NextOf(ctx, id)
}

// Prev returns the predecessor of id with wraparound.
func (s *Service) Prev(ctx context.Context, id string) (ordering.Lookup, error) {
	return s.nav.PrevOf(ctx, id)
}

// SetLike sets the like flag of id. A nil like toggles it.
func (s *Service) SetLike(ctx context.Context, id string, like *bool) (models.Entry, error) {
	var updated models.Entry
	err := s.db.Write(ctx, func(tx *catalog.Tx) error {
		e, found, err := tx.Get(id)
		if err != nil {
			return err
		}
		if !found || e.IsFolder {
			return fmt.Errorf("library: entry %s: %w", id, apperr.ErrNotFound)
		}
		v := !e.Like
		if like != nil {
			v = *like
		}
		if err := tx.SetLike(id, v); err != nil {
			return err
		}
		updated, _, err = tx.Get(id)
		return err
	})
	if err != nil {
		return models.Entry{}, err
	}
	s.bus.Publish(events.AudioUpdated{Entry: updated})
	return updated, nil
}

// Delete removes the files behind ids from the backend and drops the rows
// of every file that is gone afterwards. Failures come back per id; a file
// that was already missing only fails when it had no row either.
func (s *Service) Delete(ctx context.Context, ids ...string) error {
	refs := make([]models.FileRef, len(ids))
	for i, id := range ids {
		refs[i] = models.FileRef(id)
	}
	delErr := s.backend.DeleteFiles(ctx, refs)

	var partial *apperr.PartialFailureError
	if delErr != nil && !errors.As(delErr, &partial) {
		return delErr
	}
	failure := func(id string) error {
		if partial == nil {
			return nil
		}
		return partial.Failures[id]
	}

	batch := models.ChangeBatch{}
	for _, id := range ids {
		if err := failure(id); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		batch.Records = append(batch.Records, models.ChangeRecord{ID: models.FileRef(id), IsDeleted: true})
	}
	var removed []models.Entry
	if batch.Len() > 0 {
		res, err := s.reconciler.Sync(ctx, batch)
		if err != nil {
			return err
		}
		removed = res.Removed
	}
	if partial == nil {
		return nil
	}
	for _, e := range removed {
		delete(partial.Failures, e.ID)
	}
	if len(ids) == 1 {
		return failure(ids[0])
	}
	return partial.OrNil()
}

// Download materializes id. With prefetch it also pulls the following
// siblings, up to the configured lookahead.
func (s *Service) Download(ctx context.Context, id string, prefetch bool) error {
	ref := models.FileRef(id)
	if !prefetch {
		return s.backend.Download(ctx, ref, "user request")
	}
	return storage.DownloadNextBatch(ctx, s.backend, ref, s.lookahead, "prefetch")
}

// Evict drops the cached copy of id.
func (s *Service) Evict(ctx context.Context, id string) error {
	return s.backend.Evict(ctx, models.FileRef(id))
}

// Open returns the entry and a reader over its local copy.
func (s *Service) Open(ctx context.Context, id string) (models.Entry, io.ReadSeekCloser, error) {
	e, err := s.nav.Entry(ctx, id)
	if err != nil {
		return models.Entry{}, nil, err
	}
	rc, err := s.backend.Open(ctx, models.FileRef(id))
	if err != nil {
		return models.Entry{}, nil, err
	}
	return e, rc, nil
}

// Sort runs an ordering pass.
func (s *Service) Sort(ctx context.Context, mode models.SortMode, sticky *string) error {
	return s.engine.Sort(ctx, mode, sticky)
}

// Status reports backend, mode and size.
func (s *Service) Status(ctx context.Context) (Status, error) {
	mode, err := s.engine.Mode(ctx)
	if err != nil {
		return Status{}, err
	}
	sticky, err := s.engine.Sticky(ctx)
	if err != nil {
		return Status{}, err
	}
	n, err := s.nav.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Backend: s.backend.Kind(),
		Root:    s.backend.Root(),
		Mode:    mode,
		Sticky:  sticky,
		Entries: n,
	}, nil
}

// RequestImport publishes a CopyFilesRequested event and returns its id.
// The copy itself happens in Run.
func (s *Service) RequestImport(paths []string, destination string) (string, error) {
	if len(paths) == 0 {
		return "", fmt.Errorf("library: import needs at least one path: %w", apperr.ErrInvalidArgument)
	}
	id := uuid.NewString()
	s.bus.Publish(events.CopyFilesRequested{RequestID: id, Paths: paths, Destination: destination})
	return id, nil
}

// Import copies external files into the library and catalogs the copies
// right away instead of waiting for the watcher.
func (s *Service) Import(ctx context.Context, paths []string, destination string) ([]models.FileRef, error) {
	var failures apperr.PartialFailureError
	var refs []models.FileRef
	batch := models.ChangeBatch{}
	for _, p := range paths {
		ref, err := s.backend.CopyInto(ctx, p, models.FileRef(destination), "import")
		if err != nil {
			failures.Add(p, err)
			continue
		}
		refs = append(refs, ref)
		rec := models.ChangeRecord{ID: ref, IsDownloaded: true, DownloadProgress: 100}
		if f, err := s.backend.Open(ctx, ref); err == nil {
			if n, err := f.Seek(0, io.SeekEnd); err == nil {
				rec.Size = n
			}
			f.Close()
		}
		batch.Records = append(batch.Records, rec)
	}
	if batch.Len() > 0 {
		if _, err := s.reconciler.Sync(ctx, batch); err != nil {
			return refs, err
		}
	}
	return refs, failures.OrNil()
}

// Run handles CopyFilesRequested events until ctx is done. Requests queue up
// while an earlier import is still copying; none are dropped.
func (s *Service) Run(ctx context.Context) error {
	sub := s.bus.SubscribeQueued(events.KindCopyFilesRequested)
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.C:
			if !ok {
				return nil
			}
			req, ok := env.Event.(events.CopyFilesRequested)
			if !ok {
				continue
			}
			refs, err := s.Import(ctx, req.Paths, req.Destination)
			if err != nil {
				s.logger.Warn("library: import failed",
					slog.String("request_id", req.RequestID),
					slog.Int("copied", len(refs)),
					slog.String("error", err.Error()))
				continue
			}
			s.logger.Info("library: imported",
				slog.String("request_id", req.RequestID),
				slog.Int("copied", len(refs)))
		}
	}
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
