// Package reconcile folds change batches from a storage watcher into the
// persistent catalog.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/mediacat/internal/catalog"
	"github.com/starford/mediacat/internal/events"
	"github.com/starford/mediacat/internal/metrics"
	"github.com/starford/mediacat/internal/models"
)

// Store is the catalog surface the reconciler needs.
type Store interface {
	catalog.Writer
	Get(ctx context.Context, id string) (models.Entry, bool, error)
	Count(ctx context.Context) (int, error)
	Unhashed(ctx context.Context) ([]string, error)
}

// ContentSource opens the local copy of a file for hashing.
type ContentSource interface {
	Open(ctx context.Context, ref models.FileRef) (io.ReadSeekCloser, error)
}

// Result summarizes one reconciliation pass.
type Result struct {
	Inserted int
	Updated  int
	Deleted  int
	Removed  []models.Entry // deleted rows as they were before the pass
}

// Reconciler applies change batches to the catalog.
type Reconciler struct {
	store  Store
	bus    events.Publisher
	hasher *hasher
	logger *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithHashWorkers bounds the number of concurrent content hash jobs.
func WithHashWorkers(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.hasher.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
			r.hasher.logger = l
		}
	}
}

// New creates a Reconciler. bus may be nil.
func New(store Store, src ContentSource, bus events.Publisher, opts ...Option) *Reconciler {
	if bus == nil {
		bus = events.Discard
	}
	r := &Reconciler{
		store:  store,
		bus:    bus,
		logger: slog.Default(),
	}
	r.hasher = newHasher(store, src, bus, slog.Default())
	for _, o := range opts {
		o(r)
	}
	return r
}

// Sync applies one batch in a single catalog transaction. SyncingStarted is
// published before and Synced after, on failure too.
func (r *Reconciler) Sync(ctx context.Context, batch models.ChangeBatch) (Result, error) {
	r.bus.Publish(events.SyncingStarted{BatchSize: batch.Len(), IsFullLoad: batch.IsFullLoad})
	start := time.Now()

	var res Result
	err := r.store.Write(ctx, func(tx *catalog.Tx) error {
		res = Result{}
		if batch.IsFullLoad {
			return fullLoad(tx, batch.Records, &res)
		}
		return incremental(tx, batch.Records, &res)
	})

	metrics.RecordSync(batch.IsFullLoad, time.Since(start), err == nil)
	done := events.Synced{Inserted: res.Inserted, Updated: res.Updated, Deleted: res.Deleted}
	if err != nil {
		done = events.Synced{Error: err.Error()}
		r.bus.Publish(done)
		r.logger.Error("reconcile: sync failed",
			slog.Bool("full_load", batch.IsFullLoad),
			slog.Int("records", batch.Len()),
			slog.String("error", err.Error()))
		return Result{}, fmt.Errorf("reconcile: sync: %w", err)
	}

	for _, e := range res.Removed {
		r.bus.Publish(events.AudioDeleted{Entry: e})
	}
	r.bus.Publish(done)
	metrics.RecordSyncEntries(res.Inserted, res.Updated, res.Deleted)
	if n, err := r.store.Count(ctx); err == nil {
		metrics.SetCatalogEntries(int64(n))
	}

	r.logger.Info("reconcile: synced",
		slog.Bool("full_load", batch.IsFullLoad),
		slog.Int("records", batch.Len()),
		slog.Int("inserted", res.Inserted),
		slog.Int("updated", res.Updated),
		slog.Int("deleted", res.Deleted),
		slog.Duration("took", time.Since(start)))
	return res, nil
}

// fullLoad makes the catalog match records exactly.
func fullLoad(tx *catalog.Tx, records []models.ChangeRecord, res *Result) error {
	incoming := make(map[string]models.ChangeRecord, len(records))
	for _, rec := range records {
		incoming[string(rec.ID)] = rec
	}

	existing, err := tx.All()
	if err != nil {
		return err
	}
	for _, e := range existing {
		rec, ok := incoming[e.ID]
		if !ok {
			if _, err := tx.Delete(e.ID); err != nil {
				return err
			}
			res.Deleted++
			res.Removed = append(res.Removed, e)
			continue
		}
		delete(incoming, e.ID)
		if err := refresh(tx, e, rec, res); err != nil {
			return err
		}
	}

	ids := make([]string, 0, len(incoming))
	for id := range incoming {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	next, err := nextOrder(tx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := tx.Insert(newEntry(incoming[id], &next)); err != nil {
			return err
		}
		res.Inserted++
	}
	return nil
}

// incremental applies deltas. Existing rows only get their file info
// refreshed; order, like and title belong to other owners.
func incremental(tx *catalog.Tx, records []models.ChangeRecord, res *Result) error {
	var next int64
	nextLoaded := false

	for _, rec := range records {
		id := string(rec.ID)
		e, found, err := tx.Get(id)
		if err != nil {
			return err
		}

		if rec.IsDeleted {
			if !found {
				continue
			}
			if _, err := tx.Delete(id); err != nil {
				return err
			}
			res.Deleted++
			res.Removed = append(res.Removed, e)
			continue
		}

		if found {
			if err := refresh(tx, e, rec, res); err != nil {
				return err
			}
			continue
		}

		if !nextLoaded {
			if next, err = nextOrder(tx); err != nil {
				return err
			}
			nextLoaded = true
		}
		if err := tx.Insert(newEntry(rec, &next)); err != nil {
			return err
		}
		res.Inserted++
	}
	return nil
}

// nextOrder returns the first order past the current maximum.
func nextOrder(tx *catalog.Tx) (int64, error) {
	top, ok, err := tx.MaxOrder()
	if err != nil {
		return 0, err
	}
	if !ok || top < models.FirstSequentialOrder {
		return models.FirstSequentialOrder, nil
	}
	return top + 1, nil
}

// newEntry builds the row for a first-seen record, consuming *next for
// navigable entries. Folders are cataloged but excluded from navigation.
func newEntry(rec models.ChangeRecord, next *int64) models.Entry {
	e := models.Entry{
		ID:       string(rec.ID),
		Title:    rec.ID.Title(),
		IsFolder: rec.IsDirectory,
		Size:     sizeOf(rec),
		Order:    models.SentinelExcluded,
	}
	if !rec.IsDirectory {
		e.Order = *next
		*next++
	}
	return e
}

func sizeOf(rec models.ChangeRecord) *int64 {
	if rec.IsDirectory {
		return nil
	}
	s := rec.Size
	return &s
}

// refresh brings an existing row's file info in line with rec. A content
// update keeps the size but still invalidates the hash.
func refresh(tx *catalog.Tx, e models.Entry, rec models.ChangeRecord, res *Result) error {
	switch {
	case fileInfoChanged(e, rec):
		if err := tx.UpdateFileInfo(e.ID, sizeOf(rec), rec.IsDirectory); err != nil {
			return err
		}
	case rec.IsUpdated && !rec.IsDirectory && e.ContentHash != nil:
		if err := tx.ClearContentHash(e.ID); err != nil {
			return err
		}
	default:
		return nil
	}
	res.Updated++
	return nil
}

func fileInfoChanged(e models.Entry, rec models.ChangeRecord) bool {
	if e.IsFolder != rec.IsDirectory {
		return true
	}
	if rec.IsDirectory {
		return false
	}
	return e.Size == nil || *e.Size != rec.Size
}

// hashCandidates lists the ids worth hashing after a batch: downloaded files
// the batch touched.
func hashCandidates(batch models.ChangeBatch) []string {
	var ids []string
	for _, rec := range batch.Records {
		if rec.IsDeleted || rec.IsDirectory || !rec.IsDownloaded {
			continue
		}
		ids = append(ids, string(rec.ID))
	}
	return ids
}

// Run reconciles batches in arrival order until the channel closes or ctx is
// done. Content hashing runs alongside on a bounded worker pool. A failed
// batch is logged and the loop moves on; the next full load repairs it.
func (r *Reconciler) Run(ctx context.Context, batches <-chan models.ChangeBatch) error {
	g, ctx := errgroup.WithContext(ctx)
	work := make(chan []string, 1)

	g.Go(func() error {
		defer close(work)
		for {
			select {
			case <-ctx.Done():
				return nil
			case batch, ok := <-batches:
				if !ok {
					return nil
				}
				if _, err := r.Sync(ctx, batch); err != nil {
					continue
				}
				ids := hashCandidates(batch)
				if batch.IsFullLoad {
					// Retry everything still missing a hash.
					if pending, err := r.store.Unhashed(ctx); err == nil {
						ids = pending
					}
				}
				if len(ids) > 0 {
					r.hasher.enqueue(ids)
					select {
					case work <- nil:
					default:
					}
				}
			}
		}
	})

	g.Go(func() error {
		for range work {
			r.hasher.drain(ctx)
		}
		return nil
	})

	return g.Wait()
}

// HashPending hashes every entry that lacks a content hash and returns once
// done. Failures are soft.
func (r *Reconciler) HashPending(ctx context.Context) error {
	ids, err := r.store.Unhashed(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list unhashed: %w", err)
	}
	r.hasher.enqueue(ids)
	r.hasher.drain(ctx)
	return nil
}
