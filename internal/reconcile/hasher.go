package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/starford/mediacat/internal/apperr"
	"github.com/starford/mediacat/internal/catalog"
	"github.com/starford/mediacat/internal/checksum"
	"github.com/starford/mediacat/internal/events"
	"github.com/starford/mediacat/internal/mediatag"
	"github.com/starford/mediacat/internal/metrics"
	"github.com/starford/mediacat/internal/models"
)

const defaultHashWorkers = 2

// hasher computes content hashes and tag titles outside the reconciliation
// transaction. Pending ids are a set, so repeated requests collapse.
type hasher struct {
	store   Store
	src     ContentSource
	bus     events.Publisher
	logger  *slog.Logger
	workers int

	mu      sync.Mutex
	pending map[string]struct{}
}

func newHasher(store Store, src ContentSource, bus events.Publisher, logger *slog.Logger) *hasher {
	return &hasher{
		store:   store,
		src:     src,
		bus:     bus,
		logger:  logger,
		workers: defaultHashWorkers,
		pending: make(map[string]struct{}),
	}
}

func (h *hasher) enqueue(ids []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		h.pending[id] = struct{}{}
	}
}

func (h *hasher) take() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.pending))
	for id := range h.pending {
		ids = append(ids, id)
	}
	clear(h.pending)
	sort.Strings(ids)
	return ids
}

// drain hashes everything pending, including ids enqueued while it runs.
func (h *hasher) drain(ctx context.Context) {
	if h.src == nil {
		h.take()
		return
	}
	for {
		ids := h.take()
		if len(ids) == 0 || ctx.Err() != nil {
			return
		}
		var g errgroup.Group
		g.SetLimit(h.workers)
		for _, id := range ids {
			g.Go(func() error {
				h.hashOne(ctx, id)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (h *hasher) hashOne(ctx context.Context, id string) {
	e, found, err := h.store.Get(ctx, id)
	if err != nil || !found || e.IsFolder || e.ContentHash != nil {
		return
	}

	ref := models.FileRef(id)
	f, err := h.src.Open(ctx, ref)
	if err != nil {
		if errors.Is(err, apperr.ErrNotDownloaded) || errors.Is(err, apperr.ErrDownloading) || errors.Is(err, apperr.ErrNotFound) {
			h.logger.Debug("reconcile: hash skipped", slog.String("id", id), slog.String("reason", err.Error()))
			return
		}
		metrics.RecordHash(false)
		h.logger.Warn("reconcile: open for hash failed", slog.String("id", id), slog.String("error", err.Error()))
		return
	}
	defer f.Close()

	sum, err := checksum.Reader(f)
	if err != nil {
		metrics.RecordHash(false)
		h.logger.Warn("reconcile: hash failed", slog.String("id", id), slog.String("error", err.Error()))
		return
	}

	title := ""
	if _, err := f.Seek(0, io.SeekStart); err == nil {
		info, err := mediatag.Read(f, ref)
		var unsupported *apperr.FormatNotSupportedError
		switch {
		case errors.As(err, &unsupported):
		case err != nil:
			h.logger.Debug("reconcile: read tags", slog.String("id", id), slog.String("error", err.Error()))
		case info.Title != ref.Title():
			title = info.Title
		}
	}

	var updated models.Entry
	err = h.store.Write(ctx, func(tx *catalog.Tx) error {
		if err := tx.SetContent(id, sum, title); err != nil {
			return err
		}
		updated, _, err = tx.Get(id)
		return err
	})
	if errors.Is(err, catalog.ErrNoEntry) {
		return
	}
	if err != nil {
		metrics.RecordHash(false)
		h.logger.Warn("reconcile: store hash failed", slog.String("id", id), slog.String("error", err.Error()))
		return
	}
	metrics.RecordHash(true)
	h.bus.Publish(events.AudioUpdated{Entry: updated})
}
