// Package ordering assigns catalog orders under the sort modes and answers
// navigation queries over them.
package ordering

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/starford/mediacat/internal/apperr"
	"github.com/starford/mediacat/internal/catalog"
	"github.com/starford/mediacat/internal/events"
	"github.com/starford/mediacat/internal/metrics"
	"github.com/starford/mediacat/internal/models"
)

// Settings keys persisted by the engine.
const (
	SettingSortMode = "sort_mode"
	SettingSticky   = "sticky_id"
)

// maxRandomOrder bounds random orders so they stay exact in a float64 (JSON).
const maxRandomOrder = int64(1) << 53

// Store is the catalog surface the engine needs.
type Store interface {
	catalog.Writer
	Setting(ctx context.Context, key string) (string, error)
}

// Engine reassigns orders. Passes go through the catalog's single writer,
// so they never interleave with each other or with reconciliation.
type Engine struct {
	store  Store
	bus    events.Publisher
	logger *slog.Logger

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRand sets the random source used by SortRandom.
func WithRand(r *rand.Rand) EngineOption {
	return func(e *Engine) { e.rng = r }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an Engine. bus may be nil.
func NewEngine(store Store, bus events.Publisher, opts ...EngineOption) *Engine {
	if bus == nil {
		bus = events.Discard
	}
	e := &Engine{
		store:  store,
		bus:    bus,
		logger: slog.Default(),
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64())),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Mode returns the persisted sort mode, SortSequential when none was stored.
func (e *Engine) Mode(ctx context.Context) (models.SortMode, error) {
	v, err := e.store.Setting(ctx, SettingSortMode)
	if err != nil {
		return "", err
	}
	if m := models.SortMode(v); m.Valid() {
		return m, nil
	}
	return models.SortSequential, nil
}

// Sticky returns the persisted sticky entry id, if any.
func (e *Engine) Sticky(ctx context.Context) (string, error) {
	return e.store.Setting(ctx, SettingSticky)
}

// Sort reassigns orders under mode in one transaction. sticky, when set,
// names the entry pinned to StickyOrder; SortSticky requires it.
func (e *Engine) Sort(ctx context.Context, mode models.SortMode, sticky *string) error {
	if !mode.Valid() {
		return fmt.Errorf("ordering: unknown sort mode %q: %w", mode, apperr.ErrInvalidArgument)
	}
	if mode == models.SortSticky && (sticky == nil || *sticky == "") {
		return fmt.Errorf("ordering: sticky sort needs a target: %w", apperr.ErrInvalidArgument)
	}

	e.bus.Publish(events.SortingStarted{Mode: mode})
	start := time.Now()

	err := e.store.Write(ctx, func(tx *catalog.Tx) error {
		if sticky != nil && *sticky != "" {
			if err := requireNavigable(tx, *sticky); err != nil {
				return err
			}
		}
		var err error
		switch mode {
		case models.SortSequential:
			err = e.sequential(tx, sticky)
		case models.SortRandom:
			err = e.random(tx, sticky)
		case models.SortSticky:
			err = pin(tx, *sticky)
		}
		if err != nil {
			return err
		}
		if mode != models.SortSticky {
			if err := tx.SetSetting(SettingSortMode, string(mode)); err != nil {
				return err
			}
		}
		pinned := ""
		if sticky != nil {
			pinned = *sticky
		}
		return tx.SetSetting(SettingSticky, pinned)
	})

	metrics.RecordSort(string(mode), err == nil)
	done := events.SortDone{Mode: mode}
	if err != nil {
		done.Error = err.Error()
		e.bus.Publish(done)
		e.logger.Error("ordering: sort failed", slog.String("mode", string(mode)), slog.String("error", err.Error()))
		return fmt.Errorf("ordering: sort %s: %w", mode, err)
	}
	e.bus.Publish(done)
	e.logger.Info("ordering: sorted", slog.String("mode", string(mode)), slog.Duration("took", time.Since(start)))
	return nil
}

func requireNavigable(tx *catalog.Tx, id string) error {
	e, found, err := tx.Get(id)
	if err != nil {
		return err
	}
	if !found || e.IsFolder {
		return fmt.Errorf("ordering: sticky entry %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// sequential orders by title (case-insensitive, id as tiebreak) from
// FirstSequentialOrder.
func (e *Engine) sequential(tx *catalog.Tx, sticky *string) error {
	entries, err := tx.Navigable()
	if err != nil {
		return err
	}
	entries = withoutSticky(entries, sticky)
	sort.Slice(entries, func(i, j int) bool {
		a, b := strings.ToLower(entries[i].Title), strings.ToLower(entries[j].Title)
		if a != b {
			return a < b
		}
		return entries[i].ID < entries[j].ID
	})
	for i, ent := range entries {
		if err := tx.SetOrder(ent.ID, models.FirstSequentialOrder+int64(i)); err != nil {
			return err
		}
	}
	return pinOnly(tx, sticky)
}

// random draws a fresh order in [FirstSequentialOrder, 2^53) per entry.
// Collisions are left as they are; navigation breaks ties by id.
func (e *Engine) random(tx *catalog.Tx, sticky *string) error {
	entries, err := tx.Navigable()
	if err != nil {
		return err
	}
	entries = withoutSticky(entries, sticky)
	e.mu.Lock()
	orders := make([]int64, len(entries))
	for i := range orders {
		orders[i] = models.FirstSequentialOrder + e.rng.Int64N(maxRandomOrder-models.FirstSequentialOrder)
	}
	e.mu.Unlock()
	for i, ent := range entries {
		if err := tx.SetOrder(ent.ID, orders[i]); err != nil {
			return err
		}
	}
	return pinOnly(tx, sticky)
}

// pin moves id to StickyOrder and pushes the previous holder to
// StickyOrder+1. Nothing else changes.
func pin(tx *catalog.Tx, id string) error {
	holders, err := tx.IDsWithOrder(models.StickyOrder)
	if err != nil {
		return err
	}
	for _, h := range holders {
		if h == id {
			continue
		}
		if err := tx.SetOrder(h, models.StickyOrder+1); err != nil {
			return err
		}
	}
	return tx.SetOrder(id, models.StickyOrder)
}

func pinOnly(tx *catalog.Tx, sticky *string) error {
	if sticky == nil || *sticky == "" {
		return nil
	}
	return tx.SetOrder(*sticky, models.StickyOrder)
}

func withoutSticky(entries []models.Entry, sticky *string) []models.Entry {
	if sticky == nil || *sticky == "" {
		return entries
	}
	out := entries[:0]
	for _, e := range entries {
		if e.ID != *sticky {
			out = append(out, e)
		}
	}
	return out
}
