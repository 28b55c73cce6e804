// Package watch turns a backend's native change mechanism into a stream of
// debounced change batches.
package watch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/starford/mediacat/internal/models"
)

// DefaultDebounce is the coalescing window applied when none is configured.
const DefaultDebounce = 300 * time.Millisecond

// Update is one notification from a Source. A gather carries the complete
// matching tree in Changed; an incremental update carries deltas only.
type Update struct {
	Gather  bool
	Changed []models.ChangeRecord
	Removed []models.ChangeRecord
}

// Source is the underlying change mechanism (fsnotify, bucket poller, ...).
// Run must send a gather first and then incremental updates until ctx is
// done. An error returned before the first gather means the source never
// started.
type Source interface {
	Run(ctx context.Context, out chan<- Update) error
}

// State is the watcher lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateWatching
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWatching:
		return "watching"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Watcher drives a Source and emits debounced batches.
type Watcher struct {
	source   Source
	debounce time.Duration
	logger   *slog.Logger
	reason   string

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	out    chan models.ChangeBatch
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates an idle watcher over src.
func New(src Source, reason string, opts ...Option) *Watcher {
	w := &Watcher{
		source:   src,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		reason:   reason,
		out:      make(chan models.ChangeBatch, 16),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current lifecycle state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start moves Idle to Watching and returns the batch stream. Calling Start
// again returns the same stream. The stream closes on Stop or when ctx ends.
func (w *Watcher) Start(ctx context.Context) <-chan models.ChangeBatch {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateIdle {
		return w.out
	}
	w.state = StateWatching

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	updates := make(chan Update, 64)
	srcDone := make(chan error, 1)
	go func() {
		srcDone <- w.source.Run(runCtx, updates)
	}()
	go w.loop(runCtx, updates, srcDone)

	w.logger.Info("watch: started", slog.String("reason", w.reason))
	return w.out
}

// Stop ends the stream and releases the source. Safe to call repeatedly and
// before Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	prev := w.state
	w.state = StateStopped
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if prev == StateIdle {
		close(w.out)
		close(w.done)
		return
	}
	if cancel == nil {
		return
	}
	cancel()
	<-w.done
	w.logger.Info("watch: stopped", slog.String("reason", w.reason))
}

// Done is closed once the stream has been closed.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) loop(ctx context.Context, updates <-chan Update, srcDone <-chan error) {
	defer func() {
		w.mu.Lock()
		w.state = StateStopped
		w.mu.Unlock()
		close(w.out)
		close(w.done)
	}()

	p := newPending()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-srcDone:
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("watch: source failed",
					slog.String("reason", w.reason),
					slog.String("error", err.Error()))
			}
			// Whatever the source already delivered is still worth emitting.
			w.drain(updates, p)
			w.flush(ctx, p)
			return

		case u := <-updates:
			p.add(u)
			timer.Reset(w.debounce)

		case <-timer.C:
			w.flush(ctx, p)
		}
	}
}

func (w *Watcher) drain(updates <-chan Update, p *pending) {
	for {
		select {
		case u := <-updates:
			p.add(u)
		default:
			return
		}
	}
}

func (w *Watcher) flush(ctx context.Context, p *pending) {
	for _, b := range p.take() {
		w.logger.Debug("watch: batch",
			slog.Int("records", b.Len()),
			slog.Bool("full_load", b.IsFullLoad))
		select {
		case w.out <- b:
		case <-ctx.Done():
			return
		}
	}
}

// pending accumulates updates between flushes.
type pending struct {
	gather  map[models.FileRef]models.ChangeRecord // non-nil while a gather is pending
	changed map[models.FileRef]models.ChangeRecord
	removed map[models.FileRef]models.ChangeRecord
}

func newPending() *pending {
	return &pending{
		changed: make(map[models.FileRef]models.ChangeRecord),
		removed: make(map[models.FileRef]models.ChangeRecord),
	}
}

func (p *pending) add(u Update) {
	changed := filterRecords(u.Changed)
	removed := filterRecords(u.Removed)

	if u.Gather {
		// A fresh snapshot supersedes every delta seen before it.
		p.gather = make(map[models.FileRef]models.ChangeRecord, len(changed))
		for _, r := range changed {
			p.gather[r.ID] = r
		}
		clear(p.changed)
		clear(p.removed)
		return
	}

	if p.gather != nil {
		for _, r := range changed {
			p.gather[r.ID] = r
		}
		for _, r := range removed {
			delete(p.gather, r.ID)
		}
		return
	}

	for _, r := range changed {
		delete(p.removed, r.ID)
		p.changed[r.ID] = r
	}
	for _, r := range removed {
		delete(p.changed, r.ID)
		r.IsDeleted = true
		p.removed[r.ID] = r
	}
}

func (p *pending) take() []models.ChangeBatch {
	var out []models.ChangeBatch
	if p.gather != nil {
		out = append(out, models.ChangeBatch{Records: sortedRecords(p.gather), IsFullLoad: true})
		p.gather = nil
		return out
	}
	if len(p.changed) > 0 {
		out = append(out, models.ChangeBatch{Records: sortedRecords(p.changed)})
		clear(p.changed)
	}
	if len(p.removed) > 0 {
		out = append(out, models.ChangeBatch{Records: sortedRecords(p.removed)})
		clear(p.removed)
	}
	return out
}

func sortedRecords(m map[models.FileRef]models.ChangeRecord) []models.ChangeRecord {
	out := make([]models.ChangeRecord, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
