package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/mediacat/internal/models"
	"github.com/starford/mediacat/internal/watch"
)

// regatherDelay debounces the full rescan triggered by renames and
// directory removals, which fsnotify reports only for the old path.
const regatherDelay = 200 * time.Millisecond

// localSource feeds a watch.Watcher from fsnotify events under a Local root.
type localSource struct {
	backend *Local
}

func (s *localSource) Run(ctx context.Context, out chan<- watch.Update) error {
	l := s.backend
	if _, err := os.Stat(l.root); err != nil {
		return fmt.Errorf("storage: watch root: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("storage: new fsnotify watcher: %w", err)
	}
	defer w.Close()

	dirs := make(map[string]struct{})
	if err := addDirsRecursive(w, l.root, dirs); err != nil {
		return fmt.Errorf("storage: watch dirs: %w", err)
	}

	send := func(u watch.Update) bool {
		select {
		case out <- u:
			return true
		case <-ctx.Done():
			return false
		}
	}

	snapshot, err := s.gather()
	if err != nil {
		return err
	}
	if !send(watch.Update{Gather: true, Changed: snapshot}) {
		return nil
	}

	var regatherTimer *time.Timer
	var regatherCh <-chan time.Time
	scheduleRegather := func() {
		if regatherTimer == nil {
			regatherTimer = time.NewTimer(regatherDelay)
			regatherCh = regatherTimer.C
		} else {
			regatherTimer.Reset(regatherDelay)
		}
	}
	defer func() {
		if regatherTimer != nil {
			regatherTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-regatherCh:
			snapshot, err := s.gather()
			if err != nil {
				l.logger.Warn("watch: regather failed", slog.String("error", err.Error()))
				continue
			}
			if !send(watch.Update{Gather: true, Changed: snapshot}) {
				return nil
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			ref, inRoot := l.refFor(ev.Name)
			if !inRoot {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				info, statErr := os.Stat(ev.Name)
				if statErr != nil {
					// Gone again before we looked; a later Remove covers it.
					continue
				}
				if info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name, dirs); addErr != nil {
						l.logger.Warn("watch: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
					// Files may have landed before the directory was watched.
					records, walkErr := s.walk(ev.Name)
					if walkErr != nil {
						l.logger.Warn("watch: walk new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", walkErr.Error()))
					}
					if !send(watch.Update{Changed: records}) {
						return nil
					}
					continue
				}
				r := l.record(ref, info)
				r.IsUpdated = ev.Op&fsnotify.Write != 0
				if !send(watch.Update{Changed: []models.ChangeRecord{r}}) {
					return nil
				}

			case ev.Op&fsnotify.Remove != 0:
				if _, wasDir := dirs[ev.Name]; wasDir {
					delete(dirs, ev.Name)
					scheduleRegather()
				}
				if !send(watch.Update{Removed: []models.ChangeRecord{{ID: ref}}}) {
					return nil
				}

			case ev.Op&fsnotify.Rename != 0:
				// Rename fires on the old path only; the new path arrives as a
				// Create if it stays inside a watched directory.
				delete(dirs, ev.Name)
				if !send(watch.Update{Removed: []models.ChangeRecord{{ID: ref}}}) {
					return nil
				}
				scheduleRegather()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watch: fsnotify error", slog.String("error", watchErr.Error()))
		}
	}
}

// gather walks the whole root.
func (s *localSource) gather() ([]models.ChangeRecord, error) {
	return s.walk(s.backend.root)
}

// walk returns records for every entry under dir, dir itself excluded.
func (s *localSource) walk(dir string) ([]models.ChangeRecord, error) {
	l := s.backend
	var out []models.ChangeRecord
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		ref, ok := l.refFor(p)
		if !ok {
			return nil
		}
		if watch.Excluded(ref) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, l.record(ref, info))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: walk %s: %w", dir, err)
	}
	return out, nil
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string, dirs map[string]struct{}) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.Add(p); err != nil {
				return err
			}
			dirs[p] = struct{}{}
		}
		return nil
	})
}
