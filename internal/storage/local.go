package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/starford/mediacat/internal/apperr"
	"github.com/starford/mediacat/internal/models"
	"github.com/starford/mediacat/internal/watch"
)

// Local implements Backend on a plain directory. Every file it reports is
// already downloaded, so Download and Evict do no transfer work.
type Local struct {
	root     string // absolute path to the library directory
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	watcher *watch.Watcher
}

// NewLocal creates a Local backend rooted at root, creating the directory
// when it does not exist.
func NewLocal(root string, debounce time.Duration, logger *slog.Logger) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, classify(abs, apperr.DirectionWrite, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{root: abs, debounce: debounce, logger: logger}, nil
}

// Kind implements Backend.
func (l *Local) Kind() string { return KindLocal }

// Root implements Backend.
func (l *Local) Root() string { return l.root }

// safePath resolves a ref against the root and rejects any result that
// escapes it (directory traversal).
func (l *Local) safePath(ref models.FileRef) (string, error) {
	return resolveUnder(l.root, ref)
}

func resolveUnder(root string, ref models.FileRef) (string, error) {
	rel := string(ref)
	if rel == "" {
		return root, nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s: %w", rel, apperr.ErrInvalidArgument)
	}
	abs := filepath.Join(root, cleaned)
	if !strings.HasPrefix(abs, root+string(os.PathSeparator)) && abs != root {
		return "", fmt.Errorf("storage: path escapes root: %s: %w", rel, apperr.ErrInvalidArgument)
	}
	return abs, nil
}

func (l *Local) refFor(abs string) (models.FileRef, bool) {
	rel, err := filepath.Rel(l.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return models.FileRef(filepath.ToSlash(rel)), true
}

// EnumerateChildren implements Backend.
func (l *Local) EnumerateChildren(_ context.Context, dir models.FileRef) ([]models.FileRef, error) {
	abs, err := l.safePath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, classify(abs, apperr.DirectionRead, err)
	}
	out := make([]models.FileRef, 0, len(entries))
	for _, e := range entries {
		ref := models.FileRef(path.Join(string(dir), e.Name()))
		if watch.Excluded(ref) {
			continue
		}
		out = append(out, ref)
	}
	return out, nil
}

// Download implements Backend. Local files are always materialized.
func (l *Local) Download(_ context.Context, ref models.FileRef, _ string) error {
	abs, err := l.safePath(ref)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return classify(abs, apperr.DirectionRead, err)
	}
	return nil
}

// Evict implements Backend. There is no cache to drop.
func (l *Local) Evict(context.Context, models.FileRef) error { return nil }

// DeleteFile implements Backend.
func (l *Local) DeleteFile(_ context.Context, ref models.FileRef) error {
	if ref == "" {
		return fmt.Errorf("storage: refusing to delete root: %w", apperr.ErrInvalidArgument)
	}
	abs, err := l.safePath(ref)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(abs); err != nil {
		return classify(abs, apperr.DirectionWrite, err)
	}
	if err := os.RemoveAll(abs); err != nil {
		return classify(abs, apperr.DirectionWrite, err)
	}
	return nil
}

// DeleteFiles implements Backend.
func (l *Local) DeleteFiles(ctx context.Context, refs []models.FileRef) error {
	return deleteEach(ctx, refs, l.DeleteFile)
}

// CopyInto implements Backend. The content is written to a hidden temp file
// first and then hard-linked under the first free name, so the final name
// only ever appears with the complete file behind it.
func (l *Local) CopyInto(_ context.Context, source string, destDir models.FileRef, reason string) (models.FileRef, error) {
	src, _, err := openSource(source)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dirAbs, err := l.safePath(destDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dirAbs, 0o755); err != nil {
		return "", classify(dirAbs, apperr.DirectionWrite, err)
	}
	if err := checkWritable(dirAbs); err != nil {
		return "", err
	}

	tmp, err := writeTemp(dirAbs, src)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp)

	// Link fails on an existing name, which makes it the reservation.
	name, err := uniqueName(filepath.Base(source), func(candidate string) (bool, error) {
		p := filepath.Join(dirAbs, candidate)
		err := os.Link(tmp, p)
		if errors.Is(err, fs.ErrExist) {
			return true, nil
		}
		if err != nil {
			return false, classify(p, apperr.DirectionWrite, err)
		}
		return false, nil
	})
	if err != nil {
		return "", err
	}

	ref := models.FileRef(path.Join(string(destDir), name))
	l.logger.Info("storage: copied into library",
		slog.String("source", source),
		slog.String("ref", string(ref)),
		slog.String("reason", reason))
	return ref, nil
}

// writeTemp streams r into a synced hidden temp file in dir and returns its
// path. The caller owns the file.
func writeTemp(dir string, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(dir, ".mediacat-tmp-*")
	if err != nil {
		return "", classify(dir, apperr.DirectionWrite, err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return "", fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("storage: close temp: %w", err)
	}
	success = true
	return tmpName, nil
}

// writeAtomic streams r into dst: tmp file → fsync → rename.
func writeAtomic(dir, dst string, r io.Reader) error {
	tmp, err := writeTemp(dir, r)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return classify(dst, apperr.DirectionWrite, err)
	}
	return nil
}

// Open implements Backend.
func (l *Local) Open(_ context.Context, ref models.FileRef) (io.ReadSeekCloser, error) {
	abs, err := l.safePath(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, classify(abs, apperr.DirectionRead, err)
	}
	return f, nil
}

// Next implements Backend.
func (l *Local) Next(_ context.Context, ref models.FileRef) (models.FileRef, bool, error) {
	dir := path.Dir(string(ref))
	if dir == "." {
		dir = ""
	}
	dirAbs, err := l.safePath(models.FileRef(dir))
	if err != nil {
		return "", false, err
	}
	entries, err := os.ReadDir(dirAbs)
	if err != nil {
		return "", false, classify(dirAbs, apperr.DirectionRead, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return nextSibling(dir, ref.Name(), names)
}

// nextSibling picks the smallest non-excluded name strictly after current.
func nextSibling(dir, current string, names []string) (models.FileRef, bool, error) {
	sort.Strings(names)
	i := sort.SearchStrings(names, current)
	for ; i < len(names); i++ {
		if names[i] <= current {
			continue
		}
		ref := models.FileRef(path.Join(dir, names[i]))
		if watch.Excluded(ref) {
			continue
		}
		return ref, true, nil
	}
	return "", false, nil
}

// Watch implements Backend.
func (l *Local) Watch(ctx context.Context, reason string) <-chan models.ChangeBatch {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil && l.watcher.State() == watch.StateWatching {
		return l.watcher.Start(ctx)
	}
	l.watcher = watch.New(&localSource{backend: l}, reason,
		watch.WithDebounce(l.debounce),
		watch.WithLogger(l.logger))
	return l.watcher.Start(ctx)
}

// StopWatch implements Backend.
func (l *Local) StopWatch(reason string) {
	l.mu.Lock()
	w := l.watcher
	l.mu.Unlock()
	if w == nil {
		return
	}
	l.logger.Debug("storage: stop watch", slog.String("reason", reason))
	w.Stop()
}

// record builds a ChangeRecord for an on-disk path.
func (l *Local) record(ref models.FileRef, info fs.FileInfo) models.ChangeRecord {
	r := models.ChangeRecord{
		ID:               ref,
		IsDirectory:      info.IsDir(),
		IsDownloaded:     true,
		DownloadProgress: 100,
	}
	if !info.IsDir() {
		r.Size = info.Size()
		r.ContentType = mime.TypeByExtension(ref.Ext())
	}
	return r
}
