// Package storage defines the media library file-store abstraction and its
// local-disk and cloud-bucket implementations.
package storage

import (
	"context"
	"io"

	"github.com/starford/mediacat/internal/apperr"
	"github.com/starford/mediacat/internal/models"
)

// Backend kinds accepted by New.
const (
	KindLocal = "local"
	KindCloud = "cloud"
)

// DefaultSubdir is the well-known directory that holds the library under the
// platform documents directory (local) or the bucket prefix and cache (cloud).
const DefaultSubdir = "audios"

// Backend is the file-operations contract shared by every storage variant.
// Paths are FileRefs relative to Root.
type Backend interface {
	// Kind returns KindLocal or KindCloud.
	Kind() string
	// Root returns the absolute local directory the backend manages.
	Root() string
	// EnumerateChildren returns the immediate children of dir in no particular order.
	EnumerateChildren(ctx context.Context, dir models.FileRef) ([]models.FileRef, error)
	// Download materializes ref locally. It returns nil when ref is already
	// downloaded or a download of ref is in flight, and apperr.ErrNotFound
	// when ref no longer exists.
	Download(ctx context.Context, ref models.FileRef, reason string) error
	// Evict drops the local copy of a cloud-backed file. Best-effort.
	Evict(ctx context.Context, ref models.FileRef) error
	// DeleteFile removes ref from the underlying store.
	DeleteFile(ctx context.Context, ref models.FileRef) error
	// DeleteFiles removes every ref it can and reports the rest in an
	// *apperr.PartialFailureError.
	DeleteFiles(ctx context.Context, refs []models.FileRef) error
	// CopyInto copies the external file at source into destDir (empty for the
	// root), renaming on collision, and returns the new ref.
	CopyInto(ctx context.Context, source string, destDir models.FileRef, reason string) (models.FileRef, error)
	// Open returns a reader over the local copy of ref.
	Open(ctx context.Context, ref models.FileRef) (io.ReadSeekCloser, error)
	// Watch starts (or returns the already running) change stream for the root.
	Watch(ctx context.Context, reason string) <-chan models.ChangeBatch
	// StopWatch ends the change stream. Safe to call repeatedly.
	StopWatch(reason string)
	// Next returns the sibling following ref in name order, skipping
	// directories and excluded names.
	Next(ctx context.Context, ref models.FileRef) (models.FileRef, bool, error)
}

// DownloadNextBatch downloads start and then walks Next until count downloads
// have been attempted or there is no next sibling. A failing item never stops
// the walk; failures come back as an *apperr.PartialFailureError.
func DownloadNextBatch(ctx context.Context, b Backend, start models.FileRef, count int, reason string) error {
	var failures apperr.PartialFailureError
	cur := start
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.Download(ctx, cur, reason); err != nil {
			failures.Add(string(cur), err)
		}
		if i == count-1 {
			break
		}
		next, ok, err := b.Next(ctx, cur)
		if err != nil {
			failures.Add(string(cur), err)
			break
		}
		if !ok {
			break
		}
		cur = next
	}
	return failures.OrNil()
}

func deleteEach(ctx context.Context, refs []models.FileRef, del func(context.Context, models.FileRef) error) error {
	var failures apperr.PartialFailureError
	for _, ref := range refs {
		if err := del(ctx, ref); err != nil {
			failures.Add(string(ref), err)
		}
	}
	return failures.OrNil()
}
