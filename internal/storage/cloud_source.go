package storage

import (
	"context"
	"log/slog"
	"mime"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/starford/mediacat/internal/apperr"
	"github.com/starford/mediacat/internal/models"
	"github.com/starford/mediacat/internal/watch"
)

// pollSource is the watch.Source of a Cloud backend. Buckets have no change
// feed, so it re-lists the prefix on an interval and diffs against the last
// listing.
type pollSource struct {
	cloud *Cloud
}

type polled struct {
	rec  models.ChangeRecord
	etag string
}

func (s *pollSource) Run(ctx context.Context, out chan<- watch.Update) error {
	prev, err := s.cloud.snapshot(ctx)
	if err != nil {
		return err
	}
	if !send(ctx, out, watch.Update{Gather: true, Changed: records(prev)}) {
		return nil
	}

	ticker := time.NewTicker(s.cloud.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		cur, err := s.cloud.snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.cloud.logger.Warn("storage: poll failed", slog.String("error", err.Error()))
			continue
		}
		u := diffSnapshots(prev, cur)
		prev = cur
		if len(u.Changed) == 0 && len(u.Removed) == 0 {
			continue
		}
		if !send(ctx, out, u) {
			return nil
		}
	}
}

func send(ctx context.Context, out chan<- watch.Update, u watch.Update) bool {
	select {
	case out <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

func records(snap map[models.FileRef]polled) []models.ChangeRecord {
	out := make([]models.ChangeRecord, 0, len(snap))
	for _, p := range snap {
		out = append(out, p.rec)
	}
	return out
}

// diffSnapshots reports new or modified refs as changed and vanished refs as
// removed.
func diffSnapshots(prev, cur map[models.FileRef]polled) watch.Update {
	var u watch.Update
	for ref, now := range cur {
		was, existed := prev[ref]
		if existed && was == now {
			continue
		}
		rec := now.rec
		rec.IsUpdated = existed
		u.Changed = append(u.Changed, rec)
	}
	for ref, was := range prev {
		if _, ok := cur[ref]; !ok {
			rec := was.rec
			rec.IsDeleted = true
			u.Removed = append(u.Removed, rec)
		}
	}
	return u
}

// snapshot lists every object under the prefix. Folders are synthesized from
// the key hierarchy since S3 has no directory objects.
func (c *Cloud) snapshot(ctx context.Context) (map[models.FileRef]polled, error) {
	snap := make(map[models.FileRef]polled)
	p := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.dirPrefix("")),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, c.apiError("list", "", apperr.DirectionRead, err)
		}
		for _, obj := range page.Contents {
			ref, ok := c.refFromKey(aws.ToString(obj.Key))
			if !ok || watch.Excluded(ref) {
				continue
			}
			snap[ref] = polled{
				rec:  c.objectRecord(ref, aws.ToInt64(obj.Size)),
				etag: aws.ToString(obj.ETag),
			}
			for dir := path.Dir(string(ref)); dir != "." && dir != "/"; dir = path.Dir(dir) {
				dref := models.FileRef(dir)
				if _, seen := snap[dref]; seen {
					break
				}
				snap[dref] = polled{rec: models.ChangeRecord{
					ID:               dref,
					IsDirectory:      true,
					IsDownloaded:     true,
					DownloadProgress: 100,
				}}
			}
		}
	}
	return snap, nil
}

// objectRecord derives the download state of one object from the cache and
// the in-flight table.
func (c *Cloud) objectRecord(ref models.FileRef, size int64) models.ChangeRecord {
	rec := models.ChangeRecord{
		ID:          ref,
		Size:        size,
		ContentType: mime.TypeByExtension(ref.Ext()),
	}
	c.mu.Lock()
	t, busy := c.inflight[ref]
	c.mu.Unlock()
	if busy {
		rec.IsDownloading = true
		rec.DownloadProgress = t.progress()
		return rec
	}
	if local, err := c.cachePath(ref); err == nil {
		if info, err := os.Stat(local); err == nil && !info.IsDir() && info.Size() == size {
			rec.IsDownloaded = true
			rec.DownloadProgress = 100
			return rec
		}
	}
	rec.IsPlaceholder = true
	return rec
}
