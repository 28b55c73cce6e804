package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/starford/mediacat/internal/apperr"
	"github.com/starford/mediacat/internal/metrics"
	"github.com/starford/mediacat/internal/models"
	"github.com/starford/mediacat/internal/watch"
)

// ObjectAPI is the subset of *s3.Client the cloud backend uses.
type ObjectAPI interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// DefaultPollInterval is how often the cloud watch source re-lists the bucket.
const DefaultPollInterval = 5 * time.Second

// Cloud implements Backend on an S3-compatible bucket. Objects under the
// key prefix are the library; the local root is a download cache. An object
// without a cached copy is a placeholder until Download materializes it.
type Cloud struct {
	api          ObjectAPI
	bucket       string
	prefix       string // key prefix without trailing slash, may be empty
	root         string // absolute cache directory
	pollInterval time.Duration
	debounce     time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	inflight map[models.FileRef]*transfer
	reserved map[models.FileRef]struct{} // names claimed by copy-ins still uploading
	watcher  *watch.Watcher
}

// transfer tracks one in-flight download for progress reporting.
type transfer struct {
	total   atomic.Int64
	written atomic.Int64
}

func (t *transfer) progress() float64 {
	total := t.total.Load()
	if total <= 0 {
		return 0
	}
	p := float64(t.written.Load()) * 100 / float64(total)
	if p > 100 {
		p = 100
	}
	return p
}

type progressReader struct {
	r io.Reader
	t *transfer
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.t.written.Add(int64(n))
	return n, err
}

// CloudOptions configures NewCloud.
type CloudOptions struct {
	Bucket       string
	Prefix       string
	CacheDir     string
	PollInterval time.Duration
	Debounce     time.Duration
	Logger       *slog.Logger
}

// NewCloud creates a Cloud backend over api. The cache directory is created
// when missing.
func NewCloud(api ObjectAPI, opts CloudOptions) (*Cloud, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("storage: cloud bucket is required: %w", apperr.ErrInvalidArgument)
	}
	abs, err := filepath.Abs(opts.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve cache dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, classify(abs, apperr.DirectionWrite, err)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cloud{
		api:          api,
		bucket:       opts.Bucket,
		prefix:       strings.Trim(opts.Prefix, "/"),
		root:         abs,
		pollInterval: opts.PollInterval,
		debounce:     opts.Debounce,
		logger:       opts.Logger,
		inflight:     make(map[models.FileRef]*transfer),
		reserved:     make(map[models.FileRef]struct{}),
	}, nil
}

// Kind implements Backend.
func (c *Cloud) Kind() string { return KindCloud }

// Root implements Backend.
func (c *Cloud) Root() string { return c.root }

func (c *Cloud) key(ref models.FileRef) string {
	if c.prefix == "" {
		return string(ref)
	}
	return path.Join(c.prefix, string(ref))
}

// dirPrefix returns the listing prefix for the children of dir.
func (c *Cloud) dirPrefix(dir models.FileRef) string {
	k := c.key(dir)
	if k == "" {
		return ""
	}
	return strings.TrimSuffix(k, "/") + "/"
}

func (c *Cloud) refFromKey(key string) (models.FileRef, bool) {
	if c.prefix == "" {
		return models.FileRef(strings.TrimSuffix(key, "/")), key != ""
	}
	rest, ok := strings.CutPrefix(key, c.prefix+"/")
	if !ok || rest == "" {
		return "", false
	}
	return models.FileRef(strings.TrimSuffix(rest, "/")), true
}

func (c *Cloud) cachePath(ref models.FileRef) (string, error) {
	return resolveUnder(c.root, ref)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}

func isAccessDenied(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "Forbidden", "403":
			return true
		}
	}
	return false
}

// isPreconditionFailed reports a conditional write that lost to an existing
// object.
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "412":
			return true
		}
	}
	return false
}

func (c *Cloud) apiError(op string, ref models.FileRef, dir apperr.Direction, err error) error {
	switch {
	case isNotFound(err):
		return fmt.Errorf("storage: %s %s: %w", op, ref, apperr.ErrNotFound)
	case isAccessDenied(err):
		return &apperr.PermissionError{Path: c.bucket + "/" + c.key(ref), Direction: dir, Err: err}
	}
	return fmt.Errorf("storage: %s %s: %w", op, ref, err)
}

// EnumerateChildren implements Backend.
func (c *Cloud) EnumerateChildren(ctx context.Context, dir models.FileRef) ([]models.FileRef, error) {
	var out []models.FileRef
	p := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Prefix:    aws.String(c.dirPrefix(dir)),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, c.apiError("list", dir, apperr.DirectionRead, err)
		}
		for _, cp := range page.CommonPrefixes {
			if ref, ok := c.refFromKey(aws.ToString(cp.Prefix)); ok && !watch.Excluded(ref) {
				out = append(out, ref)
			}
		}
		for _, obj := range page.Contents {
			if ref, ok := c.refFromKey(aws.ToString(obj.Key)); ok && !watch.Excluded(ref) {
				out = append(out, ref)
			}
		}
	}
	return out, nil
}

// Download implements Backend. It blocks until the object is cached.
func (c *Cloud) Download(ctx context.Context, ref models.FileRef, reason string) error {
	local, err := c.cachePath(ref)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, busy := c.inflight[ref]; busy {
		c.mu.Unlock()
		return nil
	}
	t := &transfer{}
	c.inflight[ref] = t
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, ref)
		c.mu.Unlock()
	}()

	start := time.Now()
	head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(ref)),
	})
	if err != nil {
		return c.apiError("head", ref, apperr.DirectionRead, err)
	}
	remoteSize := aws.ToInt64(head.ContentLength)
	if info, statErr := os.Stat(local); statErr == nil && !info.IsDir() && info.Size() == remoteSize {
		return nil
	}

	obj, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(ref)),
	})
	if err != nil {
		metrics.RecordDownload(KindCloud, time.Since(start), false)
		return c.apiError("get", ref, apperr.DirectionRead, err)
	}
	defer obj.Body.Close()
	t.total.Store(aws.ToInt64(obj.ContentLength))

	dir := filepath.Dir(local)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		metrics.RecordDownload(KindCloud, time.Since(start), false)
		return classify(dir, apperr.DirectionWrite, err)
	}
	if err := writeAtomic(dir, local, &progressReader{r: obj.Body, t: t}); err != nil {
		metrics.RecordDownload(KindCloud, time.Since(start), false)
		return err
	}
	metrics.RecordDownload(KindCloud, time.Since(start), true)
	c.logger.Debug("storage: downloaded",
		slog.String("ref", string(ref)),
		slog.Int64("bytes", t.written.Load()),
		slog.String("reason", reason))
	return nil
}

// Evict implements Backend.
func (c *Cloud) Evict(_ context.Context, ref models.FileRef) error {
	c.mu.Lock()
	_, busy := c.inflight[ref]
	c.mu.Unlock()
	if busy {
		return fmt.Errorf("storage: evict %s: %w", ref, apperr.ErrDownloading)
	}
	local, err := c.cachePath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(local); err != nil && !errors.Is(err, os.ErrNotExist) {
		return classify(local, apperr.DirectionWrite, err)
	}
	return nil
}

// DeleteFile implements Backend. A ref naming a folder removes every object
// beneath it.
func (c *Cloud) DeleteFile(ctx context.Context, ref models.FileRef) error {
	if ref == "" {
		return fmt.Errorf("storage: refusing to delete root: %w", apperr.ErrInvalidArgument)
	}
	keys := []string{c.key(ref)}
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(ref)),
	})
	if err != nil {
		if !isNotFound(err) {
			return c.apiError("head", ref, apperr.DirectionWrite, err)
		}
		keys, err = c.listKeys(ctx, c.dirPrefix(ref))
		if err != nil {
			return c.apiError("list", ref, apperr.DirectionRead, err)
		}
		if len(keys) == 0 {
			return fmt.Errorf("storage: delete %s: %w", ref, apperr.ErrNotFound)
		}
	}
	for _, k := range keys {
		if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(k),
		}); err != nil {
			return c.apiError("delete", ref, apperr.DirectionWrite, err)
		}
	}
	if local, err := c.cachePath(ref); err == nil {
		_ = os.RemoveAll(local)
	}
	return nil
}

// DeleteFiles implements Backend.
func (c *Cloud) DeleteFiles(ctx context.Context, refs []models.FileRef) error {
	return deleteEach(ctx, refs, c.DeleteFile)
}

// CopyInto implements Backend. The file is uploaded and the cache seeded so
// the new entry is immediately playable.
func (c *Cloud) CopyInto(ctx context.Context, source string, destDir models.FileRef, reason string) (models.FileRef, error) {
	src, info, err := openSource(source)
	if err != nil {
		return "", err
	}
	defer src.Close()

	cacheDir, err := c.cachePath(destDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", classify(cacheDir, apperr.DirectionWrite, err)
	}
	if err := checkWritable(cacheDir); err != nil {
		return "", err
	}

	existing, err := c.EnumerateChildren(ctx, destDir)
	if err != nil {
		return "", err
	}
	names := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		names[r.Name()] = struct{}{}
	}

	var ref models.FileRef
	for attempt := 0; ; attempt++ {
		ref = c.reserve(destDir, filepath.Base(source), names)
		err = c.put(ctx, ref, src, info.Size())
		if err == nil {
			break
		}
		c.release(ref)
		if !isPreconditionFailed(err) || attempt >= maxCopyAttempts {
			return "", c.apiError("put", ref, apperr.DirectionWrite, err)
		}
		// Someone else created the object after we listed; try the next name.
		names[ref.Name()] = struct{}{}
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			return "", classify(source, apperr.DirectionRead, err)
		}
	}
	defer c.release(ref)

	if _, err := src.Seek(0, io.SeekStart); err == nil {
		if local, err := c.cachePath(ref); err == nil {
			if err := writeAtomic(filepath.Dir(local), local, src); err != nil {
				c.logger.Warn("storage: seed cache failed",
					slog.String("ref", string(ref)),
					slog.String("error", err.Error()))
			}
		}
	}

	c.logger.Info("storage: copied into library",
		slog.String("source", source),
		slog.String("ref", string(ref)),
		slog.String("reason", reason))
	return ref, nil
}

const maxCopyAttempts = 16

// reserve picks the first free name for base under dir, skipping both the
// listed names and names other copy-ins are still uploading, and claims it.
func (c *Cloud) reserve(dir models.FileRef, base string, listed map[string]struct{}) models.FileRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, _ := uniqueName(base, func(candidate string) (bool, error) {
		if _, taken := listed[candidate]; taken {
			return true, nil
		}
		_, busy := c.reserved[models.FileRef(path.Join(string(dir), candidate))]
		return busy, nil
	})
	ref := models.FileRef(path.Join(string(dir), name))
	c.reserved[ref] = struct{}{}
	return ref
}

func (c *Cloud) release(ref models.FileRef) {
	c.mu.Lock()
	delete(c.reserved, ref)
	c.mu.Unlock()
}

// put uploads body under ref only if no object exists there yet.
func (c *Cloud) put(ctx context.Context, ref models.FileRef, body io.Reader, size int64) error {
	start := time.Now()
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(c.key(ref)),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(mime.TypeByExtension(ref.Ext())),
		IfNoneMatch:   aws.String("*"),
	})
	metrics.RecordUpload(KindCloud, time.Since(start), err == nil)
	return err
}

// Open implements Backend.
func (c *Cloud) Open(_ context.Context, ref models.FileRef) (io.ReadSeekCloser, error) {
	c.mu.Lock()
	_, busy := c.inflight[ref]
	c.mu.Unlock()
	if busy {
		return nil, fmt.Errorf("storage: open %s: %w", ref, apperr.ErrDownloading)
	}
	local, err := c.cachePath(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(local)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("storage: open %s: %w", ref, apperr.ErrNotDownloaded)
	}
	if err != nil {
		return nil, classify(local, apperr.DirectionRead, err)
	}
	return f, nil
}

// Next implements Backend. S3 lists keys in lexicographic order, which is
// the sibling order used by Local as well.
func (c *Cloud) Next(ctx context.Context, ref models.FileRef) (models.FileRef, bool, error) {
	dir := path.Dir(string(ref))
	if dir == "." {
		dir = ""
	}
	p := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket:     aws.String(c.bucket),
		Prefix:     aws.String(c.dirPrefix(models.FileRef(dir))),
		Delimiter:  aws.String("/"),
		StartAfter: aws.String(c.key(ref)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return "", false, c.apiError("list", ref, apperr.DirectionRead, err)
		}
		for _, obj := range page.Contents {
			next, ok := c.refFromKey(aws.ToString(obj.Key))
			if !ok || next == ref || watch.Excluded(next) {
				continue
			}
			return next, true, nil
		}
	}
	return "", false, nil
}

func (c *Cloud) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Watch implements Backend.
func (c *Cloud) Watch(ctx context.Context, reason string) <-chan models.ChangeBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher != nil && c.watcher.State() == watch.StateWatching {
		return c.watcher.Start(ctx)
	}
	c.watcher = watch.New(&pollSource{cloud: c}, reason,
		watch.WithDebounce(c.debounce),
		watch.WithLogger(c.logger))
	return c.watcher.Start(ctx)
}

// StopWatch implements Backend.
func (c *Cloud) StopWatch(reason string) {
	c.mu.Lock()
	w := c.watcher
	c.mu.Unlock()
	if w == nil {
		return
	}
	c.logger.Debug("storage: stop watch", slog.String("reason", reason))
	w.Stop()
}
