package library

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/mediacat/internal/apperr"
	"github.com/starford/mediacat/internal/catalog"
	"github.com/starford/mediacat/internal/events"
	"github.com/starford/mediacat/internal/models"
	"github.com/starford/mediacat/internal/ordering"
	"github.com/starford/mediacat/internal/reconcile"
	"github.com/starford/mediacat/internal/testutil"
)

type fixture struct {
	svc  *Service
	db   *catalog.DB
	bus  *events.Bus
	root string
}

func newFixture(t *testing.T, files ...string) *fixture {
	t.Helper()
	db := testutil.TestDB(t)
	root, lib := testutil.TestLibrary(t)
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	logger := testutil.Logger()
	rec := reconcile.New(db, lib, bus, reconcile.WithLogger(logger))
	eng := ordering.NewEngine(db, bus, ordering.WithEngineLogger(logger))
	svc := NewService(lib, db, rec, eng, bus, WithLogger(logger), WithLookahead(2))

	batch := models.ChangeBatch{IsFullLoad: true}
	for _, f := range files {
		testutil.WriteFile(t, root, f, "data:"+f)
		batch.Records = append(batch.Records, models.ChangeRecord{ID: models.FileRef(f), IsDownloaded: true})
	}
	_, err := rec.Sync(context.Background(), batch)
	require.NoError(t, err)
	return &fixture{svc: svc, db: db, bus: bus, root: root}
}

func TestSetLike(t *testing.T) {
	f := newFixture(t, "a.mp3")
	sub := f.bus.Subscribe(8, events.KindAudioUpdated)
	ctx := context.Background()

	e, err := f.svc.SetLike(ctx, "a.mp3", nil)
	require.NoError(t, err)
	assert.True(t, e.Like)

	e, err = f.svc.SetLike(ctx, "a.mp3", nil)
	require.NoError(t, err)
	assert.False(t, e.Like)

	yes := true
	e, err = f.svc.SetLike(ctx, "a.mp3", &yes)
	require.NoError(t, err)
	assert.True(t, e.Like)

	for i := 0; i < 3; i++ {
		select {
		case env := <-sub.C:
			assert.Equal(t, "a.mp3", env.Event.(events.AudioUpdated).Entry.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("missing audio-updated event")
		}
	}

	_, err = f.svc.SetLike(ctx, "ghost.mp3", nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDelete(t *testing.T) {
	f := newFixture(t, "a.mp3", "b.mp3", "c.mp3")
	ctx := context.Background()

	require.NoError(t, f.svc.Delete(ctx, "a.mp3"))
	assert.NoFileExists(t, filepath.Join(f.root, "a.mp3"))
	_, err := f.svc.Get(ctx, "a.mp3")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.ErrorIs(t, f.svc.Delete(ctx, "ghost.mp3"), apperr.ErrNotFound)

	// A row whose file vanished is still cleaned up.
	require.NoError(t, os.Remove(filepath.Join(f.root, "b.mp3")))
	require.NoError(t, f.svc.Delete(ctx, "b.mp3"))
	_, err = f.svc.Get(ctx, "b.mp3")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	err = f.svc.Delete(ctx, "c.mp3", "ghost.mp3")
	var partial *apperr.PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Contains(t, partial.Failures, "ghost.mp3")
	assert.NotContains(t, partial.Failures, "c.mp3")
}

func TestImport(t *testing.T) {
	f := newFixture(t, "song.mp3")
	src := testutil.WriteFile(t, t.TempDir(), "song.mp3", "fresh")
	ctx := context.Background()

	refs, err := f.svc.Import(ctx, []string{src, filepath.Join(t.TempDir(), "nope.mp3")}, "")
	assert.Equal(t, []models.FileRef{"song-1.mp3"}, refs)
	var partial *apperr.PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Len(t, partial.Failures, 1)

	e, err := f.svc.Get(ctx, "song-1.mp3")
	require.NoError(t, err)
	require.NotNil(t, e.Size)
	assert.Equal(t, int64(len("fresh")), *e.Size)
}

func TestRun_HandlesImportRequests(t *testing.T) {
	f := newFixture(t)
	src := testutil.WriteFile(t, t.TempDir(), "new.flac", "x")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	// Give Run time to subscribe before publishing.
	testutil.Eventually(t, 2*time.Second, 20*time.Millisecond, func() bool {
		id, err := f.svc.RequestImport([]string{src}, "incoming")
		require.NoError(t, err)
		require.NotEmpty(t, id)
		time.Sleep(50 * time.Millisecond)
		_, err = f.svc.Get(context.Background(), "incoming/new.flac")
		return err == nil
	}, "import request not handled")

	cancel()
	require.NoError(t, <-done)

	_, err := f.svc.RequestImport(nil, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestRun_QueuesBurstOfImportRequests(t *testing.T) {
	f := newFixture(t)
	srcDir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	first := testutil.WriteFile(t, srcDir, "first.mp3", "x")
	testutil.Eventually(t, 2*time.Second, 20*time.Millisecond, func() bool {
		_, err := f.svc.RequestImport([]string{first}, "burst")
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
		_, err = f.svc.Get(context.Background(), "burst/first.mp3")
		return err == nil
	}, "import handler not running")

	const n = 20
	for i := range n {
		src := testutil.WriteFile(t, srcDir, fmt.Sprintf("song%02d.mp3", i), "x")
		_, err := f.svc.RequestImport([]string{src}, "burst")
		require.NoError(t, err)
	}

	testutil.Eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		for i := range n {
			if _, err := f.svc.Get(context.Background(), fmt.Sprintf("burst/song%02d.mp3", i)); err != nil {
				return false
			}
		}
		return true
	}, "not every queued import was handled")

	cancel()
	require.NoError(t, <-done)
}

func TestNavigationAndSort(t *testing.T) {
	f := newFixture(t, "b.mp3", "a.mp3", "c.mp3")
	ctx := context.Background()
	require.NoError(t, f.svc.Sort(ctx, models.SortSequential, nil))

	first, err := f.svc.First(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a.mp3", first.Entry.ID)

	next, err := f.svc.Next(ctx, "c.mp3")
	require.NoError(t, err)
	assert.Equal(t, "a.mp3", next.Entry.ID)

	prev, err := f.svc.Prev(ctx, "a.mp3")
	require.NoError(t, err)
	assert.Equal(t, "c.mp3", prev.Entry.ID)

	at, err := f.svc.At(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "b.mp3", at.Entry.ID)

	items, total, err := f.svc.List(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, items, 2)

	st, err := f.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SortSequential, st.Mode)
	assert.Equal(t, 3, st.Entries)
	assert.Equal(t, "local", st.Backend)
}

func TestOpenAndDownload(t *testing.T) {
	f := newFixture(t, "a.mp3", "b.mp3")
	ctx := context.Background()

	e, rc, err := f.svc.Open(ctx, "a.mp3")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "a.mp3", e.ID)
	assert.Equal(t, "data:a.mp3", string(data))

	assert.NoError(t, f.svc.Download(ctx, "a.mp3", true))
	assert.NoError(t, f.svc.Evict(ctx, "a.mp3"))
	assert.ErrorIs(t, f.svc.Download(ctx, "zzz.mp3", false), apperr.ErrNotFound)
}
