package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/mediacat/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	db, err := Open(context.Background(), path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func insert(t *testing.T, db *DB, entries ...models.Entry) {
	t.Helper()
	err := db.Write(context.Background(), func(tx *Tx) error {
		for _, e := range entries {
			if err := tx.Insert(e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestOpen_AppliesMigrations(t *testing.T) {
	db := testDB(t)
	var n int
	require.NoError(t, db.reader.QueryRow(`SELECT count(*) FROM entries`).Scan(&n))
	require.NoError(t, db.reader.QueryRow(`SELECT count(*) FROM settings`).Scan(&n))
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	ctx := context.Background()
	db, err := Open(ctx, path, nil)
	require.NoError(t, err)
	insert(t, db, models.Entry{ID: "a.mp3", Order: 100, Title: "a"})
	require.NoError(t, db.Close())

	db, err = Open(ctx, path, nil)
	require.NoError(t, err)
	defer db.Close()
	_, ok, err := db.Get(ctx, "a.mp3")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInsertAndGet(t *testing.T) {
	db := testDB(t)
	size := int64(42)
	insert(t, db, models.Entry{ID: "song.mp3", Order: 100, Title: "song", Size: &size})

	e, ok, err := db.Get(context.Background(), "song.mp3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "song", e.Title)
	require.NotNil(t, e.Size)
	assert.Equal(t, int64(42), *e.Size)
	assert.Nil(t, e.ContentHash)
	assert.False(t, e.Like)
	assert.False(t, e.CreatedAt.IsZero())

	_, ok, err = db.Get(context.Background(), "missing.mp3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWrite_RollsBackOnError(t *testing.T) {
	db := testDB(t)
	boom := errors.New("boom")
	err := db.Write(context.Background(), func(tx *Tx) error {
		if err := tx.Insert(models.Entry{ID: "a.mp3", Order: 100}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok, err := db.Get(context.Background(), "a.mp3")
	require.NoError(t, err)
	assert.False(t, ok, "insert should have been rolled back")
}

func TestWrite_Serialized(t *testing.T) {
	db := testDB(t)
	insert(t, db, models.Entry{ID: "counter", Order: 0})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.Write(context.Background(), func(tx *Tx) error {
				e, _, err := tx.Get("counter")
				if err != nil {
					return err
				}
				return tx.SetOrder("counter", e.Order+1)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	e, _, err := db.Get(context.Background(), "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(20), e.Order)
}

func TestWrite_AfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	db, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	err = db.Write(context.Background(), func(*Tx) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNeighbours(t *testing.T) {
	db := testDB(t)
	insert(t, db,
		models.Entry{ID: "a", Order: 100},
		models.Entry{ID: "b", Order: 101},
		models.Entry{ID: "c", Order: 101},
		models.Entry{ID: "x", Order: models.SentinelExcluded},
		models.Entry{ID: "d", Order: 250},
	)
	ctx := context.Background()

	first, ok, err := db.First(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", first.ID)

	last, ok, err := db.Last(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d", last.ID)

	next, ok, err := db.After(ctx, 101, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c", next.ID, "ties break on id")

	prev, ok, err := db.Before(ctx, 101, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", prev.ID)

	_, ok, err = db.After(ctx, 250, "d")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := db.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	page, err := db.Page(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].ID)
	assert.Equal(t, "c", page[1].ID)
}

func TestMutations(t *testing.T) {
	db := testDB(t)
	insert(t, db, models.Entry{ID: "a.mp3", Order: 100, Title: "a"})
	ctx := context.Background()

	size := int64(7)
	err := db.Write(ctx, func(tx *Tx) error {
		if err := tx.UpdateFileInfo("a.mp3", &size, false); err != nil {
			return err
		}
		if err := tx.SetContent("a.mp3", "abc", "Alpha"); err != nil {
			return err
		}
		return tx.SetLike("a.mp3", true)
	})
	require.NoError(t, err)

	e, _, err := db.Get(ctx, "a.mp3")
	require.NoError(t, err)
	assert.Equal(t, int64(7), *e.Size)
	assert.Equal(t, "abc", *e.ContentHash)
	assert.Equal(t, "Alpha", e.Title)
	assert.True(t, e.Like)

	err = db.Write(ctx, func(tx *Tx) error { return tx.SetLike("nope.mp3", true) })
	assert.ErrorIs(t, err, ErrNoEntry)

	var removed, again bool
	err = db.Write(ctx, func(tx *Tx) error {
		var err error
		removed, err = tx.Delete("a.mp3")
		if err != nil {
			return err
		}
		again, err = tx.Delete("a.mp3")
		return err
	})
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, again)
}

func TestMaxOrderAndSettings(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var top int64
	var ok bool
	require.NoError(t, db.Write(ctx, func(tx *Tx) error {
		var err error
		top, ok, err = tx.MaxOrder()
		return err
	}))
	assert.False(t, ok)

	insert(t, db, models.Entry{ID: "a", Order: 5}, models.Entry{ID: "b", Order: 9}, models.Entry{ID: "c", Order: models.SentinelExcluded})
	require.NoError(t, db.Write(ctx, func(tx *Tx) error {
		var err error
		top, ok, err = tx.MaxOrder()
		if err != nil {
			return err
		}
		return tx.SetSetting("sort_mode", "random")
	}))
	assert.True(t, ok)
	assert.Equal(t, int64(9), top)

	v, err := db.Setting(ctx, "sort_mode")
	require.NoError(t, err)
	assert.Equal(t, "random", v)

	v, err = db.Setting(ctx, "unset")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestUnhashed(t *testing.T) {
	db := testDB(t)
	hash := "h"
	insert(t, db,
		models.Entry{ID: "a.mp3", Order: 1},
		models.Entry{ID: "b.mp3", Order: 2, ContentHash: &hash},
		models.Entry{ID: "dir", Order: 3, IsFolder: true},
	)
	ids, err := db.Unhashed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.mp3"}, ids)
}

func TestOpen_BadPath(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(os.DevNull, "nope", "catalog.db"), nil)
	assert.Error(t, err)
}
