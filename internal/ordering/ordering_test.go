package ordering

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/mediacat/internal/apperr"
	"github.com/starford/mediacat/internal/catalog"
	"github.com/starford/mediacat/internal/events"
	"github.com/starford/mediacat/internal/models"
	"github.com/starford/mediacat/internal/reconcile"
	"github.com/starford/mediacat/internal/testutil"
)

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
}

func seed(t *testing.T, db *catalog.DB, titles map[string]string) {
	t.Helper()
	ord := int64(0)
	err := db.Write(context.Background(), func(tx *catalog.Tx) error {
		for id, title := range titles {
			if err := tx.Insert(models.Entry{ID: id, Title: title, Order: ord}); err != nil {
				return err
			}
			ord++
		}
		return tx.Insert(models.Entry{ID: "folder", IsFolder: true, Order: models.SentinelExcluded})
	})
	require.NoError(t, err)
}

func setup(t *testing.T, n int) (*catalog.DB, *Engine, *Navigator, *recorder) {
	t.Helper()
	db := testutil.TestDB(t)
	titles := make(map[string]string, n)
	for i := 0; i < n; i++ {
		titles[fmt.Sprintf("id-%02d.mp3", i)] = fmt.Sprintf("Title %02d", n-i)
	}
	seed(t, db, titles)
	rec := &recorder{}
	eng := NewEngine(db, rec,
		WithRand(rand.New(rand.NewPCG(1, 2))),
		WithEngineLogger(testutil.Logger()))
	return db, eng, NewNavigator(db), rec
}

func all(t *testing.T, nav *Navigator) []models.Entry {
	t.Helper()
	page, err := nav.Page(context.Background(), 0, 1000)
	require.NoError(t, err)
	return page
}

func assertUniqueOrders(t *testing.T, entries []models.Entry) {
	t.Helper()
	seen := make(map[int64]string, len(entries))
	for _, e := range entries {
		if other, dup := seen[e.Order]; dup {
			t.Fatalf("order %d shared by %s and %s", e.Order, other, e.ID)
		}
		seen[e.Order] = e.ID
	}
}

func TestSequential_OrdersByTitle(t *testing.T) {
	_, eng, nav, rec := setup(t, 5)
	require.NoError(t, eng.Sort(context.Background(), models.SortSequential, nil))

	entries := all(t, nav)
	require.Len(t, entries, 5)
	assertUniqueOrders(t, entries)
	for i, e := range entries {
		assert.Equal(t, models.FirstSequentialOrder+int64(i), e.Order)
		if i > 0 {
			assert.Less(t, entries[i-1].Title, e.Title)
		}
	}
	assert.Equal(t, "Title 01", entries[0].Title)

	require.Len(t, rec.got, 2)
	assert.Equal(t, events.SortingStarted{Mode: models.SortSequential}, rec.got[0])
	assert.Equal(t, events.SortDone{Mode: models.SortSequential}, rec.got[1])
}

func TestSequential_WithSticky(t *testing.T) {
	_, eng, nav, _ := setup(t, 4)
	sticky := "id-02.mp3"
	require.NoError(t, eng.Sort(context.Background(), models.SortSequential, &sticky))

	entries := all(t, nav)
	assertUniqueOrders(t, entries)
	assert.Equal(t, sticky, entries[0].ID)
	assert.Equal(t, models.StickyOrder, entries[0].Order)
	assert.Equal(t, models.FirstSequentialOrder, entries[1].Order)
}

func TestRandom_NavigationStaysTotal(t *testing.T) {
	_, eng, nav, _ := setup(t, 20)
	sticky := "id-07.mp3"
	require.NoError(t, eng.Sort(context.Background(), models.SortRandom, &sticky))

	entries := all(t, nav)
	require.Len(t, entries, 20)
	assert.Equal(t, sticky, entries[0].ID)
	for _, e := range entries[1:] {
		assert.GreaterOrEqual(t, e.Order, models.FirstSequentialOrder)
		assert.Less(t, e.Order, int64(1)<<53)
	}
	assertRoundTrip(t, nav, entries)
}

func TestSticky_PinsExactlyOne(t *testing.T) {
	_, eng, nav, _ := setup(t, 5)
	ctx := context.Background()
	require.NoError(t, eng.Sort(ctx, models.SortSequential, nil))
	before := all(t, nav)

	first := "id-03.mp3"
	require.NoError(t, eng.Sort(ctx, models.SortSticky, &first))
	second := "id-01.mp3"
	require.NoError(t, eng.Sort(ctx, models.SortSticky, &second))

	entries := all(t, nav)
	var atZero []string
	orders := make(map[string]int64)
	for _, e := range entries {
		orders[e.ID] = e.Order
		if e.Order == models.StickyOrder {
			atZero = append(atZero, e.ID)
		}
	}
	assert.Equal(t, []string{second}, atZero)
	assert.Equal(t, models.StickyOrder+1, orders[first])
	for _, e := range before {
		if e.ID == first || e.ID == second {
			continue
		}
		assert.Equal(t, e.Order, orders[e.ID], "untouched entry %s", e.ID)
	}

	mode, err := eng.Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SortSequential, mode, "sticky keeps the underlying mode")
	pinned, err := eng.Sticky(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, pinned)
}

func TestSticky_SuccessivePinsShareOrderOne(t *testing.T) {
	_, eng, nav, _ := setup(t, 5)
	ctx := context.Background()
	require.NoError(t, eng.Sort(ctx, models.SortSequential, nil))

	for _, id := range []string{"id-03.mp3", "id-01.mp3", "id-04.mp3"} {
		require.NoError(t, eng.Sort(ctx, models.SortSticky, &id))
	}

	entries := all(t, nav)
	require.Len(t, entries, 5)
	assert.Equal(t, "id-04.mp3", entries[0].ID)
	assert.Equal(t, models.StickyOrder, entries[0].Order)

	// Only the previous holder of 0 moves, so earlier pins pile up at 1
	// and the id breaks the tie.
	assert.Equal(t, "id-01.mp3", entries[1].ID)
	assert.Equal(t, "id-03.mp3", entries[2].ID)
	assert.Equal(t, models.StickyOrder+1, entries[1].Order)
	assert.Equal(t, models.StickyOrder+1, entries[2].Order)

	assertRoundTrip(t, nav, entries)
	first, err := nav.First(ctx)
	require.NoError(t, err)
	assert.Equal(t, "id-04.mp3", first.Entry.ID)
}

func TestSort_Validation(t *testing.T) {
	_, eng, _, rec := setup(t, 2)
	ctx := context.Background()

	assert.ErrorIs(t, eng.Sort(ctx, "shuffle", nil), apperr.ErrInvalidArgument)
	assert.ErrorIs(t, eng.Sort(ctx, models.SortSticky, nil), apperr.ErrInvalidArgument)
	assert.Empty(t, rec.got, "rejected before any event")

	ghost := "ghost.mp3"
	err := eng.Sort(ctx, models.SortSticky, &ghost)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	require.Len(t, rec.got, 2)
	assert.NotEmpty(t, rec.got[1].(events.SortDone).Error)

	folder := "folder"
	assert.ErrorIs(t, eng.Sort(ctx, models.SortRandom, &folder), apperr.ErrNotFound)
}

func TestSort_FailureRollsBack(t *testing.T) {
	_, eng, nav, _ := setup(t, 3)
	before := all(t, nav)

	ghost := "ghost.mp3"
	require.Error(t, eng.Sort(context.Background(), models.SortSequential, &ghost))
	assert.Equal(t, before, all(t, nav))
}

func TestMode_PersistsAcrossEngines(t *testing.T) {
	db, eng, _, _ := setup(t, 2)
	ctx := context.Background()

	mode, err := eng.Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SortSequential, mode)

	require.NoError(t, eng.Sort(ctx, models.SortRandom, nil))
	mode, err = NewEngine(db, nil).Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SortRandom, mode)
}

func assertRoundTrip(t *testing.T, nav *Navigator, entries []models.Entry) {
	t.Helper()
	ctx := context.Background()
	for _, e := range entries {
		next, err := nav.NextOf(ctx, e.ID)
		require.NoError(t, err)
		require.True(t, next.Found)
		back, err := nav.PrevOf(ctx, next.Entry.ID)
		require.NoError(t, err)
		assert.Equal(t, e.ID, back.Entry.ID, "prev(next(%s))", e.ID)

		prev, err := nav.PrevOf(ctx, e.ID)
		require.NoError(t, err)
		fwd, err := nav.NextOf(ctx, prev.Entry.ID)
		require.NoError(t, err)
		assert.Equal(t, e.ID, fwd.Entry.ID, "next(prev(%s))", e.ID)
	}
}

func TestNavigator_RoundTripAndWraparound(t *testing.T) {
	_, eng, nav, _ := setup(t, 6)
	ctx := context.Background()
	require.NoError(t, eng.Sort(ctx, models.SortSequential, nil))
	entries := all(t, nav)
	assertRoundTrip(t, nav, entries)

	first, last := entries[0], entries[len(entries)-1]
	next, err := nav.NextOf(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, next.Entry.ID)

	prev, err := nav.PrevOf(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, last.ID, prev.Entry.ID)
}

func TestNavigator_GetAndFirst(t *testing.T) {
	_, eng, nav, _ := setup(t, 3)
	ctx := context.Background()
	require.NoError(t, eng.Sort(ctx, models.SortSequential, nil))
	entries := all(t, nav)

	first, err := nav.First(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries[0].ID, first.Entry.ID)

	for i, e := range entries {
		got, err := nav.Get(ctx, i)
		require.NoError(t, err)
		require.True(t, got.Found)
		assert.Equal(t, e.ID, got.Entry.ID)
	}

	beyond, err := nav.Get(ctx, 3)
	require.NoError(t, err)
	assert.False(t, beyond.Found)

	_, err = nav.Get(ctx, -1)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	n, err := nav.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestNavigator_MissingAndExcluded(t *testing.T) {
	_, _, nav, _ := setup(t, 2)
	ctx := context.Background()

	_, err := nav.NextOf(ctx, "ghost.mp3")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = nav.PrevOf(ctx, "folder")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestNavigator_EmptyCatalog(t *testing.T) {
	nav := NewNavigator(testutil.TestDB(t))
	got, err := nav.First(context.Background())
	require.NoError(t, err)
	assert.False(t, got.Found)
}

func TestNavigator_SingleEntryWrapsToItself(t *testing.T) {
	db := testutil.TestDB(t)
	seed(t, db, map[string]string{"only.mp3": "Only"})
	nav := NewNavigator(db)

	next, err := nav.NextOf(context.Background(), "only.mp3")
	require.NoError(t, err)
	assert.Equal(t, "only.mp3", next.Entry.ID)
}

func TestScenario_ColdStart(t *testing.T) {
	db := testutil.TestDB(t)
	ctx := context.Background()
	rc := reconcile.New(db, nil, nil, reconcile.WithLogger(testutil.Logger()))
	_, err := rc.Sync(ctx, models.ChangeBatch{IsFullLoad: true, Records: []models.ChangeRecord{
		{ID: "C.mp3"}, {ID: "A.mp3"}, {ID: "B.mp3"},
	}})
	require.NoError(t, err)

	nav := NewNavigator(db)
	eng := NewEngine(db, nil, WithEngineLogger(testutil.Logger()))

	require.NoError(t, eng.Sort(ctx, models.SortSequential, nil))
	first, err := nav.First(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A.mp3", first.Entry.ID)

	require.NoError(t, eng.Sort(ctx, models.SortRandom, nil))
	first, err = nav.First(ctx)
	require.NoError(t, err)
	assert.Contains(t, []string{"A.mp3", "B.mp3", "C.mp3"}, first.Entry.ID)
	n, err := nav.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
