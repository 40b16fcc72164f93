package freespace

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// fakeGrower records Grow calls instead of touching a file.
type fakeGrower struct {
	capacity uint64
	calls    []uint64
	fail     error
}

func (g *fakeGrower) Capacity() uint64 { return g.capacity }
func (g *fakeGrower) Grow(pages uint64) error {
	if g.fail != nil {
		return g.fail
	}
	g.calls = append(g.calls, pages)
	g.capacity = pages
	return nil
}

func newManager(t *testing.T, highWater pagemanager.PageID, capacity, increment uint64) (*Manager, *fakeGrower) {
	t.Helper()
	g := &fakeGrower{capacity: capacity}
	return New(highWater, increment, g, nil), g
}

// TestManager_ExtendsByIncrement verifies that allocation past the end of the file
// grows it to the next multiple of the growth increment instead of the exact size.
func TestManager_ExtendsByIncrement(t *testing.T) {
	m, g := newManager(t, 4, 8, 16)
	m.Begin(1, 0)

	id, err := m.Allocate(3)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(4), id)
	require.Empty(t, g.calls, "pages 4..6 fit in the mapped 8")

	id, err = m.Allocate(3)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(7), id)
	require.Equal(t, []uint64{16}, g.calls)
	require.Equal(t, pagemanager.PageID(10), m.HighWater())
	m.Commit()
}

// TestManager_PendingBoundary checks the reclamation invariant: pages released by
// commit 5 stay pending while a snapshot older than 5 is alive.
func TestManager_PendingBoundary(t *testing.T) {
	m, _ := newManager(t, 20, 64, 1)

	m.Begin(5, 4)
	m.Release(5, 10, 2)
	m.Commit()
	require.True(t, m.IsPending(10))
	require.False(t, m.IsFree(10))

	// 1. A reader still pins snapshot 4: nothing is reusable.
	m.Begin(6, 4)
	id, err := m.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(20), id, "pending pages must not be handed out")
	m.Commit()

	// 2. The oldest snapshot is now 5: pages freed by commit 5 are free again.
	m.Begin(7, 5)
	require.True(t, m.IsFree(10))
	id, err = m.Allocate(2)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(10), id)
	m.Commit()
	require.Equal(t, Stats{Free: 0, Pending: 0, HighWater: 21}, m.Stats())
}

// TestManager_LowestRunFirst verifies the lowest-numbered contiguous run wins.
func TestManager_LowestRunFirst(t *testing.T) {
	m, _ := newManager(t, 100, 128, 1)
	m.Begin(1, 0)
	for _, id := range []pagemanager.PageID{50, 51, 52, 20, 30, 31} {
		m.Release(1, id, 1)
	}
	m.Commit()
	m.Begin(2, 1)

	id, err := m.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(20), id)

	id, err = m.Allocate(3)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(50), id)

	id, err = m.Allocate(2)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(30), id)

	id, err = m.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(100), id)
}

// TestManager_Rollback restores free pages, the high-water mark and forgets
// pages the aborted transaction released.
func TestManager_Rollback(t *testing.T) {
	m, _ := newManager(t, 10, 64, 1)
	m.Begin(1, 0)
	m.Release(1, 4, 2)
	m.Commit()

	m.Begin(2, 1)
	_, err := m.Allocate(2) // takes 4,5
	require.NoError(t, err)
	_, err = m.Allocate(3) // extends 10..12
	require.NoError(t, err)
	m.Release(2, 7, 1)
	allocated, err := m.Allocate(1)
	require.NoError(t, err)
	m.Reuse(allocated, 1)
	m.Rollback()

	require.True(t, m.IsFree(4))
	require.True(t, m.IsFree(5))
	require.False(t, m.IsPending(7))
	require.Equal(t, pagemanager.PageID(10), m.HighWater())
	m.Rollback() // no-op
}

func TestManager_GrowFailure(t *testing.T) {
	m, g := newManager(t, 8, 8, 8)
	g.fail = common.IOError("fallocate", errors.New("no space left on device"))
	m.Begin(1, 0)
	_, err := m.Allocate(1)
	require.ErrorIs(t, err, common.ErrIO)
	require.Equal(t, pagemanager.PageID(8), m.HighWater())
}

func TestManager_AllocateWithoutTransaction(t *testing.T) {
	m, _ := newManager(t, 8, 8, 8)
	_, err := m.Allocate(1)
	require.ErrorIs(t, err, common.ErrTxReadOnly)
}

// TestManager_EncodeLoad persists free and pending pages and loads them back,
// with every pending page treated as free.
func TestManager_EncodeLoad(t *testing.T) {
	m, _ := newManager(t, 40, 64, 1)
	m.Begin(1, 0)
	m.Release(1, 30, 3)
	m.Commit()
	m.Begin(2, 1) // releases 30..32
	m.Release(2, 12, 1)

	size := m.EncodedSize()
	require.Equal(t, 8+8*4, size)
	page := pagemanager.NewPage(5, 1024, pagemanager.PagesFor(1024, size), pagemanager.PageTypeFreeList)
	require.NoError(t, m.Encode(page.Body()))
	m.Commit()

	loaded := New(40, 1, nil, nil)
	require.NoError(t, loaded.Load(page))
	st := loaded.Stats()
	require.Equal(t, 4, st.Free)
	require.Equal(t, 0, st.Pending)
	for _, id := range []pagemanager.PageID{12, 30, 31, 32} {
		require.True(t, loaded.IsFree(id), "page %d", id)
	}

	bad := pagemanager.NewPage(5, 1024, 1, pagemanager.PageTypeLeaf)
	require.ErrorIs(t, loaded.Load(bad), common.ErrInvalidPageType)
}

func TestFindRunAndMerge(t *testing.T) {
	free := []pagemanager.PageID{3, 5, 6, 7, 9}
	require.Equal(t, 0, findRun(free, 1))
	require.Equal(t, 1, findRun(free, 2))
	require.Equal(t, 1, findRun(free, 3))
	require.Equal(t, -1, findRun(free, 4))
	require.Equal(t, -1, findRun(nil, 1))

	require.Equal(t, []pagemanager.PageID{1, 3, 4, 5, 6, 7, 9}, mergeSorted(free, []pagemanager.PageID{4, 1, 3}))
	require.Equal(t, uint64(32), roundUp(17, 16))
	require.Equal(t, uint64(17), roundUp(17, 1))
}
