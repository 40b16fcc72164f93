package fixedtree

import (
	"encoding/binary"
	"math"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/page_manager/pagetest"
)

const testPageSize = 1024

func val(k int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(k*7))
	return b
}

// --- Test Helpers ---

func setupTree(t *testing.T) (*pagetest.Source, *Tree) {
	t.Helper()
	src := pagetest.New(testPageSize)
	tree, err := Create(src, 8, Options{})
	require.NoError(t, err)
	return src, tree
}

func collect(t *testing.T, it *Iterator) []int64 {
	t.Helper()
	var keys []int64
	for it.Next() {
		require.Equal(t, val(it.Key()), it.Value())
		keys = append(keys, it.Key())
	}
	require.NoError(t, it.Err())
	return keys
}

func checkPages(t *testing.T, src *pagetest.Source, tree *Tree) {
	t.Helper()
	h := tree.Header()
	pages := 0
	require.NoError(t, tree.Walk(func(pagemanager.PageID, bool) error {
		pages++
		return nil
	}))
	require.Equal(t, int(h.BranchPages+h.LeafPages), pages)
	require.Equal(t, pages, src.LivePages())
}

// --- Test Cases ---

func TestFixedTree_InsertGetAgainstReference(t *testing.T) {
	src, tree := setupTree(t)
	rng := rand.New(rand.NewSource(1))
	ref := map[int64]bool{}

	for i := 0; i < 4000; i++ {
		k := rng.Int63n(10000) - 5000
		added, err := tree.Insert(k, val(k))
		require.NoError(t, err)
		require.Equal(t, !ref[k], added)
		ref[k] = true
	}
	require.Equal(t, uint64(len(ref)), tree.Len())
	require.Greater(t, tree.Header().Depth, uint32(1))

	for k := int64(-5000); k < 5000; k += 13 {
		v, ok, err := tree.Get(k)
		require.NoError(t, err)
		require.Equal(t, ref[k], ok, "key %d", k)
		if ok {
			require.Equal(t, val(k), v)
		}
	}

	want := make([]int64, 0, len(ref))
	for k := range ref {
		want = append(want, k)
	}
	slices.Sort(want)
	require.Equal(t, want, collect(t, tree.RangeFrom(math.MinInt64)))
	checkPages(t, src, tree)
}

func TestFixedTree_RangeIsEndExclusive(t *testing.T) {
	_, tree := setupTree(t)
	for k := int64(0); k < 500; k++ {
		_, err := tree.Insert(k*2, val(k*2))
		require.NoError(t, err)
	}
	require.Equal(t, []int64{10, 12, 14, 16, 18}, collect(t, tree.Range(9, 20)))
	require.Empty(t, collect(t, tree.Range(5, 5)))
	require.Equal(t, []int64{996, 998}, collect(t, tree.RangeFrom(995)))
}

func TestFixedTree_DeleteAndCollapse(t *testing.T) {
	src, tree := setupTree(t)
	for k := int64(0); k < 3000; k++ {
		_, err := tree.Insert(k, val(k))
		require.NoError(t, err)
	}
	src.Commit()

	for k := int64(0); k < 3000; k++ {
		if k%3 == 0 {
			continue
		}
		removed, err := tree.Delete(k)
		require.NoError(t, err)
		require.True(t, removed)
	}
	removed, err := tree.Delete(1)
	require.NoError(t, err)
	require.False(t, removed)
	require.Equal(t, uint64(1000), tree.Len())
	checkPages(t, src, tree)

	for k := int64(0); k < 3000; k += 3 {
		_, err := tree.Delete(k)
		require.NoError(t, err)
	}
	require.Zero(t, tree.Len())
	require.Equal(t, uint32(1), tree.Header().Depth)
	checkPages(t, src, tree)
	require.Equal(t, 1, src.LivePages())
}

// TestFixedTree_DeleteRangeFreesSubtrees checks the half-open range and that
// whole pages are released without reading every leaf.
func TestFixedTree_DeleteRangeFreesSubtrees(t *testing.T) {
	src, tree := setupTree(t)
	for k := int64(0); k < 10000; k++ {
		_, err := tree.Insert(k, val(k))
		require.NoError(t, err)
	}
	src.Commit()
	before := src.LivePages()

	src.Reads = 0
	removed, err := tree.DeleteRange(100, 9000)
	require.NoError(t, err)
	require.Equal(t, uint64(8900), removed)
	require.Less(t, src.LivePages(), before/5)
	require.LessOrEqual(t, src.Reads, before, "each page is read at most once")

	var want []int64
	for k := int64(0); k < 100; k++ {
		want = append(want, k)
	}
	for k := int64(9000); k < 10000; k++ {
		want = append(want, k)
	}
	require.Equal(t, want, collect(t, tree.RangeFrom(math.MinInt64)))
	checkPages(t, src, tree)

	removed, err = tree.DeleteRange(math.MinInt64, math.MaxInt64)
	require.NoError(t, err)
	require.Equal(t, uint64(1100), removed)
	require.Zero(t, tree.Len())
	checkPages(t, src, tree)
}

func TestFixedTree_SnapshotReadsThroughCache(t *testing.T) {
	src, tree := setupTree(t)
	for k := int64(0); k < 1000; k++ {
		_, err := tree.Insert(k, val(k))
		require.NoError(t, err)
	}
	src.Commit()
	h := tree.Header()
	snap := src.Snapshot()

	cache, err := memtable.NewNodeCache(1 << 20)
	require.NoError(t, err)
	defer cache.Close()

	// The writer keeps going; the snapshot must not see its changes.
	_, err = tree.DeleteRange(0, 500)
	require.NoError(t, err)
	src.Commit()

	reader := Open(snap, h, Options{Cache: cache})
	for pass := 0; pass < 2; pass++ {
		keys := collect(t, reader.RangeFrom(0))
		require.Len(t, keys, 1000)
		cache.Wait()
	}
	_, err = reader.Insert(1, val(1))
	require.ErrorIs(t, err, common.ErrTxReadOnly)
}

func TestFixedTree_ValueSizeAndHeader(t *testing.T) {
	src := pagetest.New(testPageSize)
	_, err := Create(src, MaxValueSize(testPageSize)+1, Options{})
	require.ErrorIs(t, err, common.ErrValueSize)

	var seen []Header
	tree, err := Create(src, 0, Options{OnChange: func(h Header) error {
		seen = append(seen, h)
		return nil
	}})
	require.NoError(t, err)
	_, err = tree.Insert(42, nil)
	require.NoError(t, err)
	ok, err := tree.Contains(42)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = tree.Insert(43, []byte{1})
	require.ErrorIs(t, err, common.ErrValueSize)
	require.Len(t, seen, 2)

	buf, err := tree.Header().MarshalBinary()
	require.NoError(t, err)
	back, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, tree.Header(), back)

	require.NoError(t, tree.Drop())
	require.Zero(t, src.LivePages())
}
