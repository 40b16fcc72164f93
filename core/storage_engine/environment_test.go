package storageengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

const testPageSize = 1024

// --- Test Helpers ---

func testOptions(t *testing.T) Options {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	opts := DefaultOptions()
	opts.PageSize = testPageSize
	opts.InitialSize = 16 * testPageSize
	opts.GrowthIncrement = 16 * testPageSize
	opts.CheckpointInterval = 0
	opts.Logger = logger
	return opts
}

func setupEnv(t *testing.T, dir string, opts Options) *Env {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	env, err := Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func put(t *testing.T, env *Env, tree string, kvs ...string) {
	t.Helper()
	require.NoError(t, env.Update(context.Background(), func(w *WriteTx) error {
		bt, err := w.Tree(tree)
		if errors.Is(err, common.ErrTreeNotFound) {
			bt, err = w.CreateTree(tree, "")
		}
		if err != nil {
			return err
		}
		for i := 0; i+1 < len(kvs); i += 2 {
			if err := bt.Insert([]byte(kvs[i]), []byte(kvs[i+1])); err != nil {
				return err
			}
		}
		return nil
	}))
}

func read(t *testing.T, env *Env, tree, key string) (string, bool) {
	t.Helper()
	var (
		v  []byte
		ok bool
	)
	require.NoError(t, env.View(func(r *ReadTx) error {
		bt, err := r.Tree(tree)
		if err != nil {
			return err
		}
		v, ok, err = bt.Get([]byte(key))
		return err
	}))
	return string(v), ok
}

// copyEnv copies the files of an open environment as a crash would leave them.
func copyEnv(t *testing.T, src, dst string, names ...string) {
	t.Helper()
	for _, name := range names {
		from := filepath.Join(src, name)
		info, err := os.Stat(from)
		require.NoError(t, err)
		if info.IsDir() {
			entries, err := os.ReadDir(from)
			require.NoError(t, err)
			require.NoError(t, os.MkdirAll(filepath.Join(dst, name), 0755))
			for _, e := range entries {
				copyEnv(t, src, dst, filepath.Join(name, e.Name()))
			}
			continue
		}
		in, err := os.Open(from)
		require.NoError(t, err)
		out, err := os.Create(filepath.Join(dst, name))
		require.NoError(t, err)
		_, err = io.Copy(out, in)
		require.NoError(t, err)
		require.NoError(t, in.Close())
		require.NoError(t, out.Close())
	}
}

func journalFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, JournalDir, "*.log"))
	require.NoError(t, err)
	slices.Sort(files)
	return files
}

// --- Tests ---

// TestEnv_DocsScenario walks the docs tree through a range scan and a delete
// observed by a reader that began while the delete was uncommitted.
func TestEnv_DocsScenario(t *testing.T) {
	opts := testOptions(t)
	opts.PageSize = 8192
	opts.InitialSize = 0
	opts.GrowthIncrement = 0
	env := setupEnv(t, "", opts)
	put(t, env, "docs", "a", "1", "b", "2", "c", "3")

	scan := func(r *ReadTx) []string {
		bt, err := r.Tree("docs")
		require.NoError(t, err)
		var got []string
		it := bt.Range([]byte("a"), []byte("c"))
		for it.Next() {
			got = append(got, string(it.Key())+"="+string(it.Value()))
		}
		require.NoError(t, it.Err())
		return got
	}
	require.NoError(t, env.View(func(r *ReadTx) error {
		first := scan(r)
		assert.Equal(t, []string{"a=1", "b=2"}, first)
		assert.Equal(t, first, scan(r), "the same snapshot yields the same scan")
		return nil
	}))

	w, err := env.BeginWrite(context.Background())
	require.NoError(t, err)
	bt, err := w.Tree("docs")
	require.NoError(t, err)
	removed, err := bt.Delete([]byte("b"))
	require.NoError(t, err)
	require.True(t, removed)

	v, ok := read(t, env, "docs", "b")
	require.True(t, ok, "the uncommitted delete is invisible")
	assert.Equal(t, "2", v)
	require.NoError(t, w.Commit())

	_, ok = read(t, env, "docs", "b")
	assert.False(t, ok)
}

// TestEnv_SnapshotOutlivesDelete verifies that a reader keeps its view of a
// deleted key and that the superseded pages are reclaimed once it is gone.
func TestEnv_SnapshotOutlivesDelete(t *testing.T) {
	env := setupEnv(t, "", testOptions(t))
	put(t, env, "docs", "k", "v")

	reader, err := env.BeginRead()
	require.NoError(t, err)

	require.NoError(t, env.Update(context.Background(), func(w *WriteTx) error {
		bt, err := w.Tree("docs")
		if err != nil {
			return err
		}
		_, err = bt.Delete([]byte("k"))
		return err
	}))
	_, ok := read(t, env, "docs", "k")
	assert.False(t, ok)

	bt, err := reader.Tree("docs")
	require.NoError(t, err)
	v, ok, err := bt.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
	assert.Positive(t, env.Stats().PendingPages)

	reader.Release()
	reader.Release()
	_, err = reader.Tree("docs")
	require.ErrorIs(t, err, common.ErrTxClosed)

	assert.Zero(t, env.Stats().ActiveReaders)

	// The next writer may reuse what the delete released.
	put(t, env, "other", "x", "y")
	st := env.Stats()
	assert.Positive(t, st.FreePages+st.PendingPages)
}

// TestEnv_OverflowValueIsReleased stores a multi-page value, deletes it and
// checks the run goes back to the free space.
func TestEnv_OverflowValueIsReleased(t *testing.T) {
	env := setupEnv(t, "", testOptions(t))
	big := bytes.Repeat([]byte("overflow"), 5*testPageSize/8)
	put(t, env, "blobs", "big", string(big))
	v, ok := read(t, env, "blobs", "big")
	require.True(t, ok)
	require.Equal(t, string(big), v)

	var overflow uint64
	require.NoError(t, env.View(func(r *ReadTx) error {
		bt, err := r.Tree("blobs")
		overflow = bt.Header().OverflowPages
		return err
	}))
	require.GreaterOrEqual(t, overflow, uint64(5))

	before := env.Stats()
	require.NoError(t, env.Update(context.Background(), func(w *WriteTx) error {
		bt, err := w.Tree("blobs")
		if err != nil {
			return err
		}
		_, err = bt.Delete([]byte("big"))
		return err
	}))
	// One more commit moves the released run out of pending.
	put(t, env, "other", "x", "y")
	after := env.Stats()
	assert.GreaterOrEqual(t, after.FreePages+after.PendingPages, int(overflow))
	assert.GreaterOrEqual(t, after.HighWater, before.HighWater, "high water never shrinks")
}

// TestEnv_DurableAcrossCrash rebuilds an environment from a data file image
// taken before any commit plus the journal, as left by a crash.
func TestEnv_DurableAcrossCrash(t *testing.T) {
	dir := t.TempDir()
	env := setupEnv(t, dir, testOptions(t))
	pristine := t.TempDir()
	copyEnv(t, dir, pristine, DataFileName)

	for i := 0; i < 20; i++ {
		put(t, env, "docs", fmt.Sprintf("k%02d", i), fmt.Sprintf("v%02d", i))
	}
	require.NoError(t, env.Update(context.Background(), func(w *WriteTx) error {
		ft, err := w.CreateFixedTree("counters", 8)
		if err != nil {
			return err
		}
		_, err = ft.Insert(7, []byte("seven..."))
		return err
	}))

	// 1. Data file as applied (no checkpoint) plus journal.
	applied := t.TempDir()
	copyEnv(t, dir, applied, DataFileName, JournalDir)
	// 2. Data file from before the commits plus journal.
	copyEnv(t, dir, pristine, JournalDir)

	for _, crashed := range []string{applied, pristine} {
		reopened, err := Open(crashed, testOptions(t))
		require.NoError(t, err)
		assert.Equal(t, env.ID(), reopened.ID())
		assert.Equal(t, uint64(21), reopened.Stats().LastCommitted)
		assert.Equal(t, uint64(21), reopened.Stats().CheckpointTxn, "recovery checkpoints the replayed state")
		for i := 0; i < 20; i++ {
			v, ok := read(t, reopened, "docs", fmt.Sprintf("k%02d", i))
			require.True(t, ok)
			require.Equal(t, fmt.Sprintf("v%02d", i), v)
		}
		require.NoError(t, reopened.View(func(r *ReadTx) error {
			ft, err := r.FixedTree("counters")
			if err != nil {
				return err
			}
			v, ok, err := ft.Get(7)
			require.True(t, ok)
			assert.Equal(t, "seven...", string(v))
			return err
		}))
		put(t, reopened, "docs", "after", "recovery")
		require.NoError(t, reopened.Close())
	}
}

// TestEnv_TornJournalTail recovers from a journal whose last entry was only
// partly written.
func TestEnv_TornJournalTail(t *testing.T) {
	dir := t.TempDir()
	env := setupEnv(t, dir, testOptions(t))
	crashed := t.TempDir()
	copyEnv(t, dir, crashed, DataFileName)

	put(t, env, "docs", "first", "1")
	put(t, env, "docs", "second", "2")
	put(t, env, "docs", "third", "3")
	copyEnv(t, dir, crashed, JournalDir)

	files := journalFiles(t, crashed)
	require.NotEmpty(t, files)
	last := files[len(files)-1]
	info, err := os.Stat(last)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(last, info.Size()-17))

	reopened, err := Open(crashed, testOptions(t))
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(2), reopened.Stats().LastCommitted)
	v, ok := read(t, reopened, "docs", "second")
	require.True(t, ok)
	assert.Equal(t, "2", v)
	_, ok = read(t, reopened, "docs", "third")
	assert.False(t, ok, "the torn commit must not reappear")

	// The next commit takes the id of the discarded one.
	put(t, reopened, "docs", "third", "again")
	assert.Equal(t, uint64(3), reopened.Stats().LastCommitted)
}

// TestEnv_CheckpointRetiresJournal forces journal rotation and checks that
// checkpoints remove the files they cover.
func TestEnv_CheckpointRetiresJournal(t *testing.T) {
	opts := testOptions(t)
	opts.MaxJournalFileSize = 4 * testPageSize
	dir := t.TempDir()
	env := setupEnv(t, dir, opts)

	value := bytes.Repeat([]byte("x"), 200)
	for i := 0; i < 40; i++ {
		put(t, env, "docs", fmt.Sprintf("k%03d", i), string(value))
	}
	st := env.Stats()
	assert.Positive(t, st.Checkpoints, "rotation triggers checkpoints from commit")
	assert.LessOrEqual(t, st.JournalFiles, 3)

	require.NoError(t, env.Checkpoint(context.Background()))
	st = env.Stats()
	assert.Equal(t, st.LastCommitted, st.CheckpointTxn)

	require.NoError(t, env.Close())
	reopened := setupEnv(t, dir, opts)
	for i := 0; i < 40; i++ {
		_, ok := read(t, reopened, "docs", fmt.Sprintf("k%03d", i))
		require.True(t, ok)
	}
}

func TestEnv_TreeRegistry(t *testing.T) {
	reverse := func(a, b []byte) int { return bytes.Compare(b, a) }
	opts := testOptions(t)
	opts.Comparators = map[string]btree.Comparator{"reverse": reverse}
	dir := t.TempDir()
	env := setupEnv(t, dir, opts)

	require.NoError(t, env.Update(context.Background(), func(w *WriteTx) error {
		bt, err := w.CreateTree("desc", "reverse")
		require.NoError(t, err)
		for _, k := range []string{"a", "b", "c"} {
			require.NoError(t, bt.Insert([]byte(k), []byte(k)))
		}
		_, err = w.CreateTree("desc", "")
		require.ErrorIs(t, err, common.ErrTreeExists)
		_, err = w.CreateTree("bad", "missing")
		require.ErrorIs(t, err, common.ErrComparatorNotFound)
		_, err = w.CreateTree("", "")
		require.ErrorIs(t, err, common.ErrEmptyKey)
		_, err = w.CreateFixedTree("ids", 16)
		require.NoError(t, err)
		_, err = w.FixedTree("desc")
		require.ErrorIs(t, err, common.ErrWrongTreeKind)
		_, err = w.Tree("nope")
		require.ErrorIs(t, err, common.ErrTreeNotFound)
		return nil
	}))

	require.NoError(t, env.View(func(r *ReadTx) error {
		trees, err := r.Trees()
		require.NoError(t, err)
		require.Len(t, trees, 2)
		assert.Equal(t, TreeInfo{Name: "desc", Kind: KindBTree, Comparator: "reverse", Entries: 3, Pages: 1}, trees[0])
		assert.Equal(t, "ids", trees[1].Name)
		assert.Equal(t, 16, trees[1].ValueSize)

		bt, err := r.Tree("desc")
		require.NoError(t, err)
		var keys []string
		it := bt.Range(nil, nil)
		for it.Next() {
			keys = append(keys, string(it.Key()))
		}
		assert.Equal(t, []string{"c", "b", "a"}, keys)
		return it.Err()
	}))

	require.NoError(t, env.Update(context.Background(), func(w *WriteTx) error {
		return w.DeleteTree("ids")
	}))
	require.NoError(t, env.View(func(r *ReadTx) error {
		_, err := r.FixedTree("ids")
		require.ErrorIs(t, err, common.ErrTreeNotFound)
		return nil
	}))

	// The comparator is looked up by name after a restart.
	require.NoError(t, env.Close())
	opts.Comparators = nil
	reopened := setupEnv(t, dir, opts)
	require.NoError(t, reopened.View(func(r *ReadTx) error {
		_, err := r.Tree("desc")
		require.ErrorIs(t, err, common.ErrComparatorNotFound)
		return nil
	}))
	require.NoError(t, reopened.Update(context.Background(), func(w *WriteTx) error {
		return w.DeleteTree("desc")
	}))
}

func TestEnv_NestedFixedTree(t *testing.T) {
	env := setupEnv(t, "", testOptions(t))
	require.NoError(t, env.Update(context.Background(), func(w *WriteTx) error {
		bt, err := w.CreateTree("postings", "")
		if err != nil {
			return err
		}
		ft, err := bt.FixedTreeFor([]byte("term"), 4)
		if err != nil {
			return err
		}
		for i := int64(0); i < 500; i++ {
			if _, err := ft.Insert(i, []byte{byte(i), 0, 0, 1}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, env.View(func(r *ReadTx) error {
		bt, err := r.Tree("postings")
		require.NoError(t, err)
		ft, ok, err := bt.NestedTree([]byte("term"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(500), ft.Len())
		v, ok, err := ft.Get(42)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte{42, 0, 0, 1}, v)
		_, _, err = bt.Get([]byte("term"))
		require.ErrorIs(t, err, common.ErrWrongTreeKind)
		return nil
	}))

	before := env.Stats()
	require.NoError(t, env.Update(context.Background(), func(w *WriteTx) error {
		bt, err := w.Tree("postings")
		if err != nil {
			return err
		}
		_, err = bt.Delete([]byte("term"))
		return err
	}))
	put(t, env, "other", "x", "y")
	after := env.Stats()
	assert.Greater(t, after.FreePages+after.PendingPages, before.FreePages+before.PendingPages)
}

func TestEnv_VersionedInsert(t *testing.T) {
	env := setupEnv(t, "", testOptions(t))
	put(t, env, "docs", "k", "v1")

	var version uint32
	require.NoError(t, env.View(func(r *ReadTx) error {
		bt, err := r.Tree("docs")
		require.NoError(t, err)
		version, err = bt.Version([]byte("k"))
		return err
	}))
	require.NotZero(t, version)

	err := env.Update(context.Background(), func(w *WriteTx) error {
		bt, err := w.Tree("docs")
		if err != nil {
			return err
		}
		if _, err := bt.InsertVersioned([]byte("k"), []byte("v2"), version); err != nil {
			return err
		}
		_, err = bt.InsertVersioned([]byte("k"), []byte("v3"), version)
		return err
	})
	require.ErrorIs(t, err, common.ErrConcurrencyViolation)
	assert.True(t, common.IsRetryable(err))
	v, _ := read(t, env, "docs", "k")
	assert.Equal(t, "v1", v, "the failed update was rolled back")
}

func TestEnv_UpdateRollsBack(t *testing.T) {
	env := setupEnv(t, "", testOptions(t))
	put(t, env, "docs", "k", "v")
	boom := errors.New("boom")

	err := env.Update(context.Background(), func(w *WriteTx) error {
		bt, err := w.Tree("docs")
		require.NoError(t, err)
		require.NoError(t, bt.Insert([]byte("k"), []byte("lost")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.Panics(t, func() {
		_ = env.Update(context.Background(), func(w *WriteTx) error {
			bt, err := w.Tree("docs")
			require.NoError(t, err)
			require.NoError(t, bt.Insert([]byte("k"), []byte("lost")))
			panic("writer crashed")
		})
	})
	v, _ := read(t, env, "docs", "k")
	assert.Equal(t, "v", v)
	assert.Equal(t, uint64(2), env.Stats().Rollbacks)

	// The slot was released by both paths.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w, err := env.BeginWrite(ctx)
	require.NoError(t, err)
	w.Rollback()
	require.ErrorIs(t, w.Commit(), common.ErrTxClosed)
}

func TestEnv_BuffersAndOverrides(t *testing.T) {
	opts := testOptions(t)
	opts.Durability = wal.Buffered
	opts.JournalSyncInterval = 10 * time.Millisecond
	env := setupEnv(t, "", opts)

	require.NoError(t, env.Update(context.Background(), func(w *WriteTx) error {
		_, err := w.CreateTree("docs", "")
		return err
	}))
	w, err := env.BeginWrite(context.Background())
	require.NoError(t, err)
	bt, err := w.Tree("docs")
	require.NoError(t, err)
	require.NoError(t, bt.Insert([]byte("k"), []byte("v")))
	require.NoError(t, w.CommitWith(wal.SyncVerify))
	v, ok := read(t, env, "docs", "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestEnv_LockedAndClosed(t *testing.T) {
	dir := t.TempDir()
	env := setupEnv(t, dir, testOptions(t))

	_, err := Open(dir, testOptions(t))
	require.ErrorIs(t, err, common.ErrEnvLocked)

	require.NoError(t, env.Close())
	require.NoError(t, env.Close())
	_, err = env.BeginRead()
	require.ErrorIs(t, err, common.ErrEnvClosed)
	_, err = env.BeginWrite(context.Background())
	require.ErrorIs(t, err, common.ErrEnvClosed)

	_, err = Open(dir, func() Options { o := testOptions(t); o.PageSize = 2 * testPageSize; return o }())
	require.ErrorIs(t, err, common.ErrInvalidOptions)
}

func TestEnv_Telemetry(t *testing.T) {
	reader := metric.NewManualReader()
	spans := tracetest.NewSpanRecorder()
	tel, shutdown, err := telemetry.New(telemetry.Config{Enabled: true, ServiceName: "gojostore-test"},
		telemetry.WithMetricReader(reader), telemetry.WithSpanProcessor(spans))
	require.NoError(t, err)
	defer shutdown(context.Background())

	opts := testOptions(t)
	opts.Meter = tel.Meter
	opts.Tracer = tel.Tracer
	env := setupEnv(t, "", opts)
	for i := 0; i < 3; i++ {
		put(t, env, "docs", fmt.Sprint(i), "v")
	}
	require.NoError(t, env.Checkpoint(context.Background()))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	commits := int64(-1)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "gojostore.txn.commits_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			commits = 0
			for _, dp := range sum.DataPoints {
				commits += dp.Value
			}
		}
	}
	assert.Equal(t, int64(3), commits)

	names := map[string]int{}
	for _, s := range spans.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 3, names["gojostore.commit"])
	assert.Equal(t, 1, names["gojostore.checkpoint"])
}
