package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

const testPageSize = 1024

// --- Test Helpers ---

// setupJournal opens a Journal in dir (a fresh temporary one when empty).
func setupJournal(t *testing.T, dir string, dbID uuid.UUID, maxFileSize int64, mode DurabilityMode) *Journal {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	j, err := Open(Options{Dir: dir, PageSize: testPageSize, DBID: dbID, MaxFileSize: maxFileSize, Mode: mode, Logger: logger})
	require.NoError(t, err)
	return j
}

// newTestEntry builds an entry for txn with one page whose body carries payload.
func newTestEntry(dbID uuid.UUID, txn uint64, payload string) *Entry {
	p := pagemanager.NewPage(pagemanager.PageID(txn+1), testPageSize, 1, pagemanager.PageTypeLeaf)
	copy(p.Body(), payload)
	p.Seal(txn)
	return &Entry{
		TxnID: txn,
		Pages: []pagemanager.Page{p},
		Meta:  &pagemanager.Meta{PageSize: testPageSize, DBID: dbID, TxnID: txn, HighWater: pagemanager.PageID(txn + 2)},
	}
}

func replayAll(t *testing.T, j *Journal, after uint64) ([]uint64, ReplayResult) {
	t.Helper()
	var got []uint64
	res, err := j.Replay(after, func(e *Entry) error {
		got = append(got, e.TxnID)
		require.Equal(t, fmt.Sprintf("txn-%d", e.TxnID), string(e.Pages[0].Body()[:len(fmt.Sprintf("txn-%d", e.TxnID))]))
		require.NoError(t, e.Pages[0].Verify())
		return nil
	})
	require.NoError(t, err)
	return got, res
}

// --- Test Cases ---

// TestJournal_AppendAndReplay writes entries under every durability mode,
// reopens the directory and replays them in order.
func TestJournal_AppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	dbID := uuid.New()

	// 1. Append five entries, mixing modes.
	j := setupJournal(t, dir, dbID, 0, Sync)
	_, err := j.Replay(0, func(*Entry) error { return nil })
	require.NoError(t, err)
	modes := []DurabilityMode{Buffered, Sync, SyncVerify, Sync, Buffered}
	for i, mode := range modes {
		pos, err := j.AppendWith(newTestEntry(dbID, uint64(i+1), fmt.Sprintf("txn-%d", i+1)), mode)
		require.NoError(t, err)
		require.Equal(t, uint64(1), pos.File)
		require.Positive(t, pos.Size)
	}
	require.Equal(t, uint64(5), j.LastTxn())
	require.NoError(t, j.Close())

	// 2. Reopen and replay everything after txn 2.
	j2 := setupJournal(t, dir, dbID, 0, Sync)
	defer j2.Close()
	got, res := replayAll(t, j2, 2)
	require.Equal(t, []uint64{3, 4, 5}, got)
	require.Equal(t, 2, res.Skipped)
	require.Equal(t, uint64(5), res.LastTxn)
	require.Zero(t, res.Truncated)

	// 3. New appends continue the sequence in a new file.
	pos, err := j2.Append(newTestEntry(dbID, 6, "txn-6"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), pos.File)
	_, err = j2.Append(newTestEntry(dbID, 8, "txn-8"))
	require.Error(t, err, "txn ids must be contiguous")
}

// TestJournal_SyncedTxn tracks which appends are on stable storage, including
// buffered ones flushed by an explicit or periodic sync.
func TestJournal_SyncedTxn(t *testing.T) {
	dbID := uuid.New()
	j := setupJournal(t, "", dbID, 0, Sync)
	defer j.Close()
	_, err := j.Replay(0, func(*Entry) error { return nil })
	require.NoError(t, err)

	steps := []struct {
		mode   DurabilityMode
		synced uint64
	}{
		{Buffered, 0},
		{Sync, 2},
		{Buffered, 2},
		{SyncVerify, 4},
		{Buffered, 4},
	}
	for i, step := range steps {
		txn := uint64(i + 1)
		_, err := j.AppendWith(newTestEntry(dbID, txn, fmt.Sprintf("txn-%d", txn)), step.mode)
		require.NoError(t, err)
		require.Equal(t, step.synced, j.SyncedTxn(), "after txn %d", txn)
	}
	require.NoError(t, j.Sync())
	require.Equal(t, uint64(5), j.SyncedTxn())
	require.Equal(t, uint64(5), j.Stats().SyncedTxn)

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	bg, err := Open(Options{Dir: t.TempDir(), PageSize: testPageSize, DBID: dbID, Mode: Buffered, SyncInterval: 10 * time.Millisecond, Logger: logger})
	require.NoError(t, err)
	defer bg.Close()
	_, err = bg.Replay(0, func(*Entry) error { return nil })
	require.NoError(t, err)
	_, err = bg.Append(newTestEntry(dbID, 1, "txn-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bg.SyncedTxn() == 1 }, 5*time.Second, 10*time.Millisecond)
}

// TestJournal_TruncatesCorruptTail verifies crash-truncation: N valid entries
// followed by a damaged one replay as exactly N, and the file is cut.
func TestJournal_TruncatesCorruptTail(t *testing.T) {
	dir := t.TempDir()
	dbID := uuid.New()
	j := setupJournal(t, dir, dbID, 0, Sync)
	_, err := j.Replay(0, func(*Entry) error { return nil })
	require.NoError(t, err)
	var last Position
	for txn := uint64(1); txn <= 4; txn++ {
		last, err = j.Append(newTestEntry(dbID, txn, fmt.Sprintf("txn-%d", txn)))
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	// 1. Flip a byte in the payload of the fourth entry.
	path := j.filePath(last.File)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[last.Offset+EntryHeaderSize+100] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	// 2. Replay stops after txn 3 and cuts the file at the damaged entry.
	j2 := setupJournal(t, dir, dbID, 0, Sync)
	got, res := replayAll(t, j2, 0)
	require.Equal(t, []uint64{1, 2, 3}, got)
	require.Equal(t, 1, res.Truncated)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, last.Offset, info.Size())

	// 3. Txn 4 can be committed again.
	_, err = j2.Append(newTestEntry(dbID, 4, "txn-4"))
	require.NoError(t, err)
	require.NoError(t, j2.Close())
}

// TestJournal_PartialWrite simulates a crash in the middle of an append.
func TestJournal_PartialWrite(t *testing.T) {
	dir := t.TempDir()
	dbID := uuid.New()
	j := setupJournal(t, dir, dbID, 0, Sync)
	_, err := j.Replay(0, func(*Entry) error { return nil })
	require.NoError(t, err)
	_, err = j.Append(newTestEntry(dbID, 1, "txn-1"))
	require.NoError(t, err)
	pos, err := j.Append(newTestEntry(dbID, 2, "txn-2"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	path := j.filePath(pos.File)
	require.NoError(t, os.Truncate(path, pos.Offset+int64(pos.Size)/2))

	j2 := setupJournal(t, dir, dbID, 0, Sync)
	defer j2.Close()
	got, res := replayAll(t, j2, 0)
	require.Equal(t, []uint64{1}, got)
	require.Equal(t, 1, res.Truncated)
}

// TestJournal_GapIsFatal checks that losing a middle entry is reported as a
// non-recoverable corruption instead of silently skipping history.
func TestJournal_GapIsFatal(t *testing.T) {
	dir := t.TempDir()
	dbID := uuid.New()
	entrySize := int64(EntryHeaderSize + runHeaderSize + testPageSize + pagemanager.MetaSize)
	// One entry per file.
	j := setupJournal(t, dir, dbID, FileHeaderSize+entrySize, Sync)
	_, err := j.Replay(0, func(*Entry) error { return nil })
	require.NoError(t, err)
	for txn := uint64(1); txn <= 3; txn++ {
		pos, err := j.Append(newTestEntry(dbID, txn, fmt.Sprintf("txn-%d", txn)))
		require.NoError(t, err)
		require.Equal(t, txn, pos.File)
	}
	require.NoError(t, j.Close())

	// Damage the only entry of file 2.
	path := j.filePath(2)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[FileHeaderSize+EntryHeaderSize+10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	j2 := setupJournal(t, dir, dbID, 0, Sync)
	defer j2.Close()
	_, err = j2.Replay(0, func(*Entry) error { return nil })
	require.ErrorIs(t, err, common.ErrJournalCorrupt)
}

// TestJournal_RotateAndRetire fills several files and retires those covered by
// a checkpoint, keeping everything after it.
func TestJournal_RotateAndRetire(t *testing.T) {
	dir := t.TempDir()
	dbID := uuid.New()
	entrySize := int64(EntryHeaderSize + runHeaderSize + testPageSize + pagemanager.MetaSize)
	j := setupJournal(t, dir, dbID, FileHeaderSize+2*entrySize, Sync)
	defer j.Close()
	_, err := j.Replay(0, func(*Entry) error { return nil })
	require.NoError(t, err)

	for txn := uint64(1); txn <= 5; txn++ {
		_, err := j.Append(newTestEntry(dbID, txn, fmt.Sprintf("txn-%d", txn)))
		require.NoError(t, err)
	}
	require.Equal(t, 3, j.Stats().Files) // {1,2} {3,4} {5}
	require.True(t, j.NeedsCheckpoint())

	removed, err := j.Retire(3)
	require.NoError(t, err)
	require.Equal(t, 1, removed, "file {3,4} still holds txn 4")
	require.Equal(t, 2, j.Stats().Files)

	removed, err = j.Retire(5)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.False(t, j.NeedsCheckpoint(), "only the active file remains")

	var scanned []uint64
	require.NoError(t, j.Scan(0, func(e *Entry) error {
		scanned = append(scanned, e.TxnID)
		return nil
	}))
	require.Equal(t, []uint64{5}, scanned)
}

func TestJournal_ForeignDatabase(t *testing.T) {
	dir := t.TempDir()
	j := setupJournal(t, dir, uuid.New(), 0, Sync)
	_, err := j.Replay(0, func(*Entry) error { return nil })
	require.NoError(t, err)
	_, err = j.Append(newTestEntry(uuid.New(), 1, "txn-1"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j2 := setupJournal(t, dir, uuid.New(), 0, Sync)
	defer j2.Close()
	_, err = j2.Replay(0, func(*Entry) error { return nil })
	require.ErrorIs(t, err, common.ErrJournalCorrupt)
}

func TestJournal_TornFileHeaderIsRemoved(t *testing.T) {
	dir := t.TempDir()
	dbID := uuid.New()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "journal-0000000000000000007.log"), []byte("GJ"), 0644))
	j := setupJournal(t, dir, dbID, 0, Sync)
	defer j.Close()
	_, res := replayAll(t, j, 0)
	require.Zero(t, res.Applied)
	require.Equal(t, 0, j.Stats().Files)
	_, err := os.Stat(filepath.Join(dir, "journal-0000000000000000007.log"))
	require.True(t, os.IsNotExist(err))
}

func TestDurabilityMode_Text(t *testing.T) {
	for _, m := range []DurabilityMode{Buffered, Sync, SyncVerify} {
		text, err := m.MarshalText()
		require.NoError(t, err)
		var back DurabilityMode
		require.NoError(t, back.UnmarshalText(text))
		require.Equal(t, m, back)
	}
	var m DurabilityMode
	require.Error(t, m.UnmarshalText([]byte("sometimes")))
}
