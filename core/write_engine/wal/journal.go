package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// --- Journal file layout ---
//
// Every journal file starts with a 40 byte header binding it to a database:
//
//	0  magic     u32
//	4  version   u32
//	8  db id     [16]byte
//	24 page size u32
//	28 reserved  u32
//	32 xxhash64 of bytes [0:32]
//
// followed by entries (see entry.go) appended back to back.

const (
	FileMagic          uint32 = 0x474A4C46 // "GJLF"
	FileVersion        uint32 = 1
	FileHeaderSize            = 40
	DefaultMaxFileSize        = 64 << 20

	filePrefix = "journal-"
	fileSuffix = ".log"
)

// Options configures a Journal.
type Options struct {
	Dir      string
	PageSize int
	DBID     uuid.UUID
	// MaxFileSize is the size after which appends move to a new file.
	MaxFileSize int64
	// Mode is the default durability mode.
	Mode DurabilityMode
	// SyncInterval enables a background sync of buffered appends.
	SyncInterval time.Duration
	Logger       *zap.Logger
}

// Position locates an entry on disk.
type Position struct {
	File   uint64
	Offset int64
	Size   int
}

// Stats describes the journal file set.
type Stats struct {
	Files     int
	Bytes     int64
	LastTxn   uint64
	SyncedTxn uint64
	Appends   uint64
	Syncs     uint64
}

type fileInfo struct {
	num     uint64
	path    string
	size    int64
	first   uint64 // first txn in the file, 0 if none
	last    uint64
	scanned bool
}

// Journal is the append-only record of committed page sets. Appends come from
// the single write transaction; the background syncer and Close share the mutex.
type Journal struct {
	mu       sync.Mutex
	opts     Options
	files    []*fileInfo
	active   *os.File
	lastTxn  uint64
	synced   uint64
	dirty    bool
	closed   bool
	appends  uint64
	syncs    uint64
	stopChan chan struct{}
	wg       sync.WaitGroup
	logger   *zap.Logger
	// tailWarn throttles warnings about damaged tails when many files are scanned.
	tailWarn rate.Sometimes
}

// Open lists the journal files in opts.Dir. Call Replay before the first Append.
func Open(opts Options) (*Journal, error) {
	if opts.Dir == "" || opts.PageSize <= 0 {
		return nil, fmt.Errorf("%w: journal needs a directory and page size", common.ErrInvalidOptions)
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, common.IOError("create journal directory", err)
	}
	j := &Journal{
		opts:     opts,
		stopChan: make(chan struct{}),
		logger:   opts.Logger.Named("journal"),
		tailWarn: rate.Sometimes{First: 3, Interval: time.Minute},
	}
	files, err := listFiles(opts.Dir)
	if err != nil {
		return nil, err
	}
	j.files = files

	if opts.Mode == Buffered && opts.SyncInterval > 0 {
		j.wg.Add(1)
		go j.syncer(opts.SyncInterval)
	}
	j.logger.Info("journal opened",
		zap.String("dir", opts.Dir),
		zap.Int("files", len(files)),
		zap.Stringer("mode", opts.Mode),
		zap.String("max_file_size", humanize.IBytes(uint64(opts.MaxFileSize))))
	return j, nil
}

func listFiles(dir string) ([]*fileInfo, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, common.IOError("read journal directory", err)
	}
	var files []*fileInfo
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		num, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, common.IOError("stat journal file", err)
		}
		files = append(files, &fileInfo{num: num, path: filepath.Join(dir, name), size: info.Size()})
	}
	sort.Slice(files, func(i, k int) bool { return files[i].num < files[k].num })
	return files, nil
}

func (j *Journal) filePath(num uint64) string {
	return filepath.Join(j.opts.Dir, fmt.Sprintf("%s%019d%s", filePrefix, num, fileSuffix))
}

func (j *Journal) encodeFileHeader() []byte {
	buf := make([]byte, FileHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], FileMagic)
	binary.LittleEndian.PutUint32(buf[4:], FileVersion)
	copy(buf[8:24], j.opts.DBID[:])
	binary.LittleEndian.PutUint32(buf[24:], uint32(j.opts.PageSize))
	binary.LittleEndian.PutUint64(buf[32:], xxhash.Sum64(buf[:32]))
	return buf
}

// checkFileHeader validates a file header. A torn header is reported with errTorn,
// a header of another database or geometry with ErrJournalCorrupt.
func (j *Journal) checkFileHeader(buf []byte) error {
	if len(buf) < FileHeaderSize || binary.LittleEndian.Uint32(buf[0:]) != FileMagic ||
		binary.LittleEndian.Uint64(buf[32:]) != xxhash.Sum64(buf[:32]) {
		return errTorn
	}
	if v := binary.LittleEndian.Uint32(buf[4:]); v != FileVersion {
		return fmt.Errorf("%w: journal file version %d", common.ErrJournalCorrupt, v)
	}
	var id uuid.UUID
	copy(id[:], buf[8:24])
	if id != j.opts.DBID {
		return fmt.Errorf("%w: journal file belongs to database %s, not %s", common.ErrJournalCorrupt, id, j.opts.DBID)
	}
	if ps := int(binary.LittleEndian.Uint32(buf[24:])); ps != j.opts.PageSize {
		return fmt.Errorf("%w: journal file page size %d, data file uses %d", common.ErrJournalCorrupt, ps, j.opts.PageSize)
	}
	return nil
}

// openNextFileLocked creates the next journal file and makes it the active one.
func (j *Journal) openNextFileLocked() error {
	num := uint64(1)
	if n := len(j.files); n > 0 {
		num = j.files[n-1].num + 1
	}
	path := j.filePath(num)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return common.IOError("create journal file", err)
	}
	if _, err := f.WriteAt(j.encodeFileHeader(), 0); err != nil {
		f.Close()
		os.Remove(path)
		return common.IOError("write journal file header", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return common.IOError("sync journal file header", err)
	}
	if err := syncDir(j.opts.Dir); err != nil {
		j.logger.Warn("journal directory sync failed", zap.Error(err))
	}
	j.active = f
	j.files = append(j.files, &fileInfo{num: num, path: path, size: FileHeaderSize, scanned: true})
	j.logger.Info("journal file started", zap.Uint64("file", num), zap.String("path", path))
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// rollLocked syncs and closes the active file. The next append starts a new one.
func (j *Journal) rollLocked() error {
	if j.active == nil {
		return nil
	}
	cur := j.files[len(j.files)-1]
	if err := j.active.Sync(); err != nil {
		return common.IOError("sync journal file on roll", err)
	}
	if err := j.active.Close(); err != nil {
		return common.IOError("close journal file on roll", err)
	}
	j.active = nil
	j.dirty = false
	j.synced = j.lastTxn
	j.logger.Info("journal file rolled",
		zap.Uint64("file", cur.num),
		zap.String("size", humanize.IBytes(uint64(cur.size))),
		zap.Uint64("last_txn", cur.last))
	return nil
}

// Append writes e and waits for the default durability mode.
func (j *Journal) Append(e *Entry) (Position, error) {
	return j.AppendWith(e, j.opts.Mode)
}

// AppendWith writes e as a single write and waits for mode. On any failure the
// file is cut back to where the entry started, so a failed append never leaves
// a replayable entry behind.
func (j *Journal) AppendWith(e *Entry, mode DurabilityMode) (Position, error) {
	buf, err := e.encode(j.opts.PageSize)
	if err != nil {
		return Position{}, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return Position{}, common.ErrEnvClosed
	}
	if j.lastTxn != 0 && e.TxnID != j.lastTxn+1 {
		return Position{}, fmt.Errorf("journal append of txn %d after txn %d", e.TxnID, j.lastTxn)
	}

	// 1. Rotate when the entry would push the active file past the limit.
	if j.active != nil {
		cur := j.files[len(j.files)-1]
		if cur.size > FileHeaderSize && cur.size+int64(len(buf)) > j.opts.MaxFileSize {
			if err := j.rollLocked(); err != nil {
				return Position{}, err
			}
		}
	}
	if j.active == nil {
		if err := j.openNextFileLocked(); err != nil {
			return Position{}, err
		}
	}
	cur := j.files[len(j.files)-1]
	off := cur.size

	// 2. One positioned write per entry.
	if _, err := j.active.WriteAt(buf, off); err != nil {
		j.cutLocked(off)
		return Position{}, common.IOError(fmt.Sprintf("append txn %d", e.TxnID), err)
	}

	// 3. Durability.
	switch mode {
	case Buffered:
		j.dirty = true
	case Sync, SyncVerify:
		if err := datasync(j.active); err != nil {
			j.cutLocked(off)
			return Position{}, common.IOError(fmt.Sprintf("sync txn %d", e.TxnID), err)
		}
		j.dirty = false
		j.syncs++
		if mode == SyncVerify {
			if err := j.verifyLocked(buf, off); err != nil {
				j.cutLocked(off)
				return Position{}, err
			}
		}
	default:
		j.cutLocked(off)
		return Position{}, fmt.Errorf("%w: durability mode %v", common.ErrInvalidOptions, mode)
	}

	cur.size += int64(len(buf))
	if cur.first == 0 {
		cur.first = e.TxnID
	}
	cur.last = e.TxnID
	j.lastTxn = e.TxnID
	if mode != Buffered {
		j.synced = e.TxnID
	}
	j.appends++
	j.logger.Debug("journal entry appended",
		zap.Uint64("txn", e.TxnID),
		zap.Int("runs", len(e.Pages)),
		zap.Int("bytes", len(buf)),
		zap.Stringer("mode", mode))
	return Position{File: cur.num, Offset: off, Size: len(buf)}, nil
}

// verifyLocked reads the entry back from the file and compares hashes.
func (j *Journal) verifyLocked(buf []byte, off int64) error {
	back := make([]byte, len(buf))
	if _, err := j.active.ReadAt(back, off); err != nil {
		return common.IOError("read back journal entry", err)
	}
	if xxhash.Sum64(back) != xxhash.Sum64(buf) {
		return common.IOError("verify journal entry", errors.New("read-back bytes differ from written bytes"))
	}
	return nil
}

// cutLocked truncates the active file to off after a failed append.
func (j *Journal) cutLocked(off int64) {
	if err := j.active.Truncate(off); err != nil {
		j.logger.Error("journal truncate after failed append", zap.Int64("offset", off), zap.Error(err))
		return
	}
	if err := j.active.Sync(); err != nil {
		j.logger.Error("journal sync after truncate", zap.Error(err))
	}
}

// Sync forces buffered appends to stable storage.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.syncLocked()
}

func (j *Journal) syncLocked() error {
	if j.active == nil || !j.dirty {
		return nil
	}
	if err := datasync(j.active); err != nil {
		return common.IOError("sync journal", err)
	}
	j.dirty = false
	j.synced = j.lastTxn
	j.syncs++
	return nil
}

// syncer periodically flushes buffered appends.
func (j *Journal) syncer(interval time.Duration) {
	defer j.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stopChan:
			return
		case <-ticker.C:
			j.mu.Lock()
			if err := j.syncLocked(); err != nil {
				j.logger.Error("periodic journal sync failed", zap.Error(err))
			}
			j.mu.Unlock()
		}
	}
}

// NeedsCheckpoint reports whether rolled files are waiting to be retired or the
// active file has outgrown its limit.
func (j *Journal) NeedsCheckpoint() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := len(j.files)
	if n == 0 {
		return false
	}
	if n > 1 || j.active == nil {
		return true
	}
	return j.files[n-1].size >= j.opts.MaxFileSize
}

// Retire deletes files whose entries are all at or below checkpointTxn. The
// active file is kept unless it is full, in which case it is rolled first.
func (j *Journal) Retire(checkpointTxn uint64) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, common.ErrEnvClosed
	}
	if j.active != nil {
		cur := j.files[len(j.files)-1]
		if cur.size >= j.opts.MaxFileSize && cur.last <= checkpointTxn {
			if err := j.rollLocked(); err != nil {
				return 0, err
			}
		}
	}
	kept := j.files[:0]
	removed := 0
	var firstErr error
	for i, f := range j.files {
		isActive := j.active != nil && i == len(j.files)-1
		if isActive || !f.scanned || f.last > checkpointTxn {
			kept = append(kept, f)
			continue
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if firstErr == nil {
				firstErr = common.IOError("remove journal file", err)
			}
			kept = append(kept, f)
			continue
		}
		removed++
		j.logger.Info("journal file retired", zap.Uint64("file", f.num), zap.Uint64("last_txn", f.last), zap.Uint64("checkpoint_txn", checkpointTxn))
	}
	j.files = kept
	return removed, firstErr
}

// LastTxn returns the id of the last appended or replayed entry.
func (j *Journal) LastTxn() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastTxn
}

// SyncedTxn returns the last txn whose entry is on stable storage, whether by
// its own append or by a later sync.
func (j *Journal) SyncedTxn() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.synced
}

// Stats reports the file set.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := Stats{Files: len(j.files), LastTxn: j.lastTxn, SyncedTxn: j.synced, Appends: j.appends, Syncs: j.syncs}
	for _, f := range j.files {
		st.Bytes += f.size
	}
	return st
}

// Close stops the background syncer, syncs and closes the active file.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.stopChan)
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.active == nil {
		return nil
	}
	err := j.active.Sync()
	if cerr := j.active.Close(); err == nil {
		err = cerr
	}
	j.active = nil
	if err != nil {
		return common.IOError("close journal", err)
	}
	j.logger.Info("journal closed", zap.Uint64("last_txn", j.lastTxn))
	return nil
}
