package wal

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"go.uber.org/zap"
)

// ReplayResult summarizes a recovery scan.
type ReplayResult struct {
	LastTxn   uint64 // last txn applied, or the checkpoint txn when nothing was applied
	Applied   int
	Skipped   int
	Truncated int // number of files cut at a damaged entry
}

// Replay validates every journal file in order and calls apply for each entry
// with a txn id above afterTxn. The first damaged entry of a file cuts that file
// at the entry start; the rest of that file is discarded. Applied ids must be
// contiguous from afterTxn+1, otherwise the journal cannot reproduce the
// committed history and ErrJournalCorrupt is returned.
func (j *Journal) Replay(afterTxn uint64, apply func(*Entry) error) (ReplayResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.active != nil {
		return ReplayResult{}, fmt.Errorf("journal replay after appends started")
	}
	res := ReplayResult{LastTxn: afterTxn}
	expected := afterTxn + 1

	kept := j.files[:0]
	for i, f := range j.files {
		last := i == len(j.files)-1
		truncated, drop, err := j.scanFile(f, true, func(e *Entry) error {
			switch {
			case e.TxnID < expected:
				res.Skipped++
				return nil
			case e.TxnID > expected:
				return fmt.Errorf("%w: expected txn %d, found txn %d in %s", common.ErrJournalCorrupt, expected, e.TxnID, f.path)
			}
			if err := apply(e); err != nil {
				return err
			}
			res.Applied++
			res.LastTxn = e.TxnID
			expected++
			return nil
		})
		if err != nil {
			return res, err
		}
		if truncated {
			res.Truncated++
		}
		if drop {
			if !last {
				return res, fmt.Errorf("%w: %s has no valid header but is followed by newer files", common.ErrJournalCorrupt, f.path)
			}
			if rmErr := os.Remove(f.path); rmErr != nil {
				return res, common.IOError("remove torn journal file", rmErr)
			}
			j.logger.Warn("removed journal file with torn header", zap.String("path", f.path))
			continue
		}
		kept = append(kept, f)
	}
	j.files = kept
	j.lastTxn = res.LastTxn
	j.logger.Info("journal replayed",
		zap.Uint64("after_txn", afterTxn),
		zap.Uint64("last_txn", res.LastTxn),
		zap.Int("applied", res.Applied),
		zap.Int("skipped", res.Skipped),
		zap.Int("truncated_files", res.Truncated))
	return res, nil
}

// Scan calls fn for every valid entry with a txn id above afterTxn without
// modifying any file. It stops at the first damaged entry of each file.
func (j *Journal) Scan(afterTxn uint64, fn func(*Entry) error) error {
	j.mu.Lock()
	files := append([]*fileInfo(nil), j.files...)
	j.mu.Unlock()
	for _, f := range files {
		_, _, err := j.scanFile(f, false, func(e *Entry) error {
			if e.TxnID <= afterTxn {
				return nil
			}
			return fn(e)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// scanFile reads the entries of one file. With repair set, a damaged tail is cut
// off and file metadata is refreshed. drop reports a file whose header is torn.
func (j *Journal) scanFile(f *fileInfo, repair bool, fn func(*Entry) error) (truncated, drop bool, err error) {
	flag := os.O_RDONLY
	if repair {
		flag = os.O_RDWR
	}
	file, err := os.OpenFile(f.path, flag, 0)
	if err != nil {
		return false, false, common.IOError("open journal file", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return false, false, common.IOError("stat journal file", err)
	}
	size := info.Size()

	hdr := make([]byte, FileHeaderSize)
	if _, err := file.ReadAt(hdr, 0); err != nil && !errors.Is(err, io.EOF) {
		return false, false, common.IOError("read journal file header", err)
	}
	if err := j.checkFileHeader(hdr); err != nil {
		if errors.Is(err, errTorn) {
			return false, true, nil
		}
		return false, false, err
	}

	off := int64(FileHeaderSize)
	var first, last uint64
	for off < size {
		e, n, scanErr := readEntry(file, off, size, j.opts.PageSize)
		if scanErr != nil {
			if !errors.Is(scanErr, errTorn) {
				return false, false, scanErr
			}
			if repair {
				j.tailWarn.Do(func() {
					j.logger.Warn("journal tail discarded",
						zap.String("path", f.path),
						zap.Int64("offset", off),
						zap.Int64("discarded_bytes", size-off),
						zap.Error(scanErr))
				})
				if err := file.Truncate(off); err != nil {
					return false, false, common.IOError("truncate journal file", err)
				}
				if err := file.Sync(); err != nil {
					return false, false, common.IOError("sync truncated journal file", err)
				}
			}
			truncated = true
			size = off
			break
		}
		if err := fn(e); err != nil {
			return truncated, false, err
		}
		if first == 0 {
			first = e.TxnID
		}
		last = e.TxnID
		off += n
	}
	if repair {
		f.size, f.first, f.last, f.scanned = size, first, last, true
	}
	return truncated, false, nil
}

// readEntry decodes the entry at off. Anything short of a complete valid entry
// is reported as errTorn.
func readEntry(file *os.File, off, size int64, pageSize int) (*Entry, int64, error) {
	if size-off < EntryHeaderSize {
		return nil, 0, fmt.Errorf("%w: %d trailing bytes", errTorn, size-off)
	}
	hdr := make([]byte, EntryHeaderSize)
	if _, err := file.ReadAt(hdr, off); err != nil {
		return nil, 0, common.IOError("read journal entry header", err)
	}
	h, err := decodeHeader(hdr)
	if err != nil {
		return nil, 0, err
	}
	total := int64(EntryHeaderSize) + int64(h.payloadLen)
	if off+total > size {
		return nil, 0, fmt.Errorf("%w: entry of txn %d runs past end of file", errTorn, h.txnID)
	}
	payload := make([]byte, h.payloadLen)
	if _, err := file.ReadAt(payload, off+EntryHeaderSize); err != nil {
		return nil, 0, common.IOError("read journal entry payload", err)
	}
	e, err := decodePayload(h, payload, pageSize)
	if err != nil {
		return nil, 0, err
	}
	return e, total, nil
}
