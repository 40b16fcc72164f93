package transaction

import (
	"fmt"
	"time"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
)

// TxState represents the lifecycle state of a transaction.
type TxState int

const (
	TxStateActive     TxState = iota // Transaction is open
	TxStateCommitted                 // Write transaction committed
	TxStateRolledBack                // Write transaction discarded
	TxStateReleased                  // Read transaction released its snapshot
)

func (s TxState) String() string {
	switch s {
	case TxStateActive:
		return "active"
	case TxStateCommitted:
		return "committed"
	case TxStateRolledBack:
		return "rolled_back"
	case TxStateReleased:
		return "released"
	default:
		return fmt.Sprintf("TxState(%d)", int(s))
	}
}

// Tx is a read snapshot or the single write transaction. It implements
// pagemanager.PageSource for the tree code. A Tx must not be used from more
// than one goroutine at a time.
type Tx struct {
	m        *Manager
	id       uint64
	writable bool
	state    TxState
	meta     pagemanager.Meta
	mapping  *pagemanager.Mapping
	scratch  map[pagemanager.PageID]pagemanager.Page
	started  time.Time
}

var _ pagemanager.PageSource = (*Tx)(nil)

// TxnID is the id this transaction will commit as, or the snapshot id of a reader.
func (tx *Tx) TxnID() uint64  { return tx.id }
func (tx *Tx) Writable() bool { return tx.writable }
func (tx *Tx) PageSize() int  { return int(tx.meta.PageSize) }

// State returns the lifecycle state.
func (tx *Tx) State() TxState { return tx.state }

// Meta returns the state the transaction sees, including registry changes it made.
func (tx *Tx) Meta() pagemanager.Meta { return tx.meta }

// SetRegistry records the registry header to be published on commit.
func (tx *Tx) SetRegistry(header []byte) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if len(header) > pagemanager.RegistrySize {
		return fmt.Errorf("registry header of %d bytes exceeds %d", len(header), pagemanager.RegistrySize)
	}
	tx.meta.Registry = [pagemanager.RegistrySize]byte{}
	copy(tx.meta.Registry[:], header)
	return nil
}

func (tx *Tx) checkOpen() error {
	if tx.state != TxStateActive {
		return common.ErrTxClosed
	}
	return nil
}

func (tx *Tx) checkWrite() error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if !tx.writable {
		return common.ErrTxReadOnly
	}
	return nil
}

func (tx *Tx) Page(id pagemanager.PageID) (pagemanager.Page, error) {
	return tx.Run(id, 1)
}

func (tx *Tx) Run(id pagemanager.PageID, n int) (pagemanager.Page, error) {
	if err := tx.checkOpen(); err != nil {
		return pagemanager.Page{}, err
	}
	if p, ok := tx.scratch[id]; ok {
		if got := p.Pages(tx.PageSize()); n != 1 && got != n {
			return pagemanager.Page{}, fmt.Errorf("page %d: run of %d pages requested, %d allocated", id, n, got)
		}
		return p, nil
	}
	if id < pagemanager.FirstDataPage || uint64(id)+uint64(n) > uint64(tx.meta.HighWater) {
		return pagemanager.Page{}, common.Corruptf("page run %d+%d outside snapshot %d (high water %d)", id, n, tx.meta.TxnID, tx.meta.HighWater)
	}
	p, err := tx.mapping.Run(id, n)
	if err != nil {
		return pagemanager.Page{}, err
	}
	if tx.m.cfg.VerifyChecksums {
		if err := p.Verify(); err != nil {
			return pagemanager.Page{}, err
		}
	}
	return p, nil
}

func (tx *Tx) Allocate(n int, typ pagemanager.PageType) (pagemanager.Page, error) {
	if err := tx.checkWrite(); err != nil {
		return pagemanager.Page{}, err
	}
	id, err := tx.m.cfg.FreeSpace.Allocate(n)
	if err != nil {
		return pagemanager.Page{}, err
	}
	p := pagemanager.NewPage(id, tx.PageSize(), n, typ)
	tx.scratch[id] = p
	return p, nil
}

func (tx *Tx) Scratch(id pagemanager.PageID) (pagemanager.Page, bool) {
	p, ok := tx.scratch[id]
	return p, ok
}

func (tx *Tx) Free(id pagemanager.PageID, n int) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if n < 1 {
		return fmt.Errorf("free of page %d: run length %d", id, n)
	}
	if p, ok := tx.scratch[id]; ok {
		if got := p.Pages(tx.PageSize()); got != n {
			return fmt.Errorf("free of scratch page %d: run length %d, allocated %d", id, n, got)
		}
		delete(tx.scratch, id)
		tx.m.cfg.FreeSpace.Reuse(id, n)
		return nil
	}
	if id < pagemanager.FirstDataPage || uint64(id)+uint64(n) > uint64(tx.meta.HighWater) {
		return fmt.Errorf("free of page run %d+%d outside high water %d", id, n, tx.meta.HighWater)
	}
	tx.m.cfg.FreeSpace.Release(tx.id, id, n)
	return nil
}

// DirtyPages returns the number of pages the transaction has staged.
func (tx *Tx) DirtyPages() int {
	n := 0
	for _, p := range tx.scratch {
		n += p.Pages(tx.PageSize())
	}
	return n
}

// Commit commits with the configured durability mode.
func (tx *Tx) Commit() error {
	return tx.CommitWith(tx.m.cfg.Durability)
}

// CommitWith journals the staged pages with mode, applies them and publishes
// the new snapshot. On failure the transaction is rolled back.
func (tx *Tx) CommitWith(mode wal.DurabilityMode) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	return tx.m.commit(tx, mode)
}

// Rollback discards a write transaction or releases a reader. It is a no-op
// once the transaction has ended.
func (tx *Tx) Rollback() {
	if tx.state != TxStateActive {
		return
	}
	if !tx.writable {
		tx.Release()
		return
	}
	tx.m.rollback(tx)
}

// Release ends a read transaction and unpins its snapshot. Calling it again is
// a no-op. On a write transaction it rolls back.
func (tx *Tx) Release() {
	if tx.state != TxStateActive {
		return
	}
	if tx.writable {
		tx.m.rollback(tx)
		return
	}
	tx.state = TxStateReleased
	tx.m.endRead(tx)
	tx.mapping = nil
}
