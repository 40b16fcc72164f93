// Package freespace tracks which pages of the data file can be handed out again.
//
// Pages freed by a commit are pending until no snapshot older than that commit is
// alive; only then do they join the free set. Allocation prefers the lowest
// numbered free run and otherwise extends the high-water mark, growing the data
// file by a fixed increment.
package freespace

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// Grower extends the data file. *pagemanager.Pager satisfies it.
type Grower interface {
	Capacity() uint64
	Grow(pages uint64) error
}

// Stats is a point-in-time summary of the free space state.
type Stats struct {
	Free      int
	Pending   int
	HighWater pagemanager.PageID
	Growths   int
}

// Manager is the free space manager. Only the active write transaction mutates it.
type Manager struct {
	mu              sync.Mutex
	free            []pagemanager.PageID // sorted, unique
	pending         map[uint64][]pagemanager.PageID
	highWater       pagemanager.PageID
	growthIncrement uint64
	grower          Grower
	logger          *zap.Logger
	growths         int

	// per write transaction
	txn       uint64
	active    bool
	startHW   pagemanager.PageID
	savedFree []pagemanager.PageID
	freeSaved bool
	allocated int
}

// New returns a manager whose high-water mark is highWater.
func New(highWater pagemanager.PageID, growthIncrement uint64, grower Grower, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if growthIncrement == 0 {
		growthIncrement = 1
	}
	return &Manager{
		pending:         make(map[uint64][]pagemanager.PageID),
		highWater:       max(highWater, pagemanager.FirstDataPage),
		growthIncrement: growthIncrement,
		grower:          grower,
		logger:          logger.Named("freespace"),
	}
}

// Begin starts bookkeeping for write transaction txn. Pending sets whose commit
// id is at or below oldestSnapshot are no longer visible to any reader and are
// moved to the free set first.
func (m *Manager) Begin(txn, oldestSnapshot uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releasePendingLocked(oldestSnapshot)
	m.txn = txn
	m.active = true
	m.startHW = m.highWater
	m.savedFree = nil
	m.freeSaved = false
	m.allocated = 0
}

// ReleasePending moves every pending set committed at or before oldestSnapshot
// to the free set and returns how many pages became reusable.
func (m *Manager) ReleasePending(oldestSnapshot uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releasePendingLocked(oldestSnapshot)
}

func (m *Manager) releasePendingLocked(oldest uint64) int {
	var merged []pagemanager.PageID
	for txn, ids := range m.pending {
		if txn <= oldest {
			merged = append(merged, ids...)
			delete(m.pending, txn)
		}
	}
	if len(merged) == 0 {
		return 0
	}
	m.saveFreeLocked()
	m.free = mergeSorted(m.free, merged)
	m.logger.Debug("pending pages released", zap.Int("pages", len(merged)), zap.Uint64("oldest_snapshot", oldest))
	return len(merged)
}

// Allocate hands out a contiguous run of count pages for the active transaction.
func (m *Manager) Allocate(count int) (pagemanager.PageID, error) {
	if count < 1 {
		return 0, fmt.Errorf("allocate %d pages", count)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return 0, common.ErrTxReadOnly
	}
	if i := findRun(m.free, count); i >= 0 {
		m.saveFreeLocked()
		id := m.free[i]
		m.free = slices.Delete(m.free, i, i+count)
		m.allocated += count
		return id, nil
	}

	id := m.highWater
	next := id + pagemanager.PageID(count)
	if m.grower != nil && uint64(next) > m.grower.Capacity() {
		target := roundUp(uint64(next), m.growthIncrement)
		if err := m.grower.Grow(target); err != nil {
			return 0, err
		}
		m.growths++
	}
	m.highWater = next
	m.allocated += count
	return id, nil
}

// Reuse returns pages that the active transaction allocated and no longer needs.
// They were never visible to another transaction, so they are free at once.
func (m *Manager) Reuse(id pagemanager.PageID, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveFreeLocked()
	m.free = mergeSorted(m.free, run(id, count))
	m.allocated -= count
}

// Release records pages superseded by commit txn. They stay pending until no
// snapshot taken before txn is alive.
func (m *Manager) Release(txn uint64, id pagemanager.PageID, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[txn] = append(m.pending[txn], run(id, count)...)
}

// Commit ends the bookkeeping of the active transaction.
func (m *Manager) Commit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
	m.savedFree = nil
	m.freeSaved = false
}

// Rollback restores the free set and high-water mark to the state at Begin and
// forgets the pages the transaction released.
func (m *Manager) Rollback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return
	}
	if m.freeSaved {
		m.free = m.savedFree
	}
	m.highWater = m.startHW
	delete(m.pending, m.txn)
	m.active = false
	m.savedFree = nil
	m.freeSaved = false
}

// saveFreeLocked keeps a copy of the free set the first time a transaction changes it.
func (m *Manager) saveFreeLocked() {
	if m.active && !m.freeSaved {
		m.savedFree = slices.Clone(m.free)
		m.freeSaved = true
	}
}

// HighWater returns the next never-allocated page number.
func (m *Manager) HighWater() pagemanager.PageID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highWater
}

// Allocated returns the number of pages handed out to the active transaction.
func (m *Manager) Allocated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated
}

// IsFree reports whether id is currently in the free set.
func (m *Manager) IsFree(id pagemanager.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := slices.BinarySearch(m.free, id)
	return ok
}

// IsPending reports whether id is waiting for readers to finish.
func (m *Manager) IsPending(id pagemanager.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ids := range m.pending {
		if slices.Contains(ids, id) {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := 0
	for _, ids := range m.pending {
		pending += len(ids)
	}
	return Stats{Free: len(m.free), Pending: pending, HighWater: m.highWater, Growths: m.growths}
}

// --- Persistence ---
//
// A free-list run stores `count u64` followed by count sorted page ids. Pending
// pages are written as free: after a restart there are no readers left.

// EncodedSize returns the body size needed to persist the current state.
func (m *Manager) EncodedSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.free)
	for _, ids := range m.pending {
		n += len(ids)
	}
	return 8 + 8*n
}

// Encode writes the free and pending pages into body.
func (m *Manager) Encode(body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := slices.Clone(m.free)
	for _, p := range m.pending {
		ids = append(ids, p...)
	}
	slices.Sort(ids)
	if need := 8 + 8*len(ids); need > len(body) {
		return fmt.Errorf("free list needs %d bytes, run holds %d", need, len(body))
	}
	binary.LittleEndian.PutUint64(body, uint64(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(body[8+8*i:], uint64(id))
	}
	return nil
}

// Load replaces the state with the content of a persisted free-list run.
func (m *Manager) Load(page pagemanager.Page) error {
	if err := page.ExpectType(pagemanager.PageTypeFreeList); err != nil {
		return err
	}
	body := page.Body()
	if len(body) < 8 {
		return common.Corruptf("free list page %d: short body", page.ID)
	}
	n := binary.LittleEndian.Uint64(body)
	if 8+8*n > uint64(len(body)) {
		return common.Corruptf("free list page %d: %d ids do not fit in %d bytes", page.ID, n, len(body))
	}
	ids := make([]pagemanager.PageID, 0, n)
	for i := uint64(0); i < n; i++ {
		id := pagemanager.PageID(binary.LittleEndian.Uint64(body[8+8*i:]))
		if id < pagemanager.FirstDataPage || id >= m.highWater {
			return common.Corruptf("free list page %d: id %d outside [%d, %d)", page.ID, id, pagemanager.FirstDataPage, m.highWater)
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.free = slices.Compact(ids)
	m.pending = make(map[uint64][]pagemanager.PageID)
	return nil
}

func run(id pagemanager.PageID, count int) []pagemanager.PageID {
	ids := make([]pagemanager.PageID, count)
	for i := range ids {
		ids[i] = id + pagemanager.PageID(i)
	}
	return ids
}

// findRun returns the index of the lowest run of count consecutive ids, or -1.
func findRun(free []pagemanager.PageID, count int) int {
	if count == 1 {
		if len(free) > 0 {
			return 0
		}
		return -1
	}
	start := 0
	for i := 1; i <= len(free); i++ {
		if i-start == count {
			return start
		}
		if i == len(free) {
			break
		}
		if free[i] != free[i-1]+1 {
			start = i
		}
	}
	return -1
}

func mergeSorted(a, b []pagemanager.PageID) []pagemanager.PageID {
	slices.Sort(b)
	out := make([]pagemanager.PageID, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		var next pagemanager.PageID
		switch {
		case j == len(b) || (i < len(a) && a[i] < b[j]):
			next = a[i]
			i++
		default:
			next = b[j]
			j++
		}
		if n := len(out); n > 0 && out[n-1] == next {
			continue
		}
		out = append(out, next)
	}
	return out
}

func roundUp(v, inc uint64) uint64 {
	if inc <= 1 {
		return v
	}
	return (v + inc - 1) / inc * inc
}
