// Package transaction coordinates the single write transaction and any number
// of snapshot readers over the page store, the free space manager and the
// journal.
package transaction

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/write_engine/freespace"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultLongReaderWarning is how long a reader may pin reclamation before it
// is reported.
const DefaultLongReaderWarning = time.Minute

// Checkpointer persists a committed state so that older journal files can be
// retired. It is invoked while the writer slot is held.
type Checkpointer interface {
	Checkpoint(meta *pagemanager.Meta) error
}

// Config wires a Manager to the storage components.
type Config struct {
	Pager     *pagemanager.Pager
	Journal   *wal.Journal
	FreeSpace *freespace.Manager
	// Meta is the recovered committed state.
	Meta *pagemanager.Meta

	Durability        wal.DurabilityMode
	WriteTimeout      time.Duration
	VerifyChecksums   bool
	LongReaderWarning time.Duration

	Checkpointer Checkpointer
	Metrics      *internaltelemetry.StorageMetrics
	Tracer       trace.Tracer
	Logger       *zap.Logger
}

// Snapshot is an immutable committed state together with the mapping
// generation it was published on.
type Snapshot struct {
	Meta    pagemanager.Meta
	mapping *pagemanager.Mapping
}

type readerSet struct {
	count int
	since time.Time
}

// Stats is a point-in-time summary of transaction activity.
type Stats struct {
	LastCommitted  uint64
	ActiveReaders  int
	OldestSnapshot uint64
	WriterActive   bool
	Commits        uint64
	Rollbacks      uint64
}

// Manager serializes writers through a one-slot semaphore and tracks the
// snapshots pinned by readers to decide when freed pages can be reused.
type Manager struct {
	cfg    Config
	writer *semaphore.Weighted
	logger *zap.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	current *Snapshot
	readers map[uint64]*readerSet
	// volatileFrom is the first buffered commit not yet covered by a sync or a
	// checkpoint, 0 if none. A crash may lose it and everything after it.
	volatileFrom uint64
	closed       bool
	writing      bool
	broken       error
	commits      uint64
	rollbacks    uint64

	longReaderWarn rate.Sometimes
}

// NewManager publishes cfg.Meta as the current snapshot.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Pager == nil || cfg.Journal == nil || cfg.FreeSpace == nil || cfg.Meta == nil {
		return nil, fmt.Errorf("%w: transaction manager needs pager, journal, free space and meta", common.ErrInvalidOptions)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if cfg.Metrics == nil {
		m, err := internaltelemetry.NewStorageMetrics(nil)
		if err != nil {
			return nil, err
		}
		cfg.Metrics = m
	}
	if cfg.LongReaderWarning <= 0 {
		cfg.LongReaderWarning = DefaultLongReaderWarning
	}
	mapping, err := cfg.Pager.Acquire()
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:            cfg,
		writer:         semaphore.NewWeighted(1),
		logger:         cfg.Logger.Named("txn"),
		tracer:         cfg.Tracer,
		current:        &Snapshot{Meta: *cfg.Meta, mapping: mapping},
		readers:        make(map[uint64]*readerSet),
		longReaderWarn: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}, nil
}

// Current returns a copy of the latest committed meta.
func (m *Manager) Current() pagemanager.Meta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Meta
}

// oldestLocked is the smallest snapshot a reader pins, or the last commit
// when nobody reads.
func (m *Manager) oldestLocked() uint64 {
	oldest := uint64(math.MaxUint64)
	for snap := range m.readers {
		oldest = min(oldest, snap)
	}
	if oldest == math.MaxUint64 {
		return m.current.Meta.TxnID
	}
	return oldest
}

// boundaryLocked is the newest commit whose superseded pages may be reused.
// Pages freed by a commit that could still be lost in a crash stay pending,
// since recovery may bring back the state that references them.
func (m *Manager) boundaryLocked() uint64 {
	b := m.oldestLocked()
	if m.volatileFrom != 0 {
		// A background sync covers every buffered commit up to synced.
		switch synced := m.cfg.Journal.SyncedTxn(); {
		case synced >= m.current.Meta.TxnID:
			m.volatileFrom = 0
		case synced >= m.volatileFrom:
			m.volatileFrom = synced + 1
		}
	}
	if m.volatileFrom != 0 {
		b = min(b, m.volatileFrom-1)
	}
	return b
}

// BeginRead pins the current snapshot. It never waits for the writer.
func (m *Manager) BeginRead() (*Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, common.ErrEnvClosed
	}
	snap := m.current
	snap.mapping.Retain()
	rs := m.readers[snap.Meta.TxnID]
	if rs == nil {
		rs = &readerSet{since: time.Now()}
		m.readers[snap.Meta.TxnID] = rs
	}
	rs.count++
	m.cfg.Metrics.ActiveReadersUpDown.Add(context.Background(), 1)
	return &Tx{
		m:       m,
		id:      snap.Meta.TxnID,
		meta:    snap.Meta,
		mapping: snap.mapping,
		started: time.Now(),
	}, nil
}

func (m *Manager) endRead(tx *Tx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs := m.readers[tx.id]; rs != nil {
		if rs.count--; rs.count == 0 {
			delete(m.readers, tx.id)
		}
	}
	tx.mapping.Release()
	m.cfg.Metrics.ActiveReadersUpDown.Add(context.Background(), -1)
}

// BeginWrite waits for the writer slot, honoring ctx and the configured write
// timeout, and starts a write transaction on the latest snapshot.
func (m *Manager) BeginWrite(ctx context.Context) (*Tx, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.WriteTimeout)
		defer cancel()
	}
	start := time.Now()
	if err := m.writer.Acquire(ctx, 1); err != nil {
		return nil, common.WriterTimeout(err)
	}
	m.cfg.Metrics.WriterWaitHistogram.Record(ctx, float64(time.Since(start).Microseconds())/1000)

	m.mu.Lock()
	if m.closed || m.broken != nil {
		err := m.broken
		m.mu.Unlock()
		m.writer.Release(1)
		if err == nil {
			err = common.ErrEnvClosed
		}
		return nil, err
	}
	base := m.current
	base.mapping.Retain()
	oldest := m.boundaryLocked()
	m.writing = true
	m.warnLongReadersLocked()
	m.mu.Unlock()

	tx := &Tx{
		m:        m,
		id:       base.Meta.TxnID + 1,
		writable: true,
		meta:     base.Meta,
		mapping:  base.mapping,
		scratch:  make(map[pagemanager.PageID]pagemanager.Page),
		started:  time.Now(),
	}
	m.cfg.FreeSpace.Begin(tx.id, oldest)
	m.logger.Debug("write transaction started", zap.Uint64("txn", tx.id), zap.Uint64("oldest_snapshot", oldest))
	return tx, nil
}

func (m *Manager) warnLongReadersLocked() {
	var oldest *readerSet
	var snap uint64
	for s, rs := range m.readers {
		if oldest == nil || rs.since.Before(oldest.since) {
			oldest, snap = rs, s
		}
	}
	if oldest == nil || time.Since(oldest.since) < m.cfg.LongReaderWarning {
		return
	}
	m.longReaderWarn.Do(func() {
		m.logger.Warn("long-running reader is holding back page reclamation",
			zap.Uint64("snapshot", snap),
			zap.Int("readers", oldest.count),
			zap.Duration("age", time.Since(oldest.since)),
			zap.Uint64("last_committed", m.current.Meta.TxnID))
	})
}

// commit runs the commit pipeline for tx. The writer slot is released on
// every path.
func (m *Manager) commit(tx *Tx, mode wal.DurabilityMode) (err error) {
	ctx, span := m.tracer.Start(context.Background(), "gojostore.commit",
		trace.WithAttributes(attribute.Int64("txn", int64(tx.id)), attribute.String("durability", mode.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	start := time.Now()

	if len(tx.scratch) == 0 {
		// Nothing was written: no journal entry, no new txn id.
		m.cfg.FreeSpace.Rollback()
		m.finishWrite(tx, TxStateCommitted)
		return nil
	}

	// 1. Persist the free list. The previous run is superseded by this commit.
	if tx.meta.FreelistRoot != pagemanager.InvalidPageID {
		if err := tx.Free(tx.meta.FreelistRoot, int(tx.meta.FreelistPages)); err != nil {
			return m.abort(tx, err)
		}
	}
	need := pagemanager.PagesFor(tx.PageSize(), m.cfg.FreeSpace.EncodedSize())
	flp, err := tx.Allocate(need, pagemanager.PageTypeFreeList)
	if err != nil {
		return m.abort(tx, err)
	}
	flp.SetExtra(uint32(need))
	if err := m.cfg.FreeSpace.Encode(flp.Body()); err != nil {
		return m.abort(tx, err)
	}
	tx.meta.FreelistRoot = flp.ID
	tx.meta.FreelistPages = uint32(need)
	tx.meta.HighWater = m.cfg.FreeSpace.HighWater()
	tx.meta.TxnID = tx.id

	// 2. Stamp and checksum every scratch page.
	ids := make([]pagemanager.PageID, 0, len(tx.scratch))
	for id := range tx.scratch {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	pages := make([]pagemanager.Page, 0, len(ids))
	pageCount := 0
	for _, id := range ids {
		p := tx.scratch[id]
		p.Seal(tx.id)
		pages = append(pages, p)
		pageCount += p.Pages(tx.PageSize())
	}

	// 3. Journal. Nothing is visible until the entry is durable.
	meta := tx.meta
	pos, err := m.cfg.Journal.AppendWith(&wal.Entry{TxnID: tx.id, Pages: pages, Meta: &meta}, mode)
	if err != nil {
		return m.abort(tx, fmt.Errorf("commit txn %d: %w", tx.id, err))
	}

	// 4. Apply the pages to the data file.
	for _, p := range pages {
		if err := m.cfg.Pager.WritePage(p); err != nil {
			// The journal holds the commit; the mapping is now behind it.
			return m.poison(tx, fmt.Errorf("%w: apply txn %d: %v", common.ErrIO, tx.id, err))
		}
	}
	mapping, err := m.cfg.Pager.Acquire()
	if err != nil {
		return m.poison(tx, err)
	}

	// 5. Publish the snapshot and release what no reader can reach anymore.
	m.mu.Lock()
	prev := m.current
	m.current = &Snapshot{Meta: meta, mapping: mapping}
	m.commits++
	switch {
	case mode != wal.Buffered:
		m.volatileFrom = 0
	case m.volatileFrom == 0:
		m.volatileFrom = tx.id
	}
	oldest := m.boundaryLocked()
	m.mu.Unlock()
	prev.mapping.Release()

	m.cfg.FreeSpace.Commit()
	released := m.cfg.FreeSpace.ReleasePending(oldest)

	elapsed := time.Since(start)
	m.cfg.Metrics.RecordCommit(ctx, float64(elapsed.Microseconds())/1000, pageCount, pos.Size, mode.String())
	m.logger.Debug("transaction committed",
		zap.Uint64("txn", tx.id),
		zap.Int("pages", pageCount),
		zap.Int("released", released),
		zap.Duration("elapsed", elapsed))

	// 6. Checkpoint while the slot is still held.
	if m.cfg.Checkpointer != nil && m.cfg.Journal.NeedsCheckpoint() {
		if err := m.checkpointLocked(&meta); err != nil {
			m.logger.Warn("checkpoint after commit failed", zap.Uint64("txn", tx.id), zap.Error(err))
		}
	}
	m.finishWrite(tx, TxStateCommitted)
	return nil
}

// abort rolls tx back after a failed commit and returns err.
func (m *Manager) abort(tx *Tx, err error) error {
	m.logger.Warn("commit failed, transaction rolled back", zap.Uint64("txn", tx.id), zap.Error(err))
	m.rollback(tx)
	return err
}

// checkpointLocked runs the Checkpointer. The caller holds the writer slot.
func (m *Manager) checkpointLocked(meta *pagemanager.Meta) error {
	if err := m.cfg.Checkpointer.Checkpoint(meta); err != nil {
		return err
	}
	m.mu.Lock()
	if m.volatileFrom != 0 && m.volatileFrom <= meta.TxnID {
		m.volatileFrom = 0
	}
	m.mu.Unlock()
	return nil
}

// poison marks the manager unusable for writers. Readers keep working on the
// published snapshots; reopening the environment replays the journal.
func (m *Manager) poison(tx *Tx, err error) error {
	m.mu.Lock()
	m.broken = err
	m.mu.Unlock()
	m.logger.Error("commit could not be applied; environment needs to be reopened", zap.Uint64("txn", tx.id), zap.Error(err))
	m.cfg.FreeSpace.Rollback()
	m.finishWrite(tx, TxStateRolledBack)
	return err
}

func (m *Manager) rollback(tx *Tx) {
	m.cfg.FreeSpace.Rollback()
	m.mu.Lock()
	m.rollbacks++
	m.mu.Unlock()
	m.cfg.Metrics.RollbacksCounter.Add(context.Background(), 1)
	m.logger.Debug("transaction rolled back", zap.Uint64("txn", tx.id), zap.Int("scratch_pages", len(tx.scratch)))
	m.finishWrite(tx, TxStateRolledBack)
}

func (m *Manager) finishWrite(tx *Tx, state TxState) {
	tx.state = state
	tx.scratch = nil
	tx.mapping.Release()
	tx.mapping = nil
	m.mu.Lock()
	m.writing = false
	m.mu.Unlock()
	m.writer.Release(1)
}

// Exclusive runs fn with the writer slot held and the latest committed meta.
// Checkpoints and shutdown use it to keep writers out.
func (m *Manager) Exclusive(ctx context.Context, fn func(meta *pagemanager.Meta) error) error {
	if err := m.writer.Acquire(ctx, 1); err != nil {
		return common.WriterTimeout(err)
	}
	defer m.writer.Release(1)
	m.mu.Lock()
	meta := m.current.Meta
	m.mu.Unlock()
	return fn(&meta)
}

// Checkpoint persists the latest committed state through the configured
// Checkpointer.
func (m *Manager) Checkpoint(ctx context.Context) error {
	if m.cfg.Checkpointer == nil {
		return nil
	}
	ctx, span := m.tracer.Start(ctx, "gojostore.checkpoint")
	defer span.End()
	err := m.Exclusive(ctx, func(meta *pagemanager.Meta) error {
		span.SetAttributes(attribute.Int64("txn", int64(meta.TxnID)))
		return m.checkpointLocked(meta)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Stats returns a summary of transaction activity.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rs := range m.readers {
		n += rs.count
	}
	return Stats{
		LastCommitted:  m.current.Meta.TxnID,
		ActiveReaders:  n,
		OldestSnapshot: m.oldestLocked(),
		WriterActive:   m.writing,
		Commits:        m.commits,
		Rollbacks:      m.rollbacks,
	}
}

// Close waits for the active writer, then refuses new transactions and drops
// the published snapshot. Open readers keep their mapping until released.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.writer.Acquire(ctx, 1); err != nil {
		return common.WriterTimeout(err)
	}
	defer m.writer.Release(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if n := len(m.readers); n > 0 {
		m.logger.Warn("closing with open read transactions", zap.Int("snapshots", n))
	}
	m.current.mapping.Release()
	return nil
}
