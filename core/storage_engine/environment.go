// Package storageengine is the embedded storage environment: named B+trees and
// fixed-size trees in one memory-mapped data file, with snapshot readers, a
// single writer and crash recovery through the write-ahead journal.
package storageengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/transaction"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/freespace"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DataFileName = "data.gojo"
	JournalDir   = "journal"
	LockFileName = "LOCK"
)

// Env is an open storage environment. It is safe for concurrent use.
type Env struct {
	dir    string
	opts   Options
	logger *zap.Logger
	id     uuid.UUID

	lock         *dirLock
	pager        *pagemanager.Pager
	journal      *wal.Journal
	fsm          *freespace.Manager
	mgr          *transaction.Manager
	checkpointer *flushmanager.Checkpointer
	flusher      *flushmanager.Flusher
	cache        *memtable.NodeCache
	metrics      *internaltelemetry.StorageMetrics
	tracer       trace.Tracer

	comparators map[string]btree.Comparator

	mu     sync.Mutex
	closed bool
}

// Stats is a point-in-time summary of an environment.
type Stats struct {
	ID             uuid.UUID
	PageSize       int
	DataFileSize   ByteSize
	HighWater      pagemanager.PageID
	FreePages      int
	PendingPages   int
	FileGrowths    int
	LastCommitted  uint64
	OldestSnapshot uint64
	ActiveReaders  int
	Commits        uint64
	Rollbacks      uint64
	JournalFiles   int
	JournalBytes   ByteSize
	CheckpointTxn  uint64
	Checkpoints    uint64
}

// meteredGrower counts data file extensions.
type meteredGrower struct {
	*pagemanager.Pager
	metrics *internaltelemetry.StorageMetrics
}

func (g meteredGrower) Grow(pages uint64) error {
	if err := g.Pager.Grow(pages); err != nil {
		return err
	}
	g.metrics.FileGrowthsCounter.Add(context.Background(), 1)
	return nil
}

// Open opens the environment in dir, creating it when empty, and replays the
// journal before returning.
func Open(dir string, opts Options) (env *Env, err error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger, err := opts.buildLogger()
	if err != nil {
		return nil, fmt.Errorf("%w: logger: %v", common.ErrInvalidOptions, err)
	}
	logger = logger.Named("gojostore")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, common.IOError("create environment directory", err)
	}

	e := &Env{
		dir:         dir,
		opts:        opts,
		logger:      logger,
		tracer:      opts.Tracer,
		comparators: map[string]btree.Comparator{BytesComparator: nil},
	}
	for name, cmp := range opts.Comparators {
		e.comparators[name] = cmp
	}
	if e.tracer == nil {
		e.tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	defer func() {
		if err != nil {
			e.teardown()
		}
	}()

	if e.lock, err = lockDir(filepath.Join(dir, LockFileName)); err != nil {
		return nil, err
	}
	if e.metrics, err = internaltelemetry.NewStorageMetrics(opts.Meter); err != nil {
		return nil, err
	}
	if e.cache, err = memtable.NewNodeCache(int64(opts.NodeCacheSize)); err != nil {
		return nil, err
	}
	pageSize := int(opts.PageSize)
	if e.pager, err = pagemanager.Open(filepath.Join(dir, DataFileName), pagemanager.Options{
		PageSize:     pageSize,
		InitialPages: opts.pagesOf(opts.InitialSize),
		Logger:       logger,
	}); err != nil {
		return nil, err
	}

	meta, err := e.loadMeta()
	if err != nil {
		return nil, err
	}
	e.id = meta.DBID
	if e.journal, err = wal.Open(wal.Options{
		Dir:          filepath.Join(dir, JournalDir),
		PageSize:     pageSize,
		DBID:         meta.DBID,
		MaxFileSize:  int64(opts.MaxJournalFileSize),
		Mode:         opts.Durability,
		SyncInterval: opts.JournalSyncInterval,
		Logger:       logger,
	}); err != nil {
		return nil, err
	}
	e.checkpointer = flushmanager.NewCheckpointer(e.pager, e.journal, meta.TxnID, e.metrics, logger)

	if meta, err = e.replay(meta); err != nil {
		return nil, err
	}
	if e.fsm, err = e.loadFreeSpace(meta); err != nil {
		return nil, err
	}
	if e.mgr, err = transaction.NewManager(transaction.Config{
		Pager:             e.pager,
		Journal:           e.journal,
		FreeSpace:         e.fsm,
		Meta:              meta,
		Durability:        opts.Durability,
		WriteTimeout:      opts.WriteTimeout,
		VerifyChecksums:   opts.VerifyChecksums,
		LongReaderWarning: opts.LongReaderWarning,
		Checkpointer:      e.checkpointer,
		Metrics:           e.metrics,
		Tracer:            e.tracer,
		Logger:            logger,
	}); err != nil {
		return nil, err
	}
	e.flusher = flushmanager.NewFlusher(e.mgr, opts.CheckpointInterval, logger)
	e.flusher.Start()

	logger.Info("environment opened",
		zap.String("dir", dir),
		zap.String("db_id", meta.DBID.String()),
		zap.Uint64("txn", meta.TxnID),
		zap.Stringer("page_size", opts.PageSize),
		zap.Stringer("durability", opts.Durability))
	return e, nil
}

// loadMeta returns the newest valid meta, initializing a fresh data file.
func (e *Env) loadMeta() (*pagemanager.Meta, error) {
	if e.pager.Created() {
		meta := &pagemanager.Meta{
			PageSize:  uint32(e.pager.PageSize()),
			DBID:      uuid.New(),
			HighWater: pagemanager.FirstDataPage,
		}
		if err := e.pager.WriteMeta(meta); err != nil {
			return nil, err
		}
		e.logger.Info("environment created", zap.String("db_id", meta.DBID.String()))
		return meta, nil
	}
	a, b, err := e.pager.ReadMeta()
	if err != nil {
		return nil, err
	}
	meta, err := pagemanager.PickMeta(a, b)
	if err != nil {
		return nil, err
	}
	if int(meta.PageSize) != e.pager.PageSize() {
		return nil, fmt.Errorf("%w: data file uses %d-byte pages", common.ErrInvalidOptions, meta.PageSize)
	}
	return meta, nil
}

// replay applies the journal entries committed after meta and checkpoints the
// recovered state.
func (e *Env) replay(meta *pagemanager.Meta) (*pagemanager.Meta, error) {
	growth := e.opts.pagesOf(e.opts.GrowthIncrement)
	recovered := *meta
	res, err := e.journal.Replay(meta.TxnID, func(entry *wal.Entry) error {
		if need := uint64(entry.Meta.HighWater); need > e.pager.Capacity() {
			if err := e.pager.Grow((need + growth - 1) / growth * growth); err != nil {
				return err
			}
		}
		for _, p := range entry.Pages {
			if err := e.pager.WritePage(p); err != nil {
				return fmt.Errorf("replay txn %d page %d: %w", entry.TxnID, p.ID, err)
			}
		}
		recovered = *entry.Meta
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Truncated > 0 {
		e.metrics.JournalTruncatedCounter.Add(context.Background(), int64(res.Truncated))
	}
	if res.Applied > 0 {
		if err := e.checkpointer.Checkpoint(&recovered); err != nil {
			return nil, err
		}
	}
	return &recovered, nil
}

func (e *Env) loadFreeSpace(meta *pagemanager.Meta) (*freespace.Manager, error) {
	fsm := freespace.New(meta.HighWater, e.opts.pagesOf(e.opts.GrowthIncrement), meteredGrower{e.pager, e.metrics}, e.logger)
	if meta.FreelistRoot == pagemanager.InvalidPageID {
		return fsm, nil
	}
	mapping, err := e.pager.Acquire()
	if err != nil {
		return nil, err
	}
	defer mapping.Release()
	run, err := mapping.Run(meta.FreelistRoot, int(meta.FreelistPages))
	if err != nil {
		return nil, err
	}
	if err := run.Verify(); err != nil {
		return nil, fmt.Errorf("free list: %w", err)
	}
	if err := fsm.Load(run); err != nil {
		return nil, err
	}
	return fsm, nil
}

func (e *Env) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return common.ErrEnvClosed
	}
	return nil
}

// ID returns the database id stored in the meta pages.
func (e *Env) ID() uuid.UUID { return e.id }

// Dir returns the environment directory.
func (e *Env) Dir() string { return e.dir }

// Checkpoint makes the latest commit durable in the data file and retires the
// journal files it covers.
func (e *Env) Checkpoint(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.mgr.Checkpoint(ctx)
}

// Stats returns a summary of the environment.
func (e *Env) Stats() Stats {
	fs := e.fsm.Stats()
	ts := e.mgr.Stats()
	js := e.journal.Stats()
	return Stats{
		ID:             e.id,
		PageSize:       e.pager.PageSize(),
		DataFileSize:   ByteSize(e.pager.Capacity() * uint64(e.pager.PageSize())),
		HighWater:      fs.HighWater,
		FreePages:      fs.Free,
		PendingPages:   fs.Pending,
		FileGrowths:    fs.Growths,
		LastCommitted:  ts.LastCommitted,
		OldestSnapshot: ts.OldestSnapshot,
		ActiveReaders:  ts.ActiveReaders,
		Commits:        ts.Commits,
		Rollbacks:      ts.Rollbacks,
		JournalFiles:   js.Files,
		JournalBytes:   ByteSize(js.Bytes),
		CheckpointTxn:  e.checkpointer.LastTxn(),
		Checkpoints:    e.checkpointer.Count(),
	}
}

// Close waits for the active writer, checkpoints and releases every resource.
// Read transactions still open keep their snapshot mapped until released.
func (e *Env) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.flusher.Stop()
	ctx := context.Background()
	err := e.mgr.Checkpoint(ctx)
	err = multierr.Append(err, e.mgr.Close(ctx))
	err = multierr.Append(err, e.teardown())
	if err != nil {
		e.logger.Error("environment closed with errors", zap.Error(err))
		return err
	}
	e.logger.Info("environment closed", zap.String("dir", e.dir))
	return nil
}

// teardown releases what Open acquired, in reverse order.
func (e *Env) teardown() error {
	var err error
	if e.journal != nil {
		err = multierr.Append(err, e.journal.Close())
	}
	e.cache.Close()
	if e.pager != nil {
		err = multierr.Append(err, e.pager.Close())
	}
	err = multierr.Append(err, e.lock.release())
	_ = e.logger.Sync()
	return err
}
