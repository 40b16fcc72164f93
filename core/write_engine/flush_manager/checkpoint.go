// Package flushmanager makes applied commits durable in the data file so the
// journal files that carried them can be retired.
package flushmanager

import (
	"context"
	"sync"
	"time"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.uber.org/zap"
)

// Checkpointer flushes the data file, publishes the meta and retires the
// journal files the meta covers.
type Checkpointer struct {
	pager   *pagemanager.Pager
	journal *wal.Journal
	metrics *internaltelemetry.StorageMetrics
	logger  *zap.Logger

	mu    sync.Mutex
	last  uint64
	count uint64
}

// NewCheckpointer returns a Checkpointer for pager and journal. lastTxn is the
// txn of the meta currently on disk.
func NewCheckpointer(pager *pagemanager.Pager, journal *wal.Journal, lastTxn uint64, metrics *internaltelemetry.StorageMetrics, logger *zap.Logger) *Checkpointer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpointer{pager: pager, journal: journal, metrics: metrics, logger: logger.Named("checkpoint"), last: lastTxn}
}

// Checkpoint makes meta the durable state. The caller must keep writers out
// until it returns.
func (c *Checkpointer) Checkpoint(meta *pagemanager.Meta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if meta.TxnID <= c.last {
		return nil
	}
	start := time.Now()

	// 1. Every page of the state must be on disk before the meta points at it.
	if err := c.pager.Sync(); err != nil {
		return err
	}
	// 2. Publish.
	if err := c.pager.WriteMeta(meta); err != nil {
		return err
	}
	c.last = meta.TxnID
	c.count++
	if c.metrics != nil {
		c.metrics.CheckpointsCounter.Add(context.Background(), 1)
	}

	// 3. The journal is only needed past this point.
	removed, err := c.journal.Retire(meta.TxnID)
	c.logger.Info("checkpoint written",
		zap.Uint64("txn", meta.TxnID),
		zap.Uint64("meta_slot", uint64(meta.Slot())),
		zap.Int("journal_files_retired", removed),
		zap.Duration("elapsed", time.Since(start)))
	if err != nil {
		// The checkpoint itself is durable; leftover files are retried next time.
		c.logger.Warn("retiring journal files failed", zap.Error(err))
	}
	return nil
}

// LastTxn returns the txn of the last durable meta.
func (c *Checkpointer) LastTxn() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Count returns how many checkpoints were written.
func (c *Checkpointer) Count() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Trigger runs a checkpoint, typically by taking the writer slot first.
type Trigger interface {
	Checkpoint(ctx context.Context) error
}

// Flusher triggers checkpoints on a fixed interval until stopped.
type Flusher struct {
	trigger  Trigger
	interval time.Duration
	logger   *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewFlusher returns a stopped Flusher. A non-positive interval makes Start a no-op.
func NewFlusher(trigger Trigger, interval time.Duration, logger *zap.Logger) *Flusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flusher{trigger: trigger, interval: interval, logger: logger.Named("flusher"), stopChan: make(chan struct{})}
}

// Start launches the background loop.
func (f *Flusher) Start() {
	if f.interval <= 0 {
		return
	}
	f.wg.Add(1)
	go f.run()
}

func (f *Flusher) run() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), f.interval)
			if err := f.trigger.Checkpoint(ctx); err != nil {
				f.logger.Warn("periodic checkpoint failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Stop ends the loop and waits for an in-flight checkpoint.
func (f *Flusher) Stop() {
	f.once.Do(func() { close(f.stopChan) })
	f.wg.Wait()
}
