package storageengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/indexing/fixedtree"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/transaction"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"go.uber.org/zap"
)

// TreeReader is the read-only view of a B+tree.
type TreeReader interface {
	Get(key []byte) ([]byte, bool, error)
	Has(key []byte) (bool, error)
	Version(key []byte) (uint32, error)
	// Range iterates [start, end); nil bounds are open.
	Range(start, end []byte) *btree.Iterator
	Resume(cursor, end []byte) *btree.Iterator
	NestedTree(key []byte) (FixedTreeReader, bool, error)
	Len() uint64
	Header() btree.Header
}

// FixedTreeReader is the read-only view of a fixed-size tree.
type FixedTreeReader interface {
	Get(key int64) ([]byte, bool, error)
	Contains(key int64) (bool, error)
	// Range iterates [start, end).
	Range(start, end int64) *fixedtree.Iterator
	RangeFrom(start int64) *fixedtree.Iterator
	ValueSize() int
	Len() uint64
	Header() fixedtree.Header
}

type treeReader struct {
	*btree.Tree
}

func (r treeReader) NestedTree(key []byte) (FixedTreeReader, bool, error) {
	ft, ok, err := r.Tree.NestedTree(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	return ft, true, nil
}

func (e *Env) btreeOptions(comparator string) (btree.Options, error) {
	cmp, ok := e.comparators[comparator]
	if !ok {
		return btree.Options{}, fmt.Errorf("%w: %q", common.ErrComparatorNotFound, comparator)
	}
	return btree.Options{Compare: cmp, Cache: e.cache, RebalanceThreshold: e.opts.RebalanceThreshold}, nil
}

func (e *Env) registryOptions() btree.Options {
	return btree.Options{Cache: e.cache, RebalanceThreshold: btree.DefaultRebalanceThreshold}
}

// --- Read transactions ---

// ReadTx is a snapshot of the environment. It never blocks the writer and
// must be released. A ReadTx must not be shared between goroutines.
type ReadTx struct {
	env *Env
	tx  *transaction.Tx
	reg *registry
}

// BeginRead pins the latest committed state.
func (e *Env) BeginRead() (*ReadTx, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	tx, err := e.mgr.BeginRead()
	if err != nil {
		return nil, err
	}
	reg, err := openRegistry(tx, tx.Meta(), e.registryOptions())
	if err != nil {
		tx.Release()
		return nil, err
	}
	return &ReadTx{env: e, tx: tx, reg: reg}, nil
}

// ID is the txn id of the snapshot.
func (r *ReadTx) ID() uint64 { return r.tx.TxnID() }

func (r *ReadTx) entry(name string, kind TreeKind) (registryEntry, error) {
	if r.tx.State() != transaction.TxStateActive {
		return registryEntry{}, common.ErrTxClosed
	}
	return lookupEntry(r.reg, name, kind)
}

func lookupEntry(reg *registry, name string, kind TreeKind) (registryEntry, error) {
	e, ok, err := reg.lookup(name)
	if err != nil {
		return registryEntry{}, err
	}
	if !ok {
		return registryEntry{}, fmt.Errorf("%w: %q", common.ErrTreeNotFound, name)
	}
	if e.kind != kind {
		return registryEntry{}, fmt.Errorf("%w: %q is a %v tree", common.ErrWrongTreeKind, name, e.kind)
	}
	return e, nil
}

// Tree opens the B+tree called name.
func (r *ReadTx) Tree(name string) (TreeReader, error) {
	e, err := r.entry(name, KindBTree)
	if err != nil {
		return nil, err
	}
	opts, err := r.env.btreeOptions(e.comparator)
	if err != nil {
		return nil, err
	}
	return treeReader{btree.Open(r.tx, e.btree, opts)}, nil
}

// FixedTree opens the fixed-size tree called name.
func (r *ReadTx) FixedTree(name string) (FixedTreeReader, error) {
	e, err := r.entry(name, KindFixed)
	if err != nil {
		return nil, err
	}
	return fixedtree.Open(r.tx, e.fixed, fixedtree.Options{Cache: r.env.cache}), nil
}

// Trees lists the trees of the snapshot in name order.
func (r *ReadTx) Trees() ([]TreeInfo, error) {
	if r.tx.State() != transaction.TxStateActive {
		return nil, common.ErrTxClosed
	}
	return r.reg.list()
}

// Release unpins the snapshot. It is safe to call more than once.
func (r *ReadTx) Release() { r.tx.Release() }

// View runs fn in a read transaction that is released when fn returns.
func (e *Env) View(fn func(*ReadTx) error) error {
	r, err := e.BeginRead()
	if err != nil {
		return err
	}
	defer r.Release()
	return fn(r)
}

// --- Write transactions ---

type openTree struct {
	entry registryEntry
	bt    *btree.Tree
	ft    *fixedtree.Tree
}

// WriteTx is the single write transaction. Trees obtained from it are only
// valid until it commits or rolls back.
type WriteTx struct {
	env   *Env
	tx    *transaction.Tx
	reg   *registry
	trees map[string]*openTree
}

// BeginWrite waits for the writer slot. ctx bounds the wait together with
// the WriteTimeout option.
func (e *Env) BeginWrite(ctx context.Context) (*WriteTx, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	tx, err := e.mgr.BeginWrite(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := openRegistry(tx, tx.Meta(), e.registryOptions())
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	return &WriteTx{env: e, tx: tx, reg: reg, trees: make(map[string]*openTree)}, nil
}

// ID is the txn id the transaction commits as.
func (w *WriteTx) ID() uint64 { return w.tx.TxnID() }

func (w *WriteTx) checkOpen() error {
	if w.tx.State() != transaction.TxStateActive {
		return common.ErrTxClosed
	}
	return nil
}

func (w *WriteTx) checkNew(name string) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if err := checkTreeName(name, w.tx.PageSize()); err != nil {
		return err
	}
	_, ok, err := w.reg.lookup(name)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %q", common.ErrTreeExists, name)
	}
	return nil
}

// CreateTree creates a B+tree ordered by the named comparator; an empty name
// selects the bytes order.
func (w *WriteTx) CreateTree(name, comparator string) (*btree.Tree, error) {
	if comparator == "" {
		comparator = BytesComparator
	}
	if err := w.checkNew(name); err != nil {
		return nil, err
	}
	opts, err := w.env.btreeOptions(comparator)
	if err != nil {
		return nil, err
	}
	t, err := btree.Create(w.tx, opts)
	if err != nil {
		return nil, err
	}
	ot := &openTree{entry: registryEntry{kind: KindBTree, comparator: comparator, btree: t.Header()}, bt: t}
	if err := w.reg.put(name, ot.entry); err != nil {
		return nil, err
	}
	w.trees[name] = ot
	w.env.logger.Debug("tree created", zap.String("tree", name), zap.String("comparator", comparator), zap.Uint64("txn", w.ID()))
	return t, nil
}

// CreateFixedTree creates a tree of int64 keys and valueSize-byte values.
func (w *WriteTx) CreateFixedTree(name string, valueSize int) (*fixedtree.Tree, error) {
	if err := w.checkNew(name); err != nil {
		return nil, err
	}
	t, err := fixedtree.Create(w.tx, valueSize, fixedtree.Options{})
	if err != nil {
		return nil, err
	}
	ot := &openTree{entry: registryEntry{kind: KindFixed, fixed: t.Header()}, ft: t}
	if err := w.reg.put(name, ot.entry); err != nil {
		return nil, err
	}
	w.trees[name] = ot
	w.env.logger.Debug("fixed tree created", zap.String("tree", name), zap.Int("value_size", valueSize), zap.Uint64("txn", w.ID()))
	return t, nil
}

func (w *WriteTx) open(name string, kind TreeKind) (*openTree, error) {
	if err := w.checkOpen(); err != nil {
		return nil, err
	}
	if ot, ok := w.trees[name]; ok {
		if ot.entry.kind != kind {
			return nil, fmt.Errorf("%w: %q is a %v tree", common.ErrWrongTreeKind, name, ot.entry.kind)
		}
		return ot, nil
	}
	e, err := lookupEntry(w.reg, name, kind)
	if err != nil {
		return nil, err
	}
	ot := &openTree{entry: e}
	switch kind {
	case KindBTree:
		opts, err := w.env.btreeOptions(e.comparator)
		if err != nil {
			return nil, err
		}
		ot.bt = btree.Open(w.tx, e.btree, opts)
	case KindFixed:
		ot.ft = fixedtree.Open(w.tx, e.fixed, fixedtree.Options{})
	}
	w.trees[name] = ot
	return ot, nil
}

// Tree opens the B+tree called name for writing.
func (w *WriteTx) Tree(name string) (*btree.Tree, error) {
	ot, err := w.open(name, KindBTree)
	if err != nil {
		return nil, err
	}
	return ot.bt, nil
}

// FixedTree opens the fixed-size tree called name for writing.
func (w *WriteTx) FixedTree(name string) (*fixedtree.Tree, error) {
	ot, err := w.open(name, KindFixed)
	if err != nil {
		return nil, err
	}
	return ot.ft, nil
}

// DeleteTree frees every page of the tree called name and removes it from
// the registry.
func (w *WriteTx) DeleteTree(name string) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	e, ok, err := w.reg.lookup(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", common.ErrTreeNotFound, name)
	}
	ot, err := w.open(name, e.kind)
	if err != nil && !errors.Is(err, common.ErrComparatorNotFound) {
		return err
	}
	switch {
	case ot != nil && ot.bt != nil:
		err = ot.bt.Drop()
	case ot != nil && ot.ft != nil:
		err = ot.ft.Drop()
	default:
		// Dropping walks the tree without comparing keys.
		err = btree.Open(w.tx, e.btree, btree.Options{}).Drop()
	}
	if err != nil {
		return err
	}
	delete(w.trees, name)
	if _, err := w.reg.remove(name); err != nil {
		return err
	}
	w.env.logger.Debug("tree deleted", zap.String("tree", name), zap.Stringer("kind", e.kind), zap.Uint64("txn", w.ID()))
	return nil
}

// Trees lists the trees as this transaction sees them, in name order.
func (w *WriteTx) Trees() ([]TreeInfo, error) {
	if err := w.flush(); err != nil {
		return nil, err
	}
	return w.reg.list()
}

// flush writes changed tree headers into the registry and the registry
// header into the meta.
func (w *WriteTx) flush() error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	for name, ot := range w.trees {
		e := ot.entry
		switch {
		case ot.bt != nil:
			e.btree = ot.bt.Header()
		case ot.ft != nil:
			e.fixed = ot.ft.Header()
		}
		if e == ot.entry {
			continue
		}
		if err := w.reg.put(name, e); err != nil {
			return err
		}
		ot.entry = e
	}
	if w.reg.changedFrom(w.tx.Meta()) {
		return w.tx.SetRegistry(w.reg.header())
	}
	return nil
}

// Commit commits with the environment's durability mode.
func (w *WriteTx) Commit() error {
	return w.CommitWith(w.env.opts.Durability)
}

// CommitWith commits with mode. On error the transaction has been rolled back.
func (w *WriteTx) CommitWith(mode wal.DurabilityMode) error {
	if err := w.flush(); err != nil {
		if !errors.Is(err, common.ErrTxClosed) {
			w.Rollback()
		}
		return err
	}
	return w.tx.CommitWith(mode)
}

// Rollback discards the transaction. It is a no-op once it has ended.
func (w *WriteTx) Rollback() {
	w.tx.Rollback()
	w.trees = nil
}

// Update runs fn in a write transaction and commits it when fn returns nil.
// The transaction is rolled back when fn fails or panics; fn must not commit
// or roll back itself.
func (e *Env) Update(ctx context.Context, fn func(*WriteTx) error) error {
	w, err := e.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			w.Rollback()
			panic(p)
		}
	}()
	if err := fn(w); err != nil {
		w.Rollback()
		return err
	}
	return w.Commit()
}
