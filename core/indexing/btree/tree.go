// Package btree implements the copy-on-write B+tree used for named trees and
// for the tree registry. Keys are ordered by a pluggable comparator, large
// values live in overflow runs and an entry may hold a nested fixed tree.
package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/sushant-115/gojostore/core/indexing/fixedtree"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// HeaderSize is the encoded size of a Header.
const HeaderSize = 56

// DefaultRebalanceThreshold is the fill fraction below which a node is merged
// into a sibling after a delete.
const DefaultRebalanceThreshold = 0.25

// Comparator orders keys. It must be a total order and stable for the life of
// the tree.
type Comparator func(a, b []byte) int

// Header describes a B+tree.
type Header struct {
	Root          pagemanager.PageID
	Depth         uint32
	Entries       uint64
	BranchPages   uint64
	LeafPages     uint64
	OverflowPages uint64
}

// Encode writes h into buf, which must hold HeaderSize bytes.
func (h Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(h.Root))
	binary.LittleEndian.PutUint32(buf[8:], h.Depth)
	binary.LittleEndian.PutUint32(buf[12:], 0)
	binary.LittleEndian.PutUint64(buf[16:], h.Entries)
	binary.LittleEndian.PutUint64(buf[24:], h.BranchPages)
	binary.LittleEndian.PutUint64(buf[32:], h.LeafPages)
	binary.LittleEndian.PutUint64(buf[40:], h.OverflowPages)
	binary.LittleEndian.PutUint64(buf[48:], 0)
}

// MarshalBinary returns the encoded header.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	h.Encode(buf)
	return buf, nil
}

// DecodeHeader parses an encoded header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, common.Corruptf("btree header: %d bytes, want %d", len(buf), HeaderSize)
	}
	h := Header{
		Root:          pagemanager.PageID(binary.LittleEndian.Uint64(buf[0:])),
		Depth:         binary.LittleEndian.Uint32(buf[8:]),
		Entries:       binary.LittleEndian.Uint64(buf[16:]),
		BranchPages:   binary.LittleEndian.Uint64(buf[24:]),
		LeafPages:     binary.LittleEndian.Uint64(buf[32:]),
		OverflowPages: binary.LittleEndian.Uint64(buf[40:]),
	}
	if h.Root < pagemanager.FirstDataPage || h.Depth == 0 {
		return Header{}, common.Corruptf("btree header: root %d depth %d", h.Root, h.Depth)
	}
	return h, nil
}

// MaxKeySize returns the longest key a tree over pageSize pages accepts.
// Every entry kind then fits in a quarter page, so a node always holds at
// least four entries.
func MaxKeySize(pageSize int) int {
	return usable(pageSize)/4 - entryHeaderSize - fixedtree.HeaderSize
}

func usable(pageSize int) int { return pageSize - pagemanager.PageHeaderSize }

// Options configure a Tree handle.
type Options struct {
	// Compare orders keys; bytes.Compare when nil.
	Compare Comparator
	// Cache holds decoded nodes for read-only sources.
	Cache *memtable.NodeCache
	// RebalanceThreshold is the fraction of a page below which a node is
	// merged with a sibling. Zero disables merging; negative selects the default.
	RebalanceThreshold float64
}

// Tree is a handle on a B+tree inside one transaction.
type Tree struct {
	src     pagemanager.PageSource
	header  Header
	cmp     func(a, b []byte) int
	opts    Options
	minFill int
}

func newTree(src pagemanager.PageSource, h Header, opts Options) *Tree {
	t := &Tree{src: src, header: h, cmp: opts.Compare, opts: opts}
	if t.cmp == nil {
		t.cmp = bytes.Compare
	}
	threshold := opts.RebalanceThreshold
	if threshold < 0 {
		threshold = DefaultRebalanceThreshold
	}
	t.minFill = int(threshold * float64(usable(src.PageSize())))
	return t
}

// Create allocates an empty tree.
func Create(src pagemanager.PageSource, opts Options) (*Tree, error) {
	t := newTree(src, Header{}, opts)
	if err := t.checkWritable(); err != nil {
		return nil, err
	}
	root := &node{leaf: true}
	if err := t.store(root); err != nil {
		return nil, err
	}
	t.header.Root, t.header.Depth = root.id, 1
	return t, nil
}

// Open returns a handle on an existing tree.
func Open(src pagemanager.PageSource, h Header, opts Options) *Tree {
	return newTree(src, h, opts)
}

// Header returns the current header.
func (t *Tree) Header() Header { return t.header }

// Len returns the number of entries.
func (t *Tree) Len() uint64 { return t.header.Entries }

func (t *Tree) checkWritable() error {
	if !t.src.Writable() {
		return common.ErrTxReadOnly
	}
	return nil
}

func (t *Tree) checkKey(key []byte) error {
	if len(key) == 0 {
		return common.ErrEmptyKey
	}
	if limit := MaxKeySize(t.src.PageSize()); len(key) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", common.ErrKeyTooLarge, len(key), limit)
	}
	return nil
}

// --- Page access ---

func (t *Tree) load(id pagemanager.PageID) (*node, error) {
	if p, ok := t.src.Scratch(id); ok {
		return decodeNode(p)
	}
	p, err := t.src.Page(id)
	if err != nil {
		return nil, err
	}
	useCache := !t.src.Writable()
	if useCache {
		if v, ok := t.opts.Cache.Get(id, p.TxnID()); ok {
			if n, ok := v.(*node); ok {
				return n, nil
			}
		}
	}
	n, err := decodeNode(p)
	if err != nil {
		return nil, err
	}
	if useCache {
		t.opts.Cache.Put(id, p.TxnID(), n, n.cost())
	}
	return n, nil
}

// store writes n into its scratch page, or copies it to a new page when n is
// new or still lives on a committed page, freeing the committed one.
func (t *Tree) store(n *node) error {
	if n.id != pagemanager.InvalidPageID {
		if p, ok := t.src.Scratch(n.id); ok {
			return n.encode(p)
		}
	}
	typ := pagemanager.PageTypeBranch
	if n.leaf {
		typ = pagemanager.PageTypeLeaf
	}
	p, err := t.src.Allocate(1, typ)
	if err != nil {
		return err
	}
	if n.id != pagemanager.InvalidPageID {
		if err := t.src.Free(n.id, 1); err != nil {
			return err
		}
	} else {
		t.countPage(n.leaf, 1)
	}
	n.id = p.ID
	return n.encode(p)
}

func (t *Tree) free(n *node) error {
	t.countPage(n.leaf, -1)
	return t.src.Free(n.id, 1)
}

func (t *Tree) countPage(leaf bool, delta int64) {
	if leaf {
		t.header.LeafPages = uint64(int64(t.header.LeafPages) + delta)
	} else {
		t.header.BranchPages = uint64(int64(t.header.BranchPages) + delta)
	}
}

// search returns the index of key in a leaf and whether it is present.
func (t *Tree) search(n *node, key []byte) (int, bool) {
	return slices.BinarySearchFunc(n.entries, key, func(e entry, k []byte) int {
		return t.cmp(e.key, k)
	})
}

// childIndex returns the child of branch n whose range holds key.
func (t *Tree) childIndex(n *node, key []byte) int {
	i, found := slices.BinarySearchFunc(n.keys[1:], key, t.cmp)
	if found {
		return i + 1
	}
	return i
}

// find descends to the leaf that holds key.
func (t *Tree) find(key []byte) (*node, int, bool, error) {
	n, err := t.load(t.header.Root)
	if err != nil {
		return nil, 0, false, err
	}
	for !n.leaf {
		if n, err = t.load(n.children[t.childIndex(n, key)]); err != nil {
			return nil, 0, false, err
		}
	}
	i, found := t.search(n, key)
	return n, i, found, nil
}

// --- Point operations ---

// Get returns a copy of the value stored under key.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	n, i, found, err := t.find(key)
	if err != nil || !found {
		return nil, false, err
	}
	v, err := t.value(&n.entries[i])
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Has reports whether key is present.
func (t *Tree) Has(key []byte) (bool, error) {
	_, _, found, err := t.find(key)
	return found, err
}

// Version returns the version of key, or 0 when it is absent. A key's version
// starts at 1 and grows with every write.
func (t *Tree) Version(key []byte) (uint32, error) {
	n, i, found, err := t.find(key)
	if err != nil || !found {
		return 0, err
	}
	return n.entries[i].version, nil
}

// value returns a copy of the value held by e.
func (t *Tree) value(e *entry) ([]byte, error) {
	switch e.kind {
	case entryInline:
		return append([]byte{}, e.value...), nil
	case entryOverflow:
		return t.readOverflow(e.overflow, e.size)
	default:
		return nil, fmt.Errorf("%w: key %q holds a nested fixed tree", common.ErrWrongTreeKind, e.key)
	}
}

// Insert stores value under key, replacing any previous value.
func (t *Tree) Insert(key, value []byte) error {
	_, err := t.InsertVersioned(key, value, AnyVersion)
	return err
}

// AnyVersion disables the version check of InsertVersioned.
const AnyVersion = ^uint32(0)

// InsertVersioned stores value under key if the key's current version equals
// expected; 0 expects the key to be absent. It returns the new version.
func (t *Tree) InsertVersioned(key, value []byte, expected uint32) (uint32, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	if err := t.checkKey(key); err != nil {
		return 0, err
	}
	var version uint32
	err := t.put(key, func(old *entry) (entry, error) {
		var cur uint32
		if old != nil {
			cur = old.version
		}
		if expected != AnyVersion && cur != expected {
			return entry{}, fmt.Errorf("%w: key %q is at version %d, expected %d", common.ErrConcurrencyViolation, key, cur, expected)
		}
		e, err := t.newEntry(key, value)
		if err != nil {
			return entry{}, err
		}
		if old != nil {
			if err := t.releaseEntry(old); err != nil {
				return entry{}, err
			}
		}
		e.version = nextVersion(cur)
		version = e.version
		return e, nil
	})
	return version, err
}

func nextVersion(v uint32) uint32 {
	v++
	if v == 0 || v == AnyVersion {
		v = 1
	}
	return v
}

// newEntry builds the leaf entry for value, spilling it to an overflow run
// when the entry would take more than a quarter of a page.
func (t *Tree) newEntry(key, value []byte) (entry, error) {
	e := entry{key: append([]byte(nil), key...), kind: entryInline}
	if entryHeaderSize+len(key)+len(value) <= usable(t.src.PageSize())/4 {
		e.value = append([]byte{}, value...)
		return e, nil
	}
	first, err := t.writeOverflow(value)
	if err != nil {
		return entry{}, err
	}
	e.kind, e.overflow, e.size = entryOverflow, first, uint32(len(value))
	return e, nil
}

// releaseEntry frees what an entry owns outside its leaf.
func (t *Tree) releaseEntry(e *entry) error {
	switch e.kind {
	case entryOverflow:
		return t.freeOverflow(e.overflow, e.size)
	case entryNested:
		h, err := fixedtree.DecodeHeader(e.value)
		if err != nil {
			return err
		}
		return fixedtree.Open(t.src, h, fixedtree.Options{}).Drop()
	}
	return nil
}

type ref struct {
	key []byte
	id  pagemanager.PageID
}

// put applies mutate to the entry for key (nil when absent) and writes the
// result back along the path to the root.
func (t *Tree) put(key []byte, mutate func(old *entry) (entry, error)) error {
	added := false
	refs, err := t.putAt(t.header.Root, key, mutate, &added)
	if err != nil {
		return err
	}
	if err := t.growRoot(refs); err != nil {
		return err
	}
	if added {
		t.header.Entries++
	}
	return nil
}

func (t *Tree) putAt(id pagemanager.PageID, key []byte, mutate func(*entry) (entry, error), added *bool) ([]ref, error) {
	n, err := t.load(id)
	if err != nil {
		return nil, err
	}
	if n.leaf {
		i, found := t.search(n, key)
		var old *entry
		if found {
			old = &n.entries[i]
		}
		e, err := mutate(old)
		if err != nil {
			return nil, err
		}
		if found {
			n.entries[i] = e
		} else {
			n.entries = slices.Insert(n.entries, i, e)
			*added = true
		}
	} else {
		ci := t.childIndex(n, key)
		refs, err := t.putAt(n.children[ci], key, mutate, added)
		if err != nil {
			return nil, err
		}
		n.children[ci] = refs[0].id
		for j, r := range refs[1:] {
			n.keys = slices.Insert(n.keys, ci+1+j, r.key)
			n.children = slices.Insert(n.children, ci+1+j, r.id)
		}
	}
	return t.storeSplit(n)
}

// growRoot installs refs as the root, adding levels while they don't fit.
func (t *Tree) growRoot(refs []ref) error {
	for len(refs) > 1 {
		root := &node{}
		for _, r := range refs {
			root.keys = append(root.keys, r.key)
			root.children = append(root.children, r.id)
		}
		var err error
		if refs, err = t.storeSplit(root); err != nil {
			return err
		}
		t.header.Depth++
	}
	t.header.Root = refs[0].id
	return nil
}

// storeSplit writes n, splitting it by encoded size into as many pages as
// needed, and returns a ref per page.
func (t *Tree) storeSplit(n *node) ([]ref, error) {
	parts := t.split(n)
	refs := make([]ref, 0, len(parts))
	for _, p := range parts {
		if err := t.store(p); err != nil {
			return nil, err
		}
		refs = append(refs, ref{key: p.firstKey(), id: p.id})
	}
	return refs, nil
}

func (t *Tree) split(n *node) []*node {
	limit := usable(t.src.PageSize())
	total := n.size()
	if total <= limit {
		return []*node{n}
	}
	k := (total + limit - 1) / limit
	target := (total + k - 1) / k
	var parts []*node
	cur := n
	for cur.size() > limit {
		acc, at := 0, 0
		for at < cur.count() {
			s := cur.itemSize(at)
			if at > 0 && acc+s > target {
				break
			}
			acc += s
			at++
		}
		right := cur.splitAt(at)
		parts = append(parts, cur)
		cur = right
	}
	return append(parts, cur)
}

// --- Delete ---

// Delete removes key and reports whether it was present. Overflow runs and
// nested trees owned by the entry are freed.
func (t *Tree) Delete(key []byte) (bool, error) {
	if err := t.checkWritable(); err != nil {
		return false, err
	}
	if len(key) == 0 {
		return false, nil
	}
	res, err := t.remove(t.header.Root, key)
	if err != nil || !res.removed {
		return false, err
	}
	t.header.Entries--
	if res.empty {
		root := &node{leaf: true}
		if err := t.store(root); err != nil {
			return false, err
		}
		t.header.Root, t.header.Depth = root.id, 1
		return true, nil
	}
	t.header.Root = res.id
	return true, t.collapseRoot()
}

type removal struct {
	id      pagemanager.PageID
	removed bool
	empty   bool
}

func (t *Tree) remove(id pagemanager.PageID, key []byte) (removal, error) {
	n, err := t.load(id)
	if err != nil {
		return removal{}, err
	}
	if n.leaf {
		i, found := t.search(n, key)
		if !found {
			return removal{id: id}, nil
		}
		if err := t.releaseEntry(&n.entries[i]); err != nil {
			return removal{}, err
		}
		n.entries = slices.Delete(n.entries, i, i+1)
		if len(n.entries) == 0 {
			return removal{removed: true, empty: true}, t.free(n)
		}
		return removal{id: n.id, removed: true}, t.store(n)
	}

	ci := t.childIndex(n, key)
	res, err := t.remove(n.children[ci], key)
	if err != nil || !res.removed {
		return removal{id: id, removed: res.removed}, err
	}
	if res.empty {
		n.keys = slices.Delete(n.keys, ci, ci+1)
		n.children = slices.Delete(n.children, ci, ci+1)
		if len(n.children) == 0 {
			return removal{removed: true, empty: true}, t.free(n)
		}
	} else {
		n.children[ci] = res.id
		if err := t.rebalance(n, ci); err != nil {
			return removal{}, err
		}
	}
	return removal{id: n.id, removed: true}, t.store(n)
}

// rebalance merges child i of parent into a sibling when it fell below the
// fill threshold and the merged node fits in one page.
func (t *Tree) rebalance(parent *node, i int) error {
	if t.minFill <= 0 || len(parent.children) < 2 {
		return nil
	}
	child, err := t.load(parent.children[i])
	if err != nil {
		return err
	}
	if child.size() >= t.minFill {
		return nil
	}
	li := i - 1
	if li < 0 {
		li = 0
	}
	left, right := child, child
	if li == i {
		if right, err = t.load(parent.children[i+1]); err != nil {
			return err
		}
	} else if left, err = t.load(parent.children[li]); err != nil {
		return err
	}

	merged := &node{id: left.id, leaf: left.leaf}
	if left.leaf {
		merged.entries = append(append(make([]entry, 0, len(left.entries)+len(right.entries)), left.entries...), right.entries...)
	} else {
		merged.keys = append(append([][]byte(nil), left.keys...), parent.keys[li+1])
		merged.keys = append(merged.keys, right.keys[1:]...)
		merged.children = append(append([]pagemanager.PageID(nil), left.children...), right.children...)
	}
	if merged.size() > usable(t.src.PageSize()) {
		return nil
	}
	if err := t.store(merged); err != nil {
		return err
	}
	if err := t.free(right); err != nil {
		return err
	}
	parent.children[li] = merged.id
	parent.keys = slices.Delete(parent.keys, li+1, li+2)
	parent.children = slices.Delete(parent.children, li+1, li+2)
	return nil
}

// collapseRoot replaces a branch root that has a single child by that child.
func (t *Tree) collapseRoot() error {
	for t.header.Depth > 1 {
		n, err := t.load(t.header.Root)
		if err != nil {
			return err
		}
		if n.leaf || len(n.children) != 1 {
			return nil
		}
		if err := t.free(n); err != nil {
			return err
		}
		t.header.Root = n.children[0]
		t.header.Depth--
	}
	return nil
}

// --- Whole tree ---

// Drop frees every page of the tree, including overflow runs and nested trees.
// The handle must not be used afterwards.
func (t *Tree) Drop() error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	var drop func(id pagemanager.PageID) error
	drop = func(id pagemanager.PageID) error {
		n, err := t.load(id)
		if err != nil {
			return err
		}
		for i := range n.entries {
			if err := t.releaseEntry(&n.entries[i]); err != nil {
				return err
			}
		}
		for _, c := range n.children {
			if err := drop(c); err != nil {
				return err
			}
		}
		return t.free(n)
	}
	if err := drop(t.header.Root); err != nil {
		return err
	}
	t.header = Header{}
	return nil
}

// Walk calls fn for every tree page (overflow runs excluded), parents first.
func (t *Tree) Walk(fn func(id pagemanager.PageID, leaf bool) error) error {
	var walk func(id pagemanager.PageID) error
	walk = func(id pagemanager.PageID) error {
		n, err := t.load(id)
		if err != nil {
			return err
		}
		if err := fn(id, n.leaf); err != nil {
			return err
		}
		for _, c := range n.children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(t.header.Root)
}
