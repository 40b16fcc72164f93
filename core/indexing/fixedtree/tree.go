// Package fixedtree implements a copy-on-write B+tree over int64 keys whose
// values all have the same size. It is used directly as a named tree and nested
// inside B+tree entries.
package fixedtree

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// HeaderSize is the encoded size of a Header.
const HeaderSize = 48

// Header describes a fixed tree. It is stored in the tree registry for named
// trees and inline in the parent entry for nested ones.
type Header struct {
	Root        pagemanager.PageID
	Depth       uint32
	ValueSize   uint16
	Entries     uint64
	BranchPages uint64
	LeafPages   uint64
}

// Encode writes h into buf, which must hold HeaderSize bytes.
func (h Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(h.Root))
	binary.LittleEndian.PutUint32(buf[8:], h.Depth)
	binary.LittleEndian.PutUint16(buf[12:], h.ValueSize)
	binary.LittleEndian.PutUint16(buf[14:], 0)
	binary.LittleEndian.PutUint64(buf[16:], h.Entries)
	binary.LittleEndian.PutUint64(buf[24:], h.BranchPages)
	binary.LittleEndian.PutUint64(buf[32:], h.LeafPages)
	binary.LittleEndian.PutUint64(buf[40:], 0)
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
		return Header{}, common.Corruptf("fixed tree header: %d bytes, want %d", len(buf), HeaderSize)
	}
	h := Header{
		Root:        pagemanager.PageID(binary.LittleEndian.Uint64(buf[0:])),
		Depth:       binary.LittleEndian.Uint32(buf[8:]),
		ValueSize:   binary.LittleEndian.Uint16(buf[12:]),
		Entries:     binary.LittleEndian.Uint64(buf[16:]),
		BranchPages: binary.LittleEndian.Uint64(buf[24:]),
		LeafPages:   binary.LittleEndian.Uint64(buf[32:]),
	}
	if h.Root < pagemanager.FirstDataPage || h.Depth == 0 {
		return Header{}, common.Corruptf("fixed tree header: root %d depth %d", h.Root, h.Depth)
	}
	return h, nil
}

// MaxValueSize is the largest value size supported for pageSize.
func MaxValueSize(pageSize int) int {
	return (pageSize - pagemanager.PageHeaderSize) / 4
}

// Options configure a Tree handle.
type Options struct {
	// Cache holds decoded nodes for read-only sources.
	Cache *memtable.NodeCache
	// OnChange is called with the new header after every mutation that changed it.
	OnChange func(Header) error
}

// Tree is a handle on a fixed tree inside one transaction.
type Tree struct {
	src       pagemanager.PageSource
	header    Header
	valueSize int
	opts      Options
}

// Create allocates an empty tree holding values of valueSize bytes.
func Create(src pagemanager.PageSource, valueSize int, opts Options) (*Tree, error) {
	if valueSize < 0 || valueSize > MaxValueSize(src.PageSize()) {
		return nil, fmt.Errorf("%w: fixed value size %d outside [0, %d]", common.ErrValueSize, valueSize, MaxValueSize(src.PageSize()))
	}
	t := &Tree{src: src, valueSize: valueSize, opts: opts}
	root := &node{leaf: true}
	if err := t.store(root); err != nil {
		return nil, err
	}
	t.header = Header{Root: root.id, Depth: 1, ValueSize: uint16(valueSize), LeafPages: 1}
	return t, t.changed()
}

// Open returns a handle on an existing tree.
func Open(src pagemanager.PageSource, h Header, opts Options) *Tree {
	return &Tree{src: src, header: h, valueSize: int(h.ValueSize), opts: opts}
}

// Header returns the current header.
func (t *Tree) Header() Header { return t.header }

// ValueSize returns the size of every value in the tree.
func (t *Tree) ValueSize() int { return t.valueSize }

// Len returns the number of entries.
func (t *Tree) Len() uint64 { return t.header.Entries }

func (t *Tree) changed() error {
	if t.opts.OnChange == nil {
		return nil
	}
	return t.opts.OnChange(t.header)
}

func (t *Tree) checkWritable() error {
	if !t.src.Writable() {
		return common.ErrTxReadOnly
	}
	return nil
}

// load decodes page id. Committed pages seen by read-only sources go through
// the node cache.
func (t *Tree) load(id pagemanager.PageID) (*node, error) {
	if p, ok := t.src.Scratch(id); ok {
		return decodeNode(p, t.valueSize)
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
	n, err := decodeNode(p, t.valueSize)
	if err != nil {
		return nil, err
	}
	if useCache {
		t.opts.Cache.Put(id, p.TxnID(), n, n.cost())
	}
	return n, nil
}

// store writes n into its scratch page, or into a newly allocated page when n
// is new or still lives on a committed page. The committed page is freed.
func (t *Tree) store(n *node) error {
	typ := pagemanager.PageTypeFixedBranch
	if n.leaf {
		typ = pagemanager.PageTypeFixedLeaf
	}
	if n.id != pagemanager.InvalidPageID {
		if p, ok := t.src.Scratch(n.id); ok {
			n.encode(p, t.valueSize)
			return nil
		}
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
	n.encode(p, t.valueSize)
	return nil
}

func (t *Tree) free(id pagemanager.PageID, leaf bool) error {
	t.countPage(leaf, -1)
	return t.src.Free(id, 1)
}

func (t *Tree) countPage(leaf bool, delta int) {
	if leaf {
		t.header.LeafPages = uint64(int64(t.header.LeafPages) + int64(delta))
	} else {
		t.header.BranchPages = uint64(int64(t.header.BranchPages) + int64(delta))
	}
}

// Get returns a copy of the value stored under key.
func (t *Tree) Get(key int64) ([]byte, bool, error) {
	n, err := t.load(t.header.Root)
	if err != nil {
		return nil, false, err
	}
	for !n.leaf {
		if n, err = t.load(n.children[n.childIndex(key)]); err != nil {
			return nil, false, err
		}
	}
	i, found := n.search(key)
	if !found {
		return nil, false, nil
	}
	return append([]byte(nil), n.value(i, t.valueSize)...), true, nil
}

// Contains reports whether key is present.
func (t *Tree) Contains(key int64) (bool, error) {
	_, ok, err := t.Get(key)
	return ok, err
}

type ref struct {
	key int64
	id  pagemanager.PageID
}

// Insert stores value under key, replacing any existing value. value must be
// exactly ValueSize bytes. It reports whether the key was new.
func (t *Tree) Insert(key int64, value []byte) (bool, error) {
	if err := t.checkWritable(); err != nil {
		return false, err
	}
	if len(value) != t.valueSize {
		return false, fmt.Errorf("%w: value of %d bytes in a tree of %d-byte values", common.ErrValueSize, len(value), t.valueSize)
	}
	refs, added, err := t.insert(t.header.Root, key, value)
	if err != nil {
		return false, err
	}
	if err := t.growRoot(refs); err != nil {
		return false, err
	}
	if added {
		t.header.Entries++
	}
	return added, t.changed()
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

func (t *Tree) insert(id pagemanager.PageID, key int64, value []byte) ([]ref, bool, error) {
	n, err := t.load(id)
	if err != nil {
		return nil, false, err
	}
	var added bool
	if n.leaf {
		i, found := n.search(key)
		if found {
			copy(n.value(i, t.valueSize), value)
		} else {
			n.insertLeaf(i, key, value, t.valueSize)
			added = true
		}
	} else {
		ci := n.childIndex(key)
		childRefs, childAdded, err := t.insert(n.children[ci], key, value)
		if err != nil {
			return nil, false, err
		}
		added = childAdded
		n.replaceChild(ci, childRefs)
		if ci == 0 && key < n.keys[0] {
			n.keys[0] = key
		}
	}
	refs, err := t.storeSplit(n)
	return refs, added, err
}

// replaceChild swaps child i for refs; refs beyond the first become new siblings.
func (n *node) replaceChild(i int, refs []ref) {
	n.children[i] = refs[0].id
	for j, r := range refs[1:] {
		n.keys = slices.Insert(n.keys, i+1+j, r.key)
		n.children = slices.Insert(n.children, i+1+j, r.id)
	}
}

// storeSplit writes n, splitting it into as many pages as needed, and returns
// a ref per resulting page.
func (t *Tree) storeSplit(n *node) ([]ref, error) {
	limit := capacity(t.src.PageSize(), n.leaf, t.valueSize)
	parts := []*node{n}
	if len(n.keys) > limit {
		count := (len(n.keys) + limit - 1) / limit
		size := (len(n.keys) + count - 1) / count
		for last := n; len(last.keys) > size; last = parts[len(parts)-1] {
			parts = append(parts, last.splitAt(size, t.valueSize))
		}
	}
	refs := make([]ref, 0, len(parts))
	for _, p := range parts {
		if err := t.store(p); err != nil {
			return nil, err
		}
		var k int64
		if len(p.keys) > 0 {
			k = p.keys[0]
		}
		refs = append(refs, ref{key: k, id: p.id})
	}
	return refs, nil
}

// Delete removes key and reports whether it was present.
func (t *Tree) Delete(key int64) (bool, error) {
	if err := t.checkWritable(); err != nil {
		return false, err
	}
	removed, err := t.deleteRange(key, key+1, key == math.MaxInt64)
	if err != nil || removed == 0 {
		return false, err
	}
	return true, nil
}

// DeleteRange removes every key in [start, end) and returns how many entries
// were removed. Subtrees that lie entirely inside the range are released
// without decoding their leaves.
func (t *Tree) DeleteRange(start, end int64) (uint64, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	if end <= start {
		return 0, nil
	}
	return t.deleteRange(start, end, false)
}

func (t *Tree) deleteRange(start, end int64, toMax bool) (uint64, error) {
	r := rangeDelete{t: t, start: start, end: end, toMax: toMax}
	rootBounds := bounds{loInf: true, hiInf: true}
	newID, empty, err := r.run(t.header.Root, rootBounds)
	if err != nil || r.removed == 0 {
		return 0, err
	}
	t.header.Entries -= r.removed
	if empty {
		root := &node{leaf: true}
		if err := t.store(root); err != nil {
			return 0, err
		}
		t.header.Root, t.header.Depth = root.id, 1
	} else {
		t.header.Root = newID
		if err := t.collapseRoot(); err != nil {
			return 0, err
		}
	}
	return r.removed, t.changed()
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
		if err := t.free(n.id, false); err != nil {
			return err
		}
		t.header.Root = n.children[0]
		t.header.Depth--
	}
	return nil
}

// Drop releases every page of the tree. The handle must not be used afterwards.
func (t *Tree) Drop() error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	r := rangeDelete{t: t}
	if err := r.release(t.header.Root); err != nil {
		return err
	}
	t.header = Header{ValueSize: t.header.ValueSize}
	return nil
}

// Walk calls fn for every page of the tree, parents before children.
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
