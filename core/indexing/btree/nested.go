package btree

import (
	"fmt"

	"github.com/sushant-115/gojostore/core/indexing/fixedtree"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
)

// FixedTreeFor returns the fixed tree nested under key, creating it when the
// key is absent. Every change to the nested tree rewrites its header into the
// entry. Deleting key drops the nested tree and invalidates the handle.
func (t *Tree) FixedTreeFor(key []byte, valueSize int) (*fixedtree.Tree, error) {
	if err := t.checkWritable(); err != nil {
		return nil, err
	}
	if err := t.checkKey(key); err != nil {
		return nil, err
	}
	key = append([]byte(nil), key...)
	opts := fixedtree.Options{OnChange: func(h fixedtree.Header) error {
		return t.setNested(key, h)
	}}
	h, found, err := t.nestedHeader(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return fixedtree.Create(t.src, valueSize, opts)
	}
	if int(h.ValueSize) != valueSize {
		return nil, fmt.Errorf("%w: nested tree under %q holds %d-byte values, not %d", common.ErrValueSize, key, h.ValueSize, valueSize)
	}
	return fixedtree.Open(t.src, h, opts), nil
}

// NestedTree opens the fixed tree nested under key without creating it.
func (t *Tree) NestedTree(key []byte) (*fixedtree.Tree, bool, error) {
	h, found, err := t.nestedHeader(key)
	if err != nil || !found {
		return nil, false, err
	}
	opts := fixedtree.Options{Cache: t.opts.Cache}
	if t.src.Writable() {
		key = append([]byte(nil), key...)
		opts.OnChange = func(h fixedtree.Header) error { return t.setNested(key, h) }
	}
	return fixedtree.Open(t.src, h, opts), true, nil
}

func (t *Tree) nestedHeader(key []byte) (fixedtree.Header, bool, error) {
	n, i, found, err := t.find(key)
	if err != nil || !found {
		return fixedtree.Header{}, false, err
	}
	e := &n.entries[i]
	if e.kind != entryNested {
		return fixedtree.Header{}, false, fmt.Errorf("%w: key %q holds a plain value", common.ErrWrongTreeKind, key)
	}
	h, err := fixedtree.DecodeHeader(e.value)
	return h, err == nil, err
}

func (t *Tree) setNested(key []byte, h fixedtree.Header) error {
	buf, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	return t.put(key, func(old *entry) (entry, error) {
		e := entry{key: key, kind: entryNested, value: buf, version: 1}
		if old != nil {
			if old.kind != entryNested {
				return entry{}, fmt.Errorf("%w: key %q holds a plain value", common.ErrWrongTreeKind, key)
			}
			e.version = old.version
		}
		return e, nil
	})
}
