package fixedtree

import "slices"

type frame struct {
	n   *node
	idx int
}

// Iterator walks entries in ascending key order. It is lazy: pages are loaded
// as the walk reaches them.
type Iterator struct {
	t       *Tree
	start   int64
	end     int64
	bounded bool
	stack   []frame
	started bool
	done    bool
	key     int64
	val     []byte
	err     error
}

// Range iterates keys in [start, end).
func (t *Tree) Range(start, end int64) *Iterator {
	return &Iterator{t: t, start: start, end: end, bounded: true}
}

// RangeFrom iterates every key >= start.
func (t *Tree) RangeFrom(start int64) *Iterator {
	return &Iterator{t: t, start: start}
}

// Next advances to the next entry.
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	if !it.started {
		it.started = true
		if err := it.seek(); err != nil {
			return it.fail(err)
		}
	} else {
		it.stack[len(it.stack)-1].idx++
	}
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		if top.idx >= len(top.n.keys) {
			it.stack = it.stack[:len(it.stack)-1]
			if len(it.stack) > 0 {
				it.stack[len(it.stack)-1].idx++
			}
			continue
		}
		if !top.n.leaf {
			child, err := it.t.load(top.n.children[top.idx])
			if err != nil {
				return it.fail(err)
			}
			it.stack = append(it.stack, frame{n: child})
			continue
		}
		k := top.n.keys[top.idx]
		if it.bounded && k >= it.end {
			break
		}
		it.key = k
		it.val = top.n.value(top.idx, it.t.valueSize)
		return true
	}
	it.done = true
	it.stack = nil
	return false
}

func (it *Iterator) seek() error {
	id := it.t.header.Root
	for {
		n, err := it.t.load(id)
		if err != nil {
			return err
		}
		if n.leaf {
			i, _ := slices.BinarySearch(n.keys, it.start)
			it.stack = append(it.stack, frame{n: n, idx: i})
			return nil
		}
		ci := n.childIndex(it.start)
		it.stack = append(it.stack, frame{n: n, idx: ci})
		id = n.children[ci]
	}
}

func (it *Iterator) fail(err error) bool {
	it.err = err
	it.done = true
	it.stack = nil
	return false
}

// Key returns the current key.
func (it *Iterator) Key() int64 { return it.key }

// Value returns a copy of the current value.
func (it *Iterator) Value() []byte { return append([]byte(nil), it.val...) }

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error { return it.err }
