package btree

type frame struct {
	n   *node
	idx int
}

// Iterator walks a key range in comparator order. Pages are loaded lazily as
// the walk reaches them; values are copied out of the page on each step.
type Iterator struct {
	t       *Tree
	start   []byte
	end     []byte
	after   bool // skip start itself
	stack   []frame
	started bool
	done    bool
	cur     *entry
	val     []byte
	last    []byte
	err     error
}

// Range iterates keys in [start, end). A nil start begins at the first key, a
// nil end runs to the last.
func (t *Tree) Range(start, end []byte) *Iterator {
	return &Iterator{t: t, start: start, end: end}
}

// Resume continues a walk after cursor, the value returned by Iterator.Cursor.
func (t *Tree) Resume(cursor, end []byte) *Iterator {
	return &Iterator{t: t, start: cursor, end: end, after: cursor != nil}
}

// Next advances to the next entry.
func (it *Iterator) Next() bool {
	if it.done {
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
		if top.idx >= top.n.count() {
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
		e := &top.n.entries[top.idx]
		if it.after && it.t.cmp(e.key, it.start) <= 0 {
			top.idx++
			continue
		}
		if it.end != nil && it.t.cmp(e.key, it.end) >= 0 {
			break
		}
		it.cur = e
		it.val = nil
		if e.kind != entryNested {
			v, err := it.t.value(e)
			if err != nil {
				return it.fail(err)
			}
			it.val = v
		}
		it.last = e.key
		return true
	}
	it.done = true
	it.stack = nil
	it.cur = nil
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
			idx := 0
			if it.start != nil {
				idx, _ = it.t.search(n, it.start)
			}
			it.stack = append(it.stack, frame{n: n, idx: idx})
			return nil
		}
		ci := 0
		if it.start != nil {
			ci = it.t.childIndex(n, it.start)
		}
		it.stack = append(it.stack, frame{n: n, idx: ci})
		id = n.children[ci]
	}
}

func (it *Iterator) fail(err error) bool {
	it.err = err
	it.done = true
	it.stack = nil
	it.cur = nil
	return false
}

// Key returns a copy of the current key.
func (it *Iterator) Key() []byte {
	if it.cur == nil {
		return nil
	}
	return append([]byte(nil), it.cur.key...)
}

// Value returns the current value. It is nil for entries holding a nested tree.
func (it *Iterator) Value() []byte { return it.val }

// Nested reports whether the current entry holds a nested fixed tree.
func (it *Iterator) Nested() bool { return it.cur != nil && it.cur.kind == entryNested }

// Version returns the version of the current entry.
func (it *Iterator) Version() uint32 {
	if it.cur == nil {
		return 0
	}
	return it.cur.version
}

// Cursor returns an opaque position after the last returned entry, suitable
// for Tree.Resume. It is nil before the first entry.
func (it *Iterator) Cursor() []byte {
	if it.last == nil {
		return nil
	}
	return append([]byte(nil), it.last...)
}

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error { return it.err }
