package fixedtree

import (
	"math"
	"slices"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// bounds is the key interval [lo, hi) a subtree may hold.
type bounds struct {
	lo, hi       int64
	loInf, hiInf bool
}

// child returns the bounds of child i of branch n whose own bounds are b.
func (b bounds) child(n *node, i int) bounds {
	cb := b
	if i > 0 {
		cb.lo, cb.loInf = n.keys[i], false
	}
	if i < len(n.children)-1 {
		cb.hi, cb.hiInf = n.keys[i+1], false
	}
	return cb
}

// rangeDelete removes [start, end) from a tree, or [start, +inf) when toMax.
type rangeDelete struct {
	t          *Tree
	start, end int64
	toMax      bool
	removed    uint64
}

func (r *rangeDelete) covers(b bounds) bool {
	if b.loInf {
		if r.start != math.MinInt64 {
			return false
		}
	} else if b.lo < r.start {
		return false
	}
	if r.toMax {
		return true
	}
	return !b.hiInf && b.hi <= r.end
}

func (r *rangeDelete) overlaps(b bounds) bool {
	if !b.hiInf && b.hi <= r.start {
		return false
	}
	if !r.toMax && !b.loInf && b.lo >= r.end {
		return false
	}
	return true
}

// run deletes the range from the subtree at id. It returns the id the parent
// must reference and whether the subtree became empty (and was freed).
func (r *rangeDelete) run(id pagemanager.PageID, b bounds) (pagemanager.PageID, bool, error) {
	if r.covers(b) {
		return pagemanager.InvalidPageID, true, r.release(id)
	}
	n, err := r.t.load(id)
	if err != nil {
		return 0, false, err
	}
	if n.leaf {
		i, _ := slices.BinarySearch(n.keys, r.start)
		j := len(n.keys)
		if !r.toMax {
			j, _ = slices.BinarySearch(n.keys, r.end)
		}
		if i >= j {
			return id, false, nil
		}
		n.removeLeaf(i, j, r.t.valueSize)
		r.removed += uint64(j - i)
		if len(n.keys) == 0 {
			return pagemanager.InvalidPageID, true, r.t.free(n.id, true)
		}
		return n.id, false, r.t.store(n)
	}

	keys := make([]int64, 0, len(n.keys))
	children := make([]pagemanager.PageID, 0, len(n.children))
	changed := false
	for i, c := range n.children {
		cb := b.child(n, i)
		if !r.overlaps(cb) {
			keys, children = append(keys, n.keys[i]), append(children, c)
			continue
		}
		newID, empty, err := r.run(c, cb)
		if err != nil {
			return 0, false, err
		}
		if empty {
			changed = true
			continue
		}
		if newID != c {
			changed = true
		}
		keys, children = append(keys, n.keys[i]), append(children, newID)
	}
	if !changed {
		return id, false, nil
	}
	if len(children) == 0 {
		return pagemanager.InvalidPageID, true, r.t.free(n.id, false)
	}
	n.keys, n.children = keys, children
	return n.id, false, r.t.store(n)
}

// release frees the subtree at id. Leaves are counted from their page header
// and never decoded.
func (r *rangeDelete) release(id pagemanager.PageID) error {
	p, ok := r.t.src.Scratch(id)
	if !ok {
		var err error
		if p, err = r.t.src.Page(id); err != nil {
			return err
		}
	}
	if err := p.ExpectType(pagemanager.PageTypeFixedLeaf, pagemanager.PageTypeFixedBranch); err != nil {
		return err
	}
	if p.Type() == pagemanager.PageTypeFixedLeaf {
		r.removed += uint64(p.Count())
		return r.t.free(id, true)
	}
	n, err := decodeNode(p, r.t.valueSize)
	if err != nil {
		return err
	}
	for _, c := range n.children {
		if err := r.release(c); err != nil {
			return err
		}
	}
	return r.t.free(id, false)
}
