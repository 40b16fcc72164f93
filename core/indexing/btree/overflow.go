package btree

import (
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// --- Overflow runs ---
//
// A value too large for a leaf is written to a contiguous run of pages. The
// head page carries the run length in its extra field; the body of the run
// holds the value bytes. Runs are immutable: an update writes a new run.

func (t *Tree) overflowPages(size uint32) int {
	return pagemanager.PagesFor(t.src.PageSize(), int(size))
}

func (t *Tree) writeOverflow(value []byte) (pagemanager.PageID, error) {
	n := t.overflowPages(uint32(len(value)))
	p, err := t.src.Allocate(n, pagemanager.PageTypeOverflow)
	if err != nil {
		return 0, err
	}
	p.SetExtra(uint32(n))
	copy(p.Body(), value)
	t.header.OverflowPages += uint64(n)
	return p.ID, nil
}

func (t *Tree) readOverflow(first pagemanager.PageID, size uint32) ([]byte, error) {
	n := t.overflowPages(size)
	p, ok := t.src.Scratch(first)
	if !ok {
		var err error
		if p, err = t.src.Run(first, n); err != nil {
			return nil, err
		}
	}
	if err := p.ExpectType(pagemanager.PageTypeOverflow); err != nil {
		return nil, err
	}
	if p.RunLength() != n || len(p.Body()) < int(size) {
		return nil, common.Corruptf("overflow run %d: %d pages, value needs %d", first, p.RunLength(), n)
	}
	return append([]byte(nil), p.Body()[:size]...), nil
}

func (t *Tree) freeOverflow(first pagemanager.PageID, size uint32) error {
	n := t.overflowPages(size)
	t.header.OverflowPages -= uint64(n)
	return t.src.Free(first, n)
}
