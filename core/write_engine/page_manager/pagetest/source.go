// Package pagetest provides an in-memory PageSource for exercising tree code
// without a data file or journal.
package pagetest

import (
	"fmt"
	"maps"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// Source keeps committed pages in a map and stages writes in a scratch map,
// mimicking the copy-on-write contract of a write transaction.
type Source struct {
	pageSize  int
	txn       uint64
	writable  bool
	committed map[pagemanager.PageID]pagemanager.Page
	scratch   map[pagemanager.PageID]pagemanager.Page
	freed     map[pagemanager.PageID]int
	next      pagemanager.PageID
	// Reads counts Page and Run calls that reached committed pages.
	Reads int
}

// New returns a writable source with no pages.
func New(pageSize int) *Source {
	return &Source{
		pageSize:  pageSize,
		txn:       1,
		writable:  true,
		committed: make(map[pagemanager.PageID]pagemanager.Page),
		scratch:   make(map[pagemanager.PageID]pagemanager.Page),
		freed:     make(map[pagemanager.PageID]int),
		next:      pagemanager.FirstDataPage,
	}
}

func (s *Source) TxnID() uint64  { return s.txn }
func (s *Source) Writable() bool { return s.writable }
func (s *Source) PageSize() int  { return s.pageSize }

func (s *Source) Page(id pagemanager.PageID) (pagemanager.Page, error) {
	if p, ok := s.scratch[id]; ok {
		return p, nil
	}
	p, ok := s.committed[id]
	if !ok {
		return pagemanager.Page{}, common.Corruptf("page %d is not allocated", id)
	}
	s.Reads++
	return p, nil
}

func (s *Source) Run(id pagemanager.PageID, n int) (pagemanager.Page, error) {
	p, err := s.Page(id)
	if err != nil {
		return p, err
	}
	if p.Pages(s.pageSize) != n {
		return pagemanager.Page{}, common.Corruptf("page %d: run of %d pages requested, %d stored", id, n, p.Pages(s.pageSize))
	}
	return p, nil
}

func (s *Source) Allocate(n int, typ pagemanager.PageType) (pagemanager.Page, error) {
	if !s.writable {
		return pagemanager.Page{}, common.ErrTxReadOnly
	}
	id := s.next
	s.next += pagemanager.PageID(n)
	p := pagemanager.NewPage(id, s.pageSize, n, typ)
	s.scratch[id] = p
	return p, nil
}

func (s *Source) Scratch(id pagemanager.PageID) (pagemanager.Page, bool) {
	p, ok := s.scratch[id]
	return p, ok
}

func (s *Source) Free(id pagemanager.PageID, n int) error {
	if !s.writable {
		return common.ErrTxReadOnly
	}
	if p, ok := s.scratch[id]; ok {
		if p.Pages(s.pageSize) != n {
			return fmt.Errorf("free of scratch page %d: run length %d, stored %d", id, n, p.Pages(s.pageSize))
		}
		delete(s.scratch, id)
		return nil
	}
	if _, ok := s.committed[id]; !ok {
		return fmt.Errorf("free of unknown page %d", id)
	}
	if _, dup := s.freed[id]; dup {
		return fmt.Errorf("double free of page %d", id)
	}
	s.freed[id] = n
	return nil
}

// Commit seals the scratch pages, drops freed pages and starts the next transaction.
func (s *Source) Commit() {
	for id := range s.freed {
		delete(s.committed, id)
	}
	for id, p := range s.scratch {
		p.Seal(s.txn)
		s.committed[id] = p
	}
	s.scratch = make(map[pagemanager.PageID]pagemanager.Page)
	s.freed = make(map[pagemanager.PageID]int)
	s.txn++
}

// Rollback discards the scratch pages and pending frees.
func (s *Source) Rollback() {
	s.scratch = make(map[pagemanager.PageID]pagemanager.Page)
	s.freed = make(map[pagemanager.PageID]int)
}

// Snapshot returns a read-only view of the committed pages.
func (s *Source) Snapshot() *Source {
	return &Source{
		pageSize:  s.pageSize,
		txn:       s.txn - 1,
		committed: maps.Clone(s.committed),
		scratch:   map[pagemanager.PageID]pagemanager.Page{},
		freed:     map[pagemanager.PageID]int{},
	}
}

// LivePages counts the pages a commit would leave allocated.
func (s *Source) LivePages() int {
	n := 0
	for id, p := range s.committed {
		if _, gone := s.freed[id]; !gone {
			n += p.Pages(s.pageSize)
		}
	}
	for _, p := range s.scratch {
		n += p.Pages(s.pageSize)
	}
	return n
}
