package pagemanager

// PageSource is the page-level view a transaction gives to the tree
// implementations. Pages returned by Page and Run must be treated as read-only;
// only pages returned by Allocate or Scratch may be modified, and only until the
// transaction ends.
type PageSource interface {
	// TxnID is the id of the writing transaction, or the snapshot id for readers.
	TxnID() uint64
	Writable() bool
	PageSize() int

	Page(id PageID) (Page, error)
	Run(id PageID, n int) (Page, error)

	// Allocate returns a zeroed scratch run of n pages with the header stamped.
	Allocate(n int, typ PageType) (Page, error)
	// Scratch returns the private copy of id if it was allocated by this transaction.
	Scratch(id PageID) (Page, bool)
	// Free releases a run of n pages starting at id. Pages allocated by this
	// transaction are reusable at once; committed pages are reclaimed once no
	// snapshot can reach them.
	Free(id PageID, n int) error
}

// Writable returns a mutable page for id: the scratch copy if the transaction
// already owns it, otherwise a fresh page carrying a copy of the content. The
// committed original is freed. The caller must rewrite any reference to id.
func Writable(src PageSource, id PageID) (Page, error) {
	if p, ok := src.Scratch(id); ok {
		return p, nil
	}
	orig, err := src.Page(id)
	if err != nil {
		return Page{}, err
	}
	n := orig.RunLength()
	if n > 1 {
		if orig, err = src.Run(id, n); err != nil {
			return Page{}, err
		}
	}
	p, err := src.Allocate(n, orig.Type())
	if err != nil {
		return Page{}, err
	}
	copy(p.Data[PageHeaderSize:], orig.Data[PageHeaderSize:])
	p.SetFlags(orig.Flags())
	p.SetCount(orig.Count())
	p.SetExtra(orig.Extra())
	if err := src.Free(id, n); err != nil {
		return Page{}, err
	}
	return p, nil
}
