package pagemanager

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
)

// --- Page Management ---

const (
	InvalidPageID PageID = 0 // Page 0 holds a meta page, so it is never a tree or free-list page

	MetaPageA PageID = 0
	MetaPageB PageID = 1
	// FirstDataPage is the first page number handed out by the allocator.
	FirstDataPage PageID = 2

	PageHeaderSize = 32

	MinPageSize     = 1024
	MaxPageSize     = 64 * 1024
	DefaultPageSize = 8192
)

// Header offsets.
const (
	offPageID   = 0
	offChecksum = 8
	offTxnID    = 16
	offType     = 24
	offFlags    = 25
	offCount    = 26
	offExtra    = 28
)

// PageID represents a unique identifier for a page on disk.
type PageID uint64

// PageType is the tag stored in every page header. Page interpretation dispatches on it.
type PageType uint8

const (
	PageTypeFree PageType = iota
	PageTypeMeta
	PageTypeBranch
	PageTypeLeaf
	PageTypeOverflow
	PageTypeFreeList
	PageTypeFixedBranch
	PageTypeFixedLeaf
)

func (t PageType) String() string {
	switch t {
	case PageTypeFree:
		return "free"
	case PageTypeMeta:
		return "meta"
	case PageTypeBranch:
		return "branch"
	case PageTypeLeaf:
		return "leaf"
	case PageTypeOverflow:
		return "overflow"
	case PageTypeFreeList:
		return "freelist"
	case PageTypeFixedBranch:
		return "fixed-branch"
	case PageTypeFixedLeaf:
		return "fixed-leaf"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Page is a view over one page, or over a contiguous run of pages for overflow
// and free-list content. Data may alias the memory map; only scratch pages owned
// by a write transaction may be modified.
type Page struct {
	ID   PageID
	Data []byte
}

// NewPage allocates a zeroed run of n pages of the given size and stamps its header.
func NewPage(id PageID, pageSize, n int, typ PageType) Page {
	p := Page{ID: id, Data: make([]byte, pageSize*n)}
	p.SetPageID(id)
	p.SetType(typ)
	if n > 1 {
		p.SetExtra(uint32(n))
	}
	return p
}

func (p Page) PageID() PageID { return PageID(binary.LittleEndian.Uint64(p.Data[offPageID:])) }

func (p Page) SetPageID(id PageID) { binary.LittleEndian.PutUint64(p.Data[offPageID:], uint64(id)) }

func (p Page) Checksum() uint64 { return binary.LittleEndian.Uint64(p.Data[offChecksum:]) }

func (p Page) TxnID() uint64 { return binary.LittleEndian.Uint64(p.Data[offTxnID:]) }

func (p Page) SetTxnID(txn uint64) { binary.LittleEndian.PutUint64(p.Data[offTxnID:], txn) }

func (p Page) Type() PageType { return PageType(p.Data[offType]) }

func (p Page) SetType(t PageType) { p.Data[offType] = byte(t) }

func (p Page) Flags() uint8 { return p.Data[offFlags] }

func (p Page) SetFlags(f uint8) { p.Data[offFlags] = f }

func (p Page) Count() int { return int(binary.LittleEndian.Uint16(p.Data[offCount:])) }

func (p Page) SetCount(n int) { binary.LittleEndian.PutUint16(p.Data[offCount:], uint16(n)) }

func (p Page) Extra() uint32 { return binary.LittleEndian.Uint32(p.Data[offExtra:]) }

func (p Page) SetExtra(v uint32) { binary.LittleEndian.PutUint32(p.Data[offExtra:], v) }

// Body returns the bytes after the page header.
func (p Page) Body() []byte { return p.Data[PageHeaderSize:] }

// Pages returns how many pages of pageSize the buffer spans.
func (p Page) Pages(pageSize int) int { return len(p.Data) / pageSize }

// RunLength returns the number of pages that belong to the run headed by p.
func (p Page) RunLength() int {
	switch p.Type() {
	case PageTypeOverflow, PageTypeFreeList:
		if n := int(p.Extra()); n > 0 {
			return n
		}
	}
	return 1
}

// Reset zeroes the page body and header fields other than the id.
func (p Page) Reset(typ PageType) {
	id := p.ID
	clear(p.Data)
	p.SetPageID(id)
	p.SetType(typ)
}

// ComputeChecksum hashes everything after the checksum field.
func (p Page) ComputeChecksum() uint64 {
	return xxhash.Sum64(p.Data[offTxnID:])
}

// Seal stamps the writing transaction and refreshes the checksum. It is called
// once per scratch page at commit, right before the page is journaled.
func (p Page) Seal(txn uint64) {
	p.SetPageID(p.ID)
	p.SetTxnID(txn)
	binary.LittleEndian.PutUint64(p.Data[offChecksum:], p.ComputeChecksum())
}

// Verify checks that the header matches id and the checksum matches the content.
func (p Page) Verify() error {
	if len(p.Data) < PageHeaderSize {
		return common.Corruptf("page %d: short page of %d bytes", p.ID, len(p.Data))
	}
	if got := p.PageID(); got != p.ID {
		return fmt.Errorf("%w: page %d carries id %d", common.ErrChecksumMismatch, p.ID, got)
	}
	if want, got := p.Checksum(), p.ComputeChecksum(); want != got {
		return fmt.Errorf("%w: page %d (stored %#x, computed %#x)", common.ErrChecksumMismatch, p.ID, want, got)
	}
	return nil
}

// ExpectType returns ErrInvalidPageType unless the header carries one of types.
func (p Page) ExpectType(types ...PageType) error {
	got := p.Type()
	for _, t := range types {
		if got == t {
			return nil
		}
	}
	return fmt.Errorf("%w: page %d is %s, expected %v", common.ErrInvalidPageType, p.ID, got, types)
}

// PagesFor returns how many pages a run needs to hold size bytes of body.
func PagesFor(pageSize, size int) int {
	total := PageHeaderSize + size
	return (total + pageSize - 1) / pageSize
}

// ValidPageSize reports whether size is a supported power of two.
func ValidPageSize(size int) bool {
	return size >= MinPageSize && size <= MaxPageSize && size&(size-1) == 0
}
