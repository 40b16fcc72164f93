package fixedtree

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// --- Page layout ---
//
// Leaf:   header.count = n, header.extra = value size, body = n slots of key i64 | value.
// Branch: header.count = n, body = n slots of key i64 | child u64. Slot 0's key
// is the lower bound the parent knew when the branch was written; searches
// treat it as minus infinity.

const branchSlotSize = 16

// node is the decoded form of one fixed-tree page. Decoded nodes own their
// memory; nodes taken from the cache are shared and never modified.
type node struct {
	id       pagemanager.PageID
	leaf     bool
	keys     []int64
	vals     []byte // leaf only, len(keys)*valueSize
	children []pagemanager.PageID
}

func slotSize(leaf bool, valueSize int) int {
	if leaf {
		return 8 + valueSize
	}
	return branchSlotSize
}

func capacity(pageSize int, leaf bool, valueSize int) int {
	return (pageSize - pagemanager.PageHeaderSize) / slotSize(leaf, valueSize)
}

func decodeNode(p pagemanager.Page, valueSize int) (*node, error) {
	if err := p.ExpectType(pagemanager.PageTypeFixedLeaf, pagemanager.PageTypeFixedBranch); err != nil {
		return nil, err
	}
	n := &node{id: p.ID, leaf: p.Type() == pagemanager.PageTypeFixedLeaf}
	count := p.Count()
	slot := slotSize(n.leaf, valueSize)
	body := p.Body()
	if count*slot > len(body) {
		return nil, common.Corruptf("fixed page %d: %d slots of %d bytes overflow the page", p.ID, count, slot)
	}
	if n.leaf && int(p.Extra()) != valueSize {
		return nil, common.Corruptf("fixed page %d: value size %d, tree uses %d", p.ID, p.Extra(), valueSize)
	}
	n.keys = make([]int64, count)
	if n.leaf {
		n.vals = make([]byte, count*valueSize)
	} else {
		n.children = make([]pagemanager.PageID, count)
	}
	for i := 0; i < count; i++ {
		off := i * slot
		n.keys[i] = int64(binary.LittleEndian.Uint64(body[off:]))
		if n.leaf {
			copy(n.vals[i*valueSize:(i+1)*valueSize], body[off+8:off+8+valueSize])
		} else {
			n.children[i] = pagemanager.PageID(binary.LittleEndian.Uint64(body[off+8:]))
		}
	}
	if !n.leaf && count == 0 {
		return nil, common.Corruptf("fixed branch page %d has no children", p.ID)
	}
	return n, nil
}

func (n *node) encode(p pagemanager.Page, valueSize int) {
	typ := pagemanager.PageTypeFixedBranch
	if n.leaf {
		typ = pagemanager.PageTypeFixedLeaf
	}
	p.Reset(typ)
	p.SetCount(len(n.keys))
	slot := slotSize(n.leaf, valueSize)
	body := p.Body()
	for i, k := range n.keys {
		off := i * slot
		binary.LittleEndian.PutUint64(body[off:], uint64(k))
		if n.leaf {
			copy(body[off+8:off+8+valueSize], n.value(i, valueSize))
		} else {
			binary.LittleEndian.PutUint64(body[off+8:], uint64(n.children[i]))
		}
	}
	if n.leaf {
		p.SetExtra(uint32(valueSize))
	}
}

func (n *node) cost() int64 {
	return int64(64 + 8*len(n.keys) + len(n.vals) + 8*len(n.children))
}

func (n *node) value(i, valueSize int) []byte {
	return n.vals[i*valueSize : (i+1)*valueSize]
}

// search returns the index of key in a leaf and whether it is present.
func (n *node) search(key int64) (int, bool) {
	return slices.BinarySearch(n.keys, key)
}

// childIndex returns the child of a branch whose range holds key.
func (n *node) childIndex(key int64) int {
	i, found := slices.BinarySearch(n.keys, key)
	if found {
		return i
	}
	if i == 0 {
		return 0
	}
	return i - 1
}

func (n *node) insertLeaf(i int, key int64, val []byte, valueSize int) {
	n.keys = slices.Insert(n.keys, i, key)
	n.vals = slices.Insert(n.vals, i*valueSize, val[:valueSize]...)
}

func (n *node) removeLeaf(i, j, valueSize int) {
	n.keys = slices.Delete(n.keys, i, j)
	n.vals = slices.Delete(n.vals, i*valueSize, j*valueSize)
}

// splitAt moves entries [at:] into a new node without an id.
func (n *node) splitAt(at, valueSize int) *node {
	right := &node{leaf: n.leaf, keys: slices.Clone(n.keys[at:])}
	n.keys = n.keys[:at:at]
	if n.leaf {
		right.vals = slices.Clone(n.vals[at*valueSize:])
		n.vals = n.vals[: at*valueSize : at*valueSize]
	} else {
		right.children = slices.Clone(n.children[at:])
		n.children = n.children[:at:at]
	}
	return right
}

func (n *node) String() string {
	kind := "branch"
	if n.leaf {
		kind = "leaf"
	}
	return fmt.Sprintf("fixed %s %d (%d keys)", kind, n.id, len(n.keys))
}
