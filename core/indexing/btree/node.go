package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// --- Node Serialization/Deserialization ---
//
// Leaf body: count entries packed back to back, each
//   flags u8 | pad u8 | keyLen u16 | version u32 | valLen u32 | key | payload
// where payload is the inline value, the first page of an overflow run (u64,
// valLen is then the value length) or an encoded nested fixed tree header.
//
// Branch body: child0 u64, then (keyLen u16 | key | child u64) for every other
// child. count holds the number of children. The first child has no separator.

const (
	entryHeaderSize = 12

	entryInline   uint8 = 0
	entryOverflow uint8 = 1
	entryNested   uint8 = 2
)

type entry struct {
	key     []byte
	kind    uint8
	version uint32
	// value is the inline value or the encoded nested header.
	value    []byte
	overflow pagemanager.PageID
	size     uint32 // overflow value length
}

func (e *entry) encodedSize() int {
	return entryHeaderSize + len(e.key) + e.payloadSize()
}

func (e *entry) payloadSize() int {
	if e.kind == entryOverflow {
		return 8
	}
	return len(e.value)
}

// node is the decoded form of a B+tree page. Decoded nodes own their memory;
// nodes shared through the cache are never modified.
type node struct {
	id      pagemanager.PageID
	leaf    bool
	entries []entry
	// keys[i] is the lower bound of children[i]; keys[0] is not persisted.
	keys     [][]byte
	children []pagemanager.PageID
}

func (n *node) size() int {
	if n.leaf {
		s := 0
		for i := range n.entries {
			s += n.entries[i].encodedSize()
		}
		return s
	}
	s := 8
	for _, k := range n.keys[1:] {
		s += 2 + len(k) + 8
	}
	return s
}

func (n *node) count() int {
	if n.leaf {
		return len(n.entries)
	}
	return len(n.children)
}

// firstKey is the separator a parent uses for n.
func (n *node) firstKey() []byte {
	if n.leaf {
		if len(n.entries) == 0 {
			return nil
		}
		return n.entries[0].key
	}
	return n.keys[0]
}

func (n *node) cost() int64 {
	return int64(96 + n.size() + 48*n.count())
}

func decodeNode(p pagemanager.Page) (*node, error) {
	if err := p.ExpectType(pagemanager.PageTypeLeaf, pagemanager.PageTypeBranch); err != nil {
		return nil, err
	}
	n := &node{id: p.ID, leaf: p.Type() == pagemanager.PageTypeLeaf}
	count := p.Count()
	// One copy of the body backs every key and value of the node.
	body := append([]byte(nil), p.Body()...)
	off := 0
	need := func(k int) error {
		if off+k > len(body) {
			return common.Corruptf("btree page %d: entry at %d overruns the page", p.ID, off)
		}
		return nil
	}
	if n.leaf {
		n.entries = make([]entry, count)
		for i := range n.entries {
			if err := need(entryHeaderSize); err != nil {
				return nil, err
			}
			e := &n.entries[i]
			e.kind = body[off]
			keyLen := int(binary.LittleEndian.Uint16(body[off+2:]))
			e.version = binary.LittleEndian.Uint32(body[off+4:])
			valLen := binary.LittleEndian.Uint32(body[off+8:])
			off += entryHeaderSize
			payload := int(valLen)
			if e.kind == entryOverflow {
				payload = 8
			}
			if err := need(keyLen + payload); err != nil {
				return nil, err
			}
			e.key = body[off : off+keyLen : off+keyLen]
			off += keyLen
			switch e.kind {
			case entryInline, entryNested:
				e.value = body[off : off+payload : off+payload]
			case entryOverflow:
				e.overflow = pagemanager.PageID(binary.LittleEndian.Uint64(body[off:]))
				e.size = valLen
			default:
				return nil, common.Corruptf("btree page %d: unknown entry kind %d", p.ID, e.kind)
			}
			off += payload
		}
		return n, nil
	}

	if count == 0 {
		return nil, common.Corruptf("btree branch page %d has no children", p.ID)
	}
	n.keys = make([][]byte, count)
	n.children = make([]pagemanager.PageID, count)
	if err := need(8); err != nil {
		return nil, err
	}
	n.children[0] = pagemanager.PageID(binary.LittleEndian.Uint64(body))
	off = 8
	for i := 1; i < count; i++ {
		if err := need(2); err != nil {
			return nil, err
		}
		keyLen := int(binary.LittleEndian.Uint16(body[off:]))
		off += 2
		if err := need(keyLen + 8); err != nil {
			return nil, err
		}
		n.keys[i] = body[off : off+keyLen : off+keyLen]
		off += keyLen
		n.children[i] = pagemanager.PageID(binary.LittleEndian.Uint64(body[off:]))
		off += 8
	}
	return n, nil
}

func (n *node) encode(p pagemanager.Page) error {
	if sz := n.size(); sz > len(p.Body()) {
		return fmt.Errorf("btree: node of %d bytes does not fit page %d", sz, p.ID)
	}
	typ := pagemanager.PageTypeBranch
	if n.leaf {
		typ = pagemanager.PageTypeLeaf
	}
	p.Reset(typ)
	p.SetCount(n.count())
	body := p.Body()
	off := 0
	if n.leaf {
		for i := range n.entries {
			e := &n.entries[i]
			body[off] = e.kind
			binary.LittleEndian.PutUint16(body[off+2:], uint16(len(e.key)))
			binary.LittleEndian.PutUint32(body[off+4:], e.version)
			if e.kind == entryOverflow {
				binary.LittleEndian.PutUint32(body[off+8:], e.size)
			} else {
				binary.LittleEndian.PutUint32(body[off+8:], uint32(len(e.value)))
			}
			off += entryHeaderSize
			off += copy(body[off:], e.key)
			if e.kind == entryOverflow {
				binary.LittleEndian.PutUint64(body[off:], uint64(e.overflow))
				off += 8
			} else {
				off += copy(body[off:], e.value)
			}
		}
		return nil
	}
	binary.LittleEndian.PutUint64(body, uint64(n.children[0]))
	off = 8
	for i := 1; i < len(n.children); i++ {
		binary.LittleEndian.PutUint16(body[off:], uint16(len(n.keys[i])))
		off += 2
		off += copy(body[off:], n.keys[i])
		binary.LittleEndian.PutUint64(body[off:], uint64(n.children[i]))
		off += 8
	}
	return nil
}

// splitAt moves items [at:] into a new node without an id.
func (n *node) splitAt(at int) *node {
	right := &node{leaf: n.leaf}
	if n.leaf {
		right.entries = append([]entry(nil), n.entries[at:]...)
		n.entries = n.entries[:at:at]
	} else {
		right.keys = append([][]byte(nil), n.keys[at:]...)
		right.children = append([]pagemanager.PageID(nil), n.children[at:]...)
		n.keys = n.keys[:at:at]
		n.children = n.children[:at:at]
	}
	return right
}

// itemSize is the encoded size of item i, as counted by size.
func (n *node) itemSize(i int) int {
	if n.leaf {
		return n.entries[i].encodedSize()
	}
	if i == 0 {
		return 8
	}
	return 2 + len(n.keys[i]) + 8
}
