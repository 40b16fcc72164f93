package storageengine

import (
	"bytes"
	"fmt"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/indexing/fixedtree"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// BytesComparator names the default lexicographic key order.
const BytesComparator = "bytes"

const maxComparatorName = 64

// The registry header has to fit the slot reserved in the meta page.
var _ [pagemanager.RegistrySize - btree.HeaderSize]struct{}

// TreeKind tells the two tree implementations apart in the registry.
type TreeKind uint8

const (
	KindBTree TreeKind = iota + 1
	KindFixed
)

func (k TreeKind) String() string {
	switch k {
	case KindBTree:
		return "btree"
	case KindFixed:
		return "fixed"
	default:
		return fmt.Sprintf("TreeKind(%d)", uint8(k))
	}
}

// TreeInfo describes a named tree.
type TreeInfo struct {
	Name       string
	Kind       TreeKind
	Comparator string // B+trees only
	ValueSize  int    // fixed trees only
	Entries    uint64
	Pages      uint64
}

// registryEntry is the registry value of a tree:
// `kind u8 | comparator length u8 | comparator | header`.
type registryEntry struct {
	kind       TreeKind
	comparator string
	btree      btree.Header
	fixed      fixedtree.Header
}

func (e registryEntry) encode() []byte {
	buf := make([]byte, 0, 2+len(e.comparator)+btree.HeaderSize)
	buf = append(buf, byte(e.kind), byte(len(e.comparator)))
	buf = append(buf, e.comparator...)
	switch e.kind {
	case KindBTree:
		h, _ := e.btree.MarshalBinary()
		buf = append(buf, h...)
	case KindFixed:
		h, _ := e.fixed.MarshalBinary()
		buf = append(buf, h...)
	}
	return buf
}

func decodeRegistryEntry(name string, buf []byte) (registryEntry, error) {
	if len(buf) < 2 || len(buf) < 2+int(buf[1]) {
		return registryEntry{}, common.Corruptf("registry entry %q: %d bytes", name, len(buf))
	}
	e := registryEntry{kind: TreeKind(buf[0]), comparator: string(buf[2 : 2+int(buf[1])])}
	body := buf[2+int(buf[1]):]
	var err error
	switch e.kind {
	case KindBTree:
		e.btree, err = btree.DecodeHeader(body)
	case KindFixed:
		e.fixed, err = fixedtree.DecodeHeader(body)
	default:
		err = common.Corruptf("registry entry %q: unknown tree kind %d", name, buf[0])
	}
	if err != nil {
		return registryEntry{}, fmt.Errorf("registry entry %q: %w", name, err)
	}
	return e, nil
}

func (e registryEntry) info(name string) TreeInfo {
	ti := TreeInfo{Name: name, Kind: e.kind, Comparator: e.comparator}
	switch e.kind {
	case KindBTree:
		ti.Entries = e.btree.Entries
		ti.Pages = e.btree.BranchPages + e.btree.LeafPages + e.btree.OverflowPages
	case KindFixed:
		ti.ValueSize = int(e.fixed.ValueSize)
		ti.Entries = e.fixed.Entries
		ti.Pages = e.fixed.BranchPages + e.fixed.LeafPages
	}
	return ti
}

// registry maps tree names to their registry entries. It is a B+tree of its
// own whose header is kept in the meta page.
type registry struct {
	src  pagemanager.PageSource
	tree *btree.Tree // nil until the first tree is created
	opts btree.Options
}

func openRegistry(src pagemanager.PageSource, meta pagemanager.Meta, opts btree.Options) (*registry, error) {
	r := &registry{src: src, opts: opts}
	if meta.Registry == ([pagemanager.RegistrySize]byte{}) {
		return r, nil
	}
	h, err := btree.DecodeHeader(meta.Registry[:btree.HeaderSize])
	if err != nil {
		return nil, fmt.Errorf("tree registry: %w", err)
	}
	r.tree = btree.Open(src, h, opts)
	return r, nil
}

func (r *registry) lookup(name string) (registryEntry, bool, error) {
	if r.tree == nil {
		return registryEntry{}, false, nil
	}
	v, ok, err := r.tree.Get([]byte(name))
	if err != nil || !ok {
		return registryEntry{}, false, err
	}
	e, err := decodeRegistryEntry(name, v)
	return e, err == nil, err
}

func (r *registry) put(name string, e registryEntry) error {
	if r.tree == nil {
		t, err := btree.Create(r.src, r.opts)
		if err != nil {
			return err
		}
		r.tree = t
	}
	return r.tree.Insert([]byte(name), e.encode())
}

func (r *registry) remove(name string) (bool, error) {
	if r.tree == nil {
		return false, nil
	}
	return r.tree.Delete([]byte(name))
}

func (r *registry) list() ([]TreeInfo, error) {
	if r.tree == nil {
		return nil, nil
	}
	var out []TreeInfo
	it := r.tree.Range(nil, nil)
	for it.Next() {
		name := string(it.Key())
		e, err := decodeRegistryEntry(name, it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, e.info(name))
	}
	return out, it.Err()
}

// header returns the encoded registry header, nil when there is no registry.
func (r *registry) header() []byte {
	if r.tree == nil {
		return nil
	}
	h, _ := r.tree.Header().MarshalBinary()
	return h
}

func (r *registry) changedFrom(meta pagemanager.Meta) bool {
	h := r.header()
	if h == nil {
		return false
	}
	return !bytes.Equal(h, meta.Registry[:len(h)])
}

func checkTreeName(name string, pageSize int) error {
	if name == "" {
		return fmt.Errorf("%w: tree name", common.ErrEmptyKey)
	}
	if limit := btree.MaxKeySize(pageSize); len(name) > limit {
		return fmt.Errorf("%w: tree name of %d bytes, limit %d", common.ErrKeyTooLarge, len(name), limit)
	}
	return nil
}
