package pagemanager

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
)

const (
	MetaMagic   uint32 = 0x6010DB01
	MetaVersion uint32 = 1
	// RegistrySize is the room reserved for the tree registry header.
	RegistrySize = 56
	// MetaSize is the encoded size of Meta, checksum included.
	MetaSize = 136
)

// Meta describes one committed state of the data file. Two copies live in
// pages 0 and 1; the slot is chosen by TxnID parity so a torn write only ever
// damages the copy being replaced.
type Meta struct {
	PageSize      uint32
	DBID          uuid.UUID
	TxnID         uint64             // last transaction included in this state
	Registry      [RegistrySize]byte // opaque header of the tree registry
	FreelistPages uint32
	FreelistRoot  PageID
	HighWater     PageID // next never-allocated page number
}

// Slot returns the meta page this state is written to.
func (m *Meta) Slot() PageID {
	return PageID(m.TxnID % 2)
}

// Encode writes the meta into buf, which must be at least MetaSize bytes.
func (m *Meta) Encode(buf []byte) {
	_ = buf[MetaSize-1]
	binary.LittleEndian.PutUint32(buf[0:], MetaMagic)
	binary.LittleEndian.PutUint32(buf[4:], MetaVersion)
	binary.LittleEndian.PutUint32(buf[8:], m.PageSize)
	binary.LittleEndian.PutUint32(buf[12:], 0)
	copy(buf[16:32], m.DBID[:])
	binary.LittleEndian.PutUint64(buf[32:], m.TxnID)
	copy(buf[40:96], m.Registry[:])
	binary.LittleEndian.PutUint32(buf[96:], m.FreelistPages)
	binary.LittleEndian.PutUint32(buf[100:], 0)
	binary.LittleEndian.PutUint64(buf[104:], uint64(m.FreelistRoot))
	binary.LittleEndian.PutUint64(buf[112:], uint64(m.HighWater))
	binary.LittleEndian.PutUint64(buf[120:], 0)
	binary.LittleEndian.PutUint64(buf[128:], xxhash.Sum64(buf[:128]))
}

// MarshalBinary returns the encoded meta.
func (m *Meta) MarshalBinary() ([]byte, error) {
	buf := make([]byte, MetaSize)
	m.Encode(buf)
	return buf, nil
}

// DecodeMeta parses and validates an encoded meta.
func DecodeMeta(buf []byte) (*Meta, error) {
	if len(buf) < MetaSize {
		return nil, common.Corruptf("meta: short buffer of %d bytes", len(buf))
	}
	if magic := binary.LittleEndian.Uint32(buf[0:]); magic != MetaMagic {
		return nil, common.Corruptf("meta: bad magic %#x", magic)
	}
	if v := binary.LittleEndian.Uint32(buf[4:]); v != MetaVersion {
		return nil, common.Corruptf("meta: unsupported version %d", v)
	}
	if want, got := binary.LittleEndian.Uint64(buf[128:]), xxhash.Sum64(buf[:128]); want != got {
		return nil, fmt.Errorf("%w: meta checksum", common.ErrChecksumMismatch)
	}
	m := &Meta{
		PageSize:      binary.LittleEndian.Uint32(buf[8:]),
		TxnID:         binary.LittleEndian.Uint64(buf[32:]),
		FreelistPages: binary.LittleEndian.Uint32(buf[96:]),
		FreelistRoot:  PageID(binary.LittleEndian.Uint64(buf[104:])),
		HighWater:     PageID(binary.LittleEndian.Uint64(buf[112:])),
	}
	copy(m.DBID[:], buf[16:32])
	copy(m.Registry[:], buf[40:96])
	if m.HighWater < FirstDataPage {
		return nil, common.Corruptf("meta: high-water mark %d below first data page", m.HighWater)
	}
	return m, nil
}

// MetaPage lays the meta out in a full page image for its slot.
func (m *Meta) MetaPage(pageSize int) Page {
	p := NewPage(m.Slot(), pageSize, 1, PageTypeMeta)
	m.Encode(p.Body())
	p.Seal(m.TxnID)
	return p
}

// PickMeta decodes both meta pages and returns the newest valid one.
func PickMeta(a, b []byte) (*Meta, error) {
	ma, errA := decodeMetaPage(MetaPageA, a)
	mb, errB := decodeMetaPage(MetaPageB, b)
	switch {
	case errA != nil && errB != nil:
		return nil, fmt.Errorf("%w: page 0: %v; page 1: %v", common.ErrInvalidMeta, errA, errB)
	case errA != nil:
		return mb, nil
	case errB != nil:
		return ma, nil
	case mb.TxnID > ma.TxnID:
		return mb, nil
	default:
		return ma, nil
	}
}

func decodeMetaPage(id PageID, data []byte) (*Meta, error) {
	p := Page{ID: id, Data: data}
	if err := p.Verify(); err != nil {
		return nil, err
	}
	if err := p.ExpectType(PageTypeMeta); err != nil {
		return nil, err
	}
	return DecodeMeta(p.Body())
}
