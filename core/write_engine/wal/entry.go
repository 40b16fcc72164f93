package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// --- Journal entry layout ---
//
//	header (48 bytes)
//	  0  magic        u32
//	  4  version      u16
//	  6  flags        u16
//	  8  txn id       u64
//	  16 page runs    u32
//	  20 payload len  u32
//	  24 payload hash u64  xxhash64 of the payload
//	  32 reserved     u64
//	  40 header hash  u64  xxhash64 of bytes [0:40]
//	payload
//	  per run: page id u64 | pages u32 | pad u32 | pages*pageSize bytes
//	  meta of the committed state (pagemanager.MetaSize bytes)

const (
	EntryMagic      uint32 = 0x474A4E4C // "GJNL"
	EntryVersion    uint16 = 1
	EntryHeaderSize        = 48
	runHeaderSize          = 16
)

// Entry is the complete page set of one committed write transaction.
type Entry struct {
	TxnID uint64
	Pages []pagemanager.Page
	Meta  *pagemanager.Meta
}

// PageCount returns the number of pages (not runs) in the entry.
func (e *Entry) PageCount(pageSize int) int {
	n := 0
	for _, p := range e.Pages {
		n += p.Pages(pageSize)
	}
	return n
}

func (e *Entry) payloadSize() int {
	size := pagemanager.MetaSize
	for _, p := range e.Pages {
		size += runHeaderSize + len(p.Data)
	}
	return size
}

// encode serializes the entry into one contiguous buffer.
func (e *Entry) encode(pageSize int) ([]byte, error) {
	if e.Meta == nil {
		return nil, fmt.Errorf("journal entry %d has no meta", e.TxnID)
	}
	payloadLen := e.payloadSize()
	if payloadLen > int(^uint32(0)) {
		return nil, fmt.Errorf("journal entry %d: payload of %d bytes too large", e.TxnID, payloadLen)
	}
	buf := make([]byte, EntryHeaderSize+payloadLen)
	payload := buf[EntryHeaderSize:]
	off := 0
	for _, p := range e.Pages {
		if len(p.Data) == 0 || len(p.Data)%pageSize != 0 {
			return nil, fmt.Errorf("journal entry %d: page %d image of %d bytes", e.TxnID, p.ID, len(p.Data))
		}
		binary.LittleEndian.PutUint64(payload[off:], uint64(p.ID))
		binary.LittleEndian.PutUint32(payload[off+8:], uint32(len(p.Data)/pageSize))
		off += runHeaderSize
		off += copy(payload[off:], p.Data)
	}
	e.Meta.Encode(payload[off:])

	binary.LittleEndian.PutUint32(buf[0:], EntryMagic)
	binary.LittleEndian.PutUint16(buf[4:], EntryVersion)
	binary.LittleEndian.PutUint64(buf[8:], e.TxnID)
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(e.Pages)))
	binary.LittleEndian.PutUint32(buf[20:], uint32(payloadLen))
	binary.LittleEndian.PutUint64(buf[24:], xxhash.Sum64(payload))
	binary.LittleEndian.PutUint64(buf[40:], xxhash.Sum64(buf[:40]))
	return buf, nil
}

// entryHeader is the parsed fixed part of an entry.
type entryHeader struct {
	txnID       uint64
	runs        uint32
	payloadLen  uint32
	payloadHash uint64
}

// errTorn marks bytes that do not form a complete, valid entry.
var errTorn = fmt.Errorf("%w: torn or damaged journal entry", common.ErrCorruption)

func decodeHeader(buf []byte) (entryHeader, error) {
	if len(buf) < EntryHeaderSize {
		return entryHeader{}, errTorn
	}
	if binary.LittleEndian.Uint32(buf[0:]) != EntryMagic {
		return entryHeader{}, fmt.Errorf("%w: bad magic", errTorn)
	}
	if binary.LittleEndian.Uint64(buf[40:]) != xxhash.Sum64(buf[:40]) {
		return entryHeader{}, fmt.Errorf("%w: header checksum", errTorn)
	}
	if v := binary.LittleEndian.Uint16(buf[4:]); v != EntryVersion {
		return entryHeader{}, fmt.Errorf("%w: version %d", errTorn, v)
	}
	return entryHeader{
		txnID:       binary.LittleEndian.Uint64(buf[8:]),
		runs:        binary.LittleEndian.Uint32(buf[16:]),
		payloadLen:  binary.LittleEndian.Uint32(buf[20:]),
		payloadHash: binary.LittleEndian.Uint64(buf[24:]),
	}, nil
}

func decodePayload(h entryHeader, payload []byte, pageSize int) (*Entry, error) {
	if xxhash.Sum64(payload) != h.payloadHash {
		return nil, fmt.Errorf("%w: payload checksum of txn %d", errTorn, h.txnID)
	}
	e := &Entry{TxnID: h.txnID, Pages: make([]pagemanager.Page, 0, h.runs)}
	off := 0
	for i := uint32(0); i < h.runs; i++ {
		if off+runHeaderSize > len(payload) {
			return nil, fmt.Errorf("%w: run %d of txn %d", errTorn, i, h.txnID)
		}
		id := pagemanager.PageID(binary.LittleEndian.Uint64(payload[off:]))
		n := int(binary.LittleEndian.Uint32(payload[off+8:]))
		off += runHeaderSize
		size := n * pageSize
		if n < 1 || off+size > len(payload) {
			return nil, fmt.Errorf("%w: run %d of txn %d", errTorn, i, h.txnID)
		}
		e.Pages = append(e.Pages, pagemanager.Page{ID: id, Data: payload[off : off+size : off+size]})
		off += size
	}
	meta, err := pagemanager.DecodeMeta(payload[off:])
	if err != nil {
		return nil, fmt.Errorf("%w: meta of txn %d: %v", errTorn, h.txnID, err)
	}
	if meta.TxnID != h.txnID {
		return nil, fmt.Errorf("%w: meta of txn %d names txn %d", errTorn, h.txnID, meta.TxnID)
	}
	e.Meta = meta
	return e, nil
}
