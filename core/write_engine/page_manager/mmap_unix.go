//go:build unix

package pagemanager

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Mapping is one generation of the memory map. Snapshots hold a reference to the
// generation that was current when they started; growing the file creates a new
// generation and the old one is unmapped once its last reference is released.
type Mapping struct {
	data     []byte
	pageSize int
	gen      uint64
	refs     atomic.Int64
	logger   *zap.Logger
}

func mapFile(f *os.File, size int64, pageSize int, gen uint64, logger *zap.Logger) (*Mapping, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, common.IOError(fmt.Sprintf("mmap %d bytes", size), err)
	}
	// Tree lookups jump around the file; read-ahead only wastes page cache.
	if err := unix.Madvise(data, unix.MADV_RANDOM); err != nil {
		logger.Debug("madvise failed", zap.Error(err))
	}
	m := &Mapping{data: data, pageSize: pageSize, gen: gen, logger: logger}
	m.refs.Store(1)
	return m, nil
}

// Pages returns the number of pages covered by the mapping.
func (m *Mapping) Pages() uint64 {
	return uint64(len(m.data) / m.pageSize)
}

// Generation identifies the mapping.
func (m *Mapping) Generation() uint64 { return m.gen }

// Page returns a read-only view of page id.
func (m *Mapping) Page(id PageID) (Page, error) {
	return m.Run(id, 1)
}

// Run returns a read-only view of n contiguous pages starting at id.
func (m *Mapping) Run(id PageID, n int) (Page, error) {
	if n < 1 || uint64(id)+uint64(n) > m.Pages() {
		return Page{}, common.Corruptf("page run %d+%d outside mapped range of %d pages", id, n, m.Pages())
	}
	off := int(id) * m.pageSize
	return Page{ID: id, Data: m.data[off : off+n*m.pageSize : off+n*m.pageSize]}, nil
}

// Retain adds a reference and returns m.
func (m *Mapping) Retain() *Mapping {
	m.refs.Add(1)
	return m
}

// Release drops a reference; the last one unmaps the region.
func (m *Mapping) Release() {
	if n := m.refs.Add(-1); n == 0 {
		if err := unix.Munmap(m.data); err != nil {
			m.logger.Error("munmap failed", zap.Uint64("generation", m.gen), zap.Error(err))
		}
		m.data = nil
	} else if n < 0 {
		panic("pagemanager: mapping released more times than retained")
	}
}

func (m *Mapping) write(p Page) error {
	if uint64(p.ID)+uint64(len(p.Data)/m.pageSize) > m.Pages() {
		return common.Corruptf("write of page %d beyond mapped range of %d pages", p.ID, m.Pages())
	}
	copy(m.data[int(p.ID)*m.pageSize:], p.Data)
	return nil
}

func (m *Mapping) sync() error {
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return common.IOError("msync", err)
	}
	return nil
}
