package pagemanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"go.uber.org/zap"
)

// Options configures a Pager.
type Options struct {
	PageSize int
	// InitialPages is the minimum size of a new or existing file, in pages.
	InitialPages uint64
	Logger       *zap.Logger
}

// Pager owns the data file and its memory map. Reads go through Mapping
// references; writes are issued by the commit path (and by recovery) only.
type Pager struct {
	mu       sync.RWMutex
	file     *os.File
	path     string
	pageSize int
	current  *Mapping
	nextGen  uint64
	closed   bool
	created  bool
	logger   *zap.Logger
}

// Open opens or creates the data file at path and maps it.
func Open(path string, opts Options) (*Pager, error) {
	if !ValidPageSize(opts.PageSize) {
		return nil, fmt.Errorf("%w: page size %d", common.ErrInvalidOptions, opts.PageSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("pager")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, common.IOError("open data file", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, common.IOError("stat data file", err)
	}
	if info.Size() > 0 {
		if err := checkPageSize(f, opts.PageSize); err != nil {
			f.Close()
			return nil, err
		}
	}

	minPages := max(opts.InitialPages, uint64(FirstDataPage)+2)
	size := max(info.Size(), int64(minPages)*int64(opts.PageSize))
	size = alignToPageSize(size, opts.PageSize)
	if size > info.Size() {
		if err := extendFile(f, info.Size(), size); err != nil {
			f.Close()
			return nil, common.IOError("allocate data file", err)
		}
	}

	p := &Pager{
		file:     f,
		path:     path,
		pageSize: opts.PageSize,
		created:  info.Size() == 0,
		logger:   logger,
	}
	if p.current, err = mapFile(f, size, opts.PageSize, p.nextGen, logger); err != nil {
		f.Close()
		return nil, err
	}
	p.nextGen++
	logger.Info("data file mapped",
		zap.String("path", path),
		zap.String("size", humanize.IBytes(uint64(size))),
		zap.Bool("created", p.created))
	return p, nil
}

// checkPageSize peeks at the meta pages to reject a mismatched page size
// before mapping the file with the wrong geometry. Slot 1 sits one page in, so
// when slot 0 holds no valid meta every supported page size is tried.
func checkPageSize(f *os.File, pageSize int) error {
	stored, ok, err := peekMeta(f, MetaPageA, 0)
	if err != nil {
		return err
	}
	for ps := MinPageSize; !ok && ps <= MaxPageSize; ps <<= 1 {
		if stored, ok, err = peekMeta(f, MetaPageB, int64(ps)); err != nil {
			return err
		}
		ok = ok && stored == ps
	}
	if ok && stored != pageSize {
		return fmt.Errorf("%w: data file uses page size %d, options ask for %d", common.ErrInvalidOptions, stored, pageSize)
	}
	return nil
}

// peekMeta reads the meta header of slot at off and returns its page size
// when it holds a valid meta.
func peekMeta(f *os.File, slot PageID, off int64) (int, bool, error) {
	buf := make([]byte, PageHeaderSize+MetaSize)
	if _, err := f.ReadAt(buf, off); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, false, nil
		}
		return 0, false, common.IOError("read meta header", err)
	}
	p := Page{ID: slot, Data: buf}
	if p.Type() != PageTypeMeta || p.PageID() != slot {
		return 0, false, nil
	}
	m, err := DecodeMeta(p.Body())
	if err != nil {
		return 0, false, nil
	}
	return int(m.PageSize), true, nil
}

func alignToPageSize(size int64, pageSize int) int64 {
	ps := int64(pageSize)
	if size%ps == 0 {
		return size
	}
	return ((size / ps) + 1) * ps
}

// Created reports whether Open created an empty file.
func (p *Pager) Created() bool { return p.created }

// PageSize returns the page size of the file.
func (p *Pager) PageSize() int { return p.pageSize }

// Path returns the data file path.
func (p *Pager) Path() string { return p.path }

// Capacity returns the number of pages in the current mapping.
func (p *Pager) Capacity() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0
	}
	return p.current.Pages()
}

// Acquire returns a reference to the current mapping. Callers must Release it.
func (p *Pager) Acquire() (*Mapping, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, common.ErrEnvClosed
	}
	return p.current.Retain(), nil
}

// Grow extends the file to at least pages pages and installs a new mapping.
// Mappings handed out earlier stay valid until released.
func (p *Pager) Grow(pages uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return common.ErrEnvClosed
	}
	old := p.current
	if pages <= old.Pages() {
		return nil
	}
	from := int64(old.Pages()) * int64(p.pageSize)
	to := int64(pages) * int64(p.pageSize)
	if err := extendFile(p.file, from, to); err != nil {
		return common.IOError(fmt.Sprintf("grow data file to %s", humanize.IBytes(uint64(to))), err)
	}
	next, err := mapFile(p.file, to, p.pageSize, p.nextGen, p.logger)
	if err != nil {
		return err
	}
	p.nextGen++
	p.current = next
	old.Release()
	p.logger.Info("data file grown",
		zap.String("from", humanize.IBytes(uint64(from))),
		zap.String("to", humanize.IBytes(uint64(to))),
		zap.Uint64("generation", next.gen))
	return nil
}

// WritePage copies a page image (or run) into the current mapping.
func (p *Pager) WritePage(page Page) error {
	if len(page.Data) == 0 || len(page.Data)%p.pageSize != 0 {
		return fmt.Errorf("write page %d: image of %d bytes is not page aligned", page.ID, len(page.Data))
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return common.ErrEnvClosed
	}
	return p.current.write(page)
}

// ReadMeta returns the raw images of both meta pages.
func (p *Pager) ReadMeta() (a, b []byte, err error) {
	m, err := p.Acquire()
	if err != nil {
		return nil, nil, err
	}
	defer m.Release()
	pa, err := m.Page(MetaPageA)
	if err != nil {
		return nil, nil, err
	}
	pb, err := m.Page(MetaPageB)
	if err != nil {
		return nil, nil, err
	}
	return append([]byte(nil), pa.Data...), append([]byte(nil), pb.Data...), nil
}

// WriteMeta writes meta into its slot and syncs it to disk.
func (p *Pager) WriteMeta(meta *Meta) error {
	if err := p.WritePage(meta.MetaPage(p.pageSize)); err != nil {
		return err
	}
	return p.Sync()
}

// Sync flushes the mapping and the file metadata to stable storage.
func (p *Pager) Sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return common.ErrEnvClosed
	}
	if err := p.current.sync(); err != nil {
		return err
	}
	if err := p.file.Sync(); err != nil {
		return common.IOError("fsync data file", err)
	}
	return nil
}

// Close drops the pager's reference to the mapping and closes the file. Mappings
// still referenced by open snapshots are unmapped when those are released.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.current.Release()
	if err := p.file.Close(); err != nil {
		return common.IOError("close data file", err)
	}
	p.logger.Info("data file closed", zap.String("path", p.path))
	return nil
}
