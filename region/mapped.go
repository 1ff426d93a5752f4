package region

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-pmem/addr"
	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/util"
)

var _ Region = (*Mapped)(nil)

// Mapped is a regular file mapped shared into the address space. Units of
// write-back are OS pages.
type Mapped struct {
	mu       *sync.Mutex
	path     string
	fd       int
	data     []byte
	pagesz   uint64
	pending  []addr.Range // page-aligned spans awaiting Drain
	through  bool         // pwrite since the last Drain
	closed   bool
}

// OpenMapped maps the file at path. With create set the file is created if
// needed and sized to size bytes; otherwise size 0 means the file's current
// size. The file is locked exclusively for the lifetime of the region.
func OpenMapped(path string, size uint64, create bool) (*Mapped, error) {
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if create {
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(path, flags, 0666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("lock %s: %w", path, common.ErrBusy)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if create && size != 0 && uint64(stat.Size) != size {
		err = unix.Ftruncate(fd, int64(size))
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("truncate %s: %w", path, err)
		}
	} else {
		size = uint64(stat.Size)
	}
	if size == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("map %s: %w", path, common.ErrPoolTooSmall)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	util.DPrintf(1, "OpenMapped: %s %d bytes\n", path, size)
	return &Mapped{
		mu:     new(sync.Mutex),
		path:   path,
		fd:     fd,
		data:   data,
		pagesz: uint64(unix.Getpagesize()),
	}, nil
}

func (m *Mapped) Bytes() []byte {
	return m.data
}

func (m *Mapped) Size() uint64 {
	return uint64(len(m.data))
}

func (m *Mapped) span(off uint64, n uint64) addr.Range {
	r := addr.MkRange(off, n).Align(m.pagesz)
	if r.End() > m.Size() {
		r.Len = m.Size() - r.Off
	}
	return r
}

func (m *Mapped) WriteBack(off uint64, n uint64) error {
	r := m.span(off, n)
	err := unix.Msync(m.data[r.Off:r.End()], unix.MS_ASYNC)
	if err != nil {
		return fmt.Errorf("msync %s: %w", m.path, err)
	}
	m.mu.Lock()
	m.pending = append(m.pending, r)
	m.mu.Unlock()
	return nil
}

func (m *Mapped) Invalidate(off uint64, n uint64) error {
	r := m.span(off, n)
	err := unix.Msync(m.data[r.Off:r.End()], unix.MS_SYNC|unix.MS_INVALIDATE)
	if err != nil {
		return fmt.Errorf("msync %s: %w", m.path, err)
	}
	return nil
}

func (m *Mapped) StoreThrough(off uint64, b []byte) error {
	// the source may alias the mapping itself
	_, err := unix.Pwrite(m.fd, util.CloneByteSlice(b), int64(off))
	if err != nil {
		return fmt.Errorf("pwrite %s: %w", m.path, err)
	}
	m.mu.Lock()
	m.through = true
	m.mu.Unlock()
	return nil
}

func (m *Mapped) Drain() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.pending {
		err := unix.Msync(m.data[r.Off:r.End()], unix.MS_SYNC)
		if err != nil {
			return fmt.Errorf("msync %s: %w", m.path, err)
		}
	}
	m.pending = m.pending[:0]
	if m.through {
		err := unix.Fdatasync(m.fd)
		if err != nil {
			return fmt.Errorf("fdatasync %s: %w", m.path, err)
		}
		m.through = false
	}
	return nil
}

func (m *Mapped) Sync() error {
	err := unix.Msync(m.data, unix.MS_SYNC)
	if err != nil {
		return fmt.Errorf("msync %s: %w", m.path, err)
	}
	return nil
}

func (m *Mapped) Pin(off uint64, n uint64) error {
	r := m.span(off, n)
	err := unix.Mlock(m.data[r.Off:r.End()])
	if err != nil {
		return fmt.Errorf("mlock %s: %w", m.path, err)
	}
	return nil
}

func (m *Mapped) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	err := unix.Munmap(m.data)
	m.data = nil
	unix.Flock(m.fd, unix.LOCK_UN)
	err2 := unix.Close(m.fd)
	if err != nil {
		return fmt.Errorf("munmap %s: %w", m.path, err)
	}
	return err2
}
