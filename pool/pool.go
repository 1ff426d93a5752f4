// Package pool manages a persistent memory pool: a region laid out as a
// header, allocator metadata, an undo journal and a heap.
//
// Opening a pool recovers it. Transactions interrupted by a crash are
// rolled back, committed ones are finished, and the journal is cleared, so
// an open pool has no pending transactions.
package pool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"unsafe"

	"github.com/google/uuid"

	"github.com/mit-pdos/go-pmem/addr"
	"github.com/mit-pdos/go-pmem/alloc"
	"github.com/mit-pdos/go-pmem/borrow"
	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/flush"
	"github.com/mit-pdos/go-pmem/jrnl"
	"github.com/mit-pdos/go-pmem/pptr"
	"github.com/mit-pdos/go-pmem/region"
	"github.com/mit-pdos/go-pmem/stats"
	"github.com/mit-pdos/go-pmem/txn"
	"github.com/mit-pdos/go-pmem/util"
)

type Pool struct {
	mu        *sync.Mutex
	rootMu    *sync.Mutex
	r         region.Region
	hdr       *Header
	opts      Options
	stats     *stats.Stats
	fl        flush.Backend
	alloc     *alloc.Alloc
	jrnl      *jrnl.Journal
	txn       *txn.Txn
	recovered int
	closed    bool
}

func geometry(opts Options) (uint64, uint64) {
	nseg := opts.JournalSegments
	if nseg == 0 {
		nseg = common.DefaultSegments
	}
	segsz := opts.JournalSegmentSize
	if segsz == 0 {
		segsz = common.DefaultSegmentSize
	}
	return nseg, segsz
}

// Create makes a new pool of size bytes (opts.Size if 0) in the file at
// path, replacing anything there.
func Create(path string, size uint64, opts Options) (*Pool, error) {
	if size == 0 {
		size = opts.Size
	}
	if size == 0 {
		size = common.DefaultPoolSize
	}
	nseg, segsz := geometry(opts)
	h, err := mkHeader(size, nseg, segsz)
	if err != nil {
		return nil, err
	}
	r, err := region.OpenMapped(path, h.Total, true)
	if err != nil {
		return nil, err
	}
	p, err := format(r, h, opts)
	if err != nil {
		r.Close()
		return nil, err
	}
	return p, nil
}

// CreateOn formats r as a new pool.
func CreateOn(r region.Region, opts Options) (*Pool, error) {
	nseg, segsz := geometry(opts)
	h, err := mkHeader(r.Size(), nseg, segsz)
	if err != nil {
		return nil, err
	}
	return format(r, h, opts)
}

// format writes everything but the magic, then the magic, so a crash part
// way through leaves a region that Open rejects.
func format(r region.Region, h *Header, opts Options) (*Pool, error) {
	util.SetDebug(opts.Verbose)
	s := stats.New(opts.Stats)
	fl := flush.New(opts.Flush, r, s)
	mem := r.Bytes()
	util.DPrintf(1, "format: %d bytes, journal %d x %d, heap 0x%x+%d\n",
		h.Total, h.NumSegments(), h.SegSize, h.HeapOff, h.HeapSize)

	h.Magic = 0
	copy(mem[common.HDROFF:], h.Encode())
	err := fl.Persist(common.HDROFF, common.HDRFIELDSEND)
	if err != nil {
		return nil, err
	}
	err = alloc.Format(mem, fl, h.AllocOff, h.HeapOff, h.Total)
	if err != nil {
		return nil, err
	}
	for i := h.JrnlOff; i < h.JrnlOff+h.JrnlSize; i++ {
		mem[i] = 0
	}
	err = fl.Persist(h.JrnlOff, h.JrnlSize)
	if err != nil {
		return nil, err
	}
	addr.PutWord(mem, common.HDRMAGIC, common.MAGIC)
	err = fl.Persist(common.HDRMAGIC, common.WORDSZ)
	if err != nil {
		return nil, err
	}
	return open(r, opts, s, fl)
}

// Open opens and recovers the pool in the file at path.
func Open(path string, opts Options) (*Pool, error) {
	r, err := region.OpenMapped(path, 0, false)
	if err != nil {
		return nil, err
	}
	p, err := OpenOn(r, opts)
	if err != nil {
		r.Close()
		return nil, err
	}
	return p, nil
}

// OpenOn opens and recovers the pool in r. The caller keeps ownership of r
// if OpenOn fails.
func OpenOn(r region.Region, opts Options) (*Pool, error) {
	util.SetDebug(opts.Verbose)
	s := stats.New(opts.Stats)
	return open(r, opts, s, flush.New(opts.Flush, r, s))
}

// OpenFlags opens the pool at path, creating or formatting it as flags
// say.
func OpenFlags(path string, flags Flags, opts Options) (*Pool, error) {
	_, err := os.Stat(path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if flags&OCreate != 0 || (flags&OCreateIfNotExists != 0 && !exists) {
		return Create(path, opts.Size, opts)
	}
	if !exists {
		return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
	}
	if flags&OFormat != 0 && flags&OCreateIfNotExists == 0 {
		r, err := region.OpenMapped(path, 0, false)
		if err != nil {
			return nil, err
		}
		p, err := CreateOn(r, opts)
		if err != nil {
			r.Close()
			return nil, err
		}
		return p, nil
	}
	return Open(path, opts)
}

func open(r region.Region, opts Options, s *stats.Stats, fl flush.Backend) (*Pool, error) {
	mem := r.Bytes()
	if r.Size() < common.HDRFIELDSEND {
		return nil, corrupt("region of %d bytes", r.Size())
	}
	h := DecodeHeader(mem)
	err := h.Validate(r.Size())
	if err != nil {
		return nil, err
	}
	a, err := alloc.MkAlloc(mem, fl, h.AllocOff, h.HeapOff, h.Total,
		alloc.Options{DoubleFreeCheck: opts.DoubleFreeCheck, CycleCheck: opts.CycleCheck}, s)
	if err != nil {
		return nil, err
	}
	j := jrnl.MkJournal(mem, fl, h.JrnlOff, h.NumSegments(), h.SegSize, s)
	if opts.PinJournal {
		err = r.Pin(h.JrnlOff, h.JrnlSize)
		if err != nil {
			return nil, err
		}
	}
	t := txn.MkTxn(txn.Config{
		Mem:     mem,
		Flush:   fl,
		Alloc:   a,
		Journal: j,
		Borrows: borrow.MkTable(opts.BorrowCheck, s),
		ID:      h.ID,
		Stats:   s,
	})
	n, err := t.Recover()
	if err != nil {
		return nil, err
	}
	util.DPrintf(1, "open: pool %v generation %d, recovered %d transactions\n",
		h.ID, t.Generation(), n)
	return &Pool{
		mu:        new(sync.Mutex),
		rootMu:    new(sync.Mutex),
		r:         r,
		hdr:       h,
		opts:      opts,
		stats:     s,
		fl:        fl,
		alloc:     a,
		jrnl:      j,
		txn:       t,
		recovered: n,
	}, nil
}

func (p *Pool) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return common.MkError("pool", 0, common.ErrClosed)
	}
	return nil
}

// Manager returns the pool's transaction manager.
func (p *Pool) Manager() *txn.Txn {
	return p.txn
}

func (p *Pool) Begin() (*txn.Tx, error) {
	err := p.checkOpen()
	if err != nil {
		return nil, err
	}
	return p.txn.Begin()
}

// Transaction runs fn in a transaction: committed if fn returns nil,
// aborted if it returns an error or panics.
func (p *Pool) Transaction(fn func(tx *txn.Tx) error) error {
	err := p.checkOpen()
	if err != nil {
		return err
	}
	return p.txn.Run(fn)
}

// At returns a pointer to the live allocation at off.
func (p *Pool) At(off common.Offset) (pptr.Raw, error) {
	return pptr.At(p.txn, off)
}

// RootRaw returns the root object, allocating size bytes tagged tag and
// running init on them in the transaction that installs it if the pool has
// no root yet.
func (p *Pool) RootRaw(size uint64, tag uint32, init func(tx *txn.Tx, root pptr.Raw) error) (pptr.Raw, error) {
	err := p.checkOpen()
	if err != nil {
		return pptr.Raw{}, err
	}
	p.rootMu.Lock()
	defer p.rootMu.Unlock()
	off, rtag := p.txn.Root()
	if off != common.NULLOFF {
		if rtag != tag {
			return pptr.Raw{}, common.MkError("root", off,
				fmt.Errorf("root tag 0x%x, want 0x%x: %w", rtag, tag, common.ErrTypeMismatch))
		}
		return pptr.At(p.txn, off)
	}
	var root pptr.Raw
	err = p.txn.Run(func(tx *txn.Tx) error {
		off, err := tx.Alloc(size, 0, tag)
		if err != nil {
			return err
		}
		root, err = pptr.At(p.txn, off)
		if err != nil {
			return err
		}
		if init != nil {
			err = init(tx, root)
			if err != nil {
				return err
			}
		}
		return tx.SetRoot(off, tag)
	})
	if err != nil {
		return pptr.Raw{}, err
	}
	util.DPrintf(1, "root: created at 0x%x tag 0x%x\n", root.Offset(), tag)
	return root, nil
}

// Root returns the pool's root T, creating it with init the first time.
func Root[T any](p *Pool, init func(tx *txn.Tx, v *T) error) (pptr.Ptr[T], error) {
	err := pptr.Persistable[T]()
	if err != nil {
		return pptr.Ptr[T]{}, err
	}
	size := uint64(unsafe.Sizeof(*new(T)))
	if size == 0 {
		size = 1
	}
	raw, err := p.RootRaw(size, pptr.TagOf[T](), func(tx *txn.Tx, root pptr.Raw) error {
		if init == nil {
			return nil
		}
		ptr, err := pptr.Load[T](root)
		if err != nil {
			return err
		}
		m, err := ptr.BorrowMut(tx)
		if err != nil {
			return err
		}
		defer m.Release()
		return init(tx, m.Value())
	})
	if err != nil {
		return pptr.Ptr[T]{}, err
	}
	return pptr.Load[T](raw)
}

// Coalesce merges adjacent free chunks of the heap. No transaction may be
// running.
func (p *Pool) Coalesce() (uint64, error) {
	err := p.checkOpen()
	if err != nil {
		return 0, err
	}
	if !p.txn.Quiesced() {
		return 0, common.MkError("coalesce", 0, common.ErrBusy)
	}
	return p.alloc.Coalesce()
}

// Header returns the current header, including the root and generation.
func (p *Pool) Header() Header {
	return *DecodeHeader(p.r.Bytes())
}

func (p *Pool) ID() uuid.UUID {
	return p.hdr.ID
}

func (p *Pool) Generation() uint64 {
	return p.txn.Generation()
}

// Recovered is the number of transactions replayed when the pool was
// opened.
func (p *Pool) Recovered() int {
	return p.recovered
}

func (p *Pool) Stats() *stats.Stats {
	return p.stats
}

func (p *Pool) Options() Options {
	return p.opts
}

func (p *Pool) FreeBytes() uint64 {
	return p.alloc.FreeBytes()
}

func (p *Pool) NumLive() uint64 {
	return p.alloc.NumLive()
}

// Close syncs and unmaps the pool. It fails with ErrBusy while
// transactions are running.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return common.MkError("close", 0, common.ErrClosed)
	}
	if !p.txn.Quiesced() {
		return common.MkError("close", 0, common.ErrBusy)
	}
	p.closed = true
	err := p.r.Sync()
	if err != nil {
		p.r.Close()
		return err
	}
	util.DPrintf(1, "close: pool %v\n", p.hdr.ID)
	return p.r.Close()
}
