// Package alloc manages the heap of a pool.
//
// The heap is a sequence of chunks. Each chunk starts with a 16-byte header
// (its size and a word holding a state marker and a type tag); allocation
// returns the offset just past the header. Free chunks are threaded through
// segregated lists, one per power-of-two size class, whose heads live in the
// allocator metadata region. Allocation is first-fit within the request's
// class, then the first fitting chunk of any larger class, splitting off the
// tail when it is big enough to be a chunk of its own. Free chunks are not
// merged eagerly; Coalesce does that as maintenance.
//
// Every operation changes a handful of words, and those changes are applied
// atomically through the redo log in package wal.
package alloc

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-pmem/addr"
	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/flush"
	"github.com/mit-pdos/go-pmem/stats"
	"github.com/mit-pdos/go-pmem/util"
	"github.com/mit-pdos/go-pmem/wal"
)

const (
	NCLASS     uint64 = 16
	HDRSZ      uint64 = 16
	MINCHUNK   uint64 = 32
	CHUNKALIGN uint64 = 16
	MAXALIGN   uint64 = 4096
)

// Chunk state markers. Anything else in a header means corruption.
const (
	FREE uint32 = 0xF4EEC4A7
	USED uint32 = 0xA11C47ED
)

// Metadata region layout.
const (
	METAHEADS = common.Offset(0)
	METAFREE  = common.Offset(NCLASS * 8)
	METALIVE  = METAFREE + 8
	METAWAL   = common.Offset(256)
)

type Options struct {
	DoubleFreeCheck bool
	CycleCheck      bool
}

func DefaultOptions() Options {
	return Options{DoubleFreeCheck: true, CycleCheck: true}
}

// Alloc is the volatile side of the allocator. The persistent state is all
// in the pool; live, pending and quarantine are rebuilt or empty at open.
//
// lock is held for the whole of an operation, including the persists of the
// redo log, which has a single slot.
type Alloc struct {
	lock       *sync.Mutex
	mem        []byte
	log        *wal.Walog
	meta       common.Offset
	start      common.Offset
	end        common.Offset
	live       map[common.Offset]bool   // payload offsets of used chunks
	pending    map[common.Offset]uint64 // deferred frees, by transaction
	quarantine map[common.Offset]bool   // freed chunks not yet reusable
	opts       Options
	stats      *stats.Stats
}

func class(size uint64) uint64 {
	c := uint64(0)
	for s := size / MINCHUNK; s > 1 && c < NCLASS-1; s >>= 1 {
		c++
	}
	return c
}

func chunkSize(size uint64) uint64 {
	need := util.AlignUp(size+HDRSZ, CHUNKALIGN)
	if need < MINCHUNK {
		need = MINCHUNK
	}
	return need
}

func mkMeta(marker uint32, tag uint32) uint64 {
	return uint64(marker) | uint64(tag)<<32
}

func headAddr(meta common.Offset, cls uint64) common.Offset {
	return meta + METAHEADS + cls*8
}

// Format initializes the metadata region at meta and makes [start, end)
// one free chunk.
func Format(mem []byte, fl flush.Backend, meta common.Offset, start common.Offset, end common.Offset) error {
	end = start + util.AlignDown(end-start, CHUNKALIGN)
	if start%CHUNKALIGN != 0 || end-start < MINCHUNK {
		return fmt.Errorf("format heap [%d, %d): %w", start, end, common.ErrPoolTooSmall)
	}
	for i := meta; i < meta+common.ALLOCSZ; i++ {
		mem[i] = 0
	}
	size := end - start
	addr.PutWord(mem, start, size)
	addr.PutWord(mem, start+8, mkMeta(FREE, 0))
	addr.PutWord(mem, start+16, 0)
	addr.PutWord(mem, headAddr(meta, class(size)), start)
	addr.PutWord(mem, meta+METAFREE, size)
	addr.PutWord(mem, meta+METALIVE, 0)
	err := fl.Persist(meta, common.ALLOCSZ)
	if err != nil {
		return err
	}
	return fl.Persist(start, MINCHUNK)
}

// MkAlloc recovers the allocator for the heap [start, end): it finishes an
// interrupted metadata update and walks the heap to find live chunks.
func MkAlloc(mem []byte, fl flush.Backend, meta common.Offset, start common.Offset, end common.Offset,
	opts Options, s *stats.Stats) (*Alloc, error) {
	a := &Alloc{
		lock:       new(sync.Mutex),
		mem:        mem,
		log:        wal.MkLog(mem, fl, meta+METAWAL, common.ALLOCSZ-METAWAL),
		meta:       meta,
		start:      start,
		end:        start + util.AlignDown(end-start, CHUNKALIGN),
		live:       make(map[common.Offset]bool),
		pending:    make(map[common.Offset]uint64),
		quarantine: make(map[common.Offset]bool),
		opts:       opts,
		stats:      s,
	}
	n, err := a.log.Recover()
	if err != nil {
		return nil, err
	}
	if n > 0 {
		util.DPrintf(1, "alloc: finished interrupted update (%d words)\n", n)
	}
	err = a.walk(func(c common.Offset, size uint64, marker uint32, tag uint32) error {
		if marker == USED {
			a.live[c+HDRSZ] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	util.DPrintf(1, "alloc: heap [%d, %d) %d live\n", a.start, a.end, len(a.live))
	return a, nil
}

func (a *Alloc) corrupt(op string, off common.Offset, format string, args ...interface{}) error {
	util.DPrintf(1, "alloc: %s at 0x%x: "+format+"\n", append([]interface{}{op, off}, args...)...)
	return common.MkError(op, off, fmt.Errorf(format+": %w", append(args, common.ErrAllocatorCorruption)...))
}

func (a *Alloc) maxChunks() uint64 {
	return (a.end - a.start) / MINCHUNK
}

// validChunk checks a chunk header found at c.
func (a *Alloc) validChunk(p *plan, c common.Offset) (uint64, uint32, error) {
	if c < a.start || c%CHUNKALIGN != 0 || c+MINCHUNK > a.end {
		return 0, 0, a.corrupt("chunk", c, "offset outside heap")
	}
	size := p.get(c)
	m := p.get(c + 8)
	marker := uint32(m)
	if size < MINCHUNK || size%CHUNKALIGN != 0 || size > a.end-c {
		return 0, 0, a.corrupt("chunk", c, "bad size %d", size)
	}
	if marker != FREE && marker != USED {
		return 0, 0, a.corrupt("chunk", c, "bad marker 0x%x", marker)
	}
	return size, marker, nil
}

func (a *Alloc) walk(f func(c common.Offset, size uint64, marker uint32, tag uint32) error) error {
	p := a.mkPlan()
	for c := a.start; c < a.end; {
		size, marker, err := a.validChunk(p, c)
		if err != nil {
			return err
		}
		err = f(c, size, marker, uint32(p.get(c+8)>>32))
		if err != nil {
			return err
		}
		c += size
	}
	return nil
}

// fit returns the offset of a chunk of need bytes inside the free chunk c
// whose payload is aligned to align, leaving any leading gap large enough to
// stay a chunk.
func fit(c common.Offset, size uint64, need uint64, align uint64) (common.Offset, bool) {
	payload := util.AlignUp(c+HDRSZ, align)
	for payload-HDRSZ != c && payload-HDRSZ-c < MINCHUNK {
		payload += align
	}
	at := payload - HDRSZ
	if at-c+need > size {
		return 0, false
	}
	return at, true
}

func (a *Alloc) push(p *plan, c common.Offset, size uint64) {
	h := headAddr(a.meta, class(size))
	p.set(c, size)
	p.set(c+8, mkMeta(FREE, 0))
	p.set(c+16, p.get(h))
	p.set(h, c)
}

// Alloc allocates size bytes aligned to align (0 means 16) and tags the
// chunk. If link is non-zero, the word at link is set to the returned
// offset in the same atomic update.
func (a *Alloc) Alloc(size uint64, align uint64, tag uint32, link common.Offset) (common.Offset, error) {
	if align < CHUNKALIGN {
		align = CHUNKALIGN
	}
	if !util.IsPow2(align) || align > MAXALIGN {
		return 0, common.MkError("alloc", 0, fmt.Errorf("alignment %d: %w", align, common.ErrInvalidOffset))
	}
	if size == 0 || size > a.end-a.start {
		return 0, common.MkError("alloc", 0, fmt.Errorf("%d bytes: %w", size, common.ErrOutOfSpace))
	}
	need := chunkSize(size)

	a.lock.Lock()
	defer a.lock.Unlock()

	p := a.mkPlan()
	for cls := class(need); cls < NCLASS; cls++ {
		prev := headAddr(a.meta, cls)
		cur := p.get(prev)
		steps := uint64(0)
		for cur != 0 {
			steps++
			if a.opts.CycleCheck && steps > a.maxChunks() {
				return 0, a.corrupt("alloc", headAddr(a.meta, cls), "cycle in free list %d", cls)
			}
			csize, marker, err := a.validChunk(p, cur)
			if err != nil {
				return 0, err
			}
			if marker != FREE {
				return 0, a.corrupt("alloc", cur, "used chunk on free list %d", cls)
			}
			if !a.quarantine[cur] {
				at, ok := fit(cur, csize, need, align)
				if ok {
					return a.carve(p, prev, cur, csize, at, need, tag, link)
				}
			}
			prev = cur + 16
			cur = p.get(prev)
		}
	}
	util.DPrintf(3, "alloc: no fit for %d bytes\n", size)
	return 0, common.MkError("alloc", 0, fmt.Errorf("%d bytes: %w", size, common.ErrOutOfSpace))
}

func (a *Alloc) carve(p *plan, prev common.Offset, cur common.Offset, csize uint64,
	at common.Offset, need uint64, tag uint32, link common.Offset) (common.Offset, error) {
	p.set(prev, p.get(cur+16))
	if at != cur {
		a.push(p, cur, at-cur)
		csize -= at - cur
	}
	if csize-need >= MINCHUNK {
		a.push(p, at+need, csize-need)
	} else {
		need = csize
	}
	p.set(at, need)
	p.set(at+8, mkMeta(USED, tag))
	p.set(a.meta+METAFREE, p.get(a.meta+METAFREE)-need)
	p.set(a.meta+METALIVE, p.get(a.meta+METALIVE)+1)
	off := at + HDRSZ
	if link != 0 {
		p.set(link, off)
	}
	err := a.log.Commit(p.upds)
	if err != nil {
		return 0, err
	}
	a.live[off] = true
	for i := off; i < at+need; i++ {
		a.mem[i] = 0
	}
	a.stats.Alloc()
	util.DPrintf(5, "alloc: 0x%x (%d bytes, tag 0x%x)\n", off, need-HDRSZ, tag)
	return off, nil
}

func (a *Alloc) chunkOf(op string, off common.Offset) (common.Offset, error) {
	if off < a.start+HDRSZ || off >= a.end || off%CHUNKALIGN != 0 {
		return 0, common.MkError(op, off, common.ErrInvalidOffset)
	}
	return off - HDRSZ, nil
}

// Free returns the chunk at off to its free list. Freeing a chunk that is
// already free does nothing and returns false, so replaying a free is safe.
// The chunk is quarantined until Release.
func (a *Alloc) Free(off common.Offset) (bool, error) {
	c, err := a.chunkOf("free", off)
	if err != nil {
		return false, err
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	p := a.mkPlan()
	size, marker, err := a.validChunk(p, c)
	if err != nil {
		return false, err
	}
	if marker == FREE {
		util.DPrintf(5, "free: 0x%x already free\n", off)
		return false, nil
	}
	a.push(p, c, size)
	p.set(a.meta+METAFREE, p.get(a.meta+METAFREE)+size)
	p.set(a.meta+METALIVE, p.get(a.meta+METALIVE)-1)
	err = a.log.Commit(p.upds)
	if err != nil {
		return false, err
	}
	delete(a.live, off)
	delete(a.pending, off)
	a.quarantine[c] = true
	a.stats.Free()
	util.DPrintf(5, "free: 0x%x (%d bytes)\n", off, size-HDRSZ)
	return true, nil
}

// Release makes freed chunks available to Alloc again.
func (a *Alloc) Release(offs []common.Offset) {
	a.lock.Lock()
	for _, off := range offs {
		delete(a.quarantine, off-HDRSZ)
	}
	a.lock.Unlock()
}

func (a *Alloc) ReleaseAll() {
	a.lock.Lock()
	a.quarantine = make(map[common.Offset]bool)
	a.lock.Unlock()
}

// MarkPending records that transaction id will free off when it commits.
// With double-free checking on, off must be a live allocation that no
// transaction is already freeing.
func (a *Alloc) MarkPending(off common.Offset, id uint64) error {
	_, err := a.chunkOf("free", off)
	if err != nil {
		return err
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.opts.DoubleFreeCheck {
		if !a.live[off] {
			return common.MkError("free", off, common.ErrDoubleFree)
		}
		if _, ok := a.pending[off]; ok {
			return common.MkError("free", off, common.ErrDoubleFree)
		}
	}
	a.pending[off] = id
	return nil
}

func (a *Alloc) UnmarkPending(off common.Offset) {
	a.lock.Lock()
	delete(a.pending, off)
	a.lock.Unlock()
}

// Lookup returns the payload size and type tag of the live allocation at
// off.
func (a *Alloc) Lookup(off common.Offset) (uint64, uint32, error) {
	c, err := a.chunkOf("lookup", off)
	if err != nil {
		return 0, 0, err
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	if !a.live[off] {
		return 0, 0, common.MkError("lookup", off, common.ErrInvalidOffset)
	}
	m := addr.GetWord(a.mem, c+8)
	return addr.GetWord(a.mem, c) - HDRSZ, uint32(m >> 32), nil
}

func (a *Alloc) IsLive(off common.Offset) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.live[off]
}

func (a *Alloc) FreeBytes() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return addr.GetWord(a.mem, a.meta+METAFREE)
}

func (a *Alloc) NumLive() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return addr.GetWord(a.mem, a.meta+METALIVE)
}

// Heap returns the bounds of the heap.
func (a *Alloc) Heap() addr.Range {
	return addr.MkRange(a.start, a.end-a.start)
}

// Live lists the payload offsets of all allocations.
func (a *Alloc) Live() []common.Offset {
	a.lock.Lock()
	defer a.lock.Unlock()
	offs := make([]common.Offset, 0, len(a.live))
	for off := range a.live {
		offs = append(offs, off)
	}
	return offs
}
