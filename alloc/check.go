package alloc

import (
	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/util"
)

// Report summarizes a heap check.
type Report struct {
	Chunks    uint64
	Live      uint64
	Free      uint64
	LiveBytes uint64
	FreeBytes uint64
	Largest   uint64           // largest free chunk, header included
	Lists     [NCLASS]uint64   // free chunks per size class
	Tags      map[uint32]uint64 // live chunks per type tag
}

// Check verifies the heap: every chunk header is well formed, every free
// chunk is on exactly the list of its class, the lists contain nothing else
// and have no cycles, and the persistent counters match.
func (a *Alloc) Check() (*Report, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	rep := &Report{Tags: make(map[uint32]uint64)}
	free := make(map[common.Offset]uint64)
	err := a.walk(func(c common.Offset, size uint64, marker uint32, tag uint32) error {
		rep.Chunks++
		if marker == FREE {
			rep.Free++
			rep.FreeBytes += size
			rep.Largest = util.Max(rep.Largest, size)
			free[c] = size
		} else {
			rep.Live++
			rep.LiveBytes += size
			rep.Tags[tag]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p := a.mkPlan()
	seen := make(map[common.Offset]bool)
	for cls := uint64(0); cls < NCLASS; cls++ {
		for cur := p.get(headAddr(a.meta, cls)); cur != 0; cur = p.get(cur + 16) {
			if seen[cur] {
				return nil, a.corrupt("check", cur, "free list %d revisits chunk", cls)
			}
			seen[cur] = true
			size, ok := free[cur]
			if !ok {
				return nil, a.corrupt("check", cur, "free list %d links a non-free chunk", cls)
			}
			if class(size) != cls {
				return nil, a.corrupt("check", cur, "chunk of %d bytes on list %d", size, cls)
			}
			rep.Lists[cls]++
		}
	}
	if uint64(len(seen)) != rep.Free {
		return nil, a.corrupt("check", a.start, "%d free chunks, %d on lists", rep.Free, len(seen))
	}
	if n := p.get(a.meta + METAFREE); n != rep.FreeBytes {
		return nil, a.corrupt("check", a.meta+METAFREE, "free bytes %d, counted %d", n, rep.FreeBytes)
	}
	if n := p.get(a.meta + METALIVE); n != rep.Live {
		return nil, a.corrupt("check", a.meta+METALIVE, "live count %d, counted %d", n, rep.Live)
	}
	return rep, nil
}

// unlink removes free chunk c from its class list.
func (a *Alloc) unlink(p *plan, c common.Offset) error {
	cls := class(p.get(c))
	prev := headAddr(a.meta, cls)
	steps := uint64(0)
	for cur := p.get(prev); cur != c; cur = p.get(prev) {
		steps++
		if cur == 0 || steps > a.maxChunks() {
			return a.corrupt("coalesce", c, "free chunk missing from list %d", cls)
		}
		prev = cur + 16
	}
	p.set(prev, p.get(c+16))
	return nil
}

// Coalesce merges adjacent free chunks and returns the number of merges.
// The caller must ensure no transaction is running. Each merge is its own
// atomic update, so a crash leaves a well-formed heap.
func (a *Alloc) Coalesce() (uint64, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	merged := uint64(0)
	for c := a.start; c < a.end; {
		size, marker, err := a.validChunk(a.mkPlan(), c)
		if err != nil {
			return merged, err
		}
		for marker == FREE && !a.quarantine[c] && c+size < a.end {
			n := c + size
			nsize, nmarker, err := a.validChunk(a.mkPlan(), n)
			if err != nil {
				return merged, err
			}
			if nmarker != FREE || a.quarantine[n] {
				break
			}
			p := a.mkPlan()
			err = a.unlink(p, c)
			if err != nil {
				return merged, err
			}
			err = a.unlink(p, n)
			if err != nil {
				return merged, err
			}
			a.push(p, c, size+nsize)
			err = a.log.Commit(p.upds)
			if err != nil {
				return merged, err
			}
			size += nsize
			merged++
		}
		c += size
	}
	util.DPrintf(1, "coalesce: %d merges\n", merged)
	return merged, nil
}
