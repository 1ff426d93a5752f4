package alloc

import (
	"github.com/mit-pdos/go-pmem/addr"
	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/wal"
)

// A plan is an overlay of pending word updates on top of the pool. Reads
// see earlier writes of the same plan; nothing reaches the pool until the
// plan is committed through the redo log.
type plan struct {
	mem  []byte
	upds []wal.Update
	idx  map[common.Offset]int
}

func (a *Alloc) mkPlan() *plan {
	return &plan{
		mem: a.mem,
		idx: make(map[common.Offset]int),
	}
}

func (p *plan) get(off common.Offset) uint64 {
	i, ok := p.idx[off]
	if ok {
		return p.upds[i].Value
	}
	return addr.GetWord(p.mem, off)
}

func (p *plan) set(off common.Offset, v uint64) {
	i, ok := p.idx[off]
	if ok {
		p.upds[i].Value = v
		return
	}
	p.idx[off] = len(p.upds)
	p.upds = append(p.upds, wal.MkUpdate(off, v))
}
