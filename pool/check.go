package pool

import (
	"sort"

	"github.com/mit-pdos/go-pmem/alloc"
	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/pptr"
	"github.com/mit-pdos/go-pmem/util"
)

// Report is the result of a pool check.
type Report struct {
	*alloc.Report

	// Objects reached from the root.
	Reachable uint64
	// Reached objects whose type has no registered tracer; their pointers
	// were not followed.
	Untraced uint64
	// Pointers, found in reached objects, to offsets that are not live
	// allocations.
	Dangling []common.Offset
	// Live allocations not reached from the root. Only computed when every
	// reached object could be traced.
	Leaked []common.Offset
}

// Check verifies the allocator's structures and walks the object graph
// from the root. No transaction may be running.
func (p *Pool) Check() (*Report, error) {
	err := p.checkOpen()
	if err != nil {
		return nil, err
	}
	if !p.txn.Quiesced() {
		return nil, common.MkError("check", 0, common.ErrBusy)
	}
	arep, err := p.alloc.Check()
	if err != nil {
		return nil, err
	}
	rep := &Report{Report: arep}

	mem := p.r.Bytes()
	seen := make(map[common.Offset]bool)
	root, _ := p.txn.Root()
	var work []common.Offset
	if root != common.NULLOFF {
		work = append(work, root)
	}
	for len(work) > 0 {
		off := work[len(work)-1]
		work = work[:len(work)-1]
		if seen[off] {
			continue
		}
		seen[off] = true
		size, tag, err := p.alloc.Lookup(off)
		if err != nil {
			rep.Dangling = append(rep.Dangling, off)
			continue
		}
		rep.Reachable++
		trace, ok := pptr.Tracer(tag)
		if !ok {
			rep.Untraced++
			continue
		}
		for _, ptr := range trace(mem[off : off+size]) {
			if ptr != common.NULLOFF {
				work = append(work, ptr)
			}
		}
	}
	if rep.Untraced == 0 {
		for _, off := range p.alloc.Live() {
			if !seen[off] {
				rep.Leaked = append(rep.Leaked, off)
			}
		}
		sort.Slice(rep.Leaked, func(i, j int) bool { return rep.Leaked[i] < rep.Leaked[j] })
	}
	util.DPrintf(1, "check: %d chunks, %d reachable, %d untraced, %d dangling, %d leaked\n",
		rep.Chunks, rep.Reachable, rep.Untraced, len(rep.Dangling), len(rep.Leaked))
	return rep, nil
}
