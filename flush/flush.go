// Package flush makes ranges of a region durable.
//
// A Backend is chosen once, when a pool is opened. Every strategy gives the
// same guarantee: when Persist returns, the range is durable, so anything
// persisted afterwards becomes durable no earlier. Strategies differ only
// in which region primitives they issue and how much they cost.
package flush

import (
	"fmt"

	"github.com/mit-pdos/go-pmem/addr"
	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/region"
	"github.com/mit-pdos/go-pmem/stats"
	"github.com/mit-pdos/go-pmem/util"
)

type Kind int

const (
	Writeback       Kind = iota // write back lines, then fence
	FlushInvalidate             // flush and evict line by line, then fence
	NonTemporal                 // store around the cache, then fence
	SyncAll                     // synchronize the whole mapping
	Noop                        // no durability at all
)

var kindNames = map[Kind]string{
	Writeback:       "clwb",
	FlushInvalidate: "clflush",
	NonTemporal:     "ntstore",
	SyncAll:         "msync",
	Noop:            "noop",
}

func (k Kind) String() string {
	s, ok := kindNames[k]
	if !ok {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return s
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return Noop, fmt.Errorf("unknown flush strategy %q", s)
}

// Kinds lists the strategies that actually persist.
func Kinds() []Kind {
	return []Kind{Writeback, FlushInvalidate, NonTemporal, SyncAll}
}

type Backend interface {
	Persist(off common.Offset, n uint64) error
	Kind() Kind
}

type backend struct {
	kind  Kind
	r     region.Region
	stats *stats.Stats
}

func New(kind Kind, r region.Region, s *stats.Stats) Backend {
	util.DPrintf(1, "flush: using %v\n", kind)
	return &backend{kind: kind, r: r, stats: s}
}

func (b *backend) Kind() Kind {
	return b.kind
}

func (b *backend) Persist(off common.Offset, n uint64) error {
	if n == 0 {
		return nil
	}
	lines := addr.MkRange(off, n).Lines()
	if lines.End() > b.r.Size() {
		lines.Len = b.r.Size() - lines.Off
	}
	util.DPrintf(10, "Persist %v: [%d, %d)\n", b.kind, lines.Off, lines.End())
	b.stats.Persist(lines.Len)
	var err error
	switch b.kind {
	case Writeback:
		b.stats.FlushOp("writeback")
		err = b.r.WriteBack(lines.Off, lines.Len)
		if err == nil {
			err = b.drain()
		}
	case FlushInvalidate:
		for l := lines.Off; l < lines.End(); l += common.LINESZ {
			b.stats.FlushOp("invalidate")
			err = b.r.Invalidate(l, common.LINESZ)
			if err != nil {
				break
			}
		}
		if err == nil {
			err = b.drain()
		}
	case NonTemporal:
		b.stats.FlushOp("storethrough")
		err = b.r.StoreThrough(lines.Off, b.r.Bytes()[lines.Off:lines.End()])
		if err == nil {
			err = b.drain()
		}
	case SyncAll:
		b.stats.FlushOp("sync")
		err = b.r.Sync()
	case Noop:
	}
	if err != nil {
		return fmt.Errorf("persist [%d, %d): %w", lines.Off, lines.End(), err)
	}
	return nil
}

func (b *backend) drain() error {
	b.stats.FlushOp("drain")
	return b.r.Drain()
}
