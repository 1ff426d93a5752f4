package buf

import (
	"sort"

	"github.com/mit-pdos/go-pmem/addr"
)

//
// A map from ranges to bufs.
//

type BufMap struct {
	addrs *AddrMap
}

func MkBufMap() *BufMap {
	a := &BufMap{
		addrs: MkAddrMap(),
	}
	return a
}

func (bmap *BufMap) Insert(buf *Buf) {
	bmap.addrs.Insert(buf.Addr, buf)
}

func (bmap *BufMap) Lookup(r addr.Range) *Buf {
	e := bmap.addrs.Lookup(r)
	if e != nil {
		return e.(*Buf)
	}
	return nil
}

// Covering returns a buf that contains all of r.
func (bmap *BufMap) Covering(r addr.Range) *Buf {
	e := bmap.addrs.Covering(r)
	if e != nil {
		return e.(*Buf)
	}
	return nil
}

func (bmap *BufMap) Del(r addr.Range) {
	bmap.addrs.Del(r)
}

func (bmap *BufMap) Ndirty() uint64 {
	n := uint64(0)
	bmap.addrs.Apply(func(a addr.Range, e interface{}) {
		buf := e.(*Buf)
		if buf.dirty {
			n += 1
		}
	})
	return n
}

func (bmap *BufMap) Bufs() []*Buf {
	bufs := make([]*Buf, 0)
	bmap.addrs.Apply(func(a addr.Range, e interface{}) {
		b := e.(*Buf)
		bufs = append(bufs, b)
	})
	return bufs
}

// DirtyRanges returns the cache lines covering dirty bufs, sorted and
// merged, ready to persist.
func (bmap *BufMap) DirtyRanges() []addr.Range {
	var rs []addr.Range
	bmap.addrs.Apply(func(a addr.Range, e interface{}) {
		b := e.(*Buf)
		if b.dirty {
			rs = append(rs, a.Lines())
		}
	})
	sort.Slice(rs, func(i, j int) bool { return rs[i].Off < rs[j].Off })
	return addr.Merge(rs)
}
