package buf

import (
	"github.com/mit-pdos/go-pmem/addr"
	"github.com/mit-pdos/go-pmem/common"
)

//
// a map from ranges to objects, bucketed by the block a range starts in
//

type aentry struct {
	addr addr.Range
	obj  interface{}
}

type AddrMap struct {
	addrs map[uint64][]*aentry
}

func MkAddrMap() *AddrMap {
	a := &AddrMap{
		addrs: make(map[uint64][]*aentry),
	}
	return a
}

func blkno(r addr.Range) uint64 {
	return r.Off / common.BLOCKSZ
}

func (amap *AddrMap) Lookup(r addr.Range) interface{} {
	var obj interface{}
	addrs, ok := amap.addrs[blkno(r)]
	if ok {
		for _, a := range addrs {
			if a.addr == r {
				obj = a.obj
				break
			}
		}
	}
	return obj
}

// Covering returns an object whose range contains r, if any.
func (amap *AddrMap) Covering(r addr.Range) interface{} {
	// most ranges are looked up within the block they start in
	for _, a := range amap.addrs[blkno(r)] {
		if a.addr.Contains(r) {
			return a.obj
		}
	}
	var obj interface{}
	amap.Apply(func(ar addr.Range, e interface{}) {
		if obj == nil && ar.Contains(r) {
			obj = e
		}
	})
	return obj
}

func (amap *AddrMap) Insert(r addr.Range, obj interface{}) {
	aentry := &aentry{addr: r, obj: obj}
	bn := blkno(r)
	amap.addrs[bn] = append(amap.addrs[bn], aentry)
}

func (amap *AddrMap) Del(r addr.Range) {
	bn := blkno(r)
	entries, found := amap.addrs[bn]
	if !found {
		panic("del")
	}
	for i, a := range entries {
		if a.addr == r {
			entries = append(entries[:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(amap.addrs, bn)
			} else {
				amap.addrs[bn] = entries
			}
			return
		}
	}
	panic("del")
}

func (amap *AddrMap) Apply(f func(addr.Range, interface{})) {
	for _, addrs := range amap.addrs {
		for _, a := range addrs {
			f(a.addr, a.obj)
		}
	}
}

func (amap *AddrMap) Len() int {
	n := 0
	for _, addrs := range amap.addrs {
		n += len(addrs)
	}
	return n
}
