// buf tracks the pool ranges a transaction has touched.
package buf

import (
	"github.com/mit-pdos/go-pmem/addr"
	"github.com/mit-pdos/go-pmem/util"
)

// A Buf is a range of pool bytes that a transaction may modify: either its
// prior contents are in the transaction's log, or the transaction allocated
// it and abort frees it, so it needs no logging.
type Buf struct {
	Addr  addr.Range
	fresh bool // allocated by this transaction
	dirty bool // has this range been written to?
}

func MkBuf(r addr.Range) *Buf {
	b := &Buf{
		Addr:  r,
		fresh: false,
		dirty: false,
	}
	return b
}

// MkFreshBuf is a buf for memory the transaction allocated.
func MkFreshBuf(r addr.Range) *Buf {
	b := MkBuf(r)
	b.fresh = true
	b.dirty = true
	return b
}

func (buf *Buf) IsFresh() bool {
	return buf.fresh
}

func (buf *Buf) IsDirty() bool {
	return buf.dirty
}

func (buf *Buf) SetDirty() {
	util.DPrintf(20, "%v: dirty\n", buf.Addr)
	buf.dirty = true
}
