// Package pptr provides pointers into a pool and borrows of the objects
// they point to.
//
// Reading an object goes through a shared borrow and modifying it through
// a mutable borrow, which is only available inside a transaction and logs
// the object's bytes before handing them out. The pool's borrow table
// rejects conflicting borrows instead of waiting for them.
package pptr

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"

	"github.com/mit-pdos/go-pmem/borrow"
	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/txn"
)

// Raw is an untyped pointer to a live allocation in a pool.
type Raw struct {
	m   *txn.Txn
	off common.Offset
	n   uint64
	tag uint32
}

// At returns a pointer to the allocation at off, which must be live.
func At(m *txn.Txn, off common.Offset) (Raw, error) {
	n, tag, err := m.Alloc().Lookup(off)
	if err != nil {
		return Raw{}, err
	}
	return Raw{m: m, off: off, n: n, tag: tag}, nil
}

func (p Raw) IsNull() bool {
	return p.m == nil || p.off == common.NULLOFF
}

func (p Raw) Offset() common.Offset {
	return p.off
}

// Len is the payload size of the allocation.
func (p Raw) Len() uint64 {
	return p.n
}

func (p Raw) Tag() uint32 {
	return p.tag
}

// Pool is the id of the pool p points into.
func (p Raw) Pool() uuid.UUID {
	if p.m == nil {
		return uuid.Nil
	}
	return p.m.ID()
}

func (p Raw) String() string {
	return fmt.Sprintf("0x%x+%d", p.off, p.n)
}

func (p Raw) check(op string, tx *txn.Tx) error {
	if p.IsNull() {
		return common.MkError(op, p.off, common.ErrInvalidOffset)
	}
	if tx != nil && tx.Txn() != p.m {
		return common.MkError(op, p.off, common.ErrCrossPool)
	}
	return nil
}

type handle struct {
	table    *borrow.Table
	off      common.Offset
	mutable  bool
	released atomic.Bool
}

func (h *handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	if h.mutable {
		h.table.ReleaseMut(h.off)
	} else {
		h.table.ReleaseShared(h.off)
	}
}

func (h *handle) Released() bool {
	return h.released.Load()
}

func (h *handle) Mutable() bool {
	return h.mutable
}

// Ref is a shared borrow.
type Ref struct {
	h   *handle
	mem []byte
}

// Bytes returns the borrowed object, or nil once released.
func (r *Ref) Bytes() []byte {
	if r.h.Released() {
		return nil
	}
	return r.mem
}

func (r *Ref) Release() {
	r.h.Release()
}

// RefMut is a mutable borrow of an object whose bytes have been logged.
type RefMut struct {
	h   *handle
	mem []byte
}

// Bytes returns the logged bytes, or nil once released.
func (r *RefMut) Bytes() []byte {
	if r.h.Released() {
		return nil
	}
	return r.mem
}

func (r *RefMut) Release() {
	r.h.Release()
}

func (p Raw) bytes() []byte {
	return p.m.Mem()[p.off : p.off+p.n]
}

// Borrow takes a shared borrow of p. With tx nil the borrow is taken
// outside any transaction and must be released by the caller.
func (p Raw) Borrow(tx *txn.Tx) (*Ref, error) {
	err := p.check("borrow", tx)
	if err != nil {
		return nil, err
	}
	h := &handle{table: p.m.Borrows(), off: p.off}
	if tx == nil {
		err = h.table.AcquireShared(p.off, borrow.Outside)
	} else {
		err = tx.AcquireShared(p.off, h)
	}
	if err != nil {
		return nil, err
	}
	return &Ref{h: h, mem: p.bytes()}, nil
}

// BorrowMut takes a mutable borrow of p for tx and logs the whole object.
func (p Raw) BorrowMut(tx *txn.Tx) (*RefMut, error) {
	return p.BorrowMutRange(tx, 0, p.n)
}

// BorrowMutRange takes a mutable borrow of p for tx but logs, and hands
// out, only the n bytes at off within the object.
func (p Raw) BorrowMutRange(tx *txn.Tx, off uint64, n uint64) (*RefMut, error) {
	if tx == nil {
		return nil, common.MkError("borrow", p.off, common.ErrNoTransaction)
	}
	err := p.check("borrow", tx)
	if err != nil {
		return nil, err
	}
	if off > p.n || n > p.n-off || n == 0 {
		return nil, common.MkError("borrow", p.off+off, common.ErrInvalidOffset)
	}
	h := &handle{table: p.m.Borrows(), off: p.off, mutable: true}
	err = tx.AcquireMut(p.off, h)
	if err != nil {
		return nil, err
	}
	err = tx.LogWrite(p.off+off, n)
	if err != nil {
		return nil, err
	}
	return &RefMut{h: h, mem: p.m.Mem()[p.off+off : p.off+off+n]}, nil
}

// Free deallocates p when tx commits.
func (p Raw) Free(tx *txn.Tx) error {
	err := p.check("free", tx)
	if err != nil {
		return err
	}
	return tx.Dealloc(p.off)
}

// Link stores target's offset in field, a pointer field of an object that
// tx has mutably borrowed. Both must live in tx's pool.
func Link(tx *txn.Tx, field *uint64, target Raw) error {
	mem := tx.Txn().Mem()
	base := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
	at := uintptr(unsafe.Pointer(field))
	if at < base || at >= base+uintptr(len(mem)) {
		return common.MkError("link", 0, common.ErrCrossPool)
	}
	if target.IsNull() {
		*field = common.NULLOFF
		return nil
	}
	if target.m != tx.Txn() {
		return common.MkError("link", target.off, common.ErrCrossPool)
	}
	if !target.m.Alloc().IsLive(target.off) {
		return common.MkError("link", target.off, common.ErrInvalidOffset)
	}
	*field = target.off
	return nil
}
