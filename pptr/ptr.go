package pptr

import (
	"fmt"
	"unsafe"

	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/txn"
)

// Ptr is a pointer to a T in a pool.
type Ptr[T any] struct {
	raw Raw
}

func sizeOf[T any]() uint64 {
	n := uint64(unsafe.Sizeof(*new(T)))
	if n == 0 {
		return 1
	}
	return n
}

// New allocates a T in tx's pool and stores v in it.
func New[T any](tx *txn.Tx, v T) (Ptr[T], error) {
	err := Persistable[T]()
	if err != nil {
		return Ptr[T]{}, err
	}
	tag := TagOf[T]()
	off, err := tx.Alloc(sizeOf[T](), uint64(unsafe.Alignof(v)), tag)
	if err != nil {
		return Ptr[T]{}, err
	}
	m := tx.Txn()
	// freshly allocated, so no logging
	*(*T)(unsafe.Pointer(&m.Mem()[off])) = v
	return Ptr[T]{raw: Raw{m: m, off: off, n: sizeOf[T](), tag: tag}}, nil
}

// Load types raw as a pointer to T, checking the allocation's tag.
func Load[T any](raw Raw) (Ptr[T], error) {
	err := Persistable[T]()
	if err != nil {
		return Ptr[T]{}, err
	}
	if raw.IsNull() {
		return Ptr[T]{}, common.MkError("load", raw.off, common.ErrInvalidOffset)
	}
	if tag := TagOf[T](); raw.tag != tag {
		return Ptr[T]{}, common.MkError("load", raw.off,
			fmt.Errorf("tag 0x%x, want 0x%x: %w", raw.tag, tag, common.ErrTypeMismatch))
	}
	if raw.n < sizeOf[T]() {
		return Ptr[T]{}, common.MkError("load", raw.off,
			fmt.Errorf("%d bytes for a %d byte type: %w", raw.n, sizeOf[T](), common.ErrTypeMismatch))
	}
	raw.n = sizeOf[T]()
	return Ptr[T]{raw: raw}, nil
}

// LoadAt is Load of the allocation at off.
func LoadAt[T any](m *txn.Txn, off common.Offset) (Ptr[T], error) {
	raw, err := At(m, off)
	if err != nil {
		return Ptr[T]{}, err
	}
	return Load[T](raw)
}

func (p Ptr[T]) Raw() Raw {
	return p.raw
}

func (p Ptr[T]) Offset() common.Offset {
	return p.raw.off
}

func (p Ptr[T]) IsNull() bool {
	return p.raw.IsNull()
}

// Shared is a shared borrow of a T.
type Shared[T any] struct {
	ref *Ref
}

// Get returns a copy of the borrowed value.
func (s *Shared[T]) Get() T {
	b := s.ref.Bytes()
	if b == nil {
		panic("pptr: Get after Release")
	}
	return *(*T)(unsafe.Pointer(unsafe.SliceData(b)))
}

func (s *Shared[T]) Release() {
	s.ref.Release()
}

// Mut is a mutable borrow of a T.
type Mut[T any] struct {
	ref *RefMut
}

// Value points at the borrowed value in the pool, or is nil once the
// borrow is released.
func (m *Mut[T]) Value() *T {
	b := m.ref.Bytes()
	if b == nil {
		return nil
	}
	return (*T)(unsafe.Pointer(unsafe.SliceData(b)))
}

func (m *Mut[T]) Set(v T) {
	p := m.Value()
	if p == nil {
		panic("pptr: Set after Release")
	}
	*p = v
}

func (m *Mut[T]) Release() {
	m.ref.Release()
}

func (p Ptr[T]) Borrow(tx *txn.Tx) (*Shared[T], error) {
	ref, err := p.raw.Borrow(tx)
	if err != nil {
		return nil, err
	}
	return &Shared[T]{ref: ref}, nil
}

func (p Ptr[T]) BorrowMut(tx *txn.Tx) (*Mut[T], error) {
	ref, err := p.raw.BorrowMut(tx)
	if err != nil {
		return nil, err
	}
	return &Mut[T]{ref: ref}, nil
}

// Get borrows p, copies its value out and releases the borrow.
func (p Ptr[T]) Get(tx *txn.Tx) (T, error) {
	s, err := p.Borrow(tx)
	if err != nil {
		var zero T
		return zero, err
	}
	defer s.Release()
	return s.Get(), nil
}

// Set stores v in p within tx.
func (p Ptr[T]) Set(tx *txn.Tx, v T) error {
	m, err := p.BorrowMut(tx)
	if err != nil {
		return err
	}
	m.Set(v)
	m.Release()
	return nil
}

func (p Ptr[T]) Free(tx *txn.Tx) error {
	return p.raw.Free(tx)
}
