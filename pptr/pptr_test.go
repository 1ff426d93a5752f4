package pptr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/pool"
	"github.com/mit-pdos/go-pmem/pptr"
	"github.com/mit-pdos/go-pmem/region"
	"github.com/mit-pdos/go-pmem/txn"
)

type point struct {
	X, Y int64
}

type tagged struct {
	V uint32
}

func (tagged) PersistentTag() uint32 {
	return 0x7a66
}

type withSlice struct {
	B []byte
}

type pair struct {
	A, B uint64
}

func (p pair) PersistentPointers() []uint64 {
	return []uint64{p.A, p.B}
}

func mkPool(t *testing.T) *pool.Pool {
	opts := pool.DefaultOptions()
	opts.JournalSegments = 2
	opts.JournalSegmentSize = 4096
	p, err := pool.CreateOn(region.NewBlockRegion(disk.NewMemDisk(64)), opts)
	require.NoError(t, err)
	return p
}

func TestTags(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint32(0x7a66), pptr.TagOf[tagged]())
	assert.Equal(pptr.TagOf[point](), pptr.TagOf[point]())
	assert.NotEqual(pptr.TagOf[point](), pptr.TagOf[pair]())
}

func TestPersistable(t *testing.T) {
	assert := assert.New(t)
	assert.Nil(pptr.Persistable[point]())
	assert.Nil(pptr.Persistable[[4]pair]())
	assert.ErrorIs(pptr.Persistable[withSlice](), common.ErrNotPersistable)
	assert.ErrorIs(pptr.Persistable[*point](), common.ErrNotPersistable)
	assert.ErrorIs(pptr.Persistable[string](), common.ErrNotPersistable)
	// cached answers agree
	assert.ErrorIs(pptr.Persistable[withSlice](), common.ErrNotPersistable)

	p := mkPool(t)
	err := p.Transaction(func(tx *txn.Tx) error {
		_, err := pptr.New(tx, withSlice{})
		return err
	})
	assert.ErrorIs(err, common.ErrNotPersistable)
}

func TestNewLoad(t *testing.T) {
	assert := assert.New(t)
	p := mkPool(t)
	var ptr pptr.Ptr[point]
	require.NoError(t, p.Transaction(func(tx *txn.Tx) error {
		var err error
		ptr, err = pptr.New(tx, point{X: 3, Y: -4})
		return err
	}))
	raw, err := p.At(ptr.Offset())
	require.NoError(t, err)
	assert.Equal(pptr.TagOf[point](), raw.Tag())
	assert.Equal(p.ID(), raw.Pool())

	again, err := pptr.Load[point](raw)
	require.NoError(t, err)
	v, err := again.Get(nil)
	assert.Nil(err)
	assert.Equal(point{X: 3, Y: -4}, v)

	_, err = pptr.Load[pair](raw)
	assert.ErrorIs(err, common.ErrTypeMismatch)
	_, err = pptr.LoadAt[point](p.Manager(), ptr.Offset()+16)
	assert.ErrorIs(err, common.ErrInvalidOffset)
	_, err = pptr.Load[point](pptr.Raw{})
	assert.ErrorIs(err, common.ErrInvalidOffset)
}

func TestBorrowHandles(t *testing.T) {
	assert := assert.New(t)
	p := mkPool(t)
	var ptr pptr.Ptr[point]
	require.NoError(t, p.Transaction(func(tx *txn.Tx) error {
		var err error
		ptr, err = pptr.New(tx, point{X: 1})
		return err
	}))

	s1, err := ptr.Borrow(nil)
	require.NoError(t, err)
	s2, err := ptr.Borrow(nil)
	require.NoError(t, err)
	assert.Equal(int64(1), s2.Get().X)

	tx, err := p.Begin()
	require.NoError(t, err)
	_, err = ptr.BorrowMut(tx)
	assert.ErrorIs(err, common.ErrBorrowViolation, "shared borrows outstanding")
	assert.Equal(txn.Aborted, tx.State())
	s1.Release()
	s1.Release()
	s2.Release()

	_, err = ptr.Raw().BorrowMut(nil)
	assert.ErrorIs(err, common.ErrNoTransaction)

	tx, err = p.Begin()
	require.NoError(t, err)
	m, err := ptr.BorrowMut(tx)
	require.NoError(t, err)
	m.Set(point{X: 2, Y: 2})
	assert.Nil(tx.Commit())
	assert.Nil(m.Value(), "commit releases the borrow")

	r, err := ptr.Raw().Borrow(nil)
	require.NoError(t, err)
	assert.Len(r.Bytes(), 16)
	r.Release()
	assert.Nil(r.Bytes())

	v, err := ptr.Get(nil)
	assert.Nil(err)
	assert.Equal(point{X: 2, Y: 2}, v)
}

func TestBorrowMutRange(t *testing.T) {
	assert := assert.New(t)
	p := mkPool(t)
	var ptr pptr.Ptr[pair]
	require.NoError(t, p.Transaction(func(tx *txn.Tx) error {
		var err error
		ptr, err = pptr.New(tx, pair{A: 0, B: 0})
		return err
	}))

	tx, err := p.Begin()
	require.NoError(t, err)
	m, err := ptr.Raw().BorrowMutRange(tx, 8, 8)
	require.NoError(t, err)
	assert.Len(m.Bytes(), 8)
	m.Bytes()[0] = 0xff
	m.Release()
	_, err = ptr.Raw().BorrowMutRange(tx, 8, 16)
	assert.ErrorIs(err, common.ErrInvalidOffset)
	assert.Nil(tx.Commit())

	tx, err = p.Begin()
	require.NoError(t, err)
	m, err = ptr.Raw().BorrowMutRange(tx, 8, 8)
	require.NoError(t, err)
	m.Bytes()[0] = 0xee
	assert.Nil(tx.Abort())

	v, err := ptr.Get(nil)
	assert.Nil(err)
	assert.Equal(pair{B: 0xff}, v, "abort restores the logged range")
}

func TestLink(t *testing.T) {
	assert := assert.New(t)
	p1 := mkPool(t)
	p2 := mkPool(t)

	var other pptr.Ptr[point]
	require.NoError(t, p2.Transaction(func(tx *txn.Tx) error {
		var err error
		other, err = pptr.New(tx, point{})
		return err
	}))

	var holder pptr.Ptr[pair]
	var target pptr.Ptr[point]
	require.NoError(t, p1.Transaction(func(tx *txn.Tx) error {
		var err error
		holder, err = pptr.New(tx, pair{})
		if err != nil {
			return err
		}
		target, err = pptr.New(tx, point{X: 9})
		if err != nil {
			return err
		}
		m, err := holder.BorrowMut(tx)
		if err != nil {
			return err
		}
		defer m.Release()
		return pptr.Link(tx, &m.Value().A, target.Raw())
	}))
	v, err := holder.Get(nil)
	assert.Nil(err)
	assert.Equal(target.Offset(), v.A)

	err = p1.Transaction(func(tx *txn.Tx) error {
		m, err := holder.BorrowMut(tx)
		if err != nil {
			return err
		}
		return pptr.Link(tx, &m.Value().B, other.Raw())
	})
	assert.ErrorIs(err, common.ErrCrossPool)

	var local uint64
	err = p1.Transaction(func(tx *txn.Tx) error {
		return pptr.Link(tx, &local, target.Raw())
	})
	assert.ErrorIs(err, common.ErrCrossPool)

	err = p1.Transaction(func(tx *txn.Tx) error {
		_, err := other.Borrow(tx)
		return err
	})
	assert.ErrorIs(err, common.ErrCrossPool)
}

func TestTracer(t *testing.T) {
	pptr.RegisterTracer[pair]()
	f, ok := pptr.Tracer(pptr.TagOf[pair]())
	require.True(t, ok)
	b := make([]byte, 16)
	b[0] = 0x10
	b[8] = 0x20
	assert.Equal(t, []uint64{0x10, 0x20}, f(b))
	_, ok = pptr.Tracer(pptr.TagOf[point]())
	assert.False(t, ok)
}
