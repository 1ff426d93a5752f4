package pool_test

import (
	"bytes"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-pmem/addr"
	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/flush"
	"github.com/mit-pdos/go-pmem/pool"
	"github.com/mit-pdos/go-pmem/pptr"
	"github.com/mit-pdos/go-pmem/region"
	"github.com/mit-pdos/go-pmem/txn"
)

const nblk = 256

type counter struct {
	N    uint64
	Hist [4]uint64
}

type node struct {
	Next uint64
	Val  uint64
}

func (n node) PersistentPointers() []uint64 {
	return []uint64{n.Next}
}

type list struct {
	Head uint64
	Len  uint64
}

func (l list) PersistentPointers() []uint64 {
	return []uint64{l.Head}
}

func init() {
	pptr.RegisterTracer[node]()
	pptr.RegisterTracer[list]()
}

func testOptions() pool.Options {
	opts := pool.DefaultOptions()
	opts.JournalSegments = 4
	opts.JournalSegmentSize = 4096
	return opts
}

type PoolSuite struct {
	suite.Suite
	d    disk.Disk
	r    *region.Block
	p    *pool.Pool
	opts pool.Options
}

func (suite *PoolSuite) SetupTest() {
	suite.opts = testOptions()
	suite.d = disk.NewMemDisk(nblk)
	suite.r = region.NewBlockRegion(suite.d)
	p, err := pool.CreateOn(suite.r, suite.opts)
	suite.Require().NoError(err)
	suite.p = p
}

// crash drops the pool without closing it and opens what reached the disk.
func (suite *PoolSuite) crash() {
	suite.r = region.NewBlockRegion(suite.d)
	p, err := pool.OpenOn(suite.r, suite.opts)
	suite.Require().NoError(err)
	suite.p = p
}

func TestPool(t *testing.T) {
	suite.Run(t, new(PoolSuite))
}

func (suite *PoolSuite) TestFresh() {
	h := suite.p.Header()
	suite.Equal(common.MAGIC, h.Magic)
	suite.Equal(uint64(nblk*disk.BlockSize), h.Total)
	suite.Equal(uint64(4), h.NumSegments())
	suite.Equal(common.NULLOFF, h.Root)
	suite.Equal(uint64(0), suite.p.Generation())
	suite.Equal(0, suite.p.Recovered())
	suite.Equal(h.HeapSize, suite.p.FreeBytes())
	rep, err := suite.p.Check()
	suite.Require().NoError(err)
	suite.Equal(uint64(1), rep.Free)
	suite.Equal(uint64(0), rep.Reachable)
	suite.Empty(rep.Leaked)
}

func (suite *PoolSuite) TestRootOnce() {
	calls := 0
	init := func(tx *txn.Tx, c *counter) error {
		calls++
		c.N = 42
		return nil
	}
	root, err := pool.Root(suite.p, init)
	suite.Require().NoError(err)
	suite.Equal(uint64(1), suite.p.Generation())
	again, err := pool.Root(suite.p, init)
	suite.Require().NoError(err)
	suite.Equal(1, calls)
	suite.Equal(root.Offset(), again.Offset())

	_, err = pool.Root[node](suite.p, nil)
	suite.ErrorIs(err, common.ErrTypeMismatch)

	suite.crash()
	root, err = pool.Root[counter](suite.p, nil)
	suite.Require().NoError(err)
	c, err := root.Get(nil)
	suite.Nil(err)
	suite.Equal(uint64(42), c.N)
	suite.Equal(uint64(1), suite.p.Generation())
}

func (suite *PoolSuite) TestRootInitFails() {
	_, err := pool.Root(suite.p, func(tx *txn.Tx, c *counter) error {
		return common.ErrOutOfSpace
	})
	suite.ErrorIs(err, common.ErrOutOfSpace)
	suite.Equal(common.NULLOFF, suite.p.Header().Root)
	suite.Equal(uint64(0), suite.p.NumLive())
}

func (suite *PoolSuite) TestCommitThenReopen() {
	root, err := pool.Root[counter](suite.p, nil)
	suite.Require().NoError(err)
	err = suite.p.Transaction(func(tx *txn.Tx) error {
		m, err := root.BorrowMut(tx)
		if err != nil {
			return err
		}
		m.Value().N = 7
		m.Value().Hist[3] = 99
		return nil
	})
	suite.Require().NoError(err)

	suite.crash()
	suite.Equal(0, suite.p.Recovered())
	root, err = pool.Root[counter](suite.p, nil)
	suite.Require().NoError(err)
	c, err := root.Get(nil)
	suite.Nil(err)
	suite.Equal(uint64(7), c.N)
	suite.Equal(uint64(99), c.Hist[3])
}

func (suite *PoolSuite) TestCrashBeforeMarker() {
	free := suite.p.FreeBytes()
	tx, err := suite.p.Begin()
	suite.Require().NoError(err)
	off, err := tx.Alloc(1000, 0, 0)
	suite.Require().NoError(err)
	copy(suite.r.Bytes()[off:], "uncommitted")
	suite.Nil(suite.r.Sync())

	suite.crash()
	suite.Equal(1, suite.p.Recovered())
	suite.Equal(free, suite.p.FreeBytes())
	suite.Equal(uint64(0), suite.p.NumLive())
	_, err = suite.p.At(off)
	suite.ErrorIs(err, common.ErrInvalidOffset)
	_, err = suite.p.Check()
	suite.Nil(err)
}

func (suite *PoolSuite) TestConcurrentMutableBorrow() {
	root, err := pool.Root[counter](suite.p, nil)
	suite.Require().NoError(err)

	tx1, err := suite.p.Begin()
	suite.Require().NoError(err)
	m, err := root.BorrowMut(tx1)
	suite.Require().NoError(err)
	m.Value().N = 1

	tx2, err := suite.p.Begin()
	suite.Require().NoError(err)
	_, err = root.BorrowMut(tx2)
	suite.ErrorIs(err, common.ErrBorrowViolation)
	suite.Equal(txn.Aborted, tx2.State())

	_, err = root.Get(nil)
	suite.ErrorIs(err, common.ErrBorrowViolation, "uncommitted bytes are not readable")

	m.Release()
	_, err = root.Get(nil)
	suite.ErrorIs(err, common.ErrBorrowViolation, "claim lasts until commit")
	suite.Nil(tx1.Commit())

	c, err := root.Get(nil)
	suite.Nil(err)
	suite.Equal(uint64(1), c.N)
}

func (suite *PoolSuite) TestDoubleDealloc() {
	var p pptr.Ptr[node]
	err := suite.p.Transaction(func(tx *txn.Tx) error {
		var err error
		p, err = pptr.New(tx, node{Val: 1})
		return err
	})
	suite.Require().NoError(err)
	err = suite.p.Transaction(func(tx *txn.Tx) error {
		err := p.Free(tx)
		if err != nil {
			return err
		}
		return p.Free(tx)
	})
	suite.ErrorIs(err, common.ErrDoubleFree)
	suite.Equal(uint64(1), suite.p.NumLive())

	suite.Nil(suite.p.Transaction(p.Free))
	err = suite.p.Transaction(p.Free)
	suite.ErrorIs(err, common.ErrDoubleFree)
}

func (suite *PoolSuite) TestRecoverTwice() {
	root, err := pool.Root[list](suite.p, nil)
	suite.Require().NoError(err)
	tx, err := suite.p.Begin()
	suite.Require().NoError(err)
	for i := uint64(0); i < 5; i++ {
		suite.Require().NoError(push(tx, root, i))
	}
	suite.Nil(suite.r.Sync())

	suite.crash()
	suite.Equal(1, suite.p.Recovered())
	h1 := suite.p.Header()
	rep1, err := suite.p.Check()
	suite.Require().NoError(err)
	img1 := append([]byte(nil), suite.r.Bytes()...)

	suite.crash()
	suite.Equal(0, suite.p.Recovered())
	suite.Equal(h1, suite.p.Header())
	rep2, err := suite.p.Check()
	suite.Require().NoError(err)
	suite.Equal(rep1, rep2)
	suite.True(bytes.Equal(img1, suite.r.Bytes()))
}

func (suite *PoolSuite) TestCheckReachability() {
	root, err := pool.Root[list](suite.p, nil)
	suite.Require().NoError(err)
	var leaked common.Offset
	err = suite.p.Transaction(func(tx *txn.Tx) error {
		for i := uint64(0); i < 3; i++ {
			err := push(tx, root, i)
			if err != nil {
				return err
			}
		}
		n, err := pptr.New(tx, node{Val: 100})
		leaked = n.Offset()
		return err
	})
	suite.Require().NoError(err)

	rep, err := suite.p.Check()
	suite.Require().NoError(err)
	suite.Equal(uint64(4), rep.Reachable)
	suite.Equal(uint64(0), rep.Untraced)
	suite.Empty(rep.Dangling)
	suite.Equal([]common.Offset{leaked}, rep.Leaked)
	suite.Equal(uint64(5), rep.Live)
}

func (suite *PoolSuite) TestCoalesce() {
	var ptrs []pptr.Ptr[counter]
	err := suite.p.Transaction(func(tx *txn.Tx) error {
		for i := 0; i < 4; i++ {
			p, err := pptr.New(tx, counter{N: uint64(i)})
			if err != nil {
				return err
			}
			ptrs = append(ptrs, p)
		}
		return nil
	})
	suite.Require().NoError(err)
	err = suite.p.Transaction(func(tx *txn.Tx) error {
		for _, p := range ptrs {
			err := p.Free(tx)
			if err != nil {
				return err
			}
		}
		return nil
	})
	suite.Require().NoError(err)

	tx, err := suite.p.Begin()
	suite.Require().NoError(err)
	_, err = suite.p.Coalesce()
	suite.ErrorIs(err, common.ErrBusy)
	_, err = suite.p.Check()
	suite.ErrorIs(err, common.ErrBusy)
	suite.Nil(tx.Abort())

	n, err := suite.p.Coalesce()
	suite.Nil(err)
	suite.Greater(n, uint64(0))
	rep, err := suite.p.Check()
	suite.Require().NoError(err)
	suite.Equal(uint64(1), rep.Free)
}

func (suite *PoolSuite) TestClose() {
	suite.Nil(suite.p.Close())
	suite.ErrorIs(suite.p.Close(), common.ErrClosed)
	_, err := suite.p.Begin()
	suite.ErrorIs(err, common.ErrClosed)
	suite.ErrorIs(suite.p.Transaction(func(tx *txn.Tx) error { return nil }), common.ErrClosed)
}

func (suite *PoolSuite) TestCloseBusy() {
	tx, err := suite.p.Begin()
	suite.Require().NoError(err)
	suite.ErrorIs(suite.p.Close(), common.ErrBusy)
	suite.Nil(tx.Commit())
	suite.Nil(suite.p.Close())
}

func (suite *PoolSuite) TestStats() {
	_, err := pool.Root[counter](suite.p, nil)
	suite.Require().NoError(err)
	snap, err := suite.p.Stats().Snapshot()
	suite.Require().NoError(err)
	suite.Equal(float64(1), snap["pmem_commits_total"])
	suite.Equal(float64(1), snap["pmem_allocs_total"])
	suite.Greater(snap["pmem_persists_total"], float64(0))
}

func push(tx *txn.Tx, root pptr.Ptr[list], v uint64) error {
	l, err := root.BorrowMut(tx)
	if err != nil {
		return err
	}
	defer l.Release()
	n, err := pptr.New(tx, node{Val: v, Next: l.Value().Head})
	if err != nil {
		return err
	}
	err = pptr.Link(tx, &l.Value().Head, n.Raw())
	if err != nil {
		return err
	}
	l.Value().Len++
	return nil
}

func TestCorruptHeader(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(nblk)
	p, err := pool.CreateOn(region.NewBlockRegion(d), testOptions())
	require.NoError(t, err)
	require.NoError(t, p.Close())

	reopen := func(f func(mem []byte)) error {
		r := region.NewBlockRegion(d)
		orig := append([]byte(nil), r.Bytes()[:disk.BlockSize]...)
		f(r.Bytes())
		_, err := pool.OpenOn(r, testOptions())
		copy(r.Bytes(), orig)
		require.NoError(t, r.Sync())
		return err
	}
	assert.ErrorIs(reopen(func(mem []byte) { addr.PutWord(mem, common.HDRMAGIC, 0) }),
		common.ErrCorruptHeader)
	assert.ErrorIs(reopen(func(mem []byte) { addr.PutWord(mem, common.HDRVERSION, 2) }),
		common.ErrIncompatibleVersion)
	assert.ErrorIs(reopen(func(mem []byte) { addr.PutWord(mem, common.HDRHEAPSZ, 4096) }),
		common.ErrCorruptHeader)
	assert.ErrorIs(reopen(func(mem []byte) { mem[common.HDRUUID] ^= 1 }),
		common.ErrCorruptHeader)
	assert.Nil(reopen(func(mem []byte) {}))
}

func TestUnformatted(t *testing.T) {
	_, err := pool.OpenOn(region.NewBlockRegion(disk.NewMemDisk(nblk)), testOptions())
	assert.ErrorIs(t, err, common.ErrCorruptHeader)
}

func TestTooSmall(t *testing.T) {
	_, err := pool.CreateOn(region.NewBlockRegion(disk.NewMemDisk(6)), testOptions())
	assert.ErrorIs(t, err, common.ErrPoolTooSmall)
	_, err = pool.CreateOn(region.NewBlockRegion(disk.NewMemDisk(7)), testOptions())
	assert.Nil(t, err)
}

// Every flush strategy must leave the same durable contents.
func TestBackendsAgree(t *testing.T) {
	var images [][]byte
	var roots []common.Offset
	for _, kind := range flush.Kinds() {
		opts := testOptions()
		opts.Flush = kind
		d := disk.NewMemDisk(nblk)
		p, err := pool.CreateOn(region.NewBlockRegion(d), opts)
		require.NoError(t, err)
		root, err := pool.Root[list](p, nil)
		require.NoError(t, err)
		for i := uint64(0); i < 20; i++ {
			err := p.Transaction(func(tx *txn.Tx) error {
				return push(tx, root, i)
			})
			require.NoError(t, err, "%v", kind)
		}
		err = p.Transaction(func(tx *txn.Tx) error {
			l, err := root.Get(tx)
			if err != nil {
				return err
			}
			n, err := pptr.LoadAt[node](p.Manager(), l.Head)
			if err != nil {
				return err
			}
			return n.Set(tx, node{Next: 0, Val: 1000})
		})
		require.NoError(t, err, "%v", kind)

		// no Close: only what the strategy persisted survives
		r := region.NewBlockRegion(d)
		p2, err := pool.OpenOn(r, opts)
		require.NoError(t, err, "%v", kind)
		h := p2.Header()
		images = append(images, append([]byte(nil), r.Bytes()[h.AllocOff:]...))
		roots = append(roots, h.Root)
		rep, err := p2.Check()
		require.NoError(t, err, "%v", kind)
		assert.Equal(t, uint64(2), rep.Reachable, "%v", kind)
		assert.Len(t, rep.Leaked, 19, "%v", kind)
	}
	for i := 1; i < len(images); i++ {
		assert.Equal(t, roots[0], roots[i])
		assert.True(t, bytes.Equal(images[0], images[i]), "%v differs from %v",
			flush.Kinds()[i], flush.Kinds()[0])
	}
}

func TestFilePool(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "pool")
	opts := pool.DefaultOptions()
	opts.Size = 1 << 20

	_, err := pool.Open(path, opts)
	assert.Error(err)
	_, err = pool.OpenFlags(path, 0, opts)
	assert.ErrorIs(err, fs.ErrNotExist)

	p, err := pool.OpenFlags(path, pool.OCFNE, opts)
	require.NoError(t, err)
	id := p.ID()
	_, err = pool.Open(path, opts)
	assert.ErrorIs(err, common.ErrBusy, "pool is locked while open")

	root, err := pool.Root(p, func(tx *txn.Tx, c *counter) error {
		c.N = 5
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Transaction(func(tx *txn.Tx) error {
		return root.Set(tx, counter{N: 6})
	}))
	require.NoError(t, p.Close())

	p, err = pool.OpenFlags(path, pool.OCFNE, opts)
	require.NoError(t, err)
	assert.Equal(id, p.ID(), "existing pool is opened, not recreated")
	root, err = pool.Root[counter](p, nil)
	require.NoError(t, err)
	c, err := root.Get(nil)
	assert.Nil(err)
	assert.Equal(uint64(6), c.N)
	require.NoError(t, p.Close())

	p, err = pool.OpenFlags(path, pool.OFormat, opts)
	require.NoError(t, err)
	assert.NotEqual(id, p.ID())
	assert.Equal(common.NULLOFF, p.Header().Root)
	require.NoError(t, p.Close())

	p, err = pool.Create(path, 2<<20, opts)
	require.NoError(t, err)
	assert.Equal(uint64(2<<20), p.Header().Total)
	require.NoError(t, p.Close())
	p, err = pool.Open(path, opts)
	require.NoError(t, err)
	assert.Equal(0, p.Recovered())
	require.NoError(t, p.Close())
}
