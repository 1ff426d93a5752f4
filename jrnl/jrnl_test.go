package jrnl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-pmem/addr"
	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/flush"
	"github.com/mit-pdos/go-pmem/region"
)

const (
	nseg  = 2
	segsz = 1024
)

func mkJournal(d disk.Disk) (*region.Block, *Journal) {
	r := region.NewBlockRegion(d)
	fl := flush.New(flush.Writeback, r, nil)
	return r, MkJournal(r.Bytes(), fl, common.JRNLOFF, nseg, segsz, nil)
}

func TestAppendScan(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(8)
	r, j := mkJournal(d)
	copy(r.Bytes()[20000:], "old bytes")

	seg, err := j.Acquire(7)
	require.NoError(t, err)
	assert.Nil(seg.AppendData(20000, 9))
	link, err := seg.AppendAlloc()
	assert.Nil(err)
	addr.PutWord(r.Bytes(), link, 24576)
	assert.Nil(r.Sync())
	assert.Nil(seg.AppendFree(28672))
	copy(r.Bytes()[20000:], "new bytes")

	_, j2 := mkJournal(d)
	segs, err := j2.Scan()
	require.NoError(t, err)
	require.Len(t, segs, 1)
	s := segs[0]
	assert.Equal(SegActive, s.State())
	assert.Equal(uint64(7), s.TxId())
	ents := s.Entries(s.Start())
	require.Len(t, ents, 3)
	assert.Equal(KindData, ents[0].Kind)
	assert.Equal("old bytes", string(s.Data(ents[0])))
	assert.Equal(Entry{Kind: KindAlloc, Target: 24576, pos: ents[1].pos}, ents[1])
	assert.Equal(KindFree, ents[2].Kind)
	assert.Equal(uint64(28672), ents[2].Target)
	assert.Equal(uint64(1), j2.Active(), "recovered segment is not free")

	assert.Nil(j2.Reset())
	assert.Equal(uint64(0), j2.Active())
	segs, err = j2.Scan()
	assert.Nil(err)
	assert.Empty(segs)
}

func TestCommittedState(t *testing.T) {
	d := disk.NewMemDisk(8)
	_, j := mkJournal(d)
	seg, _ := j.Acquire(1)
	seg.AppendFree(20000)
	assert.Nil(t, seg.SetState(SegCommitted))
	_, j2 := mkJournal(d)
	segs, err := j2.Scan()
	require.NoError(t, err)
	assert.Equal(t, SegCommitted, segs[0].State())

	assert.Nil(t, seg.SetState(SegFree))
	_, j3 := mkJournal(d)
	segs, _ = j3.Scan()
	assert.Empty(t, segs)
}

func TestTornEntryIgnored(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(8)
	r, j := mkJournal(d)
	seg, _ := j.Acquire(1)
	assert.Nil(seg.AppendData(20000, 16))
	m := seg.Mark()
	assert.Nil(seg.AppendData(20100, 16))
	// damage the second entry's data as a partial write would
	r.Bytes()[m.tail+ENTHDR+3] ^= 0xff
	assert.Nil(r.Sync())

	_, j2 := mkJournal(d)
	segs, err := j2.Scan()
	require.NoError(t, err)
	assert.Len(segs[0].Entries(segs[0].Start()), 1)
}

func TestStaleEntriesIgnored(t *testing.T) {
	d := disk.NewMemDisk(8)
	_, j := mkJournal(d)
	seg, _ := j.Acquire(1)
	seg.AppendData(20000, 16)
	seg.AppendData(20100, 16)
	seg.SetState(SegFree)
	j.Release(seg)
	// reuse: the old entries are still on media behind the new terminator
	for {
		s2, _ := j.Acquire(2)
		if s2 == seg {
			break
		}
		defer j.Release(s2)
	}
	_, j2 := mkJournal(d)
	segs, err := j2.Scan()
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Empty(t, segs[0].Entries(segs[0].Start()))
}

func TestTruncate(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(8)
	_, j := mkJournal(d)
	seg, _ := j.Acquire(1)
	seg.AppendData(20000, 8)
	m := seg.Mark()
	seg.AppendData(20008, 8)
	seg.AppendFree(24576)
	assert.Len(seg.Entries(m), 2)
	assert.Nil(seg.Truncate(m))
	assert.Equal(1, seg.NumEntries())
	seg.AppendData(20016, 8)

	_, j2 := mkJournal(d)
	segs, _ := j2.Scan()
	ents := segs[0].Entries(segs[0].Start())
	require.Len(t, ents, 2)
	assert.Equal(uint64(20016), ents[1].Target)
}

func TestExhausted(t *testing.T) {
	d := disk.NewMemDisk(8)
	_, j := mkJournal(d)
	seg, _ := j.Acquire(1)
	err := seg.AppendData(20000, segsz)
	assert.ErrorIs(t, err, common.ErrTransactionLogExhausted)
	assert.Nil(t, seg.AppendData(20000, 100), "a smaller entry still fits")
	assert.ErrorIs(t, seg.AppendData(1<<40, 8), common.ErrInvalidOffset)
}

func TestOutOfBoundsTarget(t *testing.T) {
	d := disk.NewMemDisk(8)
	_, j := mkJournal(d)
	seg, _ := j.Acquire(1)
	_, err := seg.append(KindData, 1<<40, []byte{1, 2, 3})
	require.NoError(t, err)
	_, j2 := mkJournal(d)
	_, err = j2.Scan()
	assert.ErrorIs(t, err, common.ErrRecoveryFailed)
}

func TestBadState(t *testing.T) {
	d := disk.NewMemDisk(8)
	r, j := mkJournal(d)
	seg, _ := j.Acquire(1)
	seg.SetState(State(9))
	assert.Nil(t, r.Sync())
	_, j2 := mkJournal(d)
	_, err := j2.Scan()
	assert.ErrorIs(t, err, common.ErrRecoveryFailed)
}

func TestAcquireWaits(t *testing.T) {
	d := disk.NewMemDisk(8)
	_, j := mkJournal(d)
	s1, _ := j.Acquire(1)
	s2, _ := j.Acquire(2)
	got := make(chan *Segment)
	go func() {
		s, _ := j.Acquire(3)
		got <- s
	}()
	select {
	case <-got:
		t.Fatal("acquired a segment while all were in use")
	case <-time.After(50 * time.Millisecond):
	}
	s1.SetState(SegFree)
	j.Release(s1)
	s3 := <-got
	assert.Equal(t, s1, s3)
	assert.Equal(t, uint64(3), s3.TxId())
	j.Release(s2)
}
