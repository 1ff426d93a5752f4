package wal

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-pmem/addr"
	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/flush"
	"github.com/mit-pdos/go-pmem/util"
)

type Update struct {
	Addr  common.Offset
	Value uint64
}

func MkUpdate(a common.Offset, v uint64) Update {
	u := Update{Addr: a, Value: v}
	return u
}

type Walog struct {
	mu  *sync.Mutex
	mem []byte
	fl  flush.Backend
	off common.Offset
	max uint64
}

// MkLog takes ownership of the size bytes of mem at off.
func MkLog(mem []byte, fl flush.Backend, off common.Offset, size uint64) *Walog {
	l := &Walog{
		mu:  new(sync.Mutex),
		mem: mem,
		fl:  fl,
		off: off,
		max: LogSize(size),
	}
	return l
}

// Cap is the largest number of updates one Commit accepts.
func (l *Walog) Cap() uint64 {
	return l.max
}

func (l *Walog) hdr(count uint64) []byte {
	enc := marshal.NewEnc(HDRMETA)
	enc.PutInt(count)
	return enc.Finish()
}

func (l *Walog) logUpdates(upds []Update) error {
	enc := marshal.NewEnc(uint64(len(upds)) * UPDSZ)
	for _, u := range upds {
		util.DPrintf(5, "logUpdates: 0x%x <- 0x%x\n", u.Addr, u.Value)
		enc.PutInts([]uint64{u.Addr, u.Value})
	}
	b := enc.Finish()
	start := l.off + HDRMETA
	copy(l.mem[start:], b)
	return l.fl.Persist(start, uint64(len(b)))
}

func (l *Walog) writeHdr(count uint64) error {
	copy(l.mem[l.off:l.off+HDRMETA], l.hdr(count))
	return l.fl.Persist(l.off, HDRMETA)
}

func (l *Walog) install(upds []Update) error {
	rs := make([]addr.Range, 0, len(upds))
	for _, u := range upds {
		addr.PutWord(l.mem, u.Addr, u.Value)
		rs = append(rs, addr.MkRange(u.Addr, common.WORDSZ).Lines())
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Off < rs[j].Off })
	for _, r := range addr.Merge(rs) {
		err := l.fl.Persist(r.Off, r.Len)
		if err != nil {
			return err
		}
	}
	return nil
}

// Commit applies upds atomically with respect to crashes.
func (l *Walog) Commit(upds []Update) error {
	if uint64(len(upds)) > l.max {
		return fmt.Errorf("wal commit of %d updates: %w", len(upds), common.ErrLogOverflow)
	}
	if len(upds) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.logUpdates(upds)
	if err != nil {
		return err
	}
	// atomic installation
	err = l.writeHdr(uint64(len(upds)))
	if err != nil {
		return err
	}
	err = l.install(upds)
	if err != nil {
		return err
	}
	return l.writeHdr(0)
}

func (l *Walog) read() ([]Update, error) {
	dec := marshal.NewDec(l.mem[l.off : l.off+HDRMETA])
	count := dec.GetInt()
	if count > l.max {
		return nil, fmt.Errorf("wal count %d exceeds capacity %d: %w",
			count, l.max, common.ErrAllocatorCorruption)
	}
	start := l.off + HDRMETA
	dec = marshal.NewDec(l.mem[start : start+count*UPDSZ])
	words := dec.GetInts(2 * count)
	var upds []Update
	for i := uint64(0); i < count; i++ {
		u := MkUpdate(words[2*i], words[2*i+1])
		if !addr.MkRange(u.Addr, common.WORDSZ).Within(uint64(len(l.mem))) {
			return nil, fmt.Errorf("wal update at 0x%x: %w", u.Addr, common.ErrAllocatorCorruption)
		}
		upds = append(upds, u)
	}
	return upds, nil
}

// Recover finishes a commit interrupted by a crash. It returns the number
// of updates reinstalled.
func (l *Walog) Recover() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	upds, err := l.read()
	if err != nil {
		return 0, err
	}
	if len(upds) == 0 {
		return 0, nil
	}
	util.DPrintf(1, "wal: recovering %d updates\n", len(upds))
	err = l.install(upds)
	if err != nil {
		return 0, err
	}
	err = l.writeHdr(0)
	if err != nil {
		return 0, err
	}
	return uint64(len(upds)), nil
}
