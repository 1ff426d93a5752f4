// Package jrnl is the undo journal of a pool.
//
// The journal region is divided into segments and every running top-level
// transaction owns one. A segment starts with a header line (state, seq,
// transaction id) followed by entries:
//
//	seq | kind | target | len | sum | data (padded to 8 bytes)
//
// and a zero word terminating the entries. An append writes the entry and a
// fresh terminator and persists both before returning, so an entry is
// durable before the bytes it protects are modified. sum is a blake3 hash of
// the entry, which lets recovery tell a torn final entry from a complete
// one: scanning stops at the terminator or at the first entry that does not
// match the segment's seq or its checksum.
//
// The segment state is the commit marker: a transaction whose segment says
// Committed has committed, even if the commit-time work (performing
// deferred frees) was cut short by a crash.
package jrnl

import (
	"fmt"
	"sync"

	"github.com/tchajed/marshal"
	"github.com/zeebo/blake3"

	"github.com/mit-pdos/go-pmem/addr"
	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/flush"
	"github.com/mit-pdos/go-pmem/stats"
	"github.com/mit-pdos/go-pmem/util"
)

type State uint64

const (
	SegFree      State = 0
	SegActive    State = 1
	SegCommitted State = 2
)

func (s State) String() string {
	switch s {
	case SegFree:
		return "free"
	case SegActive:
		return "active"
	case SegCommitted:
		return "committed"
	}
	return fmt.Sprintf("State(%d)", uint64(s))
}

type Kind uint64

const (
	KindData  Kind = 1 // prior bytes of Target
	KindAlloc Kind = 2 // allocation to undo on abort; Target filled in by the allocator
	KindFree  Kind = 3 // deallocation to perform at commit
)

const (
	SEGHDR = common.LINESZ
	ENTHDR = 5 * common.WORDSZ
	TERMSZ = common.WORDSZ

	// MinSegment leaves room for a few small entries.
	MinSegment = 512
)

// Segment header word holding the state.
const (
	hdrState = 0
)

type Entry struct {
	Kind   Kind
	Target common.Offset
	Len    uint64
	pos    common.Offset
}

// Mark is a position in a segment that the segment can be truncated back
// to.
type Mark struct {
	tail common.Offset
	n    int
}

type Journal struct {
	mu    *sync.Mutex
	cond  *sync.Cond
	mem   []byte
	fl    flush.Backend
	off   common.Offset
	size  uint64
	seq   uint64
	segs  []*Segment
	free  []*Segment
	stats *stats.Stats
}

type Segment struct {
	j     *Journal
	idx   uint64
	off   common.Offset
	size  uint64
	seq   uint64
	txid  uint64
	state State
	tail  common.Offset
	ents  []Entry
}

// Size returns the bytes needed for nseg segments of segsz bytes.
func Size(nseg uint64, segsz uint64) uint64 {
	return nseg * segsz
}

// MkJournal takes ownership of nseg segments of segsz bytes at off.
// It does not look at their contents; call Scan to recover and Reset to
// clear them.
func MkJournal(mem []byte, fl flush.Backend, off common.Offset, nseg uint64, segsz uint64,
	s *stats.Stats) *Journal {
	if segsz < MinSegment || segsz%common.LINESZ != 0 || nseg == 0 {
		panic(fmt.Sprintf("jrnl: bad geometry %d x %d", nseg, segsz))
	}
	mu := new(sync.Mutex)
	j := &Journal{
		mu:    mu,
		cond:  sync.NewCond(mu),
		mem:   mem,
		fl:    fl,
		off:   off,
		size:  nseg * segsz,
		stats: s,
	}
	for i := uint64(0); i < nseg; i++ {
		seg := &Segment{
			j:    j,
			idx:  i,
			off:  off + i*segsz,
			size: segsz,
		}
		j.segs = append(j.segs, seg)
	}
	j.free = append(j.free, j.segs...)
	return j
}

func (j *Journal) Range() addr.Range {
	return addr.MkRange(j.off, j.size)
}

func (j *Journal) NumSegments() uint64 {
	return uint64(len(j.segs))
}

// Active returns the number of segments in use.
func (j *Journal) Active() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return uint64(len(j.segs) - len(j.free))
}

// Acquire waits for a free segment and starts it for transaction txid.
func (j *Journal) Acquire(txid uint64) (*Segment, error) {
	j.mu.Lock()
	for len(j.free) == 0 {
		util.DPrintf(5, "jrnl: %d waiting for a segment\n", txid)
		j.cond.Wait()
	}
	n := len(j.free)
	seg := j.free[n-1]
	j.free = j.free[:n-1]
	j.seq++
	seq := j.seq
	j.mu.Unlock()

	err := seg.begin(seq, txid)
	if err != nil {
		j.Release(seg)
		return nil, err
	}
	return seg, nil
}

// Release returns a segment whose state is back to Free.
func (j *Journal) Release(seg *Segment) {
	j.mu.Lock()
	seg.ents = nil
	j.free = append(j.free, seg)
	j.cond.Signal()
	j.mu.Unlock()
}

// Reset zeroes the journal region and makes every segment free. The caller
// must ensure no transaction is running; recovery calls it once the
// segments returned by Scan have been replayed.
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := j.off; i < j.off+j.size; i++ {
		j.mem[i] = 0
	}
	j.free = j.free[:0]
	for _, seg := range j.segs {
		seg.state = SegFree
		seg.ents = nil
		j.free = append(j.free, seg)
	}
	return j.fl.Persist(j.off, j.size)
}

func (s *Segment) Index() uint64 {
	return s.idx
}

func (s *Segment) TxId() uint64 {
	return s.txid
}

func (s *Segment) State() State {
	return s.state
}

func (s *Segment) hdr() []byte {
	enc := marshal.NewEnc(3 * common.WORDSZ)
	enc.PutInts([]uint64{uint64(s.state), s.seq, s.txid})
	return enc.Finish()
}

// begin makes seq and the empty entry list durable before the state, so a
// segment that reads Active never pairs a new state with stale entries.
func (s *Segment) begin(seq uint64, txid uint64) error {
	s.seq = seq
	s.txid = txid
	s.tail = s.off + SEGHDR
	s.ents = nil
	s.state = SegFree
	copy(s.j.mem[s.off:], s.hdr())
	addr.PutWord(s.j.mem, s.tail, 0)
	util.DPrintf(3, "jrnl: segment %d begin tx %d seq %d\n", s.idx, txid, seq)
	err := s.j.fl.Persist(s.off, SEGHDR+TERMSZ)
	if err != nil {
		return err
	}
	return s.SetState(SegActive)
}

// SetState changes and persists the segment state. Setting Committed is
// the commit point of the owning transaction.
func (s *Segment) SetState(st State) error {
	s.state = st
	addr.PutWord(s.j.mem, s.off+hdrState, uint64(st))
	util.DPrintf(3, "jrnl: segment %d tx %d %v\n", s.idx, s.txid, st)
	return s.j.fl.Persist(s.off+hdrState, common.WORDSZ)
}

func checksum(seq uint64, kind Kind, target common.Offset, n uint64, data []byte) uint64 {
	if kind == KindAlloc {
		// the allocator fills in the target after the entry is durable
		target = 0
	}
	enc := marshal.NewEnc(4 * common.WORDSZ)
	enc.PutInts([]uint64{seq, uint64(kind), target, n})
	h := blake3.New()
	h.Write(enc.Finish())
	h.Write(data)
	sum := h.Sum(nil)
	return marshal.NewDec(sum[:8]).GetInt()
}

func (s *Segment) append(kind Kind, target common.Offset, data []byte) (Entry, error) {
	n := uint64(len(data))
	esz := ENTHDR + util.AlignUp(n, common.WORDSZ)
	if s.tail+esz+TERMSZ > s.off+s.size {
		util.DPrintf(3, "jrnl: segment %d full (%d bytes)\n", s.idx, esz)
		return Entry{}, common.MkError("log", target, common.ErrTransactionLogExhausted)
	}
	pos := s.tail
	enc := marshal.NewEnc(ENTHDR)
	enc.PutInts([]uint64{s.seq, uint64(kind), target, n, checksum(s.seq, kind, target, n, data)})
	copy(s.j.mem[pos:], enc.Finish())
	copy(s.j.mem[pos+ENTHDR:], data)
	for i := pos + ENTHDR + n; i < pos+esz; i++ {
		s.j.mem[i] = 0
	}
	addr.PutWord(s.j.mem, pos+esz, 0)
	err := s.j.fl.Persist(pos, esz+TERMSZ)
	if err != nil {
		return Entry{}, err
	}
	s.tail = pos + esz
	e := Entry{Kind: kind, Target: target, Len: n, pos: pos}
	s.ents = append(s.ents, e)
	s.j.stats.LogEntry(esz)
	util.DPrintf(5, "jrnl: tx %d entry %d kind %d target 0x%x len %d\n",
		s.txid, len(s.ents)-1, kind, target, n)
	return e, nil
}

// AppendData logs the current contents of [target, target+n).
func (s *Segment) AppendData(target common.Offset, n uint64) error {
	if !addr.MkRange(target, n).Within(uint64(len(s.j.mem))) {
		return common.MkError("log", target, common.ErrInvalidOffset)
	}
	_, err := s.append(KindData, target, s.j.mem[target:target+n])
	return err
}

// AppendAlloc logs an allocation about to happen. The returned address is
// the entry's target word, for the allocator to fill in atomically with
// the allocation.
func (s *Segment) AppendAlloc() (common.Offset, error) {
	e, err := s.append(KindAlloc, 0, nil)
	if err != nil {
		return 0, err
	}
	return e.pos + 2*common.WORDSZ, nil
}

func (s *Segment) AppendFree(off common.Offset) error {
	_, err := s.append(KindFree, off, nil)
	return err
}

func (s *Segment) Mark() Mark {
	return Mark{tail: s.tail, n: len(s.ents)}
}

// Truncate discards the entries after m. The terminator is persisted at m
// before returning, so recovery no longer sees them.
func (s *Segment) Truncate(m Mark) error {
	if m.n > len(s.ents) || m.tail > s.tail {
		panic("jrnl: Truncate past tail")
	}
	addr.PutWord(s.j.mem, m.tail, 0)
	err := s.j.fl.Persist(m.tail, TERMSZ)
	if err != nil {
		return err
	}
	s.tail = m.tail
	s.ents = s.ents[:m.n]
	return nil
}

// Entries returns the entries from m onwards, oldest first, with
// allocation targets read back from the log.
func (s *Segment) Entries(m Mark) []Entry {
	ents := make([]Entry, 0, len(s.ents)-m.n)
	for _, e := range s.ents[m.n:] {
		if e.Kind == KindAlloc {
			e.Target = addr.GetWord(s.j.mem, e.pos+2*common.WORDSZ)
		}
		ents = append(ents, e)
	}
	return ents
}

// Start is the mark of an empty segment.
func (s *Segment) Start() Mark {
	return Mark{tail: s.off + SEGHDR, n: 0}
}

// Data returns the bytes logged by a KindData entry.
func (s *Segment) Data(e Entry) []byte {
	start := e.pos + ENTHDR
	return s.j.mem[start : start+e.Len]
}

// NumEntries is the number of entries appended since begin.
func (s *Segment) NumEntries() int {
	return len(s.ents)
}
