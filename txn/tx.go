package txn

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-pmem/addr"
	"github.com/mit-pdos/go-pmem/buf"
	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/jrnl"
	"github.com/mit-pdos/go-pmem/util"
)

type State int

const (
	Active State = iota
	Committing
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// A Handle is a borrow of a persistent object. Handles still outstanding
// when the top-level transaction ends are released by it.
type Handle interface {
	Release()
	Released() bool
	Mutable() bool
}

// shared by a top-level transaction and its nested transactions
type txShared struct {
	mu       *sync.Mutex
	seg      *jrnl.Segment
	bufs     *buf.BufMap
	claims   []uint64
	freed    []common.Offset // quarantined until the transaction ends
	holdRoot bool
}

// Tx is a transaction, or a transaction nested in one. Only the innermost
// active transaction of a nest may be used.
type Tx struct {
	txn    *Txn
	id     TransId
	sh     *txShared
	parent *Tx
	child  *Tx
	depth  uint64
	start  jrnl.Mark
	state  State

	// undone if this scope aborts
	added   []addr.Range
	frees   []common.Offset
	handles []Handle
}

func mkTx(txn *Txn, id TransId, seg *jrnl.Segment) *Tx {
	sh := &txShared{
		mu:   new(sync.Mutex),
		seg:  seg,
		bufs: buf.MkBufMap(),
	}
	return &Tx{
		txn:   txn,
		id:    id,
		sh:    sh,
		start: seg.Start(),
		state: Active,
	}
}

func (tx *Tx) ID() TransId {
	return tx.id
}

func (tx *Tx) Depth() uint64 {
	return tx.depth
}

func (tx *Tx) Parent() *Tx {
	return tx.parent
}

func (tx *Tx) Txn() *Txn {
	return tx.txn
}

func (tx *Tx) State() State {
	tx.sh.mu.Lock()
	defer tx.sh.mu.Unlock()
	return tx.state
}

func (tx *Tx) top() *Tx {
	t := tx
	for t.parent != nil {
		t = t.parent
	}
	return t
}

// usable must be called with sh.mu held.
func (tx *Tx) usable() error {
	if tx.state != Active {
		return common.MkError("tx", 0, fmt.Errorf("tx %d %v: %w", tx.id, tx.state, common.ErrTxDone))
	}
	if tx.child != nil {
		panic("txn: transaction used while a nested transaction is active")
	}
	return nil
}

// fail aborts the whole nest and returns err.
func (tx *Tx) fail(err error) error {
	util.DPrintf(1, "tx %d: aborting: %v\n", tx.id, err)
	aerr := tx.top().abortTop()
	if aerr != nil {
		util.DPrintf(0, "tx %d: abort failed: %v\n", tx.id, aerr)
	}
	return err
}

// Begin starts a transaction nested in tx. Aborting it rolls back only what
// it did; committing it hands its effects to tx.
func (tx *Tx) Begin() (*Tx, error) {
	tx.sh.mu.Lock()
	defer tx.sh.mu.Unlock()
	err := tx.usable()
	if err != nil {
		return nil, err
	}
	child := &Tx{
		txn:    tx.txn,
		id:     tx.id,
		sh:     tx.sh,
		parent: tx,
		depth:  tx.depth + 1,
		start:  tx.sh.seg.Mark(),
		state:  Active,
	}
	tx.child = child
	util.DPrintf(5, "tx %d: begin nested depth %d\n", tx.id, child.depth)
	return child, nil
}

// Run runs f in a transaction nested in tx.
func (tx *Tx) Run(f func(tx *Tx) error) error {
	child, err := tx.Begin()
	if err != nil {
		return err
	}
	return child.run(f)
}

func (tx *Tx) run(f func(tx *Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			tx.Abort()
			panic(r)
		}
	}()
	err = f(tx)
	if err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

func (tx *Tx) logRange(r addr.Range) error {
	b := tx.sh.bufs.Covering(r)
	if b != nil {
		b.SetDirty()
		return nil
	}
	err := tx.sh.seg.AppendData(r.Off, r.Len)
	if err != nil {
		return err
	}
	b = buf.MkBuf(r)
	b.SetDirty()
	tx.sh.bufs.Insert(b)
	tx.added = append(tx.added, r)
	return nil
}

// LogWrite logs the current contents of [off, off+n) before the caller
// modifies them. Ranges already logged, or allocated, by this transaction
// are not logged again. The range must lie in the heap.
func (tx *Tx) LogWrite(off common.Offset, n uint64) error {
	tx.sh.mu.Lock()
	defer tx.sh.mu.Unlock()
	err := tx.usable()
	if err != nil {
		return err
	}
	r := addr.MkRange(off, n)
	if n == 0 || !tx.txn.alloc.Heap().Contains(r) {
		return tx.fail(common.MkError("log", off, common.ErrInvalidOffset))
	}
	err = tx.logRange(r)
	if err != nil {
		return tx.fail(err)
	}
	return nil
}

// Write logs [off, off+len(data)) and copies data there.
func (tx *Tx) Write(off common.Offset, data []byte) error {
	err := tx.LogWrite(off, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(tx.txn.mem[off:], data)
	return nil
}

func (tx *Tx) claim(off common.Offset) error {
	borrows := tx.txn.borrows
	first, err := borrows.AcquireMut(off, tx.id)
	if err != nil {
		return err
	}
	borrows.ReleaseMut(off)
	if first {
		tx.sh.claims = append(tx.sh.claims, off)
	}
	return nil
}

// Alloc allocates size bytes of zeroed memory aligned to align and tagged
// with tag. Aborting the transaction frees it.
func (tx *Tx) Alloc(size uint64, align uint64, tag uint32) (common.Offset, error) {
	tx.sh.mu.Lock()
	defer tx.sh.mu.Unlock()
	err := tx.usable()
	if err != nil {
		return 0, err
	}
	link, err := tx.sh.seg.AppendAlloc()
	if err != nil {
		return 0, tx.fail(err)
	}
	off, err := tx.txn.alloc.Alloc(size, align, tag, link)
	if err != nil {
		return 0, tx.fail(err)
	}
	n, _, err := tx.txn.alloc.Lookup(off)
	if err != nil {
		return 0, tx.fail(err)
	}
	r := addr.MkRange(off, n)
	tx.sh.bufs.Insert(buf.MkFreshBuf(r))
	tx.added = append(tx.added, r)
	err = tx.claim(off)
	if err != nil {
		return 0, tx.fail(err)
	}
	return off, nil
}

// Dealloc frees the allocation at off when the transaction commits.
func (tx *Tx) Dealloc(off common.Offset) error {
	tx.sh.mu.Lock()
	defer tx.sh.mu.Unlock()
	err := tx.usable()
	if err != nil {
		return err
	}
	err = tx.claim(off)
	if err != nil {
		return tx.fail(err)
	}
	err = tx.txn.alloc.MarkPending(off, tx.id)
	if err != nil {
		return tx.fail(err)
	}
	err = tx.sh.seg.AppendFree(off)
	if err != nil {
		tx.txn.alloc.UnmarkPending(off)
		return tx.fail(err)
	}
	tx.frees = append(tx.frees, off)
	return nil
}

// AcquireShared takes a shared borrow of off for h.
func (tx *Tx) AcquireShared(off common.Offset, h Handle) error {
	tx.sh.mu.Lock()
	defer tx.sh.mu.Unlock()
	err := tx.usable()
	if err != nil {
		return err
	}
	err = tx.txn.borrows.AcquireShared(off, tx.id)
	if err != nil {
		return tx.fail(err)
	}
	tx.handles = append(tx.handles, h)
	return nil
}

// AcquireMut takes the mutable borrow of off for h, claiming off for the
// rest of the transaction.
func (tx *Tx) AcquireMut(off common.Offset, h Handle) error {
	tx.sh.mu.Lock()
	defer tx.sh.mu.Unlock()
	err := tx.usable()
	if err != nil {
		return err
	}
	first, err := tx.txn.borrows.AcquireMut(off, tx.id)
	if err != nil {
		return tx.fail(err)
	}
	if first {
		tx.sh.claims = append(tx.sh.claims, off)
	}
	tx.handles = append(tx.handles, h)
	return nil
}

// SetRoot logs and updates the pool's root pointer. The transaction
// serializes with other root updates until it ends, and its commit
// advances the pool generation.
func (tx *Tx) SetRoot(off common.Offset, tag uint32) error {
	tx.sh.mu.Lock()
	defer tx.sh.mu.Unlock()
	err := tx.usable()
	if err != nil {
		return err
	}
	if !tx.sh.holdRoot {
		tx.txn.rootMu.Lock()
		tx.sh.holdRoot = true
	}
	err = tx.logRange(addr.MkRange(common.HDRROOT, common.WORDSZ))
	if err == nil {
		err = tx.logRange(addr.MkRange(common.HDRROOTTAG, common.WORDSZ))
	}
	if err != nil {
		return tx.fail(err)
	}
	addr.PutWord(tx.txn.mem, common.HDRROOT, off)
	addr.PutWord(tx.txn.mem, common.HDRROOTTAG, uint64(tag))
	return nil
}

// Commit commits tx. A nested transaction hands its effects to its parent
// and fails with ErrUnreleasedBorrow while it has mutable borrows
// outstanding. A top-level commit makes all writes durable.
func (tx *Tx) Commit() error {
	tx.sh.mu.Lock()
	defer tx.sh.mu.Unlock()
	err := tx.usable()
	if err != nil {
		return err
	}
	if tx.parent == nil {
		return tx.commitTop()
	}
	for _, h := range tx.handles {
		if h.Mutable() && !h.Released() {
			return common.MkError("commit", 0,
				fmt.Errorf("tx %d depth %d: %w", tx.id, tx.depth, common.ErrUnreleasedBorrow))
		}
	}
	p := tx.parent
	p.added = append(p.added, tx.added...)
	p.frees = append(p.frees, tx.frees...)
	p.handles = append(p.handles, tx.handles...)
	p.child = nil
	tx.state = Committed
	util.DPrintf(5, "tx %d: commit nested depth %d\n", tx.id, tx.depth)
	return nil
}

func (tx *Tx) commitTop() error {
	tx.state = Committing
	seg := tx.sh.seg
	if tx.sh.holdRoot {
		err := tx.logRange(addr.MkRange(common.HDRGEN, common.WORDSZ))
		if err != nil {
			return tx.fail(err)
		}
		addr.PutWord(tx.txn.mem, common.HDRGEN, tx.txn.Generation()+1)
	}
	for _, r := range tx.sh.bufs.DirtyRanges() {
		err := tx.txn.persist(r)
		if err != nil {
			return tx.fail(err)
		}
	}
	err := seg.SetState(jrnl.SegCommitted)
	if err != nil {
		return tx.fail(err)
	}
	// committed; a crash from here on is finished by recovery
	for _, off := range tx.frees {
		ok, err := tx.txn.alloc.Free(off)
		if err != nil {
			return tx.finish(Committed, err)
		}
		if ok {
			tx.sh.freed = append(tx.sh.freed, off)
		}
	}
	err = seg.SetState(jrnl.SegFree)
	return tx.finish(Committed, err)
}

// finish ends the top-level transaction. The segment is only reused if its
// state made it back to Free.
func (tx *Tx) finish(st State, err error) error {
	tx.state = st
	for _, h := range tx.handles {
		if !h.Released() {
			h.Release()
		}
	}
	tx.handles = nil
	tx.txn.borrows.ReleaseClaims(tx.id, tx.sh.claims)
	tx.sh.claims = nil
	if err == nil {
		tx.txn.alloc.Release(tx.sh.freed)
		tx.txn.jrnl.Release(tx.sh.seg)
	}
	if tx.sh.holdRoot {
		tx.sh.holdRoot = false
		tx.txn.rootMu.Unlock()
	}
	if st == Committed {
		tx.txn.stats.Commit()
	} else {
		tx.txn.stats.Abort()
	}
	util.DPrintf(3, "tx %d: %v\n", tx.id, st)
	if err != nil {
		util.DPrintf(0, "tx %d: %v; segment %d left for recovery\n", tx.id, err, tx.sh.seg.Index())
	}
	return err
}

// rollback undoes the entries after tx's start mark and the volatile state
// of its scope. Must be called with sh.mu held.
func (tx *Tx) rollback() error {
	seg := tx.sh.seg
	freed, err := tx.txn.undo(seg, seg.Entries(tx.start))
	tx.sh.freed = append(tx.sh.freed, freed...)
	if err != nil {
		return err
	}
	for _, r := range tx.added {
		tx.sh.bufs.Del(r)
	}
	tx.added = nil
	tx.frees = nil
	for _, h := range tx.handles {
		if !h.Released() {
			h.Release()
		}
	}
	tx.handles = nil
	return seg.Truncate(tx.start)
}

// absorbChildren marks tx's nested transactions aborted and takes over
// their volatile state, so that rolling back tx covers them.
func (tx *Tx) absorbChildren() {
	for c := tx.child; c != nil; c = c.child {
		c.state = Aborted
		tx.added = append(tx.added, c.added...)
		tx.handles = append(tx.handles, c.handles...)
	}
	tx.child = nil
}

// abortTop aborts the whole nest. Must be called with sh.mu held on the
// top-level transaction.
func (tx *Tx) abortTop() error {
	tx.absorbChildren()
	err := tx.rollback()
	if err == nil {
		err = tx.sh.seg.SetState(jrnl.SegFree)
	}
	return tx.finish(Aborted, err)
}

// Abort rolls back tx and any transactions nested in it. Aborting a nested
// transaction leaves its parent active. Aborting a transaction that has
// already been aborted does nothing.
func (tx *Tx) Abort() error {
	tx.sh.mu.Lock()
	defer tx.sh.mu.Unlock()
	if tx.state == Aborted {
		return nil
	}
	if tx.state != Active {
		return common.MkError("abort", 0, fmt.Errorf("tx %d %v: %w", tx.id, tx.state, common.ErrTxDone))
	}
	if tx.parent == nil {
		return tx.abortTop()
	}
	tx.absorbChildren()
	err := tx.rollback()
	tx.parent.child = nil
	tx.state = Aborted
	if err != nil {
		return tx.fail(err)
	}
	util.DPrintf(5, "tx %d: abort nested depth %d\n", tx.id, tx.depth)
	return nil
}
