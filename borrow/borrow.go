// borrow is a sharded table of borrow states for persistent objects.
//
// Every persistent object (identified by its pool offset) has a borrow
// state: some number of shared borrows, or one mutable borrow. On top of
// that, a transaction that mutably borrows an object claims it until the
// transaction ends, so no other transaction can observe or modify bytes
// that might still be rolled back. Conflicts are not waited out: an
// acquisition that would conflict fails immediately with
// common.ErrBorrowViolation.
//
// As in a lock map, the table does not store a state for every object; it
// keeps NSHARD shards, and shard i holds the states of all offsets a with
// a % NSHARD = i. States of unborrowed, unclaimed objects are deleted.
package borrow

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/stats"
	"github.com/mit-pdos/go-pmem/util"
)

// Outside is the transaction id of code running outside any transaction.
const Outside uint64 = 0

type borrowState struct {
	shared  uint64
	mutable bool
	owner   uint64 // claiming transaction, or Outside
}

func (st *borrowState) idle() bool {
	return st.shared == 0 && !st.mutable && st.owner == Outside
}

type borrowShard struct {
	mu    *sync.Mutex
	state map[uint64]*borrowState
}

func mkBorrowShard() *borrowShard {
	state := make(map[uint64]*borrowState)
	mu := new(sync.Mutex)
	a := &borrowShard{
		mu:    mu,
		state: state,
	}
	return a
}

func (shard *borrowShard) get(off uint64) *borrowState {
	st, ok := shard.state[off]
	if !ok {
		st = &borrowState{}
		shard.state[off] = st
	}
	return st
}

func (shard *borrowShard) put(off uint64, st *borrowState) {
	if st.idle() {
		delete(shard.state, off)
	}
}

const NSHARD uint64 = 43

type Table struct {
	shards  []*borrowShard
	enabled bool
	stats   *stats.Stats
}

// MkTable returns a borrow table. A disabled table grants everything and
// keeps no state.
func MkTable(enabled bool, s *stats.Stats) *Table {
	var shards []*borrowShard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkBorrowShard())
	}
	a := &Table{
		shards:  shards,
		enabled: enabled,
		stats:   s,
	}
	return a
}

func (t *Table) Enabled() bool {
	return t.enabled
}

func (t *Table) violation(off uint64, format string, args ...interface{}) error {
	t.stats.BorrowViolation()
	msg := fmt.Sprintf(format, args...)
	util.DPrintf(3, "borrow 0x%x: %s\n", off, msg)
	return common.MkError("borrow", off, fmt.Errorf("%s: %w", msg, common.ErrBorrowViolation))
}

// AcquireShared takes a shared borrow of off for transaction id (Outside
// for reads outside a transaction).
func (t *Table) AcquireShared(off uint64, id uint64) error {
	if !t.enabled {
		return nil
	}
	shard := t.shards[off%NSHARD]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	st := shard.get(off)
	if st.mutable {
		shard.put(off, st)
		return t.violation(off, "mutably borrowed")
	}
	if st.owner != Outside && st.owner != id {
		shard.put(off, st)
		return t.violation(off, "claimed by transaction %d", st.owner)
	}
	st.shared += 1
	return nil
}

func (t *Table) ReleaseShared(off uint64) {
	if !t.enabled {
		return
	}
	shard := t.shards[off%NSHARD]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	st, ok := shard.state[off]
	if !ok || st.shared == 0 {
		panic("ReleaseShared")
	}
	st.shared -= 1
	shard.put(off, st)
}

// AcquireMut takes the mutable borrow of off for transaction id and claims
// off for it. It reports whether this is the transaction's first claim on
// off.
func (t *Table) AcquireMut(off uint64, id uint64) (bool, error) {
	if id == Outside {
		return false, common.MkError("borrow", off, common.ErrNoTransaction)
	}
	if !t.enabled {
		return false, nil
	}
	shard := t.shards[off%NSHARD]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	st := shard.get(off)
	if st.owner != Outside && st.owner != id {
		shard.put(off, st)
		return false, t.violation(off, "claimed by transaction %d", st.owner)
	}
	if st.mutable {
		return false, t.violation(off, "already mutably borrowed")
	}
	if st.shared > 0 {
		return false, t.violation(off, "%d shared borrows outstanding", st.shared)
	}
	first := st.owner == Outside
	st.mutable = true
	st.owner = id
	return first, nil
}

// ReleaseMut ends the mutable borrow of off. The claim stays until
// ReleaseClaims.
func (t *Table) ReleaseMut(off uint64) {
	if !t.enabled {
		return
	}
	shard := t.shards[off%NSHARD]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	st, ok := shard.state[off]
	if !ok || !st.mutable {
		panic("ReleaseMut")
	}
	st.mutable = false
	shard.put(off, st)
}

// ReleaseClaims drops the claims of transaction id on offs, at the end of
// the transaction.
func (t *Table) ReleaseClaims(id uint64, offs []uint64) {
	if !t.enabled {
		return
	}
	for _, off := range offs {
		shard := t.shards[off%NSHARD]
		shard.mu.Lock()
		st, ok := shard.state[off]
		if ok && st.owner == id {
			st.owner = Outside
			st.mutable = false
			shard.put(off, st)
		}
		shard.mu.Unlock()
	}
}

// State reports the borrow state of off.
func (t *Table) State(off uint64) (shared uint64, mutable bool, owner uint64) {
	shard := t.shards[off%NSHARD]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	st, ok := shard.state[off]
	if !ok {
		return 0, false, Outside
	}
	return st.shared, st.mutable, st.owner
}

// Len is the number of objects with a non-idle state.
func (t *Table) Len() int {
	n := 0
	for _, shard := range t.shards {
		shard.mu.Lock()
		n += len(shard.state)
		shard.mu.Unlock()
	}
	return n
}
