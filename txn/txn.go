package txn

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mit-pdos/go-pmem/addr"
	"github.com/mit-pdos/go-pmem/alloc"
	"github.com/mit-pdos/go-pmem/borrow"
	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/flush"
	"github.com/mit-pdos/go-pmem/jrnl"
	"github.com/mit-pdos/go-pmem/stats"
	"github.com/mit-pdos/go-pmem/util"
)

//
// txn makes groups of updates to a pool atomic with respect to crashes.
// Before a transaction modifies pool bytes it logs their prior contents in
// its journal segment; commit makes the new bytes durable and then flips
// the segment to Committed. Abort, and recovery of a transaction that never
// reached Committed, restore the logged bytes in reverse order.
//
// Allocation and deallocation are logged logically: an allocation is undone
// by freeing it, and a deallocation only happens once the transaction has
// committed.
//

type TransId = uint64

type Config struct {
	Mem     []byte
	Flush   flush.Backend
	Alloc   *alloc.Alloc
	Journal *jrnl.Journal
	Borrows *borrow.Table
	ID      uuid.UUID
	Stats   *stats.Stats
}

type Txn struct {
	mu      *sync.Mutex
	rootMu  *sync.Mutex // held by the transaction changing the root
	mem     []byte
	fl      flush.Backend
	alloc   *alloc.Alloc
	jrnl    *jrnl.Journal
	borrows *borrow.Table
	id      uuid.UUID
	stats   *stats.Stats
	nextId  TransId
}

func MkTxn(cfg Config) *Txn {
	txn := &Txn{
		mu:      new(sync.Mutex),
		rootMu:  new(sync.Mutex),
		mem:     cfg.Mem,
		fl:      cfg.Flush,
		alloc:   cfg.Alloc,
		jrnl:    cfg.Journal,
		borrows: cfg.Borrows,
		id:      cfg.ID,
		stats:   cfg.Stats,
		nextId:  TransId(0),
	}
	return txn
}

// Return a unique Id for a transaction
func (txn *Txn) GetTransId() TransId {
	txn.mu.Lock()
	var id = txn.nextId
	if id == 0 { // skip 0
		txn.nextId += 1
		id = 1
	}
	txn.nextId += 1
	txn.mu.Unlock()
	return id
}

func (txn *Txn) Mem() []byte {
	return txn.mem
}

func (txn *Txn) ID() uuid.UUID {
	return txn.id
}

func (txn *Txn) Borrows() *borrow.Table {
	return txn.borrows
}

func (txn *Txn) Alloc() *alloc.Alloc {
	return txn.alloc
}

func (txn *Txn) Stats() *stats.Stats {
	return txn.stats
}

// Quiesced reports whether no transaction is running.
func (txn *Txn) Quiesced() bool {
	return txn.jrnl.Active() == 0
}

// Root returns the root object's offset and type tag.
func (txn *Txn) Root() (common.Offset, uint32) {
	return addr.GetWord(txn.mem, common.HDRROOT), uint32(addr.GetWord(txn.mem, common.HDRROOTTAG))
}

func (txn *Txn) Generation() uint64 {
	return addr.GetWord(txn.mem, common.HDRGEN)
}

func (txn *Txn) persist(r addr.Range) error {
	return txn.fl.Persist(r.Off, r.Len)
}

// Begin starts a top-level transaction, waiting for a free journal segment
// if all are in use.
func (txn *Txn) Begin() (*Tx, error) {
	id := txn.GetTransId()
	seg, err := txn.jrnl.Acquire(id)
	if err != nil {
		return nil, err
	}
	tx := mkTx(txn, id, seg)
	util.DPrintf(3, "Begin %d: segment %d\n", id, seg.Index())
	return tx, nil
}

// Run runs f in a transaction, committing if f returns nil and aborting
// otherwise. A panic in f aborts the transaction and is re-raised.
func (txn *Txn) Run(f func(tx *Tx) error) error {
	tx, err := txn.Begin()
	if err != nil {
		return err
	}
	return tx.run(f)
}

// undo replays ents backwards: logged bytes are restored and made durable,
// allocations freed, and pending frees forgotten. It returns the offsets it
// freed. Replaying the same entries again has no further effect.
func (txn *Txn) undo(seg *jrnl.Segment, ents []jrnl.Entry) ([]common.Offset, error) {
	var freed []common.Offset
	for i := len(ents) - 1; i >= 0; i-- {
		e := ents[i]
		switch e.Kind {
		case jrnl.KindData:
			copy(txn.mem[e.Target:e.Target+e.Len], seg.Data(e))
			err := txn.persist(addr.MkRange(e.Target, e.Len))
			if err != nil {
				return freed, err
			}
		case jrnl.KindAlloc:
			if e.Target == 0 {
				continue
			}
			ok, err := txn.alloc.Free(e.Target)
			if err != nil {
				return freed, err
			}
			if ok {
				freed = append(freed, e.Target)
			}
		case jrnl.KindFree:
			txn.alloc.UnmarkPending(e.Target)
		}
	}
	return freed, nil
}

// redoFrees performs the frees of a committed transaction that have not
// happened yet.
func (txn *Txn) redoFrees(ents []jrnl.Entry) ([]common.Offset, error) {
	var freed []common.Offset
	for _, e := range ents {
		if e.Kind != jrnl.KindFree {
			continue
		}
		ok, err := txn.alloc.Free(e.Target)
		if err != nil {
			return freed, err
		}
		if ok {
			freed = append(freed, e.Target)
		}
	}
	return freed, nil
}

// Recover replays the journal after a crash: transactions that had not
// committed are rolled back, committed ones get their deferred frees. The
// journal is then cleared. Recover returns the number of transactions
// replayed. Running it again after a crash part way through converges on
// the same state.
func (txn *Txn) Recover() (int, error) {
	segs, err := txn.jrnl.Scan()
	if err != nil {
		return 0, err
	}
	for _, seg := range segs {
		ents := seg.Entries(seg.Start())
		switch seg.State() {
		case jrnl.SegActive:
			util.DPrintf(1, "Recover: rolling back tx %d (%d entries)\n", seg.TxId(), len(ents))
			_, err = txn.undo(seg, ents)
		case jrnl.SegCommitted:
			util.DPrintf(1, "Recover: finishing commit of tx %d\n", seg.TxId())
			_, err = txn.redoFrees(ents)
		}
		if err != nil {
			return 0, common.MkError("recover", 0,
				fmt.Errorf("tx %d: %w: %w", seg.TxId(), common.ErrRecoveryFailed, err))
		}
	}
	txn.alloc.ReleaseAll()
	err = txn.jrnl.Reset()
	if err != nil {
		return 0, err
	}
	txn.stats.Recovered(len(segs))
	return len(segs), nil
}
