package jrnl

import (
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-pmem/addr"
	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/util"
)

func (j *Journal) failed(seg *Segment, pos common.Offset, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	util.DPrintf(1, "jrnl: segment %d at 0x%x: %s\n", seg.idx, pos, msg)
	return common.MkError("recover", pos, fmt.Errorf("segment %d: %s: %w", seg.idx, msg, common.ErrRecoveryFailed))
}

// Scan reads every segment left in use by a crash and returns them, with
// their valid entries loaded, in segment order. The returned segments stay
// owned by the caller until Reset.
func (j *Journal) Scan() ([]*Segment, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var segs []*Segment
	for _, seg := range j.segs {
		dec := marshal.NewDec(j.mem[seg.off : seg.off+3*common.WORDSZ])
		st := State(dec.GetInt())
		seg.seq = dec.GetInt()
		seg.txid = dec.GetInt()
		seg.state = st
		seg.ents = nil
		seg.tail = seg.off + SEGHDR
		if st == SegFree {
			continue
		}
		if st != SegActive && st != SegCommitted {
			return nil, j.failed(seg, seg.off, "bad state %d", uint64(st))
		}
		err := j.scanEntries(seg)
		if err != nil {
			return nil, err
		}
		if seg.seq > j.seq {
			j.seq = seg.seq
		}
		util.DPrintf(1, "jrnl: segment %d tx %d %v with %d entries\n",
			seg.idx, seg.txid, st, len(seg.ents))
		segs = append(segs, seg)
	}
	// segments returned here are not free until Reset
	j.free = j.free[:0]
	for _, seg := range j.segs {
		if seg.state == SegFree {
			j.free = append(j.free, seg)
		}
	}
	return segs, nil
}

func (j *Journal) scanEntries(seg *Segment) error {
	end := seg.off + seg.size
	limit := uint64(len(j.mem))
	for pos := seg.off + SEGHDR; ; {
		if pos+TERMSZ > end {
			return j.failed(seg, pos, "entries run past segment end")
		}
		if addr.GetWord(j.mem, pos) == 0 {
			break
		}
		if pos+ENTHDR > end {
			break
		}
		dec := marshal.NewDec(j.mem[pos : pos+ENTHDR])
		w := dec.GetInts(5)
		seq, kind, target, n, sum := w[0], Kind(w[1]), w[2], w[3], w[4]
		if seq != seg.seq {
			break
		}
		if n > seg.size || pos+ENTHDR+util.AlignUp(n, common.WORDSZ)+TERMSZ > end {
			// a length this large cannot have been written by append
			break
		}
		data := j.mem[pos+ENTHDR : pos+ENTHDR+n]
		if checksum(seq, kind, target, n, data) != sum {
			util.DPrintf(1, "jrnl: segment %d torn entry at 0x%x\n", seg.idx, pos)
			break
		}
		switch kind {
		case KindData:
			if !addr.MkRange(target, n).Within(limit) {
				return j.failed(seg, pos, "data entry target 0x%x+%d outside pool", target, n)
			}
		case KindAlloc, KindFree:
			if n != 0 || target >= limit {
				return j.failed(seg, pos, "entry target 0x%x outside pool", target)
			}
		default:
			return j.failed(seg, pos, "unknown entry kind %d", uint64(kind))
		}
		seg.ents = append(seg.ents, Entry{Kind: kind, Target: target, Len: n, pos: pos})
		pos += ENTHDR + util.AlignUp(n, common.WORDSZ)
		seg.tail = pos
	}
	return nil
}
