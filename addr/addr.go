package addr

import (
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/util"
)

// Range identifies a span of pool bytes [Off, Off+Len).
type Range struct {
	Off common.Offset
	Len uint64
}

func MkRange(off common.Offset, n uint64) Range {
	return Range{Off: off, Len: n}
}

func (r Range) End() common.Offset {
	return r.Off + r.Len
}

func (r Range) Contains(o Range) bool {
	return r.Off <= o.Off && o.End() <= r.End()
}

func (r Range) Overlaps(o Range) bool {
	return r.Off < o.End() && o.Off < r.End()
}

// Within reports whether r lies inside a region of the given size without
// overflowing.
func (r Range) Within(size uint64) bool {
	if util.SumOverflows(r.Off, r.Len) {
		return false
	}
	return r.End() <= size
}

// Align widens r to whole units of sz bytes.
func (r Range) Align(sz uint64) Range {
	start := util.AlignDown(r.Off, sz)
	end := util.AlignUp(r.End(), sz)
	return Range{Off: start, Len: end - start}
}

// Lines returns the cache-line aligned cover of r.
func (r Range) Lines() Range {
	return r.Align(common.LINESZ)
}

// Merge coalesces overlapping or adjacent ranges; rs must be sorted by Off.
func Merge(rs []Range) []Range {
	var out []Range
	for _, r := range rs {
		n := len(out)
		if n > 0 && r.Off <= out[n-1].End() {
			if r.End() > out[n-1].End() {
				out[n-1].Len = r.End() - out[n-1].Off
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func GetWord(mem []byte, off common.Offset) uint64 {
	dec := marshal.NewDec(mem[off : off+common.WORDSZ])
	return dec.GetInt()
}

func PutWord(mem []byte, off common.Offset, v uint64) {
	enc := marshal.NewEnc(common.WORDSZ)
	enc.PutInt(v)
	copy(mem[off:off+common.WORDSZ], enc.Finish())
}
