package addr

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRange(t *testing.T) {
	assert := assert.New(t)
	r := MkRange(100, 20)
	assert.Equal(uint64(120), r.End())
	assert.True(r.Contains(MkRange(100, 20)))
	assert.True(r.Contains(MkRange(110, 5)))
	assert.False(r.Contains(MkRange(110, 15)))
	assert.True(r.Overlaps(MkRange(119, 4)))
	assert.False(r.Overlaps(MkRange(120, 4)), "adjacent ranges do not overlap")
	assert.True(r.Within(120))
	assert.False(r.Within(119))
	assert.False(MkRange(1<<64-4, 8).Within(1<<64-1), "overflow")
}

func TestLines(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(MkRange(64, 64), MkRange(100, 20).Lines())
	assert.Equal(MkRange(64, 128), MkRange(100, 40).Lines())
	assert.Equal(MkRange(0, 4096), MkRange(10, 10).Align(4096))
}

func TestMerge(t *testing.T) {
	rs := []Range{MkRange(200, 10), MkRange(0, 64), MkRange(64, 8), MkRange(205, 20)}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Off < rs[j].Off })
	assert.Equal(t, []Range{MkRange(0, 72), MkRange(200, 25)}, Merge(rs))
}

func TestWord(t *testing.T) {
	assert := assert.New(t)
	mem := make([]byte, 32)
	PutWord(mem, 8, 0xdeadbeef01)
	assert.Equal(uint64(0xdeadbeef01), GetWord(mem, 8))
	assert.Equal(byte(0x01), mem[8], "little endian")
	assert.Equal(uint64(0), GetWord(mem, 0))
}
