package buf

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-pmem/addr"
)

func TestBufMap(t *testing.T) {
	assert := assert.New(t)
	bmap := MkBufMap()
	b1 := MkBuf(addr.MkRange(100, 50))
	b2 := MkFreshBuf(addr.MkRange(8192, 8192))
	bmap.Insert(b1)
	bmap.Insert(b2)

	assert.Equal(b1, bmap.Lookup(addr.MkRange(100, 50)))
	assert.Nil(bmap.Lookup(addr.MkRange(100, 49)))
	assert.Equal(b1, bmap.Covering(addr.MkRange(110, 10)))
	assert.Equal(b2, bmap.Covering(addr.MkRange(12288+5, 100)), "covering buf starts in an earlier block")
	assert.Nil(bmap.Covering(addr.MkRange(140, 20)))

	assert.True(b2.IsFresh())
	assert.Equal(uint64(1), bmap.Ndirty())
	b1.SetDirty()
	assert.Equal(uint64(2), bmap.Ndirty())
	assert.Len(bmap.Bufs(), 2)

	bmap.Del(addr.MkRange(100, 50))
	assert.Nil(bmap.Lookup(addr.MkRange(100, 50)))
	assert.Len(bmap.Bufs(), 1)
}

func TestDirtyRanges(t *testing.T) {
	bmap := MkBufMap()
	for _, r := range []addr.Range{addr.MkRange(130, 4), addr.MkRange(0, 10), addr.MkRange(60, 10), addr.MkRange(500, 1)} {
		b := MkBuf(r)
		b.SetDirty()
		bmap.Insert(b)
	}
	bmap.Insert(MkBuf(addr.MkRange(1000, 8)))
	assert.Equal(t, []addr.Range{addr.MkRange(0, 192), addr.MkRange(448, 64)}, bmap.DirtyRanges())
}
