package region

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-pmem/util"
)

var _ Region = (*Block)(nil)

// Block keeps a volatile image of a block device. Stores land in the image;
// only blocks written back and drained reach the disk, so a crash (dropping
// the Block and reopening the disk) loses everything else.
type Block struct {
	mu      *sync.Mutex
	d       disk.Disk
	nblk    uint64
	data    []byte
	pending map[uint64]bool
	barrier bool
}

func NewBlockRegion(d disk.Disk) *Block {
	nblk := d.Size()
	// back the image with words so objects in it are 8-byte aligned
	words := make([]uint64, nblk*disk.BlockSize/8)
	var data []byte
	if len(words) > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), nblk*disk.BlockSize)
	}
	for i := uint64(0); i < nblk; i++ {
		copy(data[i*disk.BlockSize:], d.Read(i))
	}
	util.DPrintf(1, "NewBlockRegion: %d blocks\n", nblk)
	return &Block{
		mu:      new(sync.Mutex),
		d:       d,
		nblk:    nblk,
		data:    data,
		pending: make(map[uint64]bool),
	}
}

func (b *Block) Bytes() []byte {
	return b.data
}

func (b *Block) Size() uint64 {
	return uint64(len(b.data))
}

func (b *Block) blocks(off uint64, n uint64) (uint64, uint64) {
	if n == 0 {
		return 0, 0
	}
	first := off / disk.BlockSize
	last := util.RoundUp(off+n, disk.BlockSize)
	return first, util.Min(last, b.nblk)
}

// writeBlock must be called with b.mu held. The disk gets its own copy so
// later stores to the image stay volatile.
func (b *Block) writeBlock(bn uint64) {
	blk := util.CloneByteSlice(b.data[bn*disk.BlockSize : (bn+1)*disk.BlockSize])
	b.d.Write(bn, blk)
	b.barrier = true
}

func (b *Block) WriteBack(off uint64, n uint64) error {
	first, last := b.blocks(off, n)
	b.mu.Lock()
	for bn := first; bn < last; bn++ {
		b.pending[bn] = true
	}
	b.mu.Unlock()
	return nil
}

func (b *Block) Invalidate(off uint64, n uint64) error {
	first, last := b.blocks(off, n)
	b.mu.Lock()
	for bn := first; bn < last; bn++ {
		b.writeBlock(bn)
		delete(b.pending, bn)
	}
	b.mu.Unlock()
	return nil
}

func (b *Block) StoreThrough(off uint64, src []byte) error {
	first, last := b.blocks(off, uint64(len(src)))
	b.mu.Lock()
	copy(b.data[off:], src)
	for bn := first; bn < last; bn++ {
		b.writeBlock(bn)
		delete(b.pending, bn)
	}
	b.mu.Unlock()
	return nil
}

func (b *Block) Drain() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bns := make([]uint64, 0, len(b.pending))
	for bn := range b.pending {
		bns = append(bns, bn)
	}
	sort.Slice(bns, func(i, j int) bool { return bns[i] < bns[j] })
	for _, bn := range bns {
		b.writeBlock(bn)
		delete(b.pending, bn)
	}
	if b.barrier {
		b.d.Barrier()
		b.barrier = false
	}
	return nil
}

func (b *Block) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for bn := uint64(0); bn < b.nblk; bn++ {
		b.writeBlock(bn)
	}
	b.pending = make(map[uint64]bool)
	b.d.Barrier()
	b.barrier = false
	return nil
}

func (b *Block) Pin(off uint64, n uint64) error {
	return nil
}

func (b *Block) Close() error {
	b.d.Close()
	return nil
}
