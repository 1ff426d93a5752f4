package common

import (
	"github.com/tchajed/goose/machine/disk"
)

// Offset is a byte offset from the start of a pool. Offset 0 is the pool
// header and never names an object, so it doubles as the null pointer.
type Offset = uint64

const NULLOFF Offset = 0

const (
	LINESZ  uint64 = 64             // flush granularity
	BLOCKSZ uint64 = disk.BlockSize // layout granularity
	WORDSZ  uint64 = 8
)

// Pool layout. The header occupies the first block, the allocator metadata
// the second; the journal and heap offsets are recorded in the header.
const (
	HDROFF   Offset = 0
	ALLOCOFF Offset = BLOCKSZ
	ALLOCSZ  uint64 = BLOCKSZ
	JRNLOFF  Offset = ALLOCOFF + ALLOCSZ
)

// Header field offsets.
const (
	HDRMAGIC     Offset = 0
	HDRVERSION   Offset = 8
	HDRTOTAL     Offset = 16
	HDRROOT      Offset = 24
	HDRGEN       Offset = 32
	HDRALLOCOFF  Offset = 40
	HDRALLOCSZ   Offset = 48
	HDRJRNLOFF   Offset = 56
	HDRJRNLSZ    Offset = 64
	HDRHEAPOFF   Offset = 72
	HDRHEAPSZ    Offset = 80
	HDRUUID      Offset = 88
	HDRROOTTAG   Offset = 104
	HDRCHECKSUM  Offset = 112
	HDRSEGSZ     Offset = 120
	HDRFIELDSEND Offset = 128
)

const (
	MAGIC   uint64 = 0x4c4f4f504d504f47 // "GOPMPOOL"
	VERSION uint64 = 1
)

const (
	DefaultPoolSize    uint64 = 8 << 20
	DefaultSegments    uint64 = 8
	DefaultSegmentSize uint64 = 32 << 10
)
