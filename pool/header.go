package pool

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tchajed/marshal"
	"github.com/zeebo/blake3"

	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/jrnl"
	"github.com/mit-pdos/go-pmem/util"
)

// Header is the decoded first block of a pool.
type Header struct {
	Magic      uint64
	Version    uint64
	Total      uint64
	Root       common.Offset
	Generation uint64
	AllocOff   common.Offset
	AllocSize  uint64
	JrnlOff    common.Offset
	JrnlSize   uint64
	HeapOff    common.Offset
	HeapSize   uint64
	ID         uuid.UUID
	RootTag    uint32
	Checksum   uint64
	SegSize    uint64
}

// mkHeader lays out a pool of size bytes with nseg journal segments of
// segsz bytes. The magic is left zero.
func mkHeader(size uint64, nseg uint64, segsz uint64) (*Header, error) {
	if nseg == 0 || segsz < jrnl.MinSegment || segsz%common.LINESZ != 0 {
		return nil, fmt.Errorf("journal %d x %d: %w", nseg, segsz, common.ErrPoolTooSmall)
	}
	total := util.AlignDown(size, common.BLOCKSZ)
	jsz := jrnl.Size(nseg, segsz)
	heap := common.JRNLOFF + util.AlignUp(jsz, common.BLOCKSZ)
	if total < heap+common.BLOCKSZ {
		return nil, fmt.Errorf("%d bytes, need %d: %w", size, heap+common.BLOCKSZ, common.ErrPoolTooSmall)
	}
	h := &Header{
		Version:   common.VERSION,
		Total:     total,
		AllocOff:  common.ALLOCOFF,
		AllocSize: common.ALLOCSZ,
		JrnlOff:   common.JRNLOFF,
		JrnlSize:  jsz,
		HeapOff:   heap,
		HeapSize:  total - heap,
		ID:        uuid.New(),
		SegSize:   segsz,
	}
	h.Checksum = h.sum()
	return h, nil
}

func (h *Header) NumSegments() uint64 {
	return h.JrnlSize / h.SegSize
}

func uuidWords(id uuid.UUID) (uint64, uint64) {
	dec := marshal.NewDec(id[:])
	return dec.GetInt(), dec.GetInt()
}

func (h *Header) sum() uint64 {
	id0, id1 := uuidWords(h.ID)
	enc := marshal.NewEnc(11 * common.WORDSZ)
	enc.PutInts([]uint64{h.Version, h.Total, h.AllocOff, h.AllocSize,
		h.JrnlOff, h.JrnlSize, h.HeapOff, h.HeapSize, h.SegSize, id0, id1})
	sum := blake3.Sum256(enc.Finish())
	return marshal.NewDec(sum[:8]).GetInt()
}

// Encode returns the header's on-media bytes.
func (h *Header) Encode() []byte {
	id0, id1 := uuidWords(h.ID)
	enc := marshal.NewEnc(common.HDRFIELDSEND)
	enc.PutInts([]uint64{h.Magic, h.Version, h.Total, h.Root, h.Generation,
		h.AllocOff, h.AllocSize, h.JrnlOff, h.JrnlSize, h.HeapOff, h.HeapSize,
		id0, id1, uint64(h.RootTag), h.Checksum, h.SegSize})
	return enc.Finish()
}

func DecodeHeader(b []byte) *Header {
	dec := marshal.NewDec(b[:common.HDRFIELDSEND])
	w := dec.GetInts(16)
	enc := marshal.NewEnc(16)
	enc.PutInts(w[11:13])
	id, err := uuid.FromBytes(enc.Finish())
	if err != nil {
		panic(err)
	}
	return &Header{
		Magic:      w[0],
		Version:    w[1],
		Total:      w[2],
		Root:       w[3],
		Generation: w[4],
		AllocOff:   w[5],
		AllocSize:  w[6],
		JrnlOff:    w[7],
		JrnlSize:   w[8],
		HeapOff:    w[9],
		HeapSize:   w[10],
		ID:         id,
		RootTag:    uint32(w[13]),
		Checksum:   w[14],
		SegSize:    w[15],
	}
}

func corrupt(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	util.DPrintf(1, "header: %s\n", msg)
	return common.MkError("open", common.HDROFF, fmt.Errorf("%s: %w", msg, common.ErrCorruptHeader))
}

// Validate checks a header read from a region of size bytes.
func (h *Header) Validate(size uint64) error {
	if h.Magic != common.MAGIC {
		return corrupt("bad magic 0x%x", h.Magic)
	}
	if h.Version != common.VERSION {
		return common.MkError("open", common.HDRVERSION,
			fmt.Errorf("version %d, want %d: %w", h.Version, common.VERSION, common.ErrIncompatibleVersion))
	}
	if h.sum() != h.Checksum {
		return corrupt("checksum mismatch")
	}
	if h.Total > size || h.Total%common.BLOCKSZ != 0 {
		return corrupt("pool of %d bytes in a region of %d", h.Total, size)
	}
	if h.AllocOff != common.ALLOCOFF || h.AllocSize != common.ALLOCSZ || h.JrnlOff != common.JRNLOFF {
		return corrupt("unexpected layout")
	}
	if h.SegSize < jrnl.MinSegment || h.SegSize%common.LINESZ != 0 ||
		h.JrnlSize == 0 || h.JrnlSize%h.SegSize != 0 {
		return corrupt("journal %d bytes in segments of %d", h.JrnlSize, h.SegSize)
	}
	if h.HeapOff != h.JrnlOff+util.AlignUp(h.JrnlSize, common.BLOCKSZ) ||
		h.HeapSize < common.BLOCKSZ || h.HeapOff+h.HeapSize != h.Total {
		return corrupt("heap 0x%x+%d", h.HeapOff, h.HeapSize)
	}
	if h.Root != common.NULLOFF && (h.Root < h.HeapOff || h.Root >= h.Total) {
		return corrupt("root 0x%x outside heap", h.Root)
	}
	return nil
}
