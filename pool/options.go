package pool

import (
	"github.com/mit-pdos/go-pmem/common"
	"github.com/mit-pdos/go-pmem/flush"
)

type Options struct {
	// Size of a pool being created, in bytes.
	Size  uint64
	Flush flush.Kind

	DoubleFreeCheck bool
	CycleCheck      bool
	BorrowCheck     bool

	// PinJournal keeps the journal resident in memory.
	PinJournal bool

	// Verbose is the debug level (0 silent, 1 lifecycle, 3 transactions,
	// 5 log entries).
	Verbose uint64
	Stats   bool

	// Journal geometry of a pool being created; an existing pool's is read
	// from its header.
	JournalSegments    uint64
	JournalSegmentSize uint64
}

func DefaultOptions() Options {
	return Options{
		Size:               common.DefaultPoolSize,
		Flush:              flush.Writeback,
		DoubleFreeCheck:    true,
		CycleCheck:         true,
		BorrowCheck:        true,
		PinJournal:         false,
		Verbose:            0,
		Stats:              true,
		JournalSegments:    common.DefaultSegments,
		JournalSegmentSize: common.DefaultSegmentSize,
	}
}

type Flags int

const (
	// OCreate creates the file, replacing any existing one, and formats it.
	OCreate Flags = 1 << iota
	// OFormat formats an existing file in place.
	OFormat
	// OCreateIfNotExists creates and formats the file only if it is
	// missing. An existing file is opened, even with OFormat.
	OCreateIfNotExists

	OCF   = OCreate | OFormat
	OCFNE = OCreateIfNotExists | OFormat
)
