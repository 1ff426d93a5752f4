//  wal implements a small redo log of 64-bit word updates.
//
//  The allocator changes several words (free-list links, chunk headers,
//  counters) per operation, and all of them must change together. The log
//  layout is:
//
//  [ count | addr0 value0 | addr1 value1 | ... ]
//
//  A commit writes the (addr, value) pairs and makes them durable, then
//  writes count, which is the atomic installation point. After that the
//  values are installed at their home addresses, made durable, and count is
//  cleared. Recovery installs a log whose count is non-zero again; since
//  installation only writes absolute values, doing so any number of times
//  gives the same result.
package wal

import (
	"github.com/mit-pdos/go-pmem/common"
)

const (
	HDRMETA = common.WORDSZ     // space for the count
	UPDSZ   = 2 * common.WORDSZ // one (addr, value) pair
)

// LogSize returns the number of updates a log of size bytes can hold.
func LogSize(size uint64) uint64 {
	if size < HDRMETA {
		return 0
	}
	return (size - HDRMETA) / UPDSZ
}
