// Package region provides the persistent address space a pool lives in.
//
// A Region exposes its bytes directly; stores to Bytes() are volatile until
// they are written back and drained. The primitives mirror what persistent
// memory hardware offers: scheduling write-back of cache lines, evicting
// them, storing around the cache, and a fence that waits for all of it.
// Package flush builds its persist strategies from these.
package region

// Region is a fixed-size persistent byte array.
type Region interface {
	// Bytes returns the mapped contents. The slice is valid until Close.
	Bytes() []byte

	// Size is len(Bytes()).
	Size() uint64

	// WriteBack schedules [off, off+n) to be written to media. The data is
	// not durable until Drain returns.
	WriteBack(off uint64, n uint64) error

	// Invalidate synchronously writes back [off, off+n) and evicts it.
	Invalidate(off uint64, n uint64) error

	// StoreThrough stores b at off, bypassing the cache.
	StoreThrough(off uint64, b []byte) error

	// Drain waits until every scheduled write-back and store-through is
	// durable.
	Drain() error

	// Sync writes back the whole region and waits for it.
	Sync() error

	// Pin asks that [off, off+n) stay resident.
	Pin(off uint64, n uint64) error

	Close() error
}
