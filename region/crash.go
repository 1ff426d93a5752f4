package region

import (
	"sync"

	"github.com/tchajed/goose/machine/disk"
)

// CrashDisk injects a crash into a disk: after budget block writes every
// further write is silently dropped, as if the machine lost power at that
// point. Reading the underlying disk afterwards shows the crash state.
type CrashDisk struct {
	disk.Disk
	mu      *sync.Mutex
	budget  int
	writes  int
	dropped int
}

// NewCrashDisk wraps d. A negative budget never crashes; such a disk only
// counts writes.
func NewCrashDisk(d disk.Disk, budget int) *CrashDisk {
	return &CrashDisk{
		Disk:   d,
		mu:     new(sync.Mutex),
		budget: budget,
	}
}

func (c *CrashDisk) Write(a uint64, v disk.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.budget >= 0 && c.writes >= c.budget {
		c.dropped++
		return
	}
	c.writes++
	c.Disk.Write(a, v)
}

// Writes is the number of writes that reached the disk.
func (c *CrashDisk) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *CrashDisk) Crashed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped > 0
}
