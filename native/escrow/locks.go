package escrow

import "sync"

const lockStripes = 64

// idLocks serializes mutating operations per escrow id. Escrow ids are
// monotonically increasing, so striping by id modulo keeps contention low
// without a lock per record.
type idLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *idLocks) lock(id uint64) func() {
	mu := &l.stripes[id%lockStripes]
	mu.Lock()
	return mu.Unlock
}
