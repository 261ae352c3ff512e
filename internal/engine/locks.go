package engine

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 256

// memoryLocks serializes read-modify-write cycles on the same memory ID.
// Access-stat updates, edits, reinforcement, decay and reconciliation all
// rewrite the whole stored memory, so each takes the lock for its ID before
// reading and releases it after writing. Distinct IDs may share a stripe;
// no caller holds two stripes at once.
type memoryLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *memoryLocks) lock(id string) (unlock func()) {
	mu := &l.stripes[xxhash.Sum64String(id)%lockStripes]
	mu.Lock()
	return mu.Unlock
}
