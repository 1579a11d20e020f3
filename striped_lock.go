package savedobjects

import (
	"hash/fnv"
	"sync"
)

// StripedLocks hashes keys onto a fixed set of mutexes so that unrelated
// keys rarely contend while the same key always maps to the same mutex.
// The filesystem backend uses it to make its conditional writes atomic
// within one process.
type StripedLocks struct {
	stripes []sync.Mutex
	count   uint32
}

// NewStripedLocks creates striped locks. A non-positive count means 32.
func NewStripedLocks(stripeCount int) *StripedLocks {
	if stripeCount <= 0 {
		stripeCount = 32
	}
	return &StripedLocks{
		stripes: make([]sync.Mutex, stripeCount),
		count:   uint32(stripeCount),
	}
}

// Lock acquires the stripe owning key and returns its release func.
//
//	unlock := locks.Lock(key)
//	defer unlock()
func (sl *StripedLocks) Lock(key string) func() {
	idx := sl.stripeFor(key)
	sl.stripes[idx].Lock()
	return sl.stripes[idx].Unlock
}

func (sl *StripedLocks) stripeFor(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % sl.count
}
