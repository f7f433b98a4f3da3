package allocator

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// stripedLock serialises work per reservation id without a map of mutexes.
// Two ids may share a stripe, so a holder must never take a second stripe.
type stripedLock struct {
	stripes [lockStripes]sync.Mutex
}

func (s *stripedLock) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &s.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
