package cascade

import "sync"

// entityLocks is a per-entity advisory lock held for a cascade's duration.
// The store has no transactions across collections, so two cascades
// interleaving on the same entity would corrupt operation counts and race
// the snapshot. Lock acquisition is non-blocking: a second cascade on a
// locked entity fails fast instead of queueing behind the first.
type entityLocks struct {
	mu       sync.Mutex
	inFlight map[string]bool
}

func newEntityLocks() *entityLocks {
	return &entityLocks{inFlight: make(map[string]bool)}
}

// tryAcquire reports whether the entity was free and is now held.
func (l *entityLocks) tryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight[key] {
		return false
	}
	l.inFlight[key] = true
	return true
}

func (l *entityLocks) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, key)
}
