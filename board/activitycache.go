package board

import "sync"

// DefaultIdleTimeoutSeconds is ActivityCache's default sliding window
// (§4.5).
const DefaultIdleTimeoutSeconds = 300

type activityEntry struct {
	timestamp uint32
	user      int64
}

// ActivityCache tracks the number of distinct users active within the
// last idleTimeout seconds (C5, §4.5). It is the input to the cooldown
// formula's `activity` term.
type ActivityCache struct {
	mu          sync.Mutex
	idleTimeout uint32
	entries     []activityEntry     // ordered by insertion (>= by timestamp in practice)
	counts      map[int64]int       // user -> number of live entries
}

// NewActivityCache builds a cache with the given idle-timeout window, in
// board-epoch seconds.
func NewActivityCache(idleTimeout uint32) *ActivityCache {
	if idleTimeout == 0 {
		idleTimeout = DefaultIdleTimeoutSeconds
	}
	return &ActivityCache{
		idleTimeout: idleTimeout,
		counts:      make(map[int64]int),
	}
}

// Insert records user as active at timestamp.
func (a *ActivityCache) Insert(timestamp uint32, user int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, activityEntry{timestamp: timestamp, user: user})
	a.counts[user]++
}

// Remove undoes one Insert at the exact (timestamp, user) pair, used by
// the undo path (§4.7.3 step 9) to roll back activity accounting.
func (a *ActivityCache) Remove(timestamp uint32, user int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, e := range a.entries {
		if e.timestamp == timestamp && e.user == user {
			a.entries = append(a.entries[:i], a.entries[i+1:]...)
			a.counts[user]--
			if a.counts[user] <= 0 {
				delete(a.counts, user)
			}
			return
		}
	}
}

// Count evicts entries older than idleTimeout relative to now, then
// returns the number of users with at least one live entry.
func (a *ActivityCache) Count(now uint32) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictLocked(now)
	return len(a.counts)
}

func (a *ActivityCache) evictLocked(now uint32) {
	cut := 0
	for cut < len(a.entries) && a.entries[cut].timestamp+a.idleTimeout < now {
		u := a.entries[cut].user
		a.counts[u]--
		if a.counts[u] <= 0 {
			delete(a.counts, u)
		}
		cut++
	}
	if cut > 0 {
		a.entries = append([]activityEntry(nil), a.entries[cut:]...)
	}
}
