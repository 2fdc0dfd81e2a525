package board

import (
	"sync"
	"time"
)

// DefaultCooldownSeconds is the `cooldown` config default (§6).
const DefaultCooldownSeconds = 30

// CacheEntry is one user's placement record in the cooldown cache (§3).
type CacheEntry struct {
	Timestamp      uint32
	Activity       int
	Density        uint32
	PreviousStack  uint32
}

// CooldownInfo is what callers get back from CooldownCache.Get: how many
// pixels are immediately available, and the stack of remaining expiries
// ordered so Pop() (popping from the end) yields the nearest one (§3).
type CooldownInfo struct {
	PixelsAvailable uint32
	Cooldowns       []time.Time // reversed: Cooldowns[len-1] is nearest
}

// Pop removes and returns the nearest remaining expiry.
func (c *CooldownInfo) Pop() (time.Time, bool) {
	if len(c.Cooldowns) == 0 {
		return time.Time{}, false
	}
	n := len(c.Cooldowns) - 1
	t := c.Cooldowns[n]
	c.Cooldowns = c.Cooldowns[:n]
	return t, true
}

// NextIn reports the duration until the nearest remaining expiry, if any.
// Supplemented from original_source (§12): the wire protocol wants a
// single ETA, not the whole stack, for the lightweight "pixels-available"
// ping.
func (c CooldownInfo) NextIn(now time.Time) (time.Duration, bool) {
	if len(c.Cooldowns) == 0 {
		return 0, false
	}
	next := c.Cooldowns[len(c.Cooldowns)-1]
	if next.Before(now) {
		return 0, true
	}
	return next.Sub(now), true
}

// CooldownFormula computes the delay, in seconds, before one stack slot
// refills. It is isolated in one function, as required by §4.6, so it
// stays swappable without callers assuming a specific shape beyond
// "monotonic in stack depth".
//
// activity and density are presently unused by the default formula but
// are threaded through so a future formula (e.g. busier boards cooling
// down faster) can use them without changing any call site.
type CooldownFormula func(cooldownBaseSeconds uint32, activity int, density uint32, stack uint32) uint32

// DefaultCooldownFormula implements cooldown(stack) = base * (stack + 1).
func DefaultCooldownFormula(base uint32, activity int, density uint32, stack uint32) uint32 {
	return base * (stack + 1)
}

// CooldownCache holds a per-user deque of CacheEntry, ordered ascending by
// timestamp, plus the per-board constants needed to turn that deque into a
// CooldownInfo (C6, §4.6).
type CooldownCache struct {
	mu sync.Mutex

	maxPixels          uint32
	epoch              time.Time
	cooldownBaseSeconds uint32
	undoDeadlineSeconds uint32
	formula            CooldownFormula

	byUser map[int64][]CacheEntry
}

// NewCooldownCache builds a cache for one board.
func NewCooldownCache(maxPixels uint32, epoch time.Time, cooldownBaseSeconds, undoDeadlineSeconds uint32) *CooldownCache {
	return &CooldownCache{
		maxPixels:           maxPixels,
		epoch:               epoch,
		cooldownBaseSeconds: cooldownBaseSeconds,
		undoDeadlineSeconds: undoDeadlineSeconds,
		formula:             DefaultCooldownFormula,
		byUser:              make(map[int64][]CacheEntry),
	}
}

// SetMaxPixels updates the stack ceiling, used by Board.update_info when
// max_pixels_available changes (§4.8).
func (c *CooldownCache) SetMaxPixels(max uint32) {
	c.mu.Lock()
	c.maxPixels = max
	c.mu.Unlock()
}

// pixelsAvailableAtLocked computes pixels_available as of "now" without
// evicting anything, used internally by Insert to derive previous_stack.
// Caller must hold c.mu.
func (c *CooldownCache) pixelsAvailableAtLocked(user int64, now uint32) uint32 {
	return c.getLocked(user, c.wallClock(now)).PixelsAvailable
}

func (c *CooldownCache) wallClock(boardSeconds uint32) time.Time {
	return c.epoch.Add(time.Duration(boardSeconds) * time.Second)
}

// Insert records a new placement's cooldown bookkeeping for user (§4.6
// step "insert"):
//  1. previous_stack = max(0, pixels_available_at(user, timestamp) - 1)
//  2. append a new CacheEntry
//  3. evict entries older than now - undo_deadline from the front
//
// Callers must hold the per-user placement lock described in §5; this
// method is not itself safe for concurrent calls on the same user (it
// mutates the deque non-atomically across steps), matching the spec's
// "all cooldown-affecting operations for one user serialize on that
// user's lock" invariant.
func (c *CooldownCache) Insert(timestamp uint32, user int64, activity int, density uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	available := c.pixelsAvailableAtLocked(user, timestamp)
	previousStack := uint32(0)
	if available > 0 {
		previousStack = available - 1
	}

	entries := c.byUser[user]
	entries = append(entries, CacheEntry{
		Timestamp:     timestamp,
		Activity:      activity,
		Density:       density,
		PreviousStack: previousStack,
	})
	entries = evictOlderThan(entries, timestamp, c.undoDeadlineSeconds)
	c.byUser[user] = entries
}

func evictOlderThan(entries []CacheEntry, now uint32, undoDeadline uint32) []CacheEntry {
	var cutoff uint32
	if now > undoDeadline {
		cutoff = now - undoDeadline
	}
	cut := 0
	for cut < len(entries) && entries[cut].Timestamp < cutoff {
		cut++
	}
	if cut == 0 {
		return entries
	}
	out := make([]CacheEntry, len(entries)-cut)
	copy(out, entries[cut:])
	return out
}

// Remove reverses the bookkeeping effect of the placement made at
// timestamp for user (§4.6's "remove"), used by the undo path:
//  1. pop all entries newer than timestamp into a local stack
//  2. pop one more (the entry being undone) and discard it
//  3. reinsert the saved entries, recomputing their derived values via
//     Insert
func (c *CooldownCache) Remove(timestamp uint32, user int64) {
	c.mu.Lock()
	entries := c.byUser[user]
	keepUpTo := len(entries)
	for keepUpTo > 0 && entries[keepUpTo-1].Timestamp > timestamp {
		keepUpTo--
	}
	newer := append([]CacheEntry(nil), entries[keepUpTo:]...)
	if keepUpTo == 0 {
		// nothing to undo: the entry at `timestamp` isn't present.
		c.byUser[user] = entries
		c.mu.Unlock()
		return
	}
	// drop the entry being undone (the last one at or before timestamp)
	c.byUser[user] = entries[:keepUpTo-1]
	c.mu.Unlock()

	for _, e := range newer {
		c.Insert(e.Timestamp, user, e.Activity, e.Density)
	}
}

// Get produces the CooldownInfo for user as of board-epoch second now
// (§4.6's "get").
func (c *CooldownCache) Get(user int64, now uint32) CooldownInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(user, c.wallClock(now))
}

func (c *CooldownCache) getLocked(user int64, nowWall time.Time) CooldownInfo {
	entries := c.byUser[user]
	if len(entries) == 0 {
		// §4.6 invariant: a user with no entries has every stack slot
		// available, full stop — there is no real placement to anchor a
		// "time since last spend" calculation against, so (unlike a real
		// entry) a synthetic zero-timestamp one must not be run through
		// the cooldown formula: on a board only seconds old that would
		// manufacture phantom pending cooldowns for a user who has never
		// placed a pixel.
		return CooldownInfo{PixelsAvailable: c.maxPixels}
	}
	latest := entries[len(entries)-1]

	var pending []time.Time
	for stack := latest.PreviousStack; stack < c.maxPixels; stack++ {
		delaySeconds := c.formula(c.cooldownBaseSeconds, latest.Activity, latest.Density, stack)
		expirySeconds := latest.Timestamp + delaySeconds
		expiry := c.wallClock(expirySeconds)
		if !expiry.After(nowWall) {
			continue // already available
		}
		pending = append(pending, expiry)
	}
	// pending is ascending (ascending stack -> non-decreasing expiry);
	// reverse so Pop() (popping from the end) yields the nearest one.
	reversed := make([]time.Time, len(pending))
	for i, t := range pending {
		reversed[len(pending)-1-i] = t
	}
	return CooldownInfo{
		PixelsAvailable: c.maxPixels - uint32(len(pending)),
		Cooldowns:       reversed,
	}
}
