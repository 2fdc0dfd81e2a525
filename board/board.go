package board

import (
	"context"
	"sync"
	"time"

	"github.com/tilecanvas/engine/clock"
)

// Info is a board's stable metadata (§3 DATA MODEL).
type Info struct {
	ID                 int64
	Name               string
	CreatedAtUnix      int64 // board epoch, seconds since Unix epoch
	Shape              Shape
	Palette            Palette
	MaxPixelsAvailable uint32
}

// Validate enforces §3's Board invariants.
func (i Info) Validate() error {
	if i.Palette.Len() == 0 {
		return newErr("Info.Validate", CodeInvalidColor)
	}
	if i.MaxPixelsAvailable < 1 {
		return newErr("Info.Validate", CodeCooldown)
	}
	if i.Shape.TotalSize() != i.Shape.SectorCount()*i.Shape.SectorSize() {
		return newErr("Info.Validate", CodeOutOfBounds)
	}
	return nil
}

// Overrides lets privileged callers (moderators) bypass the mask,
// system_only palette restriction, or cooldown check (§4.7.1 step 3/5/8).
type Overrides struct {
	Color    bool
	Mask     bool
	Cooldown bool
}

// Placement is a durable record of one cell change (§3).
type Placement struct {
	ID        int64
	BoardID   int64
	Position  uint64
	Color     byte
	Timestamp uint32
	UserID    int64
}

// Notice is a board announcement. Pinned is a supplemented feature
// (SPEC_FULL §12, from original_source): pinned notices always sort
// first in Board.ListNotices.
type Notice struct {
	ID     int64
	Text   string
	Pinned bool
}

// Config bundles the per-board tunables read from the environment (§6).
type Config struct {
	CooldownBaseSeconds  uint32
	UndoDeadlineSeconds  uint32
	DatabaseTickrateHz   float64 // 0 = no rate cap
	BufferedReadbackLimit int
	PendingChannelCap     int // default 10000, §5
	IdleTimeoutSeconds    uint32
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		CooldownBaseSeconds:   DefaultCooldownSeconds,
		UndoDeadlineSeconds:   300,
		BufferedReadbackLimit: 64,
		PendingChannelCap:     10000,
		IdleTimeoutSeconds:    DefaultIdleTimeoutSeconds,
	}
}

// Board composes C1-C7 behind a single façade (C8, §4.8).
type Board struct {
	infoMu sync.RWMutex
	info   Info

	cfg Config

	cacheMu  sync.RWMutex
	cache    *SectorCache
	activity *ActivityCache
	cooldown *CooldownCache
	users    *userLockTable

	statsMu sync.Mutex
	stats   map[int64]map[byte]uint32 // user -> color -> placed count

	lookupMu    sync.Mutex
	lookupCache map[uint64]Placement

	noticesMu sync.Mutex
	notices   []Notice
	nextNotice int64

	store Store
	clk   clock.Clock
	hub   *SubscriptionHub

	pending    chan PendingPlacement
	stopPersist context.CancelFunc
	persistDone chan struct{}
}

// New builds a Board and starts its batched-persistence task and hub
// coalescing task (§4.8, §4.9, §4.7.4). registry.Registry calls Delete
// when the board is deleted and Close when it shuts down (CloseAll).
func New(info Info, cfg Config, store Store, clk clock.Clock) (*Board, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if cfg.PendingChannelCap <= 0 {
		cfg.PendingChannelCap = 10000
	}
	if cfg.BufferedReadbackLimit <= 0 {
		cfg.BufferedReadbackLimit = 64
	}
	epoch := time.Unix(info.CreatedAtUnix, 0).UTC()

	b := &Board{
		info:        info,
		cfg:         cfg,
		cache:       NewSectorCache(info.ID, info.Shape, store, cfg.BufferedReadbackLimit),
		activity:    NewActivityCache(cfg.IdleTimeoutSeconds),
		cooldown:    NewCooldownCache(info.MaxPixelsAvailable, epoch, cfg.CooldownBaseSeconds, cfg.UndoDeadlineSeconds),
		users:       newUserLockTable(),
		stats:       make(map[int64]map[byte]uint32),
		lookupCache: make(map[uint64]Placement),
		store:       store,
		clk:         clk,
		pending:     make(chan PendingPlacement, cfg.PendingChannelCap),
	}
	b.hub = NewSubscriptionHub(b, clk)

	ctx, cancel := context.WithCancel(context.Background())
	b.stopPersist = cancel
	b.persistDone = make(chan struct{})
	go b.runBatchedPersistence(ctx)

	return b, nil
}

// Info returns a copy of the board's current metadata.
func (b *Board) Info() Info {
	b.infoMu.RLock()
	defer b.infoMu.RUnlock()
	return b.info
}

// CurrentBoardTimestamp computes seconds since board epoch, clamped to
// >= 1 (§4.8).
func (b *Board) CurrentBoardTimestamp(now time.Time) uint32 {
	b.infoMu.RLock()
	created := b.info.CreatedAtUnix
	b.infoMu.RUnlock()
	delta := now.Unix() - created
	if delta < 1 {
		delta = 1
	}
	return uint32(delta)
}

// UserCount returns the number of distinct recently-active users.
func (b *Board) UserCount(now time.Time) int {
	return b.activity.Count(b.CurrentBoardTimestamp(now))
}

// sectorCache returns the board's current SectorCache. Guarded by cacheMu
// rather than read directly off the field: UpdateInfo swaps the pointer
// wholesale when a board's shape changes, and every placement/read path
// dereferences it concurrently with that swap (§5).
func (b *Board) sectorCache() *SectorCache {
	b.cacheMu.RLock()
	defer b.cacheMu.RUnlock()
	return b.cache
}

// Read delegates to the SectorCache (§4.8).
func (b *Board) Read(ctx context.Context, kind BufferKind) *SectorAccessor {
	return b.sectorCache().Access(ctx, kind)
}

// Lookup is a read-through cache of the most recent placement at
// position (§4.8's lookup_cache discipline).
func (b *Board) Lookup(ctx context.Context, position uint64) (Placement, bool, error) {
	b.lookupMu.Lock()
	if p, ok := b.lookupCache[position]; ok {
		b.lookupMu.Unlock()
		return p, true, nil
	}
	b.lookupMu.Unlock()

	sectorIdx, offset, ok := b.info.Shape.ToLocal(position)
	if !ok {
		return Placement{}, false, newErr("Lookup", CodeOutOfBounds)
	}
	guard, inRange, err := b.sectorCache().Get(ctx, sectorIdx)
	if err != nil {
		return Placement{}, false, wrapStoreErr("Lookup", err)
	}
	if !inRange {
		return Placement{}, false, newErr("Lookup", CodeOutOfBounds)
	}
	color := guard.Sector.ColorAt(offset)
	ts := guard.Sector.TimestampAt(offset)
	guard.Release()
	if ts == 0 {
		return Placement{}, false, nil
	}
	p := Placement{BoardID: b.info.ID, Position: position, Color: color, Timestamp: ts}
	b.touchLookupCache(position, p)
	return p, true, nil
}

// touchLookupCache updates the slot only if incoming is newer than
// whatever's cached (or the slot is vacant), so a concurrent undo can't be
// resurrected by a stale read racing behind it (§4.8).
func (b *Board) touchLookupCache(position uint64, incoming Placement) {
	b.lookupMu.Lock()
	defer b.lookupMu.Unlock()
	if cur, ok := b.lookupCache[position]; !ok || incoming.Timestamp >= cur.Timestamp {
		b.lookupCache[position] = incoming
	}
}

// Cooldown reports user's current CooldownInfo as of now, the same
// calculation PlaceSingle/Undo re-run after a placement, exposed so HTTP
// handlers and the socket handshake can report pixels-available without
// going through a placement.
func (b *Board) Cooldown(user int64, now time.Time) CooldownInfo {
	return b.cooldown.Get(user, b.CurrentBoardTimestamp(now))
}

// InsertSocket / RemoveSocket delegate to the SubscriptionHub (§4.8).
func (b *Board) InsertSocket(s Subscriber, initial *CooldownInfo) { b.hub.Insert(s, initial) }
func (b *Board) RemoveSocket(s Subscriber)                       { b.hub.Remove(s) }

// Hub exposes the SubscriptionHub for the socket layer to register
// against.
func (b *Board) Hub() *SubscriptionHub { return b.hub }

// CreateNotice records and broadcasts a new notice. Notices are kept in the
// board's in-memory list only; they are not written to the Store.
func (b *Board) CreateNotice(ctx context.Context, text string, pinned bool) (Notice, error) {
	b.noticesMu.Lock()
	b.nextNotice++
	n := Notice{ID: b.nextNotice, Text: text, Pinned: pinned}
	b.notices = append(b.notices, n)
	b.noticesMu.Unlock()
	b.hub.SendNoticeCreated(n)
	return n, nil
}

// EditNotice updates an existing notice's text/pin state.
func (b *Board) EditNotice(ctx context.Context, id int64, text string, pinned bool) (Notice, error) {
	b.noticesMu.Lock()
	for i := range b.notices {
		if b.notices[i].ID == id {
			b.notices[i].Text = text
			b.notices[i].Pinned = pinned
			n := b.notices[i]
			b.noticesMu.Unlock()
			b.hub.SendNoticeUpdated(n)
			return n, nil
		}
	}
	b.noticesMu.Unlock()
	return Notice{}, newErr("EditNotice", CodeOutOfBounds)
}

// DeleteNotice removes a notice and broadcasts the deletion.
func (b *Board) DeleteNotice(ctx context.Context, id int64) error {
	b.noticesMu.Lock()
	for i := range b.notices {
		if b.notices[i].ID == id {
			b.notices = append(b.notices[:i], b.notices[i+1:]...)
			b.noticesMu.Unlock()
			b.hub.SendNoticeDeleted(id)
			return nil
		}
	}
	b.noticesMu.Unlock()
	return newErr("DeleteNotice", CodeOutOfBounds)
}

// ListNotices returns notices pinned-first, supplemented feature §12.
func (b *Board) ListNotices() []Notice {
	b.noticesMu.Lock()
	defer b.noticesMu.Unlock()
	out := make([]Notice, len(b.notices))
	copy(out, b.notices)
	pinned := out[:0:0]
	var rest []Notice
	for _, n := range out {
		if n.Pinned {
			pinned = append(pinned, n)
		} else {
			rest = append(rest, n)
		}
	}
	return append(pinned, rest...)
}

// Statistics returns one user's placed-count histogram by color,
// supplemented feature §12.
func (b *Board) Statistics(user int64) map[byte]uint32 {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	out := make(map[byte]uint32, len(b.stats[user]))
	for k, v := range b.stats[user] {
		out[k] = v
	}
	return out
}

func (b *Board) bumpStat(user int64, color byte, delta int) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	m, ok := b.stats[user]
	if !ok {
		m = make(map[byte]uint32)
		b.stats[user] = m
	}
	cur := int64(m[color]) + int64(delta)
	if cur < 0 {
		cur = 0
	}
	m[color] = uint32(cur)
	b.hub.QueueStatisticsUpdate(user, m[color], color)
}

// VirginMask reports, for a loaded sector, which cells have never been
// placed on (density == 0). Supplemented feature §12 (heatmap/virgin-map
// derived view): a pure derivation over the existing density buffer, no
// new persisted state.
func (b *Board) VirginMask(ctx context.Context, sectorIdx uint64) ([]bool, error) {
	guard, ok, err := b.sectorCache().Get(ctx, sectorIdx)
	if err != nil {
		return nil, wrapStoreErr("VirginMask", err)
	}
	if !ok {
		return nil, newErr("VirginMask", CodeOutOfBounds)
	}
	defer guard.Release()
	size := int(b.info.Shape.SectorSize())
	out := make([]bool, size)
	for i := 0; i < size; i++ {
		out[i] = guard.Sector.DensityAt(uint64(i)) == 0
	}
	return out, nil
}

// Close tears the board down: it stops the batched-persistence task and
// closes the SubscriptionHub (which closes every socket with
// ServerClosing, §5's shutdown behavior). It leaves persisted state
// intact — this is what process shutdown (registry.CloseAll) calls, where
// the board is expected to be there again next launch. Registry.Delete
// calls Delete, not Close, for the user-initiated "remove this board for
// good" path.
func (b *Board) Close() {
	b.hub.Close()
	b.stopPersist()
	<-b.persistDone
}

// Delete tears the board down exactly like Close, then purges its
// persisted sectors and placements from the Store (§4.8's delete
// contract: "close the SubscriptionHub ... and delete persisted state").
func (b *Board) Delete(ctx context.Context) error {
	b.Close()
	if err := b.store.DeleteBoard(ctx, b.info.ID); err != nil {
		return wrapStoreErr("Delete", err)
	}
	return nil
}
