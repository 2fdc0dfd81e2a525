package board

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/launix-de/NonLockingReadMap"

	"github.com/tilecanvas/engine/metrics"
)

// SectorCache is a lazy-loading, per-sector-locked, on-demand evictable
// cache of sectors (C4, §4.4).
//
// Each slot has its own sync.RWMutex so a filler for sector 7 never blocks
// a reader of sector 3. The teacher's storageShard upgrades a shared lock
// to exclusive in-place to fill a slot (a self-referencing guard, §9's
// design note explicitly calls out as non-portable); instead of
// replicating that trick this cache routes every fill through a
// singleflight.Group keyed by sector index, so concurrent callers for the
// same cold sector share one Store round trip and nobody ever needs to
// upgrade a held lock.
type SectorCache struct {
	boardID       int64
	shape         Shape
	store         Store
	readbackLimit int

	slots  []sectorSlot
	loaded NonLockingReadMap.NonBlockingBitMap // fast, lock-free "is slot filled" check

	fillGroup singleflight.Group
}

type sectorSlot struct {
	mu     sync.RWMutex
	sector *Sector
}

// NewSectorCache allocates sector_count empty slots for a board.
func NewSectorCache(boardID int64, shape Shape, store Store, readbackLimit int) *SectorCache {
	return &SectorCache{
		boardID:       boardID,
		shape:         shape,
		store:         store,
		readbackLimit: readbackLimit,
		slots:         make([]sectorSlot, shape.SectorCount()),
	}
}

// SectorReadGuard holds a shared lock on a loaded sector.
type SectorReadGuard struct {
	slot   *sectorSlot
	Sector *Sector
}

// Release gives up the shared lock.
func (g *SectorReadGuard) Release() { g.slot.mu.RUnlock() }

// SectorWriteGuard holds an exclusive lock on a loaded sector.
type SectorWriteGuard struct {
	slot   *sectorSlot
	Sector *Sector
}

// Release gives up the exclusive lock.
func (g *SectorWriteGuard) Release() { g.slot.mu.Unlock() }

// Get returns a shared guard for sector, loading it from the Store on
// first access. ok is false iff sector is out of range.
func (c *SectorCache) Get(ctx context.Context, sector uint64) (guard *SectorReadGuard, ok bool, err error) {
	if sector >= uint64(len(c.slots)) {
		return nil, false, nil
	}
	if err := c.ensureLoaded(ctx, sector); err != nil {
		return nil, true, err
	}
	slot := &c.slots[sector]
	slot.mu.RLock()
	return &SectorReadGuard{slot: slot, Sector: slot.sector}, true, nil
}

// GetMut returns an exclusive guard for sector, loading it first if
// necessary.
func (c *SectorCache) GetMut(ctx context.Context, sector uint64) (guard *SectorWriteGuard, ok bool, err error) {
	if sector >= uint64(len(c.slots)) {
		return nil, false, nil
	}
	if err := c.ensureLoaded(ctx, sector); err != nil {
		return nil, true, err
	}
	slot := &c.slots[sector]
	slot.mu.Lock()
	return &SectorWriteGuard{slot: slot, Sector: slot.sector}, true, nil
}

// Evict removes sector's contents from the cache, returning whatever was
// there (or nil). Callers must call this after a patch to Initial so that
// derived colors/timestamps/density get rebuilt on next access (§4.4).
func (c *SectorCache) Evict(sector uint64) *Sector {
	if sector >= uint64(len(c.slots)) {
		return nil
	}
	slot := &c.slots[sector]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	old := slot.sector
	slot.sector = nil
	c.loaded.Set(uint32(sector), false)
	return old
}

func (c *SectorCache) ensureLoaded(ctx context.Context, sector uint64) error {
	boardLabel := strconv.FormatInt(c.boardID, 10)
	if c.loaded.Get(uint32(sector)) {
		metrics.SectorCacheHits.WithLabelValues(boardLabel, "hit").Inc()
		return nil
	}
	metrics.SectorCacheHits.WithLabelValues(boardLabel, "miss").Inc()
	key := strconv.FormatUint(sector, 10)
	_, err, _ := c.fillGroup.Do(key, func() (any, error) {
		slot := &c.slots[sector]
		slot.mu.Lock()
		defer slot.mu.Unlock()
		if slot.sector != nil {
			c.loaded.Set(uint32(sector), true)
			return nil, nil
		}
		s, err := c.load(ctx, sector)
		if err != nil {
			return nil, err
		}
		slot.sector = s
		c.loaded.Set(uint32(sector), true)
		return nil, nil
	})
	return err
}

func (c *SectorCache) load(ctx context.Context, sector uint64) (*Sector, error) {
	initial, mask, ok, err := c.store.GetSector(ctx, c.boardID, sector)
	if err != nil {
		return nil, fmt.Errorf("board: load sector %d: %w", sector, err)
	}
	size := c.shape.SectorSize()
	if !ok {
		// brand-new sector: Sector::new, which the Store must also
		// persist so future loads see it (§3 invariant).
		s := NewSector(c.boardID, sector, size, c.readbackLimit)
		if err := c.store.CreateSector(ctx, c.boardID, sector, s.Buffer(Mask).Bytes(), s.Buffer(Initial).Bytes()); err != nil {
			return nil, fmt.Errorf("board: create sector %d: %w", sector, err)
		}
		return s, nil
	}
	posStart := sector * size
	posEnd := posStart + size
	it, err := c.store.StreamPlacements(ctx, c.boardID, posStart, posEnd)
	if err != nil {
		return nil, fmt.Errorf("board: stream placements for sector %d: %w", sector, err)
	}
	defer it.Close()
	replay := make([]PlacementReplay, 0, 64)
	for {
		rec, more, err := it.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("board: replay sector %d: %w", sector, err)
		}
		if !more {
			break
		}
		replay = append(replay, PlacementReplay{
			Offset:    rec.Position - posStart,
			Color:     rec.Color,
			Timestamp: rec.Timestamp,
		})
	}
	return LoadSector(c.boardID, sector, initial, mask, c.readbackLimit, replay), nil
}

// SectorAccessor is a Seek+Read+Write view over the logical concatenation
// of a single buffer kind across all sectors (§4.4).
type SectorAccessor struct {
	cache  *SectorCache
	ctx    context.Context
	kind   BufferKind
	cursor int64
}

// Access builds a SectorAccessor for one buffer kind.
func (c *SectorCache) Access(ctx context.Context, kind BufferKind) *SectorAccessor {
	return &SectorAccessor{cache: c, ctx: ctx, kind: kind}
}

// Len returns sector_count * sector_size * bytes_per_cell(kind).
func (a *SectorAccessor) Len() int64 {
	return int64(a.cache.shape.SectorCount()) * int64(a.cache.shape.SectorSize()) * int64(a.kind.BytesPerCell())
}

// Seek implements io.Seeker.
func (a *SectorAccessor) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = a.cursor + offset
	case io.SeekEnd:
		target = a.Len() + offset
	default:
		return 0, fmt.Errorf("board: invalid whence %d", whence)
	}
	if target < 0 {
		return 0, fmt.Errorf("board: seek before start")
	}
	a.cursor = target
	return target, nil
}

// Read implements io.Reader: the cursor walks buffer-local byte space,
// crossing sector boundaries transparently; each sector touched is
// fetched through Get.
func (a *SectorAccessor) Read(out []byte) (int, error) {
	if a.cursor >= a.Len() {
		return 0, io.EOF
	}
	bpc := int64(a.kind.BytesPerCell())
	sectorBytes := int64(a.cache.shape.SectorSize()) * bpc
	n := 0
	for n < len(out) && a.cursor < a.Len() {
		sectorIdx := uint64(a.cursor / sectorBytes)
		within := a.cursor % sectorBytes
		guard, ok, err := a.cache.Get(a.ctx, sectorIdx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, fmt.Errorf("board: sector %d out of range", sectorIdx)
		}
		buf := guard.Sector.Buffer(a.kind).Bytes()
		avail := int64(len(buf)) - within
		want := int64(len(out) - n)
		if want > avail {
			want = avail
		}
		copy(out[n:int64(n)+want], buf[within:within+want])
		guard.Release()
		n += int(want)
		a.cursor += want
	}
	return n, nil
}

// Write implements io.Writer, permitted only for Initial or Mask (§4.4);
// writing Colors/Timestamps/Density (derived buffers) is forbidden.
func (a *SectorAccessor) Write(data []byte) (int, error) {
	if a.kind != Initial && a.kind != Mask {
		return 0, fmt.Errorf("board: %s is derived and cannot be written directly", a.kind)
	}
	bpc := int64(a.kind.BytesPerCell())
	sectorBytes := int64(a.cache.shape.SectorSize()) * bpc
	n := 0
	touched := map[uint64]bool{}
	for n < len(data) && a.cursor < a.Len() {
		sectorIdx := uint64(a.cursor / sectorBytes)
		within := a.cursor % sectorBytes
		guard, ok, err := a.cache.GetMut(a.ctx, sectorIdx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, fmt.Errorf("board: sector %d out of range", sectorIdx)
		}
		buf := guard.Sector.Buffer(a.kind).Bytes()
		avail := int64(len(buf)) - within
		want := int64(len(data) - n)
		if want > avail {
			want = avail
		}
		for i := int64(0); i < want; i++ {
			guard.Sector.Buffer(a.kind).Write(uint64(within+i), data[n+int(i)])
		}
		persistErr := a.persistSector(guard.Sector, sectorIdx)
		guard.Release()
		if persistErr != nil {
			return n, persistErr
		}
		touched[sectorIdx] = true
		n += int(want)
		a.cursor += want
	}
	if a.kind == Initial {
		for idx := range touched {
			a.cache.Evict(idx)
		}
	}
	return n, nil
}

// DrainDeltas walks every currently-loaded sector's kind buffer and
// collects its pending changes as Runs positioned by global byte offset
// in that kind's buffer (the cell index for one-byte kinds), used by the
// SubscriptionHub's coalescing task (§4.9) to build board-update packets
// without re-reading buffers it has already sent.
func (c *SectorCache) DrainDeltas(kind BufferKind) []Run {
	var runs []Run
	for idx := range c.slots {
		sectorIdx := uint64(idx)
		if !c.loaded.Get(uint32(sectorIdx)) {
			continue
		}
		slot := &c.slots[sectorIdx]
		slot.mu.Lock()
		if slot.sector == nil {
			slot.mu.Unlock()
			continue
		}
		rb := slot.sector.Buffer(kind).Readback()
		slot.mu.Unlock()

		base := sectorIdx * c.shape.SectorSize() * kind.BytesPerCell()
		if rb.IsDelta {
			for _, ch := range rb.Delta {
				runs = append(runs, Run{
					Position: base + ch.Pos,
					Values:   []byte{ch.Value},
				})
			}
		} else if len(rb.Full) > 0 {
			runs = append(runs, Run{
				Position: base,
				Values:   append([]byte(nil), rb.Full...),
			})
		}
	}
	return runs
}

func (a *SectorAccessor) persistSector(s *Sector, sectorIdx uint64) error {
	switch a.kind {
	case Initial:
		return a.cache.store.WriteSectorInitial(a.ctx, a.cache.boardID, sectorIdx, s.Buffer(Initial).Bytes())
	case Mask:
		return a.cache.store.WriteSectorMask(a.ctx, a.cache.boardID, sectorIdx, s.Buffer(Mask).Bytes())
	default:
		return nil
	}
}
