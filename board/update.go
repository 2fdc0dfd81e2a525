package board

import (
	"context"
)

// UpdateInfoRequest carries the optional fields update_info may change
// (§4.8); a nil field leaves that attribute untouched.
type UpdateInfoRequest struct {
	Name               *string
	Shape              *Shape
	Palette            *Palette
	MaxPixelsAvailable *uint32
}

// UpdateInfo applies a partial update to the board's metadata (§4.8's
// `update_info`). If Shape changed, the SectorCache is rebuilt (old
// sectors become unreachable; the lazy-load-on-next-access discipline in
// SectorCache handles correctness, per §4.11's patch note). If
// MaxPixelsAvailable changed, every currently-connected user's cooldown
// info is recomputed and re-armed. A BoardUpdate carrying the new info is
// broadcast either way.
func (b *Board) UpdateInfo(ctx context.Context, req UpdateInfoRequest) (Info, error) {
	b.infoMu.Lock()
	shapeChanged := req.Shape != nil
	maxChanged := req.MaxPixelsAvailable != nil && *req.MaxPixelsAvailable != b.info.MaxPixelsAvailable
	if req.Name != nil {
		b.info.Name = *req.Name
	}
	if req.Palette != nil {
		b.info.Palette = *req.Palette
	}
	if req.Shape != nil {
		b.info.Shape = *req.Shape
	}
	if req.MaxPixelsAvailable != nil {
		b.info.MaxPixelsAvailable = *req.MaxPixelsAvailable
	}
	info := b.info
	if err := info.Validate(); err != nil {
		b.infoMu.Unlock()
		return Info{}, err
	}
	b.infoMu.Unlock()

	if shapeChanged {
		newCache := NewSectorCache(info.ID, info.Shape, b.store, b.cfg.BufferedReadbackLimit)
		b.cacheMu.Lock()
		b.cache = newCache
		b.cacheMu.Unlock()
	}
	if maxChanged {
		b.cooldown.SetMaxPixels(info.MaxPixelsAvailable)
		b.rearmAllCooldowns()
	}

	b.hub.QueueInfoChange()
	return info, nil
}

// rearmAllCooldowns recomputes and re-pushes CooldownInfo for every user
// the hub currently knows about, used after MaxPixelsAvailable changes
// (§4.8).
func (b *Board) rearmAllCooldowns() {
	now := b.CurrentBoardTimestamp(b.clk.Now())
	for _, user := range b.hub.ConnectedUsers() {
		info := b.cooldown.Get(user, now)
		b.hub.SetUserCooldown(user, info)
	}
}

// TryReadExactSector implements §4.8's `try_read_exact_sector` fast path:
// if [start, end) exactly matches one sector's byte boundaries for kind,
// return a pre-compressed payload instead of falling back to the
// streaming SectorAccessor. ok is false when the range doesn't line up
// with a sector boundary, telling the caller to use the accessor instead.
func (b *Board) TryReadExactSector(ctx context.Context, kind BufferKind, start, end int64) (CompressedSector, bool, error) {
	bpc := int64(kind.BytesPerCell())
	if bpc == 0 {
		return CompressedSector{}, false, nil
	}
	sectorBytes := int64(b.info.Shape.SectorSize()) * bpc
	if sectorBytes == 0 || start%sectorBytes != 0 || end-start != sectorBytes {
		return CompressedSector{}, false, nil
	}
	sectorIdx := uint64(start / sectorBytes)
	guard, ok, err := b.sectorCache().Get(ctx, sectorIdx)
	if err != nil {
		return CompressedSector{}, true, wrapStoreErr("TryReadExactSector", err)
	}
	if !ok {
		return CompressedSector{}, true, newErr("TryReadExactSector", CodeOutOfBounds)
	}
	raw := append([]byte(nil), guard.Sector.Buffer(kind).Bytes()...)
	guard.Release()
	cs, err := CompressSector(kind, sectorIdx, raw)
	if err != nil {
		return CompressedSector{}, true, wrapStoreErr("TryReadExactSector", err)
	}
	return cs, true, nil
}
