package board

import (
	"context"
	"strconv"
	"time"

	"github.com/tilecanvas/engine/metrics"
)

// MaxPersistBatch bounds how many pending placements runBatchedPersistence
// drains in one tick (§4.7.4).
const MaxPersistBatch = 10000

// PlaceSingle implements the single-pixel placement protocol (§4.7.1).
func (b *Board) PlaceSingle(ctx context.Context, user int64, position uint64, color byte, overrides Overrides) (CooldownInfo, Placement, error) {
	const op = "PlaceSingle"

	banned, err := b.store.IsUserBanned(ctx, user)
	if err != nil {
		return CooldownInfo{}, Placement{}, wrapStoreErr(op, err)
	}
	if banned {
		return CooldownInfo{}, Placement{}, newErr(op, CodeBanned)
	}

	sectorIdx, offset, ok := b.info.Shape.ToLocal(position)
	if !ok {
		return CooldownInfo{}, Placement{}, newErr(op, CodeOutOfBounds)
	}

	info := b.Info()
	pc, ok := info.Palette.Lookup(color)
	if !ok {
		return CooldownInfo{}, Placement{}, newErr(op, CodeInvalidColor)
	}
	if pc.SystemOnly && !overrides.Color {
		return CooldownInfo{}, Placement{}, newErr(op, CodeUnplacable)
	}

	guard, ok, err := b.sectorCache().GetMut(ctx, sectorIdx)
	if err != nil {
		return CooldownInfo{}, Placement{}, wrapStoreErr(op, err)
	}
	if !ok {
		return CooldownInfo{}, Placement{}, newErr(op, CodeOutOfBounds)
	}
	defer guard.Release()

	if !overrides.Mask {
		switch guard.Sector.MaskAt(offset) {
		case MaskPlace:
			// ok
		case MaskNoPlace:
			return CooldownInfo{}, Placement{}, newErr(op, CodeUnplacable)
		case MaskAdjacent:
			return CooldownInfo{}, Placement{}, newErr(op, CodeAdjacentUnimplemented)
		default:
			return CooldownInfo{}, Placement{}, newErr(op, CodeUnknownMaskValue)
		}
	}

	if guard.Sector.ColorAt(offset) == color {
		return CooldownInfo{}, Placement{}, newErr(op, CodeNoOp)
	}

	unlock := b.users.Lock(user)
	defer unlock()

	timestamp := b.CurrentBoardTimestamp(b.clk.Now())

	if !overrides.Cooldown {
		current := b.cooldown.Get(user, timestamp)
		if current.PixelsAvailable == 0 {
			return CooldownInfo{}, Placement{}, newErr(op, CodeCooldown)
		}
	}

	select {
	case b.pending <- PendingPlacement{Position: position, Color: color, Timestamp: timestamp, UserID: user}:
	case <-ctx.Done():
		return CooldownInfo{}, Placement{}, wrapStoreErr(op, ctx.Err())
	}

	guard.Sector.ApplyPlacement(offset, color, timestamp)
	density := guard.Sector.DensityAt(offset)

	b.activity.Insert(timestamp, user)
	activityCount := b.activity.Count(timestamp)
	b.cooldown.Insert(timestamp, user, activityCount, density)

	placement := Placement{BoardID: b.info.ID, Position: position, Color: color, Timestamp: timestamp, UserID: user}
	b.touchLookupCache(position, placement)

	b.hub.QueueBoardChange(Colors)
	b.hub.QueueBoardChange(Timestamps)

	b.bumpStat(user, color, 1)

	next := b.cooldown.Get(user, timestamp)
	b.hub.SetUserCooldown(user, next)

	metrics.PlacementsTotal.WithLabelValues(strconv.FormatInt(b.info.ID, 10), "accepted").Inc()
	return next, placement, nil
}

// massEntry is one validated/resolved input to PlaceMass.
type massEntry struct {
	position  uint64
	sectorIdx uint64
	offset    uint64
	color     byte
}

// PlaceMass implements the batch-placement protocol (§4.7.2).
func (b *Board) PlaceMass(ctx context.Context, user int64, positions []uint64, colors []byte, overrides Overrides) (int, uint32, error) {
	const op = "PlaceMass"

	if len(positions) != len(colors) {
		return 0, 0, newErr(op, CodeOutOfBounds)
	}

	banned, err := b.store.IsUserBanned(ctx, user)
	if err != nil {
		return 0, 0, wrapStoreErr(op, err)
	}
	if banned {
		return 0, 0, newErr(op, CodeBanned)
	}

	info := b.Info()
	entries := make([]massEntry, len(positions))
	sectorSet := map[uint64]bool{}
	for i, pos := range positions {
		sectorIdx, offset, ok := info.Shape.ToLocal(pos)
		if !ok {
			return 0, 0, newErr(op, CodeOutOfBounds)
		}
		pc, ok := info.Palette.Lookup(colors[i])
		if !ok {
			return 0, 0, newErr(op, CodeInvalidColor)
		}
		if pc.SystemOnly && !overrides.Color {
			return 0, 0, newErr(op, CodeUnplacable)
		}
		entries[i] = massEntry{position: pos, sectorIdx: sectorIdx, offset: offset, color: colors[i]}
		sectorSet[sectorIdx] = true
	}

	sortedSectors := make([]uint64, 0, len(sectorSet))
	for s := range sectorSet {
		sortedSectors = append(sortedSectors, s)
	}
	sortUint64s(sortedSectors)

	guards := make(map[uint64]*SectorWriteGuard, len(sortedSectors))
	releaseAll := func() {
		for _, s := range sortedSectors {
			if g := guards[s]; g != nil {
				g.Release()
			}
		}
	}
	for _, s := range sortedSectors {
		guard, ok, err := b.sectorCache().GetMut(ctx, s)
		if err != nil {
			releaseAll()
			return 0, 0, wrapStoreErr(op, err)
		}
		if !ok {
			releaseAll()
			return 0, 0, newErr(op, CodeOutOfBounds)
		}
		guards[s] = guard
	}
	defer releaseAll()

	changes := 0
	for _, e := range entries {
		sector := guards[e.sectorIdx].Sector
		if !overrides.Mask {
			switch sector.MaskAt(e.offset) {
			case MaskPlace:
			case MaskNoPlace:
				return 0, 0, newErr(op, CodeUnplacable)
			case MaskAdjacent:
				return 0, 0, newErr(op, CodeAdjacentUnimplemented)
			default:
				return 0, 0, newErr(op, CodeUnknownMaskValue)
			}
		}
		if sector.ColorAt(e.offset) != e.color {
			changes++
		}
	}
	if changes == 0 {
		return 0, 0, newErr(op, CodeNoOp)
	}

	unlock := b.users.Lock(user)
	defer unlock()

	timestamp := b.CurrentBoardTimestamp(b.clk.Now())

	if !overrides.Cooldown {
		current := b.cooldown.Get(user, timestamp)
		if current.PixelsAvailable < uint32(changes) {
			return 0, 0, newErr(op, CodeCooldown)
		}
	}

	for _, e := range entries {
		sector := guards[e.sectorIdx].Sector
		if sector.ColorAt(e.offset) == e.color {
			continue
		}
		select {
		case b.pending <- PendingPlacement{Position: e.position, Color: e.color, Timestamp: timestamp, UserID: user}:
		case <-ctx.Done():
			return 0, 0, wrapStoreErr(op, ctx.Err())
		}
		sector.ApplyPlacement(e.offset, e.color, timestamp)
		density := sector.DensityAt(e.offset)

		b.activity.Insert(timestamp, user)
		activityCount := b.activity.Count(timestamp)
		b.cooldown.Insert(timestamp, user, activityCount, density)

		placement := Placement{BoardID: b.info.ID, Position: e.position, Color: e.color, Timestamp: timestamp, UserID: user}
		b.touchLookupCache(e.position, placement)
		b.bumpStat(user, e.color, 1)
		metrics.PlacementsTotal.WithLabelValues(strconv.FormatInt(b.info.ID, 10), "accepted").Inc()
	}

	b.hub.QueueBoardChange(Colors)
	b.hub.QueueBoardChange(Timestamps)

	next := b.cooldown.Get(user, timestamp)
	b.hub.SetUserCooldown(user, next)

	return changes, timestamp, nil
}

// sortUint64s is a tiny insertion sort: mass-place sector counts are small
// (bounded by one client request), so pulling in sort.Slice for this would
// be a heavier dependency than the job needs.
func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Undo implements the undo protocol (§4.7.3).
func (b *Board) Undo(ctx context.Context, user int64, position uint64) (CooldownInfo, error) {
	const op = "Undo"

	banned, err := b.store.IsUserBanned(ctx, user)
	if err != nil {
		return CooldownInfo{}, wrapStoreErr(op, err)
	}
	if banned {
		return CooldownInfo{}, newErr(op, CodeBanned)
	}

	sectorIdx, offset, ok := b.info.Shape.ToLocal(position)
	if !ok {
		return CooldownInfo{}, newErr(op, CodeOutOfBounds)
	}

	unlock := b.users.Lock(user)
	defer unlock()

	tx, err := b.store.BeginTx(ctx)
	if err != nil {
		return CooldownInfo{}, wrapStoreErr(op, err)
	}

	recent, err := tx.GetTwoPlacements(ctx, b.info.ID, position)
	if err != nil {
		_ = tx.Rollback(ctx)
		return CooldownInfo{}, wrapStoreErr(op, err)
	}
	if len(recent) == 0 {
		// No placement at all at position is, for undo purposes, the same
		// as one owned by somebody else: there is nothing here this user
		// may undo. Matches the original implementation's behavior.
		_ = tx.Rollback(ctx)
		return CooldownInfo{}, newErr(op, CodeWrongUser)
	}

	undone := recent[0]
	if undone.UserID != user {
		_ = tx.Rollback(ctx)
		return CooldownInfo{}, newErr(op, CodeWrongUser)
	}

	now := b.CurrentBoardTimestamp(b.clk.Now())
	if now > undone.Timestamp+b.cfg.UndoDeadlineSeconds {
		_ = tx.Rollback(ctx)
		return CooldownInfo{}, newErr(op, CodeExpired)
	}

	if err := tx.DeletePlacement(ctx, undone.ID); err != nil {
		_ = tx.Rollback(ctx)
		return CooldownInfo{}, wrapStoreErr(op, err)
	}

	guard, ok, err := b.sectorCache().GetMut(ctx, sectorIdx)
	if err != nil {
		_ = tx.Rollback(ctx)
		return CooldownInfo{}, wrapStoreErr(op, err)
	}
	if !ok {
		_ = tx.Rollback(ctx)
		return CooldownInfo{}, newErr(op, CodeOutOfBounds)
	}

	var newColor byte
	var newTimestamp uint32
	if len(recent) > 1 {
		newColor = recent[1].Color
		newTimestamp = recent[1].Timestamp
	} else {
		newColor = guard.Sector.InitialAt(offset)
		newTimestamp = 0
	}
	guard.Sector.ApplyUndo(offset, newColor, newTimestamp)
	guard.Release()

	if err := tx.Commit(ctx); err != nil {
		return CooldownInfo{}, wrapStoreErr(op, err)
	}

	b.activity.Remove(undone.Timestamp, user)
	b.cooldown.Remove(undone.Timestamp, user)
	b.bumpStat(user, undone.Color, -1)

	placement := Placement{BoardID: b.info.ID, Position: position, Color: newColor, Timestamp: newTimestamp, UserID: user}
	b.touchLookupCache(position, placement)

	b.hub.QueueBoardChange(Colors)
	b.hub.QueueBoardChange(Timestamps)

	next := b.cooldown.Get(user, now)
	b.hub.SetUserCooldown(user, next)

	return next, nil
}

// runBatchedPersistence drains the pending channel in batches and flushes
// them through the Store (§4.7.4). It exits when ctx is cancelled (normal
// shutdown, via Board.Close) or when a batch write fails (fatal: the board
// task aborts rather than silently dropping placements).
func (b *Board) runBatchedPersistence(ctx context.Context) {
	defer close(b.persistDone)

	var tickInterval time.Duration
	if b.cfg.DatabaseTickrateHz > 0 {
		tickInterval = time.Duration(float64(time.Second) / b.cfg.DatabaseTickrateHz)
	}

	for {
		batch, drained := b.drainPending(ctx)
		if len(batch) > 0 {
			flushCtx := ctx
			if drained {
				// ctx is already cancelled here; the final batch is written
				// without it so that shutdown does not drop it.
				flushCtx = context.Background()
			}
			if err := b.store.CreatePlacements(flushCtx, batch); err != nil {
				logf("board %d: fatal batched-persistence error, aborting: %v", b.info.ID, err)
				return
			}
		}
		if drained {
			return
		}
		if tickInterval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-b.clk.After(tickInterval):
			}
		}
	}
}

// drainPending blocks for at least one item (or ctx cancellation), then
// drains up to MaxPersistBatch without blocking further. done is true iff
// ctx was cancelled; the batch then holds what could be drained without
// blocking (at most MaxPersistBatch items).
func (b *Board) drainPending(ctx context.Context) (batch []PendingPlacement, done bool) {
	select {
	case <-ctx.Done():
		return b.drainNonBlocking(), true
	case p := <-b.pending:
		batch = append(batch, p)
	}
	batch = append(batch, b.drainNonBlocking()...)
	return batch, false
}

func (b *Board) drainNonBlocking() []PendingPlacement {
	var batch []PendingPlacement
	for len(batch) < MaxPersistBatch {
		select {
		case p := <-b.pending:
			batch = append(batch, p)
		default:
			return batch
		}
	}
	return batch
}
