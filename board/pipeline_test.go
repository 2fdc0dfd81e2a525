package board

import (
	"context"
	"testing"
	"time"

	"github.com/tilecanvas/engine/clock"
	"github.com/tilecanvas/engine/store/memstore"
)

func newTestBoard(t *testing.T, maxPixels uint32) (*Board, *memstore.Store, *clock.Fake) {
	t.Helper()
	shape, err := NewShape([][]int{{4}, {2}}) // 4 sectors * 2 cells = 8 cells
	if err != nil {
		t.Fatalf("NewShape: %v", err)
	}
	palette, err := NewPalette([]PaletteColor{
		{Index: 0, Name: "white"},
		{Index: 1, Name: "red"},
		{Index: 2, Name: "admin-only", SystemOnly: true},
	})
	if err != nil {
		t.Fatalf("NewPalette: %v", err)
	}
	store := memstore.New(1)
	clk := clock.NewFake(time.Unix(0, 0).UTC())
	info := Info{ID: 1, Name: "test", CreatedAtUnix: 0, Shape: shape, Palette: palette, MaxPixelsAvailable: maxPixels}
	cfg := DefaultConfig()
	cfg.UndoDeadlineSeconds = 300
	b, err := New(info, cfg, store, clk)
	if err != nil {
		t.Fatalf("board.New: %v", err)
	}
	t.Cleanup(b.Close)

	// Open every cell's mask to Place (E1 setup: "Open all masks to 1").
	ctx := context.Background()
	accessor := b.Read(ctx, Mask)
	open := make([]byte, shape.TotalSize())
	for i := range open {
		open[i] = byte(MaskPlace)
	}
	if _, err := accessor.Write(open); err != nil {
		t.Fatalf("opening masks: %v", err)
	}
	return b, store, clk
}

const testUser = int64(100)

// TestFreshBoardPlace verifies scenario E1.
func TestFreshBoardPlace(t *testing.T) {
	b, _, clk := newTestBoard(t, 6)
	ctx := context.Background()

	info, placement, err := b.PlaceSingle(ctx, testUser, 0, 1, Overrides{})
	if err != nil {
		t.Fatalf("PlaceSingle: %v", err)
	}
	if placement.Color != 1 || placement.Timestamp != 1 {
		t.Fatalf("unexpected placement: %+v", placement)
	}
	if info.PixelsAvailable != 5 {
		t.Fatalf("pixels_available = %d, want 5", info.PixelsAvailable)
	}
	if len(info.Cooldowns) != 1 {
		t.Fatalf("expected exactly one pending cooldown, got %d", len(info.Cooldowns))
	}
	wantNext := clk.Now().Add(31 * time.Second) // created_at(0) + timestamp(1) + cooldown(30)
	if !info.Cooldowns[0].Equal(wantNext) {
		t.Fatalf("next cooldown = %v, want %v", info.Cooldowns[0], wantNext)
	}

	guard, ok, err := b.cache.Get(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("Get sector 0: ok=%v err=%v", ok, err)
	}
	defer guard.Release()
	if guard.Sector.ColorAt(0) != 1 {
		t.Fatalf("colors[0] = %d, want 1", guard.Sector.ColorAt(0))
	}
	if guard.Sector.DensityAt(0) != 1 {
		t.Fatalf("density[0] = %d, want 1", guard.Sector.DensityAt(0))
	}
}

// TestNoOp verifies scenario E2: placing the same color twice is a NoOp
// and leaves state (including pixels_available) unchanged.
func TestNoOp(t *testing.T) {
	b, _, _ := newTestBoard(t, 6)
	ctx := context.Background()

	info, _, err := b.PlaceSingle(ctx, testUser, 0, 1, Overrides{})
	if err != nil {
		t.Fatalf("first place: %v", err)
	}
	_, _, err = b.PlaceSingle(ctx, testUser, 0, 1, Overrides{})
	berr, ok := asBoardError(err)
	if !ok || berr.Code != CodeNoOp {
		t.Fatalf("expected NoOp, got %v", err)
	}
	after := b.Cooldown(testUser, time.Unix(1, 0).UTC())
	if after.PixelsAvailable != info.PixelsAvailable {
		t.Fatalf("pixels_available changed on NoOp: %d vs %d", after.PixelsAvailable, info.PixelsAvailable)
	}
}

// TestCooldownExhaustion verifies scenario E3: 6 distinct placements
// succeed, the 7th is rejected with Cooldown.
func TestCooldownExhaustion(t *testing.T) {
	b, _, _ := newTestBoard(t, 6)
	ctx := context.Background()

	for pos := uint64(0); pos < 6; pos++ {
		if _, _, err := b.PlaceSingle(ctx, testUser, pos, 1, Overrides{}); err != nil {
			t.Fatalf("placement %d: %v", pos, err)
		}
	}
	_, _, err := b.PlaceSingle(ctx, testUser, 6, 1, Overrides{})
	berr, ok := asBoardError(err)
	if !ok || berr.Code != CodeCooldown {
		t.Fatalf("expected Cooldown on 7th placement, got %v", err)
	}
}

// TestUndoWithinDeadline verifies scenario E4.
func TestUndoWithinDeadline(t *testing.T) {
	b, _, _ := newTestBoard(t, 6)
	ctx := context.Background()

	if _, _, err := b.PlaceSingle(ctx, testUser, 0, 1, Overrides{}); err != nil {
		t.Fatalf("place: %v", err)
	}
	info, err := b.Undo(ctx, testUser, 0)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if info.PixelsAvailable != 6 {
		t.Fatalf("pixels_available after undo = %d, want 6", info.PixelsAvailable)
	}

	guard, ok, err := b.cache.Get(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("Get sector 0: %v %v", ok, err)
	}
	defer guard.Release()
	if guard.Sector.ColorAt(0) != 0 || guard.Sector.DensityAt(0) != 0 {
		t.Fatalf("cell not restored: color=%d density=%d", guard.Sector.ColorAt(0), guard.Sector.DensityAt(0))
	}
}

// TestUndoExpired verifies scenario E8: past the undo deadline, Undo
// returns Expired and leaves state unchanged.
func TestUndoExpired(t *testing.T) {
	b, _, clk := newTestBoard(t, 6)
	ctx := context.Background()

	if _, _, err := b.PlaceSingle(ctx, testUser, 0, 1, Overrides{}); err != nil {
		t.Fatalf("place: %v", err)
	}
	clk.Advance(time.Duration(b.cfg.UndoDeadlineSeconds+2) * time.Second)

	_, err := b.Undo(ctx, testUser, 0)
	berr, ok := asBoardError(err)
	if !ok || berr.Code != CodeExpired {
		t.Fatalf("expected Expired, got %v", err)
	}

	guard, ok2, err := b.cache.Get(ctx, 0)
	if err != nil || !ok2 {
		t.Fatalf("Get sector 0: %v %v", ok2, err)
	}
	defer guard.Release()
	if guard.Sector.ColorAt(0) != 1 {
		t.Fatalf("state changed after failed undo: color=%d", guard.Sector.ColorAt(0))
	}
}

// TestMaskNoPlace verifies scenario E5.
func TestMaskNoPlace(t *testing.T) {
	b, _, _ := newTestBoard(t, 6)
	ctx := context.Background()

	accessor := b.Read(ctx, Mask)
	if _, err := accessor.Seek(3, 0); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if _, err := accessor.Write([]byte{byte(MaskNoPlace)}); err != nil {
		t.Fatalf("closing mask: %v", err)
	}

	_, _, err := b.PlaceSingle(ctx, testUser, 3, 1, Overrides{})
	berr, ok := asBoardError(err)
	if !ok || berr.Code != CodeUnplacable {
		t.Fatalf("expected Unplacable, got %v", err)
	}
}

// TestSystemOnlyPalette verifies scenario E6.
func TestSystemOnlyPalette(t *testing.T) {
	b, _, _ := newTestBoard(t, 6)
	ctx := context.Background()

	_, _, err := b.PlaceSingle(ctx, testUser, 0, 2, Overrides{})
	berr, ok := asBoardError(err)
	if !ok || berr.Code != CodeUnplacable {
		t.Fatalf("expected Unplacable without override, got %v", err)
	}

	_, placement, err := b.PlaceSingle(ctx, testUser, 0, 2, Overrides{Color: true})
	if err != nil {
		t.Fatalf("expected success with override, got %v", err)
	}
	if placement.Color != 2 {
		t.Fatalf("placement color = %d, want 2", placement.Color)
	}
}

// TestMassPlaceAtomicity verifies §8 property 4: a mass-place that fails
// mid-validation (here, an out-of-bounds position) commits nothing.
func TestMassPlaceAtomicity(t *testing.T) {
	b, _, _ := newTestBoard(t, 6)
	ctx := context.Background()

	_, _, err := b.PlaceMass(ctx, testUser, []uint64{0, 1, 999}, []byte{1, 1, 1}, Overrides{})
	berr, ok := asBoardError(err)
	if !ok || berr.Code != CodeOutOfBounds {
		t.Fatalf("expected OutOfBounds, got %v", err)
	}

	for _, pos := range []uint64{0, 1} {
		sectorIdx, offset, _ := b.info.Shape.ToLocal(pos)
		guard, ok, err := b.cache.Get(ctx, sectorIdx)
		if err != nil || !ok {
			t.Fatalf("Get sector: %v %v", ok, err)
		}
		if guard.Sector.ColorAt(offset) != 0 {
			t.Fatalf("position %d was mutated despite failed validation", pos)
		}
		guard.Release()
	}
}

// TestMassPlaceCooldownAllOrNothing: a mass-place that would exceed
// pixels_available must not partially commit.
func TestMassPlaceCooldownAllOrNothing(t *testing.T) {
	b, _, _ := newTestBoard(t, 2)
	ctx := context.Background()

	_, _, err := b.PlaceMass(ctx, testUser, []uint64{0, 1, 2}, []byte{1, 1, 1}, Overrides{})
	berr, ok := asBoardError(err)
	if !ok || berr.Code != CodeCooldown {
		t.Fatalf("expected Cooldown, got %v", err)
	}
	for pos := uint64(0); pos < 3; pos++ {
		sectorIdx, offset, _ := b.info.Shape.ToLocal(pos)
		guard, ok, err := b.cache.Get(ctx, sectorIdx)
		if err != nil || !ok {
			t.Fatalf("Get sector: %v %v", ok, err)
		}
		if guard.Sector.ColorAt(offset) != 0 {
			t.Fatalf("position %d mutated despite Cooldown rejection", pos)
		}
		guard.Release()
	}
}

func asBoardError(err error) (*Error, bool) {
	berr, ok := err.(*Error)
	return berr, ok
}

// TestConcurrentMassPlaceOverlappingSectorsNoDeadlock verifies §8 property
// 5: two mass-placements touching the same sectors in opposite orders must
// not deadlock. PlaceMass always acquires its per-sector write guards in
// sorted sector-index order (sortUint64s), regardless of the order
// positions arrive in a request, so two concurrent callers requesting
// {sector 1, sector 0} and {sector 0, sector 1} respectively never lock
// them in conflicting order against each other.
func TestConcurrentMassPlaceOverlappingSectorsNoDeadlock(t *testing.T) {
	b, _, _ := newTestBoard(t, 6) // 4 sectors * 2 cells; sectors 0 and 1 both exist
	ctx := context.Background()

	const userA, userB = int64(100), int64(200)
	// Sector 0 covers positions 0-1, sector 1 covers positions 2-3 (shape
	// {4 sectors}{2 cells}). Each call below touches both sectors, but in
	// reverse position order between the two users.
	done := make(chan struct{}, 2)
	run := func(user int64, positions []uint64) {
		defer func() { done <- struct{}{} }()
		_, _, _ = b.PlaceMass(ctx, user, positions, []byte{1, 1}, Overrides{})
	}

	go run(userA, []uint64{0, 2})
	go run(userB, []uint64{2, 0})

	timeout := time.After(5 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-timeout:
			t.Fatalf("concurrent overlapping PlaceMass calls deadlocked")
		}
	}
}
