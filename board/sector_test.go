package board

import "testing"

// TestNewSectorEmpty verifies §8 property 2: a freshly-created sector has
// mask == initial == 0, colors mirrors initial, timestamps and density
// are zero.
func TestNewSectorEmpty(t *testing.T) {
	s := NewSector(1, 0, 4, 64)
	for off := uint64(0); off < 4; off++ {
		if s.MaskAt(off) != MaskNoPlace {
			t.Errorf("offset %d: mask = %v, want NoPlace", off, s.MaskAt(off))
		}
		if s.InitialAt(off) != 0 {
			t.Errorf("offset %d: initial = %d, want 0", off, s.InitialAt(off))
		}
		if s.ColorAt(off) != s.InitialAt(off) {
			t.Errorf("offset %d: colors = %d, want initial %d", off, s.ColorAt(off), s.InitialAt(off))
		}
		if s.TimestampAt(off) != 0 {
			t.Errorf("offset %d: timestamp = %d, want 0", off, s.TimestampAt(off))
		}
		if s.DensityAt(off) != 0 {
			t.Errorf("offset %d: density = %d, want 0", off, s.DensityAt(off))
		}
	}
}

// TestLoadEquivalence verifies §8 property 3: applying all placements at a
// position in (timestamp,id) order produces the same (color, timestamp,
// density) regardless of how that order was built, as long as it respects
// ascending (timestamp, id).
func TestLoadEquivalence(t *testing.T) {
	initial := []byte{0, 0}
	mask := []byte{1, 1}

	replayA := []PlacementReplay{
		{Offset: 0, Color: 1, Timestamp: 10},
		{Offset: 0, Color: 2, Timestamp: 20},
		{Offset: 1, Color: 5, Timestamp: 15},
	}
	// A different ordering that still respects ascending (timestamp,id)
	// per-position (the load contract only requires per-position
	// ordering to matter; interleaving across positions is irrelevant
	// since each position's buffer only depends on its own history).
	replayB := []PlacementReplay{
		{Offset: 1, Color: 5, Timestamp: 15},
		{Offset: 0, Color: 1, Timestamp: 10},
		{Offset: 0, Color: 2, Timestamp: 20},
	}

	sA := LoadSector(1, 0, initial, mask, 64, replayA)
	sB := LoadSector(1, 0, initial, mask, 64, replayB)

	for off := uint64(0); off < 2; off++ {
		if sA.ColorAt(off) != sB.ColorAt(off) {
			t.Errorf("offset %d: color mismatch %d vs %d", off, sA.ColorAt(off), sB.ColorAt(off))
		}
		if sA.TimestampAt(off) != sB.TimestampAt(off) {
			t.Errorf("offset %d: timestamp mismatch %d vs %d", off, sA.TimestampAt(off), sB.TimestampAt(off))
		}
		if sA.DensityAt(off) != sB.DensityAt(off) {
			t.Errorf("offset %d: density mismatch %d vs %d", off, sA.DensityAt(off), sB.DensityAt(off))
		}
	}
	if sA.ColorAt(0) != 2 || sA.TimestampAt(0) != 20 || sA.DensityAt(0) != 2 {
		t.Fatalf("position 0 final state wrong: color=%d ts=%d density=%d", sA.ColorAt(0), sA.TimestampAt(0), sA.DensityAt(0))
	}
}

func TestApplyUndoDensityNeverUnderflows(t *testing.T) {
	s := NewSector(1, 0, 1, 64)
	s.ApplyUndo(0, 0, 0)
	if s.DensityAt(0) != 0 {
		t.Fatalf("density underflowed: %d", s.DensityAt(0))
	}
}
