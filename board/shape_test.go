package board

import "testing"

// TestShapeRoundTrip verifies §8 property 1: for every valid p <
// total_size, (s,o) = ToLocal(p) satisfies s*sectorSize+o == p.
func TestShapeRoundTrip(t *testing.T) {
	shape, err := NewShape([][]int{{4}, {2}})
	if err != nil {
		t.Fatalf("NewShape: %v", err)
	}
	if shape.SectorCount() != 4 || shape.SectorSize() != 2 || shape.TotalSize() != 8 {
		t.Fatalf("unexpected shape: count=%d size=%d total=%d", shape.SectorCount(), shape.SectorSize(), shape.TotalSize())
	}
	for p := uint64(0); p < shape.TotalSize(); p++ {
		s, o, ok := shape.ToLocal(p)
		if !ok {
			t.Fatalf("ToLocal(%d) not ok", p)
		}
		if got := shape.ToGlobal(s, o); got != p {
			t.Errorf("round trip failed for %d: got %d", p, got)
		}
	}
	if _, _, ok := shape.ToLocal(shape.TotalSize()); ok {
		t.Fatal("ToLocal at total_size should be undefined")
	}
}

func TestShapeRejectsEmptyDims(t *testing.T) {
	if _, err := NewShape(nil); err == nil {
		t.Fatal("expected error for empty dims")
	}
	if _, err := NewShape([][]int{{0}}); err == nil {
		t.Fatal("expected error for zero dimension")
	}
}
