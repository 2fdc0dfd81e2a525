package board

import "fmt"

// Shape maps a global cell index to (sector, offset) and fixes the sector
// size and count for a board. It is immutable after construction; changing
// a board's shape is a Board-level operation (update_info, §4.8) that
// rebuilds the SectorCache rather than mutating an existing Shape.
//
// Dimensions mirrors spec.md §3: a sequence of integer lists. The last
// list's product is the sector size; all preceding lists' product is the
// sector count.
type Shape struct {
	dims        [][]int
	sectorSize  uint64
	sectorCount uint64
	totalSize   uint64
}

// NewShape builds a Shape from nested dimension lists. Every list must be
// non-empty and every entry must be positive.
func NewShape(dims [][]int) (Shape, error) {
	if len(dims) == 0 {
		return Shape{}, fmt.Errorf("board: shape must have at least one dimension list")
	}
	sectorSize := uint64(1)
	last := dims[len(dims)-1]
	if len(last) == 0 {
		return Shape{}, fmt.Errorf("board: shape's last dimension list is empty")
	}
	for _, v := range last {
		if v <= 0 {
			return Shape{}, fmt.Errorf("board: shape dimensions must be positive, got %d", v)
		}
		sectorSize *= uint64(v)
	}
	sectorCount := uint64(1)
	for _, list := range dims[:len(dims)-1] {
		if len(list) == 0 {
			return Shape{}, fmt.Errorf("board: shape's dimension list is empty")
		}
		for _, v := range list {
			if v <= 0 {
				return Shape{}, fmt.Errorf("board: shape dimensions must be positive, got %d", v)
			}
			sectorCount *= uint64(v)
		}
	}
	return Shape{
		dims:        dims,
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
		totalSize:   sectorSize * sectorCount,
	}, nil
}

// SectorSize returns the number of cells per sector (product of the last
// dimension list).
func (s Shape) SectorSize() uint64 { return s.sectorSize }

// SectorCount returns the number of sectors (product of all preceding
// dimension lists).
func (s Shape) SectorCount() uint64 { return s.sectorCount }

// TotalSize returns sectorCount * sectorSize.
func (s Shape) TotalSize() uint64 { return s.totalSize }

// Dimensions returns the nested dimension lists this Shape was built from.
func (s Shape) Dimensions() [][]int { return s.dims }

// ToLocal resolves a global cell index into (sector, offset). ok is false
// iff global >= TotalSize().
func (s Shape) ToLocal(global uint64) (sector uint64, offset uint64, ok bool) {
	if global >= s.totalSize {
		return 0, 0, false
	}
	return global / s.sectorSize, global % s.sectorSize, true
}

// ToGlobal is the inverse of ToLocal, used by tests verifying the
// round-trip property (§8 property 1).
func (s Shape) ToGlobal(sector, offset uint64) uint64 {
	return sector*s.sectorSize + offset
}

// Contains reports whether pos is a valid global cell index.
func (s Shape) Contains(pos uint64) bool {
	return pos < s.totalSize
}
