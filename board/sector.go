package board

// BufferKind names one of a sector's five byte buffers.
type BufferKind uint8

const (
	Colors BufferKind = iota
	Timestamps
	Initial
	Mask
	Density
)

func (k BufferKind) String() string {
	switch k {
	case Colors:
		return "colors"
	case Timestamps:
		return "timestamps"
	case Initial:
		return "initial"
	case Mask:
		return "mask"
	case Density:
		return "density"
	default:
		return "unknown"
	}
}

// BytesPerCell returns how many bytes one cell occupies in this buffer
// kind, per spec.md §3.
func (k BufferKind) BytesPerCell() uint64 {
	switch k {
	case Colors, Initial, Mask:
		return 1
	case Timestamps, Density:
		return 4
	default:
		return 0
	}
}

// MaskValue is the per-cell placement policy byte (§3).
type MaskValue byte

const (
	MaskNoPlace  MaskValue = 0
	MaskPlace    MaskValue = 1
	MaskAdjacent MaskValue = 2 // reserved, unimplemented per §9
)

// Sector bundles the five WriteBuffers for one (board, sector_index) pair.
//
// colors/timestamps/density are derived state, synthesized by replaying
// every placement in the sector's position range (§4.3's load contract);
// only initial and mask are persisted directly through the Sector type.
type Sector struct {
	BoardID     int64
	SectorIndex uint64

	colorsBuf     *WriteBuffer
	timestampsBuf *WriteBuffer
	initialBuf    *WriteBuffer
	maskBuf       *WriteBuffer
	densityBuf    *WriteBuffer
}

// NewSector builds a fresh, empty sector: mask is all NoPlace (zero bytes),
// initial is all zero, colors mirrors initial, timestamps and density are
// zero. This is the state described by §4.3 and verified by §8 property 2.
func NewSector(boardID int64, sectorIndex uint64, size uint64, readbackLimit int) *Sector {
	return &Sector{
		BoardID:       boardID,
		SectorIndex:   sectorIndex,
		colorsBuf:     NewWriteBuffer(int(size), readbackLimit),
		timestampsBuf: NewWriteBuffer(int(size)*4, readbackLimit),
		initialBuf:    NewWriteBuffer(int(size), readbackLimit),
		maskBuf:       NewWriteBuffer(int(size), readbackLimit),
		densityBuf:    NewWriteBuffer(int(size)*4, readbackLimit),
	}
}

// LoadSector builds a sector from persisted initial/mask bytes and replays
// placements (oldest-first, by (timestamp,id)) to derive colors,
// timestamps and density, per §4.3's load contract. placements must already
// be sorted ascending by (timestamp,id); StreamPlacements (store.Store)
// guarantees that ordering.
func LoadSector(boardID int64, sectorIndex uint64, initial, mask []byte, readbackLimit int, placements []PlacementReplay) *Sector {
	size := uint64(len(initial))
	s := &Sector{
		BoardID:       boardID,
		SectorIndex:   sectorIndex,
		colorsBuf:     NewWriteBuffer(int(size), readbackLimit),
		timestampsBuf: NewWriteBuffer(int(size)*4, readbackLimit),
		initialBuf:    NewWriteBuffer(int(size), readbackLimit),
		maskBuf:       NewWriteBuffer(int(size), readbackLimit),
		densityBuf:    NewWriteBuffer(int(size)*4, readbackLimit),
	}
	copy(s.initialBuf.Bytes(), initial)
	copy(s.maskBuf.Bytes(), mask)
	copy(s.colorsBuf.Bytes(), initial) // starting point before replay
	for _, p := range placements {
		s.colorsBuf.Write(p.Offset, p.Color)
		s.timestampsBuf.WriteU32(p.Offset*4, p.Timestamp)
		s.densityBuf.WriteU32(p.Offset*4, s.densityBuf.ReadU32(p.Offset*4)+1)
	}
	return s
}

// PlacementReplay is the minimal per-placement data Sector replay needs:
// an offset within the sector, a color, and the placement timestamp. Order
// (ascending (timestamp,id)) is the caller's responsibility (§4.3, §6).
type PlacementReplay struct {
	Offset    uint64
	Color     byte
	Timestamp uint32
}

// Buffer returns the underlying WriteBuffer for a given kind.
func (s *Sector) Buffer(kind BufferKind) *WriteBuffer {
	switch kind {
	case Colors:
		return s.colorsBuf
	case Timestamps:
		return s.timestampsBuf
	case Initial:
		return s.initialBuf
	case Mask:
		return s.maskBuf
	case Density:
		return s.densityBuf
	default:
		return nil
	}
}

func (s *Sector) ColorAt(offset uint64) byte       { return s.colorsBuf.Read(offset) }
func (s *Sector) TimestampAt(offset uint64) uint32 { return s.timestampsBuf.ReadU32(offset * 4) }
func (s *Sector) InitialAt(offset uint64) byte     { return s.initialBuf.Read(offset) }
func (s *Sector) MaskAt(offset uint64) MaskValue    { return MaskValue(s.maskBuf.Read(offset)) }
func (s *Sector) DensityAt(offset uint64) uint32   { return s.densityBuf.ReadU32(offset * 4) }

// ApplyPlacement mutates colors/timestamps/density for one cell, per
// §4.7.1 step 10 / §4.7.2 step 9.
func (s *Sector) ApplyPlacement(offset uint64, color byte, timestamp uint32) {
	s.colorsBuf.Write(offset, color)
	s.timestampsBuf.WriteU32(offset*4, timestamp)
	s.densityBuf.WriteU32(offset*4, s.densityBuf.ReadU32(offset*4)+1)
}

// ApplyUndo restores a cell to (color, timestamp) and decrements density;
// it must not underflow (§4.7.3 step 7).
func (s *Sector) ApplyUndo(offset uint64, color byte, timestamp uint32) {
	s.colorsBuf.Write(offset, color)
	s.timestampsBuf.WriteU32(offset*4, timestamp)
	d := s.densityBuf.ReadU32(offset * 4)
	if d > 0 {
		d--
	}
	s.densityBuf.WriteU32(offset*4, d)
}
