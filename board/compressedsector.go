package board

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
)

// CompressedSector is a pre-compressed payload for a byte range that
// exactly matches one sector's boundaries (§4.8's try_read_exact_sector
// fast path). Using lz4 here mirrors the teacher's storage-enum.go, which
// picks the cheapest storage representation that still round-trips; lz4's
// cheap compress/decompress cost fits a hot read path the way the
// teacher's on-the-fly column compression does, as opposed to the xz codec
// used for the colder archive tier (store/archivestore).
type CompressedSector struct {
	Kind           BufferKind
	SectorIndex    uint64
	UncompressedLen int
	Data           []byte
}

// CompressSector builds a CompressedSector from a sector's raw buffer
// bytes for kind.
func CompressSector(kind BufferKind, sectorIndex uint64, raw []byte) (CompressedSector, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return CompressedSector{}, err
	}
	if err := w.Close(); err != nil {
		return CompressedSector{}, err
	}
	return CompressedSector{
		Kind:            kind,
		SectorIndex:     sectorIndex,
		UncompressedLen: len(raw),
		Data:            buf.Bytes(),
	}, nil
}

// Decompress reverses CompressSector, returning the raw sector bytes.
func (c CompressedSector) Decompress() ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(c.Data))
	out := make([]byte, c.UncompressedLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
