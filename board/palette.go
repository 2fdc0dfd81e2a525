package board

import (
	"golang.org/x/text/cases"
)

// PaletteColor is one palette entry (§3). SystemOnly entries are
// placable only when the caller sets Overrides.Color.
type PaletteColor struct {
	Index      byte
	Name       string
	RGBValue   uint32
	SystemOnly bool
}

// Palette maps a color index to its definition. Color-name lookups are
// case-folded with golang.org/x/text/cases the way the teacher folds
// collation for its own SQL string comparisons (storage engine pulls in
// golang.org/x/text for exactly this purpose), so "Red" and "red" name the
// same palette entry.
type Palette struct {
	byIndex map[byte]PaletteColor
	byName  map[string]byte
}

var foldCaser = cases.Fold()

// NewPalette builds a Palette from a list of colors. Returns an error if
// colors is empty (§3 invariant: palette non-empty).
func NewPalette(colors []PaletteColor) (Palette, error) {
	if len(colors) == 0 {
		return Palette{}, errEmptyPalette
	}
	p := Palette{
		byIndex: make(map[byte]PaletteColor, len(colors)),
		byName:  make(map[string]byte, len(colors)),
	}
	for _, c := range colors {
		p.byIndex[c.Index] = c
		p.byName[foldCaser.String(c.Name)] = c.Index
	}
	return p, nil
}

var errEmptyPalette = newErr("NewPalette", CodeInvalidColor)

// Lookup resolves a color index, reporting whether it exists in the
// palette.
func (p Palette) Lookup(index byte) (PaletteColor, bool) {
	c, ok := p.byIndex[index]
	return c, ok
}

// LookupName resolves a color by name (case-folded).
func (p Palette) LookupName(name string) (PaletteColor, bool) {
	idx, ok := p.byName[foldCaser.String(name)]
	if !ok {
		return PaletteColor{}, false
	}
	return p.byIndex[idx], true
}

// Len reports the number of colors in the palette.
func (p Palette) Len() int { return len(p.byIndex) }
