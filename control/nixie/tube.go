// Package nixie lights digits on a single nixie tube through a BCD-to-decimal decoder.
package nixie

import (
	"fmt"
)

// Blank is the decoder code that drives none of the tube's cathodes.
const Blank = 0x0f

// Lines are the decoder's four BCD inputs.
type Lines interface {
	Decode(code uint8) error
}

// TruthTable maps a digit to the decoder code that lights it.
type TruthTable [10]uint8

var (
	// Identity is a decoder wired so that code n lights digit n.
	Identity = TruthTable{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	// IN14 is the wiring of an IN-14 tube on the clock board, where the decoder outputs reach the
	// cathodes in the order 1, 0, 9, 8 ... 2.
	IN14 = TruthTable{1, 0, 9, 8, 7, 6, 5, 4, 3, 2}
)

// Tube shows one digit at a time.
type Tube struct {
	lines Lines
	table TruthTable

	// OnChange, if non-nil, is called after every successful write with the digit shown, or -1
	// for blank.
	OnChange func(digit int)
}

// NewTube returns a Tube that drives lines according to table.
func NewTube(lines Lines, table TruthTable) *Tube {
	return &Tube{lines: lines, table: table}
}

// ShowDigit lights digit d.  Digits outside 0-9 are ignored.
func (t *Tube) ShowDigit(d int) error {
	if d < 0 || d > 9 {
		return nil
	}
	if err := t.lines.Decode(t.table[d]); err != nil {
		return fmt.Errorf("show digit %d: %w", d, err)
	}
	if t.OnChange != nil {
		t.OnChange(d)
	}
	return nil
}

// HideDigit turns every cathode off.
func (t *Tube) HideDigit() error {
	if err := t.lines.Decode(Blank); err != nil {
		return fmt.Errorf("hide digit: %w", err)
	}
	if t.OnChange != nil {
		t.OnChange(-1)
	}
	return nil
}
