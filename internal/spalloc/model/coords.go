package model

import "fmt"

// Dimensions of the chip grid covered by one triad of boards. Each board
// contributes an 8x8 chip region; the three boards of a triad interlock to
// cover a 12x12 area of the machine's chip space.
const (
	TriadDepth      = 3
	TriadChipWidth  = 12
	TriadChipHeight = 12
	BoardChipWidth  = 8
	BoardChipHeight = 8
)

// TriadCoords are the logical coordinates of a board: the (x, y) position of
// its triad in the machine grid plus the z position within the triad.
type TriadCoords struct {
	X int
	Y int
	Z int
}

func (c TriadCoords) String() string {
	return fmt.Sprintf("[x:%d,y:%d,z:%d]", c.X, c.Y, c.Z)
}

// ChipOffset returns the chip-space offset of board z within its triad.
func chipOffsetForZ(z int) (int, int) {
	switch z {
	case 0:
		return 0, 0
	case 1:
		return 8, 4
	case 2:
		return 4, 8
	}
	return 0, 0
}

// RootChip returns the chip-space origin of the board on a machine that is
// laid out with triad (0,0) at chip (0,0).
func (c TriadCoords) RootChip() ChipLocation {
	dx, dy := chipOffsetForZ(c.Z)
	return ChipLocation{
		X: c.X*TriadChipWidth + dx,
		Y: c.Y*TriadChipHeight + dy,
	}
}

// PhysicalCoords identify where a board is racked: which cabinet, which frame
// within the cabinet, and which slot within the frame. This is the addressing
// the BMPs use.
type PhysicalCoords struct {
	Cabinet int
	Frame   int
	Board   int
}

func (c PhysicalCoords) String() string {
	return fmt.Sprintf("[c:%d,f:%d,b:%d]", c.Cabinet, c.Frame, c.Board)
}

// ChipLocation is a position in a machine's chip space.
type ChipLocation struct {
	X int
	Y int
}

func (c ChipLocation) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}
