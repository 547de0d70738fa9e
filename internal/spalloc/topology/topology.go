// Package topology answers geometry questions about a machine: which board
// sits at some logical, physical or chip coordinate, and whether coordinates
// fall inside an allocation rectangle. A Grid is built wholesale from the
// stored board rows and is read-only afterwards, so it is safe to share
// across goroutines; when a machine definition changes, a new Grid is built.
package topology

import (
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"

	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/model"
)

const chipCacheSize = 1024

// chipOffset is a chip displacement; components may be negative.
type chipOffset struct {
	x, y int
}

// localChipOffsets maps each chip position within a triad to its offset from
// the root chip of the board holding it. A board's 48-chip footprint is a
// jagged hexagon, not a square, so each chip is assigned to the board whose
// nominal centre is nearest under the hexagonal metric.
var localChipOffsets = computeLocalChipOffsets()

// The nominal board centre, offset from the root chip. Deliberately not a
// chip position: the fractional parts decide which board the edge chips of
// the hexagon fall to, and rule out distance ties.
const (
	boardCentreX = 3.6
	boardCentreY = 3.4
)

func computeLocalChipOffsets() [model.TriadChipWidth][model.TriadChipHeight]chipOffset {
	// Root chips of the triad's boards, plus their images less than a full
	// triad away in the negative directions, so chips near the low edges
	// resolve to boards rooted in neighbouring triads.
	var roots []chipOffset
	for z := 0; z < model.TriadDepth; z++ {
		c := model.TriadCoords{Z: z}.RootChip()
		roots = append(roots, chipOffset{c.X, c.Y})
		if c.X > 0 {
			roots = append(roots, chipOffset{c.X - model.TriadChipWidth, c.Y})
		}
		if c.Y > 0 {
			roots = append(roots, chipOffset{c.X, c.Y - model.TriadChipHeight})
		}
	}

	var table [model.TriadChipWidth][model.TriadChipHeight]chipOffset
	for x := 0; x < model.TriadChipWidth; x++ {
		for y := 0; y < model.TriadChipHeight; y++ {
			best := roots[0]
			bestDistance := math.MaxFloat64
			for _, r := range roots {
				d := hexagonalMetricDistance(
					float64(x)-(float64(r.x)+boardCentreX),
					float64(y)-(float64(r.y)+boardCentreY))
				if d < bestDistance {
					bestDistance = d
					best = r
				}
			}
			table[x][y] = chipOffset{x - best.x, y - best.y}
		}
	}
	return table
}

// hexagonalMetricDistance is the distance of a point from a board centre in
// the hexagonal geometry: the max of the magnitudes of the dot products with
// the hexagon's side normals (1,0), (0,1) and (1,-1).
func hexagonalMetricDistance(dx, dy float64) float64 {
	return math.Max(math.Abs(dx), math.Max(math.Abs(dy), math.Abs(dx-dy)))
}

// Grid is the board geometry of one machine.
type Grid struct {
	machine *model.Machine

	byLogical  map[model.TriadCoords]*model.Board
	byPhysical map[model.PhysicalCoords]*model.Board
	byAddress  map[string]*model.Board
	byID       map[int32]*model.Board
	byChipRoot map[model.ChipLocation]*model.Board

	// Chip-to-board resolution is comparatively expensive and heavily used
	// by whereIs queries, so results are cached.
	mu        sync.Mutex
	chipCache *simplelru.LRU
}

// New builds a Grid from a machine and its boards. Duplicate board
// coordinates are a data-integrity failure.
func New(machine *model.Machine) (*Grid, error) {
	cache, err := simplelru.NewLRU(chipCacheSize, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	g := &Grid{
		machine:    machine,
		byLogical:  make(map[model.TriadCoords]*model.Board, len(machine.Boards)),
		byPhysical: make(map[model.PhysicalCoords]*model.Board, len(machine.Boards)),
		byAddress:  make(map[string]*model.Board, len(machine.Boards)),
		byID:       make(map[int32]*model.Board, len(machine.Boards)),
		byChipRoot: make(map[model.ChipLocation]*model.Board, len(machine.Boards)),
		chipCache:  cache,
	}
	for i := range machine.Boards {
		b := &machine.Boards[i]
		if _, ok := g.byLogical[b.Coords]; ok {
			return nil, errors.Errorf(
				"machine %q has duplicate board at %v", machine.Name, b.Coords)
		}
		g.byLogical[b.Coords] = b
		g.byPhysical[b.Physical] = b
		g.byID[b.ID] = b
		g.byChipRoot[b.ChipRoot] = b
		if b.Address != "" {
			g.byAddress[b.Address] = b
		}
	}
	return g, nil
}

// Machine returns the machine this grid describes.
func (g *Grid) Machine() *model.Machine {
	return g.machine
}

// BoardAtLogical returns the board with the given triad coordinates.
func (g *Grid) BoardAtLogical(c model.TriadCoords) (*model.Board, bool) {
	b, ok := g.byLogical[c]
	return b, ok
}

// BoardAtPhysical returns the board in the given cabinet/frame/slot.
func (g *Grid) BoardAtPhysical(c model.PhysicalCoords) (*model.Board, bool) {
	b, ok := g.byPhysical[c]
	return b, ok
}

// BoardAtAddress returns the board whose ethernet chip has the given address.
func (g *Grid) BoardAtAddress(address string) (*model.Board, bool) {
	b, ok := g.byAddress[address]
	return b, ok
}

// BoardByID returns the board with the given id.
func (g *Grid) BoardByID(id int32) (*model.Board, bool) {
	b, ok := g.byID[id]
	return b, ok
}

// BoardAtChip returns the board containing the given chip, or false if the
// chip is outside the machine or in a gap left by an absent board.
func (g *Grid) BoardAtChip(chip model.ChipLocation) (*model.Board, bool) {
	if chip.X < 0 || chip.Y < 0 ||
		chip.X >= g.machine.ChipWidth() || chip.Y >= g.machine.ChipHeight() {
		return nil, false
	}

	g.mu.Lock()
	if id, ok := g.chipCache.Get(chip); ok {
		g.mu.Unlock()
		b, ok := g.byID[id.(int32)]
		return b, ok
	}
	g.mu.Unlock()

	b, ok := g.resolveChip(chip)
	if !ok {
		return nil, false
	}
	g.mu.Lock()
	g.chipCache.Add(chip, b.ID)
	g.mu.Unlock()
	return b, true
}

// resolveChip finds the board whose footprint covers the given chip. The
// local-offset table gives the chip's displacement from its board's root;
// subtracting it yields the root chip, which is looked up directly. On a
// non-torus machine a root off the low edge is simply absent, so chips in
// the hexagon notches along those edges resolve to nothing.
func (g *Grid) resolveChip(chip model.ChipLocation) (*model.Board, bool) {
	local := localChipOffsets[chip.X%model.TriadChipWidth][chip.Y%model.TriadChipHeight]
	root := model.ChipLocation{X: chip.X - local.x, Y: chip.Y - local.y}
	b, ok := g.byChipRoot[root]
	return b, ok
}

// InRectangle reports whether triad (x, y) lies within the width x height
// rectangle rooted at root. There is no wraparound: rectangles must fit
// inside the machine grid, so out-of-bounds coordinates are simply outside.
func (g *Grid) InRectangle(x, y int, root model.TriadCoords, width, height int) bool {
	if x < 0 || y < 0 || x >= g.machine.Width || y >= g.machine.Height {
		return false
	}
	return x >= root.X && x < root.X+width &&
		y >= root.Y && y < root.Y+height
}

// RectangleFits reports whether a width x height rectangle rooted at (rx, ry)
// lies entirely within the machine grid.
func (g *Grid) RectangleFits(rx, ry, width, height int) bool {
	return rx >= 0 && ry >= 0 &&
		rx+width <= g.machine.Width && ry+height <= g.machine.Height
}
