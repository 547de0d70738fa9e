package allocator

import (
	"math"

	"github.com/pkg/errors"

	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/model"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/topology"
)

// Placement is a concrete board assignment produced by the placement
// algorithms, before it is committed to the store.
type Placement struct {
	Root     model.TriadCoords
	RootID   int32
	BoardIDs []int32
	Width    int
	Height   int
	Depth    int
}

// DimensionEstimate converts a board count into a close-to-square rectangle
// of triads to search for. Tolerance is the number of boards inside that
// rectangle we can afford to lose to rounding (they may be dead or simply
// not claimed).
type DimensionEstimate struct {
	Width     int
	Height    int
	Tolerance int
}

// EstimateDimensions computes the rectangle to search for a board-count
// request on a machine of the given triad dimensions.
func EstimateDimensions(numBoards, machineWidth, machineHeight int) (DimensionEstimate, error) {
	if numBoards < 1 {
		return DimensionEstimate{}, errors.New("number of boards must be greater than zero")
	}
	numTriads := ceilDiv(numBoards, model.TriadDepth)
	width := int(math.Ceil(math.Sqrt(float64(numTriads))))
	if width > machineWidth {
		width = machineWidth
	}
	height := ceilDiv(numTriads, width)
	if height > machineHeight {
		height = machineHeight
	}
	estimate := DimensionEstimate{
		Width:     width,
		Height:    height,
		Tolerance: width*height*model.TriadDepth - numBoards,
	}
	if estimate.Width < 1 || estimate.Height < 1 {
		return DimensionEstimate{}, errors.New("computed dimensions must be greater than zero")
	}
	if estimate.Tolerance < 0 {
		return DimensionEstimate{}, errors.New("request cannot possibly fit on this machine")
	}
	return estimate, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// PlaceOneBoard picks the first free functioning board in (x, y, z) order.
// The scan order is fixed so that placement is reproducible.
func PlaceOneBoard(grid *topology.Grid) (*Placement, bool) {
	m := grid.Machine()
	for x := 0; x < m.Width; x++ {
		for y := 0; y < m.Height; y++ {
			for z := 0; z < m.Depth; z++ {
				b, ok := grid.BoardAtLogical(model.TriadCoords{X: x, Y: y, Z: z})
				if ok && b.Functioning && b.Free() {
					return singleBoardPlacement(b), true
				}
			}
		}
	}
	return nil, false
}

// PlaceBoard requires one specific board to be free and functioning; there
// is no search.
func PlaceBoard(grid *topology.Grid, boardID int32) (*Placement, bool) {
	b, ok := grid.BoardByID(boardID)
	if !ok || !b.Functioning || !b.Free() {
		return nil, false
	}
	return singleBoardPlacement(b), true
}

func singleBoardPlacement(b *model.Board) *Placement {
	return &Placement{
		Root:     b.Coords,
		RootID:   b.ID,
		BoardIDs: []int32{b.ID},
		Width:    1,
		Height:   1,
		Depth:    1,
	}
}

// PlaceRectangle scans candidate root origins in (x, y) order for a
// width x height rectangle of triads in which at most tolerance boards are
// unusable, and in which the usable boards form a region connected to the
// root. Claimed boards are exactly the connected usable set.
func PlaceRectangle(grid *topology.Grid, width, height, tolerance int) (*Placement, bool) {
	m := grid.Machine()
	if width > m.Width || height > m.Height {
		return nil, false
	}
	area := width * height * m.Depth
	for x := 0; x+width <= m.Width; x++ {
		for y := 0; y+height <= m.Height; y++ {
			root := model.TriadCoords{X: x, Y: y, Z: 0}
			dead := countUnusable(grid, root, width, height)
			if dead > tolerance {
				continue
			}
			reachable := connectedBoards(grid, root, width, height)
			if len(reachable) < area-tolerance {
				continue
			}
			rootBoard, _ := grid.BoardAtLogical(root)
			ids := make([]int32, len(reachable))
			for i, b := range reachable {
				ids[i] = b.ID
			}
			return &Placement{
				Root:     root,
				RootID:   rootBoard.ID,
				BoardIDs: ids,
				Width:    width,
				Height:   height,
				Depth:    m.Depth,
			}, true
		}
	}
	return nil, false
}

// countUnusable counts boards in the rectangle that cannot be claimed:
// dead, already allocated, or simply absent from the machine.
func countUnusable(grid *topology.Grid, root model.TriadCoords, width, height int) int {
	m := grid.Machine()
	count := 0
	for dx := 0; dx < width; dx++ {
		for dy := 0; dy < height; dy++ {
			for z := 0; z < m.Depth; z++ {
				c := model.TriadCoords{X: root.X + dx, Y: root.Y + dy, Z: z}
				b, ok := grid.BoardAtLogical(c)
				if !ok || !b.Functioning || !b.Free() {
					count++
				}
			}
		}
	}
	return count
}

// connectedBoards returns the free functioning boards inside the rectangle
// reachable from the root board. Two boards are adjacent when they share a
// triad or sit in orthogonally neighbouring triads. The toolchain assumes
// every allocated board is reachable from the root, so only this set is
// ever claimed.
func connectedBoards(grid *topology.Grid, root model.TriadCoords, width, height int) []*model.Board {
	rootBoard, ok := grid.BoardAtLogical(root)
	if !ok || !rootBoard.Functioning || !rootBoard.Free() {
		return nil
	}
	m := grid.Machine()

	usable := func(b *model.Board) bool {
		return b.Functioning && b.Free() &&
			grid.InRectangle(b.Coords.X, b.Coords.Y, root, width, height)
	}

	visited := map[int32]bool{rootBoard.ID: true}
	queue := []*model.Board{rootBoard}
	var result []*model.Board
	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]
		result = append(result, b)

		var neighbours []model.TriadCoords
		// The rest of this board's triad.
		for z := 0; z < m.Depth; z++ {
			if z != b.Coords.Z {
				neighbours = append(neighbours, model.TriadCoords{X: b.Coords.X, Y: b.Coords.Y, Z: z})
			}
		}
		// All boards of the four orthogonally neighbouring triads.
		for _, d := range [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			for z := 0; z < m.Depth; z++ {
				neighbours = append(neighbours, model.TriadCoords{
					X: b.Coords.X + d[0], Y: b.Coords.Y + d[1], Z: z,
				})
			}
		}
		for _, c := range neighbours {
			n, ok := grid.BoardAtLogical(c)
			if ok && !visited[n.ID] && usable(n) {
				visited[n.ID] = true
				queue = append(queue, n)
			}
		}
	}
	return result
}
