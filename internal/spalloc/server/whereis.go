package server

import (
	"context"

	"github.com/SpiNNakerManchester/spalloc-server/internal/common/serviceerrors"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/model"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/topology"
)

// BoardLocator addresses one board of a machine in any of the accepted
// coordinate systems. Exactly one field should be set.
type BoardLocator struct {
	Logical  *model.TriadCoords
	Physical *model.PhysicalCoords
	Chip     *model.ChipLocation
	Address  string
}

func (l BoardLocator) resolve(grid *topology.Grid) (*model.Board, error) {
	var board *model.Board
	var ok bool
	switch {
	case l.Logical != nil:
		board, ok = grid.BoardAtLogical(*l.Logical)
	case l.Physical != nil:
		board, ok = grid.BoardAtPhysical(*l.Physical)
	case l.Chip != nil:
		board, ok = grid.BoardAtChip(*l.Chip)
	case l.Address != "":
		board, ok = grid.BoardAtAddress(l.Address)
	default:
		return nil, &serviceerrors.ErrInvalidArgument{
			Name: "locator", Value: l, Message: "exactly one coordinate form must be given",
		}
	}
	if !ok {
		return nil, &serviceerrors.ErrNotFound{
			Type: "board", Value: grid.Machine().Name, Message: "no board at the given coordinates",
		}
	}
	return board, nil
}

// Location is the full answer to a where-is query: every coordinate system's
// view of one board, plus who holds it.
type Location struct {
	MachineName string
	Logical     model.TriadCoords
	Physical    model.PhysicalCoords
	// Chip-space origin of the board.
	BoardChip model.ChipLocation
	// The chip asked about, when the query was by chip.
	Chip    *model.ChipLocation
	BoardID int32
	JobID   *int32
}

func locationOf(machine *model.Machine, board *model.Board) *Location {
	return &Location{
		MachineName: machine.Name,
		Logical:     board.Coords,
		Physical:    board.Physical,
		BoardChip:   board.ChipRoot,
		BoardID:     board.ID,
		JobID:       board.AllocatedJob,
	}
}

// WhereIsMachine resolves a board of the named machine from any locator
// form.
func (s *Service) WhereIsMachine(ctx context.Context, machineName string, locator BoardLocator) (*Location, error) {
	machine, err := s.store.GetMachine(ctx, machineName)
	if err != nil {
		return nil, err
	}
	grid, err := topology.New(machine)
	if err != nil {
		return nil, err
	}
	board, err := locator.resolve(grid)
	if err != nil {
		return nil, err
	}
	location := locationOf(machine, board)
	location.Chip = locator.Chip
	return location, nil
}

// ResolveBoard translates any accepted locator form into the specific-board
// shape used by allocation requests. Physical and address forms are resolved
// to the board id here, before the request is queued.
func (s *Service) ResolveBoard(ctx context.Context, machineName string, locator BoardLocator) (model.BoardShape, error) {
	machine, err := s.store.GetMachine(ctx, machineName)
	if err != nil {
		return model.BoardShape{}, err
	}
	grid, err := topology.New(machine)
	if err != nil {
		return model.BoardShape{}, err
	}
	board, err := locator.resolve(grid)
	if err != nil {
		return model.BoardShape{}, err
	}
	return model.BoardShape{BoardID: board.ID}, nil
}

// WhereIsJobChip resolves a chip given in a job's own coordinate space,
// relative to the root board's chip origin, to the board holding it. The
// chip must land on a board the job actually holds.
func (s *Service) WhereIsJobChip(ctx context.Context, jobID int32, chipX, chipY int) (*Location, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Allocated() {
		return nil, &serviceerrors.ErrInvalidArgument{
			Name: "job", Value: jobID, Message: "job has no allocation yet",
		}
	}
	boards, err := s.store.JobBoards(ctx, jobID)
	if err != nil {
		return nil, err
	}
	var root *model.Board
	for i := range boards {
		if boards[i].ID == *job.RootID {
			root = &boards[i]
			break
		}
	}
	if root == nil {
		return nil, &serviceerrors.ErrNotFound{
			Type: "board", Value: "root", Message: "job root board missing",
		}
	}

	machine, err := s.machineByID(ctx, job.MachineID)
	if err != nil {
		return nil, err
	}
	grid, err := topology.New(machine)
	if err != nil {
		return nil, err
	}

	chip := model.ChipLocation{X: root.ChipRoot.X + chipX, Y: root.ChipRoot.Y + chipY}
	board, ok := grid.BoardAtChip(chip)
	if !ok {
		return nil, &serviceerrors.ErrNotFound{
			Type: "chip", Value: chip.String(), Message: "chip is outside the machine",
		}
	}
	held := false
	for i := range boards {
		if boards[i].ID == board.ID {
			held = true
			break
		}
	}
	if !held {
		return nil, &serviceerrors.ErrNotFound{
			Type: "chip", Value: chip.String(), Message: "chip is outside the job's allocation",
		}
	}
	location := locationOf(machine, board)
	location.Chip = &chip
	return location, nil
}

func (s *Service) machineByID(ctx context.Context, machineID int32) (*model.Machine, error) {
	machines, err := s.store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range machines {
		if m.ID == machineID {
			return s.store.GetMachine(ctx, m.Name)
		}
	}
	return nil, &serviceerrors.ErrNotFound{Type: "machine", Value: "by id"}
}
