package bmp

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Transceiver talks to the board management processors of one machine. A
// real implementation maps board ids to BMP addresses internally; the dummy
// implementation below stands in when no hardware is attached.
type Transceiver interface {
	// PowerOnBoards energises boards and blocks until they respond.
	PowerOnBoards(ctx context.Context, boardIDs []int32) error
	// PowerOffBoards de-energises boards.
	PowerOffBoards(ctx context.Context, boardIDs []int32) error
	// CheckFPGALinks verifies the inter-board FPGA registers after power-on
	// and returns the boards whose links did not come up.
	CheckFPGALinks(ctx context.Context, boardIDs []int32) ([]int32, error)
}

// DummyTransceiver simulates hardware that always succeeds, with optional
// injected failures. Used when the server runs with dummy hardware and in
// tests.
type DummyTransceiver struct {
	mu sync.Mutex

	// PowerFailures makes the next n PowerOnBoards calls fail.
	powerFailures int
	// LinkFailures maps a board id to the number of times its FPGA check
	// reports it bad before recovering.
	linkFailures map[int32]int

	poweredOn map[int32]bool

	PowerOnCalls  [][]int32
	PowerOffCalls [][]int32
}

func NewDummyTransceiver() *DummyTransceiver {
	return &DummyTransceiver{
		linkFailures: map[int32]int{},
		poweredOn:    map[int32]bool{},
	}
}

// FailNextPowerOn makes the next n power-on calls fail.
func (d *DummyTransceiver) FailNextPowerOn(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.powerFailures = n
}

// FailLinks makes a board's FPGA check fail n times before recovering. A
// negative n means the board never recovers.
func (d *DummyTransceiver) FailLinks(boardID int32, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.linkFailures[boardID] = n
}

func (d *DummyTransceiver) PowerOnBoards(_ context.Context, boardIDs []int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PowerOnCalls = append(d.PowerOnCalls, boardIDs)
	if d.powerFailures > 0 {
		d.powerFailures--
		return errors.New("dummy hardware: power-on failure injected")
	}
	for _, id := range boardIDs {
		d.poweredOn[id] = true
	}
	return nil
}

func (d *DummyTransceiver) PowerOffBoards(_ context.Context, boardIDs []int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PowerOffCalls = append(d.PowerOffCalls, boardIDs)
	for _, id := range boardIDs {
		d.poweredOn[id] = false
	}
	return nil
}

func (d *DummyTransceiver) CheckFPGALinks(_ context.Context, boardIDs []int32) ([]int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var bad []int32
	for _, id := range boardIDs {
		n, ok := d.linkFailures[id]
		if !ok {
			continue
		}
		if n < 0 {
			bad = append(bad, id)
			continue
		}
		if n > 0 {
			d.linkFailures[id] = n - 1
			bad = append(bad, id)
		}
	}
	return bad, nil
}

// PoweredOn reports the simulated power state of a board.
func (d *DummyTransceiver) PoweredOn(boardID int32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.poweredOn[boardID]
}
