// Package allocator is the allocation engine: it drains the queue of
// pending requests against per-machine snapshots, commits placements, and
// sweeps out jobs whose keepalive has lapsed.
package allocator

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/epochs"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/model"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/repository"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/topology"
)

var (
	allocatedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spalloc_allocator_allocations_total",
		Help: "Number of requests successfully allocated.",
	})
	conflictCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spalloc_allocator_conflicts_total",
		Help: "Number of commits rolled back because the snapshot went stale.",
	})
	malformedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spalloc_allocator_malformed_requests_total",
		Help: "Number of requests dropped because they had no usable shape.",
	})
	expiredCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spalloc_allocator_expired_jobs_total",
		Help: "Number of jobs destroyed because their keepalive lapsed.",
	})
)

// Store is the persistence surface the engine needs.
type Store interface {
	QueuedRequests(ctx context.Context) ([]*model.AllocRequest, error)
	MachineSnapshot(ctx context.Context, machineID int32) (*model.Machine, error)
	CommitAllocation(ctx context.Context, reqID, jobID int32, placement *repository.Placement) error
	DropRequest(ctx context.Context, reqID, jobID int32, reason string, now time.Time) error
	BumpImportance(ctx context.Context) error
	ExpiredJobs(ctx context.Context, now time.Time) ([]int32, error)
	DestroyJob(ctx context.Context, jobID int32, reason string, now time.Time) ([]int32, int32, bool, error)
}

// PowerController receives board power work once allocations and destructions
// are committed. Implemented by the BMP controller.
type PowerController interface {
	EnqueuePowerOn(machineID, jobID int32, boardIDs []int32)
	EnqueuePowerOff(machineID int32, jobID *int32, boardIDs []int32)
}

// Task runs the periodic allocation pass and the keepalive expiry sweep.
type Task struct {
	store          Store
	power          PowerController
	epochs         *epochs.Epochs
	clock          clock.Clock
	importanceSpan int
}

func NewTask(store Store, power PowerController, hub *epochs.Epochs, c clock.Clock, importanceSpan int) *Task {
	return &Task{
		store:          store,
		power:          power,
		epochs:         hub,
		clock:          c,
		importanceSpan: importanceSpan,
	}
}

// AllocatePass processes the queue once. Requests are visited in queue
// order, but a request trailing the most important one by more than the
// importance span is skipped this pass, so a stream of small jobs cannot
// starve a large one indefinitely. Requests that cannot be placed stay
// queued and gain importance for the next pass.
func (t *Task) AllocatePass(ctx context.Context) error {
	requests, err := t.store.QueuedRequests(ctx)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return nil
	}

	maxImportance := requests[0].Importance
	for _, req := range requests {
		if req.Importance > maxImportance {
			maxImportance = req.Importance
		}
	}

	grids := map[int32]*topology.Grid{}
	var result *multierror.Error
	for _, req := range requests {
		if req.Importance < maxImportance-t.importanceSpan {
			continue
		}
		if err := t.tryAllocate(ctx, req, grids); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := t.store.BumpImportance(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (t *Task) tryAllocate(ctx context.Context, req *model.AllocRequest, grids map[int32]*topology.Grid) error {
	if req.Shape == nil {
		malformedCounter.Inc()
		log.WithField("request", req.ReqID).Warn("dropping request with no usable shape")
		if err := t.store.DropRequest(ctx, req.ReqID, req.JobID,
			"malformed allocation request", t.clock.Now()); err != nil {
			return err
		}
		t.epochs.Bump(epochs.JobEpoch, req.JobID)
		return nil
	}

	grid, ok := grids[req.MachineID]
	if !ok {
		machine, err := t.store.MachineSnapshot(ctx, req.MachineID)
		if err != nil {
			return err
		}
		if !machine.InService {
			return nil
		}
		grid, err = topology.New(machine)
		if err != nil {
			return err
		}
		grids[req.MachineID] = grid
	}

	placement, ok := t.place(grid, req)
	if !ok {
		// Not placeable right now; the request keeps its queue position.
		return nil
	}

	err := t.store.CommitAllocation(ctx, req.ReqID, req.JobID, &repository.Placement{
		RootID: placement.RootID,
		Boards: placement.BoardIDs,
		Width:  placement.Width,
		Height: placement.Height,
		Depth:  placement.Depth,
	})
	if errors.Is(err, repository.ErrAllocationConflict) {
		// Someone beat us to a board. Drop the stale snapshot and let the
		// request ride to the next pass.
		conflictCounter.Inc()
		delete(grids, req.MachineID)
		return nil
	}
	if err != nil {
		return err
	}

	allocatedCounter.Inc()
	log.WithFields(log.Fields{
		"job":     req.JobID,
		"machine": grid.Machine().Name,
		"root":    placement.Root,
		"boards":  len(placement.BoardIDs),
	}).Info("allocated job")

	// The snapshot no longer reflects the committed claim.
	delete(grids, req.MachineID)

	t.power.EnqueuePowerOn(req.MachineID, req.JobID, placement.BoardIDs)
	t.epochs.Bump(epochs.JobEpoch, req.JobID)
	t.epochs.Bump(epochs.MachineEpoch, req.MachineID)
	return nil
}

func (t *Task) place(grid *topology.Grid, req *model.AllocRequest) (*Placement, bool) {
	switch shape := req.Shape.(type) {
	case model.NumBoardsShape:
		if shape.NumBoards == 1 {
			return PlaceOneBoard(grid)
		}
		m := grid.Machine()
		estimate, err := EstimateDimensions(shape.NumBoards, m.Width, m.Height)
		if err != nil {
			log.WithError(err).WithField("request", req.ReqID).
				Warn("request can never fit on its machine")
			return nil, false
		}
		return PlaceRectangle(grid, estimate.Width, estimate.Height,
			estimate.Tolerance+req.MaxDeadBoards)
	case model.DimensionsShape:
		if shape.Width == 1 && shape.Height == 1 && req.MaxDeadBoards == 0 {
			return PlaceOneBoard(grid)
		}
		return PlaceRectangle(grid, shape.Width, shape.Height, req.MaxDeadBoards)
	case model.BoardShape:
		return PlaceBoard(grid, shape.BoardID)
	default:
		return nil, false
	}
}

// ExpireJobs destroys every live job whose keepalive deadline has strictly
// passed. Each destruction releases boards, queues a power-off, and wakes
// waiters.
func (t *Task) ExpireJobs(ctx context.Context) error {
	now := t.clock.Now()
	expired, err := t.store.ExpiredJobs(ctx, now)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, jobID := range expired {
		if err := t.DestroyJob(ctx, jobID, "keepalive expired"); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		expiredCounter.Inc()
	}
	return result.ErrorOrNil()
}

// DestroyJob tears a job down: releases its boards, queues the power-off,
// and wakes waiters. Safe to call for an already-destroyed job.
func (t *Task) DestroyJob(ctx context.Context, jobID int32, reason string) error {
	released, machineID, destroyed, err := t.store.DestroyJob(ctx, jobID, reason, t.clock.Now())
	if err != nil {
		return err
	}
	if !destroyed {
		return nil
	}
	log.WithFields(log.Fields{
		"job":    jobID,
		"reason": reason,
		"boards": len(released),
	}).Info("destroyed job")
	if len(released) > 0 {
		t.power.EnqueuePowerOff(machineID, nil, released)
	}
	t.epochs.Bump(epochs.JobEpoch, jobID)
	t.epochs.Bump(epochs.MachineEpoch, machineID)
	return nil
}
