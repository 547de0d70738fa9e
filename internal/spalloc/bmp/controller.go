// Package bmp sequences board power through the board management processors.
// Power work is queued per machine and executed by one worker goroutine per
// machine, so commands against one machine's BMPs are strictly serialised
// while independent machines proceed in parallel.
package bmp

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/SpiNNakerManchester/spalloc-server/internal/common/logging"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/configuration"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/epochs"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/model"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/repository"
)

var (
	powerOnCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spalloc_bmp_power_on_total",
		Help: "Number of completed power-on sequences.",
	})
	powerOffCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spalloc_bmp_power_off_total",
		Help: "Number of completed power-off sequences.",
	})
	powerFailCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spalloc_bmp_power_failures_total",
		Help: "Number of power sequences abandoned after exhausting retries.",
	})
)

// Store is the persistence surface the controller needs.
type Store interface {
	SetBoardsPower(ctx context.Context, boardIDs []int32, on bool, now time.Time) error
	SetJobReady(ctx context.Context, jobID int32, boardIDs []int32, now time.Time) (bool, error)
	MarkBoardsDead(ctx context.Context, boardIDs []int32) (int, error)
	PowerReconciliationWork(ctx context.Context) (*repository.PowerReconciliation, error)
}

// Reporter records hardware trouble observed during power sequencing.
type Reporter interface {
	Report(ctx context.Context, machineID int32, report *model.BoardIssueReport) error
}

// Destroyer tears down a job whose boards could not be brought up.
type Destroyer interface {
	DestroyJob(ctx context.Context, jobID int32, reason string) error
}

type workItem struct {
	id        uuid.UUID
	machineID int32
	jobID     *int32
	boards    []int32
	powerOn   bool
}

// Controller owns the per-machine power work queues.
type Controller struct {
	store        Store
	reporter     Reporter
	destroyer    Destroyer
	epochs       *epochs.Epochs
	clock        clock.Clock
	transceivers func(machineID int32) Transceiver
	config       configuration.BMPConfig

	mu      sync.Mutex
	queues  map[int32]chan workItem
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewController builds a controller. The transceivers function resolves the
// hardware interface for a machine; it is called once per machine when its
// worker starts.
func NewController(
	store Store,
	reporter Reporter,
	destroyer Destroyer,
	hub *epochs.Epochs,
	c clock.Clock,
	transceivers func(machineID int32) Transceiver,
	config configuration.BMPConfig,
) *Controller {
	return &Controller{
		store:        store,
		reporter:     reporter,
		destroyer:    destroyer,
		epochs:       hub,
		clock:        c,
		transceivers: transceivers,
		config:       config,
		queues:       map[int32]chan workItem{},
	}
}

// Start launches the controller and replays any power work interrupted by a
// restart: jobs stuck mid power-on get their sequence re-run, and boards
// left energised with no live job are switched off.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	c.mu.Unlock()

	recon, err := c.store.PowerReconciliationWork(ctx)
	if err != nil {
		return err
	}
	for jobID, boards := range recon.PendingOn {
		log.WithField("job", jobID).Info("resuming interrupted power-on")
		c.EnqueuePowerOn(recon.JobMachines[jobID], jobID, boards)
	}
	for machineID, boards := range recon.OrphanedOff {
		log.WithFields(log.Fields{
			"machine": machineID,
			"boards":  len(boards),
		}).Info("powering off orphaned boards")
		c.EnqueuePowerOff(machineID, nil, boards)
	}
	return nil
}

// Stop drains no further work and waits for in-flight sequences to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// EnqueuePowerOn queues the power-up sequence for a freshly-allocated job.
func (c *Controller) EnqueuePowerOn(machineID, jobID int32, boardIDs []int32) {
	j := jobID
	c.enqueue(workItem{
		id:        uuid.New(),
		machineID: machineID,
		jobID:     &j,
		boards:    boardIDs,
		powerOn:   true,
	})
}

// EnqueuePowerOff queues a best-effort power-down of released boards. The
// job id is optional; boards orphaned by a restart have none.
func (c *Controller) EnqueuePowerOff(machineID int32, jobID *int32, boardIDs []int32) {
	c.enqueue(workItem{
		id:        uuid.New(),
		machineID: machineID,
		jobID:     jobID,
		boards:    boardIDs,
		powerOn:   false,
	})
}

func (c *Controller) enqueue(item workItem) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		log.WithField("work", item.id).Error("power work submitted before controller start; dropped")
		return
	}
	queue, ok := c.queues[item.machineID]
	if !ok {
		queue = make(chan workItem, 128)
		c.queues[item.machineID] = queue
		c.wg.Add(1)
		go c.worker(item.machineID, queue)
	}
	c.mu.Unlock()

	select {
	case queue <- item:
	case <-c.ctx.Done():
	}
}

func (c *Controller) worker(machineID int32, queue chan workItem) {
	defer c.wg.Done()
	trans := c.transceivers(machineID)
	for {
		select {
		case <-c.ctx.Done():
			return
		case item := <-queue:
			logger := log.WithFields(log.Fields{
				"work":    item.id,
				"machine": machineID,
				"boards":  len(item.boards),
			})
			if item.powerOn {
				c.processPowerOn(c.ctx, trans, item, logger)
			} else {
				c.processPowerOff(c.ctx, trans, item, logger)
			}
		}
	}
}

// processPowerOn runs the full bring-up sequence: energise the boards, then
// verify the inter-board FPGA links. Boards that fail their links after the
// retry budget are marked dead and reported, and the job is destroyed since
// its allocation can no longer be delivered intact.
func (c *Controller) processPowerOn(ctx context.Context, trans Transceiver, item workItem, logger *log.Entry) {
	err := retry.Do(
		func() error { return trans.PowerOnBoards(ctx, item.boards) },
		retry.Attempts(uint(c.config.PowerAttempts)),
		retry.Delay(c.config.ProbeInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		logging.WithStacktrace(logger, err).Error("power-on failed after retries")
		c.failPowerOn(ctx, item, item.boards, "power-on failure")
		return
	}

	var bad []int32
	err = retry.Do(
		func() error {
			var checkErr error
			bad, checkErr = trans.CheckFPGALinks(ctx, item.boards)
			if checkErr != nil {
				return checkErr
			}
			if len(bad) > 0 {
				return errors.Errorf("%d boards with FPGA links down", len(bad))
			}
			return nil
		},
		retry.Attempts(uint(c.config.FpgaAttempts)),
		retry.Delay(c.config.ProbeInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil && len(bad) > 0 {
		logger.WithField("bad", bad).Error("FPGA links failed to come up")
		c.failPowerOn(ctx, item, bad, "FPGA links failed to initialise")
		return
	}
	if err != nil {
		logger.WithError(err).Error("FPGA link check failed")
		c.failPowerOn(ctx, item, item.boards, "FPGA link check failure")
		return
	}

	now := c.clock.Now()
	if item.jobID != nil {
		transitioned, err := c.store.SetJobReady(ctx, *item.jobID, item.boards, now)
		if err != nil {
			logger.WithError(err).Error("failed to record job ready")
			return
		}
		if !transitioned {
			// Destroyed while we were powering up; undo our work.
			logger.Info("job gone before power-on completed; powering off")
			c.EnqueuePowerOff(item.machineID, nil, item.boards)
			return
		}
		c.epochs.Bump(epochs.JobEpoch, *item.jobID)
	} else if err := c.store.SetBoardsPower(ctx, item.boards, true, now); err != nil {
		logger.WithError(err).Error("failed to record board power state")
		return
	}
	powerOnCounter.Inc()
	c.epochs.Bump(epochs.MachineEpoch, item.machineID)
	logger.Info("boards powered on")
}

// failPowerOn handles an exhausted bring-up: the offending boards are taken
// out of the pool, the trouble is reported, and the job is destroyed.
func (c *Controller) failPowerOn(ctx context.Context, item workItem, badBoards []int32, cause string) {
	powerFailCounter.Inc()
	if _, err := c.store.MarkBoardsDead(ctx, badBoards); err != nil {
		log.WithError(err).Error("failed to mark boards dead")
	}
	for _, boardID := range badBoards {
		report := &model.BoardIssueReport{
			BoardID:     boardID,
			JobID:       item.jobID,
			Reporter:    "bmp-controller",
			Description: cause,
		}
		if err := c.reporter.Report(ctx, item.machineID, report); err != nil {
			log.WithError(err).WithField("board", boardID).Error("failed to record board issue")
		}
	}
	if item.jobID != nil {
		if err := c.destroyer.DestroyJob(ctx, *item.jobID, "hardware power-on failed"); err != nil {
			log.WithError(err).WithField("job", *item.jobID).Error("failed to destroy job after power failure")
		}
	}
	c.epochs.Bump(epochs.MachineEpoch, item.machineID)
}

// processPowerOff is best effort: allocation correctness never depends on a
// power-down having happened, so a failure is logged and the boards stay
// recorded as on until reconciliation or a later sequence fixes them.
func (c *Controller) processPowerOff(ctx context.Context, trans Transceiver, item workItem, logger *log.Entry) {
	err := retry.Do(
		func() error { return trans.PowerOffBoards(ctx, item.boards) },
		retry.Attempts(uint(c.config.PowerAttempts)),
		retry.Delay(c.config.ProbeInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		logger.WithError(err).Error("power-off failed; boards left as-is")
		return
	}
	if err := c.store.SetBoardsPower(ctx, item.boards, false, c.clock.Now()); err != nil {
		logger.WithError(err).Error("failed to record board power state")
		return
	}
	powerOffCounter.Inc()
	c.epochs.Bump(epochs.MachineEpoch, item.machineID)
	logger.Info("boards powered off")
}
