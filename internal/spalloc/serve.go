// Package spalloc assembles the server from its parts: store, allocation
// engine, power controller, quota ledger, epoch hub and the service facade
// the API layer talks to.
package spalloc

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/SpiNNakerManchester/spalloc-server/internal/common/database"
	"github.com/SpiNNakerManchester/spalloc-server/internal/common/logging"
	"github.com/SpiNNakerManchester/spalloc-server/internal/common/task"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/allocator"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/bmp"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/configuration"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/epochs"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/metrics"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/quota"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/reports"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/repository"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/server"
)

const shutdownTimeout = 10 * time.Second

// App is a fully-wired running server.
type App struct {
	// Service is the facade the API translation layer calls into.
	Service *server.Service

	pool        *pgxpool.Pool
	taskManager *task.BackgroundTaskManager
	controller  *bmp.Controller
}

// powerProxy breaks the construction cycle between the allocation engine
// (which queues power work) and the power controller (which destroys jobs
// through the engine).
type powerProxy struct {
	controller *bmp.Controller
}

func (p *powerProxy) EnqueuePowerOn(machineID, jobID int32, boardIDs []int32) {
	p.controller.EnqueuePowerOn(machineID, jobID, boardIDs)
}

func (p *powerProxy) EnqueuePowerOff(machineID int32, jobID *int32, boardIDs []int32) {
	p.controller.EnqueuePowerOff(machineID, jobID, boardIDs)
}

// Serve connects to the database, runs migrations and starts the background
// tasks. The transceivers argument resolves the hardware interface per
// machine; leave it nil to use the simulated hardware, which requires the
// dummy-hardware flag to be set.
func Serve(ctx context.Context, config *configuration.SpallocConfig, transceivers func(machineID int32) bmp.Transceiver) (*App, error) {
	if transceivers == nil {
		if !config.BMP.DummyHardware {
			return nil, errors.New("no transceiver factory given and dummy hardware not enabled")
		}
		log.Warn("running against simulated board hardware")
		transceivers = func(int32) bmp.Transceiver { return bmp.NewDummyTransceiver() }
	}

	pool, err := database.OpenPgxPool(config.Postgres)
	if err != nil {
		return nil, err
	}
	store := repository.NewStore(pool, config.Postgres)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	realClock := clock.RealClock{}
	hub := epochs.New(realClock)
	accumulator := reports.NewAccumulator(store, reports.NopSink{}, realClock, config.Reports)

	proxy := &powerProxy{}
	engine := allocator.NewTask(store, proxy, hub, realClock, config.Allocator.ImportanceSpan)
	controller := bmp.NewController(store, accumulator, engine, hub, realClock, transceivers, config.BMP)
	proxy.controller = controller
	quotaManager := quota.NewManager(store, engine, realClock)

	if err := controller.Start(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	prometheus.MustRegister(metrics.NewCollector(store))

	taskManager := task.NewBackgroundTaskManager("spalloc_", realClock)
	taskManager.Register(logged(ctx, engine.AllocatePass),
		config.Allocator.Period, "allocation_pass")
	taskManager.Register(logged(ctx, engine.ExpireJobs),
		config.Keepalive.ExpiryPeriod, "keepalive_sweep")
	taskManager.Register(logged(ctx, quotaManager.Consolidate),
		config.Quota.ConsolidationPeriod, "quota_consolidation")

	service := server.NewService(store, engine, proxy, quotaManager, accumulator,
		hub, realClock, config)

	return &App{
		Service:     service,
		pool:        pool,
		taskManager: taskManager,
		controller:  controller,
	}, nil
}

// DB exposes the connection pool, e.g. for health checks.
func (a *App) DB() *pgxpool.Pool {
	return a.pool
}

// Stop winds the server down: background tasks first so no new power work
// appears, then the power controller, then the pool.
func (a *App) Stop() {
	if a.taskManager.StopAll(shutdownTimeout) {
		log.Error("background tasks did not stop in time")
	}
	a.controller.Stop()
	a.pool.Close()
}

func logged(ctx context.Context, f func(context.Context) error) func() {
	return func() {
		if err := f(ctx); err != nil {
			logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).
				Error("background task failed")
		}
	}
}
