package bmp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/configuration"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/epochs"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/model"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/repository"
)

type fakeStore struct {
	mu sync.Mutex

	powerRecords  []powerRecord
	readyJobs     []int32
	readyResponse bool
	deadBoards    []int32
	recon         *repository.PowerReconciliation
}

type powerRecord struct {
	boards []int32
	on     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		readyResponse: true,
		recon: &repository.PowerReconciliation{
			PendingOn:   map[int32][]int32{},
			OrphanedOff: map[int32][]int32{},
			JobMachines: map[int32]int32{},
		},
	}
}

func (f *fakeStore) SetBoardsPower(_ context.Context, boardIDs []int32, on bool, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerRecords = append(f.powerRecords, powerRecord{boards: boardIDs, on: on})
	return nil
}

func (f *fakeStore) SetJobReady(_ context.Context, jobID int32, _ []int32, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.readyResponse {
		return false, nil
	}
	f.readyJobs = append(f.readyJobs, jobID)
	return true, nil
}

func (f *fakeStore) MarkBoardsDead(_ context.Context, boardIDs []int32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadBoards = append(f.deadBoards, boardIDs...)
	return len(boardIDs), nil
}

func (f *fakeStore) PowerReconciliationWork(context.Context) (*repository.PowerReconciliation, error) {
	return f.recon, nil
}

func (f *fakeStore) snapshot() ([]powerRecord, []int32, []int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]powerRecord{}, f.powerRecords...),
		append([]int32{}, f.readyJobs...),
		append([]int32{}, f.deadBoards...)
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []model.BoardIssueReport
}

func (f *fakeReporter) Report(_ context.Context, _ int32, report *model.BoardIssueReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, *report)
	return nil
}

func (f *fakeReporter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

type fakeDestroyer struct {
	mu        sync.Mutex
	destroyed map[int32]string
}

func (f *fakeDestroyer) DestroyJob(_ context.Context, jobID int32, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed[jobID] = reason
	return nil
}

func (f *fakeDestroyer) reason(jobID int32) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed[jobID]
}

func testConfig() configuration.BMPConfig {
	return configuration.BMPConfig{
		ProbeInterval: time.Millisecond,
		PowerAttempts: 2,
		FpgaAttempts:  3,
		DummyHardware: true,
	}
}

func newTestController(t *testing.T, store *fakeStore, dummy *DummyTransceiver) (*Controller, *fakeReporter, *fakeDestroyer, *epochs.Epochs) {
	fc := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	hub := epochs.New(clock.RealClock{})
	reporter := &fakeReporter{}
	destroyer := &fakeDestroyer{destroyed: map[int32]string{}}
	controller := NewController(store, reporter, destroyer, hub, fc,
		func(int32) Transceiver { return dummy }, testConfig())
	require.NoError(t, controller.Start(context.Background()))
	t.Cleanup(controller.Stop)
	return controller, reporter, destroyer, hub
}

func TestPowerOnSequenceMakesJobReady(t *testing.T) {
	store := newFakeStore()
	dummy := NewDummyTransceiver()
	controller, _, _, hub := newTestController(t, store, dummy)
	before := hub.Current(epochs.JobEpoch, 10)

	controller.EnqueuePowerOn(1, 10, []int32{1, 2, 3})

	assert.Eventually(t, func() bool {
		_, ready, _ := store.snapshot()
		return len(ready) == 1
	}, time.Second, time.Millisecond)

	_, ready, dead := store.snapshot()
	assert.Equal(t, []int32{10}, ready)
	assert.Empty(t, dead)
	assert.True(t, dummy.PoweredOn(1))
	assert.Greater(t, hub.Current(epochs.JobEpoch, 10), before)
}

func TestPowerOnRetriesTransientFailure(t *testing.T) {
	store := newFakeStore()
	dummy := NewDummyTransceiver()
	dummy.FailNextPowerOn(1)
	controller, _, destroyer, _ := newTestController(t, store, dummy)

	controller.EnqueuePowerOn(1, 10, []int32{1})

	assert.Eventually(t, func() bool {
		_, ready, _ := store.snapshot()
		return len(ready) == 1
	}, time.Second, time.Millisecond)
	assert.Empty(t, destroyer.reason(10))
}

func TestPowerOnExhaustedMarksBoardsDeadAndKillsJob(t *testing.T) {
	store := newFakeStore()
	dummy := NewDummyTransceiver()
	dummy.FailNextPowerOn(10)
	controller, reporter, destroyer, _ := newTestController(t, store, dummy)

	controller.EnqueuePowerOn(1, 10, []int32{1, 2})

	assert.Eventually(t, func() bool {
		return destroyer.reason(10) != ""
	}, time.Second, time.Millisecond)

	_, ready, dead := store.snapshot()
	assert.Empty(t, ready)
	assert.ElementsMatch(t, []int32{1, 2}, dead)
	assert.Equal(t, "hardware power-on failed", destroyer.reason(10))
	assert.Equal(t, 2, reporter.count())
}

func TestFPGAFailureBlamesOnlyBadBoard(t *testing.T) {
	store := newFakeStore()
	dummy := NewDummyTransceiver()
	dummy.FailLinks(2, -1)
	controller, reporter, destroyer, _ := newTestController(t, store, dummy)

	controller.EnqueuePowerOn(1, 10, []int32{1, 2, 3})

	assert.Eventually(t, func() bool {
		return destroyer.reason(10) != ""
	}, time.Second, time.Millisecond)

	_, _, dead := store.snapshot()
	assert.Equal(t, []int32{2}, dead)
	assert.Equal(t, 1, reporter.count())
	assert.Equal(t, "hardware power-on failed", destroyer.reason(10))
}

func TestFPGARecoveryWithinBudget(t *testing.T) {
	store := newFakeStore()
	dummy := NewDummyTransceiver()
	dummy.FailLinks(1, 2)
	controller, _, destroyer, _ := newTestController(t, store, dummy)

	controller.EnqueuePowerOn(1, 10, []int32{1})

	assert.Eventually(t, func() bool {
		_, ready, _ := store.snapshot()
		return len(ready) == 1
	}, time.Second, time.Millisecond)
	assert.Empty(t, destroyer.reason(10))
}

func TestJobGoneBeforePowerOnCompletes(t *testing.T) {
	store := newFakeStore()
	store.readyResponse = false
	dummy := NewDummyTransceiver()
	controller, _, _, _ := newTestController(t, store, dummy)

	controller.EnqueuePowerOn(1, 10, []int32{1, 2})

	// The boards must be switched back off since the job vanished.
	assert.Eventually(t, func() bool {
		records, _, _ := store.snapshot()
		for _, r := range records {
			if !r.on {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	assert.False(t, dummy.PoweredOn(1))
}

func TestPowerOffRecordsState(t *testing.T) {
	store := newFakeStore()
	dummy := NewDummyTransceiver()
	controller, _, _, _ := newTestController(t, store, dummy)

	controller.EnqueuePowerOff(1, nil, []int32{5, 6})

	assert.Eventually(t, func() bool {
		records, _, _ := store.snapshot()
		return len(records) == 1 && !records[0].on
	}, time.Second, time.Millisecond)
	records, _, _ := store.snapshot()
	assert.Equal(t, []int32{5, 6}, records[0].boards)
}

func TestStartReconcilesInterruptedWork(t *testing.T) {
	store := newFakeStore()
	store.recon.PendingOn[10] = []int32{1, 2}
	store.recon.JobMachines[10] = 1
	store.recon.OrphanedOff[2] = []int32{7}
	dummy := NewDummyTransceiver()
	_, _, _, _ = newTestController(t, store, dummy)

	assert.Eventually(t, func() bool {
		_, ready, _ := store.snapshot()
		records, _, _ := store.snapshot()
		offSeen := false
		for _, r := range records {
			if !r.on {
				offSeen = true
			}
		}
		return len(ready) == 1 && offSeen
	}, time.Second, time.Millisecond)
	assert.True(t, dummy.PoweredOn(1))
	assert.False(t, dummy.PoweredOn(7))
}