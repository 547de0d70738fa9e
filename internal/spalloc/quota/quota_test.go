package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/SpiNNakerManchester/spalloc-server/internal/common/serviceerrors"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/model"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/repository"
)

type ledgerKey struct {
	owner     string
	machineID int32
}

type fakeStore struct {
	balances map[ledgerKey]int64
	jobs     []repository.ChargeableJob
	charges  map[int32]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		balances: map[ledgerKey]int64{},
		charges:  map[int32]int64{},
	}
}

func (f *fakeStore) GetQuota(_ context.Context, owner string, machineID int32) (int64, bool, error) {
	balance, ok := f.balances[ledgerKey{owner, machineID}]
	return balance, ok, nil
}

func (f *fakeStore) SetQuota(_ context.Context, owner string, machineID int32, balance int64) error {
	f.balances[ledgerKey{owner, machineID}] = balance
	return nil
}

func (f *fakeStore) ChargeableJobs(context.Context) ([]repository.ChargeableJob, error) {
	return f.jobs, nil
}

func (f *fakeStore) ApplyCharge(_ context.Context, jobID int32, owner string, machineID int32, boardSeconds int64, until time.Time) error {
	key := ledgerKey{owner, machineID}
	if _, ok := f.balances[key]; ok {
		f.balances[key] -= boardSeconds
	}
	f.charges[jobID] += boardSeconds
	for i := range f.jobs {
		if f.jobs[i].JobID == jobID {
			f.jobs[i].AccountedUntil = until
		}
	}
	return nil
}

type fakeDestroyer struct {
	destroyed map[int32]string
}

func (f *fakeDestroyer) DestroyJob(_ context.Context, jobID int32, reason string) error {
	f.destroyed[jobID] = reason
	return nil
}

func newTestManager(store *fakeStore) (*Manager, *fakeDestroyer, *clock.FakeClock) {
	fc := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	destroyer := &fakeDestroyer{destroyed: map[int32]string{}}
	return NewManager(store, destroyer, fc), destroyer, fc
}

var testMachine = &model.Machine{ID: 1, Name: "test-machine"}

func TestCheckAdmissionUnlimitedOwner(t *testing.T) {
	manager, _, _ := newTestManager(newFakeStore())
	err := manager.CheckAdmission(context.Background(), "alice", testMachine, 1000, time.Hour)
	assert.NoError(t, err)
}

func TestCheckAdmissionWithinBudget(t *testing.T) {
	store := newFakeStore()
	store.balances[ledgerKey{"alice", 1}] = 10000
	manager, _, _ := newTestManager(store)

	// 3 boards for 60 seconds projects to 180 board-seconds.
	err := manager.CheckAdmission(context.Background(), "alice", testMachine, 3, time.Minute)
	assert.NoError(t, err)
}

func TestCheckAdmissionRefused(t *testing.T) {
	store := newFakeStore()
	store.balances[ledgerKey{"alice", 1}] = 100
	manager, _, _ := newTestManager(store)

	err := manager.CheckAdmission(context.Background(), "alice", testMachine, 3, time.Minute)
	require.Error(t, err)
	var quotaErr *serviceerrors.ErrQuotaExceeded
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, "alice", quotaErr.Owner)
	assert.Equal(t, int64(100), quotaErr.Balance)
	assert.Equal(t, int64(180), quotaErr.Projected)
}

func TestConsolidateChargesElapsedUsage(t *testing.T) {
	store := newFakeStore()
	store.balances[ledgerKey{"alice", 1}] = 10000
	manager, destroyer, fc := newTestManager(store)
	store.jobs = []repository.ChargeableJob{{
		JobID: 1, Owner: "alice", MachineID: 1, BoardsHeld: 3,
		AccountedUntil: fc.Now().Add(-time.Minute),
	}}

	require.NoError(t, manager.Consolidate(context.Background()))

	assert.Equal(t, int64(180), store.charges[1])
	assert.Equal(t, int64(10000-180), store.balances[ledgerKey{"alice", 1}])
	assert.Equal(t, fc.Now(), store.jobs[0].AccountedUntil)
	assert.Empty(t, destroyer.destroyed)

	// A second pass with no elapsed time charges nothing further.
	require.NoError(t, manager.Consolidate(context.Background()))
	assert.Equal(t, int64(180), store.charges[1])
}

func TestConsolidateSkipsUnlimitedOwners(t *testing.T) {
	store := newFakeStore()
	manager, destroyer, fc := newTestManager(store)
	store.jobs = []repository.ChargeableJob{{
		JobID: 1, Owner: "alice", MachineID: 1, BoardsHeld: 3,
		AccountedUntil: fc.Now().Add(-time.Hour),
	}}

	require.NoError(t, manager.Consolidate(context.Background()))

	// Usage is still tracked on the job but no ledger exists to drain and
	// nothing is killed.
	assert.Equal(t, int64(3*3600), store.charges[1])
	assert.Empty(t, destroyer.destroyed)
}

func TestConsolidateKillsInsolventOwner(t *testing.T) {
	store := newFakeStore()
	store.balances[ledgerKey{"alice", 1}] = 100
	manager, destroyer, fc := newTestManager(store)
	store.jobs = []repository.ChargeableJob{{
		JobID: 1, Owner: "alice", MachineID: 1, BoardsHeld: 2,
		AccountedUntil: fc.Now().Add(-time.Minute),
	}}

	require.NoError(t, manager.Consolidate(context.Background()))

	// 120 board-seconds against a balance of 100 leaves alice insolvent.
	assert.Equal(t, int64(-20), store.balances[ledgerKey{"alice", 1}])
	assert.Equal(t, "quota exceeded", destroyer.destroyed[1])
}

func TestConsolidateSparesExactlyExhaustedOwner(t *testing.T) {
	store := newFakeStore()
	store.balances[ledgerKey{"alice", 1}] = 120
	manager, destroyer, fc := newTestManager(store)
	store.jobs = []repository.ChargeableJob{{
		JobID: 1, Owner: "alice", MachineID: 1, BoardsHeld: 2,
		AccountedUntil: fc.Now().Add(-time.Minute),
	}}

	require.NoError(t, manager.Consolidate(context.Background()))

	// 120 board-seconds against a balance of 120 lands exactly on zero,
	// which is still solvent; only an overdrawn balance kills the job.
	assert.Equal(t, int64(0), store.balances[ledgerKey{"alice", 1}])
	assert.Empty(t, destroyer.destroyed)
}

func TestAddQuota(t *testing.T) {
	store := newFakeStore()
	manager, _, _ := newTestManager(store)

	balance, err := manager.AddQuota(context.Background(), "bob", 1, 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), balance)

	balance, err = manager.AddQuota(context.Background(), "bob", 1, -2000)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), balance)
}
