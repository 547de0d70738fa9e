package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/SpiNNakerManchester/spalloc-server/internal/common/serviceerrors"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/configuration"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/epochs"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/model"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/repository"
)

type fakeStore struct {
	machines []*model.Machine
	jobs     map[int32]*model.Job
	boards   map[int32][]model.Board

	created    []repository.CreateJobParams
	keepalives []int32
	pending    []int32
	nextJobID  int32
}

func newServiceFakeStore(machines ...*model.Machine) *fakeStore {
	return &fakeStore{
		machines:  machines,
		jobs:      map[int32]*model.Job{},
		boards:    map[int32][]model.Board{},
		nextJobID: 100,
	}
}

func (f *fakeStore) ListMachines(context.Context) ([]*model.Machine, error) {
	return f.machines, nil
}

func (f *fakeStore) GetMachine(_ context.Context, name string) (*model.Machine, error) {
	for _, m := range f.machines {
		if m.Name == name {
			return m, nil
		}
	}
	return nil, &serviceerrors.ErrNotFound{Type: "machine", Value: name}
}

func (f *fakeStore) GetJob(_ context.Context, jobID int32) (*model.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, &serviceerrors.ErrNotFound{Type: "job", Value: fmt.Sprint(jobID)}
	}
	return job, nil
}

func (f *fakeStore) ListJobs(context.Context, bool, int, int) ([]*model.Job, error) {
	var jobs []*model.Job
	for _, j := range f.jobs {
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (f *fakeStore) CreateJob(_ context.Context, params repository.CreateJobParams) (*model.Job, error) {
	f.created = append(f.created, params)
	f.nextJobID++
	job := &model.Job{
		ID:                f.nextJobID,
		MachineID:         params.MachineID,
		Owner:             params.Owner,
		State:             model.JobQueued,
		KeepaliveInterval: params.KeepaliveInterval,
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeStore) RefreshKeepalive(_ context.Context, jobID int32, _ string, _ time.Time) error {
	f.keepalives = append(f.keepalives, jobID)
	return nil
}

func (f *fakeStore) JobBoards(_ context.Context, jobID int32) ([]model.Board, error) {
	return f.boards[jobID], nil
}

func (f *fakeStore) SetJobPowerPending(_ context.Context, jobID int32) (bool, error) {
	f.pending = append(f.pending, jobID)
	return true, nil
}

type fakeDestroyer struct {
	destroyed map[int32]string
}

func (f *fakeDestroyer) DestroyJob(_ context.Context, jobID int32, reason string) error {
	f.destroyed[jobID] = reason
	return nil
}

type powerCall struct {
	machineID int32
	on        bool
	boards    []int32
}

type fakePower struct {
	calls []powerCall
}

func (f *fakePower) EnqueuePowerOn(machineID, _ int32, boardIDs []int32) {
	f.calls = append(f.calls, powerCall{machineID: machineID, on: true, boards: boardIDs})
}

func (f *fakePower) EnqueuePowerOff(machineID int32, _ *int32, boardIDs []int32) {
	f.calls = append(f.calls, powerCall{machineID: machineID, on: false, boards: boardIDs})
}

type fakeAdmission struct {
	err error
}

func (f *fakeAdmission) CheckAdmission(context.Context, string, *model.Machine, int, time.Duration) error {
	return f.err
}

type fakeReporter struct {
	reports []model.BoardIssueReport
}

func (f *fakeReporter) Report(_ context.Context, _ int32, report *model.BoardIssueReport) error {
	f.reports = append(f.reports, *report)
	return nil
}

func testConfig() *configuration.SpallocConfig {
	return &configuration.SpallocConfig{
		Allocator: configuration.AllocatorConfig{
			ImportanceSpan: 10000,
			PriorityScale: configuration.PriorityScale{
				Size:          1.0,
				Dimensions:    1.5,
				SpecificBoard: 65.0,
			},
		},
		Keepalive: configuration.KeepaliveConfig{
			ExpiryPeriod: 30 * time.Second,
			Min:          30 * time.Second,
			Max:          300 * time.Second,
		},
		Wait: configuration.WaitConfig{
			Default: 30 * time.Second,
			Max:     time.Minute,
		},
	}
}

// testMachine builds a 2x2 in-service machine with sequential board ids.
func testMachine(id int32, name string, tags ...string) *model.Machine {
	m := &model.Machine{
		ID: id, Name: name, Width: 2, Height: 2, Depth: model.TriadDepth,
		InService: true, Tags: tags,
	}
	boardID := id * 100
	for x := 0; x < m.Width; x++ {
		for y := 0; y < m.Height; y++ {
			for z := 0; z < m.Depth; z++ {
				boardID++
				c := model.TriadCoords{X: x, Y: y, Z: z}
				m.Boards = append(m.Boards, model.Board{
					ID: boardID, MachineID: id, Coords: c,
					Physical:    model.PhysicalCoords{Cabinet: 0, Frame: x, Board: y*3 + z},
					ChipRoot:    c.RootChip(),
					Address:     fmt.Sprintf("10.%d.%d.%d", id, x, y*3+z),
					Functioning: true,
				})
			}
		}
	}
	return m
}

type testEnv struct {
	service   *Service
	store     *fakeStore
	destroyer *fakeDestroyer
	power     *fakePower
	admission *fakeAdmission
	reporter  *fakeReporter
	hub       *epochs.Epochs
	clock     *clock.FakeClock
}

func newTestEnv(machines ...*model.Machine) *testEnv {
	fc := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	env := &testEnv{
		store:     newServiceFakeStore(machines...),
		destroyer: &fakeDestroyer{destroyed: map[int32]string{}},
		power:     &fakePower{},
		admission: &fakeAdmission{},
		reporter:  &fakeReporter{},
		hub:       epochs.New(fc),
		clock:     fc,
	}
	env.service = NewService(env.store, env.destroyer, env.power, env.admission,
		env.reporter, env.hub, env.clock, testConfig())
	return env
}

func validCreate() CreateJobParams {
	return CreateJobParams{
		MachineName:       "spin-1",
		Shape:             model.NumBoardsShape{NumBoards: 3},
		KeepaliveInterval: time.Minute,
	}
}

func TestListJobsValidatesPaging(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, err := env.service.ListJobs(ctx, false, -1, 0)
	assertInvalidArgument(t, err)

	_, err = env.service.ListJobs(ctx, false, MaxListLimit+1, 0)
	assertInvalidArgument(t, err)

	_, err = env.service.ListJobs(ctx, false, 10, -5)
	assertInvalidArgument(t, err)

	_, err = env.service.ListJobs(ctx, false, 10, 0)
	assert.NoError(t, err)
}

func TestCreateJob(t *testing.T) {
	env := newTestEnv(testMachine(1, "spin-1"))
	before := env.hub.Current(epochs.JobListEpoch, 0)

	job, err := env.service.CreateJob(context.Background(), Permit{Principal: "alice"}, validCreate())
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, job.State)
	assert.Equal(t, "alice", job.Owner)

	require.Len(t, env.store.created, 1)
	created := env.store.created[0]
	assert.Equal(t, int32(1), created.MachineID)
	assert.Equal(t, 3, created.Priority) // 3 boards x size scale 1.0
	assert.Greater(t, env.hub.Current(epochs.JobListEpoch, 0), before)
}

func TestCreateJobPriorityScales(t *testing.T) {
	env := newTestEnv(testMachine(1, "spin-1"))
	ctx := context.Background()
	permit := Permit{Principal: "alice"}

	params := validCreate()
	params.Shape = model.DimensionsShape{Width: 2, Height: 2}
	_, err := env.service.CreateJob(ctx, permit, params)
	require.NoError(t, err)
	assert.Equal(t, 6, env.store.created[0].Priority) // 4 triads x 1.5

	params.Shape = model.BoardShape{BoardID: 101}
	_, err = env.service.CreateJob(ctx, permit, params)
	require.NoError(t, err)
	assert.Equal(t, 65, env.store.created[1].Priority)
}

func TestCreateJobRejectsShortKeepalive(t *testing.T) {
	env := newTestEnv(testMachine(1, "spin-1"))
	params := validCreate()
	params.KeepaliveInterval = time.Second

	_, err := env.service.CreateJob(context.Background(), Permit{Principal: "alice"}, params)
	assertInvalidArgument(t, err)
	assert.Empty(t, env.store.created, "nothing may be persisted on validation failure")
}

func TestCreateJobRejectsLongKeepalive(t *testing.T) {
	env := newTestEnv(testMachine(1, "spin-1"))
	params := validCreate()
	params.KeepaliveInterval = time.Hour

	_, err := env.service.CreateJob(context.Background(), Permit{Principal: "alice"}, params)
	assertInvalidArgument(t, err)
	assert.Empty(t, env.store.created)
}

func TestCreateJobValidatesShape(t *testing.T) {
	env := newTestEnv(testMachine(1, "spin-1"))
	ctx := context.Background()
	permit := Permit{Principal: "alice"}

	params := validCreate()
	params.Shape = nil
	_, err := env.service.CreateJob(ctx, permit, params)
	assertInvalidArgument(t, err)

	params.Shape = model.NumBoardsShape{NumBoards: 0}
	_, err = env.service.CreateJob(ctx, permit, params)
	assertInvalidArgument(t, err)

	params.Shape = model.DimensionsShape{Width: 0, Height: 2}
	_, err = env.service.CreateJob(ctx, permit, params)
	assertInvalidArgument(t, err)

	// A board belonging to a different machine.
	params.Shape = model.BoardShape{BoardID: 999}
	_, err = env.service.CreateJob(ctx, permit, params)
	assertInvalidArgument(t, err)

	assert.Empty(t, env.store.created)
}

func TestCreateJobQuotaRejected(t *testing.T) {
	env := newTestEnv(testMachine(1, "spin-1"))
	env.admission.err = &serviceerrors.ErrQuotaExceeded{Owner: "alice"}

	_, err := env.service.CreateJob(context.Background(), Permit{Principal: "alice"}, validCreate())
	var quotaErr *serviceerrors.ErrQuotaExceeded
	require.ErrorAs(t, err, &quotaErr)
	assert.Empty(t, env.store.created, "no job row on quota rejection")
}

func TestCreateJobByTags(t *testing.T) {
	env := newTestEnv(
		testMachine(1, "spin-1", "small"),
		testMachine(2, "spin-2", "large", "viz"),
	)
	params := validCreate()
	params.MachineName = ""
	params.Tags = []string{"large", "viz"}

	job, err := env.service.CreateJob(context.Background(), Permit{Principal: "alice"}, params)
	require.NoError(t, err)
	assert.Equal(t, int32(2), job.MachineID)
}

func TestCreateJobNoTagMatch(t *testing.T) {
	env := newTestEnv(testMachine(1, "spin-1", "small"))
	params := validCreate()
	params.MachineName = ""
	params.Tags = []string{"large"}

	_, err := env.service.CreateJob(context.Background(), Permit{Principal: "alice"}, params)
	var notFound *serviceerrors.ErrNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Empty(t, env.store.created)
}

func TestCreateJobRequiresPrincipal(t *testing.T) {
	env := newTestEnv(testMachine(1, "spin-1"))
	_, err := env.service.CreateJob(context.Background(), Permit{}, validCreate())
	var denied *serviceerrors.ErrNoPermission
	require.ErrorAs(t, err, &denied)
}

func TestKeepAlive(t *testing.T) {
	env := newTestEnv()
	env.store.jobs[7] = &model.Job{ID: 7, Owner: "alice"}

	require.NoError(t, env.service.KeepAlive(context.Background(), 7, "host-1"))
	assert.Equal(t, []int32{7}, env.store.keepalives)
}

func TestDestroyJobPermissions(t *testing.T) {
	env := newTestEnv()
	env.store.jobs[7] = &model.Job{ID: 7, Owner: "alice"}
	ctx := context.Background()

	err := env.service.DestroyJob(ctx, Permit{Principal: "mallory"}, 7, "mine now")
	var denied *serviceerrors.ErrNoPermission
	require.ErrorAs(t, err, &denied)
	assert.Empty(t, env.destroyer.destroyed)

	require.NoError(t, env.service.DestroyJob(ctx, Permit{Principal: "alice"}, 7, "done"))
	assert.Equal(t, "done", env.destroyer.destroyed[7])
}

func TestDestroyJobAdminOverride(t *testing.T) {
	env := newTestEnv()
	env.store.jobs[7] = &model.Job{ID: 7, Owner: "alice"}

	err := env.service.DestroyJob(context.Background(), Permit{Principal: "ops", Admin: true}, 7, "")
	require.NoError(t, err)
	assert.Equal(t, "destroyed by ops", env.destroyer.destroyed[7])
}

func TestGetPower(t *testing.T) {
	env := newTestEnv()
	env.store.jobs[7] = &model.Job{ID: 7, Owner: "alice"}
	env.store.boards[7] = []model.Board{
		{ID: 1, PowerOn: true},
		{ID: 2, PowerOn: false},
	}
	ctx := context.Background()

	on, err := env.service.GetPower(ctx, 7)
	require.NoError(t, err)
	assert.False(t, on)

	env.store.boards[7][1].PowerOn = true
	on, err = env.service.GetPower(ctx, 7)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestSetPower(t *testing.T) {
	env := newTestEnv()
	root := int32(1)
	width, height, depth := 1, 1, 3
	env.store.jobs[7] = &model.Job{
		ID: 7, Owner: "alice", MachineID: 1, State: model.JobReady,
		RootID: &root, Width: &width, Height: &height, Depth: &depth,
	}
	env.store.boards[7] = []model.Board{{ID: 1}, {ID: 2}, {ID: 3}}
	ctx := context.Background()
	permit := Permit{Principal: "alice"}

	require.NoError(t, env.service.SetPower(ctx, permit, 7, false))
	require.Len(t, env.power.calls, 1)
	assert.False(t, env.power.calls[0].on)
	assert.Equal(t, []int32{1, 2, 3}, env.power.calls[0].boards)

	require.NoError(t, env.service.SetPower(ctx, permit, 7, true))
	require.Len(t, env.power.calls, 2)
	assert.True(t, env.power.calls[1].on)
	// Power-on of a READY job first puts it back into the POWER state.
	assert.Equal(t, []int32{7}, env.store.pending)
}

func TestSetPowerUnallocatedJob(t *testing.T) {
	env := newTestEnv()
	env.store.jobs[7] = &model.Job{ID: 7, Owner: "alice", State: model.JobQueued}

	err := env.service.SetPower(context.Background(), Permit{Principal: "alice"}, 7, true)
	assertInvalidArgument(t, err)
	assert.Empty(t, env.power.calls)
}

func TestWaitForChangeReturnsOnBump(t *testing.T) {
	env := newTestEnv()
	env.hub.Bump(epochs.JobEpoch, 7)

	gen, changed := env.service.WaitForChange(context.Background(), epochs.JobEpoch, 7, 0, time.Minute)
	assert.True(t, changed)
	assert.Equal(t, uint64(1), gen)
}

func TestWaitForChangeTimesOut(t *testing.T) {
	env := newTestEnv()
	done := make(chan struct{})
	var gen uint64
	var changed bool
	go func() {
		gen, changed = env.service.WaitForChange(context.Background(), epochs.MachineEpoch, 1, 0, time.Second)
		close(done)
	}()

	// Let the waiter park on its timer, then fire it.
	require.Eventually(t, func() bool { return env.clock.HasWaiters() }, time.Second, time.Millisecond)
	env.clock.Step(2 * time.Second)
	<-done
	assert.False(t, changed)
	assert.Equal(t, uint64(0), gen)
}

func TestReportBoardIssue(t *testing.T) {
	env := newTestEnv(testMachine(1, "spin-1"))
	logical := model.TriadCoords{X: 0, Y: 0, Z: 1}

	err := env.service.ReportBoardIssue(context.Background(), Permit{Principal: "alice"},
		"spin-1", BoardLocator{Logical: &logical}, "links flaky")
	require.NoError(t, err)
	require.Len(t, env.reporter.reports, 1)
	assert.Equal(t, "alice", env.reporter.reports[0].Reporter)
	assert.Equal(t, "links flaky", env.reporter.reports[0].Description)
}

func TestUserMessageWithholdsStorageDetail(t *testing.T) {
	env := newTestEnv()
	err := &serviceerrors.ErrUnavailable{Detail: "lock timeout on jobs"}

	assert.Equal(t, "service temporarily unavailable", env.service.UserMessage(err))

	debugConfig := testConfig()
	debugConfig.Debug = true
	debugService := NewService(env.store, env.destroyer, env.power, env.admission,
		env.reporter, env.hub, env.clock, debugConfig)
	assert.Contains(t, debugService.UserMessage(err), "lock timeout on jobs")
}

func assertInvalidArgument(t *testing.T, err error) {
	t.Helper()
	var invalid *serviceerrors.ErrInvalidArgument
	require.ErrorAs(t, err, &invalid)
}
