// Package server is the service facade the API translation layer calls into.
// It validates arguments, applies the permit checks, and delegates to the
// store and the lifecycle components. Anything long-running (placement,
// power, expiry) happens in the background tasks; operations here are short.
package server

import (
	"context"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/SpiNNakerManchester/spalloc-server/internal/common/serviceerrors"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/configuration"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/epochs"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/model"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/repository"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/topology"
)

// MaxListLimit bounds the page size of job listings.
const MaxListLimit = 1000

// Permit is the capability a caller presents for operations touching state
// it does not ambiently own. It is always an explicit argument, never
// thread or context ambient state.
type Permit struct {
	Principal string
	Admin     bool
}

// MayControl reports whether the permit allows acting on a resource owned
// by the given principal.
func (p Permit) MayControl(owner string) bool {
	return p.Admin || (p.Principal != "" && p.Principal == owner)
}

// Store is the persistence surface the facade needs.
type Store interface {
	ListMachines(ctx context.Context) ([]*model.Machine, error)
	GetMachine(ctx context.Context, name string) (*model.Machine, error)
	GetJob(ctx context.Context, jobID int32) (*model.Job, error)
	ListJobs(ctx context.Context, includeDestroyed bool, limit, offset int) ([]*model.Job, error)
	CreateJob(ctx context.Context, params repository.CreateJobParams) (*model.Job, error)
	RefreshKeepalive(ctx context.Context, jobID int32, host string, now time.Time) error
	JobBoards(ctx context.Context, jobID int32) ([]model.Board, error)
	SetJobPowerPending(ctx context.Context, jobID int32) (bool, error)
}

// Destroyer tears down jobs. Implemented by the allocation engine, which
// owns board release and power-off sequencing.
type Destroyer interface {
	DestroyJob(ctx context.Context, jobID int32, reason string) error
}

// PowerController queues board power work.
type PowerController interface {
	EnqueuePowerOn(machineID, jobID int32, boardIDs []int32)
	EnqueuePowerOff(machineID int32, jobID *int32, boardIDs []int32)
}

// AdmissionChecker gates job creation on the owner's quota balance.
type AdmissionChecker interface {
	CheckAdmission(ctx context.Context, owner string, machine *model.Machine, estimatedBoards int, keepalive time.Duration) error
}

// Reporter records board trouble reported by users.
type Reporter interface {
	Report(ctx context.Context, machineID int32, report *model.BoardIssueReport) error
}

// Service is the facade.
type Service struct {
	store     Store
	destroyer Destroyer
	power     PowerController
	admission AdmissionChecker
	reporter  Reporter
	epochs    *epochs.Epochs
	clock     clock.Clock
	config    *configuration.SpallocConfig
}

func NewService(
	store Store,
	destroyer Destroyer,
	power PowerController,
	admission AdmissionChecker,
	reporter Reporter,
	hub *epochs.Epochs,
	c clock.Clock,
	config *configuration.SpallocConfig,
) *Service {
	return &Service{
		store:     store,
		destroyer: destroyer,
		power:     power,
		admission: admission,
		reporter:  reporter,
		epochs:    hub,
		clock:     c,
		config:    config,
	}
}

// UserMessage renders an error for transmission to a caller. Storage failure
// detail is withheld unless debug mode is on.
func (s *Service) UserMessage(err error) string {
	return serviceerrors.UserMessage(err, s.config.Debug)
}

// ListMachines returns all machines with their tags.
func (s *Service) ListMachines(ctx context.Context) ([]*model.Machine, error) {
	return s.store.ListMachines(ctx)
}

// GetMachine returns the named machine with all of its boards.
func (s *Service) GetMachine(ctx context.Context, name string) (*model.Machine, error) {
	return s.store.GetMachine(ctx, name)
}

// ListJobs returns a page of jobs.
func (s *Service) ListJobs(ctx context.Context, includeDestroyed bool, limit, offset int) ([]*model.Job, error) {
	if limit < 0 || limit > MaxListLimit {
		return nil, &serviceerrors.ErrInvalidArgument{
			Name: "limit", Value: limit,
			Message: "must be between 0 and 1000",
		}
	}
	if offset < 0 {
		return nil, &serviceerrors.ErrInvalidArgument{
			Name: "offset", Value: offset, Message: "must not be negative",
		}
	}
	return s.store.ListJobs(ctx, includeDestroyed, limit, offset)
}

// GetJob returns a job by id.
func (s *Service) GetJob(ctx context.Context, jobID int32) (*model.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// CreateJobParams describes a job submission. The machine is picked by name
// when MachineName is set, otherwise by Tags; Shape carries exactly one
// request variant.
type CreateJobParams struct {
	MachineName       string
	Tags              []string
	Shape             model.Shape
	KeepaliveInterval time.Duration
	MaxDeadBoards     int
	OriginalRequest   []byte
}

// CreateJob validates a submission, applies the quota gate and persists the
// job in the QUEUED state with its pending allocation request. Validation
// failures reject the submission outright with nothing persisted.
func (s *Service) CreateJob(ctx context.Context, permit Permit, params CreateJobParams) (*model.Job, error) {
	if permit.Principal == "" {
		return nil, &serviceerrors.ErrNoPermission{Action: "create job"}
	}
	if err := s.validateShape(params.Shape); err != nil {
		return nil, err
	}
	if params.MaxDeadBoards < 0 {
		return nil, &serviceerrors.ErrInvalidArgument{
			Name: "maxDeadBoards", Value: params.MaxDeadBoards, Message: "must not be negative",
		}
	}
	keepalive := s.config.Keepalive
	if params.KeepaliveInterval < keepalive.Min || params.KeepaliveInterval > keepalive.Max {
		return nil, &serviceerrors.ErrInvalidArgument{
			Name: "keepaliveInterval", Value: params.KeepaliveInterval,
			Message: "outside the accepted keepalive range",
		}
	}

	machine, err := s.pickMachine(ctx, params)
	if err != nil {
		return nil, err
	}
	if shape, ok := params.Shape.(model.BoardShape); ok {
		if err := s.checkBoardOnMachine(machine, shape.BoardID); err != nil {
			return nil, err
		}
	}

	request := &model.AllocRequest{Shape: params.Shape}
	if err := s.admission.CheckAdmission(ctx, permit.Principal, machine,
		request.EstimatedBoards(), params.KeepaliveInterval); err != nil {
		return nil, err
	}

	job, err := s.store.CreateJob(ctx, repository.CreateJobParams{
		Owner:             permit.Principal,
		MachineID:         machine.ID,
		Shape:             params.Shape,
		MaxDeadBoards:     params.MaxDeadBoards,
		Priority:          s.priorityFor(params.Shape),
		KeepaliveInterval: params.KeepaliveInterval,
		OriginalRequest:   params.OriginalRequest,
		Now:               s.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"job":     job.ID,
		"owner":   permit.Principal,
		"machine": machine.Name,
		"shape":   params.Shape.String(),
	}).Info("created job")
	s.epochs.Bump(epochs.JobListEpoch, 0)
	return job, nil
}

func (s *Service) validateShape(shape model.Shape) error {
	switch sh := shape.(type) {
	case model.NumBoardsShape:
		if sh.NumBoards < 1 {
			return &serviceerrors.ErrInvalidArgument{
				Name: "numBoards", Value: sh.NumBoards, Message: "must be at least 1",
			}
		}
	case model.DimensionsShape:
		if sh.Width < 1 || sh.Height < 1 {
			return &serviceerrors.ErrInvalidArgument{
				Name: "dimensions", Value: sh.String(), Message: "must be at least 1x1",
			}
		}
	case model.BoardShape:
	default:
		return &serviceerrors.ErrInvalidArgument{
			Name: "shape", Value: shape, Message: "exactly one request shape must be given",
		}
	}
	return nil
}

func (s *Service) checkBoardOnMachine(machine *model.Machine, boardID int32) error {
	for i := range machine.Boards {
		if machine.Boards[i].ID == boardID {
			return nil
		}
	}
	return &serviceerrors.ErrInvalidArgument{
		Name: "board", Value: boardID, Message: "board is not part of the chosen machine",
	}
}

// pickMachine resolves the target machine by name or, failing that, by
// requiring every requested tag. Tag selection only considers machines in
// service.
func (s *Service) pickMachine(ctx context.Context, params CreateJobParams) (*model.Machine, error) {
	if params.MachineName != "" {
		machine, err := s.store.GetMachine(ctx, params.MachineName)
		if err != nil {
			return nil, err
		}
		if !machine.InService {
			return nil, &serviceerrors.ErrInvalidArgument{
				Name: "machine", Value: params.MachineName, Message: "machine is out of service",
			}
		}
		return machine, nil
	}
	if len(params.Tags) == 0 {
		return nil, &serviceerrors.ErrInvalidArgument{
			Name: "machine", Value: "", Message: "a machine name or at least one tag is required",
		}
	}
	machines, err := s.store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range machines {
		if !m.InService {
			continue
		}
		matched := true
		for _, tag := range params.Tags {
			if !m.HasTag(tag) {
				matched = false
				break
			}
		}
		if matched {
			// ListMachines carries no boards; reload in full.
			return s.store.GetMachine(ctx, m.Name)
		}
	}
	return nil, &serviceerrors.ErrNotFound{
		Type: "machine", Value: "tags", Message: "no machine matches the requested tags",
	}
}

func (s *Service) priorityFor(shape model.Shape) int {
	scale := s.config.Allocator.PriorityScale
	switch sh := shape.(type) {
	case model.NumBoardsShape:
		return int(math.Round(float64(sh.NumBoards) * scale.Size))
	case model.DimensionsShape:
		return int(math.Round(float64(sh.Width*sh.Height) * scale.Dimensions))
	case model.BoardShape:
		return int(math.Round(scale.SpecificBoard))
	}
	return 1
}

// KeepAlive refreshes a job's liveness. Deliberately the only mutation with
// no permit argument: the job id is capability enough, and keepalive
// senders are often unattended scripts.
func (s *Service) KeepAlive(ctx context.Context, jobID int32, host string) error {
	return s.store.RefreshKeepalive(ctx, jobID, host, s.clock.Now())
}

// DestroyJob destroys a job on behalf of a caller.
func (s *Service) DestroyJob(ctx context.Context, permit Permit, jobID int32, reason string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !permit.MayControl(job.Owner) {
		log.WithFields(log.Fields{
			"principal": permit.Principal,
			"job":       jobID,
			"owner":     job.Owner,
		}).Warn("refused destroy of job by non-owner")
		return &serviceerrors.ErrNoPermission{Principal: permit.Principal, Action: "destroy job"}
	}
	if reason == "" {
		reason = "destroyed by " + permit.Principal
	}
	return s.destroyer.DestroyJob(ctx, jobID, reason)
}

// GetPower reports whether all of a job's boards are energised.
func (s *Service) GetPower(ctx context.Context, jobID int32) (bool, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return false, err
	}
	boards, err := s.store.JobBoards(ctx, jobID)
	if err != nil {
		return false, err
	}
	if len(boards) == 0 {
		return false, nil
	}
	for _, b := range boards {
		if !b.PowerOn {
			return false, nil
		}
	}
	return true, nil
}

// SetPower queues a power change for all of a job's boards. Power-on runs
// the full bring-up sequence again, so the job passes back through the
// POWER state until the hardware confirms.
func (s *Service) SetPower(ctx context.Context, permit Permit, jobID int32, on bool) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !permit.MayControl(job.Owner) {
		return &serviceerrors.ErrNoPermission{Principal: permit.Principal, Action: "set power"}
	}
	if !job.Allocated() || job.State == model.JobDestroyed {
		return &serviceerrors.ErrInvalidArgument{
			Name: "job", Value: jobID, Message: "job holds no boards",
		}
	}
	boards, err := s.store.JobBoards(ctx, jobID)
	if err != nil {
		return err
	}
	boardIDs := make([]int32, len(boards))
	for i, b := range boards {
		boardIDs[i] = b.ID
	}
	if on {
		if job.State == model.JobReady {
			if _, err := s.store.SetJobPowerPending(ctx, jobID); err != nil {
				return err
			}
		}
		s.power.EnqueuePowerOn(job.MachineID, jobID, boardIDs)
	} else {
		s.power.EnqueuePowerOff(job.MachineID, &jobID, boardIDs)
	}
	s.epochs.Bump(epochs.JobEpoch, jobID)
	return nil
}

// WaitForChange blocks until the entity changes, the timeout elapses or ctx
// is cancelled. A zero timeout gets the configured default; requests beyond
// the maximum are clamped, not refused.
func (s *Service) WaitForChange(ctx context.Context, kind epochs.Kind, id int32, since uint64, timeout time.Duration) (uint64, bool) {
	if timeout <= 0 {
		timeout = s.config.Wait.Default
	}
	if timeout > s.config.Wait.Max {
		timeout = s.config.Wait.Max
	}
	return s.epochs.Wait(ctx, kind, id, since, timeout)
}

// Epoch returns the current generation of an entity, for callers that want
// to wait for the next change.
func (s *Service) Epoch(kind epochs.Kind, id int32) uint64 {
	return s.epochs.Current(kind, id)
}

// ReportBoardIssue records a caller's problem report against a board of a
// machine, addressed by any locator form.
func (s *Service) ReportBoardIssue(ctx context.Context, permit Permit, machineName string, locator BoardLocator, description string) error {
	if permit.Principal == "" {
		return &serviceerrors.ErrNoPermission{Action: "report board issue"}
	}
	machine, err := s.store.GetMachine(ctx, machineName)
	if err != nil {
		return err
	}
	grid, err := topology.New(machine)
	if err != nil {
		return err
	}
	board, err := locator.resolve(grid)
	if err != nil {
		return err
	}
	return s.reporter.Report(ctx, machine.ID, &model.BoardIssueReport{
		BoardID:     board.ID,
		JobID:       board.AllocatedJob,
		Reporter:    permit.Principal,
		Description: description,
	})
}
