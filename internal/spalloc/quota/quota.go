// Package quota enforces per-owner board-second budgets. Admission is
// checked once at job submission; afterwards a periodic consolidation task
// charges accrued usage against the ledger and kills jobs whose owner has
// run dry. Owners with no ledger entry are unlimited.
package quota

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/SpiNNakerManchester/spalloc-server/internal/common/serviceerrors"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/model"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/repository"
)

// Store is the ledger persistence the manager needs.
type Store interface {
	GetQuota(ctx context.Context, owner string, machineID int32) (int64, bool, error)
	SetQuota(ctx context.Context, owner string, machineID int32, balance int64) error
	ChargeableJobs(ctx context.Context) ([]repository.ChargeableJob, error)
	ApplyCharge(ctx context.Context, jobID int32, owner string, machineID int32, boardSeconds int64, until time.Time) error
}

// Destroyer tears down jobs whose owner is out of quota. Implemented by the
// allocation engine, which owns board release and power-off sequencing.
type Destroyer interface {
	DestroyJob(ctx context.Context, jobID int32, reason string) error
}

// Manager owns quota admission and consolidation.
type Manager struct {
	store     Store
	destroyer Destroyer
	clock     clock.Clock
}

func NewManager(store Store, destroyer Destroyer, c clock.Clock) *Manager {
	return &Manager{store: store, destroyer: destroyer, clock: c}
}

// CheckAdmission decides whether an owner may enqueue a request on a
// machine. The projected cost is the requested board count held for one
// keepalive interval; a request whose projected cost would leave the balance
// negative is refused. Owners without a ledger entry always pass.
func (m *Manager) CheckAdmission(ctx context.Context, owner string, machine *model.Machine, estimatedBoards int, keepalive time.Duration) error {
	balance, found, err := m.store.GetQuota(ctx, owner, machine.ID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	projected := int64(estimatedBoards) * int64(keepalive.Seconds())
	if balance < projected {
		return &serviceerrors.ErrQuotaExceeded{
			Owner:     owner,
			Machine:   machine.Name,
			Balance:   balance,
			Projected: projected,
		}
	}
	return nil
}

// Consolidate charges every live allocated job for the time elapsed since
// its last accounting mark, then kills jobs whose owner's balance has gone
// negative. Killing happens after all charging so one owner's jobs are
// judged against the fully-settled ledger.
func (m *Manager) Consolidate(ctx context.Context) error {
	now := m.clock.Now()
	jobs, err := m.store.ChargeableJobs(ctx)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, job := range jobs {
		elapsed := now.Sub(job.AccountedUntil)
		if elapsed <= 0 {
			continue
		}
		boardSeconds := int64(job.BoardsHeld) * int64(elapsed.Seconds())
		if boardSeconds == 0 {
			continue
		}
		if err := m.store.ApplyCharge(ctx, job.JobID, job.Owner, job.MachineID, boardSeconds, now); err != nil {
			result = multierror.Append(result, err)
		}
	}

	// Second sweep: anyone now insolvent loses their running jobs. A balance
	// of exactly zero is still solvent; only overdrawn owners are killed.
	for _, job := range jobs {
		balance, found, err := m.store.GetQuota(ctx, job.Owner, job.MachineID)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if !found || balance >= 0 {
			continue
		}
		log.WithFields(log.Fields{
			"job":     job.JobID,
			"owner":   job.Owner,
			"balance": balance,
		}).Info("destroying job: owner out of quota")
		if err := m.destroyer.DestroyJob(ctx, job.JobID, "quota exceeded"); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// AddQuota adjusts an owner's balance by delta, creating the ledger entry if
// needed. Used by the administrative interface.
func (m *Manager) AddQuota(ctx context.Context, owner string, machineID int32, delta int64) (int64, error) {
	balance, found, err := m.store.GetQuota(ctx, owner, machineID)
	if err != nil {
		return 0, err
	}
	if !found {
		balance = 0
	}
	balance += delta
	if err := m.store.SetQuota(ctx, owner, machineID, balance); err != nil {
		return 0, err
	}
	return balance, nil
}
