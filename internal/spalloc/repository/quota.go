package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/model"
)

// GetQuota returns the owner's balance on a machine. The second return is
// false when no ledger entry exists, which means the owner is unlimited.
func (s *Store) GetQuota(ctx context.Context, owner string, machineID int32) (int64, bool, error) {
	var balance int64
	var found bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT balance FROM quotas WHERE owner = $1 AND machine_id = $2`,
			owner, machineID).Scan(&balance)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.WithStack(err)
		}
		found = true
		return nil
	})
	return balance, found, err
}

// SetQuota creates or replaces an owner's board-second balance on a machine.
func (s *Store) SetQuota(ctx context.Context, owner string, machineID int32, balance int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO quotas (owner, machine_id, balance) VALUES ($1, $2, $3)
			 ON CONFLICT (owner, machine_id) DO UPDATE SET balance = EXCLUDED.balance`,
			owner, machineID, balance)
		return errors.WithStack(err)
	})
}

// ChargeableJob is a live allocated job with usage pending consolidation.
type ChargeableJob struct {
	JobID          int32
	Owner          string
	MachineID      int32
	BoardsHeld     int
	AccountedUntil time.Time
}

// ChargeableJobs returns every live job currently holding boards, with the
// size of its allocation and how far its usage has been accounted.
func (s *Store) ChargeableJobs(ctx context.Context) ([]ChargeableJob, error) {
	var jobs []ChargeableJob
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT j.job_id, j.owner, j.machine_id, count(b.board_id), j.accounted_until
			 FROM jobs j JOIN boards b ON b.allocated_job = j.job_id
			 WHERE j.job_state != $1
			 GROUP BY j.job_id, j.owner, j.machine_id, j.accounted_until
			 ORDER BY j.job_id`,
			model.JobDestroyed)
		if err != nil {
			return errors.WithStack(err)
		}
		defer rows.Close()
		for rows.Next() {
			var job ChargeableJob
			if err := rows.Scan(&job.JobID, &job.Owner, &job.MachineID,
				&job.BoardsHeld, &job.AccountedUntil); err != nil {
				return errors.WithStack(err)
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	return jobs, err
}

// ApplyCharge debits boardSeconds from the owner's ledger entry (if one
// exists), adds it to the job's consolidated usage, and advances the job's
// accounting mark. One transaction per job keeps locking short.
func (s *Store) ApplyCharge(ctx context.Context, jobID int32, owner string, machineID int32, boardSeconds int64, until time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE quotas SET balance = balance - $3
			 WHERE owner = $1 AND machine_id = $2`,
			owner, machineID, boardSeconds)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET quota_used = quota_used + $2, accounted_until = $3
			 WHERE job_id = $1`,
			jobID, boardSeconds, until)
		return errors.WithStack(err)
	})
}
