package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/SpiNNakerManchester/spalloc-server/internal/common/serviceerrors"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/model"
)

var jobColumns = []interface{}{
	"job_id", "machine_id", "owner", "job_state",
	"width", "height", "depth", "root_id",
	"create_timestamp", "keepalive_interval", "keepalive_timestamp", "keepalive_host",
	"death_reason", "death_timestamp", "original_request",
	"accounted_until", "quota_used",
}

func scanJob(row pgx.Row) (*model.Job, error) {
	j := &model.Job{}
	var keepaliveSeconds int64
	err := row.Scan(
		&j.ID, &j.MachineID, &j.Owner, &j.State,
		&j.Width, &j.Height, &j.Depth, &j.RootID,
		&j.CreateTimestamp, &keepaliveSeconds, &j.KeepaliveTimestamp, &j.KeepaliveHost,
		&j.DeathReason, &j.DeathTimestamp, &j.OriginalRequest,
		&j.AccountedUntil, &j.QuotaUsed)
	if err != nil {
		return nil, err
	}
	j.KeepaliveInterval = time.Duration(keepaliveSeconds) * time.Second
	return j, nil
}

// CreateJobParams carries everything needed to persist a new job and its
// pending allocation request in one transaction.
type CreateJobParams struct {
	Owner             string
	MachineID         int32
	Shape             model.Shape
	MaxDeadBoards     int
	Priority          int
	KeepaliveInterval time.Duration
	OriginalRequest   []byte
	Now               time.Time
}

// CreateJob persists a job in the QUEUED state together with its pending
// allocation request.
func (s *Store) CreateJob(ctx context.Context, params CreateJobParams) (*model.Job, error) {
	job := &model.Job{
		MachineID:          params.MachineID,
		Owner:              params.Owner,
		State:              model.JobQueued,
		CreateTimestamp:    params.Now,
		KeepaliveInterval:  params.KeepaliveInterval,
		KeepaliveTimestamp: params.Now,
		OriginalRequest:    params.OriginalRequest,
		AccountedUntil:     params.Now,
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO jobs
			 (machine_id, owner, job_state, create_timestamp,
			  keepalive_interval, keepalive_timestamp, original_request, accounted_until)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING job_id`,
			params.MachineID, params.Owner, model.JobQueued, params.Now,
			int64(params.KeepaliveInterval.Seconds()), params.Now,
			params.OriginalRequest, params.Now,
		).Scan(&job.ID)
		if err != nil {
			return errors.WithStack(err)
		}

		var numBoards, width, height, boardID *int32
		switch shape := params.Shape.(type) {
		case model.NumBoardsShape:
			n := int32(shape.NumBoards)
			numBoards = &n
		case model.DimensionsShape:
			w, h := int32(shape.Width), int32(shape.Height)
			width, height = &w, &h
		case model.BoardShape:
			b := shape.BoardID
			boardID = &b
		default:
			return errors.WithStack(&serviceerrors.ErrInvalidArgument{
				Name: "shape", Value: params.Shape, Message: "unknown request shape",
			})
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO job_request
			 (job_id, machine_id, num_boards, width, height, board_id, max_dead_boards, priority)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			job.ID, params.MachineID, numBoards, width, height, boardID,
			params.MaxDeadBoards, params.Priority)
		return errors.WithStack(err)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetJob returns the job with the given id.
func (s *Store) GetJob(ctx context.Context, jobID int32) (*model.Job, error) {
	var job *model.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		sql, args, err := psql.From("jobs").Select(jobColumns...).
			Where(goqu.Ex{"job_id": jobID}).Prepared(true).ToSQL()
		if err != nil {
			return errors.WithStack(err)
		}
		job, err = scanJob(tx.QueryRow(ctx, sql, args...))
		if err == pgx.ErrNoRows {
			return errors.WithStack(&serviceerrors.ErrNotFound{Type: "job", Value: fmt.Sprint(jobID)})
		}
		return errors.WithStack(err)
	})
	return job, err
}

// ListJobs returns jobs ordered by id, optionally including destroyed ones.
func (s *Store) ListJobs(ctx context.Context, includeDestroyed bool, limit, offset int) ([]*model.Job, error) {
	var jobs []*model.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		ds := psql.From("jobs").Select(jobColumns...).Order(goqu.I("job_id").Asc())
		if !includeDestroyed {
			ds = ds.Where(goqu.C("job_state").Neq(string(model.JobDestroyed)))
		}
		if limit > 0 {
			ds = ds.Limit(uint(limit))
		}
		if offset > 0 {
			ds = ds.Offset(uint(offset))
		}
		sql, args, err := ds.Prepared(true).ToSQL()
		if err != nil {
			return errors.WithStack(err)
		}
		rows, err := tx.Query(ctx, sql, args...)
		if err != nil {
			return errors.WithStack(err)
		}
		defer rows.Close()
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return errors.WithStack(err)
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	return jobs, err
}

// RefreshKeepalive updates a job's liveness timestamp and reporting host.
func (s *Store) RefreshKeepalive(ctx context.Context, jobID int32, host string, now time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE jobs SET keepalive_timestamp = $2, keepalive_host = $3
			 WHERE job_id = $1 AND job_state != $4`,
			jobID, now, host, model.JobDestroyed)
		if err != nil {
			return errors.WithStack(err)
		}
		if tag.RowsAffected() == 0 {
			return errors.WithStack(&serviceerrors.ErrNotFound{
				Type: "job", Value: fmt.Sprint(jobID), Message: "no live job to keep alive",
			})
		}
		return nil
	})
}

// DestroyJob marks a job destroyed, releases its boards and removes any
// pending allocation request. Destroying a job that is already destroyed is
// a no-op; the returned flag is false and no boards are released.
func (s *Store) DestroyJob(ctx context.Context, jobID int32, reason string, now time.Time) (released []int32, machineID int32, destroyed bool, err error) {
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		released, machineID, destroyed, err = destroyJobInTx(ctx, tx, jobID, reason, now)
		return err
	})
	return released, machineID, destroyed, err
}

// destroyJobInTx is the destroy logic shared with DropRequest, so request
// removal and job destruction commit or roll back together.
func destroyJobInTx(ctx context.Context, tx pgx.Tx, jobID int32, reason string, now time.Time) (released []int32, machineID int32, destroyed bool, err error) {
	var state model.JobState
	err = tx.QueryRow(ctx,
		`SELECT job_state, machine_id FROM jobs WHERE job_id = $1 FOR UPDATE`,
		jobID).Scan(&state, &machineID)
	if err == pgx.ErrNoRows {
		return nil, 0, false, errors.WithStack(&serviceerrors.ErrNotFound{Type: "job", Value: fmt.Sprint(jobID)})
	}
	if err != nil {
		return nil, 0, false, errors.WithStack(err)
	}
	if state == model.JobDestroyed {
		return nil, machineID, false, nil
	}

	rows, err := tx.Query(ctx,
		`SELECT board_id FROM boards WHERE allocated_job = $1 ORDER BY board_id`, jobID)
	if err != nil {
		return nil, 0, false, errors.WithStack(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return nil, 0, false, errors.WithStack(err)
		}
		released = append(released, id)
	}
	rows.Close()

	if _, err := tx.Exec(ctx,
		`UPDATE boards SET allocated_job = NULL WHERE allocated_job = $1`, jobID); err != nil {
		return nil, 0, false, errors.WithStack(err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM job_request WHERE job_id = $1`, jobID); err != nil {
		return nil, 0, false, errors.WithStack(err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET job_state = $2, death_reason = $3, death_timestamp = $4
		 WHERE job_id = $1`,
		jobID, model.JobDestroyed, reason, now); err != nil {
		return nil, 0, false, errors.WithStack(err)
	}
	return released, machineID, true, nil
}

// SetJobReady transitions a job from POWER to READY once its boards are
// energised. Returns false without error when the job was destroyed while
// the power sequence was in flight.
func (s *Store) SetJobReady(ctx context.Context, jobID int32, boardIDs []int32, now time.Time) (bool, error) {
	var transitioned bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE jobs SET job_state = $2 WHERE job_id = $1 AND job_state = $3`,
			jobID, model.JobReady, model.JobPower)
		if err != nil {
			return errors.WithStack(err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		transitioned = true
		_, err = tx.Exec(ctx,
			`UPDATE boards SET power_on = true, last_power_change = $2 WHERE board_id = ANY($1)`,
			boardIDs, now)
		return errors.WithStack(err)
	})
	return transitioned, err
}

// SetJobPowerPending moves a READY job back to POWER ahead of a power cycle,
// so the controller's normal completion path applies. Returns false when the
// job is not in the READY state.
func (s *Store) SetJobPowerPending(ctx context.Context, jobID int32) (bool, error) {
	var transitioned bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE jobs SET job_state = $2 WHERE job_id = $1 AND job_state = $3`,
			jobID, model.JobPower, model.JobReady)
		if err != nil {
			return errors.WithStack(err)
		}
		transitioned = tag.RowsAffected() > 0
		return nil
	})
	return transitioned, err
}

// ExpiredJobs returns live jobs whose keepalive deadline has passed. The
// deadline itself is not expiry; a job dies strictly after it.
func (s *Store) ExpiredJobs(ctx context.Context, now time.Time) ([]int32, error) {
	var expired []int32
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT job_id FROM jobs
			 WHERE job_state != $1
			 AND keepalive_timestamp + make_interval(secs => keepalive_interval) < $2
			 ORDER BY job_id`,
			model.JobDestroyed, now)
		if err != nil {
			return errors.WithStack(err)
		}
		defer rows.Close()
		for rows.Next() {
			var id int32
			if err := rows.Scan(&id); err != nil {
				return errors.WithStack(err)
			}
			expired = append(expired, id)
		}
		return nil
	})
	return expired, err
}

// LiveJobs returns all jobs not yet destroyed.
func (s *Store) LiveJobs(ctx context.Context) ([]*model.Job, error) {
	return s.ListJobs(ctx, false, 0, 0)
}

// JobBoards returns the boards currently held by a job.
func (s *Store) JobBoards(ctx context.Context, jobID int32) ([]model.Board, error) {
	var boards []model.Board
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		sql, args, err := psql.From("boards").Select(boardColumns...).
			Where(goqu.Ex{"allocated_job": jobID}).
			Order(goqu.I("board_id").Asc()).
			Prepared(true).ToSQL()
		if err != nil {
			return errors.WithStack(err)
		}
		rows, err := tx.Query(ctx, sql, args...)
		if err != nil {
			return errors.WithStack(err)
		}
		defer rows.Close()
		for rows.Next() {
			b, err := scanBoard(rows)
			if err != nil {
				return errors.WithStack(err)
			}
			boards = append(boards, b)
		}
		return nil
	})
	return boards, err
}

// JobStateCounts returns the number of jobs in each state, for metrics.
func (s *Store) JobStateCounts(ctx context.Context) (map[model.JobState]int, error) {
	counts := map[model.JobState]int{}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT job_state, count(*) FROM jobs GROUP BY job_state`)
		if err != nil {
			return errors.WithStack(err)
		}
		defer rows.Close()
		for rows.Next() {
			var state model.JobState
			var count int
			if err := rows.Scan(&state, &count); err != nil {
				return errors.WithStack(err)
			}
			counts[state] = count
		}
		return nil
	})
	return counts, err
}

// PowerReconciliation describes work found at startup: jobs whose power
// sequence was interrupted, and boards left powered with no live job.
type PowerReconciliation struct {
	// Jobs in POWER state with the boards they hold.
	PendingOn map[int32][]int32
	// Orphaned powered boards grouped by machine.
	OrphanedOff map[int32][]int32
	// Machine owning each pending job.
	JobMachines map[int32]int32
}

// PowerReconciliationWork scans for power state to repair after a restart.
func (s *Store) PowerReconciliationWork(ctx context.Context) (*PowerReconciliation, error) {
	recon := &PowerReconciliation{
		PendingOn:   map[int32][]int32{},
		OrphanedOff: map[int32][]int32{},
		JobMachines: map[int32]int32{},
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT j.job_id, j.machine_id, b.board_id
			 FROM jobs j JOIN boards b ON b.allocated_job = j.job_id
			 WHERE j.job_state = $1 ORDER BY j.job_id, b.board_id`,
			model.JobPower)
		if err != nil {
			return errors.WithStack(err)
		}
		defer rows.Close()
		for rows.Next() {
			var jobID, machineID, boardID int32
			if err := rows.Scan(&jobID, &machineID, &boardID); err != nil {
				return errors.WithStack(err)
			}
			recon.PendingOn[jobID] = append(recon.PendingOn[jobID], boardID)
			recon.JobMachines[jobID] = machineID
		}
		rows.Close()

		orphanRows, err := tx.Query(ctx,
			`SELECT machine_id, board_id FROM boards
			 WHERE power_on = true AND allocated_job IS NULL
			 ORDER BY machine_id, board_id`)
		if err != nil {
			return errors.WithStack(err)
		}
		defer orphanRows.Close()
		for orphanRows.Next() {
			var machineID, boardID int32
			if err := orphanRows.Scan(&machineID, &boardID); err != nil {
				return errors.WithStack(err)
			}
			recon.OrphanedOff[machineID] = append(recon.OrphanedOff[machineID], boardID)
		}
		return nil
	})
	return recon, err
}
