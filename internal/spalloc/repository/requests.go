package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/model"
)

// ErrAllocationConflict is returned by CommitAllocation when one of the
// chosen boards was claimed or downgraded between snapshot and commit. The
// transaction is rolled back and the request stays queued for the next pass.
var ErrAllocationConflict = errors.New("allocation conflict: chosen boards no longer available")

// QueuedRequests returns all pending allocation requests in request-id
// (first-in-first-out) order.
func (s *Store) QueuedRequests(ctx context.Context) ([]*model.AllocRequest, error) {
	var requests []*model.AllocRequest
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT req_id, job_id, machine_id, num_boards, width, height, board_id,
			        max_dead_boards, priority, importance
			 FROM job_request ORDER BY req_id`)
		if err != nil {
			return errors.WithStack(err)
		}
		defer rows.Close()
		for rows.Next() {
			req := &model.AllocRequest{}
			var numBoards, width, height, boardID *int32
			err := rows.Scan(
				&req.ReqID, &req.JobID, &req.MachineID,
				&numBoards, &width, &height, &boardID,
				&req.MaxDeadBoards, &req.Priority, &req.Importance)
			if err != nil {
				return errors.WithStack(err)
			}
			// Reconstruct the shape variant; contradictory or absent
			// discriminants leave Shape nil and the engine treats the
			// request as malformed.
			switch {
			case numBoards != nil && width == nil && height == nil && boardID == nil:
				req.Shape = model.NumBoardsShape{NumBoards: int(*numBoards)}
			case numBoards == nil && width != nil && height != nil && boardID == nil:
				req.Shape = model.DimensionsShape{Width: int(*width), Height: int(*height)}
			case numBoards == nil && width == nil && height == nil && boardID != nil:
				req.Shape = model.BoardShape{BoardID: *boardID}
			}
			requests = append(requests, req)
		}
		return nil
	})
	return requests, err
}

// Placement is the allocation engine's decision for one request.
type Placement struct {
	RootID int32
	Boards []int32
	Width  int
	Height int
	Depth  int
}

// CommitAllocation atomically claims the chosen boards for the job, records
// the granted dimensions, advances the job to the POWER state and deletes
// the pending request. The claim revalidates that every board is still free
// and functioning; if any is not, nothing is committed and
// ErrAllocationConflict is returned.
func (s *Store) CommitAllocation(ctx context.Context, reqID, jobID int32, placement *Placement) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE boards SET allocated_job = $1
			 WHERE board_id = ANY($2) AND allocated_job IS NULL AND functioning`,
			jobID, placement.Boards)
		if err != nil {
			return errors.WithStack(err)
		}
		if int(tag.RowsAffected()) != len(placement.Boards) {
			return ErrAllocationConflict
		}

		tag, err = tx.Exec(ctx,
			`UPDATE jobs SET job_state = $2, root_id = $3, width = $4, height = $5, depth = $6
			 WHERE job_id = $1 AND job_state = $7`,
			jobID, model.JobPower, placement.RootID,
			placement.Width, placement.Height, placement.Depth, model.JobQueued)
		if err != nil {
			return errors.WithStack(err)
		}
		if tag.RowsAffected() == 0 {
			// Job destroyed while we were placing it.
			return ErrAllocationConflict
		}

		_, err = tx.Exec(ctx, `DELETE FROM job_request WHERE req_id = $1`, reqID)
		return errors.WithStack(err)
	})
}

// DropRequest removes a malformed request from the queue and destroys its
// job, in one transaction: a crash can never leave a queued job with no
// request behind. The request gained nothing; this is a hard failure, not a
// requeue.
func (s *Store) DropRequest(ctx context.Context, reqID, jobID int32, reason string, now time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		// The destroy only clears requests for a job it actually destroys,
		// so remove the offending row explicitly to cover a job that was
		// already destroyed.
		if _, err := tx.Exec(ctx, `DELETE FROM job_request WHERE req_id = $1`, reqID); err != nil {
			return errors.WithStack(err)
		}
		_, _, _, err := destroyJobInTx(ctx, tx, jobID, reason, now)
		return err
	})
}

// BumpImportance raises every still-queued request's importance by its
// shape-derived priority, so older requests win more strongly next pass.
func (s *Store) BumpImportance(ctx context.Context) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE job_request SET importance = importance + priority`)
		return errors.WithStack(err)
	})
}
