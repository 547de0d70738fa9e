package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/model"
)

// InsertBoardReport records a problem report against a board and returns the
// number of reports accumulated against that board within the window ending
// now. The count is taken in the same transaction as the insert so that two
// concurrent reporters cannot both observe a sub-threshold count.
func (s *Store) InsertBoardReport(ctx context.Context, report *model.BoardIssueReport, window time.Duration) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO board_reports (board_id, job_id, reporter, description, report_timestamp)
			 VALUES ($1, $2, $3, $4, $5) RETURNING report_id`,
			report.BoardID, report.JobID, report.Reporter, report.Description, report.Timestamp,
		).Scan(&report.ID)
		if err != nil {
			return errors.WithStack(err)
		}
		return errors.WithStack(tx.QueryRow(ctx,
			`SELECT count(*) FROM board_reports
			 WHERE board_id = $1 AND report_timestamp > $2`,
			report.BoardID, report.Timestamp.Add(-window),
		).Scan(&count))
	})
	return count, err
}
