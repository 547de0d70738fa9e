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

var boardColumns = []interface{}{
	"board_id", "machine_id", "x", "y", "z",
	"cabinet", "frame", "board_num",
	"chip_root_x", "chip_root_y", "address",
	"functioning", "allocated_job", "power_on",
}

func scanBoard(row pgx.Row) (model.Board, error) {
	var b model.Board
	err := row.Scan(
		&b.ID, &b.MachineID,
		&b.Coords.X, &b.Coords.Y, &b.Coords.Z,
		&b.Physical.Cabinet, &b.Physical.Frame, &b.Physical.Board,
		&b.ChipRoot.X, &b.ChipRoot.Y, &b.Address,
		&b.Functioning, &b.AllocatedJob, &b.PowerOn)
	return b, err
}

// ListMachines returns all machines with their tags, without boards.
func (s *Store) ListMachines(ctx context.Context) ([]*model.Machine, error) {
	var machines []*model.Machine
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT machine_id, machine_name, width, height, depth, in_service
			 FROM machines ORDER BY machine_name`)
		if err != nil {
			return errors.WithStack(err)
		}
		defer rows.Close()
		byID := map[int32]*model.Machine{}
		for rows.Next() {
			m := &model.Machine{}
			if err := rows.Scan(&m.ID, &m.Name, &m.Width, &m.Height, &m.Depth, &m.InService); err != nil {
				return errors.WithStack(err)
			}
			machines = append(machines, m)
			byID[m.ID] = m
		}
		rows.Close()

		tagRows, err := tx.Query(ctx, `SELECT machine_id, tag FROM tags`)
		if err != nil {
			return errors.WithStack(err)
		}
		defer tagRows.Close()
		for tagRows.Next() {
			var id int32
			var tag string
			if err := tagRows.Scan(&id, &tag); err != nil {
				return errors.WithStack(err)
			}
			if m, ok := byID[id]; ok {
				m.Tags = append(m.Tags, tag)
			}
		}
		return nil
	})
	return machines, err
}

// GetMachine returns the named machine with tags and all of its boards.
func (s *Store) GetMachine(ctx context.Context, name string) (*model.Machine, error) {
	var machine *model.Machine
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		m, err := getMachineBy(ctx, tx, goqu.Ex{"machine_name": name})
		if err != nil {
			return err
		}
		machine = m
		return nil
	})
	return machine, err
}

// MachineSnapshot returns a machine by id, with boards including their
// current allocation state. The allocation engine runs placement against
// this snapshot and revalidates at commit.
func (s *Store) MachineSnapshot(ctx context.Context, machineID int32) (*model.Machine, error) {
	var machine *model.Machine
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		m, err := getMachineBy(ctx, tx, goqu.Ex{"machine_id": machineID})
		if err != nil {
			return err
		}
		machine = m
		return nil
	})
	return machine, err
}

func getMachineBy(ctx context.Context, tx pgx.Tx, where goqu.Ex) (*model.Machine, error) {
	sql, args, err := psql.From("machines").
		Select("machine_id", "machine_name", "width", "height", "depth", "in_service").
		Where(where).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	m := &model.Machine{}
	err = tx.QueryRow(ctx, sql, args...).
		Scan(&m.ID, &m.Name, &m.Width, &m.Height, &m.Depth, &m.InService)
	if err == pgx.ErrNoRows {
		return nil, errors.WithStack(&serviceerrors.ErrNotFound{Type: "machine", Value: fmt.Sprint(where)})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}

	tagRows, err := tx.Query(ctx, `SELECT tag FROM tags WHERE machine_id = $1`, m.ID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var tag string
		if err := tagRows.Scan(&tag); err != nil {
			return nil, errors.WithStack(err)
		}
		m.Tags = append(m.Tags, tag)
	}
	tagRows.Close()

	sql, args, err = psql.From("boards").
		Select(boardColumns...).
		Where(goqu.Ex{"machine_id": m.ID}).
		Order(goqu.I("x").Asc(), goqu.I("y").Asc(), goqu.I("z").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		m.Boards = append(m.Boards, b)
	}
	return m, nil
}

// InsertMachine stores a machine definition with its boards and tags. Used
// at bootstrap when loading a machine description file.
func (s *Store) InsertMachine(ctx context.Context, machine *model.Machine) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO machines (machine_name, width, height, depth, in_service)
			 VALUES ($1, $2, $3, $4, $5) RETURNING machine_id`,
			machine.Name, machine.Width, machine.Height, machine.Depth, machine.InService,
		).Scan(&machine.ID)
		if err != nil {
			return errors.WithStack(err)
		}
		for _, tag := range machine.Tags {
			if _, err := tx.Exec(ctx,
				`INSERT INTO tags (machine_id, tag) VALUES ($1, $2)`, machine.ID, tag); err != nil {
				return errors.WithStack(err)
			}
		}
		for i := range machine.Boards {
			b := &machine.Boards[i]
			b.MachineID = machine.ID
			err := tx.QueryRow(ctx,
				`INSERT INTO boards
				 (machine_id, x, y, z, cabinet, frame, board_num,
				  chip_root_x, chip_root_y, address, functioning)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				 RETURNING board_id`,
				machine.ID, b.Coords.X, b.Coords.Y, b.Coords.Z,
				b.Physical.Cabinet, b.Physical.Frame, b.Physical.Board,
				b.ChipRoot.X, b.ChipRoot.Y, b.Address, b.Functioning,
			).Scan(&b.ID)
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
}

// MachineBoardCounts summarises board availability on one machine.
type MachineBoardCounts struct {
	MachineName string
	Total       int
	Allocated   int
	Dead        int
}

// BoardCounts returns per-machine board availability, for metrics.
func (s *Store) BoardCounts(ctx context.Context) ([]MachineBoardCounts, error) {
	var counts []MachineBoardCounts
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT m.machine_name,
			        count(b.board_id),
			        count(b.allocated_job),
			        count(*) FILTER (WHERE NOT b.functioning)
			 FROM machines m JOIN boards b ON b.machine_id = m.machine_id
			 GROUP BY m.machine_name ORDER BY m.machine_name`)
		if err != nil {
			return errors.WithStack(err)
		}
		defer rows.Close()
		for rows.Next() {
			var c MachineBoardCounts
			if err := rows.Scan(&c.MachineName, &c.Total, &c.Allocated, &c.Dead); err != nil {
				return errors.WithStack(err)
			}
			counts = append(counts, c)
		}
		return nil
	})
	return counts, err
}

// MarkBoardsDead downgrades boards to non-functioning. Returns the number of
// boards actually changed.
func (s *Store) MarkBoardsDead(ctx context.Context, boardIDs []int32) (int, error) {
	var changed int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE boards SET functioning = false WHERE board_id = ANY($1)`, boardIDs)
		if err != nil {
			return errors.WithStack(err)
		}
		changed = int(tag.RowsAffected())
		return nil
	})
	return changed, err
}

// SetBoardsPower records the observed power state of boards.
func (s *Store) SetBoardsPower(ctx context.Context, boardIDs []int32, on bool, now time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE boards SET power_on = $2, last_power_change = $3 WHERE board_id = ANY($1)`,
			boardIDs, on, now)
		return errors.WithStack(err)
	})
}
