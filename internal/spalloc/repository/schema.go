package repository

import (
	"context"

	"github.com/SpiNNakerManchester/spalloc-server/internal/common/database"
)

// Migrations defines the storage schema. Shape discriminants of job_request
// (num_boards | width+height | board_id) are kept as nullable columns at the
// SQL level but are only ever written through the model.Shape variant, which
// guarantees exactly one is set.
var Migrations = []database.Migration{
	{
		Id:   1,
		Name: "initial_schema",
		Sql: `
CREATE TABLE machines (
	machine_id   serial PRIMARY KEY,
	machine_name varchar(255) NOT NULL UNIQUE,
	width        int NOT NULL,
	height       int NOT NULL,
	depth        int NOT NULL,
	in_service   boolean NOT NULL DEFAULT true
);

CREATE TABLE tags (
	machine_id int NOT NULL REFERENCES machines (machine_id),
	tag        varchar(255) NOT NULL,
	PRIMARY KEY (machine_id, tag)
);

CREATE TABLE jobs (
	job_id              serial PRIMARY KEY,
	machine_id          int NOT NULL REFERENCES machines (machine_id),
	owner               varchar(255) NOT NULL,
	job_state           varchar(16) NOT NULL,
	width               int,
	height              int,
	depth               int,
	root_id             int,
	create_timestamp    timestamp NOT NULL,
	keepalive_interval  bigint NOT NULL,
	keepalive_timestamp timestamp NOT NULL,
	keepalive_host      varchar(255) NOT NULL DEFAULT '',
	death_reason        varchar(255),
	death_timestamp     timestamp,
	original_request    bytea,
	accounted_until     timestamp NOT NULL,
	quota_used          bigint NOT NULL DEFAULT 0
);
CREATE INDEX idx_jobs_state ON jobs (job_state);

CREATE TABLE boards (
	board_id      serial PRIMARY KEY,
	machine_id    int NOT NULL REFERENCES machines (machine_id),
	x             int NOT NULL,
	y             int NOT NULL,
	z             int NOT NULL,
	cabinet       int NOT NULL,
	frame         int NOT NULL,
	board_num     int NOT NULL,
	chip_root_x   int NOT NULL,
	chip_root_y   int NOT NULL,
	address       varchar(45) NOT NULL DEFAULT '',
	functioning   boolean NOT NULL DEFAULT true,
	allocated_job int REFERENCES jobs (job_id),
	power_on      boolean NOT NULL DEFAULT false,
	last_power_change timestamp,
	UNIQUE (machine_id, x, y, z),
	UNIQUE (machine_id, cabinet, frame, board_num)
);
CREATE INDEX idx_boards_allocated ON boards (allocated_job);

CREATE TABLE job_request (
	req_id          serial PRIMARY KEY,
	job_id          int NOT NULL REFERENCES jobs (job_id),
	machine_id      int NOT NULL REFERENCES machines (machine_id),
	num_boards      int,
	width           int,
	height          int,
	board_id        int REFERENCES boards (board_id),
	max_dead_boards int NOT NULL DEFAULT 0,
	priority        int NOT NULL,
	importance      int NOT NULL DEFAULT 0
);

CREATE TABLE quotas (
	owner      varchar(255) NOT NULL,
	machine_id int NOT NULL REFERENCES machines (machine_id),
	balance    bigint NOT NULL,
	PRIMARY KEY (owner, machine_id)
);

CREATE TABLE board_reports (
	report_id        serial PRIMARY KEY,
	board_id         int NOT NULL REFERENCES boards (board_id),
	job_id           int REFERENCES jobs (job_id),
	reporter         varchar(255) NOT NULL,
	description      text NOT NULL,
	report_timestamp timestamp NOT NULL
);
`,
	},
}

// Migrate brings the schema up to date.
func (s *Store) Migrate(ctx context.Context) error {
	return database.UpdateDatabase(ctx, s.db, Migrations)
}
