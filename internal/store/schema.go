// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package store

// schemaDDL creates every table the core touches. It is intentionally
// flat SQL (no migration framework): spec.md's Non-goals exclude schema
// migration tooling beyond what Store needs to stand its own tables up.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS machines (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	width      INTEGER NOT NULL,
	height     INTEGER NOT NULL,
	depth      INTEGER NOT NULL DEFAULT 3,
	hwrap      INTEGER NOT NULL DEFAULT 0,
	vwrap      INTEGER NOT NULL DEFAULT 0,
	in_service INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS machine_tags (
	machine_id INTEGER NOT NULL REFERENCES machines(id),
	tag        TEXT NOT NULL,
	PRIMARY KEY (machine_id, tag)
);

CREATE TABLE IF NOT EXISTS bmps (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_id INTEGER NOT NULL REFERENCES machines(id),
	address    TEXT NOT NULL,
	cabinet    INTEGER NOT NULL,
	frame      INTEGER NOT NULL,
	UNIQUE (machine_id, cabinet, frame)
);

CREATE TABLE IF NOT EXISTS boards (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_id     INTEGER NOT NULL REFERENCES machines(id),
	x              INTEGER NOT NULL,
	y              INTEGER NOT NULL,
	z              INTEGER NOT NULL,
	cabinet        INTEGER NOT NULL,
	frame          INTEGER NOT NULL,
	board_num      INTEGER NOT NULL,
	ip_address     TEXT NOT NULL,
	bmp_id         INTEGER NOT NULL REFERENCES bmps(id),
	root_chip_x    INTEGER NOT NULL DEFAULT 0,
	root_chip_y    INTEGER NOT NULL DEFAULT 0,
	enabled        INTEGER NOT NULL DEFAULT 1,
	powered        INTEGER NOT NULL DEFAULT 0,
	last_power_on  TEXT,
	last_power_off TEXT,
	allocated_job  INTEGER,
	UNIQUE (machine_id, x, y, z),
	UNIQUE (machine_id, ip_address),
	UNIQUE (machine_id, cabinet, frame, board_num)
);

CREATE TABLE IF NOT EXISTS links (
	board_id  INTEGER NOT NULL REFERENCES boards(id),
	direction INTEGER NOT NULL,
	other_id  INTEGER NOT NULL REFERENCES boards(id),
	live      INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (board_id, direction)
);

CREATE TABLE IF NOT EXISTS groups (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	name  TEXT NOT NULL UNIQUE,
	type  INTEGER NOT NULL,
	quota INTEGER
);

CREATE TABLE IF NOT EXISTS users (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	name               TEXT NOT NULL UNIQUE,
	trust_level        INTEGER NOT NULL DEFAULT 0,
	disabled           INTEGER NOT NULL DEFAULT 0,
	locked             INTEGER NOT NULL DEFAULT 0,
	openid_subject     TEXT,
	encrypted_password TEXT
);

CREATE TABLE IF NOT EXISTS group_members (
	user_id  INTEGER NOT NULL REFERENCES users(id),
	group_id INTEGER NOT NULL REFERENCES groups(id),
	PRIMARY KEY (user_id, group_id)
);

CREATE TABLE IF NOT EXISTS jobs (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_id          INTEGER NOT NULL REFERENCES machines(id),
	owner_id            INTEGER NOT NULL REFERENCES users(id),
	group_id            INTEGER NOT NULL REFERENCES groups(id),
	state               INTEGER NOT NULL,
	create_ts           TEXT NOT NULL,
	keepalive_interval  INTEGER NOT NULL,
	keepalive_ts        TEXT NOT NULL,
	keepalive_host      TEXT,
	width               INTEGER,
	height              INTEGER,
	depth               INTEGER,
	root_board_id       INTEGER,
	original_request    BLOB,
	death_reason        TEXT,
	death_ts            TEXT,
	num_pending         INTEGER NOT NULL DEFAULT 0,
	allocation_ts       TEXT,
	allocation_size     INTEGER,
	consolidated        INTEGER NOT NULL DEFAULT 0,
	importance          REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS job_requests (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     INTEGER NOT NULL UNIQUE REFERENCES jobs(id),
	kind       INTEGER NOT NULL,
	count      INTEGER,
	max_dead   INTEGER,
	rect_w     INTEGER,
	rect_h     INTEGER,
	board_id   INTEGER,
	triad_x    INTEGER,
	triad_y    INTEGER,
	triad_z    INTEGER,
	cabinet    INTEGER,
	frame      INTEGER,
	board_num  INTEGER,
	ip_address TEXT,
	created_ts TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_changes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id      INTEGER NOT NULL REFERENCES jobs(id),
	board_id    INTEGER NOT NULL REFERENCES boards(id),
	from_state  INTEGER NOT NULL,
	to_state    INTEGER NOT NULL,
	power_on    INTEGER NOT NULL,
	fpga_n      INTEGER NOT NULL DEFAULT 0,
	fpga_s      INTEGER NOT NULL DEFAULT 0,
	fpga_e      INTEGER NOT NULL DEFAULT 0,
	fpga_w      INTEGER NOT NULL DEFAULT 0,
	fpga_nw     INTEGER NOT NULL DEFAULT 0,
	fpga_se     INTEGER NOT NULL DEFAULT 0,
	in_progress INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS board_reports (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	board_id  INTEGER NOT NULL REFERENCES boards(id),
	job_id    INTEGER,
	reporter  TEXT NOT NULL,
	issue     TEXT NOT NULL,
	ts        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs_history (
	id                  INTEGER PRIMARY KEY,
	machine_id          INTEGER NOT NULL,
	owner_id            INTEGER NOT NULL,
	group_id            INTEGER NOT NULL,
	create_ts           TEXT NOT NULL,
	death_reason        TEXT,
	death_ts            TEXT,
	allocation_ts       TEXT,
	allocation_size     INTEGER
);

CREATE TABLE IF NOT EXISTS allocations_history (
	job_id   INTEGER NOT NULL,
	board_id INTEGER NOT NULL,
	PRIMARY KEY (job_id, board_id)
);
`
