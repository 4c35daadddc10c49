// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"database/sql"
	"time"

	"github.com/spalloc-project/spallocd/internal/structs"
)

const jobColumns = "id, machine_id, owner_id, group_id, state, create_ts, keepalive_interval, keepalive_ts, keepalive_host, width, height, depth, root_board_id, original_request, death_reason, death_ts, num_pending, allocation_ts, allocation_size, consolidated"

var jobHandles = []Handle{
	{
		Name: "insertJob",
		SQL: `INSERT INTO jobs
			(machine_id, owner_id, group_id, state, create_ts, keepalive_interval, keepalive_ts, keepalive_host, original_request, num_pending)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		Params:  []string{"machine_id", "owner_id", "group_id", "state", "create_ts", "keepalive_interval", "keepalive_ts", "keepalive_host", "original_request"},
		IsWrite: true,
	},
	{
		Name:    "getJob",
		SQL:     `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`,
		Params:  []string{"id"},
		Columns: []string{"id", "machine_id", "owner_id", "group_id", "state", "create_ts", "keepalive_interval", "keepalive_ts", "keepalive_host", "width", "height", "depth", "root_board_id", "original_request", "death_reason", "death_ts", "num_pending", "allocation_ts", "allocation_size", "consolidated"},
	},
	{
		Name:    "listJobIDs",
		SQL:     `SELECT id FROM jobs ORDER BY id LIMIT ? OFFSET ?`,
		Params:  []string{"limit", "offset"},
		Columns: []string{"id"},
	},
	{
		Name:    "listLiveJobIDs",
		SQL:     `SELECT id FROM jobs WHERE state != ? ORDER BY id LIMIT ? OFFSET ?`,
		Params:  []string{"destroyed", "limit", "offset"},
		Columns: []string{"id"},
	},
	{
		Name:    "machineJobs",
		SQL:     `SELECT ` + jobColumns + ` FROM jobs WHERE machine_id = ? AND state != ? ORDER BY id`,
		Params:  []string{"machine_id", "destroyed"},
		Columns: []string{"id", "machine_id", "owner_id", "group_id", "state", "create_ts", "keepalive_interval", "keepalive_ts", "keepalive_host", "width", "height", "depth", "root_board_id", "original_request", "death_reason", "death_ts", "num_pending", "allocation_ts", "allocation_size", "consolidated"},
	},
	{
		Name:    "updateKeepAlive",
		SQL:     `UPDATE jobs SET keepalive_ts = ?, keepalive_host = ? WHERE id = ? AND state != ?`,
		Params:  []string{"keepalive_ts", "keepalive_host", "id", "destroyed"},
		IsWrite: true,
	},
	{
		Name:    "destroyJob",
		SQL:     `UPDATE jobs SET state = ?, death_reason = ?, death_ts = ? WHERE id = ? AND state != ?`,
		Params:  []string{"destroyed", "death_reason", "death_ts", "id", "destroyed"},
		IsWrite: true,
	},
	{
		Name:    "setJobState",
		SQL:     `UPDATE jobs SET state = ? WHERE id = ?`,
		Params:  []string{"state", "id"},
		IsWrite: true,
	},
	{
		Name:    "setJobNumPending",
		SQL:     `UPDATE jobs SET num_pending = ? WHERE id = ?`,
		Params:  []string{"num_pending", "id"},
		IsWrite: true,
	},
	{
		Name:    "decrementJobNumPending",
		SQL:     `UPDATE jobs SET num_pending = num_pending - 1 WHERE id = ?`,
		Params:  []string{"id"},
		IsWrite: true,
	},
	{
		Name:    "setJobAllocation",
		SQL:     `UPDATE jobs SET width = ?, height = ?, depth = ?, root_board_id = ?, allocation_size = ?, allocation_ts = ?, state = ?, num_pending = ? WHERE id = ?`,
		Params:  []string{"width", "height", "depth", "root_board_id", "allocation_size", "allocation_ts", "state", "num_pending", "id"},
		IsWrite: true,
	},
	{
		Name:    "findExpiredJobs",
		SQL:     `SELECT id FROM jobs WHERE state != ? AND (julianday(?) - julianday(keepalive_ts)) * 86400 > keepalive_interval`,
		Params:  []string{"destroyed", "now"},
		Columns: []string{"id"},
	},
	{
		Name:    "jobsWithPendingChanges",
		SQL:     `SELECT DISTINCT job_id FROM pending_changes`,
		Columns: []string{"job_id"},
	},
}

// InsertJob creates a Job row in QUEUED and returns its surrogate key.
func (s *Store) InsertJob(tx *Tx, j structs.Job) (int64, error) {
	h := mustHandle("insertJob")
	res, err := exec(s, tx, h.SQL, j.MachineID, j.OwnerID, j.GroupID, int(StateQueuedCode),
		formatTime(j.CreateTS), int64(j.KeepAliveInterval/time.Second), formatTime(j.KeepAliveTS),
		nullableString(j.KeepAliveHost), j.OriginalRequest)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// StateQueuedCode is structs.StateQueued as stored in the DB; InsertJob
// binds it as the state of every new job.
const StateQueuedCode = structs.StateQueued

// GetJob reads one job, or structs.ErrNoSuchJob.
func (s *Store) GetJob(tx *Tx, id int64) (structs.Job, error) {
	h := mustHandle("getJob")
	row := queryRow(s, tx, h.SQL, id)
	return scanJob(row)
}

func scanJob(r rowScanner) (structs.Job, error) {
	var j structs.Job
	var state int
	var createTS, keepAliveTS string
	var keepAliveIntervalSec int64
	var keepAliveHost sql.NullString
	var width, height, depth sql.NullInt64
	var rootBoard sql.NullInt64
	var originalRequest []byte
	var deathReason sql.NullString
	var deathTS sql.NullString
	var allocationTS sql.NullString
	var allocationSize sql.NullInt64
	var consolidated int

	if err := r.Scan(&j.ID, &j.MachineID, &j.OwnerID, &j.GroupID, &state, &createTS,
		&keepAliveIntervalSec, &keepAliveTS, &keepAliveHost, &width, &height, &depth,
		&rootBoard, &originalRequest, &deathReason, &deathTS, &j.NumPending,
		&allocationTS, &allocationSize, &consolidated); err != nil {
		if err == sql.ErrNoRows {
			return structs.Job{}, structs.ErrNoSuchJob
		}
		return structs.Job{}, err
	}

	j.State = structs.JobState(state)
	j.CreateTS = parseTime(createTS)
	j.KeepAliveInterval = time.Duration(keepAliveIntervalSec) * time.Second
	j.KeepAliveTS = parseTime(keepAliveTS)
	if keepAliveHost.Valid {
		j.KeepAliveHost = keepAliveHost.String
	}
	if width.Valid {
		v := int(width.Int64)
		j.Width = &v
	}
	if height.Valid {
		v := int(height.Int64)
		j.Height = &v
	}
	if depth.Valid {
		v := int(depth.Int64)
		j.Depth = &v
	}
	if rootBoard.Valid {
		v := rootBoard.Int64
		j.RootBoardID = &v
	}
	j.OriginalRequest = originalRequest
	if deathReason.Valid {
		v := deathReason.String
		j.DeathReason = &v
	}
	if deathTS.Valid {
		v := parseTime(deathTS.String)
		j.DeathTS = &v
	}
	if allocationTS.Valid {
		v := parseTime(allocationTS.String)
		j.AllocationTS = &v
	}
	if allocationSize.Valid {
		v := int(allocationSize.Int64)
		j.AllocationSize = &v
	}
	j.Consolidated = consolidated != 0
	return j, nil
}

// ListJobIDs pages over every job id, oldest first.
func (s *Store) ListJobIDs(tx *Tx, limit, offset int) ([]int64, error) {
	h := mustHandle("listJobIDs")
	return s.scanIDs(tx, h.SQL, limit, offset)
}

// ListLiveJobIDs pages over every non-DESTROYED job id.
func (s *Store) ListLiveJobIDs(tx *Tx, limit, offset int) ([]int64, error) {
	h := mustHandle("listLiveJobIDs")
	return s.scanIDs(tx, h.SQL, int(structs.StateDestroyed), limit, offset)
}

func (s *Store) scanIDs(tx *Tx, sqlText string, args ...interface{}) ([]int64, error) {
	rows, err := queryRows(s, tx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MachineJobs lists every live job on one machine.
func (s *Store) MachineJobs(tx *Tx, machineID int64) ([]structs.Job, error) {
	h := mustHandle("machineJobs")
	rows, err := queryRows(s, tx, h.SQL, machineID, int(structs.StateDestroyed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []structs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateKeepAlive implements JobSM.access: bump keepalive_ts/host for a
// still-live job.
func (s *Store) UpdateKeepAlive(tx *Tx, jobID int64, host string, at time.Time) error {
	h := mustHandle("updateKeepAlive")
	res, err := exec(s, tx, h.SQL, formatTime(at), nullableString(host), jobID, int(structs.StateDestroyed))
	if err != nil {
		return err
	}
	return checkAffected(res, structs.ErrNoSuchJob)
}

// DestroyJob implements the terminal transition of JobSM.destroy /
// Allocator.expireJobs. It is a no-op (returns structs.ErrNoSuchJob-free
// nil) if the job is already DESTROYED, matching the "DESTROYED is
// terminal" invariant.
func (s *Store) DestroyJob(tx *Tx, jobID int64, reason string, at time.Time) error {
	h := mustHandle("destroyJob")
	_, err := exec(s, tx, h.SQL, int(structs.StateDestroyed), reason, formatTime(at), jobID, int(structs.StateDestroyed))
	return err
}

// SetJobState sets the bare state column, used by the BMP controller's
// POWER->READY and POWER->QUEUED transitions.
func (s *Store) SetJobState(tx *Tx, jobID int64, state structs.JobState) error {
	h := mustHandle("setJobState")
	_, err := exec(s, tx, h.SQL, int(state), jobID)
	return err
}

// SetJobNumPending overwrites numPending directly (used by destroy/expiry,
// which know the exact new pending count up front).
func (s *Store) SetJobNumPending(tx *Tx, jobID int64, n int) error {
	h := mustHandle("setJobNumPending")
	_, err := exec(s, tx, h.SQL, n, jobID)
	return err
}

// DecrementJobNumPending lowers a job's numPending by one in a single
// UPDATE.
func (s *Store) DecrementJobNumPending(tx *Tx, jobID int64) error {
	h := mustHandle("decrementJobNumPending")
	_, err := exec(s, tx, h.SQL, jobID)
	return err
}

// SetJobAllocation records a successful Placement against a job: its
// dimensions, root board, allocation bookkeeping, and transition to POWER,
// all in the caller's transaction (spec.md §4.4 step 2).
func (s *Store) SetJobAllocation(tx *Tx, jobID int64, width, height, depth int, rootBoardID int64, size int, at time.Time, numPending int) error {
	h := mustHandle("setJobAllocation")
	_, err := exec(s, tx, h.SQL, width, height, depth, rootBoardID, size, formatTime(at), int(structs.StatePower), numPending, jobID)
	return err
}

// FindExpiredJobs returns every job whose keepalive has lapsed as of now.
func (s *Store) FindExpiredJobs(tx *Tx, now time.Time) ([]int64, error) {
	h := mustHandle("findExpiredJobs")
	return s.scanIDs(tx, h.SQL, int(structs.StateDestroyed), formatTime(now))
}

// JobsWithPendingChanges lists every job id that currently has at least one
// outstanding PendingChange.
func (s *Store) JobsWithPendingChanges(tx *Tx) ([]int64, error) {
	h := mustHandle("jobsWithPendingChanges")
	return s.scanIDs(tx, h.SQL)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func checkAffected(res sql.Result, errIfZero error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errIfZero
	}
	return nil
}
