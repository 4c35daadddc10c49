// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"database/sql"
	"time"

	"github.com/spalloc-project/spallocd/internal/structs"
)

var tombstoneHandles = []Handle{
	{
		Name: "tombstoneCandidates",
		SQL: `SELECT id, machine_id, owner_id, group_id, create_ts, death_reason, death_ts, allocation_ts, allocation_size
			FROM jobs WHERE state = ? AND death_ts IS NOT NULL AND (julianday(?) - julianday(death_ts)) * 86400 > ?`,
		Params:  []string{"destroyed", "now", "retain_seconds"},
		Columns: []string{"id", "machine_id", "owner_id", "group_id", "create_ts", "death_reason", "death_ts", "allocation_ts", "allocation_size"},
	},
	{
		Name: "archiveJob",
		SQL: `INSERT INTO jobs_history (id, machine_id, owner_id, group_id, create_ts, death_reason, death_ts, allocation_ts, allocation_size)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Params:  []string{"id", "machine_id", "owner_id", "group_id", "create_ts", "death_reason", "death_ts", "allocation_ts", "allocation_size"},
		IsWrite: true,
	},
	{
		Name:    "archiveAllocations",
		SQL:     `INSERT INTO allocations_history (job_id, board_id) SELECT allocated_job, id FROM boards WHERE allocated_job = ?`,
		Params:  []string{"job_id"},
		IsWrite: true,
	},
	{
		Name:    "deleteJob",
		SQL:     `DELETE FROM jobs WHERE id = ?`,
		Params:  []string{"id"},
		IsWrite: true,
	},
	{
		Name:    "deleteJobRequest",
		SQL:     `DELETE FROM job_requests WHERE job_id = ?`,
		Params:  []string{"job_id"},
		IsWrite: true,
	},
	{
		Name:    "countHistoryAllocations",
		SQL:     `SELECT COUNT(*) FROM allocations_history WHERE job_id = ?`,
		Params:  []string{"job_id"},
		Columns: []string{"COUNT(*)"},
	},
}

type tombstoneCandidate struct {
	id             int64
	machineID      int64
	ownerID        int64
	groupID        int64
	createTS       string
	deathReason    sql.NullString
	deathTS        sql.NullString
	allocationTS   sql.NullString
	allocationSize sql.NullInt64
}

// Tombstone moves every DESTROYED job older than retain past to the
// jobs_history/allocations_history archive tables and removes it from the
// live jobs table, implementing Allocator.tombstone()'s sweep. It returns
// how many jobs and board-allocations were archived.
//
// The allocation count is the number of allocations_history rows already
// recorded for each archived job; those rows are written by
// ArchiveJobAllocations when the job is destroyed or expired, before its
// boards are freed.
func (s *Store) Tombstone(tx *Tx, now time.Time, retain time.Duration) (numJobs, numAllocations int, err error) {
	h := mustHandle("tombstoneCandidates")
	rows, err := queryRows(s, tx, h.SQL, int(structs.StateDestroyed), formatTime(now), int64(retain/time.Second))
	if err != nil {
		return 0, 0, err
	}
	var candidates []tombstoneCandidate
	for rows.Next() {
		var c tombstoneCandidate
		if scanErr := rows.Scan(&c.id, &c.machineID, &c.ownerID, &c.groupID, &c.createTS,
			&c.deathReason, &c.deathTS, &c.allocationTS, &c.allocationSize); scanErr != nil {
			rows.Close()
			return 0, 0, scanErr
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, 0, err
	}
	rows.Close()

	archiveH := mustHandle("archiveJob")
	deleteH := mustHandle("deleteJob")
	deleteReqH := mustHandle("deleteJobRequest")
	countH := mustHandle("countHistoryAllocations")

	for _, c := range candidates {
		if _, err := exec(s, tx, archiveH.SQL, c.id, c.machineID, c.ownerID, c.groupID, c.createTS,
			c.deathReason, c.deathTS, c.allocationTS, c.allocationSize); err != nil {
			return numJobs, numAllocations, err
		}
		var n int
		if err := queryRow(s, tx, countH.SQL, c.id).Scan(&n); err != nil {
			return numJobs, numAllocations, err
		}
		numAllocations += n
		if _, err := exec(s, tx, deleteReqH.SQL, c.id); err != nil {
			return numJobs, numAllocations, err
		}
		if _, err := exec(s, tx, deleteH.SQL, c.id); err != nil {
			return numJobs, numAllocations, err
		}
		numJobs++
	}
	return numJobs, numAllocations, nil
}

// ArchiveJobAllocations copies a job's current board set into
// allocations_history. Callers invoke this before DeallocateJobBoards, while
// the allocated_job foreign key still links boards to the job being
// destroyed, so Tombstone's later sweep can report an accurate allocation
// count for it.
func (s *Store) ArchiveJobAllocations(tx *Tx, jobID int64) error {
	h := mustHandle("archiveAllocations")
	_, err := exec(s, tx, h.SQL, jobID)
	return err
}
