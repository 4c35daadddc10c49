// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"github.com/spalloc-project/spallocd/internal/structs"
)

const pendingColumns = "id, job_id, board_id, from_state, to_state, power_on, fpga_n, fpga_s, fpga_e, fpga_w, fpga_nw, fpga_se, in_progress"

var pendingHandles = []Handle{
	{
		Name: "insertPendingChange",
		SQL: `INSERT INTO pending_changes
			(job_id, board_id, from_state, to_state, power_on, fpga_n, fpga_s, fpga_e, fpga_w, fpga_nw, fpga_se, in_progress)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		Params:  []string{"job_id", "board_id", "from_state", "to_state", "power_on", "fpga_n", "fpga_s", "fpga_e", "fpga_w", "fpga_nw", "fpga_se"},
		IsWrite: true,
	},
	{
		Name:    "jobPendingChanges",
		SQL:     `SELECT ` + pendingColumns + ` FROM pending_changes WHERE job_id = ? ORDER BY id`,
		Params:  []string{"job_id"},
		Columns: []string{"id", "job_id", "board_id", "from_state", "to_state", "power_on", "fpga_n", "fpga_s", "fpga_e", "fpga_w", "fpga_nw", "fpga_se", "in_progress"},
	},
	{
		Name:    "bmpPendingChanges",
		SQL:     `SELECT pc.id, pc.job_id, pc.board_id, pc.from_state, pc.to_state, pc.power_on, pc.fpga_n, pc.fpga_s, pc.fpga_e, pc.fpga_w, pc.fpga_nw, pc.fpga_se, pc.in_progress FROM pending_changes pc JOIN boards b ON b.id = pc.board_id WHERE b.bmp_id = ? ORDER BY pc.id`,
		Params:  []string{"bmp_id"},
		Columns: []string{"id", "job_id", "board_id", "from_state", "to_state", "power_on", "fpga_n", "fpga_s", "fpga_e", "fpga_w", "fpga_nw", "fpga_se", "in_progress"},
	},
	{
		Name:    "deletePendingChange",
		SQL:     `DELETE FROM pending_changes WHERE id = ?`,
		Params:  []string{"id"},
		IsWrite: true,
	},
	{
		Name:    "deleteJobPendingChanges",
		SQL:     `DELETE FROM pending_changes WHERE job_id = ?`,
		Params:  []string{"job_id"},
		IsWrite: true,
	},
	{
		Name:    "countJobPendingChanges",
		SQL:     `SELECT COUNT(*) FROM pending_changes WHERE job_id = ?`,
		Params:  []string{"job_id"},
		Columns: []string{"COUNT(*)"},
	},
	{
		Name:    "countAllPendingChanges",
		SQL:     `SELECT COUNT(*) FROM pending_changes`,
		Columns: []string{"COUNT(*)"},
	},
	{
		Name:    "setPendingChangeInProgress",
		SQL:     `UPDATE pending_changes SET in_progress = ? WHERE id = ?`,
		Params:  []string{"in_progress", "id"},
		IsWrite: true,
	},
}

// IssuePendingChanges inserts one PendingChange row per board, the unit of
// work Allocator emits whenever it places a job (spec.md §4.4 step 2) and
// JobSM emits on destroy/expiry. Every row starts not in progress.
func (s *Store) IssuePendingChanges(tx *Tx, changes []structs.PendingChange) error {
	h := mustHandle("insertPendingChange")
	for _, c := range changes {
		if _, err := exec(s, tx, h.SQL, c.JobID, c.BoardID, int(c.FromState), int(c.ToState),
			boolToInt(c.PowerOn), boolToInt(c.FPGA.North), boolToInt(c.FPGA.South), boolToInt(c.FPGA.East),
			boolToInt(c.FPGA.West), boolToInt(c.FPGA.NorthWest), boolToInt(c.FPGA.SouthEast)); err != nil {
			return err
		}
	}
	return nil
}

// JobPendingChanges lists a job's outstanding changes in FIFO (id) order.
func (s *Store) JobPendingChanges(tx *Tx, jobID int64) ([]structs.PendingChange, error) {
	h := mustHandle("jobPendingChanges")
	return s.scanPendingChanges(tx, h.SQL, jobID)
}

// BMPPendingChanges lists every outstanding change destined for one BMP, in
// the strict FIFO order required by spec.md §4.6's ordering guarantee.
func (s *Store) BMPPendingChanges(tx *Tx, bmpID int64) ([]structs.PendingChange, error) {
	h := mustHandle("bmpPendingChanges")
	return s.scanPendingChanges(tx, h.SQL, bmpID)
}

func (s *Store) scanPendingChanges(tx *Tx, sqlText string, arg int64) ([]structs.PendingChange, error) {
	rows, err := queryRows(s, tx, sqlText, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []structs.PendingChange
	for rows.Next() {
		var c structs.PendingChange
		var fromState, toState int
		var powerOn, n, sF, e, w, nw, se, inProgress int
		if err := rows.Scan(&c.ID, &c.JobID, &c.BoardID, &fromState, &toState, &powerOn,
			&n, &sF, &e, &w, &nw, &se, &inProgress); err != nil {
			return nil, err
		}
		c.FromState = structs.JobState(fromState)
		c.ToState = structs.JobState(toState)
		c.PowerOn = powerOn != 0
		c.FPGA = structs.FPGALinks{
			North: n != 0, South: sF != 0, East: e != 0, West: w != 0,
			NorthWest: nw != 0, SouthEast: se != 0,
		}
		c.InProgress = inProgress != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeletePendingChange removes a single completed change — the first half of
// the atomic "finish" step of spec.md §4.6.
func (s *Store) DeletePendingChange(tx *Tx, id int64) error {
	h := mustHandle("deletePendingChange")
	_, err := exec(s, tx, h.SQL, id)
	return err
}

// DeleteJobPendingChanges wipes every change for a job — used by destroy,
// expiry, and the BMP controller's unrecoverable-failure re-queue path
// ("kill job allocation tasks and pending changes").
func (s *Store) DeleteJobPendingChanges(tx *Tx, jobID int64) error {
	h := mustHandle("deleteJobPendingChanges")
	_, err := exec(s, tx, h.SQL, jobID)
	return err
}

// CountJobPendingChanges is the authoritative count spec.md §8 property 3
// checks numPending against.
func (s *Store) CountJobPendingChanges(tx *Tx, jobID int64) (int, error) {
	h := mustHandle("countJobPendingChanges")
	var n int
	err := queryRow(s, tx, h.SQL, jobID).Scan(&n)
	return n, err
}

// CountAllPendingChanges is a cheap "is the system quiescent" probe for
// Scheduler/BMPController.
func (s *Store) CountAllPendingChanges(tx *Tx) (int, error) {
	h := mustHandle("countAllPendingChanges")
	var n int
	err := queryRow(s, tx, h.SQL).Scan(&n)
	return n, err
}

// SetPendingChangeInProgress marks a change as claimed by a BMP worker so
// concurrent sweeps don't double-issue the same hardware command.
func (s *Store) SetPendingChangeInProgress(tx *Tx, id int64, inProgress bool) error {
	h := mustHandle("setPendingChangeInProgress")
	_, err := exec(s, tx, h.SQL, boolToInt(inProgress), id)
	return err
}
