// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"database/sql"
	"time"

	"github.com/spalloc-project/spallocd/internal/structs"
)

const boardColumns = "id, machine_id, x, y, z, cabinet, frame, board_num, ip_address, bmp_id, root_chip_x, root_chip_y, enabled, powered, last_power_on, last_power_off, allocated_job"

var boardHandles = []Handle{
	{
		Name:    "findBoardByID",
		SQL:     `SELECT ` + boardColumns + ` FROM boards WHERE id = ?`,
		Params:  []string{"id"},
		Columns: []string{"id", "machine_id", "x", "y", "z", "cabinet", "frame", "board_num", "ip_address", "bmp_id", "root_chip_x", "root_chip_y", "enabled", "powered", "last_power_on", "last_power_off", "allocated_job"},
	},
	{
		Name:    "findBoardByTriad",
		SQL:     `SELECT ` + boardColumns + ` FROM boards WHERE machine_id = ? AND x = ? AND y = ? AND z = ?`,
		Params:  []string{"machine_id", "x", "y", "z"},
		Columns: []string{"id", "machine_id", "x", "y", "z", "cabinet", "frame", "board_num", "ip_address", "bmp_id", "root_chip_x", "root_chip_y", "enabled", "powered", "last_power_on", "last_power_off", "allocated_job"},
	},
	{
		Name:    "findBoardByPhysical",
		SQL:     `SELECT ` + boardColumns + ` FROM boards WHERE machine_id = ? AND cabinet = ? AND frame = ? AND board_num = ?`,
		Params:  []string{"machine_id", "cabinet", "frame", "board_num"},
		Columns: []string{"id", "machine_id", "x", "y", "z", "cabinet", "frame", "board_num", "ip_address", "bmp_id", "root_chip_x", "root_chip_y", "enabled", "powered", "last_power_on", "last_power_off", "allocated_job"},
	},
	{
		Name:    "findBoardByIP",
		SQL:     `SELECT ` + boardColumns + ` FROM boards WHERE machine_id = ? AND ip_address = ?`,
		Params:  []string{"machine_id", "ip_address"},
		Columns: []string{"id", "machine_id", "x", "y", "z", "cabinet", "frame", "board_num", "ip_address", "bmp_id", "root_chip_x", "root_chip_y", "enabled", "powered", "last_power_on", "last_power_off", "allocated_job"},
	},
	{
		Name:    "boardAddress",
		SQL:     `SELECT ip_address FROM boards WHERE id = ?`,
		Params:  []string{"id"},
		Columns: []string{"ip_address"},
	},
	{
		Name:    "boardPowerInfo",
		SQL:     `SELECT powered, last_power_on, last_power_off FROM boards WHERE id = ?`,
		Params:  []string{"id"},
		Columns: []string{"powered", "last_power_on", "last_power_off"},
	},
	{
		Name:    "jobBoards",
		SQL:     `SELECT ` + boardColumns + ` FROM boards WHERE allocated_job = ? ORDER BY x, y, z`,
		Params:  []string{"allocated_job"},
		Columns: []string{"id", "machine_id", "x", "y", "z", "cabinet", "frame", "board_num", "ip_address", "bmp_id", "root_chip_x", "root_chip_y", "enabled", "powered", "last_power_on", "last_power_off", "allocated_job"},
	},
	{
		Name:    "allocateBoard",
		SQL:     `UPDATE boards SET allocated_job = ? WHERE id = ?`,
		Params:  []string{"job_id", "board_id"},
		IsWrite: true,
	},
	{
		Name:    "deallocateJobBoards",
		SQL:     `UPDATE boards SET allocated_job = NULL WHERE allocated_job = ?`,
		Params:  []string{"job_id"},
		IsWrite: true,
	},
	{
		Name:    "deallocateBoards",
		SQL:     `UPDATE boards SET allocated_job = NULL WHERE id = ?`,
		Params:  []string{"id"},
		IsWrite: true,
	},
	{
		Name:    "setBoardPower",
		SQL:     `UPDATE boards SET powered = ?, last_power_on = COALESCE(?, last_power_on), last_power_off = COALESCE(?, last_power_off) WHERE id = ?`,
		Params:  []string{"powered", "last_power_on", "last_power_off", "id"},
		IsWrite: true,
	},
	{
		Name:    "countPoweredBoards",
		SQL:     `SELECT COUNT(*) FROM boards WHERE allocated_job = ? AND powered = 1`,
		Params:  []string{"job_id"},
		Columns: []string{"COUNT(*)"},
	},
	{
		Name:    "availableBoardCount",
		SQL:     `SELECT COUNT(*) FROM boards WHERE machine_id = ? AND enabled = 1 AND allocated_job IS NULL`,
		Params:  []string{"machine_id"},
		Columns: []string{"COUNT(*)"},
	},
	{
		Name:    "machineUsageCounts",
		SQL:     `SELECT COUNT(*) AS board_count, SUM(CASE WHEN allocated_job IS NOT NULL THEN 1 ELSE 0 END) AS in_use, COUNT(DISTINCT allocated_job) AS num_jobs FROM boards WHERE machine_id = ?`,
		Params:  []string{"machine_id"},
		Columns: []string{"board_count", "in_use", "num_jobs"},
	},
}

// FindBoardByID reads a single board, or structs.ErrNoSuchBoard.
func (s *Store) FindBoardByID(tx *Tx, id int64) (structs.Board, error) {
	return s.scanOneBoard(tx, mustHandle("findBoardByID"), id)
}

// FindBoardByTriad resolves a ByBoard{triad} request.
func (s *Store) FindBoardByTriad(tx *Tx, machineID int64, c structs.Coord3) (structs.Board, error) {
	return s.scanOneBoard(tx, mustHandle("findBoardByTriad"), machineID, c.X, c.Y, c.Z)
}

// FindBoardByPhysical resolves a ByBoard{cabinet,frame,board} request.
func (s *Store) FindBoardByPhysical(tx *Tx, machineID int64, p structs.Physical) (structs.Board, error) {
	return s.scanOneBoard(tx, mustHandle("findBoardByPhysical"), machineID, p.Cabinet, p.Frame, p.Board)
}

// FindBoardByIP resolves a ByBoard{ip} request.
func (s *Store) FindBoardByIP(tx *Tx, machineID int64, ip string) (structs.Board, error) {
	return s.scanOneBoard(tx, mustHandle("findBoardByIP"), machineID, ip)
}

func (s *Store) scanOneBoard(tx *Tx, h Handle, args ...interface{}) (structs.Board, error) {
	row := queryRow(s, tx, h.SQL, args...)
	b, err := scanBoard(row)
	if err == sql.ErrNoRows {
		return structs.Board{}, structs.ErrNoSuchBoard
	}
	return b, err
}

// BoardAddress returns a board's network address, used to gate visibility
// to the job's owner/admins at the wire layer (spec.md §6).
func (s *Store) BoardAddress(tx *Tx, boardID int64) (string, error) {
	h := mustHandle("boardAddress")
	var addr string
	err := queryRow(s, tx, h.SQL, boardID).Scan(&addr)
	if err == sql.ErrNoRows {
		return "", structs.ErrNoSuchBoard
	}
	return addr, err
}

// JobBoards lists every board currently allocated to a job, in triad order.
func (s *Store) JobBoards(tx *Tx, jobID int64) ([]structs.Board, error) {
	h := mustHandle("jobBoards")
	rows, err := queryRows(s, tx, h.SQL, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []structs.Board
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AllocateBoards marks every board in boardIDs as owned by jobID. Must run
// inside the same transaction as the Job row update (spec.md §5
// "Allocator's allocation commit must be atomic across all boards of a
// job").
func (s *Store) AllocateBoards(tx *Tx, jobID int64, boardIDs []int64) error {
	h := mustHandle("allocateBoard")
	for _, id := range boardIDs {
		if _, err := exec(s, tx, h.SQL, jobID, id); err != nil {
			return err
		}
	}
	s.invalidateBoardCache()
	return nil
}

// DeallocateJobBoards frees every board owned by jobID.
func (s *Store) DeallocateJobBoards(tx *Tx, jobID int64) error {
	h := mustHandle("deallocateJobBoards")
	_, err := exec(s, tx, h.SQL, jobID)
	s.invalidateBoardCache()
	return err
}

// DeallocateBoard frees a single board, leaving the job's other boards
// allocated.
func (s *Store) DeallocateBoard(tx *Tx, boardID int64) error {
	h := mustHandle("deallocateBoards")
	_, err := exec(s, tx, h.SQL, boardID)
	s.invalidateBoardCache()
	return err
}

// SetBoardPower records that a board's last completed BMP change set it to
// powered (on) or not (off), with the corresponding timestamp — spec.md §3
// invariant "powered reflects the last completed BMP change".
func (s *Store) SetBoardPower(tx *Tx, boardID int64, powered bool, at time.Time) error {
	h := mustHandle("setBoardPower")
	var onArg, offArg interface{}
	if powered {
		onArg = formatTime(at)
	} else {
		offArg = formatTime(at)
	}
	_, err := exec(s, tx, h.SQL, boolToInt(powered), onArg, offArg, boardID)
	s.invalidateBoardCache()
	return err
}

// CountPoweredBoards sums how many of a job's boards have completed their
// power-on change — used by the wire layer's "powered" summary.
func (s *Store) CountPoweredBoards(tx *Tx, jobID int64) (int, error) {
	h := mustHandle("countPoweredBoards")
	var n int
	err := queryRow(s, tx, h.SQL, jobID).Scan(&n)
	return n, err
}

// AvailableBoardCount is a quick capacity probe for a machine.
func (s *Store) AvailableBoardCount(tx *Tx, machineID int64) (int, error) {
	h := mustHandle("availableBoardCount")
	var n int
	err := queryRow(s, tx, h.SQL, machineID).Scan(&n)
	return n, err
}

// MachineUsage reports (boardCount, inUse, numJobs) for one machine.
func (s *Store) MachineUsage(tx *Tx, machineID int64) (boardCount, inUse, numJobs int, err error) {
	h := mustHandle("machineUsageCounts")
	var inUseNullable sql.NullInt64
	err = queryRow(s, tx, h.SQL, machineID).Scan(&boardCount, &inUseNullable, &numJobs)
	inUse = int(inUseNullable.Int64)
	return
}
