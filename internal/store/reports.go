// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"time"
)

var reportHandles = []Handle{
	{
		Name:    "insertBoardReport",
		SQL:     `INSERT INTO board_reports (board_id, job_id, reporter, issue, ts) VALUES (?, ?, ?, ?, ?)`,
		Params:  []string{"board_id", "job_id", "reporter", "issue", "ts"},
		IsWrite: true,
	},
	{
		Name:    "boardReportCount",
		SQL:     `SELECT COUNT(*) FROM board_reports WHERE board_id = ?`,
		Params:  []string{"board_id"},
		Columns: []string{"COUNT(*)"},
	},
	{
		Name:    "reportedBoardsAboveThreshold",
		SQL: `SELECT board_id, COUNT(*) AS n FROM board_reports
			WHERE board_id IN (SELECT id FROM boards WHERE machine_id = ? AND enabled = 1)
			GROUP BY board_id HAVING COUNT(*) >= ?`,
		Params:  []string{"machine_id", "threshold"},
		Columns: []string{"board_id", "n"},
	},
	{
		Name:    "clearBoardReports",
		SQL:     `DELETE FROM board_reports WHERE board_id = ?`,
		Params:  []string{"board_id"},
		IsWrite: true,
	},
}

// InsertBoardReport records one reportIssue call against a board. jobID is
// nil when an administrator files the report out-of-band from any job.
func (s *Store) InsertBoardReport(tx *Tx, boardID int64, jobID *int64, reporter, issue string, at time.Time) error {
	h := mustHandle("insertBoardReport")
	var jobArg interface{}
	if jobID != nil {
		jobArg = *jobID
	}
	_, err := exec(s, tx, h.SQL, boardID, jobArg, reporter, issue, formatTime(at))
	return err
}

// BoardReportCount is the running tally JobSM.reportIssue compares against
// the auto-disable threshold.
func (s *Store) BoardReportCount(tx *Tx, boardID int64) (int, error) {
	h := mustHandle("boardReportCount")
	var n int
	err := queryRow(s, tx, h.SQL, boardID).Scan(&n)
	return n, err
}

// ReportedBoardsAboveThreshold finds every enabled board on a machine whose
// accumulated report count has reached the configured threshold.
func (s *Store) ReportedBoardsAboveThreshold(tx *Tx, machineID int64, threshold int) ([]int64, error) {
	h := mustHandle("reportedBoardsAboveThreshold")
	rows, err := queryRows(s, tx, h.SQL, machineID, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ClearBoardReports discards a board's accumulated reports so they no
// longer count toward the threshold.
func (s *Store) ClearBoardReports(tx *Tx, boardID int64) error {
	h := mustHandle("clearBoardReports")
	_, err := exec(s, tx, h.SQL, boardID)
	return err
}
