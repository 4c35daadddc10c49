// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"database/sql"

	"github.com/spalloc-project/spallocd/internal/structs"
)

var requestHandles = []Handle{
	{
		Name: "insertRequest",
		SQL: `INSERT INTO job_requests
			(job_id, kind, count, max_dead, rect_w, rect_h, board_id, triad_x, triad_y, triad_z, cabinet, frame, board_num, ip_address, created_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Params: []string{"job_id", "kind", "count", "max_dead", "rect_w", "rect_h", "board_id", "triad_x", "triad_y", "triad_z", "cabinet", "frame", "board_num", "ip_address", "created_ts"},
		IsWrite: true,
	},
	{
		Name:    "deleteRequest",
		SQL:     `DELETE FROM job_requests WHERE job_id = ?`,
		Params:  []string{"job_id"},
		IsWrite: true,
	},
	{
		Name: "outstandingRequests",
		SQL: `SELECT r.id, r.job_id, r.kind, r.count, r.max_dead, r.rect_w, r.rect_h, r.board_id, r.triad_x, r.triad_y, r.triad_z, r.cabinet, r.frame, r.board_num, r.ip_address, r.created_ts
			FROM job_requests r JOIN jobs j ON j.id = r.job_id
			WHERE j.machine_id = ? AND j.state = ?
			ORDER BY j.importance DESC, r.id ASC`,
		Params:  []string{"machine_id", "state"},
		Columns: []string{"id", "job_id", "kind", "count", "max_dead", "rect_w", "rect_h", "board_id", "triad_x", "triad_y", "triad_z", "cabinet", "frame", "board_num", "ip_address", "created_ts"},
	},
	{
		Name:    "bumpImportance",
		SQL:     `UPDATE jobs SET importance = MIN(?, importance + ?) WHERE id = ?`,
		Params:  []string{"span", "delta", "job_id"},
		IsWrite: true,
	},
	{
		Name:    "setImportance",
		SQL:     `UPDATE jobs SET importance = ? WHERE id = ?`,
		Params:  []string{"importance", "job_id"},
		IsWrite: true,
	},
}

// InsertRequest persists the JobRequest tagged variant. Exactly one of the
// three shapes is populated per spec.md's "Polymorphic request shapes"
// design note; the unused columns are left NULL.
func (s *Store) InsertRequest(tx *Tx, r structs.JobRequest) (int64, error) {
	h := mustHandle("insertRequest")
	var count, maxDead, rectW, rectH, cabinet, frame, boardNum, triadX, triadY, triadZ sql.NullInt64
	var boardID sql.NullInt64
	var ip sql.NullString

	switch r.Kind {
	case structs.RequestByCount:
		count = sql.NullInt64{Int64: int64(r.Count), Valid: true}
		maxDead = sql.NullInt64{Int64: int64(r.MaxDead), Valid: true}
	case structs.RequestByRect:
		rectW = sql.NullInt64{Int64: int64(r.RectW), Valid: true}
		rectH = sql.NullInt64{Int64: int64(r.RectH), Valid: true}
		maxDead = sql.NullInt64{Int64: int64(r.MaxDead), Valid: true}
	case structs.RequestByBoard:
		if r.BoardID != nil {
			boardID = sql.NullInt64{Int64: *r.BoardID, Valid: true}
		}
		if r.Triad != nil {
			triadX = sql.NullInt64{Int64: int64(r.Triad.X), Valid: true}
			triadY = sql.NullInt64{Int64: int64(r.Triad.Y), Valid: true}
			triadZ = sql.NullInt64{Int64: int64(r.Triad.Z), Valid: true}
		}
		if r.PhysAddr != nil {
			cabinet = sql.NullInt64{Int64: int64(r.PhysAddr.Cabinet), Valid: true}
			frame = sql.NullInt64{Int64: int64(r.PhysAddr.Frame), Valid: true}
			boardNum = sql.NullInt64{Int64: int64(r.PhysAddr.Board), Valid: true}
		}
		if r.IPAddress != nil {
			ip = sql.NullString{String: *r.IPAddress, Valid: true}
		}
	}

	res, err := exec(s, tx, h.SQL, r.JobID, int(r.Kind), count, maxDead, rectW, rectH,
		boardID, triadX, triadY, triadZ, cabinet, frame, boardNum, ip, formatTime(r.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DeleteRequest removes a job's outstanding request, if any (a job has at
// most one, per spec.md §3).
func (s *Store) DeleteRequest(tx *Tx, jobID int64) error {
	h := mustHandle("deleteRequest")
	_, err := exec(s, tx, h.SQL, jobID)
	return err
}

// OutstandingRequests returns every queued request for one machine, already
// ordered by importance (descending) then request id — the exact order
// spec.md §4.4 step 1 scans in.
func (s *Store) OutstandingRequests(tx *Tx, machineID int64) ([]structs.JobRequest, error) {
	h := mustHandle("outstandingRequests")
	rows, err := queryRows(s, tx, h.SQL, machineID, int(structs.StateQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []structs.JobRequest
	for rows.Next() {
		var r structs.JobRequest
		var kind int
		var count, maxDead, rectW, rectH sql.NullInt64
		var boardID sql.NullInt64
		var triadX, triadY, triadZ sql.NullInt64
		var cabinet, frame, boardNum sql.NullInt64
		var ip sql.NullString
		var createdTS string

		if err := rows.Scan(&r.ID, &r.JobID, &kind, &count, &maxDead, &rectW, &rectH,
			&boardID, &triadX, &triadY, &triadZ, &cabinet, &frame, &boardNum, &ip, &createdTS); err != nil {
			return nil, err
		}
		r.Kind = structs.RequestKind(kind)
		r.Count = int(count.Int64)
		r.MaxDead = int(maxDead.Int64)
		r.RectW = int(rectW.Int64)
		r.RectH = int(rectH.Int64)
		if boardID.Valid {
			v := boardID.Int64
			r.BoardID = &v
		}
		if triadX.Valid {
			r.Triad = &structs.Coord3{X: int(triadX.Int64), Y: int(triadY.Int64), Z: int(triadZ.Int64)}
		}
		if cabinet.Valid {
			r.PhysAddr = &structs.Physical{Cabinet: int(cabinet.Int64), Frame: int(frame.Int64), Board: int(boardNum.Int64)}
		}
		if ip.Valid {
			v := ip.String
			r.IPAddress = &v
		}
		r.CreatedAt = parseTime(createdTS)
		out = append(out, r)
	}
	return out, rows.Err()
}

// BumpImportance raises a job's accumulated importance by delta, capped at
// span — the "bumpImportance" update of spec.md §4.4 step 1.
func (s *Store) BumpImportance(tx *Tx, jobID int64, delta, span float64) error {
	h := mustHandle("bumpImportance")
	_, err := exec(s, tx, h.SQL, span, delta, jobID)
	return err
}

// SetImportance sets a job's importance to an absolute value, used when a
// request is first created (base_priority * scale(shape)).
func (s *Store) SetImportance(tx *Tx, jobID int64, importance float64) error {
	h := mustHandle("setImportance")
	_, err := exec(s, tx, h.SQL, importance, jobID)
	return err
}
