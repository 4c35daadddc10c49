// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"database/sql"

	"github.com/spalloc-project/spallocd/internal/structs"
)

// queryRow/queryRows/exec let every handle-backed method run either inside
// a caller-supplied transaction or, for read-only convenience calls (e.g.
// from the CLI), directly against the pooled connection.

func queryRow(s *Store, tx *Tx, query string, args ...interface{}) *sql.Row {
	if tx != nil {
		return tx.tx.QueryRow(query, args...)
	}
	return s.db.QueryRow(query, args...)
}

func queryRows(s *Store, tx *Tx, query string, args ...interface{}) (*sql.Rows, error) {
	if tx != nil {
		return tx.tx.Query(query, args...)
	}
	return s.db.Query(query, args...)
}

func exec(s *Store, tx *Tx, query string, args ...interface{}) (sql.Result, error) {
	if tx != nil {
		return tx.tx.Exec(query, args...)
	}
	return s.db.Exec(query, args...)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanBoard reads one row of the allMachineBoards/boardByX column set.
func scanBoard(r rowScanner) (structs.Board, error) {
	var b structs.Board
	var enabled, powered int
	var lastOn, lastOff sql.NullString
	var allocJob sql.NullInt64
	if err := r.Scan(&b.ID, &b.MachineID, &b.Triad.X, &b.Triad.Y, &b.Triad.Z,
		&b.Physical.Cabinet, &b.Physical.Frame, &b.Physical.Board, &b.IPAddress, &b.BMPID,
		&b.RootChipX, &b.RootChipY, &enabled, &powered, &lastOn, &lastOff, &allocJob); err != nil {
		return structs.Board{}, err
	}
	b.Enabled = enabled != 0
	b.Powered = powered != 0
	if lastOn.Valid {
		b.LastPowerOn = parseTime(lastOn.String)
	}
	if lastOff.Valid {
		b.LastPowerOff = parseTime(lastOff.String)
	}
	if allocJob.Valid {
		v := allocJob.Int64
		b.AllocatedJob = &v
	}
	return b, nil
}
