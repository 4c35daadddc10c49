// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"database/sql"
	"fmt"

	"github.com/spalloc-project/spallocd/internal/structs"
)

var machineHandles = []Handle{
	{
		Name:    "getMachine",
		SQL:     `SELECT id, name, width, height, depth, hwrap, vwrap, in_service FROM machines WHERE id = ?`,
		Params:  []string{"id"},
		Columns: []string{"id", "name", "width", "height", "depth", "hwrap", "vwrap", "in_service"},
	},
	{
		Name:    "getMachineByName",
		SQL:     `SELECT id, name, width, height, depth, hwrap, vwrap, in_service FROM machines WHERE name = ?`,
		Params:  []string{"name"},
		Columns: []string{"id", "name", "width", "height", "depth", "hwrap", "vwrap", "in_service"},
	},
	{
		Name:    "listMachines",
		SQL:     `SELECT id, name, width, height, depth, hwrap, vwrap, in_service FROM machines ORDER BY name`,
		Columns: []string{"id", "name", "width", "height", "depth", "hwrap", "vwrap", "in_service"},
	},
	{
		Name:    "machineTags",
		SQL:     `SELECT tag FROM machine_tags WHERE machine_id = ?`,
		Params:  []string{"machine_id"},
		Columns: []string{"tag"},
	},
	{
		Name:    "insertMachine",
		SQL:     `INSERT INTO machines (name, width, height, depth, hwrap, vwrap, in_service) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		Params:  []string{"name", "width", "height", "depth", "hwrap", "vwrap", "in_service"},
		IsWrite: true,
	},
	{
		Name:    "setMachineInService",
		SQL:     `UPDATE machines SET in_service = ? WHERE id = ?`,
		Params:  []string{"in_service", "id"},
		IsWrite: true,
	},
	{
		Name:    "insertTag",
		SQL:     `INSERT OR IGNORE INTO machine_tags (machine_id, tag) VALUES (?, ?)`,
		Params:  []string{"machine_id", "tag"},
		IsWrite: true,
	},
	{
		Name:    "insertBMP",
		SQL:     `INSERT INTO bmps (machine_id, address, cabinet, frame) VALUES (?, ?, ?, ?)`,
		Params:  []string{"machine_id", "address", "cabinet", "frame"},
		IsWrite: true,
	},
	{
		Name: "insertBoard",
		SQL: `INSERT INTO boards
			(machine_id, x, y, z, cabinet, frame, board_num, ip_address, bmp_id, root_chip_x, root_chip_y, enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Params:  []string{"machine_id", "x", "y", "z", "cabinet", "frame", "board_num", "ip_address", "bmp_id", "root_chip_x", "root_chip_y", "enabled"},
		IsWrite: true,
	},
	{
		Name:    "insertLink",
		SQL:     `INSERT INTO links (board_id, direction, other_id, live) VALUES (?, ?, ?, ?)`,
		Params:  []string{"board_id", "direction", "other_id", "live"},
		IsWrite: true,
	},
	{
		Name:    "allMachineBoards",
		SQL:     `SELECT id, machine_id, x, y, z, cabinet, frame, board_num, ip_address, bmp_id, root_chip_x, root_chip_y, enabled, powered, last_power_on, last_power_off, allocated_job FROM boards WHERE machine_id = ?`,
		Params:  []string{"machine_id"},
		Columns: []string{"id", "machine_id", "x", "y", "z", "cabinet", "frame", "board_num", "ip_address", "bmp_id", "root_chip_x", "root_chip_y", "enabled", "powered", "last_power_on", "last_power_off", "allocated_job"},
	},
	{
		Name:    "allMachineLinks",
		SQL:     `SELECT l.board_id, l.direction, l.other_id, l.live FROM links l JOIN boards b ON b.id = l.board_id WHERE b.machine_id = ?`,
		Params:  []string{"machine_id"},
		Columns: []string{"board_id", "direction", "other_id", "live"},
	},
	{
		Name:    "boardsPerBMP",
		SQL:     `SELECT id FROM boards WHERE bmp_id = ? ORDER BY board_num`,
		Params:  []string{"bmp_id"},
		Columns: []string{"id"},
	},
	{
		Name:    "bmpAddress",
		SQL:     `SELECT address FROM bmps WHERE id = ?`,
		Params:  []string{"id"},
		Columns: []string{"address"},
	},
	{
		Name:    "listMachineBMPs",
		SQL:     `SELECT id, machine_id, address, cabinet, frame FROM bmps WHERE machine_id = ? ORDER BY cabinet, frame`,
		Params:  []string{"machine_id"},
		Columns: []string{"id", "machine_id", "address", "cabinet", "frame"},
	},
	{
		Name:    "setBoardEnabled",
		SQL:     `UPDATE boards SET enabled = ? WHERE id = ?`,
		Params:  []string{"enabled", "id"},
		IsWrite: true,
	},
}

// GetMachine reads one machine, without its tags.
func (s *Store) GetMachine(tx *Tx, id int64) (structs.Machine, error) {
	h := mustHandle("getMachine")
	row := queryRow(s, tx, h.SQL, id)
	return scanMachine(row)
}

// GetMachineByName reads one machine by its unique name.
func (s *Store) GetMachineByName(tx *Tx, name string) (structs.Machine, error) {
	h := mustHandle("getMachineByName")
	row := queryRow(s, tx, h.SQL, name)
	return scanMachine(row)
}

func scanMachine(row *sql.Row) (structs.Machine, error) {
	var m structs.Machine
	var hwrap, vwrap, inService int
	if err := row.Scan(&m.ID, &m.Name, &m.Width, &m.Height, &m.Depth, &hwrap, &vwrap, &inService); err != nil {
		if err == sql.ErrNoRows {
			return structs.Machine{}, structs.ErrNoSuchMachine
		}
		return structs.Machine{}, err
	}
	m.HWrap = hwrap != 0
	m.VWrap = vwrap != 0
	m.InService = inService != 0
	return m, nil
}

// MachineTags returns the tag set of one machine.
func (s *Store) MachineTags(tx *Tx, machineID int64) ([]string, error) {
	h := mustHandle("machineTags")
	rows, err := queryRows(s, tx, h.SQL, machineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		out = append(out, tag)
	}
	return out, rows.Err()
}

// ListMachines returns every machine, ordered by name.
func (s *Store) ListMachines(tx *Tx) ([]structs.Machine, error) {
	h := mustHandle("listMachines")
	rows, err := queryRows(s, tx, h.SQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []structs.Machine
	for rows.Next() {
		var m structs.Machine
		var hwrap, vwrap, inService int
		if err := rows.Scan(&m.ID, &m.Name, &m.Width, &m.Height, &m.Depth, &hwrap, &vwrap, &inService); err != nil {
			return nil, err
		}
		m.HWrap, m.VWrap, m.InService = hwrap != 0, vwrap != 0, inService != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// LoadTopologyInputs reads every board and link of one machine, the raw
// material topology.Load needs to build its immutable snapshot.
func (s *Store) LoadTopologyInputs(tx *Tx, machineID int64) ([]structs.Board, []structs.Link, error) {
	boards, err := s.allMachineBoards(tx, machineID)
	if err != nil {
		return nil, nil, err
	}
	links, err := s.allMachineLinks(tx, machineID)
	if err != nil {
		return nil, nil, err
	}
	return boards, links, nil
}

func (s *Store) allMachineBoards(tx *Tx, machineID int64) ([]structs.Board, error) {
	h := mustHandle("allMachineBoards")
	rows, err := queryRows(s, tx, h.SQL, machineID)
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

func (s *Store) allMachineLinks(tx *Tx, machineID int64) ([]structs.Link, error) {
	h := mustHandle("allMachineLinks")
	rows, err := queryRows(s, tx, h.SQL, machineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []structs.Link
	for rows.Next() {
		var l structs.Link
		var dir int
		var live int
		if err := rows.Scan(&l.BoardID, &dir, &l.OtherID, &live); err != nil {
			return nil, err
		}
		l.Direction = structs.Direction(dir)
		l.Live = live != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

// InsertBoard inserts one board row and returns its surrogate key.
func (s *Store) InsertBoard(tx *Tx, b structs.Board) (int64, error) {
	h := mustHandle("insertBoard")
	res, err := exec(s, tx, h.SQL, b.MachineID, b.Triad.X, b.Triad.Y, b.Triad.Z,
		b.Physical.Cabinet, b.Physical.Frame, b.Physical.Board, b.IPAddress, b.BMPID,
		b.RootChipX, b.RootChipY, boolToInt(b.Enabled))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertLink inserts one directed link endpoint.
func (s *Store) InsertLink(tx *Tx, l structs.Link) error {
	h := mustHandle("insertLink")
	_, err := exec(s, tx, h.SQL, l.BoardID, int(l.Direction), l.OtherID, boolToInt(l.Live))
	return err
}

// InsertBMP inserts one BMP row and returns its surrogate key.
func (s *Store) InsertBMP(tx *Tx, b structs.BMP) (int64, error) {
	h := mustHandle("insertBMP")
	res, err := exec(s, tx, h.SQL, b.MachineID, b.Address, b.Cabinet, b.Frame)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertMachine inserts one machine row and returns its surrogate key.
func (s *Store) InsertMachine(tx *Tx, m structs.Machine) (int64, error) {
	h := mustHandle("insertMachine")
	res, err := exec(s, tx, h.SQL, m.Name, m.Width, m.Height, m.Depth, boolToInt(m.HWrap), boolToInt(m.VWrap), boolToInt(m.InService))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, tag := range m.Tags {
		if err := s.insertTag(tx, id, tag); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (s *Store) insertTag(tx *Tx, machineID int64, tag string) error {
	h := mustHandle("insertTag")
	_, err := exec(s, tx, h.SQL, machineID, tag)
	return err
}

// SetMachineInService flips the in-service flag used to pull a machine out
// of scheduling for maintenance.
func (s *Store) SetMachineInService(tx *Tx, machineID int64, inService bool) error {
	h := mustHandle("setMachineInService")
	_, err := exec(s, tx, h.SQL, boolToInt(inService), machineID)
	return err
}

// SetBoardEnabled implements the auto-disable path of JobSM.reportIssue and
// the operator override for bringing a board back into service.
func (s *Store) SetBoardEnabled(tx *Tx, boardID int64, enabled bool) error {
	h := mustHandle("setBoardEnabled")
	_, err := exec(s, tx, h.SQL, boolToInt(enabled), boardID)
	s.invalidateBoardCache()
	return err
}

// ListMachineBMPs enumerates the BMPs of one machine, the set BMPController
// spawns one serializing worker per.
func (s *Store) ListMachineBMPs(tx *Tx, machineID int64) ([]structs.BMP, error) {
	h := mustHandle("listMachineBMPs")
	rows, err := queryRows(s, tx, h.SQL, machineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []structs.BMP
	for rows.Next() {
		var b structs.BMP
		if err := rows.Scan(&b.ID, &b.MachineID, &b.Address, &b.Cabinet, &b.Frame); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BoardsPerBMP lists the board ids one BMP owns, in board-number order.
func (s *Store) BoardsPerBMP(tx *Tx, bmpID int64) ([]int64, error) {
	h := mustHandle("boardsPerBMP")
	rows, err := queryRows(s, tx, h.SQL, bmpID)
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

// BMPAddress returns one BMP's network address, used by the controller to
// open its transceiver connection.
func (s *Store) BMPAddress(tx *Tx, bmpID int64) (string, error) {
	h := mustHandle("bmpAddress")
	var addr string
	err := queryRow(s, tx, h.SQL, bmpID).Scan(&addr)
	return addr, err
}

func mustHandle(name string) Handle {
	h, ok := Lookup(name)
	if !ok {
		panic(fmt.Sprintf("store: undeclared handle %q", name))
	}
	return h
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
