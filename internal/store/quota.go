// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"database/sql"
	"time"

	"github.com/spalloc-project/spallocd/internal/structs"
)

var quotaHandles = []Handle{
	{
		Name:    "groupQuota",
		SQL:     `SELECT id, name, type, quota FROM groups WHERE id = ?`,
		Params:  []string{"id"},
		Columns: []string{"id", "name", "type", "quota"},
	},
	{
		Name:    "groupByName",
		SQL:     `SELECT id, name, type, quota FROM groups WHERE name = ?`,
		Params:  []string{"name"},
		Columns: []string{"id", "name", "type", "quota"},
	},
	{
		Name:    "userGroups",
		SQL:     `SELECT g.id, g.name, g.type, g.quota FROM groups g JOIN group_members gm ON gm.group_id = g.id WHERE gm.user_id = ?`,
		Params:  []string{"user_id"},
		Columns: []string{"id", "name", "type", "quota"},
	},
	{
		Name:    "adjustGroupQuota",
		SQL:     `UPDATE groups SET quota = quota - ? WHERE id = ? AND quota IS NOT NULL`,
		Params:  []string{"delta", "id"},
		IsWrite: true,
	},
	{
		Name:    "insertGroup",
		SQL:     `INSERT INTO groups (name, type, quota) VALUES (?, ?, ?)`,
		Params:  []string{"name", "type", "quota"},
		IsWrite: true,
	},
	{
		Name:    "insertUser",
		SQL:     `INSERT INTO users (name, trust_level, disabled, locked, openid_subject, encrypted_password) VALUES (?, ?, 0, 0, ?, ?)`,
		Params:  []string{"name", "trust_level", "openid_subject", "encrypted_password"},
		IsWrite: true,
	},
	{
		Name:    "addGroupMember",
		SQL:     `INSERT OR IGNORE INTO group_members (user_id, group_id) VALUES (?, ?)`,
		Params:  []string{"user_id", "group_id"},
		IsWrite: true,
	},
	{
		Name:    "getUser",
		SQL:     `SELECT id, name, trust_level, disabled, locked, openid_subject, encrypted_password FROM users WHERE id = ?`,
		Params:  []string{"id"},
		Columns: []string{"id", "name", "trust_level", "disabled", "locked", "openid_subject", "encrypted_password"},
	},
	{
		Name:    "lockUser",
		SQL:     `UPDATE users SET locked = ? WHERE id = ?`,
		Params:  []string{"locked", "id"},
		IsWrite: true,
	},
	{
		Name:    "consolidationTargets",
		SQL:     `SELECT id, group_id, allocation_size, allocation_ts, death_ts FROM jobs WHERE state = ? AND consolidated = 0 AND allocation_ts IS NOT NULL`,
		Params:  []string{"destroyed"},
		Columns: []string{"id", "group_id", "allocation_size", "allocation_ts", "death_ts"},
	},
	{
		Name:    "markConsolidated",
		SQL:     `UPDATE jobs SET consolidated = 1 WHERE id = ?`,
		Params:  []string{"id"},
		IsWrite: true,
	},
}

// GroupQuota reads one group, including its remaining board-second quota
// (nil == infinite, per spec.md §3).
func (s *Store) GroupQuota(tx *Tx, groupID int64) (structs.Group, error) {
	h := mustHandle("groupQuota")
	row := queryRow(s, tx, h.SQL, groupID)
	return scanGroup(row)
}

// GroupByName resolves a group by its unique name.
func (s *Store) GroupByName(tx *Tx, name string) (structs.Group, error) {
	h := mustHandle("groupByName")
	row := queryRow(s, tx, h.SQL, name)
	return scanGroup(row)
}

func scanGroup(r rowScanner) (structs.Group, error) {
	var g structs.Group
	var gType int
	var quota sql.NullInt64
	if err := r.Scan(&g.ID, &g.Name, &gType, &quota); err != nil {
		if err == sql.ErrNoRows {
			return structs.Group{}, structs.ErrNoSuchMachine // reused: "no such group" has no dedicated sentinel in spec.md §7
		}
		return structs.Group{}, err
	}
	g.Type = structs.GroupType(gType)
	if quota.Valid {
		v := quota.Int64
		g.Quota = &v
	}
	return g, nil
}

// UserGroups lists every group a user belongs to — the candidates JobSM
// picks from when createJob's group argument is nil (spec.md §4.5).
func (s *Store) UserGroups(tx *Tx, userID int64) ([]structs.Group, error) {
	h := mustHandle("userGroups")
	rows, err := queryRows(s, tx, h.SQL, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []structs.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// AdjustGroupQuota subtracts delta board-seconds from a group's quota. A
// nil (infinite) quota is left untouched by the WHERE clause.
func (s *Store) AdjustGroupQuota(tx *Tx, groupID int64, delta int64) error {
	h := mustHandle("adjustGroupQuota")
	_, err := exec(s, tx, h.SQL, delta, groupID)
	return err
}

// GetUser reads one user.
func (s *Store) GetUser(tx *Tx, id int64) (structs.User, error) {
	h := mustHandle("getUser")
	var u structs.User
	var disabled, locked int
	var openID, pw sql.NullString
	err := queryRow(s, tx, h.SQL, id).Scan(&u.ID, &u.Name, &u.TrustLevel, &disabled, &locked, &openID, &pw)
	if err == sql.ErrNoRows {
		return structs.User{}, structs.ErrUnauthorized
	}
	if err != nil {
		return structs.User{}, err
	}
	u.Disabled = disabled != 0
	u.Locked = locked != 0
	if openID.Valid {
		v := openID.String
		u.OpenIDSubject = &v
	}
	if pw.Valid {
		v := pw.String
		u.EncryptedPassword = &v
	}
	return u, nil
}

// LockUser flips a user's locked flag (repeated failed logins, admin action).
func (s *Store) LockUser(tx *Tx, userID int64, locked bool) error {
	h := mustHandle("lockUser")
	_, err := exec(s, tx, h.SQL, boolToInt(locked), userID)
	return err
}

// InsertGroup inserts one group (a board-seconds quota bucket, nil Quota
// meaning infinite) and returns its surrogate key.
func (s *Store) InsertGroup(tx *Tx, g structs.Group) (int64, error) {
	h := mustHandle("insertGroup")
	var quota sql.NullInt64
	if g.Quota != nil {
		quota = sql.NullInt64{Int64: *g.Quota, Valid: true}
	}
	res, err := exec(s, tx, h.SQL, g.Name, int(g.Type), quota)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertUser inserts one account and returns its surrogate key.
func (s *Store) InsertUser(tx *Tx, u structs.User) (int64, error) {
	h := mustHandle("insertUser")
	var openID, pw sql.NullString
	if u.OpenIDSubject != nil {
		openID = sql.NullString{String: *u.OpenIDSubject, Valid: true}
	}
	if u.EncryptedPassword != nil {
		pw = sql.NullString{String: *u.EncryptedPassword, Valid: true}
	}
	res, err := exec(s, tx, h.SQL, u.Name, u.TrustLevel, openID, pw)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AddGroupMember adds userID to groupID's membership, idempotently.
func (s *Store) AddGroupMember(tx *Tx, userID, groupID int64) error {
	h := mustHandle("addGroupMember")
	_, err := exec(s, tx, h.SQL, userID, groupID)
	return err
}

// ConsolidationTarget is one destroyed-but-unaccounted job, the shape
// Allocator.consolidate() folds into its group's quota.
type ConsolidationTarget struct {
	JobID          int64
	GroupID        int64
	AllocationSize int
	AllocationTS   time.Time
	DeathTS        time.Time
}

// ConsolidationTargets lists every destroyed job not yet folded into its
// group's quota.
func (s *Store) ConsolidationTargets(tx *Tx) ([]ConsolidationTarget, error) {
	h := mustHandle("consolidationTargets")
	rows, err := queryRows(s, tx, h.SQL, int(structs.StateDestroyed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ConsolidationTarget
	for rows.Next() {
		var t ConsolidationTarget
		var size sql.NullInt64
		var allocationTS, deathTS sql.NullString
		if err := rows.Scan(&t.JobID, &t.GroupID, &size, &allocationTS, &deathTS); err != nil {
			return nil, err
		}
		t.AllocationSize = int(size.Int64)
		if allocationTS.Valid {
			t.AllocationTS = parseTime(allocationTS.String)
		}
		if deathTS.Valid {
			t.DeathTS = parseTime(deathTS.String)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkConsolidated sets the accounting flag so a later consolidate() pass
// never double-charges the same job (spec.md §8 property, S8 idempotence).
func (s *Store) MarkConsolidated(tx *Tx, jobID int64) error {
	h := mustHandle("markConsolidated")
	_, err := exec(s, tx, h.SQL, jobID)
	return err
}
