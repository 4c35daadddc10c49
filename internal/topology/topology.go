// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package topology

import (
	"fmt"

	"github.com/hashicorp/go-memdb"
	"github.com/hashicorp/go-set/v3"

	"github.com/spalloc-project/spallocd/internal/structs"
)

// Topology is the immutable mesh geometry of a single machine: every board,
// every live/dead link, and the wrap rules that let triad coordinates roll
// over at the machine's edges. Build it once with Load; every method below
// only reads the snapshot it was built from.
type Topology struct {
	machine structs.Machine
	db      *memdb.MemDB
}

// Load builds an immutable Topology snapshot from a flat board and link
// list, as read once from the Store at startup (spec.md §4.1).
func Load(machine structs.Machine, boards []structs.Board, links []structs.Link) (*Topology, error) {
	db, err := memdb.NewMemDB(newSchema())
	if err != nil {
		return nil, fmt.Errorf("topology: building index: %w", err)
	}

	txn := db.Txn(true)
	for _, b := range boards {
		if err := txn.Insert(tableBoards, newBoardRow(b)); err != nil {
			txn.Abort()
			return nil, fmt.Errorf("topology: inserting board %d: %w", b.ID, err)
		}
	}
	for _, l := range links {
		if err := txn.Insert(tableLinks, newLinkRow(l)); err != nil {
			txn.Abort()
			return nil, fmt.Errorf("topology: inserting link %d/%s: %w", l.BoardID, l.Direction, err)
		}
	}
	txn.Commit()

	return &Topology{machine: machine, db: db}, nil
}

// Machine returns the machine this topology describes.
func (t *Topology) Machine() structs.Machine {
	return t.machine
}

// DirectionOpposite returns the fixed N<->S, E<->W, NW<->SE counterpart.
func (t *Topology) DirectionOpposite(d structs.Direction) structs.Direction {
	return structs.Opposite(d)
}

// Wrap folds a candidate triad coordinate back into [0,width)x[0,height)
// according to the machine's horizontal/vertical wrap flags. A coordinate
// that falls outside the machine on an axis without wrap is left as-is;
// callers treat out-of-range coordinates as "off machine".
func (t *Topology) Wrap(tx, ty int) (int, int) {
	if t.machine.HWrap && t.machine.Width > 0 {
		tx = ((tx % t.machine.Width) + t.machine.Width) % t.machine.Width
	}
	if t.machine.VWrap && t.machine.Height > 0 {
		ty = ((ty % t.machine.Height) + t.machine.Height) % t.machine.Height
	}
	return tx, ty
}

func (t *Topology) boardByID(txn *memdb.Txn, id int64) (*boardRow, bool) {
	raw, err := txn.First(tableBoards, idxID, id)
	if err != nil || raw == nil {
		return nil, false
	}
	return raw.(*boardRow), true
}

// BoardByID looks up a board by its surrogate id.
func (t *Topology) BoardByID(id int64) (structs.Board, bool) {
	txn := t.db.Txn(false)
	row, ok := t.boardByID(txn, id)
	if !ok {
		return structs.Board{}, false
	}
	return row.Board, true
}

// BoardAtTriad looks up the board at an exact (x, y, z) coordinate.
func (t *Topology) BoardAtTriad(x, y, z int) (structs.Board, bool) {
	txn := t.db.Txn(false)
	raw, err := txn.First(tableBoards, idxTriad, triadKey(structs.Coord3{X: x, Y: y, Z: z}))
	if err != nil || raw == nil {
		return structs.Board{}, false
	}
	return raw.(*boardRow).Board, true
}

// TriadBoardsAt returns every board (up to 3, z=0..2) whose triad (x,y,*)
// match the given root triad coordinate, wrap-adjusted.
func (t *Topology) TriadBoardsAt(tx, ty int) []structs.Board {
	tx, ty = t.Wrap(tx, ty)
	out := make([]structs.Board, 0, t.machine.Depth)
	txn := t.db.Txn(false)
	for z := 0; z < t.machine.Depth; z++ {
		raw, err := txn.First(tableBoards, idxTriad, triadKey(structs.Coord3{X: tx, Y: ty, Z: z}))
		if err != nil || raw == nil {
			continue
		}
		out = append(out, raw.(*boardRow).Board)
	}
	return out
}

// AllBoards returns every board in the topology, in no particular order,
// as they were when the topology was loaded.
func (t *Topology) AllBoards() []structs.Board {
	txn := t.db.Txn(false)
	it, err := txn.Get(tableBoards, idxAll, allMarker)
	if err != nil {
		return nil
	}
	var out []structs.Board
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*boardRow).Board)
	}
	return out
}

// Neighbour returns the board reached by walking from `board` in direction
// `d`, or false if there is no link there (off-machine or dead topology —
// liveness of the link itself is a separate question answered by LinkLive).
func (t *Topology) Neighbour(boardID int64, d structs.Direction) (structs.Board, bool) {
	txn := t.db.Txn(false)
	raw, err := txn.First(tableLinks, idxKey, linkKey(boardID, d))
	if err != nil || raw == nil {
		return structs.Board{}, false
	}
	link := raw.(*linkRow)
	return t.boardByIDPublic(txn, link.OtherID)
}

func (t *Topology) boardByIDPublic(txn *memdb.Txn, id int64) (structs.Board, bool) {
	row, ok := t.boardByID(txn, id)
	if !ok {
		return structs.Board{}, false
	}
	return row.Board, true
}

// LinkLive reports whether the link from board in direction d is currently
// live (both endpoints up, cabling intact).
func (t *Topology) LinkLive(boardID int64, d structs.Direction) bool {
	txn := t.db.Txn(false)
	raw, err := txn.First(tableLinks, idxKey, linkKey(boardID, d))
	if err != nil || raw == nil {
		return false
	}
	return raw.(*linkRow).Live
}

// PathConnected reports whether the given set of boards forms a single
// connected component over live links restricted to boards in the set
// (spec.md §4.1, §4.3 rule 2's connectivity test).
func (t *Topology) PathConnected(boards *set.Set[int64]) bool {
	if boards.Empty() {
		return true
	}
	txn := t.db.Txn(false)

	visited := set.New[int64](boards.Size())
	queue := make([]int64, 0, boards.Size())
	first := boards.Slice()[0]
	queue = append(queue, first)
	visited.Insert(first)

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range structs.AllDirections {
			raw, err := txn.First(tableLinks, idxKey, linkKey(cur, d))
			if err != nil || raw == nil {
				continue
			}
			link := raw.(*linkRow)
			if !link.Live {
				continue
			}
			if !boards.Contains(link.OtherID) {
				continue
			}
			if visited.Contains(link.OtherID) {
				continue
			}
			visited.Insert(link.OtherID)
			queue = append(queue, link.OtherID)
		}
	}
	return visited.Size() == boards.Size()
}
