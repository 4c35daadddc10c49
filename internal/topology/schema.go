// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

// Package topology holds the static mesh geometry of one machine: triad
// coordinates, compass directions, link adjacency and wrap rules. It is
// loaded once from the Store and is immutable thereafter — spec.md §4.1
// and the "Ownership" paragraph of §3 require the in-memory topology to
// never mutate once built.
package topology

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/spalloc-project/spallocd/internal/structs"
)

const (
	tableBoards = "boards"
	tableLinks  = "links"

	idxID    = "id"
	idxTriad = "triad"
	idxKey   = "id"
	idxBoard = "board"
	idxAll   = "all"

	allMarker = "all"
)

// boardRow mirrors structs.Board plus a precomputed composite key so memdb
// can index the triad coordinate with a plain StringFieldIndex, and a
// constant All marker so every row can be walked without depending on
// zero-argument index lookups.
type boardRow struct {
	structs.Board
	TriadKey string
	All      string
}

func newBoardRow(b structs.Board) *boardRow {
	return &boardRow{Board: b, TriadKey: triadKey(b.Triad), All: allMarker}
}

func triadKey(c structs.Coord3) string {
	return fmt.Sprintf("%d|%d|%d", c.X, c.Y, c.Z)
}

// linkRow mirrors structs.Link plus a precomputed (board,direction) key.
type linkRow struct {
	structs.Link
	Key string
}

func newLinkRow(l structs.Link) *linkRow {
	return &linkRow{Link: l, Key: linkKey(l.BoardID, l.Direction)}
}

func linkKey(boardID int64, dir structs.Direction) string {
	return fmt.Sprintf("%d|%d", boardID, int(dir))
}

func newSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableBoards: {
				Name: tableBoards,
				Indexes: map[string]*memdb.IndexSchema{
					idxID: {
						Name:    idxID,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
					idxTriad: {
						Name:    idxTriad,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "TriadKey"},
					},
					idxAll: {
						Name:    idxAll,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "All"},
					},
				},
			},
			tableLinks: {
				Name: tableLinks,
				Indexes: map[string]*memdb.IndexSchema{
					idxKey: {
						Name:    idxKey,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					idxBoard: {
						Name:    idxBoard,
						Unique:  false,
						Indexer: &memdb.IntFieldIndex{Field: "BoardID"},
					},
				},
			},
		},
	}
}
