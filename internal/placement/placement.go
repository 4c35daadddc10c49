// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

// Package placement turns a JobRequest plus a machine snapshot into a
// link-connected region of live, unallocated boards (spec.md §4.3). It
// never talks to the Store or the BMP layer; Allocator drives it.
package placement

import (
	"fmt"

	"github.com/hashicorp/go-set/v3"

	"github.com/spalloc-project/spallocd/internal/structs"
	"github.com/spalloc-project/spallocd/internal/topology"
)

// Snapshot is everything Placement needs to know about one machine's
// current state to make a decision. Allocator builds a fresh Snapshot from
// the Store at the start of every allocate() pass.
type Snapshot struct {
	Topo *topology.Topology

	// Live is the set of boards that are enabled and not excluded by the
	// caller's fault-aware retry set (spec.md §4.3 "Fault-aware retry").
	Live *set.Set[int64]

	// Allocated is the set of boards already owned by some other job.
	Allocated *set.Set[int64]
}

func (s Snapshot) isFree(boardID int64) bool {
	return s.Live.Contains(boardID) && !s.Allocated.Contains(boardID)
}

// Place runs the rules of spec.md §4.3 for one request. A nil Placement
// with a nil error means "no room right now, try again next pass". A
// non-nil error is always structs.ErrRequestTooLarge, structs.ErrNoSuchBoard,
// structs.ErrConflict or structs.ErrRequestInvalid — permanent rejections of
// the request itself.
func Place(req structs.JobRequest, snap Snapshot) (*structs.Placement, error) {
	switch req.Kind {
	case structs.RequestByBoard:
		return placeByBoard(req, snap)
	case structs.RequestByRect:
		return placeByRectRequest(req.RectW, req.RectH, req.MaxDead, snap)
	case structs.RequestByCount:
		return placeByCount(req.Count, req.MaxDead, snap)
	default:
		return nil, fmt.Errorf("%w: unknown request kind %d", structs.ErrRequestInvalid, req.Kind)
	}
}

func placeByBoard(req structs.JobRequest, snap Snapshot) (*structs.Placement, error) {
	id, err := resolveBoardID(req, snap)
	if err != nil {
		return nil, err
	}
	board, ok := snap.Topo.BoardByID(id)
	if !ok {
		return nil, structs.ErrNoSuchBoard
	}
	if !board.Enabled || !snap.Live.Contains(id) {
		return nil, fmt.Errorf("%w: board %d is disabled", structs.ErrNoSuchBoard, id)
	}
	if snap.Allocated.Contains(id) {
		return nil, fmt.Errorf("%w: board %d already allocated", structs.ErrConflict, id)
	}
	return &structs.Placement{
		RootBoardID: id,
		Width:       1,
		Height:      1,
		Depth:       1,
		Boards:      []int64{id},
	}, nil
}

func resolveBoardID(req structs.JobRequest, snap Snapshot) (int64, error) {
	if req.BoardID != nil {
		return *req.BoardID, nil
	}
	if req.Triad != nil {
		b, ok := snap.Topo.BoardAtTriad(req.Triad.X, req.Triad.Y, req.Triad.Z)
		if !ok {
			return 0, structs.ErrNoSuchBoard
		}
		return b.ID, nil
	}
	// PhysAddr / IPAddress resolution happens one layer up, in the Store,
	// where the physical-address and IP indexes actually live; by the time
	// a JobRequest reaches Placement it always carries a resolved BoardID
	// or Triad. A request with neither is malformed.
	return 0, fmt.Errorf("%w: ByBoard request has no resolvable board", structs.ErrRequestInvalid)
}

func placeByRectRequest(w, h, maxDead int, snap Snapshot) (*structs.Placement, error) {
	m := snap.Topo.Machine()
	if w > m.Width || h > m.Height {
		return nil, fmt.Errorf("%w: %dx%d triads exceeds machine %dx%d", structs.ErrRequestTooLarge, w, h, m.Width, m.Height)
	}
	if w == 1 && h == 1 {
		return placeSingleTriad(maxDead, snap)
	}
	return scanRect(w, h, maxDead, snap)
}

// placeSingleTriad implements the "1x1 is a special case: allocate the full
// 3-board triad" rule of spec.md §4.3 rule 2, tolerating up to maxDead
// missing boards in the candidate triad exactly as scanRect does for larger
// rectangles.
func placeSingleTriad(maxDead int, snap Snapshot) (*structs.Placement, error) {
	m := snap.Topo.Machine()
	for ty := 0; ty < m.Height; ty++ {
		for tx := 0; tx < m.Width; tx++ {
			boards := snap.Topo.TriadBoardsAt(tx, ty)
			free := freeBoardIDs(boards, snap)
			if len(free) == 0 {
				continue
			}
			if missing := len(boards) - len(free); missing > maxDead {
				continue
			}
			if !connected(free, snap) {
				continue
			}
			return &structs.Placement{
				RootBoardID: free[0],
				Width:       1,
				Height:      1,
				Depth:       m.Depth,
				Boards:      free,
			}, nil
		}
	}
	return nil, nil
}

func scanRect(w, h, maxDead int, snap Snapshot) (*structs.Placement, error) {
	m := snap.Topo.Machine()
	for ty := 0; ty < m.Height; ty++ {
		for tx := 0; tx < m.Width; tx++ {
			region, missing := candidateRegion(tx, ty, w, h, snap)
			if missing > maxDead {
				continue
			}
			if !connected(region, snap) {
				continue
			}
			if len(region) == 0 {
				continue
			}
			return &structs.Placement{
				RootBoardID: rootBoardOfRegion(tx, ty, snap),
				Width:       w,
				Height:      h,
				Depth:       m.Depth,
				Boards:      region,
			}, nil
		}
	}
	return nil, nil
}

// candidateRegion collects every free, live board in the w*h*depth triad
// block rooted at (tx,ty), wrap-aware, and counts how many slots in that
// block are missing a usable board.
func candidateRegion(tx, ty, w, h int, snap Snapshot) (boards []int64, missing int) {
	m := snap.Topo.Machine()
	want := w * h * m.Depth
	for dy := 0; dy < h; dy++ {
		for dx := 0; dx < w; dx++ {
			rx, ry := snap.Topo.Wrap(tx+dx, ty+dy)
			triad := snap.Topo.TriadBoardsAt(rx, ry)
			free := freeBoardIDs(triad, snap)
			boards = append(boards, free...)
		}
	}
	missing = want - len(boards)
	if missing < 0 {
		missing = 0
	}
	return boards, missing
}

func rootBoardOfRegion(tx, ty int, snap Snapshot) int64 {
	triad := snap.Topo.TriadBoardsAt(tx, ty)
	free := freeBoardIDs(triad, snap)
	if len(free) > 0 {
		return free[0]
	}
	if len(triad) > 0 {
		return triad[0].ID
	}
	return 0
}

func freeBoardIDs(boards []structs.Board, snap Snapshot) []int64 {
	out := make([]int64, 0, len(boards))
	for _, b := range boards {
		if snap.isFree(b.ID) {
			out = append(out, b.ID)
		}
	}
	return out
}

func connected(boardIDs []int64, snap Snapshot) bool {
	if len(boardIDs) <= 1 {
		return true
	}
	s := set.From(boardIDs)
	return snap.Topo.PathConnected(s)
}

// placeByCount implements spec.md §4.3 rule 3.
func placeByCount(n, maxDead int, snap Snapshot) (*structs.Placement, error) {
	switch {
	case n == 1:
		return placeSingleBoard(snap)
	case n <= 3:
		return placeSingleTriad(maxDead, snap)
	default:
		w, h := smallestRect(n)
		return placeByRectRequest(w, h, maxDead, snap)
	}
}

func placeSingleBoard(snap Snapshot) (*structs.Placement, error) {
	m := snap.Topo.Machine()
	for ty := 0; ty < m.Height; ty++ {
		for tx := 0; tx < m.Width; tx++ {
			for _, b := range snap.Topo.TriadBoardsAt(tx, ty) {
				if snap.isFree(b.ID) {
					return &structs.Placement{
						RootBoardID: b.ID,
						Width:       1,
						Height:      1,
						Depth:       1,
						Boards:      []int64{b.ID},
					}, nil
				}
			}
		}
	}
	return nil, nil
}

// smallestRect picks the smallest (w,h) with w*h*3 >= n, tie-broken nearer
// to square then by smaller w, per spec.md §4.3 rule 3.
func smallestRect(n int) (w, h int) {
	bestArea := -1
	bestW, bestH := 0, 0
	for cw := 1; cw <= n; cw++ {
		ch := ceilDiv(n, cw*3)
		area := cw * ch
		if bestArea == -1 || area < bestArea || (area == bestArea && closerToSquare(cw, ch, bestW, bestH)) {
			bestArea, bestW, bestH = area, cw, ch
		}
	}
	return bestW, bestH
}

func ceilDiv(n, d int) int {
	if d <= 0 {
		return n
	}
	return (n + d - 1) / d
}

func closerToSquare(w1, h1, w2, h2 int) bool {
	d1 := absInt(w1 - h1)
	d2 := absInt(w2 - h2)
	if d1 != d2 {
		return d1 < d2
	}
	return w1 < w2
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
