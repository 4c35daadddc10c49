// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package placement_test

import (
	"errors"
	"testing"

	"github.com/hashicorp/go-set/v3"
	"github.com/stretchr/testify/require"

	"github.com/spalloc-project/spallocd/internal/placement"
	"github.com/spalloc-project/spallocd/internal/structs"
	"github.com/spalloc-project/spallocd/internal/topology"
)

func singleTriadSnapshot(t *testing.T) (placement.Snapshot, [3]int64) {
	t.Helper()
	machine := structs.Machine{ID: 1, Name: "m", Width: 1, Height: 1, Depth: 3, InService: true}
	boards := []structs.Board{
		{ID: 10, MachineID: 1, Triad: structs.Coord3{X: 0, Y: 0, Z: 0}, Enabled: true},
		{ID: 11, MachineID: 1, Triad: structs.Coord3{X: 0, Y: 0, Z: 1}, Enabled: true},
		{ID: 12, MachineID: 1, Triad: structs.Coord3{X: 0, Y: 0, Z: 2}, Enabled: true},
	}
	links := []structs.Link{
		{BoardID: 10, Direction: structs.N, OtherID: 11, Live: true},
		{BoardID: 11, Direction: structs.S, OtherID: 10, Live: true},
		{BoardID: 11, Direction: structs.N, OtherID: 12, Live: true},
		{BoardID: 12, Direction: structs.S, OtherID: 11, Live: true},
	}
	topo, err := topology.Load(machine, boards, links)
	require.NoError(t, err)

	live := set.From([]int64{10, 11, 12})
	return placement.Snapshot{Topo: topo, Live: live, Allocated: set.New[int64](0)}, [3]int64{10, 11, 12}
}

func TestPlaceByCountOne(t *testing.T) {
	snap, _ := singleTriadSnapshot(t)
	p, err := placement.Place(structs.JobRequest{Kind: structs.RequestByCount, Count: 1}, snap)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Len(t, p.Boards, 1)
	require.Equal(t, 1, p.Width)
	require.Equal(t, 1, p.Height)
	require.Equal(t, 1, p.Depth)
}

func TestPlaceByCountThreeIsFullTriad(t *testing.T) {
	snap, ids := singleTriadSnapshot(t)
	p, err := placement.Place(structs.JobRequest{Kind: structs.RequestByCount, Count: 3}, snap)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.ElementsMatch(t, ids[:], p.Boards)
	require.Equal(t, 3, p.Depth)
}

func TestPlaceByBoard(t *testing.T) {
	snap, ids := singleTriadSnapshot(t)
	target := ids[1]
	p, err := placement.Place(structs.JobRequest{Kind: structs.RequestByBoard, BoardID: &target}, snap)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, []int64{target}, p.Boards)
	require.Equal(t, target, p.RootBoardID)
}

func TestPlaceByBoardAlreadyAllocatedConflicts(t *testing.T) {
	snap, ids := singleTriadSnapshot(t)
	snap.Allocated = set.From([]int64{ids[0]})
	p, err := placement.Place(structs.JobRequest{Kind: structs.RequestByBoard, BoardID: &ids[0]}, snap)
	require.Nil(t, p)
	require.ErrorIs(t, err, structs.ErrConflict)
}

func TestPlaceByBoardUnknownIsNoSuchBoard(t *testing.T) {
	snap, _ := singleTriadSnapshot(t)
	missing := int64(99999)
	p, err := placement.Place(structs.JobRequest{Kind: structs.RequestByBoard, BoardID: &missing}, snap)
	require.Nil(t, p)
	require.True(t, errors.Is(err, structs.ErrNoSuchBoard))
}

func TestPlaceByRectTooLarge(t *testing.T) {
	snap, _ := singleTriadSnapshot(t)
	p, err := placement.Place(structs.JobRequest{Kind: structs.RequestByRect, RectW: 5, RectH: 5}, snap)
	require.Nil(t, p)
	require.ErrorIs(t, err, structs.ErrRequestTooLarge)
}

// TestPlaceByRectSingleTriadToleratesMaxDead covers spec.md §4.3 rule 2's
// w=h=1 special case honoring MaxDead the same way scanRect does for larger
// rectangles: one allocated board in the candidate triad shouldn't block
// placement when MaxDead allows it.
func TestPlaceByRectSingleTriadToleratesMaxDead(t *testing.T) {
	snap, ids := singleTriadSnapshot(t)
	snap.Allocated = set.From([]int64{ids[2]})

	p, err := placement.Place(structs.JobRequest{Kind: structs.RequestByRect, RectW: 1, RectH: 1, MaxDead: 1}, snap)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.ElementsMatch(t, []int64{ids[0], ids[1]}, p.Boards)
	require.Equal(t, 3, p.Depth)
}

// TestPlaceByRectSingleTriadRejectsBeyondMaxDead confirms the same request
// without enough MaxDead tolerance still reports "no room yet" rather than
// silently accepting it.
func TestPlaceByRectSingleTriadRejectsBeyondMaxDead(t *testing.T) {
	snap, ids := singleTriadSnapshot(t)
	snap.Allocated = set.From([]int64{ids[2]})

	p, err := placement.Place(structs.JobRequest{Kind: structs.RequestByRect, RectW: 1, RectH: 1, MaxDead: 0}, snap)
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestPlaceByCountNoRoomReturnsNilWithoutError(t *testing.T) {
	snap, ids := singleTriadSnapshot(t)
	snap.Allocated = set.From(ids[:])
	p, err := placement.Place(structs.JobRequest{Kind: structs.RequestByCount, Count: 1}, snap)
	require.NoError(t, err)
	require.Nil(t, p)
}
