// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package topology_test

import (
	"testing"

	"github.com/hashicorp/go-set/v3"
	"github.com/stretchr/testify/require"

	"github.com/spalloc-project/spallocd/internal/structs"
	"github.com/spalloc-project/spallocd/internal/topology"
)

// threeBoardTriad builds one triad (z=0,1,2 at the same x,y) with a live
// chain of links 10<->11<->12 (no direct 10<->12 link), the minimal fixture
// spec.md §4.1's within-triad wiring rule describes.
func threeBoardTriad(t *testing.T) (*topology.Topology, [3]int64) {
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
	return topo, [3]int64{10, 11, 12}
}

func TestBoardByIDAndAllBoards(t *testing.T) {
	topo, ids := threeBoardTriad(t)

	b, ok := topo.BoardByID(ids[0])
	require.True(t, ok)
	require.Equal(t, ids[0], b.ID)

	_, ok = topo.BoardByID(999)
	require.False(t, ok)

	all := topo.AllBoards()
	require.Len(t, all, 3)
}

func TestNeighbourAndLinkLive(t *testing.T) {
	topo, ids := threeBoardTriad(t)

	n, ok := topo.Neighbour(ids[0], structs.N)
	require.True(t, ok)
	require.Equal(t, ids[1], n.ID)
	require.True(t, topo.LinkLive(ids[0], structs.N))

	_, ok = topo.Neighbour(ids[0], structs.E)
	require.False(t, ok)
}

func TestPathConnected(t *testing.T) {
	topo, ids := threeBoardTriad(t)

	all := set.From(ids[:])
	require.True(t, topo.PathConnected(all))

	disjoint := set.From([]int64{ids[0], ids[2]})
	require.False(t, topo.PathConnected(disjoint))
}

func TestWrap(t *testing.T) {
	machine := structs.Machine{ID: 2, Name: "wrapped", Width: 2, Height: 2, Depth: 3, HWrap: true, VWrap: true}
	topo, err := topology.Load(machine, nil, nil)
	require.NoError(t, err)

	x, y := topo.Wrap(-1, 2)
	require.Equal(t, 1, x)
	require.Equal(t, 0, y)
}
