// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package allocator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spalloc-project/spallocd/internal/allocator"
	"github.com/spalloc-project/spallocd/internal/store"
	"github.com/spalloc-project/spallocd/internal/structs"
)

// setupMachine seeds a 1-triad, 3-board machine (b0,b1,b2 at z=0,1,2), the
// fixture spec.md §8's end-to-end scenarios are all written against.
func setupMachine(t *testing.T, st *store.Store) (machineID int64, boardIDs [3]int64) {
	t.Helper()
	err := st.Transaction(context.Background(), func(tx *store.Tx) error {
		var err error
		machineID, err = st.InsertMachine(tx, structs.Machine{
			Name: "test", Width: 1, Height: 1, Depth: 3, InService: true,
		})
		if err != nil {
			return err
		}
		bmpID, err := st.InsertBMP(tx, structs.BMP{MachineID: machineID, Address: "10.0.0.1", Cabinet: 0, Frame: 0})
		if err != nil {
			return err
		}
		for z := 0; z < 3; z++ {
			id, err := st.InsertBoard(tx, structs.Board{
				MachineID: machineID,
				Triad:     structs.Coord3{X: 0, Y: 0, Z: z},
				Physical:  structs.Physical{Cabinet: 0, Frame: 0, Board: z},
				IPAddress: "10.0.0." + string(rune('2'+z)),
				BMPID:     bmpID,
				Enabled:   true,
			})
			if err != nil {
				return err
			}
			boardIDs[z] = id
		}
		return nil
	})
	require.NoError(t, err)
	return machineID, boardIDs
}

// TestAllocateByCountOne is spec.md §8's S1: a ByCount{n:1} request is
// placed in one allocate() pass.
func TestAllocateByCountOne(t *testing.T) {
	st, err := store.Open(":memory:", store.DefaultConfig())
	require.NoError(t, err)
	defer st.Close()

	machineID, _ := setupMachine(t, st)

	var jobID int64
	ctx := context.Background()
	err = st.Transaction(ctx, func(tx *store.Tx) error {
		groupID, err := st.InsertGroup(tx, structs.Group{Name: "g", Type: structs.GroupInternal})
		if err != nil {
			return err
		}
		userID, err := st.InsertUser(tx, structs.User{Name: "u"})
		if err != nil {
			return err
		}
		if err := st.AddGroupMember(tx, userID, groupID); err != nil {
			return err
		}
		jobID, err = st.InsertJob(tx, structs.Job{
			MachineID: machineID, OwnerID: userID, GroupID: groupID, State: structs.StateQueued,
		})
		if err != nil {
			return err
		}
		_, err = st.InsertRequest(tx, structs.JobRequest{JobID: jobID, Kind: structs.RequestByCount, Count: 1})
		return err
	})
	require.NoError(t, err)

	alloc := allocator.New(st, allocator.DefaultConfig(), nil, nil, nil)
	require.NoError(t, alloc.LoadTopology(ctx, machineID))

	placed, err := alloc.Allocate(ctx)
	require.NoError(t, err)
	require.True(t, placed)

	var job structs.Job
	var pending int
	err = st.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		job, err = st.GetJob(tx, jobID)
		if err != nil {
			return err
		}
		pending, err = st.CountJobPendingChanges(tx, jobID)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, structs.StatePower, job.State)
	require.Equal(t, 1, pending)
	require.NotNil(t, job.RootBoardID)
}

// TestAllocateByBoardRejectsUnknownBoard covers the permanent-rejection
// path (structs.ErrNoSuchBoard) feeding rejectRequest's destroy-the-job
// behaviour, distinct from the RequestTooLarge case S3 exercises.
func TestAllocateByBoardRejectsUnknownBoard(t *testing.T) {
	st, err := store.Open(":memory:", store.DefaultConfig())
	require.NoError(t, err)
	defer st.Close()

	machineID, _ := setupMachine(t, st)
	ctx := context.Background()

	var jobID int64
	err = st.Transaction(ctx, func(tx *store.Tx) error {
		groupID, err := st.InsertGroup(tx, structs.Group{Name: "g", Type: structs.GroupInternal})
		if err != nil {
			return err
		}
		userID, err := st.InsertUser(tx, structs.User{Name: "u"})
		if err != nil {
			return err
		}
		jobID, err = st.InsertJob(tx, structs.Job{MachineID: machineID, OwnerID: userID, GroupID: groupID, State: structs.StateQueued})
		if err != nil {
			return err
		}
		missing := int64(999999)
		_, err = st.InsertRequest(tx, structs.JobRequest{JobID: jobID, Kind: structs.RequestByBoard, BoardID: &missing})
		return err
	})
	require.NoError(t, err)

	alloc := allocator.New(st, allocator.DefaultConfig(), nil, nil, nil)
	require.NoError(t, alloc.LoadTopology(ctx, machineID))
	_, err = alloc.Allocate(ctx)
	require.NoError(t, err)

	var job structs.Job
	err = st.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		job, err = st.GetJob(tx, jobID)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, structs.StateDestroyed, job.State)
}

// TestAllocateByBoardResolvesPhysAddr covers one of the two Store-level
// addressing modes resolveBoardAddressing fills in before Placement ever
// runs: a ByBoard request carrying only a Physical address still places.
func TestAllocateByBoardResolvesPhysAddr(t *testing.T) {
	st, err := store.Open(":memory:", store.DefaultConfig())
	require.NoError(t, err)
	defer st.Close()

	machineID, boardIDs := setupMachine(t, st)
	ctx := context.Background()

	var jobID int64
	err = st.Transaction(ctx, func(tx *store.Tx) error {
		groupID, err := st.InsertGroup(tx, structs.Group{Name: "g", Type: structs.GroupInternal})
		if err != nil {
			return err
		}
		userID, err := st.InsertUser(tx, structs.User{Name: "u"})
		if err != nil {
			return err
		}
		jobID, err = st.InsertJob(tx, structs.Job{MachineID: machineID, OwnerID: userID, GroupID: groupID, State: structs.StateQueued})
		if err != nil {
			return err
		}
		phys := structs.Physical{Cabinet: 0, Frame: 0, Board: 0}
		_, err = st.InsertRequest(tx, structs.JobRequest{JobID: jobID, Kind: structs.RequestByBoard, PhysAddr: &phys})
		return err
	})
	require.NoError(t, err)

	alloc := allocator.New(st, allocator.DefaultConfig(), nil, nil, nil)
	require.NoError(t, alloc.LoadTopology(ctx, machineID))
	placed, err := alloc.Allocate(ctx)
	require.NoError(t, err)
	require.True(t, placed)

	var job structs.Job
	err = st.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		job, err = st.GetJob(tx, jobID)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, structs.StatePower, job.State)
	require.NotNil(t, job.RootBoardID)
	require.Equal(t, boardIDs[0], *job.RootBoardID)
}

// TestAllocateByBoardResolvesIPAddress mirrors the PhysAddr case for the
// other resolveBoardAddressing branch.
func TestAllocateByBoardResolvesIPAddress(t *testing.T) {
	st, err := store.Open(":memory:", store.DefaultConfig())
	require.NoError(t, err)
	defer st.Close()

	machineID, boardIDs := setupMachine(t, st)
	ctx := context.Background()

	var jobID int64
	err = st.Transaction(ctx, func(tx *store.Tx) error {
		groupID, err := st.InsertGroup(tx, structs.Group{Name: "g", Type: structs.GroupInternal})
		if err != nil {
			return err
		}
		userID, err := st.InsertUser(tx, structs.User{Name: "u"})
		if err != nil {
			return err
		}
		jobID, err = st.InsertJob(tx, structs.Job{MachineID: machineID, OwnerID: userID, GroupID: groupID, State: structs.StateQueued})
		if err != nil {
			return err
		}
		ip := "10.0.0.2"
		_, err = st.InsertRequest(tx, structs.JobRequest{JobID: jobID, Kind: structs.RequestByBoard, IPAddress: &ip})
		return err
	})
	require.NoError(t, err)

	alloc := allocator.New(st, allocator.DefaultConfig(), nil, nil, nil)
	require.NoError(t, alloc.LoadTopology(ctx, machineID))
	placed, err := alloc.Allocate(ctx)
	require.NoError(t, err)
	require.True(t, placed)

	var job structs.Job
	err = st.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		job, err = st.GetJob(tx, jobID)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, structs.StatePower, job.State)
	require.NotNil(t, job.RootBoardID)
	require.Equal(t, boardIDs[0], *job.RootBoardID)
}
