// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package bmp_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spalloc-project/spallocd/internal/bmp"
	"github.com/spalloc-project/spallocd/internal/store"
	"github.com/spalloc-project/spallocd/internal/structs"
)

// seedPoweringJob inserts a machine/BMP/board and a job sitting in POWER
// with one outstanding power-on PendingChange — the state Allocator leaves
// behind after commitPlacement, and the state processBMP picks up from. fpga
// is the link state buildPendingChanges would have computed for this board.
func seedPoweringJob(t *testing.T, st *store.Store, fpga structs.FPGALinks) (jobID, boardID int64) {
	t.Helper()
	ctx := context.Background()
	err := st.Transaction(ctx, func(tx *store.Tx) error {
		machineID, err := st.InsertMachine(tx, structs.Machine{Name: "m", Width: 1, Height: 1, Depth: 1, InService: true})
		if err != nil {
			return err
		}
		bmpID, err := st.InsertBMP(tx, structs.BMP{MachineID: machineID, Address: "10.0.0.1"})
		if err != nil {
			return err
		}
		boardID, err = st.InsertBoard(tx, structs.Board{MachineID: machineID, BMPID: bmpID, Enabled: true})
		if err != nil {
			return err
		}
		groupID, err := st.InsertGroup(tx, structs.Group{Name: "g", Type: structs.GroupInternal})
		if err != nil {
			return err
		}
		userID, err := st.InsertUser(tx, structs.User{Name: "u"})
		if err != nil {
			return err
		}
		jobID, err = st.InsertJob(tx, structs.Job{MachineID: machineID, OwnerID: userID, GroupID: groupID})
		if err != nil {
			return err
		}
		if err := st.SetJobAllocation(tx, jobID, 1, 1, 1, boardID, 1, time.Now(), 1); err != nil {
			return err
		}
		return st.IssuePendingChanges(tx, []structs.PendingChange{{
			JobID: jobID, BoardID: boardID, FromState: structs.StateQueued, ToState: structs.StatePower, PowerOn: true, FPGA: fpga,
		}})
	})
	require.NoError(t, err)
	return jobID, boardID
}

// capturingDialer wraps bmp.DummyDialer and remembers the *bmp.DummyTransceiver
// it vends per address, so a test can inspect what was written to it after a
// ProcessRequests pass.
type capturingDialer struct {
	mu   sync.Mutex
	seen map[string]*bmp.DummyTransceiver
}

func (c *capturingDialer) Dial(ctx context.Context, address string) (bmp.Transceiver, error) {
	x, err := (bmp.DummyDialer{}).Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	d := x.(*bmp.DummyTransceiver)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = make(map[string]*bmp.DummyTransceiver)
	}
	c.seen[address] = d
	return d, nil
}

func fastConfig() bmp.Config {
	cfg := bmp.DefaultConfig()
	cfg.Dummy = true
	cfg.OffWaitTime = time.Millisecond
	cfg.ProbeInterval = time.Millisecond
	return cfg
}

func TestProcessRequestsPowersOnAndReadiesJob(t *testing.T) {
	st, err := store.Open(":memory:", store.DefaultConfig())
	require.NoError(t, err)
	defer st.Close()

	jobID, _ := seedPoweringJob(t, st, structs.FPGALinks{})

	ctrl := bmp.New(st, fastConfig(), nil, nil, nil)
	quiescent, err := ctrl.ProcessRequests(context.Background(), time.Second)
	require.NoError(t, err)
	require.False(t, quiescent)

	var job structs.Job
	var pending int
	err = st.Transaction(context.Background(), func(tx *store.Tx) error {
		var err error
		job, err = st.GetJob(tx, jobID)
		if err != nil {
			return err
		}
		pending, err = st.CountJobPendingChanges(tx, jobID)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, structs.StateReady, job.State)
	require.Zero(t, pending)
	require.Empty(t, ctrl.FaultyBoards(jobID))
}

func TestProcessRequestsWritesComputedFPGALinks(t *testing.T) {
	st, err := store.Open(":memory:", store.DefaultConfig())
	require.NoError(t, err)
	defer st.Close()

	wantFPGA := structs.FPGALinks{North: true, East: true}
	jobID, boardID := seedPoweringJob(t, st, wantFPGA)

	var board structs.Board
	err = st.Transaction(context.Background(), func(tx *store.Tx) error {
		var err error
		board, err = st.FindBoardByID(tx, boardID)
		return err
	})
	require.NoError(t, err)

	cfg := fastConfig()
	cfg.Dummy = false
	dialer := &capturingDialer{}
	ctrl := bmp.New(st, cfg, dialer, nil, nil)

	_, err = ctrl.ProcessRequests(context.Background(), time.Second)
	require.NoError(t, err)

	var job structs.Job
	err = st.Transaction(context.Background(), func(tx *store.Tx) error {
		var err error
		job, err = st.GetJob(tx, jobID)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, structs.StateReady, job.State)

	xcvr, ok := dialer.seen["10.0.0.1"]
	require.True(t, ok, "controller never dialed the seeded BMP")
	require.Equal(t, wantFPGA, xcvr.LastFPGALinks(board.Physical))
}

func TestProcessRequestsIsQuiescentWhenEmpty(t *testing.T) {
	st, err := store.Open(":memory:", store.DefaultConfig())
	require.NoError(t, err)
	defer st.Close()

	ctrl := bmp.New(st, fastConfig(), nil, nil, nil)
	quiescent, err := ctrl.ProcessRequests(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, quiescent)
}
