// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package jobsm_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/spalloc-project/spallocd/internal/jobsm"
	"github.com/spalloc-project/spallocd/internal/store"
	"github.com/spalloc-project/spallocd/internal/structs"
)

type fixture struct {
	st        *store.Store
	machineID int64
	groupID   int64
	userID    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:", store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{st: st}
	err = st.Transaction(context.Background(), func(tx *store.Tx) error {
		var err error
		f.machineID, err = st.InsertMachine(tx, structs.Machine{Name: "spinn4", Width: 1, Height: 1, Depth: 3, InService: true})
		if err != nil {
			return err
		}
		f.groupID, err = st.InsertGroup(tx, structs.Group{Name: "g", Type: structs.GroupInternal})
		if err != nil {
			return err
		}
		f.userID, err = st.InsertUser(tx, structs.User{Name: "alice"})
		if err != nil {
			return err
		}
		return st.AddGroupMember(tx, f.userID, f.groupID)
	})
	require.NoError(t, err)
	return f
}

func TestCreateJobQueuesRequest(t *testing.T) {
	f := newFixture(t)
	sm := jobsm.New(f.st, jobsm.DefaultConfig(), nil, nil)

	job, err := sm.CreateJob(context.Background(), jobsm.CreateRequest{
		Owner:             f.userID,
		MachineName:       "spinn4",
		Request:           structs.JobRequest{Kind: structs.RequestByCount, Count: 1},
		KeepAliveInterval: time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, structs.StateQueued, job.State)
	require.Equal(t, f.machineID, job.MachineID)
	require.Equal(t, f.groupID, job.GroupID)
}

func TestCreateJobRejectsOutOfBoundsKeepalive(t *testing.T) {
	f := newFixture(t)
	sm := jobsm.New(f.st, jobsm.DefaultConfig(), nil, nil)

	_, err := sm.CreateJob(context.Background(), jobsm.CreateRequest{
		Owner:             f.userID,
		MachineName:       "spinn4",
		Request:           structs.JobRequest{Kind: structs.RequestByCount, Count: 1},
		KeepAliveInterval: time.Second,
	})
	require.ErrorIs(t, err, structs.ErrRequestInvalid)
}

func TestDestroyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	sm := jobsm.New(f.st, jobsm.DefaultConfig(), nil, nil)

	job, err := sm.CreateJob(context.Background(), jobsm.CreateRequest{
		Owner:             f.userID,
		MachineName:       "spinn4",
		Request:           structs.JobRequest{Kind: structs.RequestByCount, Count: 1},
		KeepAliveInterval: time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, sm.Destroy(context.Background(), job.ID, "test teardown"))
	require.NoError(t, sm.Destroy(context.Background(), job.ID, "test teardown again"))
}

func TestAccessRequiresOwnerOrAdmin(t *testing.T) {
	f := newFixture(t)
	sm := jobsm.New(f.st, jobsm.DefaultConfig(), nil, nil)

	job, err := sm.CreateJob(context.Background(), jobsm.CreateRequest{
		Owner:             f.userID,
		MachineName:       "spinn4",
		Request:           structs.JobRequest{Kind: structs.RequestByCount, Count: 1},
		KeepAliveInterval: time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, sm.Access(context.Background(), job.ID, f.userID, false, "client-a"))

	otherUser := f.userID + 999
	err = sm.Access(context.Background(), job.ID, otherUser, false, "client-b")
	require.ErrorIs(t, err, structs.ErrUnauthorized)

	require.NoError(t, sm.Access(context.Background(), job.ID, otherUser, true, "admin-client"))
}

func TestWaitForChangeTimesOutWithoutNotify(t *testing.T) {
	f := newFixture(t)
	sm := jobsm.New(f.st, jobsm.DefaultConfig(), nil, nil)

	job, err := sm.CreateJob(context.Background(), jobsm.CreateRequest{
		Owner:             f.userID,
		MachineName:       "spinn4",
		Request:           structs.JobRequest{Kind: structs.RequestByCount, Count: 1},
		KeepAliveInterval: time.Minute,
	})
	require.NoError(t, err)

	start := time.Now()
	got, err := sm.WaitForChange(context.Background(), job.ID, 20*time.Millisecond)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.Equal(t, job.ID, got.ID)
}

func TestWaitForChangeWakesOnNotify(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	sm := jobsm.New(f.st, jobsm.DefaultConfig(), nil, nil)

	job, err := sm.CreateJob(context.Background(), jobsm.CreateRequest{
		Owner:             f.userID,
		MachineName:       "spinn4",
		Request:           structs.JobRequest{Kind: structs.RequestByCount, Count: 1},
		KeepAliveInterval: time.Minute,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = sm.WaitForChange(context.Background(), job.ID, time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	sm.Notify(job.ID)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForChange did not wake up on Notify")
	}
}
