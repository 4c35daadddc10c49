// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spalloc-project/spallocd/internal/allocator"
	"github.com/spalloc-project/spallocd/internal/bmp"
	"github.com/spalloc-project/spallocd/internal/scheduler"
	"github.com/spalloc-project/spallocd/internal/store"
)

func newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	st, err := store.Open(":memory:", store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	alloc := allocator.New(st, allocator.DefaultConfig(), nil, nil, nil)
	ctrl := bmp.New(st, bmp.DefaultConfig(), nil, nil, nil)

	sched, err := scheduler.New(scheduler.DefaultConfig(), alloc, ctrl, nil)
	require.NoError(t, err)
	return sched
}

func TestTriggersRunAgainstEmptyStore(t *testing.T) {
	sched := newScheduler(t)
	ctx := context.Background()

	require.NoError(t, sched.TriggerAllocate(ctx))
	require.NoError(t, sched.TriggerExpire(ctx))
	require.NoError(t, sched.TriggerProcessRequests(ctx))
	require.NoError(t, sched.TriggerConsolidate(ctx))
	require.NoError(t, sched.TriggerHistoricalData(ctx))
}

func TestPauseResumeAreIndependentOfTriggers(t *testing.T) {
	sched := newScheduler(t)
	sched.Pause()
	require.NoError(t, sched.TriggerAllocate(context.Background()))
	sched.Resume()
	require.NoError(t, sched.TriggerAllocate(context.Background()))
}

func TestNewRejectsInvalidCronExpression(t *testing.T) {
	st, err := store.Open(":memory:", store.DefaultConfig())
	require.NoError(t, err)
	defer st.Close()

	alloc := allocator.New(st, allocator.DefaultConfig(), nil, nil, nil)
	ctrl := bmp.New(st, bmp.DefaultConfig(), nil, nil, nil)

	cfg := scheduler.DefaultConfig()
	cfg.ConsolidationSchedule = "not a cron expression"
	_, err = scheduler.New(cfg, alloc, ctrl, nil)
	require.Error(t, err)
}
