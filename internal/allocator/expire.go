// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package allocator

import (
	"context"
	"fmt"
	"time"

	"github.com/armon/go-metrics"

	"github.com/spalloc-project/spallocd/internal/store"
	"github.com/spalloc-project/spallocd/internal/structs"
)

// ExpireJobs implements spec.md §4.4's expireJobs(): every job whose
// keepalive has lapsed as of now is destroyed, and de-power PendingChanges
// are enqueued for any boards it still holds. It returns how many jobs were
// expired.
func (a *Allocator) ExpireJobs(ctx context.Context, now time.Time) (int, error) {
	var expired []int64
	err := a.store.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		expired, err = a.store.FindExpiredJobs(tx, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("allocator: finding expired jobs: %w", err)
	}

	count := 0
	for _, jobID := range expired {
		if err := a.expireOne(ctx, jobID, now); err != nil {
			a.log.Error("failed to expire job", "job", jobID, "error", err)
			continue
		}
		a.notifier.Notify(jobID)
		count++
	}
	metrics.IncrCounter([]string{"allocator", "expire", "jobs"}, float32(count))
	return count, nil
}

func (a *Allocator) expireOne(ctx context.Context, jobID int64, now time.Time) error {
	return a.store.Transaction(ctx, func(tx *store.Tx) error {
		job, err := a.store.GetJob(tx, jobID)
		if err != nil {
			return err
		}
		boards, err := a.store.JobBoards(tx, jobID)
		if err != nil {
			return err
		}
		if err := a.store.DeleteJobPendingChanges(tx, jobID); err != nil {
			return err
		}

		if len(boards) > 0 {
			if err := a.store.ArchiveJobAllocations(tx, jobID); err != nil {
				return err
			}
			if err := a.store.DeallocateJobBoards(tx, jobID); err != nil {
				return err
			}
			changes := make([]structs.PendingChange, 0, len(boards))
			for _, b := range boards {
				changes = append(changes, structs.PendingChange{
					JobID:     jobID,
					BoardID:   b.ID,
					FromState: job.State,
					ToState:   structs.StateDestroyed,
					PowerOn:   false,
				})
			}
			if err := a.store.IssuePendingChanges(tx, changes); err != nil {
				return err
			}
		}

		if err := a.store.DestroyJob(tx, jobID, a.cfg.ExpireReason, now); err != nil {
			return err
		}
		if err := a.store.DeleteRequest(tx, jobID); err != nil {
			return err
		}
		return a.store.SetJobNumPending(tx, jobID, len(boards))
	})
}
