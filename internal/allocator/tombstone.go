// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package allocator

import (
	"context"
	"fmt"
	"time"

	"github.com/armon/go-metrics"

	"github.com/spalloc-project/spallocd/internal/store"
)

// Tombstone implements spec.md §4.4's tombstone(): it moves every DESTROYED
// job older than the configured grace period into historical storage and
// returns the counts (numJobs, numAllocations) it archived.
func (a *Allocator) Tombstone(ctx context.Context, now time.Time) (numJobs, numAllocations int, err error) {
	err = a.store.Transaction(ctx, func(tx *store.Tx) error {
		var txErr error
		numJobs, numAllocations, txErr = a.store.Tombstone(tx, now, a.cfg.TombstoneGracePeriod)
		return txErr
	})
	if err != nil {
		return 0, 0, fmt.Errorf("allocator: tombstoning: %w", err)
	}
	metrics.IncrCounter([]string{"allocator", "tombstone", "jobs"}, float32(numJobs))
	metrics.IncrCounter([]string{"allocator", "tombstone", "allocations"}, float32(numAllocations))
	return numJobs, numAllocations, nil
}

// Consolidate implements spec.md §4.4's consolidate(): for each destroyed
// job not yet folded into its group's quota, subtract
// allocationSize × (deathTs − allocationTs) board-seconds from that group
// and mark the job consolidated. It returns how many jobs were folded in.
func (a *Allocator) Consolidate(ctx context.Context, now time.Time) (int, error) {
	var targets []store.ConsolidationTarget
	err := a.store.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		targets, err = a.store.ConsolidationTargets(tx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("allocator: reading consolidation targets: %w", err)
	}

	count := 0
	for _, t := range targets {
		deathTS := t.DeathTS
		if deathTS.IsZero() {
			deathTS = now
		}
		allocTS := t.AllocationTS
		if allocTS.IsZero() || deathTS.Before(allocTS) {
			continue
		}
		elapsed := deathTS.Sub(allocTS).Seconds()
		delta := int64(float64(t.AllocationSize) * elapsed)

		err := a.store.Transaction(ctx, func(tx *store.Tx) error {
			if err := a.store.AdjustGroupQuota(tx, t.GroupID, delta); err != nil {
				return err
			}
			return a.store.MarkConsolidated(tx, t.JobID)
		})
		if err != nil {
			a.log.Error("failed to consolidate job", "job", t.JobID, "error", err)
			continue
		}
		count++
	}
	metrics.IncrCounter([]string{"allocator", "consolidate", "jobs"}, float32(count))
	return count, nil
}
