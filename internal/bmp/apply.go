// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package bmp

import (
	"context"
	"fmt"
	"time"

	"github.com/armon/go-metrics"

	"github.com/spalloc-project/spallocd/internal/store"
	"github.com/spalloc-project/spallocd/internal/structs"
)

// applyChange drives one PendingChange through its hardware steps and then
// resolves it against the Store: success deletes the change and may ready
// the job, unrecoverable failure marks the board faulty and requeues the
// job's request excluding it, per spec.md §4.6.
func (c *Controller) applyChange(ctx context.Context, xcvr Transceiver, change structs.PendingChange) error {
	var board structs.Board
	err := c.store.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		board, err = c.store.FindBoardByID(tx, change.BoardID)
		return err
	})
	if err != nil {
		return fmt.Errorf("loading board %d: %w", change.BoardID, err)
	}

	if change.PowerOn {
		ok := c.tryPowerOn(ctx, xcvr, board, change.FPGA)
		if !ok {
			return c.handleFailure(ctx, change)
		}
	} else {
		c.tryPowerOff(ctx, xcvr, board)
	}
	return c.handleSuccess(ctx, change, board)
}

// tryPowerOn implements spec.md §4.6 steps 1-3: issue the power-on command
// (retrying on network error up to BuildAttempts), then poll for FPGA
// readiness up to FPGAAttempts times, writing the requested link state
// (computed per-board by allocator.buildPendingChanges) each attempt. It
// reports false if the board never comes up.
func (c *Controller) tryPowerOn(ctx context.Context, xcvr Transceiver, board structs.Board, fpga structs.FPGALinks) bool {
	c.offLimiterFor(board.ID).Wait(ctx)

	var lastErr error
	for attempt := 0; attempt < c.cfg.PowerAttempts; attempt++ {
		if err := c.withBuildRetry(ctx, func() error { return xcvr.PowerOn(ctx, board.Physical) }); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		metrics.IncrCounter([]string{"bmp", "power_on", "failed"}, 1)
		return false
	}

	for attempt := 0; attempt < c.cfg.FPGAAttempts; attempt++ {
		if err := xcvr.WriteFPGALinks(ctx, board.Physical, fpga); err != nil {
			continue
		}
		up, err := xcvr.VerifyFPGAUp(ctx, board.Physical)
		if err == nil && up {
			metrics.IncrCounter([]string{"bmp", "power_on", "succeeded"}, 1)
			return true
		}
		time.Sleep(c.cfg.ProbeInterval)
	}
	metrics.IncrCounter([]string{"bmp", "fpga_init", "failed"}, 1)
	return false
}

// tryPowerOff powers a board down; power-off has no FPGA-readiness check so
// it cannot itself fail the owning job (spec.md only requires throttling a
// subsequent power-on, not retrying the off command past BuildAttempts).
func (c *Controller) tryPowerOff(ctx context.Context, xcvr Transceiver, board structs.Board) {
	_ = c.withBuildRetry(ctx, func() error { return xcvr.PowerOff(ctx, board.Physical) })
}

// withBuildRetry retries a transceiver call up to BuildAttempts times,
// matching spec.md step 2's "on network error during build-up, retry".
func (c *Controller) withBuildRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < c.cfg.BuildAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// handleSuccess implements the "under a transaction" half of spec.md §4.6:
// delete the change, update the board's powered flag, and ready the job if
// this was its last outstanding change.
func (c *Controller) handleSuccess(ctx context.Context, change structs.PendingChange, board structs.Board) error {
	now := time.Now()
	err := c.store.Transaction(ctx, func(tx *store.Tx) error {
		if err := c.store.DeletePendingChange(tx, change.ID); err != nil {
			return err
		}
		if err := c.store.SetBoardPower(tx, board.ID, change.PowerOn, now); err != nil {
			return err
		}

		job, err := c.store.GetJob(tx, change.JobID)
		if err != nil {
			return err
		}
		remaining, err := c.store.CountJobPendingChanges(tx, change.JobID)
		if err != nil {
			return err
		}
		if err := c.store.SetJobNumPending(tx, change.JobID, remaining); err != nil {
			return err
		}

		if job.State == structs.StatePower && remaining == 0 {
			if err := c.store.SetJobState(tx, change.JobID, structs.StateReady); err != nil {
				return err
			}
			c.faults.Clear(change.JobID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.notifier.Notify(change.JobID)
	return nil
}

// handleFailure implements spec.md §4.6's unrecoverable-failure path: the
// offending board is marked faulty for this job, every board the job holds
// is deallocated, its pending changes are wiped, and it is requeued in
// QUEUED so Allocator retries excluding the faulty board(s). A job that is
// no longer in POWER (for instance one destroyed meanwhile) is left as it is.
func (c *Controller) handleFailure(ctx context.Context, change structs.PendingChange) error {
	c.faults.Mark(change.JobID, change.BoardID)
	metrics.IncrCounter([]string{"bmp", "allocation", "requeued"}, 1)

	now := time.Now()
	err := c.store.Transaction(ctx, func(tx *store.Tx) error {
		job, err := c.store.GetJob(tx, change.JobID)
		if err != nil {
			return err
		}
		if job.State != structs.StatePower {
			return nil
		}

		if err := c.store.DeallocateJobBoards(tx, change.JobID); err != nil {
			return err
		}
		if err := c.store.DeleteJobPendingChanges(tx, change.JobID); err != nil {
			return err
		}
		if err := c.store.SetJobState(tx, change.JobID, structs.StateQueued); err != nil {
			return err
		}
		if err := c.store.SetJobNumPending(tx, change.JobID, 0); err != nil {
			return err
		}

		size := 1
		if job.AllocationSize != nil {
			size = *job.AllocationSize
		}
		req := structs.JobRequest{
			JobID:     change.JobID,
			Kind:      structs.RequestByCount,
			Count:     size,
			CreatedAt: now,
		}
		_, err = c.store.InsertRequest(tx, req)
		return err
	})
	if err != nil {
		return fmt.Errorf("requeuing job %d after board %d failure: %w", change.JobID, change.BoardID, err)
	}
	c.notifier.Notify(change.JobID)

	return c.reportRepeatedFailure(ctx, change.BoardID, change.JobID)
}

// reportRepeatedFailure increments the board's issue count and takes it out
// of service once it crosses ReportActionThreshold, per spec.md §4.6's
// final bullet.
func (c *Controller) reportRepeatedFailure(ctx context.Context, boardID, jobID int64) error {
	now := time.Now()
	return c.store.Transaction(ctx, func(tx *store.Tx) error {
		if err := c.store.InsertBoardReport(tx, boardID, &jobID, "bmp-controller", "power-on failed after repeated retries", now); err != nil {
			return err
		}
		count, err := c.store.BoardReportCount(tx, boardID)
		if err != nil {
			return err
		}
		if count >= c.cfg.ReportActionThreshold {
			return c.store.SetBoardEnabled(tx, boardID, false)
		}
		return nil
	})
}
