// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

// Package scheduler implements spec.md §4.7's Clock/Scheduler: the periodic
// triggers that drive Allocator's allocate/expireJobs/tombstone/consolidate
// and BMPController's processRequests. It holds no scheduling logic of its
// own beyond timing — every task it fires is a plain method call so tests
// can invoke each one directly while the Scheduler itself stays paused.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/hashicorp/go-hclog"
	tomb "gopkg.in/tomb.v1"

	"github.com/spalloc-project/spallocd/internal/allocator"
	"github.com/spalloc-project/spallocd/internal/bmp"
)

// Config holds the cadence of every periodic task spec.md §4.7 names.
type Config struct {
	AllocatePeriod         time.Duration
	ExpirePeriod           time.Duration
	ProcessRequestsPeriod  time.Duration
	ProcessRequestsTimeout time.Duration
	ConsolidationSchedule  string // cron expression
	HistoricalDataSchedule string // cron expression
}

// DefaultConfig matches the approximate cadences spec.md §4.7 names.
func DefaultConfig() Config {
	return Config{
		AllocatePeriod:         5 * time.Second,
		ExpirePeriod:           30 * time.Second,
		ProcessRequestsPeriod:  10 * time.Second,
		ProcessRequestsTimeout: 8 * time.Second,
		ConsolidationSchedule:  "* * * * *", // once a minute
		HistoricalDataSchedule: "0 3 * * *", // nightly at 03:00
	}
}

// Scheduler fires Allocator and BMPController operations on independent
// timers. It may be globally paused so tests can invoke each task directly
// without racing a background goroutine.
type Scheduler struct {
	cfg  Config
	alloc *allocator.Allocator
	bmp   *bmp.Controller
	log   hclog.Logger

	paused atomic.Bool

	consolidateExpr  *cronexpr.Expression
	historicalExpr   *cronexpr.Expression

	t tomb.Tomb
}

// New builds a Scheduler wired to the given Allocator and BMPController.
func New(cfg Config, alloc *allocator.Allocator, controller *bmp.Controller, log hclog.Logger) (*Scheduler, error) {
	consolidateExpr, err := cronexpr.Parse(cfg.ConsolidationSchedule)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parsing quota.consolidationSchedule: %w", err)
	}
	historicalExpr, err := cronexpr.Parse(cfg.HistoricalDataSchedule)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parsing historicalData.schedule: %w", err)
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Scheduler{
		cfg:             cfg,
		alloc:           alloc,
		bmp:             controller,
		log:             log.Named("scheduler"),
		consolidateExpr: consolidateExpr,
		historicalExpr:  historicalExpr,
	}, nil
}

// Pause stops every timer-driven task from firing; already-running tasks
// finish normally. Used by tests that want to invoke tasks directly.
func (s *Scheduler) Pause() { s.paused.Store(true) }

// Resume re-enables timer-driven firing.
func (s *Scheduler) Resume() { s.paused.Store(false) }

// Run starts the Scheduler's background goroutines. Call Stop to shut it
// down.
func (s *Scheduler) Run() {
	var wg sync.WaitGroup
	start := func(loop func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.t.Kill(loop())
		}()
	}
	start(func() error { return s.periodic("allocate", s.cfg.AllocatePeriod, s.TriggerAllocate) })
	start(func() error { return s.periodic("expire", s.cfg.ExpirePeriod, s.TriggerExpire) })
	start(func() error {
		return s.periodic("processRequests", s.cfg.ProcessRequestsPeriod, s.TriggerProcessRequests)
	})
	start(func() error { return s.cronLoop("consolidate", s.consolidateExpr, s.TriggerConsolidate) })
	start(func() error { return s.cronLoop("historicalData", s.historicalExpr, s.TriggerHistoricalData) })
	go func() {
		wg.Wait()
		s.t.Done()
	}()
}

// Stop signals every background goroutine to exit and waits for them.
func (s *Scheduler) Stop() error {
	s.t.Kill(nil)
	return s.t.Wait()
}

func (s *Scheduler) periodic(name string, period time.Duration, task func(context.Context) error) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.t.Dying():
			return nil
		case <-ticker.C:
			if s.paused.Load() {
				continue
			}
			if err := task(context.Background()); err != nil {
				s.log.Error("periodic task failed", "task", name, "error", err)
			}
		}
	}
}

func (s *Scheduler) cronLoop(name string, expr *cronexpr.Expression, task func(context.Context) error) error {
	for {
		next := expr.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.t.Dying():
			timer.Stop()
			return nil
		case <-timer.C:
			if s.paused.Load() {
				continue
			}
			if err := task(context.Background()); err != nil {
				s.log.Error("cron task failed", "task", name, "error", err)
			}
		}
	}
}

// TriggerAllocate runs one Allocator.Allocate pass. Exposed for direct test
// invocation while the Scheduler is paused.
func (s *Scheduler) TriggerAllocate(ctx context.Context) error {
	_, err := s.alloc.Allocate(ctx)
	return err
}

// TriggerExpire runs one Allocator.ExpireJobs pass.
func (s *Scheduler) TriggerExpire(ctx context.Context) error {
	_, err := s.alloc.ExpireJobs(ctx, time.Now())
	return err
}

// TriggerProcessRequests runs one BMPController.ProcessRequests pass.
func (s *Scheduler) TriggerProcessRequests(ctx context.Context) error {
	_, err := s.bmp.ProcessRequests(ctx, s.cfg.ProcessRequestsTimeout)
	return err
}

// TriggerConsolidate runs one Allocator.Consolidate pass.
func (s *Scheduler) TriggerConsolidate(ctx context.Context) error {
	_, err := s.alloc.Consolidate(ctx, time.Now())
	return err
}

// TriggerHistoricalData runs one Allocator.Tombstone pass.
func (s *Scheduler) TriggerHistoricalData(ctx context.Context) error {
	_, _, err := s.alloc.Tombstone(ctx, time.Now())
	return err
}
