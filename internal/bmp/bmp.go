// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

// Package bmp implements spec.md §4.6's BMPController: one serializing
// worker per board management processor, driving PendingChanges to
// completion with bounded retry, throttled power cycling, and fault-aware
// requeueing back to the Allocator.
package bmp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	tomb "gopkg.in/tomb.v1"

	"github.com/spalloc-project/spallocd/internal/store"
	"github.com/spalloc-project/spallocd/internal/structs"
)

// Notifier wakes any caller blocked in JobSM.WaitForChange for a given job.
// JobSM satisfies this structurally; Controller holds one so a job's
// POWER->READY and POWER->QUEUED (fault requeue) transitions are observed
// promptly instead of only after a WaitForChange timeout.
type Notifier interface {
	Notify(jobID int64)
}

type noopNotifier struct{}

func (noopNotifier) Notify(int64) {}

// Controller runs processRequests on a timer and owns one Transceiver
// connection per BMP, opened lazily and kept for the controller's life.
type Controller struct {
	store    *store.Store
	cfg      Config
	dialer   Dialer
	faults   *faultTracker
	notifier Notifier
	log      hclog.Logger

	mu        sync.Mutex
	conns     map[int64]Transceiver
	offLimits map[int64]*rate.Limiter

	t tomb.Tomb
}

// New builds a Controller. dialer may be nil, in which case it defaults to
// DummyDialer (equivalent to transceiver.dummy=true). notifier may be nil,
// in which case job state changes are not announced to any waiter.
func New(st *store.Store, cfg Config, dialer Dialer, notifier Notifier, log hclog.Logger) *Controller {
	if dialer == nil || cfg.Dummy {
		dialer = DummyDialer{}
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Controller{
		store:     st,
		cfg:       cfg,
		dialer:    dialer,
		faults:    newFaultTracker(),
		notifier:  notifier,
		log:       log.Named("bmp"),
		conns:     make(map[int64]Transceiver),
		offLimits: make(map[int64]*rate.Limiter),
	}
}

// FaultyBoards implements allocator.FaultProvider.
func (c *Controller) FaultyBoards(jobID int64) []int64 { return c.faults.FaultyBoards(jobID) }

// Run drives processRequests on cfg.Period until Stop is called, in its own
// tomb-supervised goroutine.
func (c *Controller) Run() {
	go func() {
		defer c.t.Done()
		c.t.Kill(c.loop())
	}()
}

func (c *Controller) loop() error {
	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-c.t.Dying():
			return nil
		case <-ticker.C:
			if _, err := c.ProcessRequests(context.Background(), c.cfg.Period); err != nil {
				c.log.Error("process requests failed", "error", err)
			}
		}
	}
}

// Stop signals the background loop to exit and waits for it to finish.
func (c *Controller) Stop() error {
	c.t.Kill(nil)
	return c.t.Wait()
}

// ProcessRequests implements spec.md §4.6's processRequests(timeout): scan
// every BMP across every machine for pending changes and drive each to
// completion, in parallel across BMPs and serialized within one. It returns
// true if the whole system was quiescent (no pending changes found at all).
func (c *Controller) ProcessRequests(ctx context.Context, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bmps []structs.BMP
	err := c.store.Transaction(ctx, func(tx *store.Tx) error {
		machines, err := c.store.ListMachines(tx)
		if err != nil {
			return err
		}
		for _, m := range machines {
			ms, err := c.store.ListMachineBMPs(tx, m.ID)
			if err != nil {
				return err
			}
			bmps = append(bmps, ms...)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("bmp: listing BMPs: %w", err)
	}

	quiescent := true
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range bmps {
		b := b
		g.Go(func() error {
			did, err := c.processBMP(gctx, b)
			if err != nil {
				c.log.Error("bmp worker failed", "bmp", b.ID, "error", err)
				return nil // one BMP's failure never aborts the others
			}
			if did {
				mu.Lock()
				quiescent = false
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return quiescent, nil
}

// processBMP drains one BMP's pending changes strictly in FIFO order,
// satisfying the same-board and same-BMP serialization guarantee of
// spec.md §4.6. It returns true if it processed at least one change.
func (c *Controller) processBMP(ctx context.Context, b structs.BMP) (bool, error) {
	xcvr, err := c.transceiverFor(ctx, b)
	if err != nil {
		return false, fmt.Errorf("bmp %d: dial: %w", b.ID, err)
	}

	did := false
	for {
		if ctx.Err() != nil {
			return did, nil
		}
		var changes []structs.PendingChange
		err := c.store.Transaction(ctx, func(tx *store.Tx) error {
			var err error
			changes, err = c.store.BMPPendingChanges(tx, b.ID)
			return err
		})
		if err != nil {
			return did, err
		}
		if len(changes) == 0 {
			return did, nil
		}

		change := changes[0]
		if err := c.applyChange(ctx, xcvr, change); err != nil {
			c.log.Error("pending change failed permanently", "change", change.ID, "board", change.BoardID, "error", err)
		}
		did = true
	}
}

func (c *Controller) transceiverFor(ctx context.Context, b structs.BMP) (Transceiver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if x, ok := c.conns[b.ID]; ok {
		return x, nil
	}
	x, err := c.dialer.Dial(ctx, b.Address)
	if err != nil {
		return nil, err
	}
	c.conns[b.ID] = x
	return x, nil
}

func (c *Controller) offLimiterFor(boardID int64) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.offLimits[boardID]
	if !ok {
		l = rate.NewLimiter(rate.Every(c.cfg.OffWaitTime), 1)
		l.Allow() // consume the initial burst token so the first power-on still waits a full period after a fresh board
		c.offLimits[boardID] = l
	}
	return l
}
