// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

// Package allocator implements the periodic scheduling pass of spec.md
// §4.4: picking the next outstanding request by importance, calling
// Placement against a fresh machine snapshot, and committing the result
// (or the job's demise) back to the Store. It also owns the three other
// public operations spec.md groups under the Allocator component:
// expireJobs, tombstone and consolidate.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"

	"github.com/spalloc-project/spallocd/internal/placement"
	"github.com/spalloc-project/spallocd/internal/store"
	"github.com/spalloc-project/spallocd/internal/structs"
	"github.com/spalloc-project/spallocd/internal/topology"
)

// PriorityScale holds the per-shape importance multipliers of spec.md §6's
// allocator.priorityScale.* option group.
type PriorityScale struct {
	Size          float64
	Dimensions    float64
	SpecificBoard float64
}

// DefaultPriorityScale matches the defaults named in spec.md §4.4.
func DefaultPriorityScale() PriorityScale {
	return PriorityScale{Size: 1.0, Dimensions: 1.5, SpecificBoard: 65.0}
}

// Config holds the allocator.* option group of spec.md §6.
type Config struct {
	Period                time.Duration
	ImportanceSpan         float64
	PriorityScale          PriorityScale
	ReportActionThreshold  int
	ImportanceBumpPerPass  float64
	ExpireReason           string
	TombstoneGracePeriod   time.Duration
}

// DefaultConfig returns conservative defaults for every allocator.* key.
func DefaultConfig() Config {
	return Config{
		Period:                5 * time.Second,
		ImportanceSpan:        100.0,
		PriorityScale:         DefaultPriorityScale(),
		ReportActionThreshold: 3,
		ImportanceBumpPerPass: 1.0,
		ExpireReason:          "keepalive expired",
		TombstoneGracePeriod:  24 * time.Hour,
	}
}

// FaultProvider answers which boards have recently been marked faulty
// against a specific job's allocation attempts. The BMP controller owns
// this state (spec.md §4.6's per-job faulty set); Allocator only reads it
// at placement time, never writes it.
type FaultProvider interface {
	FaultyBoards(jobID int64) []int64
}

type noFaults struct{}

func (noFaults) FaultyBoards(int64) []int64 { return nil }

// Notifier wakes any caller blocked in JobSM.WaitForChange for a given job.
// JobSM satisfies this structurally; Allocator holds one so a job's
// QUEUED->POWER placement and its permanent-rejection/expiry destructions
// are observed promptly instead of only after a WaitForChange timeout.
type Notifier interface {
	Notify(jobID int64)
}

type noopNotifier struct{}

func (noopNotifier) Notify(int64) {}

// Allocator runs the scheduling algorithm of spec.md §4.4 against a Store.
// It holds no durable state of its own; the only in-process state is a
// cache of each machine's immutable Topology snapshot, reloaded whenever a
// caller observes the underlying board/link set has changed.
type Allocator struct {
	store    *store.Store
	cfg      Config
	faults   FaultProvider
	notifier Notifier
	log      hclog.Logger

	mu         sync.RWMutex
	topologies map[int64]*topology.Topology
}

// New builds an Allocator. faults may be nil, in which case no job ever
// excludes a board as faulty (useful for tests that don't exercise the BMP
// retry path). notifier may be nil, in which case job state changes are not
// announced to any waiter.
func New(st *store.Store, cfg Config, faults FaultProvider, notifier Notifier, log hclog.Logger) *Allocator {
	if faults == nil {
		faults = noFaults{}
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Allocator{
		store:      st,
		cfg:        cfg,
		faults:     faults,
		notifier:   notifier,
		log:        log.Named("allocator"),
		topologies: make(map[int64]*topology.Topology),
	}
}

// LoadTopology (re)builds the in-memory topology snapshot for one machine
// from the Store. Call this at startup for every in-service machine, and
// again whenever an operator changes the machine's board/link inventory.
func (a *Allocator) LoadTopology(ctx context.Context, machineID int64) error {
	var machine structs.Machine
	var boards []structs.Board
	var links []structs.Link
	err := a.store.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		machine, err = a.store.GetMachine(tx, machineID)
		if err != nil {
			return err
		}
		tags, err := a.store.MachineTags(tx, machineID)
		if err != nil {
			return err
		}
		machine.Tags = tags
		boards, links, err = a.store.LoadTopologyInputs(tx, machineID)
		return err
	})
	if err != nil {
		return fmt.Errorf("allocator: loading machine %d: %w", machineID, err)
	}

	topo, err := topology.Load(machine, boards, links)
	if err != nil {
		return fmt.Errorf("allocator: building topology for machine %d: %w", machineID, err)
	}

	a.mu.Lock()
	a.topologies[machineID] = topo
	a.mu.Unlock()
	return nil
}

func (a *Allocator) topologyFor(machineID int64) (*topology.Topology, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.topologies[machineID]
	return t, ok
}

// Allocate runs one scheduling pass over every in-service machine. It
// returns true if at least one job transitioned QUEUED -> POWER, matching
// the contract of spec.md §4.4's allocate().
func (a *Allocator) Allocate(ctx context.Context) (bool, error) {
	var machines []structs.Machine
	err := a.store.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		machines, err = a.store.ListMachines(tx)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("allocator: listing machines: %w", err)
	}

	placedAny := false
	for _, m := range machines {
		if !m.InService {
			continue
		}
		topo, ok := a.topologyFor(m.ID)
		if !ok {
			if err := a.LoadTopology(ctx, m.ID); err != nil {
				a.log.Error("skipping machine: topology load failed", "machine", m.Name, "error", err)
				continue
			}
			topo, _ = a.topologyFor(m.ID)
		}

		placed, err := a.allocateMachine(ctx, m, topo)
		if err != nil {
			a.log.Error("allocation pass failed", "machine", m.Name, "error", err)
			continue
		}
		if placed {
			placedAny = true
		}
	}
	return placedAny, nil
}

// allocateMachine repeats allocatePass until a full scan over the
// machine's outstanding requests makes no further placement, implementing
// step 3 of spec.md §4.4 ("continue until no further placements succeed").
func (a *Allocator) allocateMachine(ctx context.Context, m structs.Machine, topo *topology.Topology) (bool, error) {
	placedAny := false
	for {
		progressed, err := a.allocatePass(ctx, m, topo)
		if err != nil {
			return placedAny, err
		}
		if !progressed {
			return placedAny, nil
		}
		placedAny = true
	}
}

// allocatePass scans every outstanding request for machine m once, in
// importance order, attempting to place each. It returns true if any
// request in this scan resulted in a QUEUED -> POWER transition.
func (a *Allocator) allocatePass(ctx context.Context, m structs.Machine, topo *topology.Topology) (bool, error) {
	var requests []structs.JobRequest
	var live, allocated *set.Set[int64]
	err := a.store.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		requests, err = a.store.OutstandingRequests(tx, m.ID)
		if err != nil {
			return err
		}
		live, allocated, err = a.buildBaseSets(tx, topo)
		return err
	})
	if err != nil {
		return false, err
	}

	metrics.SetGauge([]string{"allocator", "allocate", "requests_outstanding"}, float32(len(requests)))

	placed := false
	for _, req := range requests {
		ok, err := a.attemptPlacement(ctx, m, topo, req, live, allocated)
		if err != nil {
			a.log.Error("placement attempt failed", "job", req.JobID, "error", err)
			continue
		}
		if ok {
			placed = true
		}
	}
	return placed, nil
}

// buildBaseSets reads the machine's current board inventory once per pass:
// which boards are enabled ("live" before any job-specific fault exclusion)
// and which are already allocated to some job.
func (a *Allocator) buildBaseSets(tx *store.Tx, topo *topology.Topology) (live, allocated *set.Set[int64], err error) {
	all, _, err := a.store.LoadTopologyInputs(tx, topo.Machine().ID)
	if err != nil {
		return nil, nil, err
	}
	live = set.New[int64](len(all))
	allocated = set.New[int64](len(all))
	for _, b := range all {
		if b.Enabled {
			live.Insert(b.ID)
		}
		if b.AllocatedJob != nil {
			allocated.Insert(b.ID)
		}
	}
	return live, allocated, nil
}

// attemptPlacement handles one request: quota pre-check, Placement, and the
// three outcomes spec.md §4.4 step 2 enumerates. allocated is mutated in
// place on a successful placement so later requests in the same pass see
// the updated board availability without another Store round trip; live is
// only read.
func (a *Allocator) attemptPlacement(ctx context.Context, m structs.Machine, topo *topology.Topology, req structs.JobRequest, live, allocated *set.Set[int64]) (bool, error) {
	var job structs.Job
	var group structs.Group
	err := a.store.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		job, err = a.store.GetJob(tx, req.JobID)
		if err != nil {
			return err
		}
		group, err = a.store.GroupQuota(tx, job.GroupID)
		if err != nil {
			return err
		}
		req, err = a.resolveBoardAddressing(tx, m, req)
		return err
	})
	if err != nil {
		if errors.Is(err, structs.ErrNoSuchBoard) {
			return false, a.rejectRequest(ctx, req, err)
		}
		return false, err
	}

	if group.Quota != nil && *group.Quota <= 0 {
		metrics.IncrCounter([]string{"allocator", "quota", "exhausted"}, 1)
		return false, a.bumpImportance(ctx, req.JobID)
	}

	faulty := a.faults.FaultyBoards(req.JobID)
	snap := placement.Snapshot{
		Topo:      topo,
		Live:      live.Difference(set.From(faulty)),
		Allocated: allocated,
	}

	result, placeErr := placement.Place(req, snap)
	switch {
	case placeErr != nil:
		return false, a.rejectRequest(ctx, req, placeErr)
	case result == nil:
		return false, a.bumpImportance(ctx, req.JobID)
	default:
		if err := a.commitPlacement(ctx, req, job, result, topo); err != nil {
			return false, err
		}
		for _, id := range result.Boards {
			allocated.Insert(id)
		}
		metrics.IncrCounter([]string{"allocator", "allocate", "placed"}, 1)
		return true, nil
	}
}

// resolveBoardAddressing fills in a ByBoard request's BoardID from its
// PhysAddr or IPAddress form, the Store-level resolution spec.md §3's four
// addressing modes require and Placement itself deliberately doesn't do
// (Placement never talks to the Store). A BoardID or Triad request passes
// through unchanged; Triad resolution stays inside Placement, which already
// has the topology snapshot needed for it.
func (a *Allocator) resolveBoardAddressing(tx *store.Tx, m structs.Machine, req structs.JobRequest) (structs.JobRequest, error) {
	if req.Kind != structs.RequestByBoard || req.BoardID != nil || req.Triad != nil {
		return req, nil
	}
	switch {
	case req.PhysAddr != nil:
		b, err := a.store.FindBoardByPhysical(tx, m.ID, *req.PhysAddr)
		if err != nil {
			return req, err
		}
		req.BoardID = &b.ID
	case req.IPAddress != nil:
		b, err := a.store.FindBoardByIP(tx, m.ID, *req.IPAddress)
		if err != nil {
			return req, err
		}
		req.BoardID = &b.ID
	}
	return req, nil
}

func (a *Allocator) bumpImportance(ctx context.Context, jobID int64) error {
	return a.store.Transaction(ctx, func(tx *store.Tx) error {
		return a.store.BumpImportance(tx, jobID, a.cfg.ImportanceBumpPerPass, a.cfg.ImportanceSpan)
	})
}

// rejectRequest destroys the job behind a permanently-unplaceable request
// (structs.ErrRequestTooLarge, or any other permanent rejection Placement
// returns) using the exact reason spec.md §4.4 step 2 specifies for the
// oversize case, and the error text otherwise.
func (a *Allocator) rejectRequest(ctx context.Context, req structs.JobRequest, placeErr error) error {
	reason := placeErr.Error()
	if errors.Is(placeErr, structs.ErrRequestTooLarge) {
		reason = "that job cannot possibly fit on this machine"
	}
	now := time.Now()
	err := a.store.Transaction(ctx, func(tx *store.Tx) error {
		if err := a.store.DestroyJob(tx, req.JobID, reason, now); err != nil {
			return err
		}
		return a.store.DeleteRequest(tx, req.JobID)
	})
	if err != nil {
		return err
	}
	a.notifier.Notify(req.JobID)
	return nil
}

// commitPlacement performs step 2 of spec.md §4.4's allocate() algorithm in
// a single transaction: it is the only place a job moves QUEUED -> POWER.
func (a *Allocator) commitPlacement(ctx context.Context, req structs.JobRequest, job structs.Job, p *structs.Placement, topo *topology.Topology) error {
	now := time.Now()
	changes := buildPendingChanges(job, p, topo)

	err := a.store.Transaction(ctx, func(tx *store.Tx) error {
		if err := a.store.AllocateBoards(tx, req.JobID, p.Boards); err != nil {
			return err
		}
		if err := a.store.SetJobAllocation(tx, req.JobID, p.Width, p.Height, p.Depth, p.RootBoardID, len(p.Boards), now, len(p.Boards)); err != nil {
			return err
		}
		if err := a.store.DeleteRequest(tx, req.JobID); err != nil {
			return err
		}
		return a.store.IssuePendingChanges(tx, changes)
	})
	if err != nil {
		return err
	}
	a.notifier.Notify(req.JobID)
	return nil
}

// buildPendingChanges emits one power-on PendingChange per allocated board,
// computing its FPGA-enable booleans so each board lights exactly the link
// directions facing another board in the same allocation (§9's resolved
// single-board edge case: an allocation of exactly one board always gets
// every FPGA link disabled, since isolation takes precedence over any live
// unallocated neighbour).
func buildPendingChanges(job structs.Job, p *structs.Placement, topo *topology.Topology) []structs.PendingChange {
	members := set.From(p.Boards)
	changes := make([]structs.PendingChange, 0, len(p.Boards))
	for _, boardID := range p.Boards {
		var fpga structs.FPGALinks
		if len(p.Boards) > 1 {
			for _, d := range structs.AllDirections {
				if !topo.LinkLive(boardID, d) {
					continue
				}
				neighbour, ok := topo.Neighbour(boardID, d)
				if !ok || !members.Contains(neighbour.ID) {
					continue
				}
				fpga.Enable(d)
			}
		}
		changes = append(changes, structs.PendingChange{
			JobID:     job.ID,
			BoardID:   boardID,
			FromState: structs.StateQueued,
			ToState:   structs.StatePower,
			PowerOn:   true,
			FPGA:      fpga,
		})
	}
	return changes
}
