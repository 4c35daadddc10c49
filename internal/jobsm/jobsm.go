// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

// Package jobsm implements the job state machine of spec.md §4.5:
// creation, keep-alive access, destruction, board-location lookups and
// issue reporting. It never drives hardware or placement directly; it only
// reads and writes through the Store, and leaves the QUEUED -> POWER and
// PendingChange-driven transitions to Allocator and BMPController.
package jobsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/spalloc-project/spallocd/internal/store"
	"github.com/spalloc-project/spallocd/internal/structs"
)

// Config holds the option groups of spec.md §6 that JobSM enforces
// directly: keepalive bounds and the board-report auto-disable threshold.
type Config struct {
	KeepAliveMin          time.Duration
	KeepAliveMax          time.Duration
	ReportActionThreshold int

	// BoardChipWidth/Height are the bounding-box chip dimensions of a
	// single board, used by WhereIs to map a machine-global chip
	// coordinate onto the board that contains it.
	BoardChipWidth  int
	BoardChipHeight int
}

// DefaultConfig mirrors common SpiNNaker-class deployments: a 48-chip
// board's addressable bounding box is 8x8 chips.
func DefaultConfig() Config {
	return Config{
		KeepAliveMin:          30 * time.Second,
		KeepAliveMax:          24 * time.Hour,
		ReportActionThreshold: 3,
		BoardChipWidth:        8,
		BoardChipHeight:       8,
	}
}

// Scaler computes a request's starting importance; Allocator's Config
// satisfies this so JobSM never has to know the priority-scale formula.
type Scaler interface {
	InitialImportance(basePriority float64, req structs.JobRequest) float64
}

// JobSM drives job lifecycle operations against a Store.
type JobSM struct {
	store  *store.Store
	cfg    Config
	scale  Scaler
	log    hclog.Logger

	mu        sync.Mutex
	notifiers map[int64]chan struct{}
}

// New builds a JobSM. scale provides the importance formula (normally the
// allocator.Config in use); it may be nil to default every request's
// importance to 0, which is only appropriate in tests that don't exercise
// priority ordering.
func New(st *store.Store, cfg Config, scale Scaler, log hclog.Logger) *JobSM {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &JobSM{
		store:     st,
		cfg:       cfg,
		scale:     scale,
		log:       log.Named("jobsm"),
		notifiers: make(map[int64]chan struct{}),
	}
}

// CreateRequest bundles createJob's request-shape argument together with
// the base priority it's scaled from, avoiding a six-argument function.
type CreateRequest struct {
	Owner             int64
	Group             *int64
	Request           structs.JobRequest
	MachineName       string
	MachineTags       []string
	KeepAliveInterval time.Duration
	OriginalRequest   []byte
	BasePriority      float64
}

// CreateJob implements spec.md §4.5's createJob. On success the returned
// Job is in QUEUED with its request already persisted for Allocator to
// pick up on its next pass.
func (j *JobSM) CreateJob(ctx context.Context, req CreateRequest) (structs.Job, error) {
	if req.KeepAliveInterval < j.cfg.KeepAliveMin || req.KeepAliveInterval > j.cfg.KeepAliveMax {
		return structs.Job{}, fmt.Errorf("%w: keepalive interval %s out of bounds [%s,%s]",
			structs.ErrRequestInvalid, req.KeepAliveInterval, j.cfg.KeepAliveMin, j.cfg.KeepAliveMax)
	}

	var job structs.Job
	err := j.store.Transaction(ctx, func(tx *store.Tx) error {
		user, err := j.store.GetUser(tx, req.Owner)
		if err != nil {
			return err
		}
		if user.Disabled || user.Locked {
			return fmt.Errorf("%w: account disabled or locked", structs.ErrUnauthorized)
		}

		machine, err := j.resolveMachine(tx, req.MachineName, req.MachineTags)
		if err != nil {
			return err
		}
		if !machine.InService {
			return fmt.Errorf("%w: machine %q is not in service", structs.ErrUnauthorized, machine.Name)
		}

		groupID, group, err := j.resolveGroup(tx, user, req.Group, machine)
		if err != nil {
			return err
		}
		if group.Quota != nil && *group.Quota <= 0 {
			return fmt.Errorf("%w: group %q has no remaining quota", structs.ErrQuotaExhausted, group.Name)
		}

		now := time.Now()
		j0 := structs.Job{
			MachineID:         machine.ID,
			OwnerID:           req.Owner,
			GroupID:           groupID,
			State:             structs.StateQueued,
			CreateTS:          now,
			KeepAliveInterval: req.KeepAliveInterval,
			KeepAliveTS:       now,
			OriginalRequest:   req.OriginalRequest,
		}
		id, err := j.store.InsertJob(tx, j0)
		if err != nil {
			return err
		}
		j0.ID = id

		request := req.Request
		request.JobID = id
		request.CreatedAt = now
		if _, err := j.store.InsertRequest(tx, request); err != nil {
			return err
		}

		importance := 0.0
		if j.scale != nil {
			importance = j.scale.InitialImportance(req.BasePriority, request)
		}
		if err := j.store.SetImportance(tx, id, importance); err != nil {
			return err
		}

		job = j0
		return nil
	})
	if err != nil {
		return structs.Job{}, err
	}
	return job, nil
}

func (j *JobSM) resolveMachine(tx *store.Tx, name string, tags []string) (structs.Machine, error) {
	if name != "" {
		return j.store.GetMachineByName(tx, name)
	}
	if len(tags) == 0 {
		return structs.Machine{}, fmt.Errorf("%w: no machine name or tags given", structs.ErrRequestInvalid)
	}
	machines, err := j.store.ListMachines(tx)
	if err != nil {
		return structs.Machine{}, err
	}
	for _, m := range machines {
		mtags, err := j.store.MachineTags(tx, m.ID)
		if err != nil {
			return structs.Machine{}, err
		}
		if hasAllTags(mtags, tags) {
			return m, nil
		}
	}
	return structs.Machine{}, fmt.Errorf("%w: no machine matches tags %v", structs.ErrNoSuchMachine, tags)
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

// resolveGroup implements "if group is null, pick the user's group with the
// largest remaining quota on that machine; tie-break by group id".
func (j *JobSM) resolveGroup(tx *store.Tx, user structs.User, group *int64, machine structs.Machine) (int64, structs.Group, error) {
	if group != nil {
		g, err := j.store.GroupQuota(tx, *group)
		if err != nil {
			return 0, structs.Group{}, err
		}
		if err := j.checkGroupCompatible(user, g); err != nil {
			return 0, structs.Group{}, err
		}
		return g.ID, g, nil
	}

	candidates, err := j.store.UserGroups(tx, user.ID)
	if err != nil {
		return 0, structs.Group{}, err
	}
	var best *structs.Group
	for i := range candidates {
		g := candidates[i]
		if err := j.checkGroupCompatible(user, g); err != nil {
			continue
		}
		if best == nil || betterQuota(g, *best) {
			best = &candidates[i]
		}
	}
	if best == nil {
		return 0, structs.Group{}, fmt.Errorf("%w: user has no usable group for machine %q", structs.ErrUnauthorized, machine.Name)
	}
	return best.ID, *best, nil
}

// checkGroupCompatible enforces that internal accounts only ever use
// internal groups (spec.md §3's account/group matching invariant).
func (j *JobSM) checkGroupCompatible(user structs.User, g structs.Group) error {
	if user.IsInternal() && g.Type != structs.GroupInternal {
		return fmt.Errorf("%w: internal account cannot use a federated group", structs.ErrUnauthorized)
	}
	if !user.IsInternal() && g.Type == structs.GroupInternal {
		return fmt.Errorf("%w: federated account cannot use an internal group", structs.ErrUnauthorized)
	}
	return nil
}

// betterQuota reports whether a's remaining quota outranks b's: infinite
// beats any finite value, a larger finite value beats a smaller one, and
// ties break toward the lower group id.
func betterQuota(a, b structs.Group) bool {
	switch {
	case a.Quota == nil && b.Quota == nil:
		return a.ID < b.ID
	case a.Quota == nil:
		return true
	case b.Quota == nil:
		return false
	case *a.Quota != *b.Quota:
		return *a.Quota > *b.Quota
	default:
		return a.ID < b.ID
	}
}

// Access implements spec.md §4.5's access: bump keepAliveTs/Host for the
// owner or an admin permit. callerIsAdmin is supplied by the caller's
// authentication layer; JobSM itself has no notion of permit scopes beyond
// ownership.
func (j *JobSM) Access(ctx context.Context, jobID, callerID int64, callerIsAdmin bool, host string) error {
	return j.store.Transaction(ctx, func(tx *store.Tx) error {
		job, err := j.store.GetJob(tx, jobID)
		if err != nil {
			return err
		}
		if job.OwnerID != callerID && !callerIsAdmin {
			return fmt.Errorf("%w: caller does not own job %d", structs.ErrUnauthorized, jobID)
		}
		return j.store.UpdateKeepAlive(tx, jobID, host, time.Now())
	})
}

// Destroy implements spec.md §4.5's destroy: a no-op if already DESTROYED,
// otherwise it tears the job down and enqueues power-off PendingChanges for
// any boards it still holds.
func (j *JobSM) Destroy(ctx context.Context, jobID int64, reason string) error {
	now := time.Now()
	err := j.store.Transaction(ctx, func(tx *store.Tx) error {
		job, err := j.store.GetJob(tx, jobID)
		if err != nil {
			return err
		}
		if job.State == structs.StateDestroyed {
			return nil
		}

		boards, err := j.store.JobBoards(tx, jobID)
		if err != nil {
			return err
		}
		if err := j.store.DeleteJobPendingChanges(tx, jobID); err != nil {
			return err
		}
		if len(boards) > 0 {
			if err := j.store.ArchiveJobAllocations(tx, jobID); err != nil {
				return err
			}
			if err := j.store.DeallocateJobBoards(tx, jobID); err != nil {
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
			if err := j.store.IssuePendingChanges(tx, changes); err != nil {
				return err
			}
		}

		if err := j.store.DestroyJob(tx, jobID, reason, now); err != nil {
			return err
		}
		if err := j.store.DeleteRequest(tx, jobID); err != nil {
			return err
		}
		return j.store.SetJobNumPending(tx, jobID, len(boards))
	})
	if err != nil {
		return err
	}
	j.Notify(jobID)
	return nil
}

// WhereIs implements spec.md §4.5's whereIs: which of the job's boards
// contains machine-global chip (chipX, chipY), and that chip's coordinates
// relative to the job's root board.
func (j *JobSM) WhereIs(ctx context.Context, jobID int64, chipX, chipY int) (structs.BoardLocation, error) {
	var loc structs.BoardLocation
	err := j.store.Transaction(ctx, func(tx *store.Tx) error {
		job, err := j.store.GetJob(tx, jobID)
		if err != nil {
			return err
		}
		if job.RootBoardID == nil {
			return fmt.Errorf("%w: job %d has no allocation yet", structs.ErrConflict, jobID)
		}
		root, err := j.store.FindBoardByID(tx, *job.RootBoardID)
		if err != nil {
			return err
		}

		boards, err := j.store.JobBoards(tx, jobID)
		if err != nil {
			return err
		}
		for _, b := range boards {
			if chipX < b.RootChipX || chipX >= b.RootChipX+j.cfg.BoardChipWidth {
				continue
			}
			if chipY < b.RootChipY || chipY >= b.RootChipY+j.cfg.BoardChipHeight {
				continue
			}
			loc = structs.BoardLocation{
				BoardID:   b.ID,
				Triad:     b.Triad,
				ChipX:     chipX - b.RootChipX,
				ChipY:     chipY - b.RootChipY,
				RootChipX: b.RootChipX - root.RootChipX,
				RootChipY: b.RootChipY - root.RootChipY,
			}
			return nil
		}
		return fmt.Errorf("%w: chip (%d,%d) is not on any board of job %d", structs.ErrNoSuchBoard, chipX, chipY, jobID)
	})
	return loc, err
}

// ReportIssue implements spec.md §4.5's reportIssue: one BoardReport per
// named board, auto-disabling any board whose accumulated report count
// reaches cfg.ReportActionThreshold.
func (j *JobSM) ReportIssue(ctx context.Context, jobID int64, boardIDs []int64, text, reporter string) error {
	now := time.Now()
	return j.store.Transaction(ctx, func(tx *store.Tx) error {
		var jobIDPtr *int64
		if jobID != 0 {
			jobIDPtr = &jobID
		}
		for _, boardID := range boardIDs {
			if err := j.store.InsertBoardReport(tx, boardID, jobIDPtr, reporter, text, now); err != nil {
				return err
			}
			count, err := j.store.BoardReportCount(tx, boardID)
			if err != nil {
				return err
			}
			if count >= j.cfg.ReportActionThreshold {
				if err := j.store.SetBoardEnabled(tx, boardID, false); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Notify wakes every goroutine currently blocked in WaitForChange for
// jobID. Allocator and BMPController call this after any transaction that
// changes a job's state or numPending.
func (j *JobSM) Notify(jobID int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if ch, ok := j.notifiers[jobID]; ok {
		close(ch)
		delete(j.notifiers, jobID)
	}
}

// WaitForChange is the supplemented operation of SPEC_FULL.md §4.5: it
// blocks until jobId's state or numPending next changes, or timeout
// elapses, returning the job snapshot either way so a caller never needs to
// tight-loop GetJob.
func (j *JobSM) WaitForChange(ctx context.Context, jobID int64, timeout time.Duration) (structs.Job, error) {
	ch := j.waiterFor(jobID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
		return structs.Job{}, ctx.Err()
	}

	var job structs.Job
	err := j.store.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		job, err = j.store.GetJob(tx, jobID)
		return err
	})
	return job, err
}

func (j *JobSM) waiterFor(jobID int64) chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	ch, ok := j.notifiers[jobID]
	if !ok {
		ch = make(chan struct{})
		j.notifiers[jobID] = ch
	}
	return ch
}
