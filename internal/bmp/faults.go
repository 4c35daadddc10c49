// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package bmp

import (
	"sync"

	"github.com/hashicorp/go-set/v3"
)

// faultTracker remembers, per job, which boards an unrecoverable power-on
// failure has excluded so far. Allocator consults this via FaultyBoards on
// its next placement attempt for the requeued request; Controller clears an
// entry once the job reaches READY. Entries of jobs destroyed before reaching
// READY are not cleared.
type faultTracker struct {
	mu     sync.Mutex
	byJob  map[int64]*set.Set[int64]
}

func newFaultTracker() *faultTracker {
	return &faultTracker{byJob: make(map[int64]*set.Set[int64])}
}

// Mark records boardID as faulty for jobID.
func (f *faultTracker) Mark(jobID, boardID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byJob[jobID]
	if !ok {
		s = set.New[int64](4)
		f.byJob[jobID] = s
	}
	s.Insert(boardID)
}

// FaultyBoards implements allocator.FaultProvider.
func (f *faultTracker) FaultyBoards(jobID int64) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byJob[jobID]
	if !ok {
		return nil
	}
	return s.Slice()
}

// Clear forgets jobID's faulty-board history, called once the job is fully
// powered up.
func (f *faultTracker) Clear(jobID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byJob, jobID)
}
