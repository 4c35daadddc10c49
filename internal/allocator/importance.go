// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package allocator

import "github.com/spalloc-project/spallocd/internal/structs"

// InitialImportance computes a request's starting importance at creation
// time, per spec.md §4.4 step 1: basePriority × scale(shape). JobSM calls
// this once when a request is inserted; Allocator only ever adds to the
// result afterwards via BumpImportance, capped at ImportanceSpan.
//
// RequestByBoard's SpecificBoard multiplier dwarfs RequestByRect's
// Dimensions multiplier by construction, so a board-specific request always
// starts ahead of a same-age rectangle request (§9's resolved ordering).
func (c Config) InitialImportance(basePriority float64, req structs.JobRequest) float64 {
	return basePriority * c.scaleFor(req)
}

func (c Config) scaleFor(req structs.JobRequest) float64 {
	switch req.Kind {
	case structs.RequestByBoard:
		return c.PriorityScale.SpecificBoard
	case structs.RequestByRect:
		return c.PriorityScale.Dimensions
	case structs.RequestByCount:
		if req.Count <= 3 {
			return c.PriorityScale.Dimensions
		}
		return c.PriorityScale.Size
	default:
		return c.PriorityScale.Size
	}
}
