// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package structs

import "errors"

// Sentinel error kinds. Callers should use errors.Is against these,
// never compare error strings.
var (
	ErrNoSuchMachine           = errors.New("no such machine")
	ErrNoSuchJob               = errors.New("no such job")
	ErrNoSuchBoard             = errors.New("no such board")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrQuotaExhausted          = errors.New("quota exhausted")
	ErrRequestTooLarge         = errors.New("that job cannot possibly fit on this machine")
	ErrRequestInvalid          = errors.New("invalid job request")
	ErrConflict                = errors.New("conflicting allocation")
	ErrBMPTimeout              = errors.New("bmp command timed out")
	ErrBMPPermanent            = errors.New("bmp command failed permanently")
	ErrStoreBusy               = errors.New("store busy")
	ErrInternalInvariantViolated = errors.New("internal invariant violated")
)
