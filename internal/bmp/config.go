// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package bmp

import "time"

// Config holds the transceiver.* option group of spec.md §6.
type Config struct {
	Period                time.Duration
	ProbeInterval         time.Duration
	PowerAttempts         int
	FPGAAttempts          int
	BuildAttempts         int
	OffWaitTime           time.Duration
	Dummy                 bool
	FPGAReload            bool
	ReportActionThreshold int
}

// DefaultConfig matches the bounded-retry defaults spec.md §4.6 names.
func DefaultConfig() Config {
	return Config{
		Period:                1 * time.Second,
		ProbeInterval:         100 * time.Millisecond,
		PowerAttempts:         2,
		FPGAAttempts:          3,
		BuildAttempts:         5,
		OffWaitTime:           20 * time.Second,
		Dummy:                 false,
		FPGAReload:            false,
		ReportActionThreshold: 3,
	}
}
