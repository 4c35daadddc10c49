// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package bmp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFaultTrackerMarkAndClear(t *testing.T) {
	ft := newFaultTracker()
	require.Empty(t, ft.FaultyBoards(1))

	ft.Mark(1, 100)
	ft.Mark(1, 101)
	ft.Mark(2, 200)

	require.ElementsMatch(t, []int64{100, 101}, ft.FaultyBoards(1))
	require.ElementsMatch(t, []int64{200}, ft.FaultyBoards(2))

	ft.Clear(1)
	require.Empty(t, ft.FaultyBoards(1))
	require.ElementsMatch(t, []int64{200}, ft.FaultyBoards(2))
}
