// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestVerifySchema exercises spec.md §8 property 7: every declared query's
// parameter count and result-column set must match the live schema. This
// is a static cross-check and must pass against a freshly created, empty
// in-memory instance.
func TestVerifySchema(t *testing.T) {
	st, err := Open(":memory:", DefaultConfig())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.VerifySchema())
}

func TestOpenCreatesSchemaIdempotently(t *testing.T) {
	st, err := Open(":memory:", DefaultConfig())
	require.NoError(t, err)
	defer st.Close()

	_, err = st.db.Exec(schemaDDL)
	require.NoError(t, err)

	var count int
	err = st.Transaction(context.Background(), func(tx *Tx) error {
		machines, err := st.ListMachines(tx)
		if err != nil {
			return err
		}
		count = len(machines)
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, count)
}
