// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"fmt"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// Handle is a single prepared-statement contract: a name, its SQL text, the
// bind parameters it expects (by name, in order) and the result columns it
// produces. Declaring these up front lets the schema-sync test (spec.md §8
// property 7) walk every handle and assert it still matches the live
// schema, instead of only finding a drift the first time a query runs.
type Handle struct {
	Name    string
	SQL     string
	Params  []string
	Columns []string
	IsWrite bool
}

// allHandles is the union of every domain file's declared handles
// (machineHandles, jobHandles, boardHandles, ...). Go resolves the
// cross-file initialization order for us since this only depends on other
// package-level var slices, never on init() side effects.
var allHandles = concatHandles(
	machineHandles,
	jobHandles,
	requestHandles,
	boardHandles,
	pendingHandles,
	quotaHandles,
	reportHandles,
	tombstoneHandles,
)

func concatHandles(groups ...[]Handle) []Handle {
	var out []Handle
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// registry is an immutable radix tree keyed by handle name. It is built
// once at package init and never mutated afterwards — exactly the
// "Store exclusively owns every persisted entity; ... Allocator, JobSM and
// BMPController hold no durable state" posture extended to the query
// catalogue itself.
var registry = buildRegistry()

func buildRegistry() *iradix.Tree {
	tree := iradix.New()
	for _, h := range allHandles {
		tree, _, _ = tree.Insert([]byte(h.Name), h)
	}
	return tree
}

// Lookup returns the declared Handle for a name, or false if undeclared.
func Lookup(name string) (Handle, bool) {
	raw, ok := registry.Get([]byte(name))
	if !ok {
		return Handle{}, false
	}
	return raw.(Handle), true
}

// Walk visits every declared handle; used by the schema-sync test and by
// Store.VerifySchema below.
func Walk(fn func(Handle)) {
	registry.Root().Walk(func(_ []byte, v interface{}) bool {
		fn(v.(Handle))
		return false
	})
}

// VerifySchema cross-checks every declared handle's parameter count and
// result columns against the live SQLite schema. It is the static
// cross-check spec.md §8 property 7 requires tests to exercise against an
// empty in-memory instance.
func (s *Store) VerifySchema() error {
	var firstErr error
	Walk(func(h Handle) {
		if firstErr != nil {
			return
		}
		if n := strings.Count(h.SQL, "?"); n != len(h.Params) {
			firstErr = fmt.Errorf("handle %q: SQL has %d parameters, declared %d", h.Name, n, len(h.Params))
			return
		}
		if h.IsWrite {
			return
		}
		rows, err := s.db.Query(placeholderize(h))
		if err != nil {
			firstErr = fmt.Errorf("handle %q: preparing probe: %w", h.Name, err)
			return
		}
		defer rows.Close()
		cols, err := rows.Columns()
		if err != nil {
			firstErr = fmt.Errorf("handle %q: reading columns: %w", h.Name, err)
			return
		}
		if len(cols) != len(h.Columns) {
			firstErr = fmt.Errorf("handle %q: declared %d columns, schema has %d", h.Name, len(h.Columns), len(cols))
			return
		}
		for i, c := range cols {
			if c != h.Columns[i] {
				firstErr = fmt.Errorf("handle %q: column %d is %q, declared %q", h.Name, i, c, h.Columns[i])
				return
			}
		}
	})
	return firstErr
}

// placeholderize substitutes NULL for every named parameter so a read-only
// handle's SQL can be probed for its column set without real arguments.
// This only runs against queries (IsWrite == false), whose WHERE clauses
// accept any value for shape validation.
func placeholderize(h Handle) string {
	sql := h.SQL
	for range h.Params {
		sql = replaceFirst(sql, "?", "NULL")
	}
	return sql
}

func replaceFirst(s, old, new string) string {
	idx := indexOf(s, old)
	if idx < 0 {
		return s
	}
	return s[:idx] + new + s[idx+len(old):]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
