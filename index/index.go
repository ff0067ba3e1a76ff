// Portions Copyright 2016-2018 Dgraph Labs, Inc. are available under the Apache License v2.0.
// Portions Copyright 2022 Outcaste LLC are available under the Sustainable License v1.0.

// Package index implements the Index Delta Tracker and Index
// Writer: which attributes changed, and applying deletes-then-
// adds against the secondary-index tables inside the current transaction.
// Grounded directly on posting/index.go's addIndexMutations/addIndexMutation
// (token -> uid edge, written through the transaction's cache) and on
// back-bdb/modify.c:bdb_modify_internal's two index-update loops ("start
// with deleting the old index entries" / "add the new index entries").
package index

import (
	"context"

	otrace "go.opencensus.io/trace"

	"github.com/dirserv/entrymod/entry"
	"github.com/dirserv/entrymod/kv"
	"github.com/dirserv/entrymod/schema"
	"github.com/dirserv/entrymod/x"
)

// Delta is the result of tracking one modify operation: the set of
// attributes whose index rows must change, with the pre-image attribute
// (values to delete) and post-image attribute (values to add) for each.
type Delta struct {
	Deletes []*entry.Attribute // pre-image attributes with IX_DELETE set
	Adds    []*entry.Attribute // post-image attributes with IX_ADD set
}

// Track is the Index Delta Tracker. It inspects every descriptor touched by
// mods (as opposed to every attribute on the entry, most of which a given
// modify never looks at) and, for each one that schema.Registry.IsIndexed
// reports true and whose normalized value multiset differs between pre and
// post, sets IX_DELETE on the pre-image attribute (if present) and IX_ADD
// on the post-image attribute (if present). Flags are set only when noop
// is false.
func Track(mods []Touched, pre, post *entry.Entry, reg *schema.Registry, noop bool) Delta {
	var d Delta
	seen := make(map[string]bool)
	for _, m := range mods {
		if seen[m.Descriptor] || !reg.IsIndexed(m.Descriptor) {
			seen[m.Descriptor] = true
			continue
		}
		seen[m.Descriptor] = true

		preAttr := pre.Find(m.Descriptor)
		postAttr := post.Find(m.Descriptor)
		if !attrsEqual(preAttr, postAttr) && !noop {
			if preAttr != nil {
				preAttr.Flags |= entry.FlagIxDelete
				d.Deletes = append(d.Deletes, preAttr)
			}
			if postAttr != nil {
				postAttr.Flags |= entry.FlagIxAdd
				d.Adds = append(d.Adds, postAttr)
			}
		}
	}
	return d
}

// Touched is the minimal shape index.Track needs from a modification: just
// the descriptor, so this package doesn't need to import modify (and
// modify doesn't need to know about index.Delta).
type Touched struct {
	Descriptor string
}

func attrsEqual(a, b *entry.Attribute) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.NormalizedValues) != len(b.NormalizedValues) {
		return false
	}
	have := make(map[string]int, len(a.NormalizedValues))
	for _, v := range a.NormalizedValues {
		have[v]++
	}
	for _, v := range b.NormalizedValues {
		have[v]--
	}
	for _, c := range have {
		if c != 0 {
			return false
		}
	}
	return true
}

// Write is the Index Writer: deletes precede adds globally, so that an
// attribute whose value set is unchanged in total but reordered still ends
// in the correct multiset state. Any failure aborts the
// enclosing transaction; the caller surfaces it as x.KindOther ("generic
// index failure").
func Write(ctx context.Context, txn *kv.InnerTxn, entryID uint64, d Delta) error {
	ctx, span := otrace.StartSpan(ctx, "index.Write")
	defer span.End()

	for _, a := range d.Deletes {
		for _, v := range a.NormalizedValues {
			if err := txn.IndexDelete(a.Descriptor, []byte(v), entryID); err != nil {
				span.Annotatef(nil, "delete failed for %s=%q: %v", a.Descriptor, v, err)
				return x.Errorf(x.KindOther, "index delete failed: %v", err)
			}
		}
	}
	for _, a := range d.Adds {
		for _, v := range a.NormalizedValues {
			if err := txn.IndexAdd(a.Descriptor, []byte(v), entryID); err != nil {
				span.Annotatef(nil, "add failed for %s=%q: %v", a.Descriptor, v, err)
				return x.Errorf(x.KindOther, "index add failed: %v", err)
			}
		}
	}
	return nil
}
