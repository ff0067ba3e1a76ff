// Portions Copyright 2016-2018 Dgraph Labs, Inc. are available under the Apache License v2.0.
// Portions Copyright 2022 Outcaste LLC are available under the Sustainable License v1.0.

// Package snapshot is the Pre/Post-Read Snapshot collaborator: an
// attribute-filtered image of an entry, captured before or after
// modification, for return to the caller when requested. Its buffer is
// allocated from an operation-scoped memory context and freed on the
// operation's exit paths. Grounded on github.com/outcaste-io/ristretto/z's
// z.Buffer usage pattern in posting/index.go's stream Send callbacks
// (buf *z.Buffer): each snapshot.Arena is a per-operation *z.Buffer-backed
// arena, released on every coordinator exit path.
package snapshot

import (
	"encoding/json"

	"github.com/outcaste-io/ristretto/z"

	"github.com/dirserv/entrymod/entry"
)

// Selector picks which attributes a snapshot captures. A nil/empty
// Attrs means "all user attributes"; Operational controls whether the
// maintained attributes (modifyTimestamp etc) are included too.
type Selector struct {
	Attrs       []string
	Operational bool
}

func (s Selector) wants(descriptor string, reg operationalChecker) bool {
	if reg != nil && reg.IsOperational(descriptor) && !s.Operational {
		return false
	}
	if len(s.Attrs) == 0 {
		return true
	}
	for _, a := range s.Attrs {
		if a == descriptor {
			return true
		}
	}
	return false
}

// operationalChecker is the one method Selector needs from schema.Registry,
// kept as a tiny local interface so this package doesn't import schema
// just to ask one question.
type operationalChecker interface {
	IsOperational(descriptor string) bool
}

// Snapshot is the captured, attribute-filtered image attached to a reply.
type Snapshot struct {
	EntryID uint64              `json:"entryId"`
	DN      string              `json:"dn"`
	Attrs   map[string][]string `json:"attrs"`

	arena *z.Buffer
}

// Arena owns the backing buffer for every Snapshot captured during one
// modify operation. Callers get one Arena per operation and call Release on
// every exit path (success, error, retry, abandon), mirroring the
// z.Buffer lifetime discipline used for streamed results elsewhere in this
// stack.
type Arena struct {
	buf *z.Buffer
}

// NewArena allocates a fresh operation-scoped arena.
func NewArena() *Arena {
	return &Arena{buf: z.NewBuffer(1<<10, "entrymod-snapshot")}
}

// Release frees the arena's backing memory. Safe to call more than once.
func (a *Arena) Release() {
	if a.buf != nil {
		a.buf.Release()
		a.buf = nil
	}
}

// Capture builds a Snapshot of e restricted by sel, encoding it into the
// arena's buffer. reg may be nil, in which case Selector.Operational is
// ignored and every attribute is eligible.
func (a *Arena) Capture(e *entry.Entry, sel Selector, reg operationalChecker) (*Snapshot, error) {
	snap := &Snapshot{EntryID: e.ID, DN: e.DN, Attrs: make(map[string][]string), arena: a.buf}
	for _, attr := range e.Attrs {
		if !sel.wants(attr.Descriptor, reg) {
			continue
		}
		snap.Attrs[attr.Descriptor] = append([]string(nil), attr.Values...)
	}

	encoded, err := json.Marshal(snap.Attrs)
	if err != nil {
		return nil, err
	}
	dst := a.buf.SliceAllocate(len(encoded))
	copy(dst, encoded)
	return snap, nil
}
