// Portions Copyright 2016-2018 Dgraph Labs, Inc. are available under the Apache License v2.0.
// Portions Copyright 2022 Outcaste LLC are available under the Sustainable License v1.0.

// Package resolve is the DN resolution collaborator:
// resolve_by_ndn(ndn, txn, locker) -> EntryHandle | NotFound | Deadlock |
// Busy | Other, mirroring bdb_dn2entry's return contract used in
// bdb_modify. Production DN resolution (name-to-id indices, subtree
// awareness, referrals) is out of scope; this ships an
// interface plus a reference in-memory implementation sufficient to drive
// the coordinator and its tests.
package resolve

import (
	"sync"

	"github.com/dirserv/entrymod/cache"
	"github.com/dirserv/entrymod/entry"
	"github.com/dirserv/entrymod/x"
)

// Resolver is the DN resolution collaborator contract.
type Resolver interface {
	// ResolveByNDN looks up the entry whose normalized DN is ndn, checking
	// it out of the shared Entry Cache under the given intent. Returns
	// ErrNotFound, *x.DeadlockError, or ErrBusy as distinct outcomes the
	// Transaction Coordinator branches on.
	ResolveByNDN(ndn string, intent cache.Intent) (*cache.Handle, error)
}

// ErrNotFound mirrors bdb_dn2entry's NOTFOUND outcome.
var ErrNotFound = x.Errorf(x.KindNoSuchObject, "no such entry")

// ErrBusy mirrors a lock-not-granted outcome that isn't itself a deadlock
// (e.g. the cache's write-intent slot is momentarily held by a reader
// finishing up) -- distinct from *x.DeadlockError so callers that want to
// treat the two differently can.
var ErrBusy = x.Errorf(x.KindBusy, "entry temporarily unavailable")

// Index is the reference Resolver: an NDN -> id map over entries held in
// the shared cache.Cache. Good enough to drive the coordinator end to end;
// a real backend would resolve via the DN2ID secondary index maintained by
// the actual KV store instead of an in-memory map.
type Index struct {
	mu    sync.RWMutex
	byNDN map[string]uint64
	cache *cache.Cache
}

// NewIndex returns an empty Index backed by c.
func NewIndex(c *cache.Cache) *Index {
	return &Index{byNDN: make(map[string]uint64), cache: c}
}

// Put registers e under its NDN and seeds the shared cache with it. Tests
// and bootstrapping code use this to populate the reference store.
func (idx *Index) Put(e *entry.Entry) {
	idx.mu.Lock()
	idx.byNDN[e.NDN] = e.ID
	idx.mu.Unlock()
	idx.cache.SetIfAbsent(e)
}

// ResolveByNDN implements Resolver.
func (idx *Index) ResolveByNDN(ndn string, intent cache.Intent) (*cache.Handle, error) {
	idx.mu.RLock()
	id, ok := idx.byNDN[ndn]
	idx.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	h, err := idx.cache.Checkout(id, intent)
	if err == cache.ErrMiss {
		return nil, ErrNotFound
	}
	return h, err
}
