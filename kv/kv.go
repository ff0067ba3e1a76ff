// Portions Copyright 2017-2018 Dgraph Labs, Inc. are available under the Apache 2.0 license.
// Portions Copyright 2022 Outcaste, Inc. are available under the Smart License.

// Package kv adapts github.com/dgraph-io/badger/v4 to the transactional
// collaborator contracts this core needs (txn_begin/txn_commit/txn_abort/
// txn_checkpoint), shipped concretely so txn.Coordinator is exercisable end
// to end even though the transactional key-value store itself is a thin
// adapter rather than a from-scratch storage engine. Options construction
// and the glog logger bridge are grounded
// on worker/server_state.go's initStorage/setBadgerOptions; the two-level
// outer/inner transaction shape is grounded on posting/index.go's
// txn.cache staging deltas ahead of a single physical commit
// (GetFromDelta/deltas) before LocalCache.Commit flushes them.
package kv

import (
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/dirserv/entrymod/x"
)

// Store wraps a single badger.DB, the postings-directory equivalent for
// this core: one KV space holding both id2entry rows and index rows,
// distinguished by the x.PrefixEntry/x.PrefixIndex key prefixes.
type Store struct {
	DB *badger.DB
}

// Open opens (creating if necessary) a Badger store at dir, configured the
// way worker.setBadgerOptions configures the postings store: synchronous
// writes off and logging bridged to glog.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "kv: creating dir %s", dir)
	}
	opt := badger.DefaultOptions(dir).
		WithSyncWrites(false).
		WithLogger(&x.ToGlog{})
	db, err := badger.Open(opt)
	if err != nil {
		return nil, errors.Wrap(err, "kv: opening badger store")
	}
	return &Store{DB: db}, nil
}

// Close releases the store's resources.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Checkpoint triggers a value-log GC pass, playing the role a
// transactional checkpoint with configured size/time thresholds plays
// elsewhere in this stack. discardRatio follows Badger's own RunValueLogGC
// convention (rewrite a vlog file once at least that fraction of it can be
// discarded).
func (s *Store) Checkpoint(discardRatio float64) {
	if err := s.DB.RunValueLogGC(discardRatio); err != nil && err != badger.ErrNoRewrite {
		glog.Warningf("kv: checkpoint/value-log GC: %v", err)
	}
}

// OuterTxn is the outer transaction of state machine: a live
// badger.Txn that the coordinator begins once per attempt and commits (or
// discards) exactly once.
type OuterTxn struct {
	txn *badger.Txn
	db  *badger.DB
}

// Begin starts a new outer transaction. update must be true for any
// operation that writes (every modify does).
func (s *Store) Begin(update bool) *OuterTxn {
	return &OuterTxn{txn: s.DB.NewTransaction(update), db: s.DB}
}

// Get reads a single key inside the outer transaction.
func (o *OuterTxn) Get(key []byte) ([]byte, error) {
	item, err := o.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var val []byte
	err = item.Value(func(v []byte) error {
		val = append([]byte(nil), v...)
		return nil
	})
	return val, err
}

// Set writes a single key-value pair directly against the outer
// transaction, bypassing any InnerTxn. The Transaction Coordinator stages
// its id2entry row through InnerTxn.PutEntry instead.
func (o *OuterTxn) Set(key, val []byte) error {
	return o.txn.Set(key, val)
}

// Commit commits the outer transaction. A conflict is surfaced as
// *x.DeadlockError so txn.Coordinator's retry loop can recognize it without
// importing Badger itself.
func (o *OuterTxn) Commit() error {
	err := o.txn.Commit()
	if err == badger.ErrConflict {
		return &x.DeadlockError{Reason: "badger transaction conflict"}
	}
	return err
}

// Abort discards the outer transaction without committing.
func (o *OuterTxn) Abort() {
	o.txn.Discard()
}

// NewInner starts an inner, nested transaction scope. Badger has no native nested-transaction concept, so
// InnerTxn buffers keyed writes in memory and only calls through to the
// enclosing OuterTxn on Commit — giving the coordinator two logical
// transaction scopes without a second physical commit point, mirroring how
// posting.Txn/LocalCache stage deltas ahead of one physical commit.
func (o *OuterTxn) NewInner() *InnerTxn {
	return &InnerTxn{outer: o, writes: make(map[string][]byte), deletes: make(map[string]bool)}
}

// InnerTxn buffers the entry-store update and the index writes of one
// modify operation.
type InnerTxn struct {
	outer   *OuterTxn
	writes  map[string][]byte
	deletes map[string]bool
}

// IndexAdd stages an index-row insertion keyed by (descriptor, value,
// entryID), as posting/index.go's addIndexMutation stages a token->uid edge.
func (t *InnerTxn) IndexAdd(descriptor string, value []byte, entryID uint64) error {
	key := x.IndexKey(descriptor, value, entryID)
	t.writes[string(key)] = []byte{1}
	delete(t.deletes, string(key))
	return nil
}

// IndexDelete stages an index-row removal.
func (t *InnerTxn) IndexDelete(descriptor string, value []byte, entryID uint64) error {
	key := x.IndexKey(descriptor, value, entryID)
	t.deletes[string(key)] = true
	delete(t.writes, string(key))
	return nil
}

// PutEntry stages the id2entry row for entryID, the serialized post-image
// the Transaction Coordinator writes after index deltas.
func (t *InnerTxn) PutEntry(entryID uint64, encoded []byte) {
	t.writes[string(x.EntryKey(entryID))] = encoded
}

// Commit flushes every staged write/delete into the enclosing OuterTxn.
// INNER_COMMIT: staged deltas become visible to the outer
// transaction, but nothing is durable until OuterTxn.Commit.
func (t *InnerTxn) Commit() error {
	for k := range t.deletes {
		if err := t.outer.txn.Delete([]byte(k)); err != nil {
			return err
		}
	}
	for k, v := range t.writes {
		if err := t.outer.txn.Set([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

// Abort discards every staged write/delete without touching the outer
// transaction.
func (t *InnerTxn) Abort() {
	t.writes = nil
	t.deletes = nil
}

// ErrNotFound is returned by OuterTxn.Get when a key doesn't exist.
// (resolve.Index reports a missing entry with its own resolve.ErrNotFound.)
var ErrNotFound = errors.New("kv: key not found")
