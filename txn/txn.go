// Portions Copyright 2016-2018 Dgraph Labs, Inc. are available under the Apache License v2.0.
// Portions Copyright 2022 Outcaste LLC are available under the Sustainable License v1.0.

// Package txn is the Transaction Coordinator: a single operation
// Modify(ctx, *Operation, *Reply) that owns the outer/inner transaction
// pair, the per-operation retry loop on conflict, checkpoint triggering,
// and the interaction with the shared Entry Cache. Grounded line for line
// on back-bdb/modify.c:bdb_modify: the retry: label becomes a Go
// `for { ... }` loop with conflict mapped to `continue` after cleanup, the
// fakeroot/glue synthesis on NotFound + empty NDN, the referral/assertion/
// access short-circuits, and the pre-read -> inner txn -> apply ->
// schema-check -> index-writes -> id2entry-update -> inner-commit ->
// post-read -> outer-commit -> cache-update sequence (the cache adopts the
// post-image only after the outer commit has succeeded). Retry backoff
// (x.Backoff) is grounded on the same file's RetryUntilSuccess helper,
// generalized from "retry N times with fixed wait" to "retry unboundedly
// with a growing backoff, log loudly past a threshold".
package txn

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/google/uuid"
	otrace "go.opencensus.io/trace"

	"github.com/dirserv/entrymod/acl"
	"github.com/dirserv/entrymod/cache"
	"github.com/dirserv/entrymod/entry"
	"github.com/dirserv/entrymod/index"
	"github.com/dirserv/entrymod/kv"
	"github.com/dirserv/entrymod/modify"
	"github.com/dirserv/entrymod/opattr"
	"github.com/dirserv/entrymod/resolve"
	"github.com/dirserv/entrymod/schema"
	"github.com/dirserv/entrymod/snapshot"
	"github.com/dirserv/entrymod/x"
)

// Operation is a pre-parsed modify request, the wire-protocol-decoding
// step (out of scope) having already produced this shape.
type Operation struct {
	NDN             string
	AuthenticatedDN string
	Mods            []modify.Modification

	Permissive  bool // applier tolerates redundant add/delete
	ManageDIT   bool // permits otherwise-forbidden structural changes
	ManageDSAit bool // suppresses the referral short-circuit
	NoOp        bool // "do all checks but persist nothing"

	// Assert, if non-nil, must evaluate true against the pre-image or the
	// operation fails with ASSERTION_FAILED.
	Assert func(*entry.Entry) bool

	PreRead  *snapshot.Selector
	PostRead *snapshot.Selector
}

// Reply is populated by Modify with exactly one of the outcomes named in
// x.Kind, plus whatever pre/post-read snapshots the operation requested.
type Reply struct {
	Kind      x.Kind
	Text      string
	Referrals []string

	PreRead  *snapshot.Snapshot
	PostRead *snapshot.Snapshot
}

func (r *Reply) fail(kind x.Kind, text string) {
	r.Kind = kind
	r.Text = text
}

func (r *Reply) failErr(oe *x.OpError) {
	r.Kind = oe.Kind
	r.Text = oe.Text
}

// Coordinator wires every collaborator together and runs the state
// machine of a modify operation. One Coordinator is shared by every modify
// operation on a backend, the way worker.ServerState is shared by every
// transaction.
type Coordinator struct {
	Store    *kv.Store
	Cache    *cache.Cache
	Resolver resolve.Resolver
	ACL      acl.Checker
	Schema   *schema.Validator

	Backoff                x.Backoff
	Shadow                 bool // shadow/replica backends skip the operational-attribute injector
	CheckpointAfterCommits int64
	CheckpointDiscardRatio float64

	commitCount int64
}

// NewCoordinator returns a Coordinator with the package's default backoff
// schedule and no checkpointing.
func NewCoordinator(store *kv.Store, c *cache.Cache, r resolve.Resolver, a acl.Checker, s *schema.Validator) *Coordinator {
	return &Coordinator{
		Store:    store,
		Cache:    c,
		Resolver: r,
		ACL:      a,
		Schema:   s,
		Backoff:  x.DefaultBackoff,
	}
}

// Modify is the single operation the core exposes to callers. It returns a
// non-nil error only for conditions the caller cannot recover from by
// inspecting reply (e.g. a cancelled context mid-retry surfaces as
// reply.Kind == ABANDONED with a nil error) — Modify itself only errors on
// truly unexpected internal failures.
//
// Every call is tagged with a fresh operation ID so the retry loop's
// log lines and trace span correlate back to the same logical modify even
// across several attempt()s.
func (c *Coordinator) Modify(ctx context.Context, op *Operation, reply *Reply) error {
	opID := uuid.New().String()
	ctx, span := otrace.StartSpan(ctx, "txn.Modify")
	span.AddAttributes(otrace.StringAttribute("entrymod.op_id", opID))
	defer span.End()

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			reply.fail(x.KindAbandoned, "operation abandoned before completion")
			return nil
		}

		done, retry, err := c.attempt(ctx, op, reply, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if retry {
			c.Backoff.Wait(attempt, "txn.Modify["+opID+"]")
			continue
		}
		return nil
	}
}

// attempt runs exactly one OUTER_BEGIN..OUTER_COMMIT cycle of the state
// machine. done reports whether reply is final; retry reports whether the
// caller should loop back to OUTER_BEGIN on a clean slate.
func (c *Coordinator) attempt(ctx context.Context, op *Operation, reply *Reply, attemptNum int) (done, retry bool, err error) {
	outer := c.Store.Begin(true)

	var handle *cache.Handle
	var pre *entry.Entry
	fakeRoot := false

	h, rerr := c.Resolver.ResolveByNDN(op.NDN, cache.Write)
	switch {
	case rerr == resolve.ErrNotFound && op.NDN == "":
		// Fake-root handling: synthesize a transient glue
		// entry, skip the cache update on success, and free it instead.
		pre = entry.New(0, "", "")
		pre.PutAttr(&entry.Attribute{
			Descriptor:       "objectClass",
			Values:           []string{entry.GlueObjectClass},
			NormalizedValues: []string{entry.GlueObjectClass},
		})
		pre.PutAttr(&entry.Attribute{
			Descriptor:       entry.StructuralObjectClassAttr,
			Values:           []string{entry.GlueObjectClass},
			NormalizedValues: []string{entry.GlueObjectClass},
		})
		fakeRoot = true
	case rerr == resolve.ErrNotFound:
		outer.Abort()
		reply.fail(x.KindNoSuchObject, "no such entry: "+op.NDN)
		return true, false, nil
	case x.IsDeadlock(rerr):
		outer.Abort()
		return false, true, nil
	case rerr == resolve.ErrBusy:
		outer.Abort()
		return false, true, nil
	case rerr != nil:
		outer.Abort()
		reply.fail(x.KindOther, rerr.Error())
		return true, false, nil
	default:
		handle = h
		pre = h.Entry()
	}

	release := func() {
		if handle != nil {
			handle.Release()
			handle = nil
		}
	}

	if isReferral(pre) && !op.ManageDSAit {
		release()
		outer.Abort()
		reply.Kind = x.KindReferral
		reply.Referrals = referralsOf(pre)
		return true, false, nil
	}

	if op.Assert != nil && !op.Assert(pre) {
		release()
		outer.Abort()
		reply.fail(x.KindAssertionFailed, "assertion did not match entry")
		return true, false, nil
	}

	mods := opattr.Inject(op.Mods, op.AuthenticatedDN, c.Shadow)

	if ok, override := c.ACL.Check(op.AuthenticatedDN, pre, mods); !ok {
		release()
		outer.Abort()
		if override != nil {
			reply.failErr(override)
		} else {
			reply.fail(x.KindInsufficientAccess, "access denied for modification")
		}
		return true, false, nil
	}

	var preSnap *snapshot.Snapshot
	if op.PreRead != nil {
		arena := snapshot.NewArena()
		defer arena.Release()
		preSnap, _ = arena.Capture(pre, *op.PreRead, c.Schema.Registry)
	}

	inner := outer.NewInner()

	post, aerr := modify.Apply(pre, mods, modify.Flags{Permissive: op.Permissive, ManageDIT: op.ManageDIT}, c.Schema)
	if aerr != nil {
		inner.Abort()
		release()
		outer.Abort()
		if oe, ok := aerr.(*x.OpError); ok {
			reply.failErr(oe)
		} else {
			reply.fail(x.KindOther, aerr.Error())
		}
		return true, false, nil
	}

	touched := make([]index.Touched, len(mods))
	for i, m := range mods {
		touched[i] = index.Touched{Descriptor: m.Descriptor}
	}
	delta := index.Track(touched, pre, post, c.Schema.Registry, op.NoOp)

	if !op.NoOp {
		if werr := index.Write(ctx, inner, post.ID, delta); werr != nil {
			inner.Abort()
			release()
			outer.Abort()
			reply.fail(x.KindOther, werr.Error())
			return true, false, nil
		}

		encoded, merr := json.Marshal(post)
		if merr != nil {
			inner.Abort()
			release()
			outer.Abort()
			reply.fail(x.KindOther, merr.Error())
			return true, false, nil
		}
		inner.PutEntry(post.ID, encoded)

		if cerr := inner.Commit(); cerr != nil {
			release()
			outer.Abort()
			reply.fail(x.KindOther, cerr.Error())
			return true, false, nil
		}
	}

	var postSnap *snapshot.Snapshot
	if op.PostRead != nil {
		arena := snapshot.NewArena()
		defer arena.Release()
		postSnap, _ = arena.Capture(post, *op.PostRead, c.Schema.Registry)
	}

	if op.NoOp {
		release()
		outer.Abort()
		reply.Kind = x.KindNoOperation
		reply.Text = "no operation performed"
		reply.PreRead, reply.PostRead = preSnap, postSnap
		return true, false, nil
	}

	// The write-intent handle stays held, and the cache stays untouched,
	// until outer.Commit() is known to succeed: a deadlocked commit means
	// post was never durable, and a retried attempt must see the old
	// pre-image again rather than the discarded post-image, the way
	// bdb_unlocked_cache_return_entry_w only releases in done:, after
	// commit/abort.
	if cerr := outer.Commit(); cerr != nil {
		release()
		if x.IsDeadlock(cerr) {
			return false, true, nil
		}
		reply.fail(x.KindOther, cerr.Error())
		return true, false, nil
	}

	if fakeRoot {
		// Fake-root glue entries skip the cache update on success; there's
		// no handle to release here, and the synthesized *entry.Entry is
		// simply dropped.
	} else {
		c.Cache.Modify(pre.ID, post)
		release()
	}

	n := atomic.AddInt64(&c.commitCount, 1)
	if c.CheckpointAfterCommits > 0 && n%c.CheckpointAfterCommits == 0 {
		c.Store.Checkpoint(c.CheckpointDiscardRatio)
	}

	if attemptNum > 1 {
		glog.V(1).Infof("txn.Modify: entry %s committed after %d attempts", op.NDN, attemptNum)
	}

	reply.Kind = x.KindSuccess
	reply.PreRead, reply.PostRead = preSnap, postSnap
	return true, false, nil
}

func isReferral(e *entry.Entry) bool {
	a := e.Find("ref")
	return a != nil && len(a.Values) > 0
}

func referralsOf(e *entry.Entry) []string {
	a := e.Find("ref")
	if a == nil {
		return nil
	}
	return append([]string(nil), a.Values...)
}
