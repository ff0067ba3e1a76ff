package txn

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirserv/entrymod/acl"
	"github.com/dirserv/entrymod/cache"
	"github.com/dirserv/entrymod/entry"
	"github.com/dirserv/entrymod/kv"
	"github.com/dirserv/entrymod/modify"
	"github.com/dirserv/entrymod/resolve"
	"github.com/dirserv/entrymod/schema"
	"github.com/dirserv/entrymod/snapshot"
	"github.com/dirserv/entrymod/x"
)

func newTestRegistry() *schema.Registry {
	r := schema.NewRegistry()
	r.RegisterAttribute(&schema.AttributeType{Name: "objectClass", Syntax: schema.SyntaxOID, Indexed: true})
	r.RegisterAttribute(&schema.AttributeType{Name: entry.StructuralObjectClassAttr, Syntax: schema.SyntaxOID, SingleValued: true, Operational: true})
	r.RegisterAttribute(&schema.AttributeType{Name: "cn", Syntax: schema.SyntaxDirectoryString, Indexed: true})
	r.RegisterAttribute(&schema.AttributeType{Name: "sn", Syntax: schema.SyntaxDirectoryString})
	r.RegisterAttribute(&schema.AttributeType{Name: "description", Syntax: schema.SyntaxDirectoryString})
	r.RegisterAttribute(&schema.AttributeType{Name: "ref", Syntax: schema.SyntaxDN})
	r.RegisterAttribute(&schema.AttributeType{Name: "modifyTimestamp", Syntax: schema.SyntaxGeneralizedTime, SingleValued: true, Operational: true})
	r.RegisterAttribute(&schema.AttributeType{Name: "modifiersName", Syntax: schema.SyntaxDN, SingleValued: true, Operational: true})
	r.RegisterClass(&schema.ObjectClass{Name: entry.GlueObjectClass, Structural: true})
	r.RegisterClass(&schema.ObjectClass{Name: "person", Structural: true, Must: []string{"cn", "sn"}, May: []string{"description"}})
	r.RegisterClass(&schema.ObjectClass{Name: "referral", Structural: true, May: []string{"ref"}})
	r.RegisterClass(&schema.ObjectClass{Name: "extensibleObject", Structural: false})
	return r
}

type fixture struct {
	store *kv.Store
	cache *cache.Cache
	index *resolve.Index
	coord *Coordinator
}

func newFixture(t *testing.T, acChecker acl.Checker) *fixture {
	t.Helper()
	store, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c := cache.New()
	idx := resolve.NewIndex(c)
	v := &schema.Validator{Registry: newTestRegistry()}

	coord := NewCoordinator(store, c, idx, acChecker, v)
	coord.Backoff = x.Backoff{Initial: time.Microsecond, Max: time.Microsecond, ReportAfter: 1000}
	return &fixture{store: store, cache: c, index: idx, coord: coord}
}

func seedPerson(idx *resolve.Index, id uint64, dn string) *entry.Entry {
	e := entry.New(id, dn, dn)
	e.PutAttr(&entry.Attribute{Descriptor: "objectClass", Values: []string{"person"}, NormalizedValues: []string{"person"}})
	e.PutAttr(&entry.Attribute{Descriptor: entry.StructuralObjectClassAttr, Values: []string{"person"}, NormalizedValues: []string{"person"}})
	e.PutAttr(&entry.Attribute{Descriptor: "cn", Values: []string{"alice"}, NormalizedValues: []string{"alice"}})
	e.PutAttr(&entry.Attribute{Descriptor: "sn", Values: []string{"anderson"}, NormalizedValues: []string{"anderson"}})
	idx.Put(e)
	return e
}

func TestModify_SuccessfulAddPersistsAndUpdatesCache(t *testing.T) {
	f := newFixture(t, acl.AllowAll{})
	seedPerson(f.index, 1, "cn=alice,o=example")

	op := &Operation{
		NDN:             "cn=alice,o=example",
		AuthenticatedDN: "cn=admin,o=example",
		Mods: []modify.Modification{
			{Op: entry.ADD, Descriptor: "description", Values: []string{"engineer"}, NormalizedValues: []string{"engineer"}},
		},
		PostRead: &snapshot.Selector{},
	}
	var reply Reply
	require.NoError(t, f.coord.Modify(context.Background(), op, &reply))

	assert.Equal(t, x.KindSuccess, reply.Kind)
	require.NotNil(t, reply.PostRead)
	assert.Equal(t, []string{"engineer"}, reply.PostRead.Attrs["description"])

	outer := f.store.Begin(false)
	defer outer.Abort()
	raw, err := outer.Get(x.EntryKey(1))
	require.NoError(t, err)
	var stored entry.Entry
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.NotNil(t, stored.Find("description"))
	assert.Equal(t, []string{"engineer"}, stored.Find("description").Values)

	h, err := f.cache.Checkout(1, cache.Read)
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, []string{"engineer"}, h.Entry().Find("description").Values)
}

func TestModify_NoOpLeavesStoreAndCacheUntouched(t *testing.T) {
	f := newFixture(t, acl.AllowAll{})
	seedPerson(f.index, 1, "cn=alice,o=example")

	op := &Operation{
		NDN: "cn=alice,o=example",
		Mods: []modify.Modification{
			{Op: entry.REPLACE, Descriptor: "cn", Values: []string{"alice"}, NormalizedValues: []string{"alice"}},
		},
		NoOp: true,
	}
	var reply Reply
	require.NoError(t, f.coord.Modify(context.Background(), op, &reply))
	assert.Equal(t, x.KindNoOperation, reply.Kind)

	outer := f.store.Begin(false)
	defer outer.Abort()
	_, err := outer.Get(x.EntryKey(1))
	assert.ErrorIs(t, err, kv.ErrNotFound, "a no-op must never persist the id2entry row")
}

func TestModify_UnknownNDNReturnsNoSuchObject(t *testing.T) {
	f := newFixture(t, acl.AllowAll{})

	op := &Operation{
		NDN:  "cn=nobody,o=example",
		Mods: []modify.Modification{{Op: entry.ADD, Descriptor: "description", Values: []string{"x"}}},
	}
	var reply Reply
	require.NoError(t, f.coord.Modify(context.Background(), op, &reply))
	assert.Equal(t, x.KindNoSuchObject, reply.Kind)
}

func TestModify_FakeRootGlueSynthesisOnEmptyNDN(t *testing.T) {
	f := newFixture(t, acl.AllowAll{})

	op := &Operation{
		NDN: "",
		Mods: []modify.Modification{
			{Op: entry.REPLACE, Descriptor: entry.StructuralObjectClassAttr, Values: []string{"person"}, NormalizedValues: []string{"person"}},
			{Op: entry.REPLACE, Descriptor: "objectClass", Values: []string{"person"}, NormalizedValues: []string{"person"}},
			{Op: entry.ADD, Descriptor: "cn", Values: []string{"root"}, NormalizedValues: []string{"root"}},
			{Op: entry.ADD, Descriptor: "sn", Values: []string{"root"}, NormalizedValues: []string{"root"}},
		},
	}
	var reply Reply
	require.NoError(t, f.coord.Modify(context.Background(), op, &reply))
	require.Equal(t, x.KindSuccess, reply.Kind)

	// The synthesized entry is freed on success rather than cached.
	_, err := f.cache.Checkout(0, cache.Read)
	assert.ErrorIs(t, err, cache.ErrMiss)

	outer := f.store.Begin(false)
	defer outer.Abort()
	raw, err := outer.Get(x.EntryKey(0))
	require.NoError(t, err)
	var stored entry.Entry
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, []string{"person"}, stored.Find("objectClass").Values)
}

func TestModify_ReferralShortCircuitsWithoutManageDSAit(t *testing.T) {
	f := newFixture(t, acl.AllowAll{})
	e := entry.New(1, "cn=ref,o=example", "cn=ref,o=example")
	e.PutAttr(&entry.Attribute{Descriptor: "objectClass", Values: []string{"referral"}, NormalizedValues: []string{"referral"}})
	e.PutAttr(&entry.Attribute{Descriptor: entry.StructuralObjectClassAttr, Values: []string{"referral"}, NormalizedValues: []string{"referral"}})
	e.PutAttr(&entry.Attribute{Descriptor: "ref", Values: []string{"ldap://elsewhere/cn=ref,o=example"}, NormalizedValues: []string{"ldap://elsewhere/cn=ref,o=example"}})
	f.index.Put(e)

	op := &Operation{
		NDN:  "cn=ref,o=example",
		Mods: []modify.Modification{{Op: entry.ADD, Descriptor: "description", Values: []string{"x"}}},
	}
	var reply Reply
	require.NoError(t, f.coord.Modify(context.Background(), op, &reply))
	assert.Equal(t, x.KindReferral, reply.Kind)
	assert.Equal(t, []string{"ldap://elsewhere/cn=ref,o=example"}, reply.Referrals)
}

func TestModify_AssertionFailureShortCircuits(t *testing.T) {
	f := newFixture(t, acl.AllowAll{})
	seedPerson(f.index, 1, "cn=alice,o=example")

	op := &Operation{
		NDN:    "cn=alice,o=example",
		Mods:   []modify.Modification{{Op: entry.ADD, Descriptor: "description", Values: []string{"x"}}},
		Assert: func(e *entry.Entry) bool { return e.Find("cn").Values[0] == "bob" },
	}
	var reply Reply
	require.NoError(t, f.coord.Modify(context.Background(), op, &reply))
	assert.Equal(t, x.KindAssertionFailed, reply.Kind)
}

func TestModify_AccessDeniedUsesACLOverride(t *testing.T) {
	f := newFixture(t, acl.NewDenyList("description"))
	seedPerson(f.index, 1, "cn=alice,o=example")

	op := &Operation{
		NDN:  "cn=alice,o=example",
		Mods: []modify.Modification{{Op: entry.ADD, Descriptor: "description", Values: []string{"x"}}},
	}
	var reply Reply
	require.NoError(t, f.coord.Modify(context.Background(), op, &reply))
	assert.Equal(t, x.KindInsufficientAccess, reply.Kind)
}

func TestModify_SchemaViolationAbortsWithoutPersisting(t *testing.T) {
	f := newFixture(t, acl.AllowAll{})
	seedPerson(f.index, 1, "cn=alice,o=example")

	op := &Operation{
		NDN:  "cn=alice,o=example",
		Mods: []modify.Modification{{Op: entry.DELETE, Descriptor: "sn"}},
	}
	var reply Reply
	require.NoError(t, f.coord.Modify(context.Background(), op, &reply))
	assert.Equal(t, x.KindSchemaViolation, reply.Kind)

	outer := f.store.Begin(false)
	defer outer.Abort()
	_, err := outer.Get(x.EntryKey(1))
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

// flakyResolver fails the first N resolutions with a deadlock before
// delegating to the real resolver, exercising the Transaction Coordinator's
// retry-on-conflict loop end to end.
type flakyResolver struct {
	inner    resolve.Resolver
	failures int
}

func (f *flakyResolver) ResolveByNDN(ndn string, intent cache.Intent) (*cache.Handle, error) {
	if f.failures > 0 {
		f.failures--
		return nil, &x.DeadlockError{Reason: "injected for test"}
	}
	return f.inner.ResolveByNDN(ndn, intent)
}

func TestModify_RetriesOnDeadlockAndEventuallySucceeds(t *testing.T) {
	f := newFixture(t, acl.AllowAll{})
	seedPerson(f.index, 1, "cn=alice,o=example")
	f.coord.Resolver = &flakyResolver{inner: f.index, failures: 2}

	op := &Operation{
		NDN:  "cn=alice,o=example",
		Mods: []modify.Modification{{Op: entry.ADD, Descriptor: "description", Values: []string{"engineer"}}},
	}
	var reply Reply
	require.NoError(t, f.coord.Modify(context.Background(), op, &reply))
	assert.Equal(t, x.KindSuccess, reply.Kind)
}

// closeStoreOnCheck closes the backing store the first time Check runs,
// simulating a storage-layer failure that only manifests once attempt()
// reaches outer.Commit(): InnerTxn.Commit only touches the outer
// transaction's in-memory pending-writes set, so nothing fails until the
// physical commit actually talks to the (by-then-closed) database.
type closeStoreOnCheck struct {
	store  *kv.Store
	closed bool
}

func (c *closeStoreOnCheck) Check(_ string, _ *entry.Entry, _ []modify.Modification) (bool, *x.OpError) {
	if !c.closed {
		c.closed = true
		_ = c.store.Close()
	}
	return true, nil
}

func TestModify_OuterCommitFailureLeavesCacheAndHandleConsistent(t *testing.T) {
	store, err := kv.Open(t.TempDir())
	require.NoError(t, err)

	c := cache.New()
	idx := resolve.NewIndex(c)
	v := &schema.Validator{Registry: newTestRegistry()}
	seedPerson(idx, 1, "cn=alice,o=example")

	checker := &closeStoreOnCheck{store: store}
	coord := NewCoordinator(store, c, idx, checker, v)

	op := &Operation{
		NDN:  "cn=alice,o=example",
		Mods: []modify.Modification{{Op: entry.ADD, Descriptor: "description", Values: []string{"engineer"}}},
	}
	var reply Reply
	require.NoError(t, coord.Modify(context.Background(), op, &reply))
	assert.Equal(t, x.KindOther, reply.Kind, "a closed store surfaces as a generic commit failure here, not a deadlock, but the ordering guarantee is identical for both")

	// The write-intent handle must have been released even though the
	// commit never succeeded, so the entry isn't left locked forever.
	h, err := c.Checkout(1, cache.Read)
	require.NoError(t, err, "write-intent handle must be released on a failed outer commit")
	defer h.Release()

	// And the cache must still hold the untouched pre-image: a failed
	// commit must never let the discarded post-image leak into the cache,
	// the way a retried attempt would otherwise pick up never-committed
	// data as its new pre-image.
	assert.Nil(t, h.Entry().Find("description"), "cache must still show the pre-image after a failed outer commit")
}

func TestModify_AbandonedContextShortCircuitsBeforeFirstAttempt(t *testing.T) {
	f := newFixture(t, acl.AllowAll{})
	seedPerson(f.index, 1, "cn=alice,o=example")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op := &Operation{
		NDN:  "cn=alice,o=example",
		Mods: []modify.Modification{{Op: entry.ADD, Descriptor: "description", Values: []string{"x"}}},
	}
	var reply Reply
	require.NoError(t, f.coord.Modify(ctx, op, &reply))
	assert.Equal(t, x.KindAbandoned, reply.Kind)
}
