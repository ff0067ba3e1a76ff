// Portions Copyright 2016-2018 Dgraph Labs, Inc. are available under the Apache License v2.0.
// Portions Copyright 2022 Outcaste LLC are available under the Sustainable License v1.0.

// Package acl is the access-control collaborator:
// acl_check_modlist(op, entry, modlist) -> bool, with a more specific error
// code optionally stashed for the Transaction Coordinator to read back and
// use in place of a generic access-denied reply. Grounded directly on
// back-bdb/modify.c's acl_check_modlist call and opinfo.boi_err override of
// LDAP_INSUFFICIENT_ACCESS. Real ACL evaluation is out of scope here; this
// ships an interface plus two reference implementations, DenyList and
// AllowAll.
package acl

import (
	"github.com/dirserv/entrymod/entry"
	"github.com/dirserv/entrymod/modify"
	"github.com/dirserv/entrymod/x"
)

// Checker is the access-control collaborator contract.
type Checker interface {
	// Check reports whether the authenticated identity behind op may apply
	// mods to e. If it returns false, Override may also return a more
	// specific *x.OpError (e.g. KindReferral) that should replace the
	// generic KindInsufficientAccess the coordinator would otherwise use.
	Check(authenticatedDN string, e *entry.Entry, mods []modify.Modification) (bool, *x.OpError)
}

// DenyList is a reference Checker: every modification is allowed unless it
// targets a descriptor in Denied, in which case the whole operation is
// refused. This is intentionally the simplest possible policy; production
// ACL evaluation (filters, scoped grants, inheritance) is explicitly out of
// scope
type DenyList struct {
	Denied map[string]bool
}

// NewDenyList returns a Checker that refuses any modification touching one
// of the named descriptors.
func NewDenyList(descriptors ...string) *DenyList {
	d := &DenyList{Denied: make(map[string]bool, len(descriptors))}
	for _, a := range descriptors {
		d.Denied[a] = true
	}
	return d
}

// Check implements Checker.
func (d *DenyList) Check(_ string, _ *entry.Entry, mods []modify.Modification) (bool, *x.OpError) {
	for _, m := range mods {
		if d.Denied[m.Descriptor] {
			return false, x.Errorf(x.KindInsufficientAccess,
				"modification of attribute %q is not permitted", m.Descriptor)
		}
	}
	return true, nil
}

// AllowAll is a Checker that never refuses, useful for tests and for
// backends that enforce access control entirely upstream of this core.
type AllowAll struct{}

// Check implements Checker.
func (AllowAll) Check(string, *entry.Entry, []modify.Modification) (bool, *x.OpError) {
	return true, nil
}
