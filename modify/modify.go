// Portions Copyright 2016-2018 Dgraph Labs, Inc. are available under the Apache License v2.0.
// Portions Copyright 2022 Outcaste LLC are available under the Sustainable License v1.0.

// Package modify is the Modification Applier: a pure in-memory transformer
// from (pre-image, modification list) to a post-image or a typed error.
// Grounded on posting.List's addMutationHelper/
// AddMutationWithIndex (inspect existing posting, branch on the mutation's
// op, mutate a working copy, record index-tracking flags) for the overall
// shape, and directly on back-bdb/modify.c:bdb_modify_internal for the
// glue-purge pass and the exact per-op table.
package modify

import (
	"strconv"

	"github.com/dirserv/entrymod/entry"
	"github.com/dirserv/entrymod/schema"
	"github.com/dirserv/entrymod/x"
)

// Modification is one entry in a modify operation's ordered list. Order is
// semantically significant: later modifications observe earlier ones on
// the same attribute.
type Modification struct {
	Op               entry.Op
	Descriptor       string
	Values           []string
	NormalizedValues []string
}

// Flags tune the Applier's behavior for a single call.
type Flags struct {
	// Permissive tolerates redundant ADD-of-existing-value and
	// DELETE-of-absent-value/attribute instead of erroring.
	Permissive bool
	// ManageDIT is threaded through to the Validator, permitting certain
	// normally-forbidden structural changes.
	ManageDIT bool
}

// Apply runs the two-pass algorithm against a deep copy of pre, then
// validates the result with v. On any error, the returned *entry.Entry is
// nil and pre is left completely unchanged: the applier never partially
// commits.
func Apply(pre *entry.Entry, mods []Modification, flags Flags, v *schema.Validator) (*entry.Entry, error) {
	if len(mods) == 0 {
		return nil, x.Errorf(x.KindOther, "modify operation has no modifications")
	}

	post := pre.DeepCopy()
	glue := detectGluePromotion(mods)
	if glue {
		purgeNonOperational(post, v.Registry)
	}

	for _, m := range mods {
		if err := applyOne(post, m, flags, glue, v.Registry); err != nil {
			pre.ClearIndexFlags()
			return nil, err
		}
	}

	if err := v.Check(post, pre, flags.ManageDIT); err != nil {
		pre.ClearIndexFlags()
		return nil, err
	}

	return post, nil
}

// detectGluePromotion is Pass 1: scan for an ADD/REPLACE of
// structuralObjectClass whose value isn't the glue sentinel.
func detectGluePromotion(mods []Modification) bool {
	for _, m := range mods {
		if m.Descriptor != entry.StructuralObjectClassAttr {
			continue
		}
		if m.Op != entry.ADD && m.Op != entry.REPLACE {
			continue
		}
		for _, v := range m.Values {
			if v != entry.GlueObjectClass {
				return true
			}
		}
	}
	return false
}

// purgeNonOperational removes every non-operational attribute from the
// working copy, capturing a glue entry's promotion into a real entry: all
// prior user attributes are superseded by the incoming modifications.
func purgeNonOperational(post *entry.Entry, reg *schema.Registry) {
	kept := post.Attrs[:0]
	for _, a := range post.Attrs {
		if reg.IsOperational(a.Descriptor) {
			kept = append(kept, a)
		}
	}
	post.Attrs = kept
	post.OCFlags.Invalidate()
}

func applyOne(post *entry.Entry, m Modification, flags Flags, glue bool, reg *schema.Registry) error {
	switch m.Op {
	case entry.ADD:
		return applyAdd(post, m, flags, reg, false)
	case entry.SOFT_ADD:
		return applyAdd(post, m, flags, reg, true)
	case entry.DELETE:
		return applyDelete(post, m, flags, glue, reg)
	case entry.REPLACE:
		return applyReplace(post, m, flags, reg)
	case entry.INCREMENT:
		return applyIncrement(post, m, reg)
	default:
		return x.Errorf(x.KindOther, "invalid modify operation %v", m.Op)
	}
}

func applyAdd(post *entry.Entry, m Modification, flags Flags, reg *schema.Registry, soft bool) error {
	if err := checkSyntax(m, reg); err != nil {
		return err
	}

	a := post.Find(m.Descriptor)
	if a == nil {
		a = &entry.Attribute{Descriptor: m.Descriptor}
		post.Attrs = append(post.Attrs, a)
	}

	for i, v := range m.Values {
		nv := normalizedOf(m, i, v)
		if a.IndexOfValue(nv) >= 0 {
			if soft || flags.Permissive {
				continue // SOFT_ADD swallows it; permissive ADD tolerates it
			}
			return x.Errorf(x.KindTypeOrValueExists, "%s already has value %q", m.Descriptor, v)
		}
		a.Values = append(a.Values, v)
		a.NormalizedValues = append(a.NormalizedValues, nv)
	}

	finishAttr(a, reg)
	invalidateIfObjectClass(post, m.Descriptor)
	return nil
}

func applyDelete(post *entry.Entry, m Modification, flags Flags, glue bool, reg *schema.Registry) error {
	if glue {
		// glue_attr_delete: every DELETE in the same batch is suppressed
		// once glue-purge triggers, even one targeting an attribute that
		// survives the purge. See modify_test.go for the scenario this
		// literal behavior covers.
		return nil
	}

	a := post.Find(m.Descriptor)
	if len(m.Values) == 0 {
		if a == nil {
			if flags.Permissive {
				return nil
			}
			return x.Errorf(x.KindNoSuchAttribute, "no such attribute %s", m.Descriptor)
		}
		post.RemoveAttr(m.Descriptor)
		invalidateIfObjectClass(post, m.Descriptor)
		return nil
	}

	if a == nil {
		if flags.Permissive {
			return nil
		}
		return x.Errorf(x.KindNoSuchAttribute, "no such attribute %s", m.Descriptor)
	}

	for i, v := range m.Values {
		nv := normalizedOf(m, i, v)
		idx := a.IndexOfValue(nv)
		if idx < 0 {
			if flags.Permissive {
				continue
			}
			return x.Errorf(x.KindNoSuchAttribute, "%s has no value %q", m.Descriptor, v)
		}
		a.RemoveAt(idx)
	}

	if a.Len() == 0 {
		post.RemoveAttr(m.Descriptor)
	}
	finishAttr(a, reg)
	invalidateIfObjectClass(post, m.Descriptor)
	return nil
}

func applyReplace(post *entry.Entry, m Modification, flags Flags, reg *schema.Registry) error {
	if err := checkSyntax(m, reg); err != nil {
		return err
	}

	post.RemoveAttr(m.Descriptor)
	if len(m.Values) == 0 {
		// An empty REPLACE removes the attribute entirely. Synthesizing a
		// transient attribute here just to drive the index tracker is
		// unnecessary: RemoveAttr already dropped it from post, and the
		// untouched pre-image still carries the old values for the
		// tracker to diff against.
		invalidateIfObjectClass(post, m.Descriptor)
		return nil
	}

	a := &entry.Attribute{Descriptor: m.Descriptor}
	for i, v := range m.Values {
		nv := normalizedOf(m, i, v)
		if a.IndexOfValue(nv) >= 0 {
			continue // REPLACE de-dupes its own value list silently
		}
		a.Values = append(a.Values, v)
		a.NormalizedValues = append(a.NormalizedValues, nv)
	}
	post.Attrs = append(post.Attrs, a)
	finishAttr(a, reg)
	invalidateIfObjectClass(post, m.Descriptor)
	return nil
}

func applyIncrement(post *entry.Entry, m Modification, reg *schema.Registry) error {
	if len(m.Values) != 1 {
		return x.Errorf(x.KindConstraintViolation, "%s: INCREMENT takes exactly one value", m.Descriptor)
	}
	delta, err := strconv.ParseInt(m.Values[0], 10, 64)
	if err != nil {
		return x.Errorf(x.KindConstraintViolation, "%s: INCREMENT value %q is not an integer", m.Descriptor, m.Values[0])
	}

	a := post.Find(m.Descriptor)
	if a == nil {
		return x.Errorf(x.KindConstraintViolation, "%s: attribute absent, cannot INCREMENT", m.Descriptor)
	}
	if at, ok := reg.AttributeType(m.Descriptor); ok && !at.SingleValued && a.Len() > 1 {
		return x.Errorf(x.KindConstraintViolation, "%s: INCREMENT forbidden on multi-valued attribute", m.Descriptor)
	}

	for i, v := range a.Values {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return x.Errorf(x.KindConstraintViolation, "%s: existing value %q is not numeric", m.Descriptor, v)
		}
		nv := n + delta
		a.Values[i] = strconv.FormatInt(nv, 10)
		a.NormalizedValues[i] = a.Values[i]
	}
	finishAttr(a, reg)
	return nil
}

// finishAttr marks a touched attribute FlagIndexed when the registry says
// it's index-eligible; index.Track is what actually decides IX_DELETE/
// IX_ADD once it sees pre- and post-images side by side.
func finishAttr(a *entry.Attribute, reg *schema.Registry) {
	if at, ok := reg.AttributeType(a.Descriptor); ok && at.Indexed {
		a.Flags |= entry.FlagIndexed
	}
}

// checkSyntax validates m's values against the registered syntax for its
// descriptor. An unknown descriptor is left to the Validator (it may still
// be legal under an extensibleObject class), so checkSyntax only rejects
// values here when the descriptor IS known and its syntax says no.
func checkSyntax(m Modification, reg *schema.Registry) error {
	at, ok := reg.AttributeType(m.Descriptor)
	if !ok {
		return nil
	}
	for _, v := range m.Values {
		if err := at.Syntax.Check(v); err != nil {
			return x.Errorf(x.KindInvalidSyntax, "%s: %v", m.Descriptor, err)
		}
	}
	return nil
}

func invalidateIfObjectClass(post *entry.Entry, descriptor string) {
	if entry.IsObjectClassAttr(descriptor) || descriptor == entry.StructuralObjectClassAttr {
		post.OCFlags.Invalidate()
	}
}

func normalizedOf(m Modification, i int, v string) string {
	if i < len(m.NormalizedValues) {
		return m.NormalizedValues[i]
	}
	return v
}
