// Portions Copyright 2016-2018 Dgraph Labs, Inc. are available under the Apache License v2.0.
// Portions Copyright 2022 Outcaste LLC are available under the Sustainable License v1.0.

// Package schema is the registry and Validator collaborator: it holds
// object-class definitions, attribute descriptors (syntax, single-valued,
// operational, indexed), and structural/content checks run once against an
// entry's post-image. Grounded on the TypeID enum in types/scalar_types.go
// (a byte-sized kind with a String()/lookup-by-name pair) and on the
// schema.State() singleton idiom used throughout posting/index.go
// (TypeOf/IsIndexed/Tokenizer/HasCount), here applied to LDAP-style object
// classes instead of Dgraph predicates.
package schema

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/dirserv/entrymod/entry"
	"github.com/dirserv/entrymod/x"
)

// Syntax identifies how an attribute's values are validated. It plays the
// role types.TypeID plays for Dgraph predicates.
type Syntax byte

const (
	SyntaxDirectoryString Syntax = iota
	SyntaxInteger
	SyntaxBoolean
	SyntaxDN
	SyntaxGeneralizedTime
	SyntaxOID
)

func (s Syntax) String() string {
	switch s {
	case SyntaxDirectoryString:
		return "DirectoryString"
	case SyntaxInteger:
		return "Integer"
	case SyntaxBoolean:
		return "Boolean"
	case SyntaxDN:
		return "DN"
	case SyntaxGeneralizedTime:
		return "GeneralizedTime"
	case SyntaxOID:
		return "OID"
	default:
		return "Unknown"
	}
}

// Check reports whether value is well-formed for the syntax. Kept narrow:
// this core validates *shape*, not semantic equivalence (that's the
// matching rule's job, out of scope).
func (s Syntax) Check(value string) error {
	switch s {
	case SyntaxInteger:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return errors.Errorf("value %q is not a valid integer", value)
		}
	case SyntaxBoolean:
		if value != "TRUE" && value != "FALSE" {
			return errors.Errorf("value %q is not TRUE or FALSE", value)
		}
	case SyntaxGeneralizedTime:
		if len(value) < len("YYYYMMDDhhmmssZ") || value[len(value)-1] != 'Z' {
			return errors.Errorf("value %q is not a generalized time", value)
		}
	}
	return nil
}

// AttributeType is a descriptor's schema-side definition: everything about
// an attribute type that doesn't vary per-entry.
type AttributeType struct {
	Name          string
	Syntax        Syntax
	SingleValued  bool
	Operational   bool
	Indexed       bool
	EqualityMatch bool // whether an equality matching rule is defined (index-eligible)
}

// ObjectClass is a MUST/MAY attribute-list definition. Structural is false
// for auxiliary classes; the glue class (entry.GlueObjectClass) is
// structural with no MUST/MAY attributes of its own.
type ObjectClass struct {
	Name       string
	Structural bool
	Must       []string
	May        []string
}

// Registry is the schema singleton: a read-write-mutex-guarded map of
// attribute types and object classes, mirroring schema.State()'s role
// elsewhere in this stack (a process-wide registry accessed by short-held
// RLock reads on the hot path).
type Registry struct {
	mu      sync.RWMutex
	attrs   map[string]*AttributeType
	classes map[string]*ObjectClass
}

var (
	stateMu sync.RWMutex
	state   *Registry
)

// State returns the process-wide registry, lazily initialized to the
// built-in directory schema on first use. Mirrors schema.State()'s
// lazy-singleton shape elsewhere in this stack.
func State() *Registry {
	stateMu.RLock()
	if state != nil {
		defer stateMu.RUnlock()
		return state
	}
	stateMu.RUnlock()

	stateMu.Lock()
	defer stateMu.Unlock()
	if state == nil {
		state = NewRegistry()
		state.loadBuiltins()
	}
	return state
}

// SetState installs r as the process-wide registry. Tests use this to swap
// in a Registry seeded with exactly the attribute types/classes a scenario
// needs, without mutating the shared built-in one.
func SetState(r *Registry) {
	stateMu.Lock()
	defer stateMu.Unlock()
	state = r
}

// NewRegistry returns an empty registry. Use Register{Attribute,Class} to
// populate it, or State() for the process-wide one with built-ins loaded.
func NewRegistry() *Registry {
	return &Registry{
		attrs:   make(map[string]*AttributeType),
		classes: make(map[string]*ObjectClass),
	}
}

func (r *Registry) loadBuiltins() {
	for _, a := range []*AttributeType{
		{Name: "objectClass", Syntax: SyntaxOID, SingleValued: false, Indexed: true, EqualityMatch: true},
		{Name: "structuralObjectClass", Syntax: SyntaxOID, SingleValued: true, Operational: true},
		{Name: "cn", Syntax: SyntaxDirectoryString, Indexed: true, EqualityMatch: true},
		{Name: "description", Syntax: SyntaxDirectoryString, Indexed: true, EqualityMatch: true},
		{Name: "o", Syntax: SyntaxDirectoryString, Indexed: true, EqualityMatch: true},
		{Name: "ou", Syntax: SyntaxDirectoryString, Indexed: true, EqualityMatch: true},
		{Name: "uidNumber", Syntax: SyntaxInteger, SingleValued: true},
		{Name: "modifyTimestamp", Syntax: SyntaxGeneralizedTime, SingleValued: true, Operational: true},
		{Name: "modifiersName", Syntax: SyntaxDN, SingleValued: true, Operational: true},
		{Name: "createTimestamp", Syntax: SyntaxGeneralizedTime, SingleValued: true, Operational: true},
		{Name: "creatorsName", Syntax: SyntaxDN, SingleValued: true, Operational: true},
	} {
		r.attrs[a.Name] = a
	}
	for _, c := range []*ObjectClass{
		{Name: entry.GlueObjectClass, Structural: true},
		{Name: "organization", Structural: true, Must: []string{"o"}},
		{Name: "organizationalUnit", Structural: true, Must: []string{"ou"}},
		{Name: "person", Structural: true, Must: []string{"cn", "sn"}, May: []string{"description", "uidNumber"}},
		{Name: "extensibleObject", Structural: false},
	} {
		r.classes[c.Name] = c
	}
}

// RegisterAttribute adds or replaces an attribute type definition.
func (r *Registry) RegisterAttribute(a *AttributeType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attrs[a.Name] = a
}

// RegisterClass adds or replaces an object class definition.
func (r *Registry) RegisterClass(c *ObjectClass) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[c.Name] = c
}

// AttributeType looks up an attribute's schema definition. Unknown
// attributes report ok == false (with a nil type) rather than an error here;
// Validator.Check is where "unknown attribute" becomes a hard failure for
// non-extensible entries.
func (r *Registry) AttributeType(name string) (*AttributeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.attrs[name]
	return a, ok
}

// IsIndexed reports whether descriptor is an indexed attribute, the gate
// the Index Delta Tracker checks before setting IX_DELETE/
// IX_ADD on an attribute touched by a modification.
func (r *Registry) IsIndexed(descriptor string) bool {
	a, ok := r.AttributeType(descriptor)
	return ok && a.Indexed
}

// IsOperational reports whether descriptor is registered as a
// server-maintained attribute (e.g. modifyTimestamp or
// structuralObjectClass). Glue-promotion purge keeps these attributes and
// snapshots hide them unless asked; the Operational-Attribute Injector uses
// its own fixed list instead of this check.
func (r *Registry) IsOperational(descriptor string) bool {
	a, ok := r.AttributeType(descriptor)
	return ok && a.Operational
}

// Class looks up an object class definition by name.
func (r *Registry) Class(name string) (*ObjectClass, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[name]
	return c, ok
}

// Validator runs the structural and content checks against a post-image,
// once, after every modification in a batch has been applied.
type Validator struct {
	Registry *Registry
}

// NewValidator returns a Validator bound to the process-wide registry.
func NewValidator() *Validator {
	return &Validator{Registry: State()}
}

// Check validates post (the new entry image) against pre (for the
// manageDIT structural-class-immutability rule, which needs to compare
// before/after). manageDIT permits an otherwise-forbidden change to
// structuralObjectClass, mirroring get_manageDIT(op) gating
// entry_schema_check in the original back-bdb/modify.c.
func (v *Validator) Check(post, pre *entry.Entry, manageDIT bool) error {
	r := v.Registry

	structAttr := post.Find(entry.StructuralObjectClassAttr)
	if !manageDIT && pre != nil {
		preStruct := pre.Find(entry.StructuralObjectClassAttr)
		preVal, postVal := "", ""
		if preStruct != nil && len(preStruct.Values) == 1 {
			preVal = preStruct.Values[0]
		}
		if structAttr != nil && len(structAttr.Values) == 1 {
			postVal = structAttr.Values[0]
		}
		// The one legitimate structuralObjectClass change is glue
		// promotion (pre == "glue"); any other change is forbidden
		// without manageDIT.
		if preVal != "" && postVal != "" && preVal != postVal && !pre.IsGlue() {
			return x.Errorf(x.KindSchemaViolation,
				"structuralObjectClass is immutable without manageDIT (was %q, now %q)", preVal, postVal)
		}
	}

	classes := objectClassNames(post)
	must := map[string]bool{}
	allowed := map[string]bool{}
	extensible := false
	sawStructural := false
	for _, cname := range classes {
		oc, ok := r.Class(cname)
		if !ok {
			return x.Errorf(x.KindSchemaViolation, "unknown object class %q", cname)
		}
		if oc.Name == "extensibleObject" {
			extensible = true
		}
		if oc.Structural {
			sawStructural = true
		}
		for _, a := range oc.Must {
			must[a] = true
			allowed[a] = true
		}
		for _, a := range oc.May {
			allowed[a] = true
		}
	}
	if len(classes) > 0 && !sawStructural {
		return x.Errorf(x.KindSchemaViolation, "entry has no structural object class")
	}

	for attr := range must {
		a := post.Find(attr)
		if a == nil || len(a.Values) == 0 {
			return x.Errorf(x.KindSchemaViolation, "missing required attribute %q", attr)
		}
	}

	for _, a := range post.Attrs {
		at, known := r.AttributeType(a.Descriptor)
		if !known {
			if !extensible {
				return x.Errorf(x.KindSchemaViolation, "attribute %q not allowed by entry's object classes", a.Descriptor)
			}
			continue
		}
		if at.Operational || a.Descriptor == "objectClass" {
			continue // operational attrs and objectClass itself are always allowed
		}
		if !allowed[a.Descriptor] && !extensible {
			return x.Errorf(x.KindSchemaViolation, "attribute %q not allowed by entry's object classes", a.Descriptor)
		}
		if at.SingleValued && len(a.Values) > 1 {
			return x.Errorf(x.KindSchemaViolation, "attribute %q is single-valued but has %d values", a.Descriptor, len(a.Values))
		}
		for _, v := range a.Values {
			if err := at.Syntax.Check(v); err != nil {
				return x.Errorf(x.KindSchemaViolation, "attribute %q: %v", a.Descriptor, err)
			}
		}
	}
	return nil
}

func objectClassNames(e *entry.Entry) []string {
	a := e.Find("objectClass")
	if a == nil {
		return nil
	}
	return append([]string(nil), a.Values...)
}
