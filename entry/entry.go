// Portions Copyright 2016-2018 Dgraph Labs, Inc. are available under the Apache License v2.0.
// Portions Copyright 2022 Outcaste LLC are available under the Sustainable License v1.0.

// Package entry holds the data model the modification core operates on:
// Entry, Attribute and Modification, the in-memory shapes that flow through
// the applier, the schema validator, and the index tracker. It plays the
// role posting.List plays for a single predicate elsewhere in this stack,
// generalized to "every attribute of one directory entry" instead of "one
// predicate across many uids".
package entry

// Op is a modification opcode.
type Op int

const (
	ADD Op = iota
	DELETE
	REPLACE
	INCREMENT
	SOFT_ADD
)

func (op Op) String() string {
	switch op {
	case ADD:
		return "ADD"
	case DELETE:
		return "DELETE"
	case REPLACE:
		return "REPLACE"
	case INCREMENT:
		return "INCREMENT"
	case SOFT_ADD:
		return "SOFT_ADD"
	default:
		return "UNKNOWN"
	}
}

// AttrFlag is a bitset of per-attribute facts tracked across one modify
// operation: whether it is indexed, and whether the Index Delta Tracker
// has marked it for an index delete or add.
type AttrFlag uint8

const (
	FlagIndexed AttrFlag = 1 << iota
	FlagIxDelete
	FlagIxAdd
	// FlagOperational marks modifytimestamp/modifiersname/createtimestamp/
	// creatorsname: attributes the core maintains itself.
	FlagOperational
)

func (f AttrFlag) Has(bit AttrFlag) bool { return f&bit != 0 }

// Attribute is one named, possibly multi-valued field of an Entry. Values
// and NormalizedValues always have the same length and are index-aligned;
// NormalizedValues hold whatever the schema's matching rule produces for
// equality/indexing (lower-cased, whitespace-folded, etc).
type Attribute struct {
	Descriptor       string
	Values           []string
	NormalizedValues []string
	Flags            AttrFlag
}

// Len returns the number of values on the attribute.
func (a *Attribute) Len() int { return len(a.Values) }

// IndexOfValue returns the position of v among Values, comparing by
// normalized form, or -1 if not present.
func (a *Attribute) IndexOfValue(normalized string) int {
	for i, nv := range a.NormalizedValues {
		if nv == normalized {
			return i
		}
	}
	return -1
}

// RemoveAt deletes the value at position i, preserving the order of the
// remaining values (append-only attribute semantics don't require this,
// but deterministic output makes tests and index bookkeeping easier to
// reason about).
func (a *Attribute) RemoveAt(i int) {
	a.Values = append(a.Values[:i], a.Values[i+1:]...)
	a.NormalizedValues = append(a.NormalizedValues[:i], a.NormalizedValues[i+1:]...)
}

// clone returns a deep copy of a whose Values/NormalizedValues slices never
// alias the receiver's backing arrays. This is what keeps the pre-image and
// post-image from aliasing's Open Question about IX_DELETE /
// IX_ADD flags being set on what should be two distinct Attribute objects.
func (a *Attribute) clone() *Attribute {
	out := &Attribute{
		Descriptor: a.Descriptor,
		Flags:      a.Flags &^ (FlagIxDelete | FlagIxAdd), // a fresh copy starts untouched by this op
	}
	if a.Values != nil {
		out.Values = append([]string(nil), a.Values...)
	}
	if a.NormalizedValues != nil {
		out.NormalizedValues = append([]string(nil), a.NormalizedValues...)
	}
	return out
}

// OCFlags caches object-class-derived facts about an Entry (e.g. "has
// structural class X", "is glue"), recomputed lazily and invalidated
// whenever the objectClass attribute is modified.
type OCFlags struct {
	valid bool
	Glue  bool
}

// Invalidate marks the cached object-class facts stale. Called whenever the
// objectClass attribute is touched by the applier.
func (f *OCFlags) Invalidate() { f.valid = false }

// recompute derives Glue from e's current structuralObjectClass value and
// marks the cache valid. Unexported: callers go through Entry.IsGlue, which
// owns the "recompute only when stale" policy.
func (f *OCFlags) recompute(e *Entry) {
	a := e.Find(StructuralObjectClassAttr)
	f.Glue = a != nil && len(a.Values) == 1 && a.Values[0] == GlueObjectClass
	f.valid = true
}

// Entry is one directory entry: a stable id, its DN, and its attributes.
type Entry struct {
	ID      uint64
	DN      string
	NDN     string
	Attrs   []*Attribute
	OCFlags OCFlags
}

// New creates an empty, unattached Entry. Used both by resolve's reference
// store and by the Transaction Coordinator's fake-root glue synthesis.
func New(id uint64, dn, ndn string) *Entry {
	return &Entry{ID: id, DN: dn, NDN: ndn}
}

// Find returns the attribute with the given descriptor, or nil.
func (e *Entry) Find(descriptor string) *Attribute {
	for _, a := range e.Attrs {
		if a.Descriptor == descriptor {
			return a
		}
	}
	return nil
}

// indexOfAttr returns the position of the attribute with the given
// descriptor in e.Attrs, or -1.
func (e *Entry) indexOfAttr(descriptor string) int {
	for i, a := range e.Attrs {
		if a.Descriptor == descriptor {
			return i
		}
	}
	return -1
}

// RemoveAttr deletes the whole attribute with the given descriptor, if
// present, and reports whether anything was removed.
func (e *Entry) RemoveAttr(descriptor string) bool {
	i := e.indexOfAttr(descriptor)
	if i < 0 {
		return false
	}
	e.Attrs = append(e.Attrs[:i], e.Attrs[i+1:]...)
	return true
}

// PutAttr appends a newly-constructed attribute, replacing any existing one
// with the same descriptor. Callers that want ADD-style appends to an
// existing attribute should mutate the *Attribute returned by Find instead.
func (e *Entry) PutAttr(a *Attribute) {
	e.RemoveAttr(a.Descriptor)
	e.Attrs = append(e.Attrs, a)
}

// DeepCopy returns an Entry whose Attrs slice, and every Attribute inside
// it, is fully independent of the receiver's: the owned deep copy that
// becomes the post-image.
func (e *Entry) DeepCopy() *Entry {
	out := &Entry{
		ID:      e.ID,
		DN:      e.DN,
		NDN:     e.NDN,
		OCFlags: e.OCFlags,
	}
	out.Attrs = make([]*Attribute, len(e.Attrs))
	for i, a := range e.Attrs {
		out.Attrs[i] = a.clone()
	}
	return out
}

// ClearIndexFlags clears IX_DELETE/IX_ADD on every attribute of e. On any
// failure inside the applier, all index-tracking flags on the pre-image
// are cleared so a subsequent retry starts from a clean slate.
func (e *Entry) ClearIndexFlags() {
	for _, a := range e.Attrs {
		a.Flags &^= FlagIxDelete | FlagIxAdd
	}
}

// IsGlue reports whether e's current structuralObjectClass is the glue
// sentinel, recomputing the cached fact first if it was invalidated by a
// prior objectClass/structuralObjectClass modification.
func (e *Entry) IsGlue() bool {
	if !e.OCFlags.valid {
		e.OCFlags.recompute(e)
	}
	return e.OCFlags.Glue
}

// IsObjectClassAttr reports whether descriptor is the objectClass
// attribute. The applier invalidates OCFlags when it modifies objectClass
// or structuralObjectClass.
func IsObjectClassAttr(descriptor string) bool {
	return descriptor == "objectClass"
}

// StructuralObjectClassAttr and friends name the handful of descriptors
// the core treats specially; kept here rather than in schema so entry can
// be used standalone (e.g. by resolve's reference store) without importing
// the registry.
const (
	StructuralObjectClassAttr = "structuralObjectClass"
	GlueObjectClass           = "glue"
)
