// Portions Copyright 2016-2018 Dgraph Labs, Inc. are available under the Apache License v2.0.
// Portions Copyright 2022 Outcaste LLC are available under the Sustainable License v1.0.

// Package opattr is the Operational-Attribute Injector: before the applier
// runs (and only for a non-shadow/replica backend), it strips any user
// modification targeting the four maintained attributes and prepends
// REPLACE modifications for modifiersName and modifyTimestamp. The
// original's shell-backend variant and the legacy add_lastmods path are
// collapsed into this one component. Access to the current-time read is
// guarded by a package-level mutex, since the clock read is shared
// process-wide.
package opattr

import (
	"sync"
	"time"

	"github.com/dirserv/entrymod/entry"
	"github.com/dirserv/entrymod/modify"
)

const (
	ModifyTimestamp = "modifyTimestamp"
	ModifiersName   = "modifiersName"
	CreateTimestamp = "createTimestamp"
	CreatorsName    = "creatorsName"

	// AnonymousSentinel is the modifiersName value recorded when the
	// operation's authenticated DN is empty (anonymous bind).
	AnonymousSentinel = "anonymous"

	// timeFormat is the generalized-time layout the registry's
	// GeneralizedTime syntax check expects: YYYYMMDDhhmmssZ.
	timeFormat = "20060102150405Z"
)

var maintained = map[string]bool{
	ModifyTimestamp: true,
	ModifiersName:   true,
	CreateTimestamp: true,
	CreatorsName:    true,
}

var nowMu sync.Mutex

// now reads the current time under nowMu, the one shared critical section
// this package has.
func now() time.Time {
	nowMu.Lock()
	defer nowMu.Unlock()
	return time.Now().UTC()
}

// Inject rewrites mods for a non-shadow backend: stripping any user
// modification of the four maintained attributes, then prepending REPLACE
// modifications for modifiersName (authenticatedDN, or AnonymousSentinel
// when anonymous) and modifyTimestamp in timeFormat. Returns mods
// unmodified when shadow is true.
func Inject(mods []modify.Modification, authenticatedDN string, shadow bool) []modify.Modification {
	if shadow {
		return mods
	}

	stripped := make([]modify.Modification, 0, len(mods))
	for _, m := range mods {
		if maintained[m.Descriptor] {
			continue
		}
		stripped = append(stripped, m)
	}

	modifiers := authenticatedDN
	if modifiers == "" {
		modifiers = AnonymousSentinel
	}
	ts := now().Format(timeFormat)

	out := make([]modify.Modification, 0, len(stripped)+2)
	out = append(out,
		modify.Modification{Op: entry.REPLACE, Descriptor: ModifiersName, Values: []string{modifiers}, NormalizedValues: []string{modifiers}},
		modify.Modification{Op: entry.REPLACE, Descriptor: ModifyTimestamp, Values: []string{ts}, NormalizedValues: []string{ts}},
	)
	return append(out, stripped...)
}
