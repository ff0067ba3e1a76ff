// Portions Copyright 2016-2018 Dgraph Labs, Inc. are available under the Apache License v2.0.
// Portions Copyright 2022 Outcaste LLC are available under the Sustainable License v1.0.

package x

import "github.com/pkg/errors"

// AssertTrue panics if b is false. Used for invariants that would indicate
// a programming error in the core rather than a client-facing failure.
func AssertTrue(b bool) {
	if !b {
		panic(errors.Errorf("Assertion failed"))
	}
}

// AssertTruef panics with a formatted message if b is false.
func AssertTruef(b bool, format string, args ...interface{}) {
	if !b {
		panic(errors.Errorf(format, args...))
	}
}

// Check panics if err is non-nil. Reserved for errors that can only be
// caused by a bug in this process (e.g. marshaling a value we just
// constructed), never by external input.
func Check(err error) {
	if err != nil {
		panic(err)
	}
}

// Checkf is like Check but wraps err with a formatted message first.
func Checkf(err error, format string, args ...interface{}) {
	if err != nil {
		panic(errors.Wrapf(err, format, args...))
	}
}
