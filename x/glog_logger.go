// Portions Copyright 2017-2018 Dgraph Labs, Inc. are available under the Apache 2.0 license.
// Portions Copyright 2022 Outcaste, Inc. are available under the Smart License.

package x

import "github.com/golang/glog"

// ToGlog bridges Badger's Logger interface onto glog, wired in with
// `WithLogger(&x.ToGlog{})` the same way worker.setBadgerOptions does.
type ToGlog struct{}

func (rl *ToGlog) Errorf(format string, args ...interface{}) {
	glog.Errorf(format, args...)
}

func (rl *ToGlog) Warningf(format string, args ...interface{}) {
	glog.Warningf(format, args...)
}

func (rl *ToGlog) Infof(format string, args ...interface{}) {
	glog.Infof(format, args...)
}

func (rl *ToGlog) Debugf(format string, args ...interface{}) {
	glog.V(2).Infof(format, args...)
}
