// Portions Copyright 2016-2018 Dgraph Labs, Inc. are available under the Apache License v2.0.
// Portions Copyright 2022 Outcaste LLC are available under the Sustainable License v1.0.

package x

import (
	"time"

	"github.com/golang/glog"
)

// Backoff describes the Transaction Coordinator's retry schedule for
// deadlock recovery. Retry count is unbounded in principle, but the
// schedule caps the backoff itself, and attempts past ReportAfter are
// logged loudly so operators notice a livelock instead of it running
// forever silently.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	ReportAfter int
}

// DefaultBackoff mirrors the kind of values a SuperFlag-style default
// string would carry for similarly-shaped knobs (see config.RetryDefaults).
var DefaultBackoff = Backoff{
	Initial:     5 * time.Millisecond,
	Max:         2 * time.Second,
	ReportAfter: 50,
}

// Wait sleeps the backoff duration for the given attempt (1-based) and
// logs a warning once the schedule's reporting threshold is crossed.
func (b Backoff) Wait(attempt int, label string) {
	d := b.Initial << uint(attempt-1)
	if d <= 0 || d > b.Max {
		d = b.Max
	}
	if attempt == b.ReportAfter {
		glog.Warningf("%s: %d retries so far, still retrying (backoff now %v)",
			label, attempt, d)
	} else if attempt > b.ReportAfter && attempt%b.ReportAfter == 0 {
		glog.Warningf("%s: %d retries so far, still retrying (backoff now %v)",
			label, attempt, d)
	}
	time.Sleep(d)
}
