// Portions Copyright 2017-2018 Dgraph Labs, Inc. are available under the Apache 2.0 license.
// Portions Copyright 2022 Outcaste, Inc. are available under the Smart License.

// Package config holds the core's tunables, populated from pflag the same
// way worker/server_state.go's *Defaults constants are: a SuperFlag-style
// "k=v; k=v" string with every possible option spelled out in the default,
// so an option the user leaves out still has a value. A key that is not one
// of the known options is not reported; it is simply never read.
package config

import (
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/dirserv/entrymod/x"
)

// RetryDefaults mirrors the shape of worker.RaftDefaults/CacheDefaults:
// every tunable of x.Backoff spelled out with its default value.
const RetryDefaults = `initial=5ms; max=2s; report-after=50;`

// CheckpointDefaults configures kv.Store.Checkpoint's cadence and
// discard-ratio threshold.
const CheckpointDefaults = `after-commits=256; discard-ratio=0.5;`

// Options is the parsed configuration for one entrymod instance.
type Options struct {
	PostingDir string
	Retry      x.Backoff

	CheckpointAfterCommits int64
	CheckpointDiscardRatio float64
}

// RegisterFlags registers this package's flags on flagSet, mirroring the
// worker package's convention of one SuperFlag-shaped string flag per
// concern instead of one flag per knob.
func RegisterFlags(flagSet *pflag.FlagSet) {
	flagSet.String("postings", "p", "Directory to store posting lists (entries and index rows).")
	flagSet.String("retry", RetryDefaults, "Deadlock-retry backoff schedule.")
	flagSet.String("checkpoint", CheckpointDefaults, "Checkpoint/value-log-GC cadence.")
}

// Parse reads Options out of flagSet, applying this package's *Defaults
// constants ahead of the user-provided value via x.ParseSuperFlag.
func Parse(flagSet *pflag.FlagSet) (Options, error) {
	postingDir, err := flagSet.GetString("postings")
	if err != nil {
		return Options{}, err
	}
	retryRaw, err := flagSet.GetString("retry")
	if err != nil {
		return Options{}, err
	}
	checkpointRaw, err := flagSet.GetString("checkpoint")
	if err != nil {
		return Options{}, err
	}

	retry := x.ParseSuperFlag(retryRaw, RetryDefaults)
	checkpoint := x.ParseSuperFlag(checkpointRaw, CheckpointDefaults)

	opt := Options{PostingDir: postingDir}
	opt.Retry.Initial, err = time.ParseDuration(retry.GetString("initial"))
	if err != nil {
		return Options{}, err
	}
	opt.Retry.Max, err = time.ParseDuration(retry.GetString("max"))
	if err != nil {
		return Options{}, err
	}
	opt.Retry.ReportAfter = int(parseIntOr(retry.GetString("report-after"), 50))

	opt.CheckpointAfterCommits = parseIntOr(checkpoint.GetString("after-commits"), 256)
	opt.CheckpointDiscardRatio = parseFloatOr(checkpoint.GetString("discard-ratio"), 0.5)
	return opt, nil
}

func parseIntOr(s string, def int64) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func parseFloatOr(s string, def float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}
