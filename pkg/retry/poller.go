// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"time"
)

// Check is called once per poll with the 1-based poll number. It returns
// true once the awaited condition holds.
type Check func(poll int) (done bool)

// Poller calls a Check at a fixed period until it succeeds or a deadline
// passes. Unlike Retrier there is no backoff: the period is the sampling
// rate of an external state we can't subscribe to.
type Poller struct {
	// Interval between the start (or the previous check) and the next check.
	Interval time.Duration

	// Timeout bounds the elapsed time since the start. Once a check runs at
	// or past it without succeeding, polling stops.
	Timeout time.Duration

	// Clock to sleep and measure elapsed time with. Nil means the real clock.
	Clock Clock
}

// PollResult describes how a Poll ended.
type PollResult struct {
	// Done is true if the check succeeded.
	Done bool

	// Cancelled is true if the context ended first.
	Cancelled bool

	// Elapsed is the time from the start to the last check.
	Elapsed time.Duration

	// Polls is the number of checks that ran.
	Polls int
}

// Poll waits one Interval, runs check, and repeats. The check always runs at
// least once unless the context is cancelled during the first wait.
func (p *Poller) Poll(ctx context.Context, check Check) PollResult {
	clock := clockOrReal(p.Clock)
	start := clock.Now()
	var res PollResult
	for {
		select {
		case <-clock.After(p.Interval):
		case <-ctx.Done():
			res.Cancelled = true
			return res
		}
		res.Polls++
		res.Elapsed = clock.Now().Sub(start)
		if check(res.Polls) {
			res.Done = true
			return res
		}
		if res.Elapsed >= p.Timeout {
			return res
		}
	}
}
