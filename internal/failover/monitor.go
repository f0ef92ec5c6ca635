// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package failover watches multipath state converge after paths are blocked
// or restored. The multipath layer has no change notification, so both the
// Monitor and the Checker poll.
package failover

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/pkg/retry"
)

const (
	// DefaultInterval is the time between probes.
	DefaultInterval = time.Second

	// DefaultFailoverTimeout bounds the wait for failed paths to be noticed.
	DefaultFailoverTimeout = 50 * time.Second

	// DefaultRestoreTimeout bounds the wait for restored paths to return.
	DefaultRestoreTimeout = 120 * time.Second
)

// State is the state of a Monitor.
type State int

const (
	// Running means no terminal state has been reached yet.
	Running State = iota

	// Converged means the expected path state was observed.
	Converged

	// TimedOut means the deadline passed first, or the wait was cancelled.
	TimedOut
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Converged:
		return "converged"
	case TimedOut:
		return "timed out"
	}
	return "unknown"
}

// Outcome is the terminal result of a wait.
type Outcome struct {
	State State

	// Elapsed is the time from the start to the deciding probe.
	Elapsed time.Duration

	// Probes is the number of probes made.
	Probes int

	// LastActive is the active path count of the last successful probe, or
	// -1 if no probe succeeded.
	LastActive int

	// LastErr is the error of the last failed probe, if any.
	LastErr error
}

// Monitor waits for the active path count of a device to drop by an
// expected amount.
type Monitor struct {
	Prober Prober

	// Interval between probes, and the total time to wait.
	Interval time.Duration
	Timeout  time.Duration

	// Clock to wait with. Nil means the real clock.
	Clock retry.Clock
}

// NewMonitor returns a Monitor with the default interval and timeout.
func NewMonitor(p Prober) *Monitor {
	return &Monitor{Prober: p, Interval: DefaultInterval, Timeout: DefaultFailoverTimeout}
}

// Run probes 'dev' every Interval until baseline minus the active path count
// satisfies 'policy' against 'expected', or Timeout passes. The first probe
// happens one Interval after the start, so Converged always follows at least
// one probe. A failed probe counts as not converged.
func (m *Monitor) Run(ctx context.Context, dev core.DeviceIdentity, baseline, expected int, policy Policy) Outcome {
	out := Outcome{LastActive: -1}
	p := retry.Poller{Interval: m.Interval, Timeout: m.Timeout, Clock: m.Clock}
	res := p.Poll(ctx, func(n int) bool {
		paths, err := m.Prober.Probe(ctx, dev, true)
		if err != nil {
			log.Errorf("failover probe %d of %s: %s", n, dev.ProbeKey(), err)
			out.LastErr = err
			return false
		}
		out.LastActive = len(paths)
		delta := baseline - len(paths)
		log.V(1).Infof("failover probe %d: %d of %d active, drop %d, want %s %d", n, len(paths), baseline, delta, policy, expected)
		return policy.Satisfied(delta, expected)
	})
	out.Elapsed, out.Probes = res.Elapsed, res.Polls
	if res.Done {
		out.State = Converged
	} else {
		out.State = TimedOut
		if res.Cancelled {
			out.LastErr = ctx.Err()
		}
	}
	log.Infof("failover of %s %s after %s and %d probes", dev.ProbeKey(), out.State, out.Elapsed, out.Probes)
	return out
}

// Start runs Run in a new goroutine. The Outcome is sent on the returned
// channel once a terminal state is reached.
func (m *Monitor) Start(ctx context.Context, dev core.DeviceIdentity, baseline, expected int, policy Policy) <-chan Outcome {
	c := make(chan Outcome, 1)
	go func() {
		c <- m.Run(ctx, dev, baseline, expected, policy)
	}()
	return c
}
