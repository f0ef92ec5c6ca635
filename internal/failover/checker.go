// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package failover

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/pkg/retry"
)

// Checker decides whether a device is back to its baseline path state.
type Checker struct {
	Prober Prober

	// Interval between probes, and the total time WaitRestored waits.
	Interval time.Duration
	Timeout  time.Duration

	// Clock to wait with. Nil means the real clock.
	Clock retry.Clock
}

// NewChecker returns a Checker with the default interval and timeout.
func NewChecker(p Prober) *Checker {
	return &Checker{Prober: p, Interval: DefaultInterval, Timeout: DefaultRestoreTimeout}
}

// HasRestored probes 'dev' once and returns true if at least 'baseline'
// paths are active. More paths than before is fine; a path may show up
// while others come back.
func (c *Checker) HasRestored(ctx context.Context, dev core.DeviceIdentity, baseline int) (bool, error) {
	n, err := c.active(ctx, dev)
	if err != nil {
		return false, err
	}
	return n >= baseline, nil
}

func (c *Checker) active(ctx context.Context, dev core.DeviceIdentity) (int, error) {
	paths, err := c.Prober.Probe(ctx, dev, true)
	if err != nil {
		return 0, err
	}
	return len(paths), nil
}

// WaitRestored calls HasRestored every Interval until it's true or Timeout
// passes.
func (c *Checker) WaitRestored(ctx context.Context, dev core.DeviceIdentity, baseline int) Outcome {
	out := Outcome{LastActive: -1}
	p := retry.Poller{Interval: c.Interval, Timeout: c.Timeout, Clock: c.Clock}
	res := p.Poll(ctx, func(n int) bool {
		active, err := c.active(ctx, dev)
		if err != nil {
			log.Errorf("restore probe %d of %s: %s", n, dev.ProbeKey(), err)
			out.LastErr = err
			return false
		}
		out.LastActive = active
		log.V(1).Infof("restore probe %d: %d active, want %d", n, active, baseline)
		return active >= baseline
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
	log.Infof("restore of %s %s after %s and %d probes", dev.ProbeKey(), out.State, out.Elapsed, out.Probes)
	return out
}

// Err returns a core.ErrConvergenceTimeout describing a timed out Outcome,
// or nil if it converged.
func (o Outcome) Err(what string) error {
	if o.State == Converged {
		return nil
	}
	if o.LastErr != nil {
		return core.ErrConvergenceTimeout.Errorf("%s: no convergence after %s (%d probes, last error: %s)", what, o.Elapsed, o.Probes, o.LastErr)
	}
	return core.ErrConvergenceTimeout.Errorf("%s: no convergence after %s (%d probes, %d active)", what, o.Elapsed, o.Probes, o.LastActive)
}
