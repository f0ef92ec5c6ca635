// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package failover

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	test "github.com/westerndigitalcorporation/mpathcert/pkg/testutil"
)

// seqProber reports the active path counts in 'counts', one per probe,
// repeating the last one forever. A negative count is a failed probe.
type seqProber struct {
	lock   sync.Mutex
	counts []int
	probes int
	times  []time.Time
	clock  *test.FakeClock
}

func (p *seqProber) Probe(ctx context.Context, dev core.DeviceIdentity, activeOnly bool) ([]core.PathRecord, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	i := p.probes
	if i >= len(p.counts) {
		i = len(p.counts) - 1
	}
	p.probes++
	if p.clock != nil {
		p.times = append(p.times, p.clock.Now())
	}
	n := p.counts[i]
	if n < 0 {
		return nil, core.ErrProbe.Errorf("probe %d failed", p.probes)
	}
	var paths []core.PathRecord
	for j := 0; j < n; j++ {
		paths = append(paths, core.PathRecord{Location: fmt.Sprintf("%d:0:0:1", j), Status: core.PathActive})
	}
	return paths, nil
}

var dev = core.DeviceIdentity{SCSIID: "3600"}

func newTestMonitor(p Prober, clock *test.FakeClock) *Monitor {
	m := NewMonitor(p)
	m.Clock = clock
	return m
}

// Four paths, two blocked at t=0, probes at t=1..4 see 4,4,2,2.
func TestMonitorExactConverges(t *testing.T) {
	clock := test.NewFakeClock()
	start := clock.Now()
	p := &seqProber{counts: []int{4, 4, 2, 2}, clock: clock}
	out := newTestMonitor(p, clock).Run(context.Background(), dev, 4, 2, Exact)

	if out.State != Converged {
		t.Fatalf("exp converged and got %s", out.State)
	}
	if out.Elapsed != 3*time.Second || out.Probes != 3 {
		t.Fatalf("exp convergence at 3s after 3 probes and got %s after %d", out.Elapsed, out.Probes)
	}
	if out.LastActive != 2 {
		t.Fatalf("exp 2 active and got %d", out.LastActive)
	}
	// The first probe only happens after one interval.
	if first := p.times[0].Sub(start); first != time.Second {
		t.Fatalf("first probe at %s", first)
	}
}

func TestMonitorExactRejectsOvershoot(t *testing.T) {
	clock := test.NewFakeClock()
	p := &seqProber{counts: []int{4, 1}}
	out := newTestMonitor(p, clock).Run(context.Background(), dev, 4, 2, Exact)
	if out.State != TimedOut {
		t.Fatalf("a drop of 3 is not exactly 2, got %s", out.State)
	}
	if !core.ErrConvergenceTimeout.Is(out.Err("failover")) {
		t.Fatalf("exp a convergence timeout error")
	}

	p = &seqProber{counts: []int{4, 1}}
	out = newTestMonitor(p, clock).Run(context.Background(), dev, 4, 2, AtLeast)
	if out.State != Converged || out.Probes != 2 {
		t.Fatalf("a drop of 3 is at least 2, got %s after %d", out.State, out.Probes)
	}
}

func TestMonitorTimesOutAfterFiftyPolls(t *testing.T) {
	clock := test.NewFakeClock()
	p := &seqProber{counts: []int{4}}
	out := newTestMonitor(p, clock).Run(context.Background(), dev, 4, 1, Exact)
	if out.State != TimedOut {
		t.Fatalf("exp timed out and got %s", out.State)
	}
	if out.Probes != 50 || out.Elapsed != 50*time.Second {
		t.Fatalf("exp 50 probes over 50s and got %d over %s", out.Probes, out.Elapsed)
	}
	if out.Err("failover") == nil {
		t.Fatalf("a timed out outcome must carry an error")
	}
}

func TestMonitorProbeErrorsDontConverge(t *testing.T) {
	clock := test.NewFakeClock()
	// With baseline 2 and expected 2, a failed probe returning no paths
	// would look like convergence if it were counted.
	p := &seqProber{counts: []int{-1, -1, 0}}
	out := newTestMonitor(p, clock).Run(context.Background(), dev, 2, 2, Exact)
	if out.State != Converged || out.Probes != 3 {
		t.Fatalf("exp convergence on the third probe and got %s after %d", out.State, out.Probes)
	}
	if !core.ErrProbe.Is(out.LastErr) {
		t.Fatalf("the probe error should be kept, got %v", out.LastErr)
	}
}

func TestMonitorStart(t *testing.T) {
	clock := test.NewFakeClock()
	p := &seqProber{counts: []int{3, 2}}
	c := newTestMonitor(p, clock).Start(context.Background(), dev, 3, 1, AtLeast)
	select {
	case out := <-c:
		if out.State != Converged || out.Elapsed != 2*time.Second {
			t.Fatalf("unexpected outcome %+v", out)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("monitor never finished")
	}
}

func TestMonitorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMonitor(&seqProber{counts: []int{4}})
	m.Interval = time.Hour
	out := m.Run(ctx, dev, 4, 1, Exact)
	if out.State != TimedOut || out.Probes != 0 || out.LastErr != context.Canceled {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestPolicy(t *testing.T) {
	if !Exact.Satisfied(2, 2) || Exact.Satisfied(3, 2) || Exact.Satisfied(1, 2) {
		t.Fatalf("exact policy is wrong")
	}
	if !AtLeast.Satisfied(2, 2) || !AtLeast.Satisfied(3, 2) || AtLeast.Satisfied(1, 2) {
		t.Fatalf("at-least policy is wrong")
	}
	for _, s := range []string{"exact", "atleast"} {
		p, err := ParsePolicy(s)
		if err != nil || p.String() != s {
			t.Fatalf("%q: got %s (%v)", s, p, err)
		}
	}
	if _, err := ParsePolicy("sometimes"); !core.ErrInvalidArgument.Is(err) {
		t.Fatalf("exp invalid argument and got %v", err)
	}
}
