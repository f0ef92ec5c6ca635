// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package failover

import (
	"context"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	test "github.com/westerndigitalcorporation/mpathcert/pkg/testutil"
)

func newTestChecker(p Prober, clock *test.FakeClock) *Checker {
	c := NewChecker(p)
	c.Clock = clock
	return c
}

// Restore at t=0 with baseline 4; probes at t=1..3 see 2,2,4.
func TestWaitRestored(t *testing.T) {
	clock := test.NewFakeClock()
	p := &seqProber{counts: []int{2, 2, 4}}
	out := newTestChecker(p, clock).WaitRestored(context.Background(), dev, 4)
	if out.State != Converged {
		t.Fatalf("exp restored and got %s", out.State)
	}
	if out.Elapsed != 3*time.Second {
		t.Fatalf("exp 3s and got %s", out.Elapsed)
	}
	if out.Err("restore") != nil {
		t.Fatalf("a converged outcome has no error")
	}
}

func TestWaitRestoredTimeout(t *testing.T) {
	clock := test.NewFakeClock()
	p := &seqProber{counts: []int{3}}
	out := newTestChecker(p, clock).WaitRestored(context.Background(), dev, 4)
	if out.State != TimedOut || out.Probes != 120 || out.Elapsed != 120*time.Second {
		t.Fatalf("exp a timeout after 120 probes and got %+v", out)
	}
	if !core.ErrConvergenceTimeout.Is(out.Err("restore")) {
		t.Fatalf("exp a convergence timeout")
	}
}

// Once restored, more active paths are still restored.
func TestHasRestoredMonotonic(t *testing.T) {
	c := newTestChecker(&seqProber{counts: []int{3, 4, 5, 6}}, test.NewFakeClock())
	exp := []bool{false, true, true, true}
	for i, e := range exp {
		ok, err := c.HasRestored(context.Background(), dev, 4)
		if err != nil {
			t.Fatal(err)
		}
		if ok != e {
			t.Fatalf("probe %d: exp %v and got %v", i, e, ok)
		}
	}

	c = newTestChecker(&seqProber{counts: []int{-1}}, test.NewFakeClock())
	if ok, err := c.HasRestored(context.Background(), dev, 1); ok || !core.ErrProbe.Is(err) {
		t.Fatalf("a failed probe is not restored: %v %v", ok, err)
	}
}
