// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"testing"
	"time"

	test "github.com/westerndigitalcorporation/mpathcert/pkg/testutil"
)

// stuckClock never fires.
type stuckClock struct{}

func (stuckClock) Now() time.Time                       { return time.Unix(0, 0) }
func (stuckClock) After(time.Duration) <-chan time.Time { return nil }

func TestPollerConverges(t *testing.T) {
	p := Poller{Interval: time.Second, Timeout: 50 * time.Second, Clock: test.NewFakeClock()}
	res := p.Poll(context.Background(), func(poll int) bool { return poll == 3 })
	if !res.Done || res.Polls != 3 || res.Elapsed != 3*time.Second {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPollerTimesOut(t *testing.T) {
	p := Poller{Interval: time.Second, Timeout: 50 * time.Second, Clock: test.NewFakeClock()}
	res := p.Poll(context.Background(), func(int) bool { return false })
	if res.Done || res.Cancelled {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Polls != 50 || res.Elapsed != 50*time.Second {
		t.Fatalf("exp 50 polls over 50s and got %d over %s", res.Polls, res.Elapsed)
	}
}

// A check that passes at the deadline still counts.
func TestPollerPassesAtDeadline(t *testing.T) {
	p := Poller{Interval: 2 * time.Second, Timeout: 4 * time.Second, Clock: test.NewFakeClock()}
	res := p.Poll(context.Background(), func(poll int) bool { return poll == 2 })
	if !res.Done || res.Elapsed != 4*time.Second {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPollerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Poller{Interval: time.Second, Timeout: time.Minute, Clock: stuckClock{}}
	res := p.Poll(ctx, func(int) bool {
		t.Fatalf("check shouldn't run")
		return true
	})
	if !res.Cancelled || res.Polls != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRetrierSucceeds(t *testing.T) {
	r := Retrier{MinSleep: time.Second, MaxSleep: 10 * time.Second, Clock: test.NewFakeClock()}
	calls := 0
	success, cancelled := r.Do(context.Background(), func(i int) bool {
		calls++
		return i == 4
	})
	if !success || cancelled || calls != 5 {
		t.Fatalf("exp success after 5 calls and got %v %v %d", success, cancelled, calls)
	}
}

func TestRetrierMaxNumRetries(t *testing.T) {
	r := Retrier{MinSleep: time.Second, MaxNumRetries: 3, Clock: test.NewFakeClock()}
	calls := 0
	success, _ := r.Do(context.Background(), func(int) bool {
		calls++
		return false
	})
	if success || calls != 3 {
		t.Fatalf("exp failure after 3 calls and got %v %d", success, calls)
	}
}

func TestRetrierMaxRetry(t *testing.T) {
	clock := test.NewFakeClock()
	r := Retrier{MinSleep: time.Second, MaxSleep: 4 * time.Second, MaxRetry: 30 * time.Second, Clock: clock}
	start := clock.Now()
	success, _ := r.Do(context.Background(), func(int) bool { return false })
	if success {
		t.Fatalf("task never succeeds")
	}
	if el := clock.Now().Sub(start); el > 30*time.Second {
		t.Fatalf("slept %s, past the 30s bound", el)
	}
}

func TestRetrierCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := Retrier{MinSleep: time.Second, Clock: stuckClock{}}
	success, cancelled := r.Do(ctx, func(int) bool { return false })
	if success || !cancelled {
		t.Fatalf("exp cancellation and got %v %v", success, cancelled)
	}
}
