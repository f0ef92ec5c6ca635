// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package tokenbucket

import (
	"testing"
	"time"

	test "github.com/westerndigitalcorporation/mpathcert/pkg/testutil"
)

func TestBasics(t *testing.T) {
	clock := test.NewFakeClock()
	tb := New(100, 500, clock)
	start := clock.Now()

	// t=1, take 100. expect no wait.
	if tb.TakeAndUpdate(100, start.Add(1000*time.Millisecond)) > 0 {
		t.Errorf("a")
	}
	// t=2, take another 100. no wait.
	if tb.TakeAndUpdate(100, start.Add(2000*time.Millisecond)) > 0 {
		t.Errorf("b")
	}
	// t=3, take 500, no wait.
	if tb.TakeAndUpdate(500, start.Add(3000*time.Millisecond)) > 0 {
		t.Errorf("c")
	}
	// Still t=3, take 100. nothing is left, so we have to wait 1s.
	if w := tb.TakeAndUpdate(100, start.Add(3000*time.Millisecond)); w < 900*time.Millisecond || w > 1100*time.Millisecond {
		t.Errorf("d: %s", w)
	}
	// t=4.0, nothing should be available.
	if tb.TakeAndUpdate(10, start.Add(4000*time.Millisecond)) <= 0 {
		t.Errorf("e")
	}
	// A time in the past doesn't refill anything.
	if tb.TakeAndUpdate(0, start) <= 0 {
		t.Errorf("f")
	}
	// t=100, taking 500 should always be possible with no waiting.
	if tb.TakeAndUpdate(500, start.Add(100*time.Second)) > 0 {
		t.Errorf("g")
	}
	// t=200, taking 501 should not be possible without waiting.
	if tb.TakeAndUpdate(501, start.Add(200*time.Second)) <= 0 {
		t.Errorf("h")
	}
}

func TestWaitPaces(t *testing.T) {
	clock := test.NewFakeClock()
	tb := New(2, 1, clock)
	start := clock.Now()

	for i := 0; i < 5; i++ {
		if !tb.Wait(1, nil) {
			t.Fatalf("wait %d was stopped", i)
		}
	}
	// The first token is there at once, the other four take half a second each.
	if el := clock.Now().Sub(start); el != 2*time.Second {
		t.Fatalf("exp 2s and got %s", el)
	}
}

func TestWaitStopped(t *testing.T) {
	tb := New(0.001, 1, nil)
	stop := make(chan struct{})
	close(stop)
	if !tb.Wait(1, stop) {
		t.Fatalf("a full bucket should not wait")
	}
	if tb.Wait(1, stop) {
		t.Fatalf("exp the wait to be stopped")
	}
}
