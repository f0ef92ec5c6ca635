// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package tokenbucket paces repeated operations, such as the writes issued
// while paths are down.
package tokenbucket

import (
	"sync"
	"time"

	"github.com/westerndigitalcorporation/mpathcert/pkg/retry"
)

// TokenBucket implements the basic token bucket rate limiting algorithm.
// It is safe for use by multiple threads at once.
type TokenBucket struct {
	lock     sync.Mutex
	rate     float64
	capacity float64
	current  float64
	last     time.Time
	clock    retry.Clock
}

// New returns a new token bucket that fills at the given rate
// (tokens per second) and has the given capacity (tokens). It starts full.
// A nil clock means the real one.
func New(rate, capacity float64, clock retry.Clock) *TokenBucket {
	if clock == nil {
		clock = retry.RealClock{}
	}
	return &TokenBucket{
		rate:     rate,
		capacity: capacity,
		current:  capacity,
		last:     clock.Now(),
		clock:    clock,
	}
}

// Wait consumes n tokens and waits until they are replenished, or until
// 'stop' is closed. It returns false if it was stopped.
func (tb *TokenBucket) Wait(n float64, stop <-chan struct{}) bool {
	d := tb.TakeAndUpdate(n, tb.clock.Now())
	if d <= 0 {
		return true
	}
	select {
	case <-tb.clock.After(d):
		return true
	case <-stop:
		return false
	}
}

// TakeAndUpdate updates the state of the bucket to a new time, consumes n tokens, leaving
// a negative balance if necessary, and returns how long the caller should wait until
// there's a non-negative balance again (may be negative if there was enough capacity).
func (tb *TokenBucket) TakeAndUpdate(n float64, now time.Time) (wait time.Duration) {
	tb.lock.Lock()
	defer tb.lock.Unlock()

	// Add capacity based on elapsed time, capped at capacity.
	if elapsed := now.Sub(tb.last); elapsed > 0 {
		tb.current += tb.rate * elapsed.Seconds()
		tb.last = now
	}
	if tb.current > tb.capacity {
		tb.current = tb.capacity
	}
	tb.current -= n

	return time.Duration(-tb.current / tb.rate * float64(time.Second))
}
