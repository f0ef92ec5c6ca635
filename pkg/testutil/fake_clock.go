// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testutil

import (
	"sync"
	"time"
)

// FakeClock is a clock that only moves when someone waits on it. Every call
// to After advances the clock by the requested duration and fires at once,
// so polling loops run instantly while still observing the elapsed time they
// would see in real life.
type FakeClock struct {
	lock sync.Mutex
	now  time.Time
}

// NewFakeClock returns a FakeClock starting at an arbitrary fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Unix(1500000000, 0)}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

// After advances the clock by 'd' and returns a channel that's already fired.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.lock.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.lock.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves the clock forward without anyone waiting.
func (c *FakeClock) Advance(d time.Duration) {
	c.lock.Lock()
	c.now = c.now.Add(d)
	c.lock.Unlock()
}
