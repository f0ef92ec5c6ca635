// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/beorn7/perks/quantile"
)

var objectives = map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001}

// LatencyStream tracks an approximate latency distribution. It's safe for
// concurrent use.
type LatencyStream struct {
	lock  sync.Mutex
	lat   *quantile.Stream
	count int
	max   time.Duration
}

// NewLatencyStream returns an empty LatencyStream.
func NewLatencyStream() *LatencyStream {
	return &LatencyStream{lat: quantile.NewTargeted(objectives)}
}

// Add records one latency.
func (s *LatencyStream) Add(d time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.lat.Insert(d.Seconds())
	s.count++
	if d > s.max {
		s.max = d
	}
}

// Count returns the number of latencies recorded.
func (s *LatencyStream) Count() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.count
}

// Max returns the largest latency recorded.
func (s *LatencyStream) Max() time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.max
}

// Quantile returns the approximate 'q' quantile, 0 if nothing was recorded.
func (s *LatencyStream) Quantile(q float64) time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.count == 0 {
		return 0
	}
	return time.Duration(s.lat.Query(q) * float64(time.Second))
}

func (s *LatencyStream) String() string {
	if s.Count() == 0 {
		return "no samples"
	}
	return fmt.Sprintf("n=%d p50=%s p90=%s p99=%s max=%s", s.Count(),
		s.Quantile(0.5).Round(time.Millisecond), s.Quantile(0.9).Round(time.Millisecond),
		s.Quantile(0.99).Round(time.Millisecond), s.Max().Round(time.Millisecond))
}
