// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package failover

import (
	"context"
	"fmt"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
)

// Prober returns a snapshot of the paths of a device.
type Prober interface {
	Probe(ctx context.Context, dev core.DeviceIdentity, activeOnly bool) ([]core.PathRecord, error)
}

// Policy decides whether an observed drop in active paths is the one a
// fault injection should cause.
type Policy int

const (
	// Exact requires the drop to equal the expected count. It's used when
	// the injector knows exactly how many paths it blocked.
	Exact Policy = iota

	// AtLeast accepts any drop of at least the expected count. It's used
	// when the expected count is derived (topology ratios) or unknown
	// (manual injection).
	AtLeast
)

func (p Policy) String() string {
	switch p {
	case Exact:
		return "exact"
	case AtLeast:
		return "atleast"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy parses "exact" or "atleast".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "exact":
		return Exact, nil
	case "atleast", "at-least":
		return AtLeast, nil
	}
	return Exact, core.ErrInvalidArgument.Errorf("unknown detection policy %q", s)
}

// Satisfied returns true if a drop of 'delta' active paths meets 'expected'.
func (p Policy) Satisfied(delta, expected int) bool {
	if p == AtLeast {
		return delta >= expected
	}
	return delta == expected
}
