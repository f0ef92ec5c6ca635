// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package failimpl

import (
	"context"
	"math/rand"
	"strings"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/failover"
)

// AddressStrategy blocks a random number of IP-addressed paths. It decides
// how many; the callout decides which.
type AddressStrategy struct {
	Callout Callout

	// Addresses maps paths to their target addresses.
	Addresses func([]core.PathRecord) ([]string, error)

	// Rand picks the number of paths to block. Seed it for reproducible runs.
	Rand *rand.Rand

	// Policy defaults to failover.Exact.
	Policy failover.Policy
}

// Name implements Strategy.
func (s *AddressStrategy) Name() string { return "address" }

// Detection implements Strategy.
func (s *AddressStrategy) Detection() failover.Policy { return s.Policy }

// Inject blocks k paths, k uniform in [1, len(paths)-1], so at least one
// path always survives. IptablesCallout blocks whole addresses, so with it
// k counts distinct addresses instead, and the expected drop is the number
// of paths behind the blocked ones.
//
// If the callout fails, the returned FaultInjection still describes what
// it may have left blocked, for Restore.
func (s *AddressStrategy) Inject(ctx context.Context, paths []core.PathRecord) (core.FaultInjection, error) {
	n := len(paths)
	if n < 2 {
		return core.FaultInjection{}, core.ErrPrecondition.Errorf("need at least 2 paths to block some, have %d", n)
	}
	addrs, err := s.Addresses(paths)
	if err != nil {
		return core.FaultInjection{}, core.ErrInjection.Errorf("can't address paths: %s", err)
	}
	info := strings.Join(addrs, ",")
	_, byAddr := s.Callout.(*IptablesCallout)
	units := n
	if byAddr {
		if units = len(uniqueAddrs(info)); units < 2 {
			return core.FaultInjection{}, core.ErrPrecondition.Errorf("%d paths lead to %d distinct addresses, need at least 2", n, units)
		}
	}
	k := ChooseCount(s.Rand, units)

	desc, err := s.Callout.Block(ctx, k, info)
	fi := core.FaultInjection{Chosen: k, Total: n, Expected: k, Descriptor: desc}
	if err != nil {
		return fi, err
	}
	if desc == "" {
		fi.Descriptor = info
	}
	if byAddr {
		fi.Expected = PathsBehind(addrs, desc)
	}
	log.Infof("blocked %d of %d paths (%s)", fi.Expected, n, MaskSecrets(fi.Descriptor))
	return fi, nil
}

// Restore implements Strategy. Nothing is done for an empty descriptor.
func (s *AddressStrategy) Restore(ctx context.Context, fi core.FaultInjection) error {
	if fi.Descriptor == "" {
		return nil
	}
	return s.Callout.Unblock(ctx, fi.Chosen, fi.Descriptor)
}

// ChooseCount returns a uniformly random integer in [1, n-1]. 'n' must be at
// least 2.
func ChooseCount(r *rand.Rand, n int) int {
	return 1 + r.Intn(n-1)
}
