// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package failimpl

import (
	"context"
	"strconv"
	"strings"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/failover"
)

// TopologyStrategy has a vendor callout block adapter ports. The callout
// is asked to block with a count of 0 and picks the ports itself; it
// answers with "<descriptor>::<blocked>,<total>" where total is the number
// of ports it saw.
type TopologyStrategy struct {
	Callout Callout

	// Info is passed through to the callout, e.g. switch credentials.
	Info string

	// Policy is failover.AtLeast when built with NewTopologyStrategy.
	Policy failover.Policy
}

// NewTopologyStrategy returns a TopologyStrategy with at-least detection.
func NewTopologyStrategy(c Callout, info string) *TopologyStrategy {
	return &TopologyStrategy{Callout: c, Info: info, Policy: failover.AtLeast}
}

// Name implements Strategy.
func (s *TopologyStrategy) Name() string { return "topology" }

// Detection implements Strategy.
func (s *TopologyStrategy) Detection() failover.Policy { return s.Policy }

// Inject implements Strategy. Each port carries len(paths)/total of the
// device's paths, so the expected drop scales the blocked port count by
// that ratio.
func (s *TopologyStrategy) Inject(ctx context.Context, paths []core.PathRecord) (core.FaultInjection, error) {
	out, err := s.Callout.Block(ctx, 0, s.Info)
	if err != nil {
		return core.FaultInjection{}, err
	}
	desc, blocked, total, err := ParseBlockResult(out)
	if err != nil {
		return core.FaultInjection{}, err
	}
	fi := core.FaultInjection{Chosen: blocked, Total: total, Descriptor: desc}
	if blocked < 1 || blocked >= total {
		// Nothing or everything was blocked; put things back before failing.
		if uerr := s.Callout.Unblock(ctx, blocked, desc); uerr != nil {
			log.Errorf("failed to unblock after bad block result: %s", uerr)
		}
		return core.FaultInjection{}, core.ErrInjection.Errorf("path handler blocked %d of %d ports, want at least 1 and fewer than all", blocked, total)
	}
	fi.Expected = len(paths) * blocked / total
	if fi.Expected < 1 {
		fi.Expected = 1
	}
	log.Infof("blocked %d of %d ports, expecting %d of %d paths to fail (%s)", blocked, total, fi.Expected, len(paths), MaskSecrets(desc))
	return fi, nil
}

// Restore implements Strategy. Nothing is done for an empty descriptor.
func (s *TopologyStrategy) Restore(ctx context.Context, fi core.FaultInjection) error {
	if fi.Descriptor == "" {
		return nil
	}
	return s.Callout.Unblock(ctx, fi.Chosen, fi.Descriptor)
}

// ParseBlockResult splits "<descriptor>::<blocked>,<total>".
func ParseBlockResult(out string) (desc string, blocked, total int, err error) {
	i := strings.LastIndex(out, "::")
	if i < 0 {
		return "", 0, 0, core.ErrInjection.Errorf("path handler output %q lacks '::'", MaskSecrets(out))
	}
	desc = out[:i]
	counts := strings.Split(strings.TrimSpace(out[i+2:]), ",")
	if len(counts) != 2 {
		return "", 0, 0, core.ErrInjection.Errorf("path handler output %q lacks '<blocked>,<total>'", MaskSecrets(out))
	}
	if blocked, err = strconv.Atoi(strings.TrimSpace(counts[0])); err != nil {
		return "", 0, 0, core.ErrInjection.Errorf("bad blocked count in %q", MaskSecrets(out))
	}
	if total, err = strconv.Atoi(strings.TrimSpace(counts[1])); err != nil || total <= 0 {
		return "", 0, 0, core.ErrInjection.Errorf("bad total count in %q", MaskSecrets(out))
	}
	return desc, blocked, total, nil
}
