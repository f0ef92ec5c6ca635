// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package mpath

import (
	"context"
	"regexp"
	"strings"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/shell"
)

// A path line looks like
//
//	| |- 0:0:0:0 sda 8:0   active ready running
//
// The tree decoration in front varies with the position of the path.
var pathLine = regexp.MustCompile(`(\d+:\d+:\d+:\d+\s.*)$`)

// ParseTopology extracts path records from the output of "multipath -ll".
// Lines that don't describe a path (map headers, path group lines and tree
// decoration) are skipped.
func ParseTopology(out string) []core.PathRecord {
	var paths []core.PathRecord
	for _, line := range strings.Split(out, "\n") {
		m := pathLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		// hbtl, devnode, major:minor, dm status, path checker status, ...
		f := strings.Fields(m[1])
		if len(f) < 5 {
			log.V(2).Infof("skipping short path line %q", line)
			continue
		}
		paths = append(paths, core.PathRecord{
			Location: f[0],
			Devnode:  f[1],
			Status:   core.ParsePathState(f[3]),
			Checker:  f[4],
		})
	}
	return paths
}

// FilterActive returns the records in 'paths' whose status is active.
func FilterActive(paths []core.PathRecord) []core.PathRecord {
	var active []core.PathRecord
	for _, p := range paths {
		if p.Status == core.PathActive {
			active = append(active, p)
		}
	}
	return active
}

// Prober queries multipath topology by running "multipath -ll".
type Prober struct {
	Runner shell.Runner

	// Command is the multipath binary, "multipath" if empty.
	Command string
}

// NewProber returns a Prober running commands with 'runner'.
func NewProber(runner shell.Runner) *Prober {
	return &Prober{Runner: runner, Command: "multipath"}
}

// Probe returns a fresh snapshot of the paths of 'dev'. If 'activeOnly' is
// set, only active paths are returned. A failing or empty query is a
// core.ErrProbe, which callers may retry.
func (p *Prober) Probe(ctx context.Context, dev core.DeviceIdentity, activeOnly bool) ([]core.PathRecord, error) {
	out, err := p.Topology(ctx, dev)
	if err != nil {
		return nil, err
	}
	paths := ParseTopology(out)
	log.V(1).Infof("probe %s: %d paths, %d active", dev.ProbeKey(), len(paths), core.CountActive(paths))
	if activeOnly {
		return FilterActive(paths), nil
	}
	return paths, nil
}

// Topology returns the raw "multipath -ll" output for 'dev'.
func (p *Prober) Topology(ctx context.Context, dev core.DeviceIdentity) (string, error) {
	cmd := p.Command
	if cmd == "" {
		cmd = "multipath"
	}
	res, err := p.Runner.Run(ctx, cmd, "-ll", dev.ProbeKey())
	if err != nil {
		return "", core.ErrProbe.Errorf("%s -ll %s: %s", cmd, dev.ProbeKey(), err)
	}
	if strings.TrimSpace(res.Stdout) == "" {
		return "", core.ErrProbe.Errorf("no multipath map for %s", dev.ProbeKey())
	}
	return res.Stdout, nil
}
