// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
	"strings"
	"time"
)

// PathState is the multipath layer's view of a single path.
type PathState int

const (
	// PathUnknown is used for states we can't classify.
	PathUnknown PathState = iota

	// PathActive means the path is carrying I/O.
	PathActive

	// PathPassive means the path is held in reserve by the grouping policy.
	PathPassive

	// PathFailed means the multipath layer excluded the path.
	PathFailed
)

func (s PathState) String() string {
	switch s {
	case PathActive:
		return "active"
	case PathPassive:
		return "passive"
	case PathFailed:
		return "failed"
	}
	return "unknown"
}

// ParsePathState maps a device-mapper status word to a PathState.
func ParsePathState(word string) PathState {
	switch strings.ToLower(word) {
	case "active":
		return PathActive
	case "passive", "enabled", "ghost":
		return PathPassive
	case "failed", "faulty":
		return PathFailed
	}
	return PathUnknown
}

// PathRecord is one line of a multipath topology snapshot.
type PathRecord struct {
	// Location is the h:b:t:l of the path, or its IP address once resolved.
	Location string

	// Devnode is the kernel device for this path, e.g. "sdb".
	Devnode string

	// Status is the device-mapper status of the path.
	Status PathState

	// Checker is the path checker's verdict, e.g. "ready" or "faulty".
	Checker string
}

func (p PathRecord) String() string {
	return fmt.Sprintf("%s %s %s %s", p.Location, p.Devnode, p.Status, p.Checker)
}

// CountActive returns the number of active paths in 'paths'.
func CountActive(paths []PathRecord) int {
	n := 0
	for _, p := range paths {
		if p.Status == PathActive {
			n++
		}
	}
	return n
}

// Host returns the SCSI host number of an h:b:t:l location, or "" if the
// location is not of that form.
func (p PathRecord) Host() string {
	parts := strings.Split(p.Location, ":")
	if len(parts) != 4 {
		return ""
	}
	return parts[0]
}

// DeviceIdentity identifies the SCSI device under test. It's created once per
// run and never modified.
type DeviceIdentity struct {
	// SCSIID is the stable SCSI identifier of the LUN.
	SCSIID string

	// DevicePath is the block device node I/O is written to.
	DevicePath string

	// Targets are the target addresses of the storage, if known.
	Targets []string

	// MappingName is the device-mapper map name for the LUN.
	MappingName string
}

// ProbeKey returns the identifier handed to the multipath status query.
func (d DeviceIdentity) ProbeKey() string {
	if d.MappingName != "" {
		return d.MappingName
	}
	return d.SCSIID
}

func (d DeviceIdentity) String() string {
	return fmt.Sprintf("%s (%s)", d.SCSIID, d.DevicePath)
}

// MultipathPolicy is the set of multipath attributes applying to a device,
// keyed by attribute name. It's informational only.
type MultipathPolicy map[string]string

// FaultInjection is the result of blocking paths.
type FaultInjection struct {
	// Chosen is the number of paths blocked, or 0 if unknown in advance.
	Chosen int

	// Total is the number of paths the injector saw.
	Total int

	// Expected is the drop in active paths the monitor should wait for.
	Expected int

	// Descriptor is handed back verbatim to restore exactly these paths.
	Descriptor string
}

// IOSample is the outcome of one timed write.
type IOSample struct {
	Elapsed    time.Duration
	Bytes      int64
	Throughput string
}

// IterationResult is the record of a single failover iteration. It's built
// by the orchestrator and is immutable once appended to a run.
type IterationResult struct {
	Number int

	BaselineActive int
	Injection      FaultInjection

	FailoverConverged bool
	FailoverElapsed   time.Duration

	Samples      []IOSample
	IOErrors     int
	MaxIOLatency time.Duration

	Restored       bool
	RestoreElapsed time.Duration

	IntegrityChecked bool
	IntegrityOK      bool

	// Err is the first iteration-fatal error, if any.
	Err error
}

// Passed returns true if every scored step of the iteration succeeded.
func (r IterationResult) Passed() bool {
	return r.Err == nil && r.FailoverConverged && r.Restored
}

// CheckpointLedger accumulates partial credit for a section of a run.
type CheckpointLedger struct {
	Earned int
	Total  int
}

// Expect adds 'n' checkpoints that can be earned.
func (l *CheckpointLedger) Expect(n int) {
	l.Total += n
}

// Award marks one checkpoint as earned.
func (l *CheckpointLedger) Award() {
	l.Earned++
}

// Percent returns the share of earned checkpoints, 0 if none were expected.
func (l CheckpointLedger) Percent() float64 {
	if l.Total == 0 {
		return 0
	}
	return float64(l.Earned) * 100 / float64(l.Total)
}

func (l CheckpointLedger) String() string {
	return fmt.Sprintf("%d/%d (%.1f%%)", l.Earned, l.Total, l.Percent())
}
