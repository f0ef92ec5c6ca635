// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package hostinfo describes the host a certification ran on. Failover
// timings depend on host load, so reports carry a snapshot of it.
package hostinfo

import (
	"fmt"
	"os"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	humanize "github.com/dustin/go-humanize"
	log "github.com/golang/glog"
)

// Snapshot is the state of the host at one instant.
type Snapshot struct {
	Hostname string
	Taken    time.Time

	FreeMem  uint64
	TotalMem uint64

	Load1, Load5, Load15 float64

	Uptime time.Duration
}

// Take collects a Snapshot. Fields that can't be read are left zero.
func Take() Snapshot {
	s := Snapshot{Taken: time.Now()}
	var err error
	if s.Hostname, err = os.Hostname(); err != nil {
		log.Errorf("failed to get hostname: %s", err)
	}

	mem := sigar.Mem{}
	if err := mem.Get(); nil != err {
		log.Errorf("failed to get memory info: %s", err)
	} else {
		s.FreeMem, s.TotalMem = mem.ActualFree, mem.Total
	}

	load := sigar.LoadAverage{}
	if err := load.Get(); nil != err {
		log.Errorf("failed to get load average: %s", err)
	} else {
		s.Load1, s.Load5, s.Load15 = load.One, load.Five, load.Fifteen
	}

	up := sigar.Uptime{}
	if err := up.Get(); nil != err {
		log.Errorf("failed to get uptime: %s", err)
	} else {
		s.Uptime = time.Duration(up.Length * float64(time.Second))
	}
	return s
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%s: load %.2f %.2f %.2f, %s free of %s, up %s",
		s.Hostname, s.Load1, s.Load5, s.Load15,
		humanize.IBytes(s.FreeMem), humanize.IBytes(s.TotalMem), s.Uptime.Round(time.Second))
}
