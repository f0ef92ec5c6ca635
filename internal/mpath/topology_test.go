// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package mpath

import (
	"context"
	"testing"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	test "github.com/westerndigitalcorporation/mpathcert/pkg/testutil"
)

const fourPaths = `36001405f3c1e9a2b0a24b1c9e4d0e1f2 dm-2 LIO-ORG,disk0
size=10G features='0' hwhandler='1 alua' wp=rw
|-+- policy='service-time 0' prio=50 status=active
| |- 2:0:0:1 sdb 8:16 active ready running
| ` + "`" + `- 3:0:0:1 sdc 8:32 failed faulty running
` + "`" + `-+- policy='service-time 0' prio=10 status=enabled
  |- 4:0:0:1 sdd 8:48 active ready running
  ` + "`" + `- 5:0:0:1 sde 8:64 enabled ghost running
`

func TestParseTopology(t *testing.T) {
	paths := ParseTopology(fourPaths)
	exp := []core.PathRecord{
		{Location: "2:0:0:1", Devnode: "sdb", Status: core.PathActive, Checker: "ready"},
		{Location: "3:0:0:1", Devnode: "sdc", Status: core.PathFailed, Checker: "faulty"},
		{Location: "4:0:0:1", Devnode: "sdd", Status: core.PathActive, Checker: "ready"},
		{Location: "5:0:0:1", Devnode: "sde", Status: core.PathPassive, Checker: "ghost"},
	}
	if len(paths) != len(exp) {
		t.Fatalf("exp %d paths and got %d: %+v", len(exp), len(paths), paths)
	}
	for i := range exp {
		if paths[i] != exp[i] {
			t.Errorf("path %d: exp %+v and got %+v", i, exp[i], paths[i])
		}
	}
}

func TestParseTopologySkipsGarbage(t *testing.T) {
	out := "error: cannot parse\n  `- 7:0:0:2 sdq\n\n"
	if paths := ParseTopology(out); len(paths) != 0 {
		t.Fatalf("expected no paths and got %+v", paths)
	}
}

func TestProbe(t *testing.T) {
	r := test.NewScriptedRunner(t)
	dev := core.DeviceIdentity{SCSIID: "36001405f3c1e9a2b0a24b1c9e4d0e1f2"}
	r.Expect("multipath -ll 36001405f3c1e9a2b0a24b1c9e4d0e1f2", fourPaths)
	r.Expect("multipath -ll 36001405f3c1e9a2b0a24b1c9e4d0e1f2", fourPaths)
	p := NewProber(r)

	all, err := p.Probe(context.Background(), dev, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("exp 4 paths and got %d", len(all))
	}
	active, err := p.Probe(context.Background(), dev, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 || active[0].Location != "2:0:0:1" || active[1].Location != "4:0:0:1" {
		t.Fatalf("unexpected active paths %+v", active)
	}
	r.NoMoreCalls()
}

func TestProbeErrors(t *testing.T) {
	r := test.NewScriptedRunner(t)
	dev := core.DeviceIdentity{SCSIID: "3600", MappingName: "mpathb"}
	r.ExpectFailure("multipath -ll mpathb", "DM multipath kernel driver not loaded", 1)
	r.Expect("multipath -ll mpathb", "")
	p := NewProber(r)

	for i := 0; i < 2; i++ {
		_, err := p.Probe(context.Background(), dev, false)
		if !core.ErrProbe.Is(err) {
			t.Fatalf("exp a probe error and got %v", err)
		}
		if !core.IsRetriable(err) {
			t.Fatalf("probe errors should be retriable")
		}
	}
	r.NoMoreCalls()
}
