// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package diskio

import (
	"context"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	test "github.com/westerndigitalcorporation/mpathcert/pkg/testutil"
)

func TestParseSummary(t *testing.T) {
	tests := []struct {
		out string
		exp core.IOSample
	}{
		{
			"1048576 bytes (1.0 MB) copied, 0.45 s, 2.3 MB/s",
			core.IOSample{Elapsed: 450 * time.Millisecond, Bytes: 1048576, Throughput: "2.3 MB/s"},
		},
		{
			// Newer coreutils put a comma inside the parentheses.
			"1+0 records in\n1+0 records out\n1048576 bytes (1.0 MB, 1.0 MiB) copied, 0.00254 s, 413 MB/s\n",
			core.IOSample{Elapsed: 2540 * time.Microsecond, Bytes: 1048576, Throughput: "413 MB/s"},
		},
		{
			"512 bytes copied, 3e-05 s, 17.1 MB/s",
			core.IOSample{Elapsed: 30 * time.Microsecond, Bytes: 512, Throughput: "17.1 MB/s"},
		},
	}
	for _, tc := range tests {
		got, err := ParseSummary(tc.out)
		if err != nil {
			t.Fatalf("%q: %s", tc.out, err)
		}
		if got != tc.exp {
			t.Errorf("%q: exp %+v and got %+v", tc.out, tc.exp, got)
		}
	}
}

func TestParseSummaryErrors(t *testing.T) {
	for _, out := range []string{
		"",
		"dd: failed to open '/dev/sdz': No such file or directory",
		"lots bytes copied, 0.1 s, 1 MB/s",
		"1048576 bytes copied, 0.1 s",
	} {
		if _, err := ParseSummary(out); !core.ErrIO.Is(err) {
			t.Errorf("%q: exp an I/O error and got %v", out, err)
		}
	}
}

func TestWriteAndTime(t *testing.T) {
	r := test.NewScriptedRunner(t)
	r.ExpectStderr("dd if=/dev/zero of=/dev/dm-2 bs=1048576 count=1 oflag=direct",
		"1+0 records in\n1+0 records out\n1048576 bytes (1.0 MB) copied, 0.45 s, 2.3 MB/s\n")
	r.ExpectStderr("dd if=/dev/zero of=/dev/dm-2 bs=1048576 count=4 oflag=direct",
		"4194304 bytes (4.2 MB) copied, 1.5 s, 2.8 MB/s\n")
	r.ExpectFailure("dd if=/dev/zero of=/dev/dm-2 bs=4096 count=1 oflag=direct", "dd: error writing '/dev/dm-2': Input/output error", 1)
	e := NewExerciser(r)

	s, err := e.WriteAndTime(context.Background(), "/dev/dm-2", MiB)
	if err != nil {
		t.Fatal(err)
	}
	if s.Elapsed != 450*time.Millisecond || s.Bytes != MiB {
		t.Fatalf("unexpected sample %+v", s)
	}
	if s, err = e.WriteAndTime(context.Background(), "/dev/dm-2", 4*MiB); err != nil || s.Bytes != 4*MiB {
		t.Fatalf("unexpected sample %+v (%v)", s, err)
	}
	if _, err := e.WriteAndTime(context.Background(), "/dev/dm-2", 4096); !core.ErrIO.Is(err) {
		t.Fatalf("exp an I/O error and got %v", err)
	}
	r.NoMoreCalls()
}

func TestEstimate(t *testing.T) {
	s := core.IOSample{Elapsed: 500 * time.Millisecond, Bytes: MiB}
	if d := Estimate(s, 1<<30); d != 512*time.Second {
		t.Fatalf("exp 512s and got %s", d)
	}
	if d := Estimate(core.IOSample{}, 1<<30); d != 0 {
		t.Fatalf("an empty sample can't be extrapolated, got %s", d)
	}

	w := Timing{Blocks: 10, Elapsed: time.Second}
	v := Timing{Blocks: 20, Elapsed: time.Second}
	if d := EstimatePattern(w, v, 100); d != 15*time.Second {
		t.Fatalf("exp 15s and got %s", d)
	}
}
