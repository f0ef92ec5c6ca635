// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package diskio issues test I/O to the device under test: timed direct
// writes through dd, and a sector pattern write/verify for data integrity.
package diskio

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/shell"
)

// MiB is the default dd block size.
const MiB = 1 << 20

// Exerciser writes zeros to a raw device with dd and reports dd's own timing.
type Exerciser struct {
	Runner shell.Runner

	// Command is the dd binary, "dd" if empty.
	Command string

	// BlockSize is dd's bs. Zero means MiB.
	BlockSize int64
}

// NewExerciser returns an Exerciser running dd with 'runner'.
func NewExerciser(runner shell.Runner) *Exerciser {
	return &Exerciser{Runner: runner, Command: "dd", BlockSize: MiB}
}

// WriteAndTime issues one direct, synchronous write of 'size' bytes of zeros
// to the start of 'device'. Elapsed time and throughput are the ones dd
// reports, so process startup isn't counted. A failing dd is a core.ErrIO.
func (e *Exerciser) WriteAndTime(ctx context.Context, device string, size int64) (core.IOSample, error) {
	bs := e.BlockSize
	if bs <= 0 {
		bs = MiB
	}
	if size < bs {
		bs = size
	}
	count := (size + bs - 1) / bs
	cmd := e.Command
	if cmd == "" {
		cmd = "dd"
	}

	res, err := e.Runner.Run(ctx, cmd, "if=/dev/zero", "of="+device,
		fmt.Sprintf("bs=%d", bs), fmt.Sprintf("count=%d", count), "oflag=direct")
	if err != nil {
		return core.IOSample{}, core.ErrIO.Errorf("write to %s: %s", device, err)
	}
	sample, err := ParseSummary(res.Stderr)
	if err != nil {
		return core.IOSample{}, err
	}
	log.V(1).Infof("wrote %d bytes to %s in %s (%s)", sample.Bytes, device, sample.Elapsed, sample.Throughput)
	return sample, nil
}

// ParseSummary extracts the byte count, elapsed time and throughput from
// dd's final summary line, e.g.
//
//	1048576 bytes (1.0 MB, 1.0 MiB) copied, 0.45 s, 2.3 MB/s
func ParseSummary(out string) (core.IOSample, error) {
	var line string
	for _, l := range strings.Split(out, "\n") {
		if strings.Contains(l, " copied,") {
			line = l
		}
	}
	if line == "" {
		return core.IOSample{}, core.ErrIO.Errorf("no summary in dd output %q", out)
	}

	i := strings.Index(line, " copied,")
	head, tail := line[:i], line[i+len(" copied,"):]

	var sample core.IOSample
	fields := strings.Fields(head)
	if len(fields) == 0 {
		return sample, core.ErrIO.Errorf("no byte count in %q", line)
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return sample, core.ErrIO.Errorf("bad byte count in %q", line)
	}
	sample.Bytes = n

	parts := strings.SplitN(tail, ",", 2)
	if len(parts) != 2 {
		return sample, core.ErrIO.Errorf("no elapsed time or throughput in %q", line)
	}
	elapsed := strings.Fields(parts[0])
	if len(elapsed) == 0 {
		return sample, core.ErrIO.Errorf("no elapsed time in %q", line)
	}
	if sample.Elapsed, err = parseSeconds(elapsed[0]); err != nil {
		return sample, core.ErrIO.Errorf("bad elapsed time in %q", line)
	}
	sample.Throughput = strings.TrimSpace(parts[1])
	return sample, nil
}

// parseSeconds turns dd's "0.45" or "3.1e-05" into a Duration. Plain
// decimals go through time.ParseDuration so they stay exact.
func parseSeconds(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s + "s"); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(math.Round(f * float64(time.Second))), nil
}
