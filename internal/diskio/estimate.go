// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package diskio

import (
	"io"
	"os"
	"time"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
)

// Estimate extrapolates how long writing 'total' bytes takes at the rate of
// 'sample'. It returns 0 for an empty sample.
func Estimate(sample core.IOSample, total int64) time.Duration {
	if sample.Bytes <= 0 {
		return 0
	}
	return time.Duration(float64(sample.Elapsed) * float64(total) / float64(sample.Bytes))
}

// EstimatePattern extrapolates how long a pattern write plus verify of
// 'blocks' blocks takes from a measured write and verify.
func EstimatePattern(write, verify Timing, blocks int64) time.Duration {
	if write.Blocks == 0 || verify.Blocks == 0 {
		return 0
	}
	perBlock := write.Elapsed/time.Duration(write.Blocks) + verify.Elapsed/time.Duration(verify.Blocks)
	return time.Duration(blocks) * perBlock
}

// DeviceSize returns the size in bytes of the block device or file at
// 'path'.
func DeviceSize(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, core.ErrIO.Errorf("open %s: %s", path, err)
	}
	defer f.Close()
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, core.ErrIO.Errorf("size of %s: %s", path, err)
	}
	return size, nil
}
