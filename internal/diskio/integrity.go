// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package diskio

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"
	log "github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
)

const (
	// SectorSize is the unit the pattern is stamped in.
	SectorSize = 512

	// Each sector holds slices of (sector number, iteration).
	sliceSize = 16

	// Buffers for O_DIRECT are aligned to this.
	alignment = 4096
)

// Integrity writes a recognizable pattern to a region of a device and reads
// it back. Every sector is filled with copies of its own sector number and
// an iteration stamp, so both misdirected and stale writes are caught.
type Integrity struct {
	// Offset of the tested region in bytes. Must be sector aligned.
	Offset int64

	// BlockSectors is the number of sectors per read or write.
	BlockSectors int

	// Direct opens the device with O_DIRECT. It should be set for block
	// devices, so the data really goes through the paths; some filesystems
	// used in tests don't support it.
	Direct bool
}

// Timing records the cost of a pattern pass.
type Timing struct {
	Blocks  int
	Bytes   int64
	Elapsed time.Duration
}

func (t Timing) String() string {
	rate := ""
	if secs := t.Elapsed.Seconds(); secs > 0 {
		rate = fmt.Sprintf(" (%s/s)", humanize.IBytes(uint64(float64(t.Bytes)/secs)))
	}
	return fmt.Sprintf("%s in %s%s", humanize.IBytes(uint64(t.Bytes)), t.Elapsed, rate)
}

func (in *Integrity) blockSize() int {
	if in.BlockSectors <= 0 {
		return 128 * SectorSize
	}
	return in.BlockSectors * SectorSize
}

func (in *Integrity) open(device string, flags int) (*os.File, error) {
	flags |= unix.O_SYNC | unix.O_CLOEXEC
	if in.Direct {
		flags |= unix.O_DIRECT
	}
	fd, err := unix.Open(device, flags, 0)
	if err != nil {
		return nil, core.ErrIO.Errorf("open %s: %s", device, err)
	}
	return os.NewFile(uintptr(fd), device), nil
}

// Write stamps 'blocks' blocks starting at Offset with iteration 'iter'.
func (in *Integrity) Write(ctx context.Context, device string, blocks int, iter uint64) (Timing, error) {
	f, err := in.open(device, unix.O_WRONLY)
	if err != nil {
		return Timing{}, err
	}
	defer f.Close()

	bs := in.blockSize()
	buf := alignedBuffer(bs)
	start := time.Now()
	var t Timing
	for b := 0; b < blocks; b++ {
		if err := ctx.Err(); err != nil {
			return t, errors.Wrap(err, "pattern write cancelled")
		}
		off := in.Offset + int64(b)*int64(bs)
		fillPattern(buf, uint64(off/SectorSize), iter)
		if _, err := f.WriteAt(buf, off); err != nil {
			return t, core.ErrIO.Errorf("pattern write to %s at %d: %s", device, off, err)
		}
		t.Blocks++
		t.Bytes += int64(bs)
	}
	t.Elapsed = time.Since(start)
	log.V(1).Infof("pattern write to %s: %s", device, t)
	return t, nil
}

// Verify reads back 'blocks' blocks starting at Offset and checks them
// against iteration 'iter'. Mismatching sectors yield a core.ErrCorruptData
// naming how many sectors were bad; the whole region is read regardless.
func (in *Integrity) Verify(ctx context.Context, device string, blocks int, iter uint64) (Timing, error) {
	f, err := in.open(device, unix.O_RDONLY)
	if err != nil {
		return Timing{}, err
	}
	defer f.Close()

	bs := in.blockSize()
	buf := alignedBuffer(bs)
	start := time.Now()
	var t Timing
	bad, first := 0, int64(-1)
	for b := 0; b < blocks; b++ {
		if err := ctx.Err(); err != nil {
			return t, errors.Wrap(err, "pattern verify cancelled")
		}
		off := in.Offset + int64(b)*int64(bs)
		if _, err := f.ReadAt(buf, off); err != nil {
			return t, core.ErrIO.Errorf("pattern read from %s at %d: %s", device, off, err)
		}
		n, at := verifyPattern(buf, uint64(off/SectorSize), iter)
		if n > 0 && first < 0 {
			first = int64(at)
		}
		bad += n
		t.Blocks++
		t.Bytes += int64(bs)
	}
	t.Elapsed = time.Since(start)
	if bad > 0 {
		return t, core.ErrCorruptData.Errorf("%d bad sectors on %s, first at sector %d", bad, device, first)
	}
	log.V(1).Infof("pattern verify of %s: %s", device, t)
	return t, nil
}

func fillPattern(buf []byte, sector, iter uint64) {
	for s := 0; s < len(buf)/SectorSize; s++ {
		sec := buf[s*SectorSize : (s+1)*SectorSize]
		for i := 0; i < SectorSize; i += sliceSize {
			binary.LittleEndian.PutUint64(sec[i:], sector+uint64(s))
			binary.LittleEndian.PutUint64(sec[i+8:], iter)
		}
	}
}

// verifyPattern returns the number of sectors in 'buf' that don't carry the
// expected pattern, and the number of the first such sector.
func verifyPattern(buf []byte, sector, iter uint64) (bad int, first uint64) {
	for s := 0; s < len(buf)/SectorSize; s++ {
		sec := buf[s*SectorSize : (s+1)*SectorSize]
		for i := 0; i < SectorSize; i += sliceSize {
			if binary.LittleEndian.Uint64(sec[i:]) != sector+uint64(s) ||
				binary.LittleEndian.Uint64(sec[i+8:]) != iter {
				if bad == 0 {
					first = sector + uint64(s)
				}
				bad++
				break
			}
		}
	}
	return bad, first
}

// alignedBuffer returns a buffer of 'size' bytes whose start is aligned for
// O_DIRECT.
func alignedBuffer(size int) []byte {
	buf := make([]byte, size+alignment)
	skew := int(uintptr(unsafe.Pointer(&buf[0])) & (alignment - 1))
	off := 0
	if skew != 0 {
		off = alignment - skew
	}
	return buf[off : off+size]
}
