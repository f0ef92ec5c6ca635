// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package mpath

import (
	"bufio"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
)

// LUN is one path to a SCSI logical unit as listed under
// /dev/disk/by-scsibus.
type LUN struct {
	SCSIID string
	HBTL   string
	Device string // resolved block device, e.g. /dev/sdb
}

// Entries are named <SCSI id>-<h>:<b>:<t>:<l>.
var scsibusName = regexp.MustCompile(`^(.+)-(\d+:\d+:\d+:\d+)$`)

// EnumerateLUNs lists the LUN paths linked from 'dir'. Entries that aren't
// named like by-scsibus links are ignored.
func EnumerateLUNs(dir string) ([]LUN, error) {
	infos, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", dir)
	}
	var luns []LUN
	for _, fi := range infos {
		m := scsibusName.FindStringSubmatch(fi.Name())
		if m == nil {
			continue
		}
		link := filepath.Join(dir, fi.Name())
		dev, err := filepath.EvalSymlinks(link)
		if err != nil {
			log.Errorf("can't resolve %s: %s", link, err)
			continue
		}
		luns = append(luns, LUN{SCSIID: m[1], HBTL: m[2], Device: dev})
	}
	sort.Slice(luns, func(i, j int) bool {
		if luns[i].SCSIID != luns[j].SCSIID {
			return luns[i].SCSIID < luns[j].SCSIID
		}
		return luns[i].HBTL < luns[j].HBTL
	})
	return luns, nil
}

// RootDevice returns the block device mounted at "/" according to
// 'mounts' (normally /proc/self/mounts), with symlinks resolved. It returns
// "" if the root filesystem isn't on a block device.
func RootDevice(mounts string) (string, error) {
	f, err := os.Open(mounts)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %s", mounts)
	}
	defer f.Close()

	var src string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// Later mounts shadow earlier ones.
		if len(fields) >= 2 && fields[1] == "/" {
			src = fields[0]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", errors.Wrapf(err, "failed to read %s", mounts)
	}
	if !strings.HasPrefix(src, "/dev/") {
		return "", nil
	}
	if resolved, err := filepath.EvalSymlinks(src); err == nil {
		src = resolved
	}
	return src, nil
}

// Partitions of disks whose names end in a digit (nvme0n1, mmcblk0) take a
// "p" separator.
var (
	partitionSuffix      = regexp.MustCompile(`^\d+$`)
	digitPartitionSuffix = regexp.MustCompile(`^p\d+$`)
)

// IsRootDisk returns true if 'dev' is the disk 'root' lives on, either the
// same node or the disk a root partition belongs to.
func IsRootDisk(dev, root string) bool {
	if dev == "" || root == "" {
		return false
	}
	if resolved, err := filepath.EvalSymlinks(dev); err == nil {
		dev = resolved
	}
	if dev == root {
		return true
	}
	if !strings.HasPrefix(root, dev) {
		return false
	}
	suffix := root[len(dev):]
	if last := dev[len(dev)-1]; last >= '0' && last <= '9' {
		return digitPartitionSuffix.MatchString(suffix)
	}
	return partitionSuffix.MatchString(suffix)
}

// ExcludeRoot splits 'luns' into the ones that may be tested and the ones
// that sit on the root disk.
func ExcludeRoot(luns []LUN, root string) (kept, excluded []LUN) {
	for _, l := range luns {
		if IsRootDisk(l.Device, root) {
			log.Infof("excluding root device %s (%s) from testing", l.Device, l.SCSIID)
			excluded = append(excluded, l)
			continue
		}
		kept = append(kept, l)
	}
	return kept, excluded
}

// SCSIIDsOf returns the root-disk-free SCSI ids in 'luns' in sorted order. A
// SCSI id with any path on the root disk is left out entirely.
func SCSIIDsOf(luns []LUN, root string) []string {
	_, excluded := ExcludeRoot(luns, root)
	bad := make(map[string]bool)
	for _, l := range excluded {
		bad[l.SCSIID] = true
	}
	seen := make(map[string]bool)
	var ids []string
	for _, l := range luns {
		if bad[l.SCSIID] || seen[l.SCSIID] {
			continue
		}
		seen[l.SCSIID] = true
		ids = append(ids, l.SCSIID)
	}
	sort.Strings(ids)
	return ids
}
