// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package certify

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/mpath"
)

// Provisioner hands out the device under test and takes it back. Creating
// storage objects on an array is outside this tool, so implementations only
// have to find and release an existing LUN.
type Provisioner interface {
	Provision(ctx context.Context) (core.DeviceIdentity, error)
	Release(ctx context.Context, dev core.DeviceIdentity) error
}

// LocalProvisioner finds an already attached multipath LUN on this host.
type LocalProvisioner struct {
	// SCSIID to use. Empty picks the first LUN not on the root disk.
	SCSIID  string
	Targets []string

	// Root is the root disk, never handed out.
	Root string

	// Dev and Sys are the device and sysfs roots, "/dev" and "/sys" in
	// production.
	Dev string
	Sys string
}

// NewLocalProvisioner returns a LocalProvisioner for the host's /dev and /sys.
func NewLocalProvisioner(scsiID string, targets []string, root string) *LocalProvisioner {
	return &LocalProvisioner{SCSIID: scsiID, Targets: targets, Root: root, Dev: "/dev", Sys: "/sys"}
}

// Provision implements Provisioner.
func (p *LocalProvisioner) Provision(ctx context.Context) (core.DeviceIdentity, error) {
	luns, err := mpath.EnumerateLUNs(filepath.Join(p.Dev, "disk", "by-scsibus"))
	if err != nil {
		log.Errorf("LUN enumeration failed: %s", err)
	}
	ids := mpath.SCSIIDsOf(luns, p.Root)

	id := p.SCSIID
	if id == "" {
		if len(ids) == 0 {
			return core.DeviceIdentity{}, core.ErrPrecondition.Errorf("no LUN to test besides the root disk")
		}
		id = ids[0]
		log.Infof("testing the first eligible LUN %s of %d", id, len(ids))
	} else if len(luns) > 0 && !contains(ids, id) {
		for _, l := range luns {
			if l.SCSIID == id {
				return core.DeviceIdentity{}, core.ErrPrecondition.Errorf("%s has a path on the root disk %s", id, p.Root)
			}
		}
	}

	dev := core.DeviceIdentity{SCSIID: id, Targets: p.Targets}
	for _, cand := range []string{
		filepath.Join(p.Dev, "mapper", id),
		filepath.Join(p.Dev, "disk", "by-id", "dm-uuid-mpath-"+id),
		filepath.Join(p.Dev, "disk", "by-id", "scsi-"+id),
	} {
		if _, err := os.Stat(cand); err == nil {
			dev.DevicePath = cand
			break
		}
	}
	if dev.DevicePath == "" {
		return core.DeviceIdentity{}, core.ErrPrecondition.Errorf("no device node for %s", id)
	}
	if mpath.IsRootDisk(dev.DevicePath, p.Root) {
		return core.DeviceIdentity{}, core.ErrPrecondition.Errorf("%s is the root disk", dev.DevicePath)
	}
	dev.MappingName = p.mappingName(dev.DevicePath)
	log.Infof("provisioned %s (map %q)", dev, dev.MappingName)
	return dev, nil
}

// mappingName returns the device-mapper name of 'path', or "" if it's not
// a device-mapper node.
func (p *LocalProvisioner) mappingName(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return ""
	}
	b, err := ioutil.ReadFile(filepath.Join(p.Sys, "block", filepath.Base(resolved), "dm", "name"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// Release implements Provisioner. The LUN stays attached; only the test's
// claim on it ends.
func (p *LocalProvisioner) Release(ctx context.Context, dev core.DeviceIdentity) error {
	if _, err := os.Stat(dev.DevicePath); err != nil {
		return core.ErrCleanup.Errorf("device %s vanished during the run: %s", dev.DevicePath, err)
	}
	log.Infof("released %s", dev)
	return nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
