// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package mpath

import (
	"context"
	"strings"
	"sync"

	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/shell"
)

const (
	// Keys of the vendor and model in "scsi_id --export" output.
	vendorKey = "ID_VENDOR"
	modelKey  = "ID_MODEL"

	// How many vendor/product policies to remember.
	policyCacheSize = 64
)

// ParseExport parses KEY=VALUE lines as printed by "scsi_id --export".
func ParseExport(out string) map[string]string {
	attrs := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		i := strings.Index(line, "=")
		if i <= 0 {
			continue
		}
		attrs[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
	}
	return attrs
}

// Resolver finds the vendor attributes of a device and the multipath policy
// the installed configuration applies to it.
type Resolver struct {
	Runner shell.Runner

	// ScsiID and Multipathd are the binaries to query.
	ScsiID     string
	Multipathd string

	lock  sync.Mutex
	cache *lru.Cache // vendor+product -> core.MultipathPolicy
}

// NewResolver returns a Resolver running commands with 'runner'.
func NewResolver(runner shell.Runner) *Resolver {
	return &Resolver{
		Runner:     runner,
		ScsiID:     "/usr/lib/udev/scsi_id",
		Multipathd: "multipathd",
		cache:      lru.New(policyCacheSize),
	}
}

// Resolve returns the vendor attributes of 'dev' and its multipath policy.
// If the vendor attributes can be read but no stanza matches, the
// attributes are returned together with a core.ErrConfigResolution.
func (r *Resolver) Resolve(ctx context.Context, dev core.DeviceIdentity) (map[string]string, core.MultipathPolicy, error) {
	res, err := r.Runner.Run(ctx, r.ScsiID, "--replace-whitespace", "--whitelisted", "--export", dev.DevicePath)
	if err != nil {
		return nil, nil, core.ErrConfigResolution.Errorf("scsi_id %s: %s", dev.DevicePath, err)
	}
	attrs := ParseExport(res.Stdout)
	vendor, product := attrs[vendorKey], attrs[modelKey]
	if vendor == "" || product == "" {
		return attrs, nil, core.ErrConfigResolution.Errorf("no vendor or model reported for %s", dev.DevicePath)
	}

	key := vendor + "\x00" + product
	r.lock.Lock()
	cached, ok := r.cache.Get(key)
	r.lock.Unlock()
	if ok {
		return attrs, cached.(core.MultipathPolicy), nil
	}

	res, err = r.Runner.Run(ctx, r.Multipathd, "show", "config")
	if err != nil {
		return attrs, nil, core.ErrConfigResolution.Errorf("multipathd show config: %s", err)
	}
	policy, ok := MatchDevice(ParseConfig(res.Stdout), vendor, product)
	if !ok {
		return attrs, nil, core.ErrConfigResolution.Errorf("no device stanza matches vendor %q product %q", vendor, product)
	}
	log.V(1).Infof("resolved policy for %s/%s: %v", vendor, product, policy)

	r.lock.Lock()
	r.cache.Add(key, policy)
	r.lock.Unlock()
	return attrs, policy, nil
}
