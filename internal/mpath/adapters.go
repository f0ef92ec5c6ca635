// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package mpath

import (
	"io/ioutil"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
)

// AdapterAddresses maps the SCSI host number of each iSCSI host under
// 'sysfs' (normally "/sys") to the persistent address of its connection.
// Hosts whose address can't be read are left out.
func AdapterAddresses(sysfs string) map[string]string {
	hosts, _ := filepath.Glob(filepath.Join(sysfs, "class/iscsi_host/host*"))
	addrs := make(map[string]string)
	for _, host := range hosts {
		id := strings.TrimPrefix(filepath.Base(host), "host")
		files, _ := filepath.Glob(filepath.Join(host, "device/session*/connection*/iscsi_connection*/*/persistent_address"))
		more, _ := filepath.Glob(filepath.Join(host, "device/session*/connection*/iscsi_connection*/persistent_address"))
		files = append(files, more...)
		sort.Strings(files)
		for _, f := range files {
			b, err := ioutil.ReadFile(f)
			if err != nil {
				log.V(1).Infof("can't read %s: %s", f, err)
				continue
			}
			if addr := strings.TrimSpace(string(b)); addr != "" {
				addrs[id] = addr
				break
			}
		}
	}
	return addrs
}

// AddressOf returns the address of the iSCSI host carrying the h:b:t:l
// 'hbtl', or "" if it's not known.
func AddressOf(addrs map[string]string, hbtl string) string {
	return addrs[(core.PathRecord{Location: hbtl}).Host()]
}

// Addresses returns the target address of each path, in order. It fails if
// any path's host has no known address, since address-based injection can't
// block what it can't name.
func Addresses(addrs map[string]string, paths []core.PathRecord) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		a := AddressOf(addrs, p.Location)
		if a == "" {
			return nil, core.ErrProbe.Errorf("no address for path %s", p.Location)
		}
		out = append(out, a)
	}
	return out, nil
}
