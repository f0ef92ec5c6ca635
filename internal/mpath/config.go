// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package mpath

import (
	"regexp"
	"strings"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
)

// Attr is one "name value" line of a multipath configuration.
type Attr struct {
	Name  string
	Value string
}

// Block is a "name { ... }" block of a multipath configuration. Order of
// attributes and sub-blocks is kept as the configuration lists them.
type Block struct {
	Name   string
	Attrs  []Attr
	Blocks []*Block
}

// Get returns the value of the first attribute called 'name'.
func (b *Block) Get(name string) (string, bool) {
	for _, a := range b.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Section returns the first top-level block called 'name', or nil.
func (b *Block) Section(name string) *Block {
	for _, s := range b.Blocks {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// ParseConfig parses the output of "multipathd show config" into a tree
// rooted at an unnamed block. Nesting is taken from braces, not indentation.
// Lines that are neither attributes nor braces are ignored.
func ParseConfig(out string) *Block {
	root := &Block{}
	stack := []*Block{root}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		top := stack[len(stack)-1]
		switch {
		case line == "}":
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case strings.HasSuffix(line, "{"):
			b := &Block{Name: strings.TrimSpace(strings.TrimSuffix(line, "{"))}
			top.Blocks = append(top.Blocks, b)
			stack = append(stack, b)
		default:
			f := strings.Fields(line)
			if len(f) < 2 {
				continue
			}
			value := strings.TrimSpace(strings.TrimPrefix(line, f[0]))
			top.Attrs = append(top.Attrs, Attr{Name: f[0], Value: unquote(value)})
		}
	}
	return root
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// builtinDefaults are used for attributes neither the defaults section nor
// the device stanza set.
var builtinDefaults = core.MultipathPolicy{
	"udev_dir":             "/dev",
	"polling_interval":     "5",
	"selector":             "round-robin 0",
	"path_grouping_policy": "failover",
	"prio":                 "const",
	"path_checker":         "readsector0",
	"rr_min_io":            "1000",
	"rr_weight":            "uniform",
	"failback":             "manual",
	"no_path_retry":        "fail",
	"user_friendly_names":  "no",
	"bindings_file":        "/var/lib/multipath/bindings",
}

// MatchDevice finds the first device stanza of 'cfg' whose vendor and
// product regular expressions match 'vendor' and 'product', and returns its
// attributes layered over the configured and built-in defaults. Stanzas
// without a vendor or product, or with invalid expressions, are skipped.
func MatchDevice(cfg *Block, vendor, product string) (core.MultipathPolicy, bool) {
	devices := cfg.Section("devices")
	if devices == nil {
		return nil, false
	}
	for _, dev := range devices.Blocks {
		if dev.Name != "device" {
			continue
		}
		v, vok := dev.Get("vendor")
		p, pok := dev.Get("product")
		if !vok || !pok {
			log.V(1).Infof("skipping device stanza without vendor or product: %+v", dev.Attrs)
			continue
		}
		reVendor, err := regexp.Compile(v)
		if err != nil {
			log.Errorf("bad vendor expression %q: %s", v, err)
			continue
		}
		reProduct, err := regexp.Compile(p)
		if err != nil {
			log.Errorf("bad product expression %q: %s", p, err)
			continue
		}
		if !reVendor.MatchString(vendor) || !reProduct.MatchString(product) {
			continue
		}

		policy := make(core.MultipathPolicy)
		for k, v := range builtinDefaults {
			policy[k] = v
		}
		if defaults := cfg.Section("defaults"); defaults != nil {
			for _, a := range defaults.Attrs {
				policy[a.Name] = a.Value
			}
		}
		for _, a := range dev.Attrs {
			policy[a.Name] = a.Value
		}
		return policy, true
	}
	return nil, false
}
