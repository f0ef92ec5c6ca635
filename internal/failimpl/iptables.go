// Copyright (c) 2016 Western Digital Corporation or its affiliates. All Rights Reserved
// SPDX-License-Identifier: MIT

package failimpl

import (
	"context"
	"math/rand"
	"strings"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/shell"
)

// BuiltinIptables is the path handler name that selects IptablesCallout.
const BuiltinIptables = "builtin:iptables"

// IptablesCallout blocks iSCSI paths on the local host by dropping traffic
// to and from target addresses. It's a Callout for AddressStrategy when no
// operator script is available.
type IptablesCallout struct {
	Runner shell.Runner

	// Command is the iptables binary, "iptables" if empty.
	Command string

	// Rand picks which addresses to block.
	Rand *rand.Rand
}

// Block drops traffic for 'count' randomly chosen distinct addresses of the
// comma-separated 'info'. The descriptor lists the blocked addresses.
func (c *IptablesCallout) Block(ctx context.Context, count int, info string) (string, error) {
	addrs := uniqueAddrs(info)
	if count < 1 || count > len(addrs) {
		return "", core.ErrInjection.Errorf("can't block %d of %d addresses", count, len(addrs))
	}
	c.Rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
	chosen := addrs[:count]

	for i, addr := range chosen {
		log.V(1).Infof("blocking traffic from and to %s", addr)
		if err := c.rules(ctx, "-I", addr); err != nil {
			// Don't leave a partial block behind.
			partial := strings.Join(chosen[:i+1], ",")
			if uerr := c.Unblock(ctx, i+1, partial); uerr != nil {
				return partial, err
			}
			return "", err
		}
	}
	return strings.Join(chosen, ","), nil
}

// Unblock removes the rules added for the addresses in 'info'. It tries all
// of them and returns the last error.
func (c *IptablesCallout) Unblock(ctx context.Context, count int, info string) error {
	var last error
	for _, addr := range uniqueAddrs(info) {
		log.V(1).Infof("unblocking traffic from and to %s", addr)
		if err := c.rules(ctx, "-D", addr); err != nil {
			log.Errorf("failed to unblock %s: %s", addr, err)
			last = err
		}
	}
	return last
}

func (c *IptablesCallout) rules(ctx context.Context, op, addr string) error {
	cmd := c.Command
	if cmd == "" {
		cmd = "iptables"
	}
	var last error
	for _, args := range [][]string{
		{op, "INPUT", "-s", addr, "-j", "DROP"},
		{op, "OUTPUT", "-d", addr, "-j", "DROP"},
	} {
		if _, err := c.Runner.Run(ctx, cmd, args...); err != nil {
			last = core.ErrInjection.Errorf("iptables %s: %s", strings.Join(args, " "), err)
			if op == "-I" {
				return last
			}
		}
	}
	return last
}

// PathsBehind returns how many of 'addrs', one per path, are among the
// comma-separated addresses in 'desc'.
func PathsBehind(addrs []string, desc string) int {
	in := make(map[string]bool)
	for _, a := range uniqueAddrs(desc) {
		in[a] = true
	}
	n := 0
	for _, a := range addrs {
		if in[strings.TrimSpace(a)] {
			n++
		}
	}
	return n
}

func uniqueAddrs(info string) []string {
	seen := make(map[string]bool)
	var addrs []string
	for _, a := range strings.Split(info, ",") {
		a = strings.TrimSpace(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		addrs = append(addrs, a)
	}
	return addrs
}
