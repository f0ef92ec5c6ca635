// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"os"

	log "github.com/golang/glog"
)

func main() {
	// We should send our own log output to stderr.
	flag.Set("logtostderr", "true")
	flag.Parse()

	// glog flags go before the subcommand; everything after is cli's.
	m := newMpathCli()
	if err := m.run(append([]string{os.Args[0]}, flag.Args()...)); err != nil {
		log.Errorf("%s", err)
		m.exitCode = 1
	}
	log.Flush()
	os.Exit(m.exitCode)
}
