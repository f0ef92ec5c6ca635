// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Helpers for tests. Files a test needs (fake sysfs trees, callout scripts,
// databases) go under TempDir or a directory from MkDir. Put this in a file
// named main_test.go in your package, and temp directories will be cleaned up
// automatically on successful runs:
/*

package mypkg

import (
	"testing"

	test "github.com/westerndigitalcorporation/mpathcert/pkg/testutil"
)

func TestMain(m *testing.M) {
	test.TestMain(m)
}

*/

package testutil

import (
	"flag"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	log "github.com/golang/glog"
)

var tempDir string

// TempDir gets a temp directory that's exclusive to this process (but not
// necessarily other tests in the same process).
func TempDir() string {
	if tempDir == "" {
		var err error
		tempDir, err = ioutil.TempDir(os.Getenv("TMPDIR"), filepath.Base(os.Args[0]))
		if err != nil {
			log.Fatalf("couldn't create temp dir: %s", err)
		}
	}
	return tempDir
}

// MkDir creates a fresh directory under TempDir whose name starts with
// 'prefix', so tests sharing a process don't see each other's files.
func MkDir(t *testing.T, prefix string) string {
	dir, err := ioutil.TempDir(TempDir(), prefix)
	if err != nil {
		t.Fatalf("failed to create dir: %s", err)
	}
	return dir
}

// WriteFile writes 'content' to 'path' relative to 'dir', creating parent
// directories as needed, and returns the full path.
func WriteFile(t *testing.T, dir, path, content string, mode os.FileMode) string {
	full := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("failed to create parent of %s: %s", full, err)
	}
	if err := ioutil.WriteFile(full, []byte(content), mode); err != nil {
		t.Fatalf("failed to write %s: %s", full, err)
	}
	return full
}

// TestMain should be called from your package TestMain to ensure that the process
// temp directory is cleaned up on successful runs.
func TestMain(m *testing.M) {
	flag.Parse()
	ret := m.Run()
	if ret == 0 && tempDir != "" {
		os.RemoveAll(tempDir)
	}
	os.Exit(ret)
}
