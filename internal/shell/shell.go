// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package shell runs the external commands the certification depends on
// (multipath, multipathd, scsi_id, dd, iptables and operator callouts).
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	shlex "github.com/flynn-archive/go-shlex"
	log "github.com/golang/glog"
	"github.com/pkg/errors"
)

// Result is the captured output of a finished command.
type Result struct {
	Stdout string
	Stderr string
}

// Runner runs a command to completion.
//
// A command that starts but exits nonzero returns its Result together with
// a *CommandError. A command that can't be started returns a plain error.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// CommandError is returned for commands that exit with a nonzero status.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		detail = "no output on stderr"
	}
	return fmt.Sprintf("%q exited with status %d: %s", e.Cmd, e.ExitCode, detail)
}

// ExitCode returns the exit code carried by 'err', or -1 if the error didn't
// come from a command exiting.
func ExitCode(err error) int {
	if ce, ok := errors.Cause(err).(*CommandError); ok {
		return ce.ExitCode
	}
	return -1
}

// ExecRunner runs commands on the local host with os/exec.
type ExecRunner struct {
	// Env, if not nil, is appended to the environment of every command.
	Env []string
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if r.Env != nil {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	line := CommandLine(name, args...)
	log.V(2).Infof("running %s", line)
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ee, ok := err.(*exec.ExitError); ok {
		code := -1
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			code = ws.ExitStatus()
		}
		return res, &CommandError{Cmd: line, ExitCode: code, Stderr: res.Stderr}
	}
	return res, errors.Wrapf(err, "failed to run %s", line)
}

// CommandLine renders a command for logs and mock lookups.
func CommandLine(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

// Split breaks a command string into words using shell quoting rules. It's
// used for operator-supplied callouts that may carry their own arguments.
func Split(command string) ([]string, error) {
	words, err := shlex.Split(command)
	if err != nil {
		return nil, errors.Wrapf(err, "can't parse command %q", command)
	}
	if len(words) == 0 {
		return nil, errors.Errorf("empty command")
	}
	return words, nil
}
